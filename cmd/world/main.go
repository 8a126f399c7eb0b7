package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/faize-ai/world/internal/cmd"
	"github.com/faize-ai/world/internal/errs"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	var exit *errs.ExitError
	if !errors.As(err, &exit) {
		fmt.Fprintf(os.Stderr, "world: %v\n", err)
	}
	os.Exit(errs.ExitCode(err))
}
