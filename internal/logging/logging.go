// Package logging configures logrus for the world CLI and agent.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Options selects level and format. Format is "auto", "text" or "json";
// "auto" picks text when the output is a terminal and JSON otherwise so
// piped output stays machine readable.
type Options struct {
	Level  string
	Format string
	Debug  bool
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := Configure(logger, opts); err != nil {
		return nil, err
	}
	return logger, nil
}

// Configure applies opts to an existing logger.
func Configure(logger *logrus.Logger, opts Options) error {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("error parsing log level: %w", err)
		}
		level = parsed
	}
	if opts.Debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "", "auto":
		if isTerminal(out) {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Discard returns a logger that drops everything. Used by tests and by
// library callers that do not care about logs.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
