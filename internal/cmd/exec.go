package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/faize-ai/world/internal/broker"
	"github.com/faize-ai/world/internal/console"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
	"golang.org/x/term"
)

var (
	execPTY      bool
	execNoPTY    bool
	execIsolated bool
	execTimeout  time.Duration
	execCwd      string
	execEnv      []string
	execEnvFile  string
	execDiffRoot string
	execNoDiff   bool
	execYes      bool
	execJSON     bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command>",
	Short: "Run a command in the world",
	Long: `Run a command inside the world, subject to the policy profile.

Full-screen and interactive programs (vim, top, a bare python, ...) get a
pseudo-terminal automatically; --pty and --no-pty override the guess. The
filesystem changes the command made are summarized when it exits.

A single argument is handed to the shell as is, so pipes and && work when
the command is quoted as one string. Several arguments are quoted one by
one and keep their spacing.

The exit code is the command's own exit status, or the world error code
when the command could not run.

Examples:
  world exec -- make test
  world exec --isolated -- npm install
  world exec --pty -- htop
  world exec --env-file .env -- ./deploy.sh`,
	Args: userArgs(cobra.MinimumNArgs(1)),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&execPTY, "pty", false, "force a pseudo-terminal")
	execCmd.Flags().BoolVar(&execNoPTY, "no-pty", false, "never allocate a pseudo-terminal")
	execCmd.Flags().BoolVar(&execIsolated, "isolated", false, "run against a throwaway copy of the working tree")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "execution timeout (default from config)")
	execCmd.Flags().StringVar(&execCwd, "cwd", "", "working directory inside the world (default sync.world_root)")
	execCmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil, "set an environment variable KEY=VALUE (repeatable)")
	execCmd.Flags().StringVar(&execEnvFile, "env-file", "", "read environment variables from a dotenv file")
	execCmd.Flags().StringVar(&execDiffRoot, "diff-root", "", "directory to track changes in (default the working directory)")
	execCmd.Flags().BoolVar(&execNoDiff, "no-diff", false, "disable change tracking and summary")
	execCmd.Flags().BoolVarP(&execYes, "yes", "y", false, "approve the command without prompting")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the result as JSON")
	execCmd.MarkFlagsMutuallyExclusive("pty", "no-pty")

	rootCmd.AddCommand(execCmd)
}

func execEnvironment() (map[string]string, error) {
	env := make(map[string]string)
	if execEnvFile != "" {
		vars, err := gotenv.Read(execEnvFile)
		if err != nil {
			return nil, errs.Config("exec", fmt.Errorf("failed to read env file: %w", err))
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for _, kv := range execEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, errs.Config("exec", fmt.Errorf("invalid --env %q (want KEY=VALUE)", kv))
		}
		env[k] = v
	}
	return env, nil
}

// commandLine turns exec arguments into the shell command line the world
// runs and the policy sees.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellescape.QuoteCommand(args)
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	env, err := execEnvironment()
	if err != nil {
		return err
	}

	req := broker.ExecRequest{
		Cmd:      commandLine(args),
		Env:      env,
		Cwd:      execCwd,
		Isolated: execIsolated,
		Timeout:  execTimeout,
		DiffRoot: execDiffRoot,
		NoDiff:   execNoDiff,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	switch {
	case execPTY:
		req.PTY = &execPTY
	case execNoPTY:
		pty := false
		req.PTY = &pty
	}

	sess, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	if execYes {
		sess.Approve(req.Cmd)
	}

	res, err := execute(cmd, sess, req)
	if errs.Is(err, errs.ClassApprovalRequired) && confirm(req.Cmd) {
		sess.Approve(req.Cmd)
		res, err = execute(cmd, sess, req)
	}

	if res != nil && res.State != "" {
		if execJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if jerr := enc.Encode(res); jerr != nil {
				return jerr
			}
		} else {
			printExecSummary(res)
		}
	}

	if errs.Is(err, errs.ClassExecutionFailed) {
		return &errs.ExitError{Code: res.ExitCode}
	}
	return err
}

// execute runs req, attaching the terminal when it needs a PTY.
func execute(cmd *cobra.Command, sess *broker.Session, req broker.ExecRequest) (*broker.ExecResult, error) {
	if !sess.WantsPTY(req) {
		return sess.Execute(cmd.Context(), req)
	}

	t, err := console.Open(os.Stdin, os.Stdout)
	if err != nil {
		return nil, errs.Unsupported("exec", err)
	}
	defer t.Restore()
	yes := true
	req.PTY = &yes
	return sess.Execute(cmd.Context(), t.Request(req))
}

// confirm asks on the terminal whether cmd may run. It never approves
// when stdin is not a terminal.
func confirm(cmd string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "The policy requires approval to run:\n  %s\nRun it in the world? [y/N] ", cmd)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printExecSummary(res *broker.ExecResult) {
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "world: output truncated")
	}
	if res.DiffError != "" {
		fmt.Fprintf(os.Stderr, "world: change tracking failed: %s\n", res.DiffError)
	}
	if res.Diff != nil && !res.Diff.Empty() {
		fsdiff.PrintSummary(os.Stderr, res.Diff)
	}
	if res.Detached {
		fmt.Fprintln(os.Stderr, "world: detached")
	}
}
