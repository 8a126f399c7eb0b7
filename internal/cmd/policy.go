package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/policy"
	"github.com/spf13/cobra"
)

var (
	policyCheckIsolated bool
	policyCheckHost     string
	policyJSON          bool
	policyInitGlobal    bool
	policyInitForce     bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage the policy profile",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [--host <host>] [command]",
	Short: "Show what the policy decides for a command or host",
	Long: `Evaluate a command against the policy profile governing the current
directory without running it, and with --host check whether the profile's
net_allowed list permits egress to a host. Exits 0 when everything asked
about is allowed and 5 when anything is denied or needs approval.

Examples:
  world policy check -- rm -rf build
  world policy check --json -- npm install
  world policy check --host registry.npmjs.org`,
	Args: userArgs(func(cmd *cobra.Command, args []string) error {
		if policyCheckHost != "" {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	}),
	RunE: runPolicyCheck,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a policy profile",
	Args:  userArgs(cobra.MaximumNArgs(1)),
	RunE:  runPolicyValidate,
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default policy profile",
	Long: `Write the default profile to .world/policy.yaml in the current
directory, or with --global to the global policy directory.`,
	Args: userArgs(cobra.NoArgs),
	RunE: runPolicyInit,
}

func init() {
	policyCheckCmd.Flags().BoolVar(&policyCheckIsolated, "isolated", false, "evaluate as an isolated run")
	policyCheckCmd.Flags().StringVar(&policyCheckHost, "host", "", "check egress to this host against net_allowed")
	policyCheckCmd.Flags().BoolVar(&policyJSON, "json", false, "output the decision as JSON")
	policyInitCmd.Flags().BoolVar(&policyInitGlobal, "global", false, "write the global profile")
	policyInitCmd.Flags().BoolVarP(&policyInitForce, "force", "f", false, "overwrite an existing profile")

	policyCmd.AddCommand(policyCheckCmd, policyValidateCmd, policyInitCmd)
	rootCmd.AddCommand(policyCmd)
}

type decisionOutput struct {
	Command  string        `json:"command,omitempty"`
	Verdict  string        `json:"verdict,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
	Isolated bool          `json:"isolated"`
	Forced   bool          `json:"forced_isolation,omitempty"`
	ReadOnly bool          `json:"read_only"`
	Network  []string      `json:"net_allowed"`
	Profile  string        `json:"profile,omitempty"`
	Host     *hostDecision `json:"host,omitempty"`
}

type hostDecision struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth := locatePolicy(cfg)

	out := decisionOutput{Network: []string{}, Profile: auth.Path()}
	allowed := true

	var d policy.Decision
	if len(args) > 0 {
		out.Command = commandLine(args)
		d = auth.Authorize(policy.Request{Cmd: out.Command, Isolated: policyCheckIsolated})
		out.Verdict = d.Verdict.String()
		out.Reason = d.Reason
		out.Pattern = d.Pattern
		out.Isolated = d.Isolated
		out.Forced = d.Forced
		out.ReadOnly = d.ReadOnly
		if d.Network != nil {
			out.Network = d.Network.Hosts()
		}
		allowed = d.Allowed()
	}
	if policyCheckHost != "" {
		out.Host = &hostDecision{Name: policyCheckHost, Allowed: auth.AllowsHost(policyCheckHost)}
		allowed = allowed && out.Host.Allowed
	}

	if policyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		if out.Command != "" {
			fmt.Printf("%s: %s\n", out.Verdict, out.Command)
			if out.Reason != "" {
				fmt.Printf("  reason:   %s\n", out.Reason)
			}
			if out.Pattern != "" {
				fmt.Printf("  pattern:  %s\n", out.Pattern)
			}
			if d.Allowed() || d.Verdict == policy.RequireApproval {
				fmt.Printf("  isolated: %t\n", out.Isolated)
				fmt.Printf("  network:  %s\n", strings.Join(out.Network, ", "))
			}
		}
		if out.Host != nil {
			verdict := "deny"
			if out.Host.Allowed {
				verdict = "allow"
			}
			fmt.Printf("%s: egress to %s\n", verdict, out.Host.Name)
		}
		if out.Profile != "" {
			fmt.Printf("  profile:  %s\n", out.Profile)
		}
	}

	if allowed {
		return nil
	}
	return &errs.ExitError{Code: int(errs.KindSafetyViolation)}
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if path, err = policy.Locate(cwd, cfg.PolicyDir); err != nil {
			return errs.Config("policy", err)
		}
	}

	p, err := policy.Load(path)
	if err != nil {
		return errs.Config("policy", err)
	}
	fmt.Printf("%s: valid (id %s, world_fs %s)\n", path, p.ID, p.WorldFS.Mode)
	return nil
}

func runPolicyInit(cmd *cobra.Command, args []string) error {
	dir := policy.ProfileDir
	if policyInitGlobal {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.PolicyDir
	}
	path := filepath.Join(dir, policy.ProfileFile)

	if _, err := os.Stat(path); err == nil && !policyInitForce {
		return errs.Config("policy", fmt.Errorf("%s already exists (use --force to overwrite)", path))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Internal("policy", err)
	}

	data, err := policy.DefaultProfile().Marshal()
	if err != nil {
		return errs.Internal("policy", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
