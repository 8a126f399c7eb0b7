package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/protect"
	"github.com/spf13/cobra"
)

var (
	snapshotOutput string
	diffJSON       bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [root]",
	Short: "Record a baseline snapshot of a directory",
	Long: `Walk a directory and save the content hash of every file to a JSON
baseline. Protected paths are left out. Compare against it later with
world diff.

Examples:
  world snapshot -o before.json
  world snapshot ./src -o src.json`,
	Args: userArgs(cobra.MaximumNArgs(1)),
	RunE: runSnapshot,
}

var diffCmd = &cobra.Command{
	Use:   "diff <baseline.json> [root]",
	Short: "Show changes since a baseline snapshot",
	Long: `Compare a directory with a baseline written by world snapshot. The
root defaults to the directory the baseline was taken of.

Examples:
  world diff before.json
  world diff before.json ./src --json`,
	Args: userArgs(cobra.RangeArgs(1, 2)),
	RunE: runDiff,
}

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "", "file to write the baseline to (required)")
	_ = snapshotCmd.MarkFlagRequired("output")
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "output in JSON format")
	rootCmd.AddCommand(snapshotCmd, diffCmd)
}

func localSkip() (func(string) bool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	set, err := protect.New(cfg.ProtectedPaths)
	if err != nil {
		return nil, errs.Config("config", err)
	}
	return set.Match, nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	skip, err := localSkip()
	if err != nil {
		return err
	}
	snap, err := fsdiff.Take(root, fsdiff.Options{Skip: skip})
	if err != nil {
		return errs.Config("snapshot", err)
	}
	if err := snap.Save(snapshotOutput); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	fmt.Printf("recorded %d files under %s in %s\n", len(snap.Files), snap.Root, snapshotOutput)
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	base, err := fsdiff.Load(args[0])
	if err != nil {
		return errs.Config("diff", fmt.Errorf("failed to load baseline: %w", err))
	}
	root := base.Root
	if len(args) > 1 {
		root = args[1]
	}
	skip, err := localSkip()
	if err != nil {
		return err
	}
	d, err := fsdiff.Against(base, root, fsdiff.Options{Skip: skip})
	if err != nil {
		return errs.Config("diff", err)
	}

	if diffJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	fsdiff.PrintSummary(os.Stdout, d)
	return nil
}
