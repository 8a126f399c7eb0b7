package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/faize-ai/world/internal/broker"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/spf13/cobra"
)

var (
	syncDirection string
	syncConflict  string
	syncExcludes  []string
	syncSizeGuard string
	syncDryRun    bool
	syncAuto      bool
	syncJSON      bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the host tree and the world tree",
	Long: `Reconcile sync.host_root with sync.world_root.

Everything that changed on the source side since the last successful sync
is copied to the destination. Protected paths (VCS metadata, credentials,
sockets) are never touched. A sync is all-or-nothing: a conflict under the
manual policy or a change set above the size guard aborts it before
anything is written.

Examples:
  world sync
  world sync --direction to_world --conflict prefer_host
  world sync --exclude 'dist/**' --size-guard 500MiB --dry-run
  world sync --auto`,
	Args: userArgs(cobra.NoArgs),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncDirection, "direction", "d", "", "to_host or to_world (default from config)")
	syncCmd.Flags().StringVarP(&syncConflict, "conflict", "c", "", "prefer_host, prefer_world or manual (default from config)")
	syncCmd.Flags().StringArrayVarP(&syncExcludes, "exclude", "x", nil, "additional exclude pattern (repeatable, ! re-includes)")
	syncCmd.Flags().StringVar(&syncSizeGuard, "size-guard", "", "maximum bytes written by one sync, e.g. 100MiB")
	syncCmd.Flags().BoolVarP(&syncDryRun, "dry-run", "n", false, "report what would change without writing")
	syncCmd.Flags().BoolVar(&syncAuto, "auto", false, "keep syncing every sync.auto_interval until interrupted")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(syncCmd)
}

func syncPlan(a *app) (syncer.Plan, error) {
	cfg := a.cfg.Sync
	if syncDirection != "" {
		cfg.Direction = syncDirection
	}
	if syncConflict != "" {
		cfg.ConflictPolicy = syncConflict
	}
	cfg.Excludes = append(append([]string{}, cfg.Excludes...), syncExcludes...)
	if syncSizeGuard != "" {
		n, err := humanize.ParseBytes(syncSizeGuard)
		if err != nil {
			return syncer.Plan{}, errs.Config("sync", fmt.Errorf("invalid --size-guard: %w", err))
		}
		cfg.SizeGuardBytes = n
	}
	plan, err := broker.NewPlan(cfg)
	if err != nil {
		return plan, err
	}
	plan.DryRun = syncDryRun
	return plan, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	plan, err := syncPlan(a)
	if err != nil {
		return err
	}
	sess, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	if syncAuto {
		return runAutoSync(cmd, a, sess, plan)
	}

	report, err := sess.Sync(cmd.Context(), plan, nil)
	if report != nil {
		if perr := printReport(report); perr != nil {
			return perr
		}
	}
	return err
}

func runAutoSync(cmd *cobra.Command, a *app, sess *broker.Session, plan syncer.Plan) error {
	auto := &broker.AutoSyncer{
		Session:  sess,
		Plan:     plan,
		Interval: a.cfg.Sync.AutoInterval,
		Watch:    a.cfg.Sync.AutoWatch,
		Logger:   a.log,
		OnSync: func(r *syncer.Report, err error) {
			if err == nil && len(r.Applied) > 0 {
				_ = printReport(r)
			}
		},
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := auto.Start(ctx); err != nil {
		return err
	}
	defer auto.Stop()

	select {
	case <-ctx.Done():
	case <-sess.Done():
		return errs.Transport("sync", fmt.Errorf("connection to the world closed"))
	}
	return nil
}

func printReport(r *syncer.Report) error {
	if syncJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	verb := "synced"
	if r.DryRun {
		verb = "would sync"
	}
	fmt.Printf("%s %d path(s) %s (%s)\n", verb, len(r.Applied), r.Direction, humanize.IBytes(r.BytesWritten))
	for _, p := range r.Applied {
		fmt.Printf("  %s\n", p)
	}
	for _, c := range r.Conflicts {
		fmt.Printf("  conflict %s (%s)\n", c.Path, c.Resolution)
	}
	if debug {
		for _, s := range r.Skipped {
			fmt.Printf("  skipped %s: %s\n", s.Path, s.Reason)
		}
	}
	return nil
}
