package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/sirupsen/logrus"
)

// NewPlan derives a sync plan from the configured defaults.
func NewPlan(cfg config.Sync) (syncer.Plan, error) {
	dir, err := syncer.ParseDirection(cfg.Direction)
	if err != nil {
		return syncer.Plan{}, errs.Config("sync", err)
	}
	conflict, err := syncer.ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return syncer.Plan{}, errs.Config("sync", err)
	}
	ex, err := syncer.NewExcludes(cfg.Excludes)
	if err != nil {
		return syncer.Plan{}, errs.Config("sync", err)
	}
	return syncer.Plan{
		Direction:      dir,
		ConflictPolicy: conflict,
		Excludes:       ex,
		SizeGuardBytes: cfg.SizeGuardBytes,
	}, nil
}

// Sync reconciles the configured host root with the world root. diff may
// be the Diff of a finished execution; nil syncs everything that changed
// since the last successful sync.
func (s *Session) Sync(ctx context.Context, plan syncer.Plan, diff *fsdiff.Diff) (report *syncer.Report, err error) {
	defer func() { s.b.record(state.OpSync, err) }()

	if !s.b.opts.Config.Enabled {
		return nil, errs.Unsupported("sync", ErrDisabled)
	}
	if d := s.auth.AuthorizeSync(plan.Direction == syncer.ToWorld); !d.Allowed() {
		return nil, errs.PolicyDenied("sync", d.Reason)
	}
	cfg := s.b.opts.Config.Sync
	if cfg.HostRoot == "" || cfg.WorldRoot == "" {
		return nil, errs.Config("sync", errors.New("sync.host_root and sync.world_root must be set"))
	}

	ctx, span := s.b.opts.Tracer.Start(ctx, "sync")
	span.Set("direction", string(plan.Direction)).
		Set("conflict_policy", string(plan.ConflictPolicy)).
		Set("dry_run", plan.DryRun).
		Set("session", s.ID())
	defer func() {
		if report != nil {
			span.Set("applied", len(report.Applied)).Set("conflicts", len(report.Conflicts))
		}
		span.Finish(err)
	}()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	host, err := syncer.NewDirTree(cfg.HostRoot, s.b.opts.Protect)
	if err != nil {
		return nil, errs.Config("sync", err)
	}
	engine := &syncer.Engine{
		Host:      host,
		World:     &syncer.RemoteTree{Conn: s.conn, Dir: cfg.WorldRoot},
		Protect:   s.b.opts.Protect,
		State:     s.b.opts.Store,
		SessionID: s.b.opts.Config.SessionID,
		Logger:    s.log,
	}
	report, err = engine.Sync(ctx, plan, diff)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errs.Is(err, errs.ClassTimedOut) {
		err = errs.TimedOut("sync", fmt.Errorf("sync exceeded %s: %w", cfg.Timeout, err))
	}
	if err == nil {
		s.log.WithFields(logrus.Fields{
			"direction": plan.Direction,
			"applied":   len(report.Applied),
			"skipped":   len(report.Skipped),
			"dry_run":   plan.DryRun,
		}).Info("sync finished")
	}
	return report, err
}
