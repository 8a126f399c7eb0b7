package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/state"
	"github.com/sirupsen/logrus"
)

// Skip reasons.
const (
	ReasonProtected = "protected"
	ReasonExcluded  = "excluded"
	ReasonInSync    = "in_sync"
	ReasonKept      = "conflict_destination_kept"
)

// Conflict resolutions.
const (
	ResolutionHostWins  = "host_wins"
	ResolutionWorldWins = "world_wins"
	ResolutionManual    = "manual"
)

type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Conflict is a path changed on both sides since the known-sync point.
type Conflict struct {
	Path       string `json:"path"`
	HostHash   string `json:"host_hash"`
	WorldHash  string `json:"world_hash"`
	Resolution string `json:"resolution"`
}

// Report is the outcome of a sync. On a dry run Applied lists what would
// have been applied.
type Report struct {
	Direction      Direction      `json:"direction"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy"`
	DryRun         bool           `json:"dry_run,omitempty"`
	Applied        []string       `json:"applied"`
	Skipped        []Skipped      `json:"skipped"`
	Conflicts      []Conflict     `json:"conflicts"`
	PendingBytes   uint64         `json:"pending_bytes"`
	BytesWritten   uint64         `json:"bytes_written"`
	Duration       time.Duration  `json:"duration"`
}

// ConflictPaths returns the paths of all conflicts.
func (r *Report) ConflictPaths() []string {
	out := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		out[i] = c.Path
	}
	return out
}

// Engine syncs one host tree with one world tree.
type Engine struct {
	Host    Tree
	World   Tree
	Protect *protect.Set
	// State holds the known-sync baseline. Nil disables baselines: the
	// known-sync point is then each entry's previous hash.
	State     *state.Store
	SessionID string
	Logger    logrus.FieldLogger
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

type pending struct {
	change   fsdiff.Change
	dstHash  string
	conflict *Conflict
}

// Sync applies diff from the plan's source side to its destination. A nil
// diff means the source's current state against the last known-sync
// baseline. The destination is either fully updated or left untouched:
// Manual conflicts, the size guard and stale sources all abort before the
// first write.
func (e *Engine) Sync(ctx context.Context, plan Plan, diff *fsdiff.Diff) (*Report, error) {
	start := time.Now()
	report := &Report{
		Direction:      plan.Direction,
		ConflictPolicy: plan.ConflictPolicy,
		DryRun:         plan.DryRun,
		Applied:        []string{},
		Skipped:        []Skipped{},
		Conflicts:      []Conflict{},
	}
	defer func() { report.Duration = time.Since(start) }()

	src, dst, err := e.sides(plan.Direction)
	if err != nil {
		return report, err
	}
	set := e.Protect
	if set == nil {
		set = protect.Default()
	}

	baseline, err := e.loadBaseline()
	if err != nil {
		return report, err
	}

	changes, err := e.changes(ctx, src, diff, baseline)
	if err != nil {
		return report, err
	}

	dstSnap, err := dst.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to snapshot %s: %w", dst.Root(), err)
	}

	inSync := make(map[string]string)
	var work []pending
	var manual []string

	for _, c := range changes {
		if set.MatchUnder(e.Host.Root(), c.Path) || protect.SpecialMode(c.Mode) {
			report.Skipped = append(report.Skipped, Skipped{Path: c.Path, Reason: ReasonProtected})
			continue
		}
		if plan.Excludes.Match(c.Path) {
			report.Skipped = append(report.Skipped, Skipped{Path: c.Path, Reason: ReasonExcluded})
			continue
		}

		desired := c.Hash
		if c.Kind == fsdiff.Deleted {
			desired = ""
		}
		dstHash := dstSnap.Hash(c.Path)
		if dstHash == desired {
			inSync[c.Path] = desired
			report.Skipped = append(report.Skipped, Skipped{Path: c.Path, Reason: ReasonInSync})
			continue
		}

		// The baseline wins for paths it has seen; a path it has never
		// synced falls back to the diff's own pre-change hash.
		known := c.PrevHash
		if h, ok := baseline.Hash(c.Path); ok {
			known = h
		}
		if dstHash == known {
			work = append(work, pending{change: c, dstHash: dstHash})
			continue
		}

		conflict := e.conflict(plan, c.Path, desired, dstHash)
		report.Conflicts = append(report.Conflicts, conflict)
		switch {
		case conflict.Resolution == ResolutionManual:
			manual = append(manual, c.Path)
		case e.sourceWins(plan, conflict.Resolution):
			work = append(work, pending{change: c, dstHash: dstHash, conflict: &conflict})
		default:
			report.Skipped = append(report.Skipped, Skipped{Path: c.Path, Reason: ReasonKept})
		}
	}

	if len(manual) > 0 {
		return report, errs.SyncConflict("sync", manual)
	}

	for _, p := range work {
		if p.change.Kind != fsdiff.Deleted && p.change.Size > 0 {
			report.PendingBytes += uint64(p.change.Size)
		}
	}
	if report.PendingBytes > plan.SizeGuardBytes {
		return report, errs.SizeGuardExceeded("sync", report.PendingBytes, plan.SizeGuardBytes)
	}

	writes, deletes, expect, err := e.read(ctx, src, work)
	if err != nil {
		return report, err
	}
	var actual uint64
	for _, w := range writes {
		actual += uint64(len(w.Data))
	}
	if actual > plan.SizeGuardBytes {
		report.PendingBytes = actual
		return report, errs.SizeGuardExceeded("sync", actual, plan.SizeGuardBytes)
	}

	if plan.DryRun {
		for _, p := range work {
			report.Applied = append(report.Applied, p.change.Path)
		}
		return report, nil
	}

	if len(writes) > 0 || len(deletes) > 0 {
		applied, err := dst.Apply(ctx, writes, deletes, expect)
		if err != nil {
			var stale *ExpectError
			if errors.As(err, &stale) {
				return report, errs.SyncConflict("sync", stale.Paths).With("reason", "destination changed during sync")
			}
			return report, err
		}
		report.Applied = applied
		report.BytesWritten = actual
	}

	if err := e.saveBaseline(baseline, inSync, writes, deletes); err != nil {
		e.logger().WithError(err).Warn("failed to save sync baseline")
	}

	e.logger().WithFields(logrus.Fields{
		"direction": plan.Direction,
		"applied":   len(report.Applied),
		"skipped":   len(report.Skipped),
		"conflicts": len(report.Conflicts),
		"bytes":     report.BytesWritten,
	}).Debug("sync applied")
	return report, nil
}

func (e *Engine) sides(d Direction) (src, dst Tree, err error) {
	switch d {
	case ToHost:
		return e.World, e.Host, nil
	case ToWorld:
		return e.Host, e.World, nil
	}
	return nil, nil, errs.Config("sync", fmt.Errorf("invalid sync direction %q", d))
}

func (e *Engine) conflict(plan Plan, path, srcHash, dstHash string) Conflict {
	c := Conflict{Path: path}
	if plan.Direction == ToHost {
		c.WorldHash, c.HostHash = srcHash, dstHash
	} else {
		c.HostHash, c.WorldHash = srcHash, dstHash
	}
	switch plan.ConflictPolicy {
	case PreferHost:
		c.Resolution = ResolutionHostWins
	case PreferWorld:
		c.Resolution = ResolutionWorldWins
	default:
		c.Resolution = ResolutionManual
	}
	return c
}

// sourceWins reports whether the winning side of a conflict is the sync
// source. When the destination wins its copy stays and the source change
// is not propagated.
func (e *Engine) sourceWins(plan Plan, resolution string) bool {
	return (plan.Direction == ToHost && resolution == ResolutionWorldWins) ||
		(plan.Direction == ToWorld && resolution == ResolutionHostWins)
}

func (e *Engine) changes(ctx context.Context, src Tree, diff *fsdiff.Diff, baseline *state.Baseline) ([]fsdiff.Change, error) {
	if diff != nil && !diff.Truncated {
		normalized, err := fsdiff.Normalize(diff)
		if err != nil {
			return nil, errs.ProtocolUser("sync", err)
		}
		return normalized.Changes, nil
	}
	if diff != nil {
		e.logger().Debug("diff was truncated, recomputing from the source tree")
	}

	srcSnap, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", src.Root(), err)
	}
	var base *fsdiff.Snapshot
	if baseline != nil {
		base = &fsdiff.Snapshot{Root: src.Root(), Files: make(map[string]fsdiff.Entry, len(baseline.Files))}
		for p, h := range baseline.Files {
			base.Files[p] = fsdiff.Entry{Path: p, Hash: h}
		}
		for p, entry := range srcSnap.Files {
			// The baseline carries hashes only; borrow the mode so an
			// unchanged symlink does not read as a type change.
			if b, ok := base.Files[p]; ok && b.Hash == entry.Hash {
				b.Mode = entry.Mode
				base.Files[p] = b
			}
		}
	}
	return fsdiff.Changes(base, srcSnap), nil
}

// read fetches source content for every pending write and checks that the
// source still matches what was planned.
func (e *Engine) read(ctx context.Context, src Tree, work []pending) ([]File, []string, map[string]string, error) {
	expect := make(map[string]string, len(work))
	if len(work) == 0 {
		return nil, nil, expect, nil
	}

	paths := make([]string, len(work))
	byPath := make(map[string]pending, len(work))
	for i, p := range work {
		paths[i] = p.change.Path
		byPath[p.change.Path] = p
		expect[p.change.Path] = p.dstHash
	}

	files, err := src.Read(ctx, paths)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		writes  []File
		deletes []string
		stale   []string
	)
	for _, f := range files {
		p, ok := byPath[f.Path]
		if !ok {
			return nil, nil, nil, errs.ProtocolInternal("sync read", fmt.Errorf("unexpected path %s in read response", f.Path))
		}
		if p.change.Kind == fsdiff.Deleted {
			if !f.Absent {
				stale = append(stale, f.Path)
				continue
			}
			deletes = append(deletes, f.Path)
			continue
		}
		if f.Absent || f.Hash != p.change.Hash {
			stale = append(stale, f.Path)
			continue
		}
		writes = append(writes, f)
	}
	if len(stale) > 0 {
		return nil, nil, nil, errs.SyncConflict("sync", stale).With("reason", "source changed during sync")
	}
	if len(writes)+len(deletes) != len(work) {
		return nil, nil, nil, errs.ProtocolInternal("sync read", errors.New("read response is missing paths"))
	}
	return writes, deletes, expect, nil
}

func (e *Engine) loadBaseline() (*state.Baseline, error) {
	if e.State == nil {
		return nil, nil
	}
	b, err := e.State.LoadBaseline(e.Host.Root(), e.World.Root())
	if err != nil {
		return nil, errs.Internal("sync", err)
	}
	return b, nil
}

func (e *Engine) saveBaseline(old *state.Baseline, inSync map[string]string, writes []File, deletes []string) error {
	if e.State == nil {
		return nil
	}
	files := make(map[string]string)
	if old != nil {
		for p, h := range old.Files {
			files[p] = h
		}
	}
	for p, h := range inSync {
		if h == "" {
			delete(files, p)
		} else {
			files[p] = h
		}
	}
	for _, w := range writes {
		files[w.Path] = w.Hash
	}
	for _, p := range deletes {
		delete(files, p)
	}
	return e.State.SaveBaseline(&state.Baseline{
		HostRoot:  e.Host.Root(),
		WorldRoot: e.World.Root(),
		SessionID: e.SessionID,
		Files:     files,
	})
}
