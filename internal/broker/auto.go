package broker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
)

// DefaultAutoInterval is the auto-sync period when none is configured.
const DefaultAutoInterval = 30 * time.Second

// AutoSyncer runs a sync plan on a fixed interval. With Watch set and a
// to_world plan, ticks are skipped until the host tree changes; world
// changes cannot be observed from the host, so to_host plans run on every
// tick.
type AutoSyncer struct {
	Session  *Session
	Plan     syncer.Plan
	Interval time.Duration
	Watch    bool
	// OnSync is called after every attempted sync.
	OnSync func(*syncer.Report, error)
	Logger logrus.FieldLogger

	mu      sync.Mutex
	sched   *gocron.Scheduler
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dirty   atomic.Bool
}

func (a *AutoSyncer) logger() logrus.FieldLogger {
	if a.Logger == nil {
		return logrus.StandardLogger()
	}
	return a.Logger
}

func (a *AutoSyncer) gated() bool {
	return a.Watch && a.Plan.Direction == syncer.ToWorld
}

// Start schedules the syncs. The first one runs after one interval.
func (a *AutoSyncer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sched != nil {
		return errors.New("auto-sync already started")
	}
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAutoInterval
	}
	ctx, a.cancel = context.WithCancel(ctx)

	if a.gated() {
		w, err := a.watch(ctx, a.Session.b.opts.Config.Sync.HostRoot)
		if err != nil {
			a.cancel()
			return errs.Internal("sync", err)
		}
		a.watcher = w
	}

	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(interval).WaitForSchedule().SingletonMode().Do(func() { a.tick(ctx) }); err != nil {
		a.cancel()
		if a.watcher != nil {
			a.watcher.Close()
		}
		return errs.Config("sync", err)
	}
	s.StartAsync()
	a.sched = s
	a.logger().WithFields(logrus.Fields{"interval": interval, "watch": a.gated()}).Info("auto-sync started")
	return nil
}

// Stop cancels the schedule and waits for a running sync to return.
func (a *AutoSyncer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sched == nil {
		return
	}
	a.cancel()
	a.sched.Stop()
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.wg.Wait()
	a.sched = nil
}

// Dirty reports whether host changes are waiting for the next tick.
func (a *AutoSyncer) Dirty() bool { return a.dirty.Load() }

func (a *AutoSyncer) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if a.gated() && !a.dirty.Swap(false) {
		return
	}
	report, err := a.Session.Sync(ctx, a.Plan, nil)
	if err != nil {
		if a.gated() {
			a.dirty.Store(true)
		}
		a.logger().WithError(err).Warn("auto-sync failed")
	}
	if a.OnSync != nil {
		a.OnSync(report, err)
	}
}

// watch marks the syncer dirty on any change under root. New directories
// are added as they appear; protected subtrees are never watched.
func (a *AutoSyncer) watch(ctx context.Context, root string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	set := a.Session.b.opts.Protect
	if err := addTree(w, root, root, set); err != nil {
		w.Close()
		return nil, err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(root, ev.Name)
				if err != nil || set.Match(filepath.ToSlash(rel)) {
					continue
				}
				a.dirty.Store(true)
				if ev.Has(fsnotify.Create) {
					if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
						if err := addTree(w, root, ev.Name, set); err != nil {
							a.logger().WithError(err).Debug("watching new directory failed")
						}
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger().WithError(err).Debug("watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return w, nil
}

func addTree(w *fsnotify.Watcher, root, dir string, set *protect.Set) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if rel, rerr := filepath.Rel(root, path); rerr == nil && set.Match(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		return w.Add(path)
	})
}
