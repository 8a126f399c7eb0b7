package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Environment passed to every command in addition to the request env.
const (
	EnvNetAllowed = "WORLD_NET_ALLOWED"
	EnvSessionID  = "WORLD_SESSION_ID"
	EnvInWorld    = "WORLD_INSIDE"
)

// outputChunk bounds a single output frame.
const outputChunk = 32 << 10

// workspace is where a command runs and what gets diffed around it.
type workspace struct {
	cwd      string
	diffRoot string
	// root is the requested diff root; diffs are reported against it even
	// for isolated runs.
	root     string
	before   *fsdiff.Snapshot
	// scratch is the isolated copy, removed by cleanup.
	scratch  string
}

func (w *workspace) cleanup() {
	if w.scratch != "" {
		os.RemoveAll(w.scratch)
	}
}

// prepare resolves cwd and the diff root, copies the root into scratch
// for isolated runs and takes the baseline snapshot.
func (c *connection) prepare(cwd, diffRoot string, isolated, noDiff bool) (*workspace, error) {
	if cwd == "" {
		cwd = c.s.opts.Root
	}
	if !filepath.IsAbs(cwd) {
		return nil, badRequest("cwd %q must be absolute", cwd)
	}
	cwd = filepath.Clean(cwd)
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, badRequest("cwd %s is not a directory", cwd)
	}
	if diffRoot == "" {
		diffRoot = cwd
	}
	diffRoot = filepath.Clean(diffRoot)

	ws := &workspace{cwd: cwd, diffRoot: diffRoot, root: diffRoot}
	if isolated {
		rel, err := filepath.Rel(diffRoot, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, badRequest("cwd %s is outside the diff root %s", cwd, diffRoot)
		}
		scratch, err := os.MkdirTemp(c.s.opts.ScratchDir, "world-isolated-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		ws.scratch = scratch
		work := filepath.Join(scratch, "work")
		if err := copyTree(diffRoot, work, c.s.opts.Protect); err != nil {
			ws.cleanup()
			return nil, fmt.Errorf("failed to prepare isolated copy: %w", err)
		}
		ws.diffRoot = work
		ws.cwd = filepath.Join(work, rel)
	}

	if !noDiff {
		before, err := fsdiff.Take(ws.diffRoot, c.snapshotOptions(ws.diffRoot))
		if err != nil {
			ws.cleanup()
			return nil, err
		}
		ws.before = before
	}
	return ws, nil
}

// finish diffs the workspace against its baseline.
func (c *connection) finish(ws *workspace) (*fsdiff.Diff, error) {
	if ws.before == nil {
		return nil, nil
	}
	diff, err := fsdiff.Against(ws.before, ws.diffRoot, c.snapshotOptions(ws.diffRoot))
	if err != nil {
		return nil, err
	}
	diff.Root = ws.root
	return diff, nil
}

func (c *connection) snapshotOptions(root string) fsdiff.Options {
	set := c.s.opts.Protect
	return fsdiff.Options{Skip: func(rel string) bool { return set.MatchUnder(root, rel) }}
}

func (c *connection) environ(env map[string]string, netAllowed []string, sessionID string) []string {
	out := append(os.Environ(), EnvInWorld+"=1")
	if sessionID != "" {
		out = append(out, EnvSessionID+"="+sessionID)
	}
	out = append(out, EnvNetAllowed+"="+strings.Join(netAllowed, ","))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// terminateGroup signals the process group led by cmd: SIGTERM now and
// SIGKILL after grace.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) error {
	pgid := -cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		return unix.Kill(pgid, unix.SIGKILL)
	}
	go func() {
		time.Sleep(grace)
		// ESRCH once the group is gone.
		_ = unix.Kill(pgid, unix.SIGKILL)
	}()
	return nil
}

// exitStatus maps a finished process onto a shell-style exit code.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// outputSink turns process output into ordered frames. Both streams share
// one sequence; a chunk's seq is assigned and sent under the same lock so
// frames leave in sequence order.
type outputSink struct {
	c     *connection
	id    string
	limit int64

	mu        sync.Mutex
	seq       uint64
	sent      int64
	truncated bool
}

func (o *outputSink) stream(s protocol.Stream) *streamWriter {
	return &streamWriter{sink: o, stream: s}
}

func (o *outputSink) emit(s protocol.Stream, p []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(p) > 0 {
		if o.sent >= o.limit {
			o.truncated = true
			return
		}
		n := min(len(p), outputChunk, int(o.limit-o.sent))
		o.seq++
		o.c.send(protocol.TypeExecuteOutput, protocol.ExecuteOutput{
			ID:     o.id,
			Seq:    o.seq,
			Stream: s,
			Data:   append([]byte(nil), p[:n]...),
		})
		o.sent += int64(n)
		p = p[n:]
	}
}

type streamWriter struct {
	sink   *outputSink
	stream protocol.Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.sink.emit(w.stream, p)
	return len(p), nil
}

func (c *connection) timeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return c.s.opts.DefaultTimeout
}

func (c *connection) execute(ctx context.Context, req protocol.ExecuteRequest) {
	log := c.log.WithFields(logrus.Fields{"id": req.ID, "op": "execute"})
	if strings.TrimSpace(req.Cmd) == "" {
		c.fail(req.ID, badRequest("empty command"))
		return
	}

	// A read-only world runs in a scratch copy and is always diffed, so
	// its writes are reported and then discarded with the copy.
	ws, err := c.prepare(req.Cwd, req.DiffRoot, req.Isolated || req.ReadOnly, req.NoDiff && !req.ReadOnly)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	defer ws.cleanup()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout(req.TimeoutMs))
	defer cancel()

	sink := &outputSink{c: c, id: req.ID, limit: c.s.opts.MaxOutputBytes}
	cmd := exec.CommandContext(runCtx, c.s.opts.Shell, "-c", req.Cmd)
	cmd.Dir = ws.cwd
	cmd.Env = c.environ(req.Env, req.NetAllowed, req.SessionID)
	cmd.Stdout = sink.stream(protocol.StreamStdout)
	cmd.Stderr = sink.stream(protocol.StreamStderr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return terminateGroup(cmd, c.s.opts.KillGrace) }
	cmd.WaitDelay = c.s.opts.KillGrace + time.Second

	log.WithField("cwd", ws.cwd).Debug("running")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		c.fail(req.ID, fmt.Errorf("failed to start command: %w", err))
		return
	}
	waitErr := cmd.Wait()

	exit := protocol.ExecuteExit{
		ID:         req.ID,
		ExitCode:   exitStatus(cmd.ProcessState),
		DurationMs: time.Since(start).Milliseconds(),
	}
	switch {
	case ctx.Err() != nil:
		exit.Canceled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exit.TimedOut = true
	}
	if waitErr != nil && cmd.ProcessState == nil {
		exit.Error = waitErr.Error()
	}

	sink.mu.Lock()
	exit.Truncated = sink.truncated
	sink.mu.Unlock()

	if diff, err := c.finish(ws); err != nil {
		exit.DiffError = err.Error()
	} else {
		exit.Diff = diff
		if req.ReadOnly && !diff.Empty() {
			exit.Error = fmt.Sprintf("read-only world: command changed %d path(s)", len(diff.Changes))
		}
	}

	log.WithFields(logrus.Fields{
		"exit_code": exit.ExitCode,
		"timed_out": exit.TimedOut,
		"canceled":  exit.Canceled,
		"duration":  time.Duration(exit.DurationMs) * time.Millisecond,
	}).Debug("finished")
	c.send(protocol.TypeExecuteExit, exit)
}
