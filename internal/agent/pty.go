package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ptyDrain bounds how long output is still relayed after the process has
// exited while something else holds the terminal open.
const ptyDrain = 500 * time.Millisecond

// ptySession is registered when the open request arrives so input and
// resizes sent before the terminal exists are kept and applied on start.
type ptySession struct {
	c     *connection
	id    string
	grace time.Duration
	log   logrus.FieldLogger

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	stop    context.CancelFunc
	pending [][]byte
	size    *pty.Winsize
}

func (c *connection) registerPty(id string) (*ptySession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.ptys[id]; busy || id == "" {
		return nil, badRequest("pty id %q is empty or already in use", id)
	}
	p := &ptySession{c: c, id: id, grace: c.s.opts.KillGrace, log: c.log.WithFields(logrus.Fields{"id": id, "op": "pty"})}
	c.ptys[id] = p
	return p, nil
}

func (c *connection) unregisterPty(id string) {
	c.mu.Lock()
	delete(c.ptys, id)
	c.mu.Unlock()
}

// attach connects the started terminal and flushes anything received
// before it existed.
func (p *ptySession) attach(ptmx *os.File, cmd *exec.Cmd, stop context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ptmx, p.cmd, p.stop = ptmx, cmd, stop
	if p.size != nil {
		_ = pty.Setsize(ptmx, p.size)
	}
	for _, data := range p.pending {
		if _, err := ptmx.Write(data); err != nil {
			p.log.WithError(err).Debug("pty write failed")
		}
	}
	p.pending = nil
}

func (p *ptySession) write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ptmx == nil {
		p.pending = append(p.pending, data)
		return
	}
	if _, err := p.ptmx.Write(data); err != nil {
		p.log.WithError(err).Debug("pty write failed")
	}
}

func (p *ptySession) resize(cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := &pty.Winsize{Cols: cols, Rows: rows}
	if p.ptmx == nil {
		p.size = size
		return
	}
	if err := pty.Setsize(p.ptmx, size); err != nil {
		p.log.WithError(err).Debug("pty resize failed")
	}
}

// hangup sends SIGHUP to the terminal's process group and terminates it
// if it is still around after the grace period. Before the terminal has
// started it simply cancels the open.
func (p *ptySession) hangup() {
	p.mu.Lock()
	cmd, stop := p.cmd, p.stop
	p.mu.Unlock()
	if cmd == nil {
		p.c.cancel(p.id)
		return
	}
	if cmd.Process != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGHUP)
	}
	time.AfterFunc(p.grace, stop)
}

func (c *connection) runPty(ctx context.Context, req protocol.PtyOpen, sess *ptySession) {
	log := sess.log

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

	var cmd *exec.Cmd
	if strings.TrimSpace(req.Cmd) == "" {
		cmd = exec.CommandContext(runCtx, c.s.opts.Shell)
	} else {
		cmd = exec.CommandContext(runCtx, c.s.opts.Shell, "-c", req.Cmd)
	}
	cmd.Dir = ws.cwd
	cmd.Env = c.environ(req.Env, req.NetAllowed, req.SessionID)
	if _, ok := req.Env["TERM"]; !ok {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}
	// pty.Start makes the child a session leader, so its pid is also its
	// process group id.
	cmd.Cancel = func() error { return terminateGroup(cmd, c.s.opts.KillGrace) }
	cmd.WaitDelay = c.s.opts.KillGrace + time.Second

	cols, rows := req.Cols, req.Rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}
	start := time.Now()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		c.fail(req.ID, fmt.Errorf("failed to start pty: %w", err))
		return
	}

	sess.attach(ptmx, cmd, cancel)

	log.WithField("cwd", ws.cwd).Debug("pty started")

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		buf := make([]byte, outputChunk)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				c.send(protocol.TypePtyData, protocol.PtyData{ID: req.ID, Data: append([]byte(nil), buf[:n]...)})
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	select {
	case <-relayed:
	case <-time.After(ptyDrain):
	}
	ptmx.Close()
	<-relayed

	exit := protocol.PtyExit{
		ID:         req.ID,
		ExitCode:   exitStatus(cmd.ProcessState),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
	}
	if waitErr != nil && cmd.ProcessState == nil {
		exit.Error = waitErr.Error()
	}
	if diff, err := c.finish(ws); err != nil {
		exit.DiffError = err.Error()
	} else {
		exit.Diff = diff
		if req.ReadOnly && !diff.Empty() {
			exit.Error = fmt.Sprintf("read-only world: session changed %d path(s)", len(diff.Changes))
		}
	}

	log.WithField("exit_code", exit.ExitCode).Debug("pty finished")
	c.send(protocol.TypePtyExit, exit)
}
