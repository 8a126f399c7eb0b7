package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ShellCommand is what an empty PTY request is authorized as: the agent
// starts an interactive shell for it.
const ShellCommand = "sh"

// DefaultTranscriptBytes bounds the output kept in an ExecResult when the
// config leaves it unset.
const DefaultTranscriptBytes = 1 << 20

// State is the lifecycle of one execution.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// WinSize is a terminal size in character cells.
type WinSize struct {
	Cols uint16
	Rows uint16
}

// ExecRequest is one command to run in the world.
type ExecRequest struct {
	Cmd string
	Env map[string]string
	// Cwd is the working directory inside the world. Empty means the
	// configured world root.
	Cwd string
	// PTY forces the mode. Nil lets the interactive-command heuristic
	// decide.
	PTY      *bool
	Isolated bool
	// Timeout overrides the configured default. The profile's
	// max_runtime_ms still caps it.
	Timeout  time.Duration
	DiffRoot string
	NoDiff   bool

	// Stdout and Stderr receive output as it arrives. In PTY mode both
	// streams arrive merged on Stdout.
	Stdout io.Writer
	Stderr io.Writer

	// Stdin, Size and Resize are used in PTY mode only.
	Stdin  io.Reader
	Size   WinSize
	Resize <-chan WinSize
}

// ExecResult describes a finished execution. It is returned alongside the
// error for failed, timed out and canceled runs so partial output and the
// diff are never lost.
type ExecResult struct {
	ID       string `json:"id"`
	Cmd      string `json:"cmd"`
	PTY      bool   `json:"pty"`
	Isolated bool   `json:"isolated"`
	ExitCode int    `json:"exit_code"`
	// Stdout and Stderr hold the tail of each stream. Transcript holds
	// the tail of the PTY output.
	Stdout      []byte        `json:"stdout,omitempty"`
	Stderr      []byte        `json:"stderr,omitempty"`
	Transcript  []byte        `json:"transcript,omitempty"`
	Duration    time.Duration `json:"duration"`
	Diff        *fsdiff.Diff  `json:"diff,omitempty"`
	DiffError   string        `json:"diff_error,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Canceled    bool          `json:"canceled,omitempty"`
	Detached    bool          `json:"detached,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	State       State         `json:"state"`
	Transitions []Transition  `json:"transitions"`
}

func (r *ExecResult) transition(s State) {
	if r.State.Terminal() {
		return
	}
	r.State = s
	r.Transitions = append(r.Transitions, Transition{State: s, At: time.Now()})
}

// Execute runs req in the world. The policy is consulted first; a denied
// command never reaches the agent. Requests on one session run one at a
// time in arrival order.
func (s *Session) Execute(ctx context.Context, req ExecRequest) (res *ExecResult, err error) {
	res = &ExecResult{ID: uuid.NewString(), Cmd: req.Cmd}
	res.transition(StateQueued)
	defer func() {
		if err != nil {
			if errs.Is(err, errs.ClassTimedOut) {
				res.transition(StateTimedOut)
			} else {
				res.transition(StateFailed)
			}
		}
		s.b.record(state.OpExec, err)
	}()

	decision, err := s.authorize(req)
	if err != nil {
		return res, err
	}
	res.Isolated = decision.Isolated
	res.PTY = s.WantsPTY(req)
	timeout, err := s.timeout(req.Timeout)
	if err != nil {
		return res, err
	}

	ctx, span := s.b.opts.Tracer.Start(ctx, "exec")
	span.Set("cmd", req.Cmd).Set("pty", res.PTY).Set("isolated", res.Isolated).Set("session", s.ID())
	defer func() {
		span.Set("exit_code", res.ExitCode).Set("state", string(res.State))
		span.Finish(err)
	}()

	if err := s.acquire(ctx); err != nil {
		return res, err
	}
	defer s.release()
	res.transition(StateDispatched)

	log := s.log.WithFields(logrus.Fields{"exec": res.ID, "pty": res.PTY})
	log.WithField("cmd", req.Cmd).Debug("dispatching command")

	if res.PTY {
		err = s.runPTY(ctx, req, res, decision, timeout)
	} else {
		err = s.runExec(ctx, req, res, decision, timeout)
	}
	if err == nil {
		res.transition(StateCompleted)
	}
	log.WithFields(logrus.Fields{"exit_code": res.ExitCode, "state": res.State}).Debug("command finished")
	return res, err
}

// authorize applies the policy and the enabled switch.
func (s *Session) authorize(req ExecRequest) (policy.Decision, error) {
	if !s.b.opts.Config.Enabled {
		return policy.Decision{}, errs.Unsupported("exec", ErrDisabled)
	}
	cmd := req.Cmd
	if strings.TrimSpace(cmd) == "" && (req.PTY == nil || *req.PTY) {
		cmd = ShellCommand
	}
	d := s.auth.Authorize(policy.Request{Cmd: cmd, Isolated: req.Isolated})
	switch d.Verdict {
	case policy.Allow:
		return d, nil
	case policy.RequireApproval:
		return d, errs.ApprovalRequired("exec", cmd).With("pattern", d.Pattern)
	default:
		e := errs.PolicyDenied("exec", d.Reason)
		if d.Pattern != "" {
			e = e.With("pattern", d.Pattern)
		}
		return d, e
	}
}

// WantsPTY reports whether req runs on a pseudo-terminal: the explicit
// choice if set, otherwise the interactive-command heuristic.
func (s *Session) WantsPTY(req ExecRequest) bool {
	if req.PTY != nil {
		return *req.PTY
	}
	if strings.TrimSpace(req.Cmd) == "" {
		return true
	}
	return s.b.opts.Classifier.NeedsPTY(req.Cmd)
}

// timeout resolves the effective execution ceiling.
func (s *Session) timeout(requested time.Duration) (time.Duration, error) {
	t := requested
	if t <= 0 {
		t = s.b.opts.Config.Exec.Timeout
	}
	p, err := s.auth.Profile()
	if err != nil {
		return 0, errs.PolicyDenied("exec", err.Error())
	}
	if p.Limits.MaxRuntimeMs != nil {
		ceiling := time.Duration(*p.Limits.MaxRuntimeMs) * time.Millisecond
		if t <= 0 || t > ceiling {
			t = ceiling
		}
	}
	return t, nil
}

func (s *Session) cwd(req ExecRequest) string {
	if req.Cwd != "" {
		return req.Cwd
	}
	return s.b.opts.Config.Sync.WorldRoot
}

func (s *Session) runExec(ctx context.Context, req ExecRequest, res *ExecResult, d policy.Decision, timeout time.Duration) error {
	msg := protocol.ExecuteRequest{
		ID:        res.ID,
		Cmd:       req.Cmd,
		Env:       req.Env,
		Cwd:       s.cwd(req),
		Isolated:  d.Isolated,
		TimeoutMs: timeout.Milliseconds(),
		DiffRoot:  req.DiffRoot,
		NoDiff:    req.NoDiff,
		ReadOnly:  d.ReadOnly,
		SessionID: s.b.opts.Config.SessionID,
	}
	if d.Network != nil {
		msg.NetAllowed = d.Network.Hosts()
	}
	if err := s.conn.SendMessage(ctx, protocol.TypeExecuteRequest, msg); err != nil {
		return err
	}
	res.transition(StateRunning)

	limit := s.transcriptLimit()
	stdout, stderr := newTail(limit), newTail(limit)
	out := io.MultiWriter(stdout, writerOr(req.Stdout))
	errOut := io.MultiWriter(stderr, writerOr(req.Stderr))

	var exit protocol.ExecuteExit
	err := s.await(ctx, res.ID, timeout, s.cancelFrame(res.ID), func(f protocol.Frame) (bool, error) {
		switch f.Type {
		case protocol.TypeExecuteOutput:
			var chunk protocol.ExecuteOutput
			if err := protocol.Decode(f, f.Type, &chunk); err != nil {
				return false, errs.ProtocolInternal("exec", err)
			}
			if chunk.ID != res.ID {
				return false, nil
			}
			w := out
			if chunk.Stream == protocol.StreamStderr {
				w = errOut
			}
			_, _ = w.Write(chunk.Data)
			return false, nil
		case protocol.TypeExecuteExit:
			if err := protocol.Decode(f, f.Type, &exit); err != nil {
				return false, errs.ProtocolInternal("exec", err)
			}
			return exit.ID == res.ID, nil
		}
		return false, nil
	})
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	if err != nil {
		return err
	}

	res.ExitCode = exit.ExitCode
	res.Duration = time.Duration(exit.DurationMs) * time.Millisecond
	res.Diff, res.DiffError = exit.Diff, exit.DiffError
	res.TimedOut, res.Canceled = exit.TimedOut, exit.Canceled
	res.Truncated = exit.Truncated || stdout.Truncated() || stderr.Truncated()
	return outcome(ctx, "exec", res, exit.Error, d.ReadOnly, timeout)
}

// outcome classifies a finished run. A read-only world that came back
// changed is a policy violation rather than a command failure.
func outcome(ctx context.Context, op string, res *ExecResult, agentErr string, readOnly bool, timeout time.Duration) error {
	switch {
	case res.TimedOut:
		return errs.TimedOut(op, fmt.Errorf("command exceeded %s", timeout)).With("partial_output", true)
	case res.Canceled:
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	case agentErr != "" && readOnly && res.Diff != nil && !res.Diff.Empty():
		return errs.PolicyDenied(op, agentErr).With("paths", len(res.Diff.Changes))
	case agentErr != "":
		return errs.Internal(op, errors.New(agentErr))
	case res.ExitCode != 0:
		return errs.ExecutionFailed(op, res.ExitCode)
	}
	return nil
}

func (s *Session) transcriptLimit() int {
	if n := s.b.opts.Config.Exec.TranscriptBytes; n > 0 {
		return n
	}
	return DefaultTranscriptBytes
}

func (s *Session) cancelFrame(id string) func(context.Context) {
	return func(ctx context.Context) {
		_ = s.conn.SendMessage(ctx, protocol.TypeCancel, protocol.Cancel{ID: id})
	}
}

// await reads frames for operation id until handle reports the final one.
// The agent enforces timeout itself; the local deadline only covers an
// agent that stopped answering. When ctx ends first, interrupt is sent and
// frames are drained for a bounded time so the session stays usable.
func (s *Session) await(ctx context.Context, id string, timeout time.Duration, interrupt func(context.Context), handle func(protocol.Frame) (bool, error)) error {
	recvCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		recvCtx, cancel = context.WithTimeout(ctx, timeout+s.drainTimeout())
		defer cancel()
	}
	opCtx := recvCtx
	interrupted := false
	for {
		f, err := s.conn.Recv(recvCtx)
		if err != nil {
			if opCtx.Err() == nil {
				return err
			}
			if interrupted {
				return errs.Transport("exec", fmt.Errorf("agent did not finish %s after cancellation: %w", id, err))
			}
			interrupted = true
			drain, stop := context.WithTimeout(context.Background(), s.drainTimeout())
			defer stop()
			interrupt(drain)
			recvCtx = drain
			continue
		}
		if f.Type == protocol.TypeError {
			var msg protocol.ErrorMessage
			if err := protocol.Decode(f, protocol.TypeError, &msg); err != nil {
				return errs.ProtocolInternal("exec", err)
			}
			if msg.ID != "" && msg.ID != id {
				continue
			}
			return syncer.FromAgentError("exec", &msg)
		}
		done, err := handle(f)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tail keeps the last limit bytes written to it.
type tail struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTail(limit int) *tail { return &tail{limit: limit} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

func (t *tail) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}
