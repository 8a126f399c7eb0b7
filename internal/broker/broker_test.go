package broker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faize-ai/world/internal/agent"
	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/logging"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/faize-ai/world/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	host, world string
	store       *state.Store
	broker      *Broker
	sess        *Session
}

func newFixture(t *testing.T, profile func(*policy.Profile)) *fixture {
	t.Helper()
	f := &fixture{host: t.TempDir(), world: t.TempDir()}

	srv := agent.New(agent.Options{Root: f.world, KillGrace: 200 * time.Millisecond, Logger: logging.Discard()})
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := agent.Listen(sock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	p := policy.DefaultProfile()
	if profile != nil {
		profile(p)
	}
	require.NoError(t, p.Validate())

	f.store, err = state.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Enabled:   true,
		SessionID: "test-session",
		Exec:      config.Exec{Timeout: 20 * time.Second, KillGrace: 200 * time.Millisecond},
		Sync: config.Sync{
			HostRoot:       f.host,
			WorldRoot:      f.world,
			Direction:      "to_host",
			ConflictPolicy: "manual",
			SizeGuardBytes: 1 << 20,
		},
	}
	f.broker, err = New(Options{
		Config: cfg,
		Dialer: &transport.Connector{
			Strategies:     []transport.Strategy{&transport.Unix{Path: sock}},
			AttemptTimeout: 2 * time.Second,
			Retry:          transport.Retry{Attempts: 1},
			Logger:         logging.Discard(),
		},
		Authorizer: policy.ForProfile(p),
		Store:      f.store,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	f.sess, err = f.broker.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { f.sess.Close() })
	return f
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func noPTY() *bool {
	b := false
	return &b
}

func TestExecuteEcho(t *testing.T) {
	f := newFixture(t, nil)

	var stdout bytes.Buffer
	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo hello world", Stdout: &stdout})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello world\n", stdout.String())
	assert.Equal(t, "hello world\n", string(res.Stdout))
	assert.Equal(t, StateCompleted, res.State)
	assert.False(t, res.PTY)

	var states []State
	for _, tr := range res.Transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []State{StateQueued, StateDispatched, StateRunning, StateCompleted}, states)
}

func TestExecuteNonZeroExit(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo oops >&2; exit 3", PTY: noPTY()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassExecutionFailed))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Equal(t, StateFailed, res.State)

	// A failing command is not a broker failure.
	last, err := f.store.LastError(state.OpExec)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestExecuteDenied(t *testing.T) {
	f := newFixture(t, func(p *policy.Profile) {
		p.CmdDenied = append(p.CmdDenied, "rm *")
	})
	target := filepath.Join(f.world, "keep.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "rm keep.txt"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassPolicyDenied))
	assert.Equal(t, errs.KindSafetyViolation, errs.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.FileExists(t, target)

	last, err := f.store.LastError(state.OpExec)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, string(errs.ClassPolicyDenied), last.Class)
}

func TestExecuteApproval(t *testing.T) {
	f := newFixture(t, func(p *policy.Profile) {
		p.RequireApproval = true
	})

	_, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo hi"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassApprovalRequired))

	f.sess.Approve("echo hi")
	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(res.Stdout))
}

func TestExecuteDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.opts.Config.Enabled = false

	_, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "true"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = f.broker.Open(testCtx(t))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestExecuteDiff(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo 42 > answer.txt", PTY: noPTY()})
	require.NoError(t, err)
	require.NotNil(t, res.Diff)
	require.Len(t, res.Diff.Changes, 1)
	assert.Equal(t, "answer.txt", res.Diff.Changes[0].Path)
	assert.Equal(t, fsdiff.Created, res.Diff.Changes[0].Kind)
}

func TestExecuteTimeoutCappedByProfile(t *testing.T) {
	limit := uint64(300)
	f := newFixture(t, func(p *policy.Profile) {
		p.Limits.MaxRuntimeMs = &limit
	})

	var stdout bytes.Buffer
	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo started; sleep 10", Stdout: &stdout, PTY: noPTY()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassTimedOut))
	assert.True(t, res.TimedOut)
	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, "started\n", stdout.String())
}

func TestExecuteCanceled(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(testCtx(t))
	time.AfterFunc(300*time.Millisecond, cancel)
	res, err := f.sess.Execute(ctx, ExecRequest{Cmd: "sleep 10", PTY: noPTY()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Canceled)

	// The session is still usable afterwards.
	res, err = f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo again"})
	require.NoError(t, err)
	assert.Equal(t, "again\n", string(res.Stdout))
}

func TestExecuteSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	results := make([]*ExecResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.sess.Execute(ctx, ExecRequest{Cmd: "echo start >> log.txt; sleep 0.1; echo end >> log.txt", NoDiff: true, PTY: noPTY()})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(f.world, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "start\nend\nstart\nend\nstart\nend\n", string(data))
}

// startedWriter closes started on the first write.
type startedWriter struct {
	once    sync.Once
	started chan struct{}
}

func (w *startedWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.started) })
	return len(p), nil
}

func TestSyncWaitsForExecute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := testCtx(t)

	out := &startedWriter{started: make(chan struct{})}
	execDone := make(chan error, 1)
	go func() {
		_, err := f.sess.Execute(ctx, ExecRequest{
			Cmd:    "echo go; sleep 0.3; echo finished > late.txt",
			Stdout: out,
			NoDiff: true,
			PTY:    noPTY(),
		})
		execDone <- err
	}()

	select {
	case <-out.started:
	case <-ctx.Done():
		t.Fatal("execute never started")
	}

	plan, err := NewPlan(f.broker.opts.Config.Sync)
	require.NoError(t, err)
	report, err := f.sess.Sync(ctx, plan, nil)
	require.NoError(t, err)
	require.NoError(t, <-execDone)

	assert.Contains(t, report.Applied, "late.txt")
	data, err := os.ReadFile(filepath.Join(f.host, "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "finished\n", string(data))
}

func TestRunPTYSession(t *testing.T) {
	f := newFixture(t, nil)

	stdin, input := io.Pipe()
	resize := make(chan WinSize, 1)
	resize <- WinSize{Cols: 120, Rows: 40}
	go func() {
		input.Write([]byte("stty size; echo 42 > answer.txt; exit\n"))
	}()
	t.Cleanup(func() { input.Close() })

	var out bytes.Buffer
	yes := true
	res, err := f.sess.Execute(testCtx(t), ExecRequest{
		Cmd:    "",
		PTY:    &yes,
		Stdin:  stdin,
		Stdout: &out,
		Resize: resize,
	})
	require.NoError(t, err)
	assert.True(t, res.PTY)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, out.Bytes(), res.Transcript)

	require.NotNil(t, res.Diff)
	require.Len(t, res.Diff.Changes, 1)
	assert.Equal(t, "answer.txt", res.Diff.Changes[0].Path)
	assert.Equal(t, fsdiff.Created, res.Diff.Changes[0].Kind)
}

func TestShellDeniedByPolicy(t *testing.T) {
	f := newFixture(t, func(p *policy.Profile) {
		p.CmdAllowed = []string{"echo *"}
	})

	yes := true
	_, err := f.sess.Execute(testCtx(t), ExecRequest{PTY: &yes})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassPolicyDenied))
}

func TestRunPTYCommand(t *testing.T) {
	f := newFixture(t, nil)

	var out bytes.Buffer
	yes := true
	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "tty", PTY: &yes, Stdout: &out, NoDiff: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "/dev/")
	assert.Nil(t, res.Diff)
}

func TestRunPTYStdinEOF(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		input string
	}{
		{"complete line", "hello\n"},
		{"partial line", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			yes := true
			res, err := f.sess.Execute(testCtx(t), ExecRequest{
				Cmd:     "cat",
				PTY:     &yes,
				Stdin:   strings.NewReader(tt.input),
				Stdout:  &out,
				NoDiff:  true,
				Timeout: 10 * time.Second,
			})
			require.NoError(t, err)
			assert.False(t, res.TimedOut)
			assert.Equal(t, 0, res.ExitCode)
			assert.Contains(t, out.String(), "hello")
		})
	}
}

type detachReader struct{}

func (detachReader) Read([]byte) (int, error) {
	time.Sleep(200 * time.Millisecond)
	return 0, ErrDetached
}

func TestRunPTYDetach(t *testing.T) {
	f := newFixture(t, nil)

	yes := true
	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "sleep 30", PTY: &yes, Stdin: detachReader{}, NoDiff: true})
	require.NoError(t, err)
	assert.True(t, res.Detached)
}

func TestSyncToHost(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "mkdir -p out && echo built > out/app.txt", PTY: noPTY()})
	require.NoError(t, err)

	plan, err := NewPlan(f.broker.opts.Config.Sync)
	require.NoError(t, err)
	report, err := f.sess.Sync(testCtx(t), plan, res.Diff)
	require.NoError(t, err)
	assert.Contains(t, report.Applied, "out/app.txt")

	data, err := os.ReadFile(filepath.Join(f.host, "out", "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))

	baseline, err := f.store.LoadBaseline(f.host, f.world)
	require.NoError(t, err)
	require.NotNil(t, baseline)
	_, ok := baseline.Hash("out/app.txt")
	assert.True(t, ok)
}

func TestSyncToWorldDeniedWhenReadOnly(t *testing.T) {
	f := newFixture(t, func(p *policy.Profile) {
		p.WorldFS.Mode = policy.FsReadOnly
	})
	require.NoError(t, os.WriteFile(filepath.Join(f.host, "a.txt"), []byte("a"), 0o644))

	plan, err := NewPlan(f.broker.opts.Config.Sync)
	require.NoError(t, err)
	plan.Direction = syncer.ToWorld

	_, err = f.sess.Sync(testCtx(t), plan, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassPolicyDenied))
	assert.NoFileExists(t, filepath.Join(f.world, "a.txt"))
}

func TestExecuteReadOnlyViolation(t *testing.T) {
	f := newFixture(t, func(p *policy.Profile) {
		p.WorldFS.Mode = policy.FsReadOnly
	})

	res, err := f.sess.Execute(testCtx(t), ExecRequest{Cmd: "echo x > x.txt", PTY: noPTY()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassPolicyDenied))
	require.NotNil(t, res.Diff)
	assert.Len(t, res.Diff.Changes, 1)
	assert.NoFileExists(t, filepath.Join(f.world, "x.txt"))
}

func TestNewPlanRejectsBadConfig(t *testing.T) {
	_, err := NewPlan(config.Sync{Direction: "sideways", ConflictPolicy: "manual"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassConfig))

	_, err = NewPlan(config.Sync{Direction: "to_world", ConflictPolicy: "coin_flip"})
	require.Error(t, err)
}

func TestAutoSyncerWatch(t *testing.T) {
	f := newFixture(t, nil)

	plan, err := NewPlan(f.broker.opts.Config.Sync)
	require.NoError(t, err)
	plan.Direction = syncer.ToWorld

	synced := make(chan *syncer.Report, 4)
	auto := &AutoSyncer{
		Session:  f.sess,
		Plan:     plan,
		Interval: 200 * time.Millisecond,
		Watch:    true,
		Logger:   logging.Discard(),
		OnSync: func(r *syncer.Report, err error) {
			if assert.NoError(t, err) {
				synced <- r
			}
		},
	}
	require.NoError(t, auto.Start(testCtx(t)))
	t.Cleanup(auto.Stop)

	// Nothing changed yet: ticks are skipped.
	select {
	case <-synced:
		t.Fatal("sync ran without host changes")
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(filepath.Join(f.host, "notes.md"), []byte("hi"), 0o644))
	select {
	case r := <-synced:
		assert.Contains(t, r.Applied, "notes.md")
	case <-time.After(5 * time.Second):
		t.Fatal("auto-sync did not run")
	}
	assert.FileExists(t, filepath.Join(f.world, "notes.md"))
}
