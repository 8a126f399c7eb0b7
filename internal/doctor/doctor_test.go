package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/faize-ai/world/internal/agent"
	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/logging"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connector(sock string) *transport.Connector {
	return &transport.Connector{
		Strategies:     []transport.Strategy{&transport.Unix{Path: sock}},
		AttemptTimeout: time.Second,
		Retry:          transport.Retry{Attempts: 1},
		Logger:         logging.Discard(),
	}
}

func startAgent(t *testing.T) string {
	t.Helper()
	srv := agent.New(agent.Options{Root: t.TempDir(), Version: "0.9.0", Backend: "test", Logger: logging.Discard()})
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := agent.Listen(sock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return sock
}

func find(t *testing.T, r Report, name string) Result {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %s check", name)
	return Result{}
}

func TestDoctorHealthy(t *testing.T) {
	sock := startAgent(t)
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	d := &Doctor{
		Config:     &config.Config{Enabled: true, SessionID: "s1"},
		Dialer:     connector(sock),
		Authorizer: policy.ForProfile(policy.DefaultProfile()),
		Protect:    protect.Default(),
		Store:      store,
		Logger:     logging.Discard(),
	}
	report := d.Run(context.Background())

	assert.True(t, report.OK)
	assert.Equal(t, 0, report.ExitCode())
	assert.NoError(t, report.Err())
	assert.Equal(t, StatusPass, find(t, report, "transport").Status)
	agentCheck := find(t, report, "agent")
	assert.Equal(t, StatusPass, agentCheck.Status)
	assert.Contains(t, agentCheck.Message, "0.9.0")
	assert.Equal(t, StatusPass, find(t, report, "last_errors").Status)
}

func TestDoctorAgentUnreachable(t *testing.T) {
	d := &Doctor{
		Config:     &config.Config{Enabled: true},
		Dialer:     connector(filepath.Join(t.TempDir(), "missing.sock")),
		Authorizer: policy.ForProfile(policy.DefaultProfile()),
		Protect:    protect.Default(),
		Logger:     logging.Discard(),
	}
	report := d.Run(context.Background())

	assert.False(t, report.OK)
	assert.Equal(t, int(errs.KindDependencyUnavailable), report.ExitCode())
	tr := find(t, report, "transport")
	assert.Equal(t, StatusFail, tr.Status)
	assert.Contains(t, tr.Detail, "attempts")
	assert.Equal(t, StatusSkip, find(t, report, "agent").Status)
}

func TestDoctorDisabled(t *testing.T) {
	d := &Doctor{
		Config:     &config.Config{Enabled: false},
		Authorizer: policy.ForProfile(policy.DefaultProfile()),
		Logger:     logging.Discard(),
	}
	report := d.Run(context.Background())

	assert.Equal(t, int(errs.KindUnsupported), report.ExitCode())
	assert.Equal(t, StatusSkip, find(t, report, "transport").Status)
}

func TestDoctorMissingPolicy(t *testing.T) {
	sock := startAgent(t)
	d := &Doctor{
		Config:     &config.Config{Enabled: true},
		Dialer:     connector(sock),
		Authorizer: policy.NewAuthorizer("", policy.ErrNoProfile),
		Logger:     logging.Discard(),
	}
	report := d.Run(context.Background())

	p := find(t, report, "policy")
	assert.Equal(t, StatusFail, p.Status)
	assert.Equal(t, int(errs.KindUser), report.ExitCode())
	assert.NotEmpty(t, p.FixHint)
}

func TestDoctorConfigErrorFirst(t *testing.T) {
	d := &Doctor{ConfigErr: errors.New("bad yaml"), Logger: logging.Discard()}
	report := d.Run(context.Background())
	assert.Equal(t, int(errs.KindUser), report.ExitCode())
	assert.Equal(t, StatusFail, report.Checks[0].Status)
}

func TestDoctorLastErrors(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.RecordError(state.OpSync, "s1", errs.SyncConflict("sync", []string{"a.txt"})))

	d := &Doctor{
		Config:     &config.Config{Enabled: false},
		Authorizer: policy.ForProfile(policy.DefaultProfile()),
		Store:      store,
		Logger:     logging.Discard(),
	}
	r := find(t, d.Run(context.Background()), "last_errors")
	assert.Equal(t, StatusWarn, r.Status)
	assert.Contains(t, r.Message, "sync failed")
}

func TestReportOutput(t *testing.T) {
	report := newReport([]Result{
		Pass("config", "defaults"),
		Fail("transport", errs.KindDependencyUnavailable, "agent unreachable", "start the agent"),
	})

	var text bytes.Buffer
	require.NoError(t, report.WriteText(&text))
	assert.Contains(t, text.String(), "✗ transport")
	assert.Contains(t, text.String(), "fix: start the agent")

	var js bytes.Buffer
	require.NoError(t, report.WriteJSON(&js))
	var decoded struct {
		Checks []map[string]any `json:"checks"`
		OK     bool             `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.False(t, decoded.OK)
	require.Len(t, decoded.Checks, 2)
	assert.Equal(t, "fail", decoded.Checks[1]["status"])

	var exit *errs.ExitError
	require.ErrorAs(t, report.Err(), &exit)
	assert.Equal(t, 3, exit.Code)
}
