package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu    sync.Mutex
	spans []*Span
}

func (m *memSink) Export(s *Span) error {
	m.mu.Lock()
	m.spans = append(m.spans, s)
	m.mu.Unlock()
	return nil
}

func TestSpanNesting(t *testing.T) {
	sink := &memSink{}
	tr := NewTracer("ses-1", sink)

	ctx, parent := tr.Start(context.Background(), "exec")
	_, child := tr.Start(ctx, "exec.diff")
	child.Finish(nil)
	parent.Set("exit_code", 0).Finish(nil)
	parent.Finish(errors.New("ignored"))

	require.Len(t, sink.spans, 2)
	assert.Equal(t, "exec.diff", sink.spans[0].Name)
	assert.Equal(t, parent.SpanID, sink.spans[0].ParentID)
	assert.Empty(t, sink.spans[1].ParentID)
	assert.Equal(t, "ses-1", sink.spans[1].SessionID)
	assert.Equal(t, "ok", sink.spans[1].Status)
	assert.True(t, strings.HasPrefix(parent.SpanID, "spn_"))
	assert.Same(t, parent, FromContext(ctx))
}

func TestSpanRedactsOnExport(t *testing.T) {
	sink := &memSink{}
	tr := NewTracer("ses", sink)

	_, s := tr.Start(context.Background(), "exec")
	s.Set("cmd", "curl -H 'Authorization: Bearer abcdefghijklmnop' https://x")
	s.Set("api_token", "hunter2")
	s.Set("env", map[string]string{"GITHUB_TOKEN": "ghp_x", "HOME": "/root"})
	s.Finish(errors.New("login failed with --password s3cret"))

	got := sink.spans[0]
	assert.NotContains(t, got.Attributes["cmd"], "abcdefghijklmnop")
	assert.Equal(t, Redacted, got.Attributes["api_token"])
	assert.Equal(t, map[string]string{"GITHUB_TOKEN": Redacted, "HOME": "/root"}, got.Attributes["env"])
	assert.NotContains(t, got.Error, "s3cret")

	// the live span keeps the raw values
	assert.Equal(t, "hunter2", s.Attributes["api_token"])
}

func TestRedactString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"echo hello", "echo hello"},
		{"AWS_SECRET_ACCESS_KEY=abc123 aws s3 ls", "AWS_SECRET_ACCESS_KEY=" + Redacted + " aws s3 ls"},
		{"DB_PASSWORD='p w' run", "DB_PASSWORD=" + Redacted + " run"},
		{"gh auth login --token abc", "gh auth login --token " + Redacted},
		{"key sk-abcdefghijklmnopqrstu", "key " + Redacted},
		{"Bearer abcdefgh12345", "Bearer " + Redacted},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactString(tt.in))
		})
	}
}

func TestFileSinkWritesAndRotates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "traces")
	path := filepath.Join(dir, "trace.jsonl")
	sink, err := NewFileSink(path, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	names := func(p string) []string {
		f, err := os.Open(p)
		require.NoError(t, err)
		defer f.Close()
		var out []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var s Span
			require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
			out = append(out, s.Name)
		}
		return out
	}

	tr := NewTracer("ses", sink)
	for _, name := range []string{"a", "b"} {
		_, s := tr.Start(context.Background(), name)
		s.Finish(nil)
	}
	assert.Equal(t, []string{"a", "b"}, names(path))

	require.NoError(t, sink.Rotate())
	_, s := tr.Start(context.Background(), "c")
	s.Finish(nil)
	assert.Equal(t, []string{"c"}, names(path))

	backups, err := filepath.Glob(filepath.Join(dir, "trace-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, []string{"a", "b"}, names(backups[0]))
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tr := NewTracer("ses", LogSink{Logger: logger})
	_, s := tr.Start(context.Background(), "sync")
	s.Finish(errors.New("boom"))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "boom", hook.LastEntry().Data["error"])
}
