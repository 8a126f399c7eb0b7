package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return s
}

func TestBaselineRoundTrip(t *testing.T) {
	s := newTestStore(t)

	b, err := s.LoadBaseline("/host", "/world")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.SaveBaseline(&Baseline{
		HostRoot:  "/host",
		WorldRoot: "/world",
		Files:     map[string]string{"a.txt": "h1"},
	}))

	b, err = s.LoadBaseline("/host", "/world")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.False(t, b.SyncedAt.IsZero())
	h, ok := b.Hash("a.txt")
	assert.True(t, ok)
	assert.Equal(t, "h1", h)

	other, err := s.LoadBaseline("/host", "/other")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, s.DeleteBaseline("/host", "/world"))
	require.NoError(t, s.DeleteBaseline("/host", "/world"))
	b, err = s.LoadBaseline("/host", "/world")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestNilBaselineHash(t *testing.T) {
	var b *Baseline
	_, ok := b.Hash("x")
	assert.False(t, ok)
}

func TestRecordError(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	require.NoError(t, s.RecordError(OpTransport, "ses-1", errs.Transport("connect", errors.New("no route"))))
	require.NoError(t, s.RecordError(OpSync, "ses-1", errs.SyncConflict("sync", []string{"a.txt"})))

	le, err := s.LastError(OpTransport)
	require.NoError(t, err)
	require.NotNil(t, le)
	assert.Equal(t, string(errs.ClassTransport), le.Class)
	assert.Equal(t, int(errs.KindDependencyUnavailable), le.Kind)
	assert.Equal(t, "ses-1", le.SessionID)

	all, err := s.LastErrors()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, OpSync, all[0].Op)

	require.NoError(t, s.RecordError(OpSync, "ses-1", nil))
	le, err = s.LastError(OpSync)
	require.NoError(t, err)
	assert.Nil(t, le)

	require.NoError(t, s.RecordError(OpExec, "", errors.New("plain")))
	le, err = s.LastError(OpExec)
	require.NoError(t, err)
	assert.Equal(t, int(errs.KindInternal), le.Kind)
	assert.Empty(t, le.Class)
}

func TestCorruptStateFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.errorPath(OpExec), []byte("{"), 0600))
	_, err := s.LastError(OpExec)
	assert.Error(t, err)
}
