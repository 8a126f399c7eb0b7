// Package state persists broker state between invocations: sync
// baselines per root pair and the last error of each operation kind.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/mitchellh/go-homedir"
)

// Store manages state files under a directory (default ~/.world/state).
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// DefaultDir returns ~/.world/state.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".world", "state"), nil
}

// NewStore creates a store rooted at dir, creating it if needed. An empty
// dir means DefaultDir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	for _, sub := range []string{"baselines", "errors"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func baselineKey(hostRoot, worldRoot string) string {
	sum := sha256.Sum256([]byte(hostRoot + "\x00" + worldRoot))
	return hex.EncodeToString(sum[:12])
}

func (s *Store) baselinePath(hostRoot, worldRoot string) string {
	return filepath.Join(s.dir, "baselines", baselineKey(hostRoot, worldRoot)+".json")
}

// LoadBaseline returns the baseline for the root pair, or nil when no sync
// has completed yet.
func (s *Store) LoadBaseline(hostRoot, worldRoot string) (*Baseline, error) {
	var b Baseline
	found, err := readJSON(s.baselinePath(hostRoot, worldRoot), &b)
	if err != nil || !found {
		return nil, err
	}
	if b.Files == nil {
		b.Files = make(map[string]string)
	}
	return &b, nil
}

// SaveBaseline persists b, stamping SyncedAt when unset.
func (s *Store) SaveBaseline(b *Baseline) error {
	if b.SyncedAt.IsZero() {
		b.SyncedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.baselinePath(b.HostRoot, b.WorldRoot), b)
}

// DeleteBaseline forgets the known-sync point for a root pair.
func (s *Store) DeleteBaseline(hostRoot, worldRoot string) error {
	err := os.Remove(s.baselinePath(hostRoot, worldRoot))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete baseline: %w", err)
	}
	return nil
}

func (s *Store) errorPath(op Op) string {
	return filepath.Join(s.dir, "errors", string(op)+".json")
}

// RecordError stores err as the last failure of op. A nil err clears it.
func (s *Store) RecordError(op Op, sessionID string, err error) error {
	if err == nil {
		return s.ClearError(op)
	}
	le := &LastError{
		Op:        op,
		Kind:      int(errs.KindOf(err)),
		Message:   err.Error(),
		SessionID: sessionID,
		At:        s.now(),
	}
	if e, ok := errs.As(err); ok {
		le.Class = string(e.Class)
		le.Detail = e.Detail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.errorPath(op), le)
}

// ClearError forgets the last failure of op.
func (s *Store) ClearError(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.errorPath(op))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear last error: %w", err)
	}
	return nil
}

// LastError returns the last failure of op, or nil.
func (s *Store) LastError(op Op) (*LastError, error) {
	var le LastError
	found, err := readJSON(s.errorPath(op), &le)
	if err != nil || !found {
		return nil, err
	}
	return &le, nil
}

// LastErrors returns every recorded failure, most recent first.
func (s *Store) LastErrors() ([]*LastError, error) {
	var out []*LastError
	for _, op := range []Op{OpExec, OpSync, OpTransport} {
		le, err := s.LastError(op)
		if err != nil {
			return nil, err
		}
		if le != nil {
			out = append(out, le)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal state file %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
