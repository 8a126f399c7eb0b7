package state

import "time"

// Op names an operation kind whose last failure is remembered.
type Op string

const (
	OpExec      Op = "exec"
	OpSync      Op = "sync"
	OpTransport Op = "transport"
)

// Baseline is the known-sync point for a host/world root pair: the
// content hash of every path as of the last successful sync.
type Baseline struct {
	HostRoot  string            `json:"host_root"`
	WorldRoot string            `json:"world_root"`
	SyncedAt  time.Time         `json:"synced_at"`
	SessionID string            `json:"session_id,omitempty"`
	Files     map[string]string `json:"files"`
}

// Hash returns the baseline hash for path and whether the baseline has an
// entry for it.
func (b *Baseline) Hash(path string) (string, bool) {
	if b == nil {
		return "", false
	}
	h, ok := b.Files[path]
	return h, ok
}

// LastError is the most recent failure of one operation kind.
type LastError struct {
	Op        Op             `json:"op"`
	Class     string         `json:"class,omitempty"`
	Kind      int            `json:"kind"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
}
