package protocol

import (
	"slices"

	"github.com/faize-ai/world/internal/fsdiff"
)

// Features advertised in Capabilities.
const (
	FeatureExecute   = "execute"
	FeaturePty       = "pty"
	FeatureSync      = "sync"
	FeatureFsDiff    = "fs_diff"
	FeatureIsolation = "isolation"
)

type CapabilitiesRequest struct {
	Client string `cbor:"client,omitempty"`
}

// Capabilities is the guest feature set returned by the agent.
type Capabilities struct {
	ProtocolVersion uint8    `cbor:"protocol_version" json:"protocol_version"`
	AgentVersion    string   `cbor:"agent_version" json:"agent_version"`
	Features        []string `cbor:"features" json:"features"`
	Backend         string   `cbor:"backend" json:"backend"`
	Platform        string   `cbor:"platform" json:"platform"`
}

// Has reports whether the agent advertises feature.
func (c Capabilities) Has(feature string) bool {
	return slices.Contains(c.Features, feature)
}

// ExecuteRequest starts a non-interactive command.
type ExecuteRequest struct {
	ID       string            `cbor:"id"`
	Cmd      string            `cbor:"cmd"`
	Env      map[string]string `cbor:"env,omitempty"`
	Cwd      string            `cbor:"cwd"`
	Isolated bool              `cbor:"isolated,omitempty"`
	// TimeoutMs is the execution ceiling; zero means the agent default.
	TimeoutMs int64 `cbor:"timeout_ms,omitempty"`
	// DiffRoot is the scoped root snapshotted around the command. Empty
	// means Cwd. NoDiff disables the snapshot entirely.
	DiffRoot   string   `cbor:"diff_root,omitempty"`
	NoDiff     bool     `cbor:"no_diff,omitempty"`
	ReadOnly   bool     `cbor:"read_only,omitempty"`
	NetAllowed []string `cbor:"net_allowed,omitempty"`
	SessionID  string   `cbor:"session_id,omitempty"`
}

// Stream identifies which output stream a chunk came from.
type Stream uint8

const (
	StreamStdout Stream = 1
	StreamStderr Stream = 2
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// ExecuteOutput is one chunk of output. Seq increases across both streams
// in the order the agent read the bytes.
type ExecuteOutput struct {
	ID     string `cbor:"id"`
	Seq    uint64 `cbor:"seq"`
	Stream Stream `cbor:"stream"`
	Data   []byte `cbor:"data"`
}

// ExecuteExit is always the last frame of an execution.
type ExecuteExit struct {
	ID         string       `cbor:"id"`
	ExitCode   int          `cbor:"exit_code"`
	DurationMs int64        `cbor:"duration_ms"`
	TimedOut   bool         `cbor:"timed_out,omitempty"`
	Canceled   bool         `cbor:"canceled,omitempty"`
	// Truncated is set when output beyond the agent's limit was dropped.
	Truncated  bool         `cbor:"truncated,omitempty"`
	Error      string       `cbor:"error,omitempty"`
	Diff       *fsdiff.Diff `cbor:"diff,omitempty"`
	DiffError  string       `cbor:"diff_error,omitempty"`
}

// PtyOpen starts an interactive command on a pseudo-terminal.
type PtyOpen struct {
	ID         string            `cbor:"id"`
	Cmd        string            `cbor:"cmd"`
	Env        map[string]string `cbor:"env,omitempty"`
	Cwd        string            `cbor:"cwd"`
	Cols       uint16            `cbor:"cols"`
	Rows       uint16            `cbor:"rows"`
	Isolated   bool              `cbor:"isolated,omitempty"`
	TimeoutMs  int64             `cbor:"timeout_ms,omitempty"`
	DiffRoot   string            `cbor:"diff_root,omitempty"`
	NoDiff     bool              `cbor:"no_diff,omitempty"`
	ReadOnly   bool              `cbor:"read_only,omitempty"`
	NetAllowed []string          `cbor:"net_allowed,omitempty"`
	SessionID  string            `cbor:"session_id,omitempty"`
}

type PtyData struct {
	ID   string `cbor:"id"`
	Data []byte `cbor:"data"`
}

type PtyResize struct {
	ID   string `cbor:"id"`
	Cols uint16 `cbor:"cols"`
	Rows uint16 `cbor:"rows"`
}

type PtyClose struct {
	ID string `cbor:"id"`
}

type PtyExit struct {
	ID         string       `cbor:"id"`
	ExitCode   int          `cbor:"exit_code"`
	DurationMs int64        `cbor:"duration_ms"`
	TimedOut   bool         `cbor:"timed_out,omitempty"`
	Error      string       `cbor:"error,omitempty"`
	Diff       *fsdiff.Diff `cbor:"diff,omitempty"`
	DiffError  string       `cbor:"diff_error,omitempty"`
}

// SyncSnapshotRequest asks the agent for a snapshot of Root. Protected
// paths are never included.
type SyncSnapshotRequest struct {
	ID   string `cbor:"id"`
	Root string `cbor:"root"`
}

type SyncSnapshotResponse struct {
	ID       string           `cbor:"id"`
	Snapshot *fsdiff.Snapshot `cbor:"snapshot"`
}

// Blob is one chunk of a file transferred for sync. A file is sent as one
// or more chunks in offset order; the chunk with EOF set completes it.
// Deleted or symlink entries carry no Data.
type Blob struct {
	Path        string      `cbor:"path"`
	Mode        uint32      `cbor:"mode"`
	Hash        string      `cbor:"hash"`
	Link        string      `cbor:"link,omitempty"`
	Offset      int64       `cbor:"offset"`
	RawSize     int         `cbor:"raw_size"`
	Compression Compression `cbor:"compression"`
	Data        []byte      `cbor:"data,omitempty"`
	EOF         bool        `cbor:"eof"`
}

type SyncReadRequest struct {
	ID    string   `cbor:"id"`
	Root  string   `cbor:"root"`
	Paths []string `cbor:"paths"`
}

// SyncReadResponse carries blob chunks. The agent sends as many responses
// as needed; Final marks the last one.
type SyncReadResponse struct {
	ID    string `cbor:"id"`
	Blobs []Blob `cbor:"blobs"`
	Final bool   `cbor:"final"`
}

// SyncApplyRequest carries writes and deletes for Root. Like reads it may
// span several frames; the agent stages chunks until Final and then
// checks every Expect entry before touching the filesystem. Expect maps a
// path to the hash it must currently have ("" meaning absent).
type SyncApplyRequest struct {
	ID      string            `cbor:"id"`
	Root    string            `cbor:"root"`
	Writes  []Blob            `cbor:"writes,omitempty"`
	Deletes []string          `cbor:"deletes,omitempty"`
	Expect  map[string]string `cbor:"expect,omitempty"`
	Final   bool              `cbor:"final"`
}

type SyncApplyResponse struct {
	ID      string   `cbor:"id"`
	Applied []string `cbor:"applied"`
}

// Cancel terminates the in-flight operation with ID.
type Cancel struct {
	ID string `cbor:"id"`
}

// Error codes carried by ErrorMessage.
const (
	CodeBadRequest  = "bad_request"
	CodeUnsupported = "unsupported"
	CodeConflict    = "conflict"
	CodeProtected   = "protected"
	CodeReadOnly    = "read_only"
	CodeCanceled    = "canceled"
	CodeInternal    = "internal"
)

// ErrorMessage reports a failed request. Paths lists the offending paths
// for conflict and protected errors.
type ErrorMessage struct {
	ID      string   `cbor:"id"`
	Code    string   `cbor:"code"`
	Message string   `cbor:"message"`
	Paths   []string `cbor:"paths,omitempty"`
}

func (e *ErrorMessage) Error() string {
	return e.Code + ": " + e.Message
}
