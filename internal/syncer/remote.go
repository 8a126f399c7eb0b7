package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/google/uuid"
)

// FrameConn is the part of a transport session a RemoteTree needs.
type FrameConn interface {
	SendMessage(ctx context.Context, t protocol.Type, v any) error
	Recv(ctx context.Context) (protocol.Frame, error)
}

// RemoteTree is a Tree inside the world, reached through the agent.
type RemoteTree struct {
	Conn FrameConn
	Dir  string
}

func (r *RemoteTree) Root() string { return r.Dir }

func (r *RemoteTree) Snapshot(ctx context.Context) (*fsdiff.Snapshot, error) {
	id := uuid.NewString()
	if err := r.Conn.SendMessage(ctx, protocol.TypeSyncSnapshotRequest, protocol.SyncSnapshotRequest{ID: id, Root: r.Dir}); err != nil {
		return nil, err
	}
	var resp protocol.SyncSnapshotResponse
	if err := r.recv(ctx, id, protocol.TypeSyncSnapshotResponse, &resp); err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return nil, errs.ProtocolInternal("sync snapshot", errors.New("agent returned no snapshot"))
	}
	if resp.Snapshot.Files == nil {
		resp.Snapshot.Files = make(map[string]fsdiff.Entry)
	}
	return resp.Snapshot, nil
}

func (r *RemoteTree) Read(ctx context.Context, paths []string) ([]File, error) {
	id := uuid.NewString()
	if err := r.Conn.SendMessage(ctx, protocol.TypeSyncReadRequest, protocol.SyncReadRequest{ID: id, Root: r.Dir, Paths: paths}); err != nil {
		return nil, err
	}
	asm := NewAssembler()
	for {
		var resp protocol.SyncReadResponse
		if err := r.recv(ctx, id, protocol.TypeSyncReadResponse, &resp); err != nil {
			return nil, err
		}
		for _, b := range resp.Blobs {
			if err := asm.Add(b); err != nil {
				return nil, errs.ProtocolInternal("sync read", err)
			}
		}
		if resp.Final {
			break
		}
	}
	files, err := asm.Files()
	if err != nil {
		return nil, errs.ProtocolInternal("sync read", err)
	}
	return files, nil
}

func (r *RemoteTree) Apply(ctx context.Context, writes []File, deletes []string, expect map[string]string) ([]string, error) {
	id := uuid.NewString()

	var blobs []protocol.Blob
	for _, w := range writes {
		blobs = append(blobs, EncodeBlobs(w)...)
	}
	batches := Batches(blobs)
	if len(batches) == 0 {
		batches = [][]protocol.Blob{nil}
	}

	for i, batch := range batches {
		req := protocol.SyncApplyRequest{ID: id, Root: r.Dir, Writes: batch}
		if i == len(batches)-1 {
			req.Deletes = deletes
			req.Expect = expect
			req.Final = true
		}
		if err := r.Conn.SendMessage(ctx, protocol.TypeSyncApplyRequest, req); err != nil {
			return nil, err
		}
	}

	var resp protocol.SyncApplyResponse
	if err := r.recv(ctx, id, protocol.TypeSyncApplyResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Applied, nil
}

// recv waits for the response to request id, translating agent error
// frames.
func (r *RemoteTree) recv(ctx context.Context, id string, want protocol.Type, v any) error {
	for {
		f, err := r.Conn.Recv(ctx)
		if err != nil {
			return err
		}
		if f.Type == protocol.TypeError {
			var msg protocol.ErrorMessage
			if err := protocol.Decode(f, protocol.TypeError, &msg); err != nil {
				return errs.ProtocolInternal("sync", err)
			}
			if msg.ID != "" && msg.ID != id {
				continue
			}
			return FromAgentError("sync", &msg)
		}
		if err := protocol.Decode(f, want, v); err != nil {
			return errs.ProtocolInternal("sync", err)
		}
		return nil
	}
}

// FromAgentError maps an agent error frame for op onto the error taxonomy.
func FromAgentError(op string, msg *protocol.ErrorMessage) error {
	switch msg.Code {
	case protocol.CodeConflict:
		return &ExpectError{Paths: msg.Paths}
	case protocol.CodeProtected:
		path := msg.Message
		if len(msg.Paths) > 0 {
			path = msg.Paths[0]
		}
		return errs.ProtectedPath(op, path)
	case protocol.CodeReadOnly:
		return errs.PolicyDenied(op, msg.Message)
	case protocol.CodeBadRequest:
		return errs.ProtocolUser(op, msg)
	case protocol.CodeUnsupported:
		return errs.Unsupported(op, msg)
	case protocol.CodeCanceled:
		return fmt.Errorf("%w: %s", context.Canceled, msg.Message)
	default:
		return errs.Internal(op, msg)
	}
}

// ToAgentError maps an error onto an agent error frame.
func ToAgentError(id string, err error) protocol.ErrorMessage {
	msg := protocol.ErrorMessage{ID: id, Code: protocol.CodeInternal, Message: err.Error()}
	var expect *ExpectError
	switch {
	case errors.As(err, &expect):
		msg.Code = protocol.CodeConflict
		msg.Paths = expect.Paths
	case errs.Is(err, errs.ClassProtectedPath):
		msg.Code = protocol.CodeProtected
		if e, ok := errs.As(err); ok {
			if p, ok := e.Detail["path"].(string); ok {
				msg.Paths = []string{p}
			}
		}
	case errs.Is(err, errs.ClassPolicyDenied):
		msg.Code = protocol.CodeReadOnly
	case errs.Is(err, errs.ClassProtocol):
		msg.Code = protocol.CodeBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		msg.Code = protocol.CodeCanceled
	}
	return msg
}
