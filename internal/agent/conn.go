package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/faize-ai/world/internal/syncer"
	"github.com/faize-ai/world/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// connection is the per-peer state: in-flight operations by request id,
// open PTYs and sync applies still receiving chunks.
type connection struct {
	s    *Server
	conn *transport.Conn
	log  logrus.FieldLogger
	// ctx lives as long as the connection. Replies are sent under it so
	// an operation's own cancellation does not suppress its final frame.
	ctx context.Context

	// mutate admits one filesystem-mutating operation at a time.
	mutate *semaphore.Weighted

	mu      sync.Mutex
	ops     map[string]context.CancelFunc
	ptys    map[string]*ptySession
	applies map[string]*pendingApply

	wg sync.WaitGroup
}

func newConnection(s *Server, conn *transport.Conn) *connection {
	return &connection{
		s:       s,
		conn:    conn,
		log:     s.log.WithField("peer", conn.RemoteAddr().String()),
		mutate:  semaphore.NewWeighted(1),
		ops:     make(map[string]context.CancelFunc),
		ptys:    make(map[string]*ptySession),
		applies: make(map[string]*pendingApply),
	}
}

func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.ctx = ctx
	defer func() {
		cancel()
		c.wg.Wait()
		c.conn.Close()
		c.log.Debug("connection closed")
	}()

	c.log.Debug("connection accepted")
	for {
		f, err := c.conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.log.WithError(err).Warn("connection failed")
			}
			return
		}
		if err := c.dispatch(ctx, f); err != nil {
			c.log.WithError(err).WithField("type", f.Type.String()).Warn("bad request")
			c.sendError("", protocol.CodeBadRequest, err)
		}
	}
}

// dispatch handles control frames inline and starts a goroutine for
// every operation.
func (c *connection) dispatch(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeCapabilitiesRequest:
		var req protocol.CapabilitiesRequest
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		c.send(protocol.TypeCapabilitiesResponse, c.s.Capabilities())

	case protocol.TypeExecuteRequest:
		var req protocol.ExecuteRequest
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		c.start(ctx, req.ID, true, func(ctx context.Context) { c.execute(ctx, req) })

	case protocol.TypePtyOpen:
		var req protocol.PtyOpen
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		sess, err := c.registerPty(req.ID)
		if err != nil {
			c.fail(req.ID, err)
			return nil
		}
		if !c.start(ctx, req.ID, true, func(ctx context.Context) { c.runPty(ctx, req, sess) }) {
			c.unregisterPty(req.ID)
		}

	case protocol.TypePtyData:
		var msg protocol.PtyData
		if err := protocol.Decode(f, f.Type, &msg); err != nil {
			return err
		}
		if p := c.pty(msg.ID); p != nil {
			p.write(msg.Data)
		}

	case protocol.TypePtyResize:
		var msg protocol.PtyResize
		if err := protocol.Decode(f, f.Type, &msg); err != nil {
			return err
		}
		if p := c.pty(msg.ID); p != nil {
			p.resize(msg.Cols, msg.Rows)
		}

	case protocol.TypePtyClose:
		var msg protocol.PtyClose
		if err := protocol.Decode(f, f.Type, &msg); err != nil {
			return err
		}
		if p := c.pty(msg.ID); p != nil {
			p.hangup()
		}

	case protocol.TypeSyncSnapshotRequest:
		var req protocol.SyncSnapshotRequest
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		c.start(ctx, req.ID, false, func(ctx context.Context) { c.snapshot(ctx, req) })

	case protocol.TypeSyncReadRequest:
		var req protocol.SyncReadRequest
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		c.start(ctx, req.ID, false, func(ctx context.Context) { c.read(ctx, req) })

	case protocol.TypeSyncApplyRequest:
		var req protocol.SyncApplyRequest
		if err := protocol.Decode(f, f.Type, &req); err != nil {
			return err
		}
		ready, err := c.stageApply(req)
		if err != nil {
			c.sendError(req.ID, protocol.CodeBadRequest, err)
			return nil
		}
		if ready != nil {
			c.start(ctx, req.ID, true, func(ctx context.Context) { c.apply(ctx, ready) })
		}

	case protocol.TypeCancel:
		var msg protocol.Cancel
		if err := protocol.Decode(f, f.Type, &msg); err != nil {
			return err
		}
		c.cancel(msg.ID)

	default:
		c.sendError("", protocol.CodeUnsupported, fmt.Errorf("frame type %s is not handled by the agent", f.Type))
	}
	return nil
}

// start runs fn in its own goroutine under a cancelable context registered
// for id. Mutating operations wait their turn on the connection. It
// reports false when id is unusable.
func (c *connection) start(ctx context.Context, id string, mutating bool, fn func(context.Context)) bool {
	opCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, busy := c.ops[id]; busy || id == "" {
		c.mu.Unlock()
		cancel()
		c.sendError(id, protocol.CodeBadRequest, fmt.Errorf("request id %q is empty or already in use", id))
		return false
	}
	c.ops[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.ops, id)
			delete(c.ptys, id)
			c.mu.Unlock()
			cancel()
		}()
		if mutating {
			if err := c.mutate.Acquire(opCtx, 1); err != nil {
				c.sendError(id, protocol.CodeCanceled, err)
				return
			}
			defer c.mutate.Release(1)
		}
		fn(opCtx)
	}()
	return true
}

func (c *connection) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.ops[id]
	c.mu.Unlock()
	if ok {
		c.log.WithField("id", id).Debug("operation canceled by peer")
		cancel()
	}
}

func (c *connection) pty(id string) *ptySession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptys[id]
}

func (c *connection) send(t protocol.Type, v any) {
	if err := c.conn.SendMessage(c.ctx, t, v); err != nil {
		c.log.WithError(err).WithField("type", t.String()).Debug("send failed")
	}
}

func (c *connection) sendError(id, code string, err error) {
	c.send(protocol.TypeError, protocol.ErrorMessage{ID: id, Code: code, Message: err.Error()})
}

// fail reports err for request id, classified by its error class.
func (c *connection) fail(id string, err error) {
	c.send(protocol.TypeError, syncer.ToAgentError(id, err))
}

func badRequest(format string, args ...any) error {
	return errs.ProtocolUser("request", fmt.Errorf(format, args...))
}
