package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/protocol"
)

// recvBuffer bounds how many decoded frames may wait for a reader before
// the background reader stops pulling from the socket.
const recvBuffer = 64

// Conn is a framed duplex channel over a net.Conn. Writes are serialized;
// a background goroutine decodes incoming frames so Recv can honor a
// context. Both the broker and the agent speak through a Conn.
type Conn struct {
	raw net.Conn

	wmu sync.Mutex

	frames chan protocol.Frame
	done   chan struct{}
	closed chan struct{}
	err    error

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw and starts reading frames from it.
func NewConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:    raw,
		frames: make(chan protocol.Frame, recvBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		f, err := protocol.ReadFrame(c.raw)
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.frames <- f:
		case <-c.closed:
			c.err = net.ErrClosed
			return
		}
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Send writes f. The context deadline, if any, bounds the write.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	c.raw.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		c.raw.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteFrame(c.raw, f); err != nil {
		if protocol.IsProtocolError(err) {
			return errs.ProtocolInternal("send "+f.Type.String(), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errs.Transport("send", err)
	}
	return nil
}

// SendMessage encodes v as a frame of type t and sends it.
func (c *Conn) SendMessage(ctx context.Context, t protocol.Type, v any) error {
	f, err := protocol.Encode(t, v)
	if err != nil {
		return errs.ProtocolUser("encode "+t.String(), err)
	}
	return c.Send(ctx, f)
}

// Recv returns the next frame. When the peer closed the stream it returns
// an error wrapping io.EOF; when it sent a frame that cannot be decoded
// it returns a protocol error. The stream is not resynchronized after a
// bad frame.
func (c *Conn) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return protocol.Frame{}, c.readError()
		}
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *Conn) readError() error {
	err := c.err
	if err == nil || errors.Is(err, net.ErrClosed) {
		err = io.EOF
	}
	if protocol.IsProtocolError(err) {
		return errs.ProtocolInternal("recv", err)
	}
	return errs.Transport("recv", err)
}

// Done is closed once the read side has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// handshake performs the capabilities exchange on a fresh connection
// before any reader is attached.
func handshake(ctx context.Context, raw net.Conn, client string) (protocol.Capabilities, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	raw.SetDeadline(deadline)
	defer raw.SetDeadline(time.Time{})

	req, err := protocol.Encode(protocol.TypeCapabilitiesRequest, protocol.CapabilitiesRequest{Client: client})
	if err != nil {
		return protocol.Capabilities{}, err
	}
	if err := protocol.WriteFrame(raw, req); err != nil {
		return protocol.Capabilities{}, err
	}

	resp, err := protocol.ReadFrame(raw)
	if err != nil {
		return protocol.Capabilities{}, err
	}
	if resp.Type == protocol.TypeError {
		var msg protocol.ErrorMessage
		if err := protocol.Decode(resp, protocol.TypeError, &msg); err != nil {
			return protocol.Capabilities{}, err
		}
		return protocol.Capabilities{}, &msg
	}

	var caps protocol.Capabilities
	if err := protocol.Decode(resp, protocol.TypeCapabilitiesResponse, &caps); err != nil {
		return protocol.Capabilities{}, err
	}
	if caps.ProtocolVersion != protocol.Version {
		return protocol.Capabilities{}, errors.Join(protocol.ErrUnsupportedVersion,
			errors.New("agent speaks a different protocol version"))
	}
	return caps, nil
}
