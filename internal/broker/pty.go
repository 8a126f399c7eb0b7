package broker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// DefaultSize is used when a PTY request carries no terminal size.
var DefaultSize = WinSize{Cols: 80, Rows: 24}

// ErrDetached is returned by a PTY input reader to end the session from
// the host side. The remote process is hung up.
var ErrDetached = errors.New("detached")

const (
	inputChunk = 4096
	eot        = 0x04
)

func (s *Session) runPTY(ctx context.Context, req ExecRequest, res *ExecResult, d policy.Decision, timeout time.Duration) error {
	size := req.Size
	if size.Cols == 0 || size.Rows == 0 {
		size = DefaultSize
	}
	open := protocol.PtyOpen{
		ID:        res.ID,
		Cmd:       req.Cmd,
		Env:       req.Env,
		Cwd:       s.cwd(req),
		Cols:      size.Cols,
		Rows:      size.Rows,
		Isolated:  d.Isolated,
		TimeoutMs: timeout.Milliseconds(),
		DiffRoot:  req.DiffRoot,
		NoDiff:    req.NoDiff,
		ReadOnly:  d.ReadOnly,
		SessionID: s.b.opts.Config.SessionID,
	}
	if d.Network != nil {
		open.NetAllowed = d.Network.Hosts()
	}
	if err := s.conn.SendMessage(ctx, protocol.TypePtyOpen, open); err != nil {
		return err
	}
	res.transition(StateRunning)

	transcript := newTail(s.transcriptLimit())
	out := io.MultiWriter(transcript, writerOr(req.Stdout))

	// Stdin reads block without a way to interrupt them, so the reader
	// runs outside the group and feeds it through a channel.
	input := make(chan []byte)
	inputErr := make(chan error, 1)
	done := make(chan struct{})
	if req.Stdin != nil {
		go readInput(req.Stdin, input, inputErr, done)
	}

	var detached atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		in, resize := (<-chan []byte)(input), req.Resize
		if req.Stdin == nil {
			in = nil
		}
		var last byte = '\n'
		for {
			select {
			case data := <-in:
				if err := s.conn.SendMessage(gctx, protocol.TypePtyData, protocol.PtyData{ID: res.ID, Data: data}); err != nil {
					return nil
				}
				last = data[len(data)-1]
			case err := <-inputErr:
				in = nil
				if errors.Is(err, ErrDetached) {
					detached.Store(true)
					_ = s.conn.SendMessage(gctx, protocol.TypePtyClose, protocol.PtyClose{ID: res.ID})
					continue
				}
				if !errors.Is(err, io.EOF) {
					s.log.WithError(err).Debug("pty input failed")
				}
				_ = s.conn.SendMessage(gctx, protocol.TypePtyData, protocol.PtyData{ID: res.ID, Data: endOfInput(last)})
			case sz, ok := <-resize:
				if !ok {
					resize = nil
					continue
				}
				_ = s.conn.SendMessage(gctx, protocol.TypePtyResize, protocol.PtyResize{ID: res.ID, Cols: sz.Cols, Rows: sz.Rows})
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	var exit protocol.PtyExit
	g.Go(func() error {
		defer close(done)
		interrupt := func(ctx context.Context) {
			_ = s.conn.SendMessage(ctx, protocol.TypePtyClose, protocol.PtyClose{ID: res.ID})
		}
		return s.await(ctx, res.ID, timeout, interrupt, func(f protocol.Frame) (bool, error) {
			switch f.Type {
			case protocol.TypePtyData:
				var chunk protocol.PtyData
				if err := protocol.Decode(f, f.Type, &chunk); err != nil {
					return false, errs.ProtocolInternal("pty", err)
				}
				if chunk.ID == res.ID {
					_, _ = out.Write(chunk.Data)
				}
				return false, nil
			case protocol.TypePtyExit:
				if err := protocol.Decode(f, f.Type, &exit); err != nil {
					return false, errs.ProtocolInternal("pty", err)
				}
				return exit.ID == res.ID, nil
			}
			return false, nil
		})
	})

	err := g.Wait()
	res.Transcript = transcript.Bytes()
	res.Truncated = transcript.Truncated()
	if err != nil {
		return err
	}

	res.ExitCode = exit.ExitCode
	res.Duration = time.Duration(exit.DurationMs) * time.Millisecond
	res.Diff, res.DiffError = exit.Diff, exit.DiffError
	res.TimedOut = exit.TimedOut
	if ctx.Err() != nil && !exit.TimedOut {
		res.Canceled = true
	}
	if detached.Load() && !exit.TimedOut {
		res.Detached = true
		return nil
	}
	return outcome(ctx, "pty", res, exit.Error, d.ReadOnly, timeout)
}

// endOfInput is what a terminal user types to end input: one ^D after a
// complete line, or two when the first only flushes a partial line.
func endOfInput(last byte) []byte {
	if last == '\n' {
		return []byte{eot}
	}
	return []byte{eot, eot}
}

// readInput copies r into input until r fails or done closes.
func readInput(r io.Reader, input chan<- []byte, errc chan<- error, done <-chan struct{}) {
	buf := make([]byte, inputChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case input <- data:
			case <-done:
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
