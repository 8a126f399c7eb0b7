package console

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/faize-ai/world/internal/broker"
	"golang.org/x/term"
)

// Terminal is the local side of a PTY execution. When the input is a
// terminal it is put in raw mode, window size changes are forwarded and
// ~. detaches.
type Terminal struct {
	in    *os.File
	out   io.Writer
	fd    int
	tty   bool
	old   *term.State
	sig   chan os.Signal
	sizes chan broker.WinSize
	once  sync.Once
}

// Open prepares in for relaying. Call Restore when the execution ends.
func Open(in *os.File, out io.Writer) (*Terminal, error) {
	t := &Terminal{in: in, out: out, fd: int(in.Fd())}
	t.tty = term.IsTerminal(t.fd)
	if !t.tty {
		return t, nil
	}

	old, err := term.MakeRaw(t.fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set raw mode: %w", err)
	}
	t.old = old

	t.sig = make(chan os.Signal, 1)
	t.sizes = make(chan broker.WinSize, 1)
	signal.Notify(t.sig, syscall.SIGWINCH)
	go t.watch()
	return t, nil
}

func (t *Terminal) watch() {
	for range t.sig {
		size := t.Size()
		if size.Cols == 0 {
			continue
		}
		// Only the latest size matters.
		select {
		case <-t.sizes:
		default:
		}
		t.sizes <- size
	}
	close(t.sizes)
}

// IsTerminal reports whether the input is a terminal.
func (t *Terminal) IsTerminal() bool { return t.tty }

// Size returns the current window size, or zero when unknown.
func (t *Terminal) Size() broker.WinSize {
	if !t.tty {
		return broker.WinSize{}
	}
	w, h, err := term.GetSize(t.fd)
	if err != nil || w <= 0 || h <= 0 {
		return broker.WinSize{}
	}
	return broker.WinSize{Cols: uint16(w), Rows: uint16(h)}
}

// Resize delivers window size changes. It is nil when the input is not a
// terminal.
func (t *Terminal) Resize() <-chan broker.WinSize {
	if !t.tty {
		return nil
	}
	return t.sizes
}

// Input returns the reader to relay. On a terminal it handles escape
// sequences.
func (t *Terminal) Input() io.Reader {
	if !t.tty {
		return t.in
	}
	return NewEscapeReader(t.in, t.out)
}

// Request fills the PTY fields of req from the terminal.
func (t *Terminal) Request(req broker.ExecRequest) broker.ExecRequest {
	req.Stdin = t.Input()
	req.Stdout = t.out
	req.Size = t.Size()
	req.Resize = t.Resize()
	return req
}

// Restore leaves raw mode and stops watching for resizes.
func (t *Terminal) Restore() error {
	var err error
	t.once.Do(func() {
		if !t.tty {
			return
		}
		signal.Stop(t.sig)
		close(t.sig)
		err = term.Restore(t.fd, t.old)
	})
	return err
}
