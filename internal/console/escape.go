// Package console attaches the local terminal to a PTY execution.
package console

import (
	"io"

	"github.com/faize-ai/world/internal/broker"
)

const escapeHelp = "\r\nSupported escape sequences:\r\n  ~.  Detach from the session (the command is hung up)\r\n  ~~  Send literal ~ character\r\n  ~?  Show this help\r\n"

// EscapeReader wraps terminal input and detects SSH-style escape
// sequences: ~. (detach), ~~ (literal ~) and ~? (help) when ~ follows a
// newline. After ~. every Read returns broker.ErrDetached.
//
// EscapeReader is not safe for concurrent use.
type EscapeReader struct {
	r            io.Reader
	help         io.Writer
	afterNewline bool
	pendingTilde bool
	detached     bool
	raw          []byte
	out          []byte
}

func NewEscapeReader(r io.Reader, help io.Writer) *EscapeReader {
	return &EscapeReader{r: r, help: help, afterNewline: true}
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.detached {
			return 0, broker.ErrDetached
		}
		if cap(e.raw) < len(p) {
			e.raw = make([]byte, len(p))
		}
		n, err := e.r.Read(e.raw[:len(p)])
		e.filter(e.raw[:n])
		if err != nil && len(e.out) == 0 {
			if e.detached {
				return 0, broker.ErrDetached
			}
			return 0, err
		}
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

func (e *EscapeReader) filter(in []byte) {
	for _, b := range in {
		if e.detached {
			return
		}
		if b == '\n' || b == '\r' {
			if e.pendingTilde {
				e.out = append(e.out, '~')
				e.pendingTilde = false
			}
			e.out = append(e.out, b)
			e.afterNewline = true
			continue
		}

		if e.afterNewline && b == '~' {
			e.pendingTilde = true
			e.afterNewline = false
			continue
		}

		if e.pendingTilde {
			e.pendingTilde = false
			switch b {
			case '.':
				e.detached = true
				return
			case '~':
				e.out = append(e.out, '~')
			case '?':
				if e.help != nil {
					_, _ = io.WriteString(e.help, escapeHelp)
				}
			default:
				e.out = append(e.out, '~', b)
			}
			e.afterNewline = false
			continue
		}

		e.out = append(e.out, b)
		e.afterNewline = false
	}
}
