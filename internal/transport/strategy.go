// Package transport connects the broker to the guest agent. It tries a
// ranked list of strategies (a shared-namespace unix socket, a socket
// forwarded over ssh, a TCP bridge) and wraps the winner in a Session.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Kind identifies a transport strategy.
type Kind string

const (
	KindUnix      Kind = "unix"
	KindSSH       Kind = "ssh-forward"
	KindTCPBridge Kind = "tcp-bridge"
)

// Strategy is one way of reaching the agent.
type Strategy interface {
	Kind() Kind
	// Describe names the endpoint for diagnostics.
	Describe() string
	Dial(ctx context.Context) (net.Conn, error)
}

// Unix dials a domain socket visible in the local filesystem namespace.
type Unix struct {
	Path string
}

func (u *Unix) Kind() Kind       { return KindUnix }
func (u *Unix) Describe() string { return u.Path }

func (u *Unix) Dial(ctx context.Context) (net.Conn, error) {
	info, err := os.Stat(u.Path)
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", u.Path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("%s is not a socket", u.Path)
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", u.Path)
}

// SSHForward forwards the guest's agent socket to a local socket through
// ssh and dials that. Connection sharing is disabled for the tunnel: a
// multiplexed master may refuse or silently drop stream-local forwards.
type SSHForward struct {
	Binary       string
	Host         string
	ConfigFile   string
	RemoteSocket string
	LocalSocket  string
	// PollInterval is how often to check for the forwarded socket.
	PollInterval time.Duration
}

func (s *SSHForward) Kind() Kind { return KindSSH }

func (s *SSHForward) Describe() string {
	return fmt.Sprintf("%s:%s via %s", s.Host, s.RemoteSocket, s.LocalSocket)
}

// Args returns the ssh arguments for the tunnel.
func (s *SSHForward) Args() []string {
	var args []string
	if s.ConfigFile != "" {
		args = append(args, "-F", s.ConfigFile)
	}
	args = append(args,
		"-o", "ControlMaster=no",
		"-o", "ControlPath=none",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StreamLocalBindUnlink=yes",
		"-o", "BatchMode=yes",
		"-N",
		"-L", s.LocalSocket+":"+s.RemoteSocket,
		s.Host,
	)
	return args
}

func (s *SSHForward) Dial(ctx context.Context) (net.Conn, error) {
	if s.Host == "" {
		return nil, errors.New("no ssh host configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.LocalSocket), 0700); err != nil {
		return nil, fmt.Errorf("failed to create forward socket directory: %w", err)
	}
	os.Remove(s.LocalSocket)

	tunnel, err := startProcess(binaryOr(s.Binary, "ssh"), s.Args())
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := waitAndDial(ctx, tunnel, s.PollInterval, func(ctx context.Context) (net.Conn, error) {
		if _, err := os.Stat(s.LocalSocket); err != nil {
			return nil, err
		}
		return d.DialContext(ctx, "unix", s.LocalSocket)
	})
	if err != nil {
		tunnel.stop()
		os.Remove(s.LocalSocket)
		return nil, fmt.Errorf("ssh forward to %s: %w", s.Host, err)
	}
	return &processConn{Conn: conn, proc: tunnel, cleanup: func() { os.Remove(s.LocalSocket) }}, nil
}

// TCPBridge dials a TCP address that a relay bridges to the guest's
// agent socket. When Relay is set, the relay command is started first and
// lives as long as the connection.
type TCPBridge struct {
	Address      string
	Relay        []string
	PollInterval time.Duration
}

func (t *TCPBridge) Kind() Kind { return KindTCPBridge }

func (t *TCPBridge) Describe() string {
	if len(t.Relay) > 0 {
		return t.Address + " via " + t.Relay[0]
	}
	return t.Address
}

func (t *TCPBridge) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	dial := func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", t.Address)
	}
	if len(t.Relay) == 0 {
		return dial(ctx)
	}

	relay, err := startProcess(t.Relay[0], t.Relay[1:])
	if err != nil {
		return nil, err
	}
	conn, err := waitAndDial(ctx, relay, t.PollInterval, dial)
	if err != nil {
		relay.stop()
		return nil, fmt.Errorf("tcp bridge %s: %w", t.Address, err)
	}
	return &processConn{Conn: conn, proc: relay}, nil
}

// SSHRelay returns the relay command that forwards a local TCP address to
// a remote socket over ssh, for use as TCPBridge.Relay.
func SSHRelay(binary, host, configFile, address, remoteSocket string) []string {
	args := []string{binaryOr(binary, "ssh")}
	if configFile != "" {
		args = append(args, "-F", configFile)
	}
	return append(args,
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
		"-N",
		"-L", address+":"+remoteSocket,
		host,
	)
}

func binaryOr(bin, def string) string {
	if bin == "" {
		return def
	}
	return bin
}

// process is a helper child (ssh tunnel, relay) tied to a connection.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
	once   sync.Once
}

func startProcess(name string, args []string) (*process, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found: %w", name, err)
	}
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if msg := stderr.String(); msg != "" {
			err = fmt.Errorf("%s exited: %v: %s", name, err, msg)
		} else if err == nil {
			err = fmt.Errorf("%s exited", name)
		}
		p.err = err
		close(p.exited)
	}()
	return p, nil
}

func (p *process) stop() {
	p.once.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.cmd.Process.Kill()
		<-p.exited
	})
}

// waitAndDial polls dial until it succeeds, the process exits or ctx ends.
func waitAndDial(ctx context.Context, p *process, interval time.Duration, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		last = err

		select {
		case <-p.exited:
			return nil, p.err
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		case <-ticker.C:
		}
	}
}

// processConn closes its helper process along with the connection.
type processConn struct {
	net.Conn
	proc    *process
	cleanup func()
	once    sync.Once
}

func (c *processConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		c.proc.stop()
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
