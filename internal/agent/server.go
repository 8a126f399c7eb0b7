// Package agent is the guest-side end of the broker protocol. It accepts
// framed connections on a socket and runs executions, PTY sessions and
// sync operations against the guest filesystem.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/faize-ai/world/internal/transport"
	"github.com/sirupsen/logrus"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultShell          = "sh"
	DefaultKillGrace      = 2 * time.Second
	DefaultTimeout        = 30 * time.Minute
	DefaultMaxOutputBytes = 64 << 20
)

type Options struct {
	// Root is the working directory used when a request has no cwd.
	Root string
	// ScratchDir holds the throwaway copies made for isolated runs.
	ScratchDir     string
	Backend        string
	Version        string
	Shell          string
	MaxOutputBytes int64
	KillGrace      time.Duration
	DefaultTimeout time.Duration
	Protect        *protect.Set
	Logger         logrus.FieldLogger
}

// Server accepts broker connections. Each connection is served
// independently; operations on one connection never block another.
type Server struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	listeners []net.Listener
	conns    map[*connection]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a server with defaults filled in.
func New(opts Options) *Server {
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Root == "" {
		opts.Root, _ = os.Getwd()
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.Backend == "" {
		opts.Backend = "local"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Protect == nil {
		opts.Protect = protect.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		opts:  opts,
		log:   log.WithField("component", "agent"),
		conns: make(map[*connection]struct{}),
		done:  make(chan struct{}),
	}
}

// Capabilities is what the agent answers to a capabilities query.
func (s *Server) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		ProtocolVersion: protocol.Version,
		AgentVersion:    s.opts.Version,
		Features: []string{
			protocol.FeatureExecute,
			protocol.FeaturePty,
			protocol.FeatureSync,
			protocol.FeatureFsDiff,
			protocol.FeatureIsolation,
		},
		Backend:  s.opts.Backend,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Listen creates the agent's unix socket, replacing a stale one.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is done or Close is called.
// It may be called for several listeners at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.WithField("addr", ln.Addr().String()).Info("agent listening")

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, raw)
		}()
	}
}

// ServeConn serves one connection until the peer hangs up, the server
// closes or ctx is done. In-flight operations are canceled on return.
func (s *Server) ServeConn(ctx context.Context, raw net.Conn) {
	c := newConnection(s, transport.NewConn(raw))
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		c.conn.Close()
		return
	default:
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	c.serve(ctx)
}

// Close stops accepting, closes every connection and waits for their
// operations to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.done)
	var err error
	for _, ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
