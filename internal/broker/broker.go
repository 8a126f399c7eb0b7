// Package broker is the host side of the world: it opens sessions to the
// guest agent and runs policy-gated executions and syncs over them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/ptyclass"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/telemetry"
	"github.com/faize-ai/world/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrDisabled is returned by every operation when WORLD_ENABLED is false.
var ErrDisabled = errors.New("world is disabled (WORLD_ENABLED=false)")

// Dialer opens transport sessions. *transport.Connector implements it.
type Dialer interface {
	Connect(ctx context.Context) (*transport.Session, error)
}

type Options struct {
	Config     *config.Config
	Dialer     Dialer
	Authorizer *policy.Authorizer
	Protect    *protect.Set
	// Store records sync baselines and last errors. Nil disables both.
	Store      *state.Store
	Tracer     *telemetry.Tracer
	Classifier *ptyclass.Table
	Logger     logrus.FieldLogger
}

type Broker struct {
	opts Options
	log  logrus.FieldLogger
}

func New(opts Options) (*Broker, error) {
	if opts.Config == nil {
		return nil, errs.Config("broker", errors.New("no configuration"))
	}
	if opts.Dialer == nil {
		return nil, errs.Config("broker", errors.New("no transport"))
	}
	if opts.Authorizer == nil {
		opts.Authorizer = policy.NewAuthorizer("", policy.ErrNoProfile)
	}
	if opts.Protect == nil {
		opts.Protect = protect.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Noop()
	}
	if opts.Classifier == nil {
		opts.Classifier = ptyclass.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broker{opts: opts, log: log.WithField("component", "broker")}, nil
}

// Open connects to the agent. The session owns its policy authorizer:
// the profile is loaded on first use and cached until Reload.
func (b *Broker) Open(ctx context.Context) (*Session, error) {
	if !b.opts.Config.Enabled {
		return nil, errs.Unsupported("open", ErrDisabled)
	}
	ctx, span := b.opts.Tracer.Start(ctx, "session.open")

	conn, err := b.opts.Dialer.Connect(ctx)
	b.record(state.OpTransport, err)
	if err != nil {
		span.Finish(err)
		return nil, err
	}
	span.Set("transport", string(conn.Kind)).Set("endpoint", conn.Endpoint).Finish(nil)

	b.log.WithFields(logrus.Fields{
		"session":   conn.ID,
		"transport": conn.Kind,
		"endpoint":  conn.Endpoint,
		"agent":     conn.Capabilities.AgentVersion,
	}).Debug("session opened")

	return &Session{
		b:    b,
		conn: conn,
		auth: b.opts.Authorizer,
		ops:  semaphore.NewWeighted(1),
		log:  b.log.WithField("session", conn.ID),
	}, nil
}

// record stores err as the last error for op, or clears it on success.
func (b *Broker) record(op state.Op, err error) {
	if b.opts.Store == nil || errs.Is(err, errs.ClassExecutionFailed) {
		return
	}
	if rerr := b.opts.Store.RecordError(op, b.opts.Config.SessionID, err); rerr != nil {
		b.log.WithError(rerr).Warn("failed to record operation state")
	}
}

// Session is one open connection to the agent. At most one execution or
// sync runs on it at a time; later requests wait their turn.
type Session struct {
	b    *Broker
	conn *transport.Session
	auth *policy.Authorizer
	ops  *semaphore.Weighted
	log  logrus.FieldLogger
}

func (s *Session) ID() string { return s.conn.ID }

func (s *Session) Info() transport.Info { return s.conn.Info() }

// Authorizer returns the session's policy gate.
func (s *Session) Authorizer() *policy.Authorizer { return s.auth }

// Approve records an interactive confirmation of cmd for this session.
func (s *Session) Approve(cmd string) { s.auth.Approve(cmd) }

// Reload re-reads the policy profile.
func (s *Session) Reload() error { return s.auth.Reload() }

// Done is closed when the connection to the agent is lost.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

func (s *Session) Close() error {
	return s.conn.Close()
}

// acquire waits for the session's operation slot.
func (s *Session) acquire(ctx context.Context) error {
	if err := s.ops.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for the session: %w", err)
	}
	return nil
}

func (s *Session) release() { s.ops.Release(1) }

// drainTimeout bounds how long a canceled operation waits for the agent's
// final frame.
func (s *Session) drainTimeout() time.Duration {
	grace := s.b.opts.Config.Exec.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return grace + 5*time.Second
}
