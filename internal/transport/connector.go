package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Retry is the reconnect backoff between rounds of strategy attempts.
type Retry struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetry is three rounds, 100ms apart initially, doubling, capped
// at ten seconds.
var DefaultRetry = Retry{Attempts: 3, Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

func (r Retry) backOff(ctx context.Context) backoff.BackOff {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.Initial),
		backoff.WithMaxInterval(r.Max),
		backoff.WithMultiplier(r.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Attempt records one strategy attempt for diagnostics.
type Attempt struct {
	Round    int           `json:"round"`
	Strategy Kind          `json:"strategy"`
	Endpoint string        `json:"endpoint"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Connector establishes Sessions by trying Strategies in order.
type Connector struct {
	Strategies []Strategy
	// AttemptTimeout bounds each strategy attempt, handshake included.
	AttemptTimeout time.Duration
	Retry          Retry
	// Client identifies the broker in the capabilities request.
	Client string
	Logger logrus.FieldLogger
}

// NewConnector builds a Connector from transport configuration.
func NewConnector(cfg config.Transport, logger logrus.FieldLogger) *Connector {
	return &Connector{
		Strategies:     FromConfig(cfg),
		AttemptTimeout: cfg.ConnectTimeout,
		Retry: Retry{
			Attempts:   cfg.Retry.Attempts,
			Initial:    cfg.Retry.Initial,
			Max:        cfg.Retry.Max,
			Multiplier: cfg.Retry.Multiplier,
		},
		Client: "world-broker",
		Logger: logger,
	}
}

// FromConfig builds the strategies named in cfg.Strategies, in order.
// Strategies that lack required settings are left out.
func FromConfig(cfg config.Transport) []Strategy {
	var out []Strategy
	for _, name := range cfg.Strategies {
		switch name {
		case config.StrategyUnix:
			if cfg.Socket != "" {
				out = append(out, &Unix{Path: cfg.Socket})
			}
		case config.StrategySSH:
			if cfg.SSH.Host != "" {
				out = append(out, &SSHForward{
					Binary:       cfg.SSH.Binary,
					Host:         cfg.SSH.Host,
					ConfigFile:   cfg.SSH.ConfigFile,
					RemoteSocket: cfg.SSH.RemoteSocket,
					LocalSocket:  cfg.SSH.LocalSocket,
				})
			}
		case config.StrategyTCPBridge:
			relay := cfg.TCP.Relay
			if len(relay) == 0 && cfg.SSH.Host != "" {
				relay = SSHRelay(cfg.SSH.Binary, cfg.SSH.Host, cfg.SSH.ConfigFile, cfg.TCP.Address, cfg.SSH.RemoteSocket)
			}
			if cfg.TCP.Address != "" {
				out = append(out, &TCPBridge{Address: cfg.TCP.Address, Relay: relay})
			}
		}
	}
	return out
}

func (c *Connector) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Connect tries every strategy in order, retrying whole rounds with
// backoff. All attempt failures are reported together: the returned
// error is a TransportError whose "attempts" detail lists each one.
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	return c.connect(ctx, uuid.NewString())
}

// Reconnect closes old and connects a new Session that keeps old's
// logical context id.
func (c *Connector) Reconnect(ctx context.Context, old *Session) (*Session, error) {
	contextID := uuid.NewString()
	if old != nil {
		contextID = old.ContextID
		old.Close()
	}
	return c.connect(ctx, contextID)
}

func (c *Connector) connect(ctx context.Context, contextID string) (*Session, error) {
	if len(c.Strategies) == 0 {
		return nil, errs.Transport("connect", errors.New("no transport strategy is configured"))
	}

	var (
		attempts []Attempt
		failures []error
		round    int
	)

	op := func() (*Session, error) {
		round++
		for _, s := range c.Strategies {
			start := time.Now()
			sess, err := c.try(ctx, s)
			a := Attempt{Round: round, Strategy: s.Kind(), Endpoint: s.Describe(), Duration: time.Since(start)}
			if err == nil {
				attempts = append(attempts, a)
				sess.ContextID = contextID
				sess.Attempts = attempts
				return sess, nil
			}
			a.Error = err.Error()
			attempts = append(attempts, a)
			failures = append(failures, fmt.Errorf("%s (%s): %w", s.Kind(), s.Describe(), err))

			if protocol.IsProtocolError(err) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.logger().WithFields(logrus.Fields{
				"strategy": s.Kind(),
				"endpoint": s.Describe(),
				"round":    round,
			}).WithError(err).Debug("transport attempt failed")
		}
		return nil, errors.New("all transport strategies failed")
	}

	sess, err := backoff.RetryWithData(op, c.Retry.backOff(ctx))
	if err == nil {
		c.logger().WithFields(logrus.Fields{
			"session":  sess.ID,
			"strategy": sess.Kind,
			"endpoint": sess.Endpoint,
		}).Debug("transport connected")
		return sess, nil
	}

	if len(failures) == 0 {
		failures = append(failures, err)
	}
	if protocol.IsProtocolError(err) {
		return nil, errs.ProtocolInternal("handshake", errors.Join(failures...)).With("attempts", attempts)
	}
	return nil, errs.Transport("connect", errors.Join(failures...)).With("attempts", attempts)
}

func (c *Connector) try(ctx context.Context, s Strategy) (*Session, error) {
	timeout := c.AttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := s.Dial(attemptCtx)
	if err != nil {
		return nil, err
	}
	caps, err := handshake(attemptCtx, raw, c.Client)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	return &Session{
		ID:           uuid.NewString(),
		Kind:         s.Kind(),
		Endpoint:     s.Describe(),
		Capabilities: caps,
		CreatedAt:    time.Now(),
		Conn:         NewConn(raw),
	}, nil
}
