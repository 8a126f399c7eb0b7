package doctor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/transport"
	"github.com/sirupsen/logrus"
)

// Dialer opens transport sessions. *transport.Connector implements it.
type Dialer interface {
	Connect(ctx context.Context) (*transport.Session, error)
}

// RequiredFeatures are the agent capabilities the broker relies on.
var RequiredFeatures = []string{protocol.FeatureExecute, protocol.FeaturePty, protocol.FeatureSync, protocol.FeatureFsDiff}

// Doctor holds what the checks inspect. Any field may be nil; the checks
// that need it are then skipped or failed.
type Doctor struct {
	Config *config.Config
	// ConfigErr is the error from loading the configuration, if any.
	ConfigErr  error
	Dialer     Dialer
	Authorizer *policy.Authorizer
	Protect    *protect.Set
	Store      *state.Store
	Logger     logrus.FieldLogger
}

func (d *Doctor) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}

// Run executes every check in order.
func (d *Doctor) Run(ctx context.Context) Report {
	var checks []Result

	cfg := d.checkConfig()
	checks = append(checks, cfg, d.checkEnabled())

	usable := cfg.Status != StatusFail && d.Config != nil && d.Config.Enabled
	if usable {
		conn, transportResult := d.checkTransport(ctx)
		checks = append(checks, transportResult)
		if conn != nil {
			checks = append(checks, d.checkAgent(ctx, conn))
			conn.Close()
		} else {
			checks = append(checks, Skip("agent", "transport unavailable"))
		}
	} else {
		checks = append(checks, Skip("transport", "world is not usable"), Skip("agent", "world is not usable"))
	}

	checks = append(checks, d.checkPolicy(), d.checkProtected(), d.checkLastErrors())
	report := newReport(checks)
	d.logger().WithField("ok", report.OK).Debug("doctor finished")
	return report
}

func (d *Doctor) checkConfig() Result {
	if d.ConfigErr != nil {
		return Fail("config", errs.KindUser, d.ConfigErr.Error(), "fix ~/.world/config.yaml or pass --config")
	}
	if d.Config == nil {
		return Fail("config", errs.KindInternal, "no configuration loaded", "")
	}
	if d.Config.File == "" {
		return Pass("config", "using defaults (no config file)")
	}
	return Pass("config", d.Config.File)
}

func (d *Doctor) checkEnabled() Result {
	if d.Config == nil {
		return Skip("enabled", "no configuration")
	}
	if !d.Config.Enabled {
		return Fail("enabled", errs.KindUnsupported, "world is disabled by WORLD_ENABLED", "unset WORLD_ENABLED or set it to true")
	}
	return Pass("enabled", "session "+d.Config.SessionID).with("session_id", d.Config.SessionID)
}

func (d *Doctor) checkTransport(ctx context.Context) (*transport.Session, Result) {
	if d.Dialer == nil {
		return nil, Fail("transport", errs.KindInternal, "no transport configured", "")
	}
	conn, err := d.Dialer.Connect(ctx)
	if err != nil {
		r := Fail("transport", errs.KindOf(err), "agent unreachable: "+err.Error(),
			"start the agent in the world (world agent serve) or check transport.strategies")
		if e, ok := errs.As(err); ok {
			if attempts, ok := e.Detail["attempts"]; ok {
				r = r.with("attempts", attempts)
			}
		}
		return nil, r
	}
	msg := fmt.Sprintf("%s via %s", conn.Kind, conn.Endpoint)
	if n := len(conn.Attempts); n > 1 {
		msg += fmt.Sprintf(" after %d attempts", n)
	}
	return conn, Pass("transport", msg).with("session", conn.Info())
}

func (d *Doctor) checkAgent(ctx context.Context, conn *transport.Session) Result {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := conn.SendMessage(ctx, protocol.TypeCapabilitiesRequest, protocol.CapabilitiesRequest{Client: "world-doctor"}); err != nil {
		return Fail("agent", errs.KindDependencyUnavailable, "capabilities request failed: "+err.Error(), "")
	}
	var caps protocol.Capabilities
	for {
		f, err := conn.Recv(ctx)
		if err != nil {
			return Fail("agent", errs.KindDependencyUnavailable, "agent did not answer: "+err.Error(), "restart the agent")
		}
		if f.Type != protocol.TypeCapabilitiesResponse {
			continue
		}
		if err := protocol.Decode(f, f.Type, &caps); err != nil {
			return Fail("agent", errs.KindInternal, err.Error(), "upgrade the agent to match the broker")
		}
		break
	}
	latency := time.Since(start)

	var missing []string
	for _, f := range RequiredFeatures {
		if !caps.Has(f) {
			missing = append(missing, f)
		}
	}
	msg := fmt.Sprintf("agent %s on %s (%s), %s round trip", caps.AgentVersion, caps.Platform, caps.Backend, latency.Round(time.Microsecond))
	r := Pass("agent", msg)
	if len(missing) > 0 {
		r = Fail("agent", errs.KindUnsupported, "agent lacks "+strings.Join(missing, ", "), "upgrade the agent")
	}
	return r.with("capabilities", caps).with("latency_ms", latency.Milliseconds())
}

func (d *Doctor) checkPolicy() Result {
	if d.Authorizer == nil {
		return Fail("policy", errs.KindUser, "no policy profile", "run world policy init")
	}
	p, err := d.Authorizer.Profile()
	if err != nil {
		return Fail("policy", errs.KindUser, "every command is denied: "+err.Error(), "run world policy init, or fix the profile")
	}
	msg := fmt.Sprintf("%s (%s)", p.ID, p.Source)
	r := Pass("policy", msg).with("path", p.Source).with("world_fs", string(p.WorldFS.Mode))
	if p.ReadOnly() {
		r.Message += ", read-only world"
	}
	return r
}

func (d *Doctor) checkProtected() Result {
	if d.Protect == nil {
		return Warn("protected", "no protected path set loaded")
	}
	patterns, abs := d.Protect.Patterns(), d.Protect.Absolute()
	return Pass("protected", fmt.Sprintf("%d patterns, %d absolute paths", len(patterns), len(abs))).
		with("patterns", patterns).with("absolute", abs)
}

func (d *Doctor) checkLastErrors() Result {
	if d.Store == nil {
		return Skip("last_errors", "no state directory")
	}
	last, err := d.Store.LastErrors()
	if err != nil {
		return Warn("last_errors", "cannot read state: "+err.Error())
	}
	if len(last) == 0 {
		return Pass("last_errors", "none recorded")
	}
	var parts []string
	for _, e := range last {
		parts = append(parts, fmt.Sprintf("%s failed %s ago: %s", e.Op, time.Since(e.At).Round(time.Second), e.Message))
	}
	return Warn("last_errors", strings.Join(parts, "; ")).with("errors", last)
}
