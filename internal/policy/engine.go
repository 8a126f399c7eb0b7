package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/faize-ai/world/internal/network"
	"github.com/faize-ai/world/internal/ptyclass"
)

// Verdict is the outcome of an authorization.
type Verdict int

const (
	Deny Verdict = iota
	Allow
	RequireApproval
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RequireApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

// Request is the part of an execution request the policy looks at.
type Request struct {
	Cmd      string
	Isolated bool
}

// Decision is the result of Authorize. The zero value denies.
type Decision struct {
	Verdict Verdict
	Reason  string
	// Pattern is the profile entry that decided the verdict, if any.
	Pattern string
	// Isolated is the effective isolation flag: the caller's request, or
	// true when cmd_isolated forced it.
	Isolated bool
	Forced   bool
	ReadOnly bool
	// Network is the egress allowlist for the command. Nil or blocked
	// means no network.
	Network *network.Policy
}

// Allowed reports whether the command may run now.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

func deny(format string, args ...any) Decision {
	return Decision{Verdict: Deny, Reason: fmt.Sprintf(format, args...)}
}

// Authorize evaluates req against p. approved reports whether a command has
// been confirmed interactively for this session; it may be nil.
//
// Order: cmd_denied, then cmd_allowed, then shell operators, then
// cmd_isolated, then approval. A nil or unvalidated profile denies.
func Authorize(req Request, p *Profile, approved func(cmd string) bool) Decision {
	if p == nil {
		return deny("no policy profile loaded")
	}
	if p.net == nil {
		return deny("policy profile was not validated")
	}

	cmd := strings.TrimSpace(req.Cmd)
	if cmd == "" {
		return deny("empty command")
	}

	if pat, ok := MatchAny(p.CmdDenied, cmd); ok {
		d := deny("command matches denied pattern %q", pat)
		d.Pattern = pat
		return d
	}

	if len(p.CmdAllowed) > 0 {
		if _, ok := MatchAny(p.CmdAllowed, cmd); !ok {
			return deny("command is not in cmd_allowed")
		}
	}

	if !p.ShellOperatorsAllowed() && ptyclass.HasShellOperators(cmd) {
		return deny("shell operators are not allowed by this profile")
	}

	d := Decision{
		Verdict:  Allow,
		Isolated: req.Isolated,
		ReadOnly: p.ReadOnly(),
		Network:  p.net,
	}
	if pat, ok := MatchAny(p.CmdIsolated, cmd); ok {
		d.Isolated = true
		d.Forced = !req.Isolated
		d.Pattern = pat
	}

	if p.RequireApproval {
		if _, ok := MatchAny(p.PreApproved, cmd); !ok && (approved == nil || !approved(cmd)) {
			d.Verdict = RequireApproval
			d.Reason = "command requires approval"
			return d
		}
	}
	return d
}

// Authorizer owns one session's profile. The profile is loaded on first
// use and cached until Reload; edits to the file in between have no
// effect.
type Authorizer struct {
	path    string
	findErr error

	mu       sync.RWMutex
	loaded   bool
	profile  *Profile
	loadErr  error
	approved map[string]bool
}

// NewAuthorizer returns an Authorizer for the profile at path. findErr is
// the error from locating the profile, typically ErrNoProfile; when set,
// every request is denied with it.
func NewAuthorizer(path string, findErr error) *Authorizer {
	return &Authorizer{path: path, findErr: findErr, approved: make(map[string]bool)}
}

// ForProfile returns an Authorizer over an already loaded profile.
func ForProfile(p *Profile) *Authorizer {
	return &Authorizer{path: p.Source, loaded: true, profile: p, approved: make(map[string]bool)}
}

// Path returns the profile path, empty when none was found.
func (a *Authorizer) Path() string {
	return a.path
}

// Profile returns the cached profile, loading it on first call.
func (a *Authorizer) Profile() (*Profile, error) {
	a.mu.RLock()
	if a.loaded {
		p, err := a.profile, a.loadErr
		a.mu.RUnlock()
		return p, err
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		a.load()
	}
	return a.profile, a.loadErr
}

// Reload re-reads the profile from disk. Approvals are kept only when the
// profile still loads.
func (a *Authorizer) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.load()
	if a.loadErr != nil {
		a.approved = make(map[string]bool)
	}
	return a.loadErr
}

func (a *Authorizer) load() {
	a.loaded = true
	a.profile = nil
	switch {
	case a.findErr != nil:
		a.loadErr = a.findErr
	case a.path == "":
		a.loadErr = ErrNoProfile
	default:
		a.profile, a.loadErr = Load(a.path)
	}
}

// Approve records an interactive confirmation of cmd for the rest of the
// session.
func (a *Authorizer) Approve(cmd string) {
	a.mu.Lock()
	a.approved[strings.TrimSpace(cmd)] = true
	a.mu.Unlock()
}

func (a *Authorizer) isApproved(cmd string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.approved[cmd]
}

// Authorize evaluates req against the session profile. Load failures deny
// with the load error as reason.
func (a *Authorizer) Authorize(req Request) Decision {
	p, err := a.Profile()
	if err != nil {
		return deny("policy profile unavailable: %v", err)
	}
	return Authorize(req, p, a.isApproved)
}

// AllowsHost reports whether the session profile permits egress to host.
// Any load failure blocks.
func (a *Authorizer) AllowsHost(host string) bool {
	p, err := a.Profile()
	if err != nil {
		return false
	}
	return p.Network().Allows(host)
}

// AuthorizeSync decides whether a sync may run. Writes into a read-only
// world are denied.
func (a *Authorizer) AuthorizeSync(toWorld bool) Decision {
	p, err := a.Profile()
	if err != nil {
		return deny("policy profile unavailable: %v", err)
	}
	if toWorld && p.ReadOnly() {
		return Decision{Verdict: Deny, Reason: "world filesystem is read-only", ReadOnly: true}
	}
	return Decision{Verdict: Allow, ReadOnly: p.ReadOnly(), Network: p.Network()}
}
