// Package network turns a profile's net_allowed patterns into a host
// allow list.
package network

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Preset domain groups
var Presets = map[string][]string{
	"npm":       {"registry.npmjs.org", "npmjs.com"},
	"pypi":      {"pypi.org", "files.pythonhosted.org"},
	"github":    {"github.com", "api.github.com", "raw.githubusercontent.com", "objects.githubusercontent.com"},
	"crates":    {"crates.io", "index.crates.io", "static.crates.io"},
	"goproxy":   {"proxy.golang.org", "sum.golang.org"},
	"anthropic": {"api.anthropic.com", "anthropic.com"},
	"openai":    {"api.openai.com", "openai.com"},
}

// Special values
const (
	NetworkAll  = "all"  // Allow all traffic
	NetworkAny  = "*"    // Same as all
	NetworkNone = "none" // No network access
)

// Policy represents network access permissions
type Policy struct {
	AllowAll  bool     `json:"allow_all,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	Wildcards []string `json:"wildcards,omitempty"`
}

// IsWildcard returns true if the domain is a wildcard pattern (*.example.com)
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// ValidateWildcard validates a wildcard pattern and returns an error if invalid.
// Valid: *.example.com (leading single-level wildcard)
// Invalid: *.com (TLD wildcard), **.example.com (recursive), sub.*.example.com (mid-level)
func ValidateWildcard(pattern string) error {
	if !IsWildcard(pattern) {
		return fmt.Errorf("not a wildcard pattern: %s", pattern)
	}
	if strings.Contains(pattern, "**") {
		return fmt.Errorf("recursive wildcards not supported: %s", pattern)
	}

	baseDomain := strings.TrimPrefix(pattern, "*.")
	if baseDomain == "" {
		return fmt.Errorf("invalid wildcard pattern: %s", pattern)
	}
	if strings.Contains(baseDomain, "*") {
		return fmt.Errorf("mid-level wildcards not supported: %s", pattern)
	}
	// Base domain must have at least one dot (example.com, not just com)
	if !strings.Contains(baseDomain, ".") {
		return fmt.Errorf("TLD wildcards not allowed: %s", pattern)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty network pattern")
	}
	if strings.Contains(domain, "*") {
		return fmt.Errorf("wildcards must lead the pattern: %s", domain)
	}
	if strings.ContainsAny(domain, " /\\@") {
		return fmt.Errorf("invalid domain: %s", domain)
	}
	return nil
}

// Parse converts net_allowed specs into a Policy. An empty list blocks all
// traffic; "all" or "*" anywhere allows all; "none" anywhere blocks all.
// Invalid patterns are errors so a bad profile never widens access.
func Parse(specs []string) (*Policy, error) {
	policy := &Policy{
		Domains:   []string{},
		Wildcards: []string{},
	}

	if len(specs) == 0 {
		policy.Blocked = true
		return policy, nil
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))
		if spec == NetworkNone {
			return &Policy{Blocked: true, Domains: []string{}, Wildcards: []string{}}, nil
		}
	}
	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))
		if spec == NetworkAll || spec == NetworkAny {
			return &Policy{AllowAll: true, Domains: []string{}, Wildcards: []string{}}, nil
		}
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))

		if presetDomains, ok := Presets[spec]; ok {
			policy.Domains = append(policy.Domains, presetDomains...)
			continue
		}
		if IsWildcard(spec) {
			if err := ValidateWildcard(spec); err != nil {
				return nil, err
			}
			policy.Wildcards = append(policy.Wildcards, spec)
			continue
		}
		if err := validateDomain(spec); err != nil {
			return nil, err
		}
		policy.Domains = append(policy.Domains, spec)
	}

	policy.Domains = deduplicateDomains(policy.Domains)
	policy.Wildcards = deduplicateDomains(policy.Wildcards)
	return policy, nil
}

// Allows reports whether host (optionally host:port) may be reached.
// A wildcard matches subdomains of its base, not the base itself.
func (p *Policy) Allows(host string) bool {
	if p == nil || p.Blocked {
		return false
	}
	if p.AllowAll {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return false
	}

	for _, d := range p.Domains {
		if host == d {
			return true
		}
	}
	for _, w := range p.Wildcards {
		if strings.HasSuffix(host, strings.TrimPrefix(w, "*")) {
			return true
		}
	}
	return false
}

// Hosts returns the allow list in a stable form suitable for handing to
// a guest egress filter: "*" for allow-all, nothing when blocked.
func (p *Policy) Hosts() []string {
	if p == nil || p.Blocked {
		return nil
	}
	if p.AllowAll {
		return []string{NetworkAny}
	}
	out := make([]string, 0, len(p.Domains)+len(p.Wildcards))
	out = append(out, p.Domains...)
	out = append(out, p.Wildcards...)
	sort.Strings(out)
	return out
}

func deduplicateDomains(domains []string) []string {
	seen := make(map[string]bool)
	result := []string{}

	for _, domain := range domains {
		if !seen[domain] {
			seen[domain] = true
			result = append(result, domain)
		}
	}
	return result
}
