// Package policy loads world profiles and authorizes execution and sync
// requests against them. Every failure path denies: a profile that is
// missing, unreadable or invalid never yields Allow.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/faize-ai/world/internal/network"
	"gopkg.in/yaml.v3"
)

// FsMode is the world filesystem mode.
type FsMode string

const (
	FsReadOnly FsMode = "read_only"
	FsWritable FsMode = "writable"
)

type WorldFS struct {
	Mode FsMode `yaml:"mode"`
}

// Limits are resource ceilings. Only MaxRuntimeMs is enforced by the
// broker (it caps the execution timeout); the rest are forwarded to the
// guest as metadata.
type Limits struct {
	MaxMemoryMB    *uint64 `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent  *uint32 `yaml:"max_cpu_percent,omitempty"`
	MaxRuntimeMs   *uint64 `yaml:"max_runtime_ms,omitempty"`
	MaxEgressBytes *uint64 `yaml:"max_egress_bytes,omitempty"`
}

// Profile is a world policy profile as stored in YAML.
type Profile struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	WorldFS             WorldFS           `yaml:"world_fs"`
	NetAllowed          []string          `yaml:"net_allowed"`
	CmdAllowed          []string          `yaml:"cmd_allowed"`
	CmdDenied           []string          `yaml:"cmd_denied"`
	CmdIsolated         []string          `yaml:"cmd_isolated"`
	RequireApproval     bool              `yaml:"require_approval"`
	PreApproved         []string          `yaml:"pre_approved,omitempty"`
	AllowShellOperators *bool             `yaml:"allow_shell_operators,omitempty"`
	Limits              Limits            `yaml:"limits,omitempty"`
	Metadata            map[string]string `yaml:"metadata,omitempty"`

	// Source is the file the profile was loaded from.
	Source string `yaml:"-"`

	net *network.Policy
}

// ShellOperatorsAllowed returns allow_shell_operators, true when omitted.
func (p *Profile) ShellOperatorsAllowed() bool {
	if p.AllowShellOperators == nil {
		return true
	}
	return *p.AllowShellOperators
}

// ReadOnly reports whether the world filesystem is read-only.
func (p *Profile) ReadOnly() bool {
	return p.WorldFS.Mode == FsReadOnly
}

// Network returns the parsed net_allowed list. Valid only after Validate.
func (p *Profile) Network() *network.Policy {
	return p.net
}

// Validate checks every field and parses net_allowed. A profile is usable
// only after Validate returns nil.
func (p *Profile) Validate() error {
	switch p.WorldFS.Mode {
	case FsReadOnly, FsWritable:
	case "":
		return errors.New("world_fs.mode is required (read_only or writable)")
	default:
		return fmt.Errorf("world_fs.mode %q is invalid (read_only or writable)", p.WorldFS.Mode)
	}

	lists := []struct {
		field    string
		patterns []string
	}{
		{"cmd_allowed", p.CmdAllowed},
		{"cmd_denied", p.CmdDenied},
		{"cmd_isolated", p.CmdIsolated},
		{"pre_approved", p.PreApproved},
	}
	for _, l := range lists {
		for i, pat := range l.patterns {
			if strings.TrimSpace(pat) == "" {
				return fmt.Errorf("%s[%d] is empty", l.field, i)
			}
			if isGlob(pat) {
				if _, err := compile(pat); err != nil {
					return fmt.Errorf("%s[%d] %q: %w", l.field, i, pat, err)
				}
			}
		}
	}

	net, err := network.Parse(p.NetAllowed)
	if err != nil {
		return fmt.Errorf("net_allowed: %w", err)
	}
	p.net = net

	if p.Limits.MaxRuntimeMs != nil && *p.Limits.MaxRuntimeMs == 0 {
		return errors.New("limits.max_runtime_ms must be positive")
	}
	return nil
}

// Parse decodes and validates a profile. Unknown fields are rejected so a
// typo (cmd_deny instead of cmd_denied) cannot silently drop a rule.
func Parse(data []byte) (*Profile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("profile is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("profile must contain a single YAML document")
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}

// Load reads and parses the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

// DefaultProfile returns the starter profile written by "world policy
// init".
func DefaultProfile() *Profile {
	allow := true
	p := &Profile{
		ID:         "default",
		Name:       "Default Policy",
		WorldFS:    WorldFS{Mode: FsWritable},
		NetAllowed: []string{},
		CmdAllowed: []string{},
		CmdDenied: []string{
			"rm -rf /*",
			"curl * | bash",
			"wget * | bash",
		},
		CmdIsolated: []string{
			"npm install",
			"pip install",
			"cargo install",
		},
		RequireApproval:     false,
		AllowShellOperators: &allow,
	}
	if err := p.Validate(); err != nil {
		panic("policy: default profile invalid: " + err.Error())
	}
	return p
}

// Marshal encodes p as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
