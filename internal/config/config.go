package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override (WORLD_ENABLED,
// WORLD_SESSION_ID, WORLD_SYNC_SIZE_GUARD_BYTES, ...).
const EnvPrefix = "WORLD"

// HardcodedProtectedPaths are credential stores that are never synced in
// either direction, whatever the user config says. They are merged into
// ProtectedPaths after the user's entries are read.
var HardcodedProtectedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.config/gcloud",
	"~/.gnupg",
	"~/.password-store",
	"~/.docker/config.json",
}

// Strategy names, in the default order of preference.
const (
	StrategyUnix      = "unix"
	StrategySSH       = "ssh-forward"
	StrategyTCPBridge = "tcp-bridge"
)

// Config represents the world broker configuration
type Config struct {
	Enabled        bool      `mapstructure:"enabled"`
	SessionID      string    `mapstructure:"session_id"`
	StateDir       string    `mapstructure:"state_dir"`
	PolicyDir      string    `mapstructure:"policy_dir"`
	ProtectedPaths []string  `mapstructure:"protected_paths"`
	Interactive    []string  `mapstructure:"interactive"`
	Transport      Transport `mapstructure:"transport"`
	Exec           Exec      `mapstructure:"exec"`
	Sync           Sync      `mapstructure:"sync"`
	Telemetry      Telemetry `mapstructure:"telemetry"`
	Agent          Agent     `mapstructure:"agent"`
	Log            Log       `mapstructure:"log"`

	// File is the config file that was read, empty when defaults were used.
	File string `mapstructure:"-"`
}

// Transport selects and tunes the connection to the guest agent.
type Transport struct {
	Strategies     []string      `mapstructure:"strategies"`
	Socket         string        `mapstructure:"socket"`
	SSH            SSH           `mapstructure:"ssh"`
	TCP            TCP           `mapstructure:"tcp"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retry          Retry         `mapstructure:"retry"`
}

// SSH configures the forwarded-socket strategy.
type SSH struct {
	Binary       string `mapstructure:"binary"`
	Host         string `mapstructure:"host"`
	ConfigFile   string `mapstructure:"config_file"`
	RemoteSocket string `mapstructure:"remote_socket"`
	LocalSocket  string `mapstructure:"local_socket"`
}

// TCP configures the TCP bridge strategy. When Relay is empty and an ssh
// host is configured, the bridge is an ssh TCP forward to the remote
// socket.
type TCP struct {
	Address string   `mapstructure:"address"`
	Relay   []string `mapstructure:"relay"`
}

// Retry is the reconnect backoff.
type Retry struct {
	Attempts   int           `mapstructure:"attempts"`
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type Exec struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	KillGrace       time.Duration `mapstructure:"kill_grace"`
	TranscriptBytes int           `mapstructure:"transcript_bytes"`
}

// Sync holds the defaults a SyncPlan is derived from.
type Sync struct {
	HostRoot       string        `mapstructure:"host_root"`
	WorldRoot      string        `mapstructure:"world_root"`
	Direction      string        `mapstructure:"direction"`
	ConflictPolicy string        `mapstructure:"conflict_policy"`
	Excludes       []string      `mapstructure:"excludes"`
	SizeGuardBytes uint64        `mapstructure:"size_guard_bytes"`
	AutoInterval   time.Duration `mapstructure:"auto_interval"`
	AutoWatch      bool          `mapstructure:"auto_watch"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Telemetry configures span export. Trace files rotate at MaxSizeMB and
// keep MaxBackups old files.
type Telemetry struct {
	Enabled    bool   `mapstructure:"enabled"`
	TraceFile  string `mapstructure:"trace_file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Agent configures "world agent serve" inside the guest.
type Agent struct {
	Socket         string `mapstructure:"socket"`
	Root           string `mapstructure:"root"`
	ScratchDir     string `mapstructure:"scratch_dir"`
	Backend        string `mapstructure:"backend"`
	MaxOutputBytes int    `mapstructure:"max_output_bytes"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads the configuration from file, or from ~/.world/config.yaml
// when file is empty, and applies WORLD_* environment overrides. A
// missing default config file is not an error; a missing explicit one is.
func Load(file string) (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return load(viper.New(), file, dir)
}

func load(v *viper.Viper, file, dir string) (*Config, error) {
	if file != "" {
		expanded, err := homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	cfg.StateDir = expandPath(cfg.StateDir)
	cfg.PolicyDir = expandPath(cfg.PolicyDir)
	cfg.Transport.Socket = expandPath(cfg.Transport.Socket)
	cfg.Transport.SSH.ConfigFile = expandPath(cfg.Transport.SSH.ConfigFile)
	cfg.Transport.SSH.LocalSocket = expandPath(cfg.Transport.SSH.LocalSocket)
	cfg.Sync.HostRoot = expandPath(cfg.Sync.HostRoot)
	cfg.Telemetry.TraceFile = expandPath(cfg.Telemetry.TraceFile)
	cfg.Agent.Socket = expandPath(cfg.Agent.Socket)
	cfg.Agent.ScratchDir = expandPath(cfg.Agent.ScratchDir)

	// Merge hardcoded protected paths (cannot be overridden), plus the
	// broker's own state.
	hardcoded := append(expandPaths(HardcodedProtectedPaths), cfg.StateDir)
	cfg.ProtectedPaths = mergeProtectedPaths(expandPaths(cfg.ProtectedPaths), hardcoded)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("enabled", true)
	v.SetDefault("session_id", "")
	v.SetDefault("state_dir", filepath.Join(dir, "state"))
	v.SetDefault("policy_dir", dir)
	v.SetDefault("protected_paths", []string{})
	v.SetDefault("interactive", []string{})

	v.SetDefault("transport.strategies", []string{StrategyUnix, StrategySSH, StrategyTCPBridge})
	v.SetDefault("transport.socket", defaultSocket())
	v.SetDefault("transport.ssh.binary", "ssh")
	v.SetDefault("transport.ssh.host", "")
	v.SetDefault("transport.ssh.config_file", "")
	v.SetDefault("transport.ssh.remote_socket", "/run/world/agent.sock")
	v.SetDefault("transport.ssh.local_socket", filepath.Join(dir, "run", "forward.sock"))
	v.SetDefault("transport.tcp.address", "127.0.0.1:17788")
	v.SetDefault("transport.tcp.relay", []string{})
	v.SetDefault("transport.connect_timeout", 5*time.Second)
	v.SetDefault("transport.retry.attempts", 3)
	v.SetDefault("transport.retry.initial", 100*time.Millisecond)
	v.SetDefault("transport.retry.max", 10*time.Second)
	v.SetDefault("transport.retry.multiplier", 2.0)

	v.SetDefault("exec.timeout", 30*time.Minute)
	v.SetDefault("exec.kill_grace", 2*time.Second)
	v.SetDefault("exec.transcript_bytes", 1<<20)

	v.SetDefault("sync.host_root", ".")
	v.SetDefault("sync.world_root", "/workspace")
	v.SetDefault("sync.direction", "to_host")
	v.SetDefault("sync.conflict_policy", "manual")
	v.SetDefault("sync.excludes", []string{"node_modules", "target", ".venv"})
	v.SetDefault("sync.size_guard_bytes", uint64(100<<20))
	v.SetDefault("sync.auto_interval", time.Duration(0))
	v.SetDefault("sync.auto_watch", true)
	v.SetDefault("sync.timeout", 10*time.Minute)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.trace_file", filepath.Join(dir, "trace.jsonl"))
	v.SetDefault("telemetry.max_size_mb", 100)
	v.SetDefault("telemetry.max_backups", 3)

	v.SetDefault("agent.socket", "/run/world/agent.sock")
	v.SetDefault("agent.root", "/workspace")
	v.SetDefault("agent.scratch_dir", "")
	v.SetDefault("agent.backend", runtime.GOOS)
	v.SetDefault("agent.max_output_bytes", 64<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

func defaultSocket() string {
	if runtime.GOOS == "linux" {
		return "/run/world/agent.sock"
	}
	return "~/.world/run/agent.sock"
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	if len(c.Transport.Strategies) == 0 {
		return errors.New("transport.strategies must name at least one strategy")
	}
	for _, s := range c.Transport.Strategies {
		if !slices.Contains([]string{StrategyUnix, StrategySSH, StrategyTCPBridge}, s) {
			return fmt.Errorf("transport.strategies: unknown strategy %q", s)
		}
	}
	if c.Transport.ConnectTimeout <= 0 {
		return errors.New("transport.connect_timeout must be positive")
	}
	if c.Transport.Retry.Attempts < 1 {
		return errors.New("transport.retry.attempts must be at least 1")
	}
	if c.Transport.Retry.Multiplier < 1 {
		return errors.New("transport.retry.multiplier must be at least 1")
	}
	switch c.Sync.Direction {
	case "to_host", "to_world":
	default:
		return fmt.Errorf("sync.direction %q is invalid (to_host or to_world)", c.Sync.Direction)
	}
	switch c.Sync.ConflictPolicy {
	case "prefer_host", "prefer_world", "manual":
	default:
		return fmt.Errorf("sync.conflict_policy %q is invalid (prefer_host, prefer_world or manual)", c.Sync.ConflictPolicy)
	}
	if c.Exec.Timeout < 0 || c.Sync.Timeout < 0 || c.Sync.AutoInterval < 0 {
		return errors.New("timeouts and intervals cannot be negative")
	}
	return nil
}

// expandPath expands ~ to the home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// expandPaths expands ~ in paths to home directory
func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, path := range paths {
		expanded[i] = expandPath(path)
	}
	return expanded
}

// ConfigDir returns the world configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".world"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}

// mergeProtectedPaths merges two lists of protected paths, removing
// duplicates. The hardcoded paths are always included regardless of user
// config.
func mergeProtectedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	for _, path := range hardcodedPaths {
		if path != "" && !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	for _, path := range userPaths {
		if path != "" && !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	return result
}
