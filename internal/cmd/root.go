package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/faize-ai/world/internal/broker"
	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/logging"
	"github.com/faize-ai/world/internal/policy"
	"github.com/faize-ai/world/internal/protect"
	"github.com/faize-ai/world/internal/ptyclass"
	"github.com/faize-ai/world/internal/state"
	"github.com/faize-ai/world/internal/telemetry"
	"github.com/faize-ai/world/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile   string
	debug     bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "world",
	Short: "World - policy-gated execution and sync for an isolated guest",
	Long: `World runs commands inside an isolated guest (a VM or a scoped local
service) and keeps the host and the guest filesystem in sync.

Check that the world is reachable:
  world doctor

Run a command in the world:
  world exec -- npm test
  world exec --pty -- vim README.md

Bring changes back to the host:
  world sync --direction to_host`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// args classifies positional argument errors as user errors.
func userArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := validate(cmd, a); err != nil {
			return errs.Config(cmd.Name(), err)
		}
		return nil
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errs.Config(cmd.Name(), err)
	})
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.world/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: auto, text or json")
}

// app is what most commands need, built from the config file and flags.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	protect *protect.Set
	store   *state.Store
	auth    *policy.Authorizer
	tracer  *telemetry.Tracer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, errs.Config("config", err)
	}
	if cfg.Sync.HostRoot != "" {
		if abs, err := filepath.Abs(cfg.Sync.HostRoot); err == nil {
			cfg.Sync.HostRoot = abs
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	opts := logging.Options{Debug: debug, Format: logFormat}
	if cfg != nil {
		opts.Level = cfg.Log.Level
		if opts.Format == "" {
			opts.Format = cfg.Log.Format
		}
	}
	logger, err := logging.New(opts)
	if err != nil {
		return nil, errs.Config("logging", err)
	}
	return logger, nil
}

// newApp loads everything a broker command needs.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}

func buildApp(cfg *config.Config) (*app, error) {
	var err error
	a := &app{cfg: cfg}
	if a.log, err = newLogger(cfg); err != nil {
		return nil, err
	}
	if a.protect, err = protect.New(cfg.ProtectedPaths); err != nil {
		return nil, errs.Config("config", err)
	}
	if a.store, err = state.NewStore(cfg.StateDir); err != nil {
		return nil, errs.Internal("state", err)
	}
	a.auth = locatePolicy(cfg)
	a.tracer = newTracer(cfg, a.log)
	return a, nil
}

// locatePolicy finds the profile governing the current directory. A
// missing profile yields an Authorizer that denies everything.
func locatePolicy(cfg *config.Config) *policy.Authorizer {
	cwd, err := os.Getwd()
	if err != nil {
		return policy.NewAuthorizer("", err)
	}
	path, err := policy.Locate(cwd, cfg.PolicyDir)
	return policy.NewAuthorizer(path, err)
}

func newTracer(cfg *config.Config, log *logrus.Logger) *telemetry.Tracer {
	if !cfg.Telemetry.Enabled {
		return telemetry.NewTracer(cfg.SessionID)
	}
	sinks := []telemetry.Sink{telemetry.LogSink{Logger: log}}
	if cfg.Telemetry.TraceFile != "" {
		sink, err := telemetry.NewFileSink(cfg.Telemetry.TraceFile, cfg.Telemetry.MaxSizeMB, cfg.Telemetry.MaxBackups)
		if err != nil {
			log.WithError(err).Warn("trace file disabled")
		} else {
			sinks = append(sinks, sink)
		}
	}
	t := telemetry.NewTracer(cfg.SessionID, sinks...)
	t.OnExportError(func(err error) {
		log.WithError(err).Debug("span export failed")
	})
	return t
}

func (a *app) connector() *transport.Connector {
	return transport.NewConnector(a.cfg.Transport, a.log)
}

func (a *app) broker() (*broker.Broker, error) {
	classifier := ptyclass.Default()
	classifier.Interactive = append(classifier.Interactive, a.cfg.Interactive...)
	return broker.New(broker.Options{
		Config:     a.cfg,
		Dialer:     a.connector(),
		Authorizer: a.auth,
		Protect:    a.protect,
		Store:      a.store,
		Tracer:     a.tracer,
		Classifier: classifier,
		Logger:     a.log,
	})
}

// open connects a broker session.
func (a *app) open(cmd *cobra.Command) (*broker.Session, error) {
	b, err := a.broker()
	if err != nil {
		return nil, err
	}
	sess, err := b.Open(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to reach the world: %w", err)
	}
	return sess, nil
}
