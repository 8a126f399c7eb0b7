package cmd

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/faize-ai/world/internal/agent"
	"github.com/faize-ai/world/internal/errs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	agentSocket  string
	agentRoot    string
	agentTCP     string
	agentScratch string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Guest-side agent commands",
}

var agentServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve broker connections inside the world",
	Long: `Run the world agent. It executes commands, relays pseudo-terminals and
serves sync requests for brokers connecting over the unix socket (and,
with --tcp, over a loopback TCP port for the tcp-bridge transport).

Examples:
  world agent serve
  world agent serve --socket /run/world/agent.sock --root /workspace
  world agent serve --tcp 127.0.0.1:17788`,
	Args: userArgs(cobra.NoArgs),
	RunE: runAgentServe,
}

func init() {
	agentServeCmd.Flags().StringVar(&agentSocket, "socket", "", "unix socket to listen on (default agent.socket)")
	agentServeCmd.Flags().StringVar(&agentRoot, "root", "", "default working directory (default agent.root)")
	agentServeCmd.Flags().StringVar(&agentTCP, "tcp", "", "also listen on this TCP address")
	agentServeCmd.Flags().StringVar(&agentScratch, "scratch-dir", "", "directory for isolated copies (default agent.scratch_dir)")
	agentCmd.AddCommand(agentServeCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	cfg := a.cfg.Agent
	if agentSocket != "" {
		cfg.Socket = agentSocket
	}
	if agentRoot != "" {
		cfg.Root = agentRoot
	}
	if agentScratch != "" {
		cfg.ScratchDir = agentScratch
	}

	srv := agent.New(agent.Options{
		Root:           cfg.Root,
		ScratchDir:     cfg.ScratchDir,
		Backend:        cfg.Backend,
		Version:        Version,
		MaxOutputBytes: int64(cfg.MaxOutputBytes),
		KillGrace:      a.cfg.Exec.KillGrace,
		DefaultTimeout: a.cfg.Exec.Timeout,
		Protect:        a.protect,
		Logger:         a.log,
	})

	listeners := []net.Listener{}
	ln, err := agent.Listen(cfg.Socket)
	if err != nil {
		return errs.Unsupported("agent", err)
	}
	listeners = append(listeners, ln)
	if agentTCP != "" {
		tl, err := net.Listen("tcp", agentTCP)
		if err != nil {
			ln.Close()
			return errs.Unsupported("agent", err)
		}
		listeners = append(listeners, tl)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.WithFields(logrus.Fields{"root": cfg.Root, "backend": cfg.Backend, "version": Version}).Info("starting agent")
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return srv.Serve(ctx, l) })
	}
	err = g.Wait()
	srv.Close()
	return err
}
