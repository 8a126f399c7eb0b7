package cmd

import (
	"os"

	"github.com/faize-ai/world/internal/doctor"
	"github.com/spf13/cobra"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check world health",
	Long: `Run health checks on the world: configuration, transport reachability,
the guest agent, the policy profile, the protected path set and the last
recorded failures.

The exit code is 0 when no check fails, otherwise the code of the first
failing check.

Examples:
  world doctor
  world doctor --json`,
	Args: userArgs(cobra.NoArgs),
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	d := &doctor.Doctor{}

	cfg, err := loadConfig()
	if err == nil {
		var a *app
		if a, err = buildApp(cfg); err == nil {
			d.Config = a.cfg
			d.Dialer = a.connector()
			d.Authorizer = a.auth
			d.Protect = a.protect
			d.Store = a.store
			d.Logger = a.log
		}
	}
	if err != nil {
		d.ConfigErr = err
		if d.Logger, err = newLogger(nil); err != nil {
			return err
		}
	}

	report := d.Run(cmd.Context())
	if doctorJSON {
		err = report.WriteJSON(os.Stdout)
	} else {
		err = report.WriteText(os.Stdout)
	}
	if err != nil {
		return err
	}
	return report.Err()
}
