package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/supervisor"
)

func newSuperviseCommand() *cobra.Command {
	var withServer bool
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the daemons as children and restart them when needed",
		Long: `supervise starts health_check and, under full_server without root
privileges for the API workers, autoadmin. A child that exits with an error
or grows beyond the virtual memory ceiling is restarted. A change of the
configuration file restarts every child.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings()
			if err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate the executable: %w", err)
			}

			children := superviseChildren(self, cfg, withServer)
			sup := supervisor.New(children, cfg.Supervisor, cfg.File, logger.WithField("daemon", "supervisor"), nil)
			return sup.Run(observability.WithLogger(cmd.Context(), logger))
		},
	}
	cmd.Flags().BoolVar(&withServer, "serve", false, "supervise the API server too")
	return cmd
}

// superviseChildren lists the processes the profile needs
func superviseChildren(self string, cfg *config.Config, withServer bool) []supervisor.Child {
	children := []supervisor.Child{{Name: "health_check", Path: self, Args: []string{"health_check"}}}
	if cfg.Profile.PosixMode() == config.PosixDeferred {
		children = append(children, supervisor.Child{Name: "autoadmin", Path: self, Args: []string{"autoadmin"}})
	}
	if withServer {
		children = append(children, supervisor.Child{Name: "serve", Path: self, Args: []string{"serve"}})
	}
	return children
}
