package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/health"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
)

// daemonContext is cancelled by SIGINT or SIGTERM
func daemonContext(parent context.Context, logger *observability.Logger) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(observability.WithLogger(parent, logger), syscall.SIGINT, syscall.SIGTERM)
}

func newAutoAdminCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "autoadmin",
		Short: "Run the privileged daemon executing deferred POSIX commands",
		Long: `autoadmin polls the deferred command queue written by unprivileged API
workers and executes each command in order. It must run as root under the
full_server profile.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings()
			if err != nil {
				return err
			}
			if cfg.Profile.Name != config.FullServer {
				return fmt.Errorf("autoadmin requires the %s profile, not %s", config.FullServer, cfg.Profile.Name)
			}
			logger = logger.WithField("daemon", "autoadmin")
			ctx, stop := daemonContext(cmd.Context(), logger)
			defer stop()

			db, _, err := storage.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			daemon := posix.NewDaemon(posix.NewCommandStore(db), posix.NewExecutor(nil, nil), cfg.Daemon, logger, nil)
			return daemon.Run(ctx)
		},
	}
}

func newHealthCheckCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "health_check",
		Short: "Sample the host health on schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings()
			if err != nil {
				return err
			}
			logger = logger.WithField("daemon", "health_check")
			ctx, stop := daemonContext(cmd.Context(), logger)
			defer stop()

			db, _, err := storage.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			sampler := health.NewSampler(health.NewSystemProbe(cfg.Health.Mounts), health.NewStore(db), cfg.Health, logger, nil)
			if !once {
				return sampler.Run(ctx)
			}
			sample, err := sampler.SampleOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sample)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "take one sample, print it and exit")
	return cmd
}
