package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/observability"
)

func newMakeInstallCommand() *cobra.Command {
	var noSupport bool
	cmd := &cobra.Command{
		Use:   "makeinstall",
		Short: "Migrate the database and install every module",
		Long: `makeinstall applies the pending migrations, seeds the access level
lattices, writes a row for every module class and its entry points and
creates the support user. Running it again changes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings()
			if err != nil {
				return err
			}
			ctx := observability.WithLogger(cmd.Context(), logger)
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.install(ctx); err != nil {
				return err
			}
			if !noSupport {
				support, err := a.access.EnsureSupport(ctx)
				if err != nil {
					return err
				}
				logger.WithField("user", support.ID()).Info("Support user is present")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tALIAS\tCLASS\tENABLED")
			for _, class := range a.registry.Apps() {
				m, err := a.registry.ModuleByClass(ctx, class.Info().Class)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", m.UUID(), m.Alias(), m.Class(), m.IsEnabled())
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&noSupport, "no-support", false, "do not create the support user")
	return cmd
}
