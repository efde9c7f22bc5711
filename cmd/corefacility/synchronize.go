package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

func newSynchronizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "synchronize",
		Short: "Synchronize accounts with the enabled synchronization module",
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

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tLOGIN\tNAME\tSURNAME\tMESSAGE")
			steps, total := 0, 0
			err = synchronization.NewDriver(a.registry).Run(ctx, func(res *synchronization.Result) {
				steps++
				total += len(res.Details)
				for _, d := range res.Details {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Action, d.Login, d.Name, d.Surname, d.Message)
				}
			})
			if flushErr := w.Flush(); err == nil {
				err = flushErr
			}
			if err != nil {
				return err
			}
			logger.Infof("Synchronization finished after %d steps, %d accounts touched", steps, total)
			return nil
		},
	}
}
