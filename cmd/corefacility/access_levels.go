package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/observability"
)

func newAccessLevelsCommand() *cobra.Command {
	var levelType string
	cmd := &cobra.Command{
		Use:   "access_levels",
		Short: "Seed and print the access level lattices",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := []access.LevelType{access.ProjectLevels, access.AppLevels}
			switch levelType {
			case "":
			case string(access.ProjectLevels), string(access.AppLevels):
				types = []access.LevelType{access.LevelType(levelType)}
			default:
				return fmt.Errorf("unknown level type %q (must be %s or %s)", levelType, access.ProjectLevels, access.AppLevels)
			}

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

			levels := a.access.Levels()
			if err := levels.Seed(ctx); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tID\tALIAS\tNAME")
			for _, typ := range types {
				all, err := levels.All(ctx, typ)
				if err != nil {
					return err
				}
				for _, l := range all {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", l.Type, l.ID, l.Alias, l.Name)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&levelType, "type", "", "print only one lattice (prj or app)")
	return cmd
}
