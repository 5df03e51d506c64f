package cmd

import (
	"github.com/spf13/cobra"
)

func newConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass: cluster, compress, promote, forget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Consolidator.Run(ctx)
			if err != nil {
				return err
			}
			if err := a.Persist(); err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}
