package cmd

import (
	"github.com/spf13/cobra"
)

func newReferenceCmd() *cobra.Command {
	var outcome string

	cmd := &cobra.Command{
		Use:   "reference [memory-id]",
		Short: "Record that a memory was referenced, with its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RecordReference(ctx, args[0], outcome); err != nil {
				return err
			}
			return printJSON(map[string]string{"memory_id": args[0], "outcome": outcome})
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "what happened when the memory was used (e.g. helped, wrong, stale)")
	return cmd
}
