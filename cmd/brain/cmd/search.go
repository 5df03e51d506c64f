package cmd

import (
	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/app"
)

func newSearchCmd() *cobra.Command {
	var topK int
	var projectID, schemaFilter string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search indexed memories with hybrid retrieval and reranking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			results, metrics, err := a.Search(ctx, args[0], app.SearchOptions{
				TopK:         topK,
				ProjectID:    projectID,
				SchemaFilter: schemaFilter,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"results": results,
				"metrics": metrics,
			})
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 0, "number of results to return (default from config)")
	cmd.Flags().StringVar(&projectID, "project", "", "restrict search to one project")
	cmd.Flags().StringVar(&schemaFilter, "schema", "", "restrict search to one schema_type")
	return cmd
}
