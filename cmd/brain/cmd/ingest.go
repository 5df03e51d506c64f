package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var user, assistant, source, projectID, externalID string
	var refs []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a (user, assistant) exchange as a new or updated memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec := ingest.Record{
				User:      user,
				Assistant: assistant,
				Source:    source,
				Refs:      refs,
				Timestamp: time.Now(),
				ProjectID: projectID,
			}
			if externalID != "" {
				rec.Metadata = map[string]string{"external_id": externalID}
			}

			id, err := a.Ingest(ctx, rec)
			if err != nil {
				return err
			}
			if err := a.Persist(); err != nil {
				return err
			}
			return printJSON(map[string]string{"memory_id": id})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "the user's turn")
	cmd.Flags().StringVar(&assistant, "assistant", "", "the assistant's turn")
	cmd.Flags().StringVar(&source, "source", "manual", "origin tag for the exchange")
	cmd.Flags().StringVar(&projectID, "project", "", "project id to attach this memory to")
	cmd.Flags().StringVar(&externalID, "external-id", "", "idempotency key for repeated ingestion")
	cmd.Flags().StringSliceVar(&refs, "ref", nil, "a reference URL or path (repeatable)")
	return cmd
}
