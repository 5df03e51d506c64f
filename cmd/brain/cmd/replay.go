package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/replay"
	"github.com/brainkeep/externalbrain/internal/search"
)

// fixtureFile mirrors replay.Fixture for JSON decoding of a regression file.
type fixtureFile struct {
	Query               string   `json:"query"`
	ExpectedRelevantIDs []string `json:"expected_relevant_ids"`
	ProjectID           string   `json:"project_id,omitempty"`
	SchemaFilter        string   `json:"schema_filter,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var fixturesPath string
	var topK int
	var baselinePrecision float64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a fixture file against the live pipeline and check the regression gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			raw, err := os.ReadFile(fixturesPath)
			if err != nil {
				return fmt.Errorf("reading fixtures: %w", err)
			}
			var decoded []fixtureFile
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return fmt.Errorf("parsing fixtures: %w", err)
			}
			fixtures := make([]replay.Fixture, 0, len(decoded))
			for _, f := range decoded {
				fixtures = append(fixtures, replay.Fixture{
					Query:               f.Query,
					ExpectedRelevantIDs: f.ExpectedRelevantIDs,
					ProjectID:           f.ProjectID,
					SchemaFilter:        f.SchemaFilter,
				})
			}

			k := topK
			if k <= 0 {
				k = a.Config.Vector.TopK
			}
			weights := search.Weights{
				MemoryStrength:  a.Config.Weights.MemoryStrength,
				Recency:         a.Config.Weights.Recency,
				RefsReliability: a.Config.Weights.RefsReliability,
				BM25:            a.Config.Weights.BM25,
				Vector:          a.Config.Weights.Vector,
				Metadata:        a.Config.Weights.Metadata,
				RecencyTauDays:  a.Config.Weights.RecencyTauDays,
			}
			runner := replay.New(a.Engine, a.Reranker, weights, k)
			report, features, err := runner.Run(ctx, fixtures)
			if err != nil {
				return err
			}

			gate := replay.Gate(report, baselinePrecision, a.Config.Consolidation)
			return printJSON(map[string]interface{}{
				"report":   report,
				"gate":     gate,
				"features": features,
			})
		},
	}

	cmd.Flags().StringVar(&fixturesPath, "fixtures", "", "path to a JSON array of {query, expected_relevant_ids} fixtures")
	_ = cmd.MarkFlagRequired("fixtures")
	cmd.Flags().IntVar(&topK, "top-k", 0, "top_k for each replayed query (default from config)")
	cmd.Flags().Float64Var(&baselinePrecision, "baseline-precision", 0, "prior macro_precision@k to gate against")
	return cmd
}
