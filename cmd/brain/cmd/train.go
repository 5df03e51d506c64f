package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/replay"
	"github.com/brainkeep/externalbrain/internal/search"
	"github.com/brainkeep/externalbrain/internal/train"
)

func newTrainCmd() *cobra.Command {
	var fixturesPath string
	var epochs int
	var learningRate, l2 float64

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit fusion weights offline from a replay run's feature export",
		Long: `train replays a fixture file through the live pipeline to collect
per-candidate feature breakdowns, then fits new fusion weights against
each candidate's relevance label. The fitted weights are printed, not
written to config — copy them into the weights block of
.externalbrain.yaml by hand after review.`,
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

			weights := search.Weights{
				MemoryStrength:  a.Config.Weights.MemoryStrength,
				Recency:         a.Config.Weights.Recency,
				RefsReliability: a.Config.Weights.RefsReliability,
				BM25:            a.Config.Weights.BM25,
				Vector:          a.Config.Weights.Vector,
				Metadata:        a.Config.Weights.Metadata,
				RecencyTauDays:  a.Config.Weights.RecencyTauDays,
			}
			runner := replay.New(a.Engine, a.Reranker, weights, a.Config.Vector.TopK)
			_, features, err := runner.Run(ctx, fixtures)
			if err != nil {
				return err
			}

			opts := train.DefaultOptions()
			if epochs > 0 {
				opts.Epochs = epochs
			}
			if learningRate > 0 {
				opts.LearningRate = learningRate
			}
			if l2 > 0 {
				opts.L2 = l2
			}
			fitted, err := train.Train(features, opts)
			if err != nil {
				return fmt.Errorf("fitting weights: %w", err)
			}
			return printJSON(fitted)
		},
	}

	cmd.Flags().StringVar(&fixturesPath, "fixtures", "", "path to a JSON array of {query, expected_relevant_ids} fixtures")
	_ = cmd.MarkFlagRequired("fixtures")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "training epochs (default from train.DefaultOptions)")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 0, "gradient descent step size (default from train.DefaultOptions)")
	cmd.Flags().Float64Var(&l2, "l2", 0, "L2 regularization strength (default from train.DefaultOptions)")
	return cmd
}
