// Package train fits the §4.8 fusion weights offline from feature exports
// produced by a replay run: a small logistic regression over each
// candidate's composite-score components against its binary relevance
// label, matching scripts/train_rerank_weights.py's hand-rolled gradient
// descent rather than pulling in a numerical library the ecosystem doesn't
// otherwise need.
package train

import (
	"errors"
	"math"

	"github.com/brainkeep/externalbrain/internal/replay"
	"github.com/brainkeep/externalbrain/internal/search"
)

var errNoFeatureRows = errors.New("train: no feature rows")

// Options configures the training run.
type Options struct {
	Epochs       int
	LearningRate float64
	L2           float64
}

// DefaultOptions mirrors the original trainer's defaults.
func DefaultOptions() Options {
	return Options{Epochs: 400, LearningRate: 0.2, L2: 0.01}
}

const numFeatures = 6

// row is one feature vector in the fixed order [memory_strength, recency,
// refs_reliability, bm25, vector, metadata].
type row struct {
	features [numFeatures]float64
	label    float64
}

func toRow(f replay.FeatureRecord) row {
	label := 0.0
	if f.IsRelevant {
		label = 1.0
	}
	return row{
		features: [numFeatures]float64{
			f.Components.MemoryStrength,
			f.Components.Recency,
			f.Components.RefsReliability,
			f.Components.BM25Norm,
			f.Components.VectorSim,
			f.Components.MetadataBonus,
		},
		label: label,
	}
}

// Train fits weights from feature records gathered across one or more
// replay runs, returning normalized non-negative weights summing to 1.0
// (RecencyTauDays is a separate knob and is left untouched by the caller).
func Train(records []replay.FeatureRecord, opts Options) (search.Weights, error) {
	if len(records) == 0 {
		return search.Weights{}, errNoFeatureRows
	}
	if opts.Epochs <= 0 {
		opts = DefaultOptions()
	}

	rows := make([]row, len(records))
	for i, r := range records {
		rows[i] = toRow(r)
	}

	var w [numFeatures]float64
	for i := range w {
		w[i] = 0.1
	}
	bias := 0.0
	n := float64(len(rows))

	for e := 0; e < opts.Epochs; e++ {
		var grad [numFeatures]float64
		gradBias := 0.0

		for _, rw := range rows {
			z := bias
			for i := 0; i < numFeatures; i++ {
				z += w[i] * rw.features[i]
			}
			pred := sigmoid(z)
			errTerm := pred - rw.label
			gradBias += errTerm
			for i := 0; i < numFeatures; i++ {
				grad[i] += errTerm*rw.features[i] + opts.L2*w[i]
			}
		}

		bias -= opts.LearningRate * (gradBias / n)
		for i := 0; i < numFeatures; i++ {
			w[i] -= opts.LearningRate * (grad[i] / n)
		}
	}

	return normalize(w), nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// normalize clamps every weight to non-negative and rescales so they sum to
// 1.0, falling back to a uniform split if training collapsed to all-zero or
// negative weights (mirrors the original's fallback in normalize_weights).
func normalize(w [numFeatures]float64) search.Weights {
	positive := [numFeatures]float64{}
	total := 0.0
	for i := range w {
		if w[i] > 0 {
			positive[i] = w[i]
		}
		total += positive[i]
	}
	if total <= 0 {
		for i := range positive {
			positive[i] = 1.0
		}
		total = float64(numFeatures)
	}
	return search.Weights{
		MemoryStrength:  positive[0] / total,
		Recency:         positive[1] / total,
		RefsReliability: positive[2] / total,
		BM25:            positive[3] / total,
		Vector:          positive[4] / total,
		Metadata:        positive[5] / total,
	}
}
