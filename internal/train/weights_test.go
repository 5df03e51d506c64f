package train

import (
	"math"
	"testing"

	"github.com/brainkeep/externalbrain/internal/replay"
	"github.com/brainkeep/externalbrain/internal/search"
)

func TestTrainReturnsErrorOnEmptyInput(t *testing.T) {
	if _, err := Train(nil, DefaultOptions()); err == nil {
		t.Fatalf("expected error for empty feature set")
	}
}

func TestTrainWeightsSumToOneAndAreNonNegative(t *testing.T) {
	records := []replay.FeatureRecord{
		{Components: search.Components{MemoryStrength: 0.9, VectorSim: 0.8}, IsRelevant: true},
		{Components: search.Components{MemoryStrength: 0.1, VectorSim: 0.2}, IsRelevant: false},
		{Components: search.Components{MemoryStrength: 0.8, VectorSim: 0.7}, IsRelevant: true},
		{Components: search.Components{MemoryStrength: 0.05, VectorSim: 0.1}, IsRelevant: false},
	}
	weights, err := Train(records, Options{Epochs: 50, LearningRate: 0.2, L2: 0.01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := weights.MemoryStrength + weights.Recency + weights.RefsReliability +
		weights.BM25 + weights.Vector + weights.Metadata
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("expected weights to sum to 1.0, got %f", sum)
	}
	for name, v := range map[string]float64{
		"memory_strength":  weights.MemoryStrength,
		"recency":          weights.Recency,
		"refs_reliability": weights.RefsReliability,
		"bm25":             weights.BM25,
		"vector":           weights.Vector,
		"metadata":         weights.Metadata,
	} {
		if v < 0 {
			t.Fatalf("expected non-negative weight for %s, got %f", name, v)
		}
	}
}

func TestNormalizeFallsBackToUniformWhenAllWeightsNonPositive(t *testing.T) {
	weights := normalize([numFeatures]float64{-1, -2, 0, -0.5, -3, -1})
	want := 1.0 / numFeatures
	got := []float64{
		weights.MemoryStrength, weights.Recency, weights.RefsReliability,
		weights.BM25, weights.Vector, weights.Metadata,
	}
	for _, v := range got {
		if math.Abs(v-want) > 1e-9 {
			t.Fatalf("expected uniform fallback weight %f, got %f in %v", want, v, got)
		}
	}
}
