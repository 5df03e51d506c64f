package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, vec []float32) *VectorRecord {
	return &VectorRecord{ID: id, Vector: vec, Document: "doc-" + id}
}

// TS01: Add and Search
func TestHNSWVectorStore_AddAndSearch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	records := []*VectorRecord{
		rec("a", []float32{1, 0, 0, 0}),
		rec("b", []float32{0, 1, 0, 0}),
		rec("c", []float32{0.9, 0.1, 0, 0}),
	}
	require.NoError(t, store.Add(context.Background(), records))

	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWVectorStore_SearchWithMetadataFilter(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	a := rec("a", []float32{1, 0, 0, 0})
	a.Metadata = map[string]string{"project_id": "p1", "schema_type": "note"}
	b := rec("b", []float32{0.99, 0.01, 0, 0})
	b.Metadata = map[string]string{"project_id": "p2", "schema_type": "note"}
	require.NoError(t, store.Add(context.Background(), []*VectorRecord{a, b}))

	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 1, VectorFilter{"project_id": "p2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestHNSWVectorStore_GetAndUpdateMetadata(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{1, 0, 0, 0})}))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", got.Document)
	assert.Empty(t, got.Metadata)

	require.NoError(t, store.UpdateMetadata(context.Background(), "a", map[string]string{"tag": "x"}))
	got, err = store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Metadata["tag"])

	_, err = store.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestHNSWVectorStore_Delete(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	records := []*VectorRecord{rec("a", []float32{1, 0, 0, 0}), rec("b", []float32{0, 1, 0, 0})}
	require.NoError(t, store.Add(context.Background(), records))

	require.NoError(t, store.Delete(context.Background(), []string{"a"}))
	assert.False(t, store.Contains("a"))
	assert.Equal(t, 1, store.Count())
	assert.True(t, store.Contains("b"))
}

func TestHNSWVectorStore_Update(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{1, 0, 0, 0})}))
	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{0, 1, 0, 0})}))

	assert.Equal(t, 1, store.Count())

	results, err := store.Search(context.Background(), []float32{0, 1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWVectorStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	indexPath := filepath.Join(tmpDir, "vectors.hnsw")

	cfg := DefaultVectorStoreConfig(4)
	store1, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)

	records := []*VectorRecord{rec("a", []float32{1, 0, 0, 0}), rec("b", []float32{0, 1, 0, 0})}
	require.NoError(t, store1.Add(context.Background(), records))

	require.NoError(t, store1.Save(indexPath))
	require.NoError(t, store1.Close())

	store2, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	require.NoError(t, store2.Load(indexPath))
	assert.Equal(t, 2, store2.Count())
	assert.True(t, store2.Contains("a"))

	results, err := store2.Search(context.Background(), []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "doc-a", results[0].Document)
}

func TestHNSWVectorStore_BatchSearch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	records := []*VectorRecord{
		rec("a", []float32{1, 0, 0, 0}),
		rec("b", []float32{0, 1, 0, 0}),
		rec("c", []float32{0, 0, 1, 0}),
	}
	require.NoError(t, store.Add(context.Background(), records))

	r1, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	r2, err := store.Search(context.Background(), []float32{0, 1, 0, 0}, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, "a", r1[0].ID)
	assert.Equal(t, "b", r2[0].ID)
}

func TestHNSWVectorStore_EmptySearch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWVectorStore_DimensionMismatch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(768)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Add(context.Background(), []*VectorRecord{rec("test", make([]float32, 256))})
	require.Error(t, err)
	var dimErr ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 768, dimErr.Expected)
	assert.Equal(t, 256, dimErr.Got)
}

func TestHNSWVectorStore_AddEmpty(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), nil))
	assert.Equal(t, 0, store.Count())
}

func TestHNSWVectorStore_DeleteNonExistent(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Delete(context.Background(), []string{"nonexistent"}))
}

func TestHNSWVectorStore_CloseIdempotent(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestHNSWVectorStore_SearchAfterClose(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, err = store.Search(context.Background(), []float32{1, 0, 0, 0}, 10, nil)
	require.Error(t, err)
}

func TestHNSWVectorStore_SearchDimensionMismatch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{1, 0, 0, 0})}))

	_, err = store.Search(context.Background(), []float32{1, 0}, 10, nil)
	require.Error(t, err)
	var dimErr ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWVectorStore_Stats_AfterUpdate(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{1, 0, 0, 0})}))
	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{0, 1, 0, 0})}))

	stats := store.Stats()
	assert.Equal(t, 1, stats.ValidIDs)
	assert.Equal(t, 2, stats.GraphNodes)
	assert.Equal(t, 1, stats.Orphans)
}

func normalizeVector(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	magnitude := float32(math.Sqrt(sumSquares))
	for i := range v {
		v[i] /= magnitude
	}
}

func TestHNSWVectorStore_F16LikePrecision(t *testing.T) {
	cfg := VectorStoreConfig{Dimensions: 768, Metric: "cos", M: 32, EfSearch: 64}
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	vector := make([]float32, 768)
	for i := range vector {
		vector[i] = float32(i) / 768.0
	}
	normalizeVector(vector)

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("test", vector)}))

	results, err := store.Search(context.Background(), vector, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "test", results[0].ID)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWVectorStore_ConcurrentAddAndSearch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{
		rec("a", []float32{1, 0, 0, 0}),
		rec("b", []float32{0, 1, 0, 0}),
	}))

	const goroutines = 10
	const opsPerGoroutine = 50
	done := make(chan bool, goroutines*2)

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < opsPerGoroutine; j++ {
				_, _ = store.Search(context.Background(), []float32{1, 0, 0, 0}, 2, nil)
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			for j := 0; j < opsPerGoroutine; j++ {
				id := fmt.Sprintf("concurrent_%d_%d", i, j)
				vec := []float32{float32(i), float32(j), 0, 0}
				normalizeVector(vec)
				_ = store.Add(context.Background(), []*VectorRecord{rec(id, vec)})
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines*2; i++ {
		<-done
	}

	assert.True(t, store.Count() > 2)
}

func TestHNSWVectorStore_LazyDeletionOrphanCount(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", []float32{1, 0, 0, 0})}))

	for i := 0; i < 5; i++ {
		vec := []float32{0.9, 0.1 * float32(i+1), 0, 0}
		require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("a", vec)}))
	}

	assert.Equal(t, 1, store.Count())

	stats := store.Stats()
	assert.True(t, stats.Orphans >= 5)

	results, err := store.Search(context.Background(), []float32{0.9, 0.5, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestNormalizeVectorInPlace_NormalVector(t *testing.T) {
	v := []float32{3, 4, 0, 0}
	normalizeVectorInPlace(v)

	length := float32(0)
	for _, val := range v {
		length += val * val
	}
	length = float32(math.Sqrt(float64(length)))
	assert.InDelta(t, 1.0, float64(length), 0.0001)
	assert.InDelta(t, 0.6, float64(v[0]), 0.0001)
	assert.InDelta(t, 0.8, float64(v[1]), 0.0001)
}

func TestNormalizeVectorInPlace_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0, 0}
	normalizeVectorInPlace(v)
	for _, val := range v {
		assert.False(t, math.IsNaN(float64(val)))
		assert.Equal(t, float32(0), val)
	}
}

func TestDistanceToScore_Cosine(t *testing.T) {
	tests := []struct {
		distance float32
		expected float32
	}{
		{0.0, 1.0},
		{1.0, 0.5},
		{2.0, 0.0},
	}
	for _, tc := range tests {
		result := distanceToScore(tc.distance, "cos")
		assert.InDelta(t, tc.expected, result, 0.001)
	}
}

func TestDistanceToScore_L2(t *testing.T) {
	tests := []struct {
		distance float32
		expected float32
	}{
		{0.0, 1.0},
		{1.0, 0.5},
		{3.0, 0.25},
	}
	for _, tc := range tests {
		result := distanceToScore(tc.distance, "l2")
		assert.InDelta(t, tc.expected, result, 0.001)
	}
}

func TestHNSWVectorStore_Save_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	indexPath := filepath.Join(tmpDir, "nested", "deep", "index.hnsw")

	cfg := DefaultVectorStoreConfig(64)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("v1", make([]float32, 64))}))
	require.NoError(t, store.Save(indexPath))

	_, err = os.Stat(indexPath)
	assert.NoError(t, err)
	_, err = os.Stat(indexPath + ".meta")
	assert.NoError(t, err)
}

func TestHNSWVectorStore_Load_CorruptedMeta(t *testing.T) {
	tmpDir := t.TempDir()
	indexPath := filepath.Join(tmpDir, "test.hnsw")

	cfg := DefaultVectorStoreConfig(64)
	store1, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store1.Add(context.Background(), []*VectorRecord{rec("v1", make([]float32, 64))}))
	require.NoError(t, store1.Save(indexPath))
	require.NoError(t, store1.Close())

	require.NoError(t, os.WriteFile(indexPath+".meta", []byte("invalid gob data"), 0644))

	store2, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)
	defer store2.Close()

	err = store2.Load(indexPath)
	require.Error(t, err)
}

func TestReadHNSWVectorStoreDimensions_AfterSave(t *testing.T) {
	tmpDir := t.TempDir()
	vectorPath := filepath.Join(tmpDir, "vectors.hnsw")

	cfg := DefaultVectorStoreConfig(768)
	store, err := NewHNSWVectorStore(cfg)
	require.NoError(t, err)

	vec := make([]float32, 768)
	for i := range vec {
		vec[i] = float32(i) / 768.0
	}
	require.NoError(t, store.Add(context.Background(), []*VectorRecord{rec("test-id", vec)}))
	require.NoError(t, store.Save(vectorPath))
	require.NoError(t, store.Close())

	dim, err := ReadHNSWVectorStoreDimensions(vectorPath)
	require.NoError(t, err)
	assert.Equal(t, 768, dim)
}
