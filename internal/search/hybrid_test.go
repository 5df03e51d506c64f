package search

import (
	"context"
	"testing"
	"time"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/store"
)

type fakeLexical struct {
	results []*store.LexicalResult
	err     error
}

func (f *fakeLexical) AddDocument(ctx context.Context, id, text string) error  { return nil }
func (f *fakeLexical) Get(ctx context.Context, id string) (string, bool, error) { return "", false, nil }
func (f *fakeLexical) Delete(ctx context.Context, ids []string) error          { return nil }
func (f *fakeLexical) Search(ctx context.Context, query string, topK int) ([]*store.LexicalResult, error) {
	return f.results, f.err
}
func (f *fakeLexical) AllIDs() ([]string, error)      { return nil, nil }
func (f *fakeLexical) Count() *store.LexicalStats      { return &store.LexicalStats{} }
func (f *fakeLexical) Snapshot(path string) error      { return nil }
func (f *fakeLexical) Restore(path string) error       { return nil }
func (f *fakeLexical) Close() error                    { return nil }

type fakeVector struct {
	results []*store.VectorResult
	err     error
}

func (f *fakeVector) Add(ctx context.Context, records []*store.VectorRecord) error { return nil }
func (f *fakeVector) Get(ctx context.Context, id string) (*store.VectorRecord, error) {
	return nil, nil
}
func (f *fakeVector) UpdateMetadata(ctx context.Context, id string, meta map[string]string) error {
	return nil
}
func (f *fakeVector) Delete(ctx context.Context, ids []string) error { return nil }
func (f *fakeVector) Search(ctx context.Context, query []float32, topK int, filter store.VectorFilter) ([]*store.VectorResult, error) {
	return f.results, f.err
}
func (f *fakeVector) AllIDs() []string     { return nil }
func (f *fakeVector) Contains(id string) bool { return false }
func (f *fakeVector) Count() int           { return len(f.results) }
func (f *fakeVector) Save(path string) error { return nil }
func (f *fakeVector) Load(path string) error { return nil }
func (f *fakeVector) Close() error          { return nil }

type fakeMeta struct {
	memories map[string]*domain.Memory
}

func (f *fakeMeta) SaveProject(ctx context.Context, p *domain.Project) error { return nil }
func (f *fakeMeta) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return nil, nil
}
func (f *fakeMeta) ListProjects(ctx context.Context) ([]*domain.Project, error) { return nil, nil }
func (f *fakeMeta) SaveMemory(ctx context.Context, m *domain.Memory) error      { return nil }
func (f *fakeMeta) GetMemory(ctx context.Context, id string) (*domain.Memory, error) {
	return f.memories[id], nil
}
func (f *fakeMeta) GetMemories(ctx context.Context, ids []string) ([]*domain.Memory, error) {
	var out []*domain.Memory
	for _, id := range ids {
		if m, ok := f.memories[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeMeta) ListMemoriesByProject(ctx context.Context, projectID, cursor string, limit int) ([]*domain.Memory, string, error) {
	return nil, "", nil
}
func (f *fakeMeta) ListMemoriesByTier(ctx context.Context, tier domain.MemoryTier) ([]*domain.Memory, error) {
	return nil, nil
}
func (f *fakeMeta) DeleteMemory(ctx context.Context, id string) error { return nil }
func (f *fakeMeta) UpdateMemoryTier(ctx context.Context, id string, next domain.MemoryTier) error {
	return nil
}
func (f *fakeMeta) TouchReference(ctx context.Context, id string, at time.Time) error { return nil }
func (f *fakeMeta) SaveForwarding(ctx context.Context, fromID, toID string) error     { return nil }
func (f *fakeMeta) ResolveForwarding(ctx context.Context, id string) (string, error) {
	return id, nil
}
func (f *fakeMeta) AppendEvent(ctx context.Context, entry *domain.EventLogEntry) error { return nil }
func (f *fakeMeta) ListEvents(ctx context.Context, since time.Time, limit int) ([]*domain.EventLogEntry, error) {
	return nil, nil
}
func (f *fakeMeta) GetState(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeMeta) SetState(ctx context.Context, key, value string) error   { return nil }
func (f *fakeMeta) Close() error                                            { return nil }

type fakeRouter struct {
	vec []float32
}

func (f *fakeRouter) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeRouter) Route(ctx context.Context, taskType embed.TaskType, prompt string, maxTokens int, temperature float64) (string, error) {
	return "", nil
}

func TestSearchEmptyQuery(t *testing.T) {
	e := NewEngine(&fakeLexical{}, &fakeVector{}, &fakeMeta{memories: map[string]*domain.Memory{}}, &fakeRouter{})
	candidates, metrics, err := e.Search(context.Background(), "", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected empty result for empty query, got %d", len(candidates))
	}
	if metrics.BM25Hits != 0 || metrics.VectorHits != 0 {
		t.Fatalf("expected zero metrics for empty query, got %+v", metrics)
	}
}

func TestSearchBM25EmptyVectorNonEmpty(t *testing.T) {
	now := time.Now()
	mem := &domain.Memory{
		ID: "mem-1", IsMemoryEntry: true, Importance: 0.5, Confidence: 0.5,
		LastReferencedAt: now, SchemaType: domain.SchemaNote,
	}
	lex := &fakeLexical{results: nil}
	vec := &fakeVector{results: []*store.VectorResult{
		{ID: "mem-1-chunk-0", Score: 0.9, Document: "hello world"},
	}}
	meta := &fakeMeta{memories: map[string]*domain.Memory{"mem-1": mem}}
	e := NewEngine(lex, vec, meta, &fakeRouter{vec: []float32{0.1, 0.2}})

	candidates, metrics, err := e.Search(context.Background(), "hello", Options{CandidateCount: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.BM25Hits != 0 {
		t.Fatalf("expected bm25_hits=0, got %d", metrics.BM25Hits)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].MemoryID != "mem-1" {
		t.Fatalf("expected mem-1, got %s", candidates[0].MemoryID)
	}
}

func TestSearchBothEmptyReturnsEmpty(t *testing.T) {
	e := NewEngine(&fakeLexical{}, &fakeVector{}, &fakeMeta{memories: map[string]*domain.Memory{}}, &fakeRouter{})
	candidates, _, err := e.Search(context.Background(), "nothing matches", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected empty candidates, got %d", len(candidates))
	}
}

func TestSearchCollapsesChunksToMemory(t *testing.T) {
	now := time.Now()
	mem := &domain.Memory{ID: "mem-2", IsMemoryEntry: true, Importance: 0.8, Confidence: 0.9, LastReferencedAt: now}
	lex := &fakeLexical{results: []*store.LexicalResult{
		{ID: "mem-2-chunk-0", Score: 1.0},
		{ID: "mem-2-chunk-1", Score: 3.0},
	}}
	vec := &fakeVector{results: []*store.VectorResult{
		{ID: "mem-2-chunk-1", Score: 0.5},
	}}
	meta := &fakeMeta{memories: map[string]*domain.Memory{"mem-2": mem}}
	e := NewEngine(lex, vec, meta, &fakeRouter{})

	candidates, _, err := e.Search(context.Background(), "q", Options{CandidateCount: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly 1 candidate (collapsed), got %d", len(candidates))
	}
	if candidates[0].BM25Score != 3.0 {
		t.Fatalf("expected max chunk bm25 score 3.0, got %f", candidates[0].BM25Score)
	}
}
