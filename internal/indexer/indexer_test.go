package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/store"
)

type memLexical struct {
	docs map[string]string
}

func newMemLexical() *memLexical { return &memLexical{docs: map[string]string{}} }

func (m *memLexical) AddDocument(ctx context.Context, id, text string) error {
	m.docs[id] = text
	return nil
}
func (m *memLexical) Get(ctx context.Context, id string) (string, bool, error) {
	d, ok := m.docs[id]
	return d, ok, nil
}
func (m *memLexical) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}
func (m *memLexical) Search(ctx context.Context, query string, topK int) ([]*store.LexicalResult, error) {
	return nil, nil
}
func (m *memLexical) AllIDs() ([]string, error) {
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids, nil
}
func (m *memLexical) Count() *store.LexicalStats { return &store.LexicalStats{DocumentCount: len(m.docs)} }
func (m *memLexical) Snapshot(path string) error { return nil }
func (m *memLexical) Restore(path string) error  { return nil }
func (m *memLexical) Close() error               { return nil }

type memVector struct {
	records map[string]*store.VectorRecord
	failAdd map[string]bool
}

func newMemVector() *memVector {
	return &memVector{records: map[string]*store.VectorRecord{}, failAdd: map[string]bool{}}
}

func (m *memVector) Add(ctx context.Context, records []*store.VectorRecord) error {
	for _, r := range records {
		if m.failAdd[r.ID] {
			return errors.New("simulated vector add failure")
		}
		m.records[r.ID] = r
	}
	return nil
}
func (m *memVector) Get(ctx context.Context, id string) (*store.VectorRecord, error) {
	return m.records[id], nil
}
func (m *memVector) UpdateMetadata(ctx context.Context, id string, meta map[string]string) error {
	if r, ok := m.records[id]; ok {
		r.Metadata = meta
	}
	return nil
}
func (m *memVector) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}
func (m *memVector) Search(ctx context.Context, query []float32, topK int, filter store.VectorFilter) ([]*store.VectorResult, error) {
	return nil, nil
}
func (m *memVector) AllIDs() []string {
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}
func (m *memVector) Contains(id string) bool { _, ok := m.records[id]; return ok }
func (m *memVector) Count() int              { return len(m.records) }
func (m *memVector) Save(path string) error  { return nil }
func (m *memVector) Load(path string) error  { return nil }
func (m *memVector) Close() error            { return nil }

type memMeta struct {
	memories map[string]*domain.Memory
	events   []*domain.EventLogEntry
}

func newMemMeta() *memMeta { return &memMeta{memories: map[string]*domain.Memory{}} }

func (m *memMeta) SaveProject(ctx context.Context, p *domain.Project) error { return nil }
func (m *memMeta) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return nil, nil
}
func (m *memMeta) ListProjects(ctx context.Context) ([]*domain.Project, error) { return nil, nil }
func (m *memMeta) SaveMemory(ctx context.Context, mem *domain.Memory) error {
	m.memories[mem.ID] = mem
	return nil
}
func (m *memMeta) GetMemory(ctx context.Context, id string) (*domain.Memory, error) {
	return m.memories[id], nil
}
func (m *memMeta) GetMemories(ctx context.Context, ids []string) ([]*domain.Memory, error) {
	return nil, nil
}
func (m *memMeta) ListMemoriesByProject(ctx context.Context, projectID, cursor string, limit int) ([]*domain.Memory, string, error) {
	return nil, "", nil
}
func (m *memMeta) ListMemoriesByTier(ctx context.Context, tier domain.MemoryTier) ([]*domain.Memory, error) {
	return nil, nil
}
func (m *memMeta) DeleteMemory(ctx context.Context, id string) error {
	delete(m.memories, id)
	return nil
}
func (m *memMeta) UpdateMemoryTier(ctx context.Context, id string, next domain.MemoryTier) error {
	return nil
}
func (m *memMeta) TouchReference(ctx context.Context, id string, at time.Time) error { return nil }
func (m *memMeta) SaveForwarding(ctx context.Context, fromID, toID string) error     { return nil }
func (m *memMeta) ResolveForwarding(ctx context.Context, id string) (string, error) {
	return id, nil
}
func (m *memMeta) AppendEvent(ctx context.Context, entry *domain.EventLogEntry) error {
	m.events = append(m.events, entry)
	return nil
}
func (m *memMeta) ListEvents(ctx context.Context, since time.Time, limit int) ([]*domain.EventLogEntry, error) {
	return m.events, nil
}
func (m *memMeta) GetState(ctx context.Context, key string) (string, error) { return "", nil }
func (m *memMeta) SetState(ctx context.Context, key, value string) error   { return nil }
func (m *memMeta) Close() error                                            { return nil }

type fakeRouter struct{}

func (f *fakeRouter) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (f *fakeRouter) Route(ctx context.Context, taskType embed.TaskType, prompt string, maxTokens int, temperature float64) (string, error) {
	return "", nil
}

func newTestChunks(memoryID string, n int) []*domain.Chunk {
	chunks := make([]*domain.Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = domain.NewChunk(memoryID, i, "chunk text", 10, nil)
	}
	return chunks
}

func TestIndexMemoryWritesChunksAndSummary(t *testing.T) {
	lex, vec, meta := newMemLexical(), newMemVector(), newMemMeta()
	ix := New(lex, vec, meta, &fakeRouter{})

	mem := &domain.Memory{ID: "mem-1", Content: "full content", Summary: "short summary"}
	chunks := newTestChunks("mem-1", 3)

	if err := ix.IndexMemory(context.Background(), mem, chunks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(lex.docs) != 3 {
		t.Fatalf("expected 3 lexical docs, got %d", len(lex.docs))
	}
	if len(vec.records) != 4 { // 3 chunks + 1 summary
		t.Fatalf("expected 4 vector records, got %d", len(vec.records))
	}
	if _, ok := vec.records["mem-1"]; !ok {
		t.Fatalf("expected summary record under bare memory id")
	}
	if _, ok := meta.memories["mem-1"]; !ok {
		t.Fatalf("expected memory row saved")
	}
	if len(meta.events) != 1 || meta.events[0].Type != domain.EventIndexed {
		t.Fatalf("expected one indexed event, got %+v", meta.events)
	}
}

func TestIndexMemoryIsIdempotentAndCleansUpStaleChunks(t *testing.T) {
	lex, vec, meta := newMemLexical(), newMemVector(), newMemMeta()
	ix := New(lex, vec, meta, &fakeRouter{})

	mem := &domain.Memory{ID: "mem-1", Content: "full content"}
	if err := ix.IndexMemory(context.Background(), mem, newTestChunks("mem-1", 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lex.docs) != 5 {
		t.Fatalf("expected 5 docs after first index, got %d", len(lex.docs))
	}

	if err := ix.IndexMemory(context.Background(), mem, newTestChunks("mem-1", 2)); err != nil {
		t.Fatalf("unexpected error on reindex: %v", err)
	}
	if len(lex.docs) != 2 {
		t.Fatalf("expected stale chunks removed, got %d docs", len(lex.docs))
	}
	if len(vec.records) != 3 { // 2 chunks + 1 summary
		t.Fatalf("expected 3 vector records after shrink, got %d", len(vec.records))
	}
}

func TestIndexMemoryCompensatesOnVectorFailure(t *testing.T) {
	lex, vec, meta := newMemLexical(), newMemVector(), newMemMeta()
	vec.failAdd["mem-1-chunk-1"] = true
	ix := New(lex, vec, meta, &fakeRouter{})

	mem := &domain.Memory{ID: "mem-1", Content: "full content"}
	err := ix.IndexMemory(context.Background(), mem, newTestChunks("mem-1", 3))
	if err == nil {
		t.Fatalf("expected error from simulated vector failure")
	}
	if len(lex.docs) != 0 {
		t.Fatalf("expected lexical writes rolled back, got %d docs", len(lex.docs))
	}
	if len(vec.records) != 0 {
		t.Fatalf("expected vector writes rolled back, got %d records", len(vec.records))
	}
	if _, ok := meta.memories["mem-1"]; ok {
		t.Fatalf("expected memory row not saved on failure")
	}
}

func TestDeleteMemoryRemovesEverything(t *testing.T) {
	lex, vec, meta := newMemLexical(), newMemVector(), newMemMeta()
	ix := New(lex, vec, meta, &fakeRouter{})

	mem := &domain.Memory{ID: "mem-1", Content: "full content"}
	if err := ix.IndexMemory(context.Background(), mem, newTestChunks("mem-1", 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ix.DeleteMemory(context.Background(), "mem-1", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lex.docs) != 0 || len(vec.records) != 0 {
		t.Fatalf("expected everything removed, got lex=%d vec=%d", len(lex.docs), len(vec.records))
	}
	if _, ok := meta.memories["mem-1"]; ok {
		t.Fatalf("expected memory row deleted")
	}
}
