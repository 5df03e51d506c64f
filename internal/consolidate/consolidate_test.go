package consolidate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/indexer"
	"github.com/brainkeep/externalbrain/internal/store"
)

type fakeLexical struct{ docs map[string]string }

func newFakeLexical() *fakeLexical { return &fakeLexical{docs: map[string]string{}} }

func (f *fakeLexical) AddDocument(ctx context.Context, id, text string) error {
	f.docs[id] = text
	return nil
}
func (f *fakeLexical) Get(ctx context.Context, id string) (string, bool, error) {
	d, ok := f.docs[id]
	return d, ok, nil
}
func (f *fakeLexical) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.docs, id)
	}
	return nil
}
func (f *fakeLexical) Search(ctx context.Context, query string, topK int) ([]*store.LexicalResult, error) {
	return nil, nil
}
func (f *fakeLexical) AllIDs() ([]string, error) { return nil, nil }
func (f *fakeLexical) Count() *store.LexicalStats {
	return &store.LexicalStats{DocumentCount: len(f.docs)}
}
func (f *fakeLexical) Snapshot(path string) error { return nil }
func (f *fakeLexical) Restore(path string) error  { return nil }
func (f *fakeLexical) Close() error                { return nil }

type fakeVector struct{ records map[string]*store.VectorRecord }

func newFakeVector() *fakeVector { return &fakeVector{records: map[string]*store.VectorRecord{}} }

func (f *fakeVector) Add(ctx context.Context, records []*store.VectorRecord) error {
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}
func (f *fakeVector) Get(ctx context.Context, id string) (*store.VectorRecord, error) {
	return f.records[id], nil
}
func (f *fakeVector) UpdateMetadata(ctx context.Context, id string, meta map[string]string) error {
	return nil
}
func (f *fakeVector) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}
func (f *fakeVector) Search(ctx context.Context, query []float32, topK int, filter store.VectorFilter) ([]*store.VectorResult, error) {
	return nil, nil
}
func (f *fakeVector) AllIDs() []string        { return nil }
func (f *fakeVector) Contains(id string) bool { _, ok := f.records[id]; return ok }
func (f *fakeVector) Count() int              { return len(f.records) }
func (f *fakeVector) Save(path string) error  { return nil }
func (f *fakeVector) Load(path string) error   { return nil }
func (f *fakeVector) Close() error            { return nil }

type fakeMeta struct {
	memories map[string]*domain.Memory
	events   []*domain.EventLogEntry
	state    map[string]string
	fwd      map[string]string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{memories: map[string]*domain.Memory{}, state: map[string]string{}, fwd: map[string]string{}}
}

func (f *fakeMeta) SaveProject(ctx context.Context, p *domain.Project) error { return nil }
func (f *fakeMeta) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return nil, nil
}
func (f *fakeMeta) ListProjects(ctx context.Context) ([]*domain.Project, error) { return nil, nil }
func (f *fakeMeta) SaveMemory(ctx context.Context, m *domain.Memory) error {
	f.memories[m.ID] = m
	return nil
}
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
	var out []*domain.Memory
	for _, m := range f.memories {
		if m.MemoryType == tier {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeMeta) DeleteMemory(ctx context.Context, id string) error {
	delete(f.memories, id)
	return nil
}
func (f *fakeMeta) UpdateMemoryTier(ctx context.Context, id string, next domain.MemoryTier) error {
	m, ok := f.memories[id]
	if !ok {
		return nil
	}
	if !m.MemoryType.CanPromoteTo(next) {
		return fmt.Errorf("illegal tier transition for %s: %s -> %s", id, m.MemoryType, next)
	}
	m.MemoryType = next
	return nil
}
func (f *fakeMeta) TouchReference(ctx context.Context, id string, at time.Time) error { return nil }
func (f *fakeMeta) SaveForwarding(ctx context.Context, fromID, toID string) error {
	f.fwd[fromID] = toID
	return nil
}
func (f *fakeMeta) ResolveForwarding(ctx context.Context, id string) (string, error) {
	if to, ok := f.fwd[id]; ok {
		return to, nil
	}
	return id, nil
}
func (f *fakeMeta) AppendEvent(ctx context.Context, entry *domain.EventLogEntry) error {
	f.events = append(f.events, entry)
	return nil
}
func (f *fakeMeta) ListEvents(ctx context.Context, since time.Time, limit int) ([]*domain.EventLogEntry, error) {
	return f.events, nil
}
func (f *fakeMeta) GetState(ctx context.Context, key string) (string, error) {
	return f.state[key], nil
}
func (f *fakeMeta) SetState(ctx context.Context, key, value string) error {
	f.state[key] = value
	return nil
}
func (f *fakeMeta) Close() error { return nil }

type fakeRouter struct {
	mergeText string
}

func (f *fakeRouter) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (f *fakeRouter) Route(ctx context.Context, taskType embed.TaskType, prompt string, maxTokens int, temperature float64) (string, error) {
	if taskType == embed.TaskMergeSummary && f.mergeText != "" {
		return f.mergeText, nil
	}
	return "a short summary", nil
}

func testConsolidationCfg() config.ConsolidationConfig {
	return config.ConsolidationConfig{
		AgeThresholdDays:      30,
		ImportanceThreshold:   0.3,
		SimilarityThreshold:   0.9,
		MinClusterSize:        2,
		ForgetImportanceMax:   0.1,
		ForgetInactiveDays:    180,
		PromotionMinRefs:      3,
		PromotionImportance:   0.6,
		RegressionDeltaGate:   0.02,
		RegressionAbsoluteMin: 0.80,
	}
}

func newHarness() (*fakeMeta, *fakeVector, *Consolidator, *fakeRouter) {
	meta := newFakeMeta()
	vec := newFakeVector()
	lex := newFakeLexical()
	router := &fakeRouter{}
	ix := indexer.New(lex, vec, meta, router)
	c := New(meta, vec, ix, router, nil, testConsolidationCfg(), config.WorkingMemoryConfig{RetentionHours: 8})
	return meta, vec, c, router
}

func seedMemory(ctx context.Context, t *testing.T, ix *indexer.Indexer, id string, schema domain.SchemaType, content string, importance float64, createdAt time.Time, tier domain.MemoryTier) *domain.Memory {
	t.Helper()
	m := &domain.Memory{
		ID: id, SchemaType: schema, Content: content, CreatedAt: createdAt,
		LastReferencedAt: createdAt, MemoryType: tier, Importance: importance, Confidence: 0.5,
	}
	if err := ix.IndexMemory(ctx, m, nil); err != nil {
		t.Fatalf("seeding memory %s: %v", id, err)
	}
	return m
}

func TestClusterAndMergeCombinesSimilarMemories(t *testing.T) {
	meta, _, c, router := newHarness()
	router.mergeText = "merged summary text"
	ix := c.indexer
	ctx := context.Background()

	now := time.Now()
	seedMemory(ctx, t, ix, "mem-a", domain.SchemaNote, "note about retries", 0.4, now, domain.TierWorking)
	seedMemory(ctx, t, ix, "mem-b", domain.SchemaNote, "note about retries again", 0.2, now, domain.TierWorking)

	report, err := c.clusterAndMergeTest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.clusters != 1 || report.merged != 1 {
		t.Fatalf("expected 1 cluster merged, got %+v", report)
	}
	if _, ok := meta.memories["mem-a"]; !ok {
		t.Fatalf("expected canonical memory mem-a to survive")
	}
	if _, ok := meta.memories["mem-b"]; ok {
		t.Fatalf("expected mem-b to be deleted after merge")
	}
	if to, _ := meta.ResolveForwarding(ctx, "mem-b"); to != "mem-a" {
		t.Fatalf("expected mem-b to forward to mem-a, got %s", to)
	}
	if meta.memories["mem-a"].Content != "merged summary text" {
		t.Fatalf("expected merged content, got %q", meta.memories["mem-a"].Content)
	}
}

// clusterAndMergeTest adapts clusterAndMerge's return values to named
// fields for readable test assertions.
type mergeCounts struct{ clusters, merged int }

func (c *Consolidator) clusterAndMergeTest() (mergeCounts, error) {
	clusters, merged, err := c.clusterAndMerge(context.Background())
	return mergeCounts{clusters: clusters, merged: merged}, err
}

func TestCompressMarksAgedLowImportanceMemory(t *testing.T) {
	_, _, c, _ := newHarness()
	ix := c.indexer
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	seedMemory(ctx, t, ix, "mem-old", domain.SchemaNote, "a very long piece of content that should be compressed", 0.1, old, domain.TierWorking)

	count, err := c.compress(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 memory compressed, got %d", count)
	}
	m, _ := c.meta.GetMemory(ctx, "mem-old")
	if !m.Compressed {
		t.Fatalf("expected compressed flag set")
	}

	// A second pass must not recompress.
	count2, err := c.compress(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count2 != 0 {
		t.Fatalf("expected no further compression, got %d", count2)
	}
}

func TestPromoteAdvancesWorkingAndShortTerm(t *testing.T) {
	_, _, c, _ := newHarness()
	ix := c.indexer
	ctx := context.Background()

	oldWorking := time.Now().Add(-9 * time.Hour)
	seedMemory(ctx, t, ix, "mem-w", domain.SchemaNote, "x", 0.2, oldWorking, domain.TierWorking)

	m := seedMemory(ctx, t, ix, "mem-s", domain.SchemaNote, "y", 0.7, time.Now(), domain.TierShortTerm)
	m.ReferenceCount = 0 // promoted via importance instead

	count, err := c.promote(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 promotions, got %d", count)
	}
	if c.meta.(*fakeMeta).memories["mem-w"].MemoryType != domain.TierShortTerm {
		t.Fatalf("expected mem-w promoted to short_term")
	}
	if c.meta.(*fakeMeta).memories["mem-s"].MemoryType != domain.TierLongTerm {
		t.Fatalf("expected mem-s promoted to long_term")
	}
}

func TestForgetDeletesDecayedLongTermMemory(t *testing.T) {
	_, _, c, _ := newHarness()
	ix := c.indexer
	ctx := context.Background()

	longInactive := time.Now().Add(-200 * 24 * time.Hour)
	seedMemory(ctx, t, ix, "mem-stale", domain.SchemaNote, "z", 0.05, longInactive, domain.TierLongTerm)

	count, err := c.forget(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 memory forgotten, got %d", count)
	}
	if _, ok := c.meta.(*fakeMeta).memories["mem-stale"]; ok {
		t.Fatalf("expected mem-stale deleted")
	}
}

func TestNeedsCatchUp(t *testing.T) {
	_, _, c, _ := newHarness()
	ctx := context.Background()

	needed, err := c.NeedsCatchUp(ctx, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needed {
		t.Fatalf("expected catch-up needed when no run has ever happened")
	}

	if err := c.meta.SetState(ctx, store.StateKeyConsolidationLastRun, time.Now().Format(time.RFC3339)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	needed, err = c.NeedsCatchUp(ctx, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if needed {
		t.Fatalf("expected no catch-up needed right after a run")
	}
}
