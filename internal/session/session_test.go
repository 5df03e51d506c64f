package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainkeep/externalbrain/internal/classify"
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
func (f *fakeLexical) Close() error               { return nil }

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
func (f *fakeVector) Load(path string) error  { return nil }
func (f *fakeVector) Close() error            { return nil }

type fakeMeta struct {
	memories map[string]*domain.Memory
	state    map[string]string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{memories: map[string]*domain.Memory{}, state: map[string]string{}}
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
	return nil, nil
}
func (f *fakeMeta) ListMemoriesByProject(ctx context.Context, projectID, cursor string, limit int) ([]*domain.Memory, string, error) {
	return nil, "", nil
}
func (f *fakeMeta) ListMemoriesByTier(ctx context.Context, tier domain.MemoryTier) ([]*domain.Memory, error) {
	return nil, nil
}
func (f *fakeMeta) DeleteMemory(ctx context.Context, id string) error {
	delete(f.memories, id)
	return nil
}
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
func (f *fakeMeta) GetState(ctx context.Context, key string) (string, error) {
	return f.state[key], nil
}
func (f *fakeMeta) SetState(ctx context.Context, key, value string) error {
	f.state[key] = value
	return nil
}
func (f *fakeMeta) Close() error { return nil }

type fakeRouter struct {
	summary string
}

func (f *fakeRouter) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (f *fakeRouter) Route(ctx context.Context, taskType embed.TaskType, prompt string, maxTokens int, temperature float64) (string, error) {
	if taskType != embed.TaskLongSummary {
		return "", nil
	}
	if f.summary != "" {
		return f.summary, nil
	}
	return "summary of: " + prompt, nil
}

func newHarness() (*fakeMeta, *fakeRouter, *Manager) {
	meta := newFakeMeta()
	router := &fakeRouter{}
	ix := indexer.New(newFakeLexical(), newFakeVector(), meta, router)
	classifier := classify.New(nil)
	return meta, router, NewManager(classifier, ix, router)
}

func TestStartSessionReturnsDistinctIDs(t *testing.T) {
	_, _, mgr := newHarness()

	id1 := mgr.StartSession(map[string]string{"project_id": "proj-1"})
	id2 := mgr.StartSession(nil)

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestAddEventRejectsUnknownSession(t *testing.T) {
	_, _, mgr := newHarness()

	err := mgr.AddEvent("sess-missing", Event{Role: "user", Content: "hi"})
	require.Error(t, err)
}

func TestAddEventRejectsEndedSession(t *testing.T) {
	ctx := context.Background()
	_, _, mgr := newHarness()

	id := mgr.StartSession(nil)
	require.NoError(t, mgr.AddEvent(id, Event{Role: "user", Content: "hello"}))
	_, err := mgr.EndSession(ctx, id)
	require.NoError(t, err)

	err = mgr.AddEvent(id, Event{Role: "user", Content: "too late"})
	require.Error(t, err)
}

func TestEndSessionProducesOneConsolidatedMemory(t *testing.T) {
	ctx := context.Background()
	meta, _, mgr := newHarness()

	id := mgr.StartSession(map[string]string{"project_id": "proj-1"})
	require.NoError(t, mgr.AddEvent(id, Event{Role: "user", Content: "how do retries work here"}))
	require.NoError(t, mgr.AddEvent(id, Event{Role: "assistant", Content: "exponential backoff with jitter"}))

	memoryID, err := mgr.EndSession(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, memoryID)

	mem, ok := meta.memories[memoryID]
	require.True(t, ok)
	assert.Contains(t, mem.Content, "how do retries work here")
	assert.Contains(t, mem.Content, "exponential backoff with jitter")
	assert.NotEmpty(t, mem.Summary)
	require.NotNil(t, mem.ProjectID)
	assert.Equal(t, "proj-1", *mem.ProjectID)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, _, mgr := newHarness()

	id := mgr.StartSession(nil)
	require.NoError(t, mgr.AddEvent(id, Event{Role: "user", Content: "hello"}))

	memoryID1, err := mgr.EndSession(ctx, id)
	require.NoError(t, err)

	memoryID2, err := mgr.EndSession(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, memoryID1, memoryID2)
}

func TestEndSessionUnknownIDFails(t *testing.T) {
	_, _, mgr := newHarness()

	_, err := mgr.EndSession(context.Background(), "sess-does-not-exist")
	require.Error(t, err)
}

func TestEndSessionTriggersHierarchicalSummaryWhenLong(t *testing.T) {
	ctx := context.Background()
	meta, router, mgr := newHarness()
	router.summary = "condensed"

	id := mgr.StartSession(nil)
	longLine := strings.Repeat("retry the flaky integration test with backoff and jitter. ", 40)
	for i := 0; i < 30; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, mgr.AddEvent(id, Event{Role: role, Content: longLine}))
	}

	memoryID, err := mgr.EndSession(ctx, id)
	require.NoError(t, err)

	mem, ok := meta.memories[memoryID]
	require.True(t, ok)
	assert.Equal(t, "condensed", mem.Summary)
}
