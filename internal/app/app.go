// Package app is the composition root: it owns every C1-C12 handle, wires
// them together per spec.md §2's data flow, and exposes the §6 external
// interfaces (ingest, search, project, session) as plain methods. No
// component reaches for an ambient global; everything a component needs is
// injected here, once, at startup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/brainkeep/externalbrain/internal/classify"
	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/consolidate"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	brainerrors "github.com/brainkeep/externalbrain/internal/errors"
	"github.com/brainkeep/externalbrain/internal/indexer"
	"github.com/brainkeep/externalbrain/internal/ingest"
	"github.com/brainkeep/externalbrain/internal/project"
	"github.com/brainkeep/externalbrain/internal/qam"
	"github.com/brainkeep/externalbrain/internal/rerank"
	"github.com/brainkeep/externalbrain/internal/schedule"
	"github.com/brainkeep/externalbrain/internal/search"
	"github.com/brainkeep/externalbrain/internal/session"
	"github.com/brainkeep/externalbrain/internal/store"
)

// App owns every component handle for one running instance. Tests build
// their own App (typically over in-process stores) rather than touching
// any package-level state, per spec.md §4.12's design note on global
// singletons.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Vector store.VectorStore
	Lexical store.LexicalIndex
	Meta   store.MetadataStore
	Router embed.Router

	Classifier *classify.Classifier
	Indexer    *indexer.Indexer
	QAM        *qam.Model
	Engine     *search.Engine
	Reranker   *rerank.Reranker
	Pool       *project.Pool
	Consolidator *consolidate.Consolidator
	Scheduler    *schedule.Scheduler

	Ingestor *ingest.Ingestor
	Sessions *session.Manager

	vectorPath string
	bm25Path   string
}

// Open builds and wires every component from cfg. It opens (creating if
// absent) the persisted state under cfg.Paths.DataDir described in
// spec.md §6, restoring the lexical snapshot and vector index if present.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, brainerrors.ConfigError("invalid configuration", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dataDir := cfg.Paths.DataDir
	vectorPath := filepath.Join(dataDir, "vector_index", "index.hnsw")
	bm25Path := filepath.Join(dataDir, "bm25.snapshot")
	sqlitePath := filepath.Join(dataDir, "metadata.db")

	vectorStore, err := openVectorStore(cfg, vectorPath)
	if err != nil {
		return nil, err
	}

	lexical, err := store.NewBleveLexicalIndex(bm25Path, store.DefaultBM25Config())
	if err != nil {
		return nil, brainerrors.StorageUnavailable("opening lexical index", err)
	}

	meta, err := store.NewSQLiteMetadataStore(sqlitePath)
	if err != nil {
		return nil, brainerrors.StorageUnavailable("opening metadata store", err)
	}

	router := buildRouter(cfg)

	classifier := classify.New(router)
	ix := indexer.New(lexical, vectorStore, meta, router)
	dict := qam.DefaultDictionary()
	qamModel := qam.New(dict, router, qam.DefaultConfig())
	engine := search.NewEngine(lexical, vectorStore, meta, router)
	reranker := rerank.New(router, cfg.Reranker, nil)
	pool := project.New(meta, router, reranker, cfg.Project)
	consolidator := consolidate.New(meta, vectorStore, ix, router, reranker, cfg.Consolidation, cfg.WorkingMemory)

	scheduler, err := schedule.New(consolidator, cfg.Consolidation, logger)
	if err != nil {
		return nil, brainerrors.ConfigError("invalid consolidation schedule", err)
	}

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Vector:       vectorStore,
		Lexical:      lexical,
		Meta:         meta,
		Router:       router,
		Classifier:   classifier,
		Indexer:      ix,
		QAM:          qamModel,
		Engine:       engine,
		Reranker:     reranker,
		Pool:         pool,
		Consolidator: consolidator,
		Scheduler:    scheduler,
		Ingestor:     ingest.New(meta, ix, classifier),
		Sessions:     session.NewManager(classifier, ix, router),
		vectorPath:   vectorPath,
		bm25Path:     bm25Path,
	}
	return a, nil
}

func openVectorStore(cfg *config.Config, vectorPath string) (*store.HNSWVectorStore, error) {
	dims := cfg.Vector.Dimensions
	if existing, err := store.ReadHNSWVectorStoreDimensions(vectorPath); err == nil && existing > 0 {
		dims = existing
	}
	vs, err := store.NewHNSWVectorStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, brainerrors.StorageUnavailable("constructing vector store", err)
	}
	if err := vs.Load(vectorPath); err != nil {
		// Fresh install: no persisted index yet is not an error.
		return vs, nil
	}
	return vs, nil
}

func buildRouter(cfg *config.Config) embed.Router {
	local := embed.NewOllamaBackend(cfg.Router.LocalHost, cfg.Router.LocalModel)
	var external embed.Backend
	if cfg.Router.ExternalHost != "" {
		external = embed.NewExternalHTTPBackend("external", cfg.Router.ExternalHost, "", cfg.Router.ExternalModel)
	}
	// SkipHealthCheck: composition must not block/fail on a cold or absent
	// local backend at startup; the router surfaces BackendUnavailable from
	// the first real call instead, per spec.md §7's propagation policy.
	embedderCfg := embed.OllamaConfig{
		Host:            cfg.Router.LocalHost,
		Model:           cfg.Router.LocalModel,
		Dimensions:      cfg.Vector.Dimensions,
		SkipHealthCheck: true,
	}
	embedder, _ := embed.NewOllamaEmbedder(context.Background(), embedderCfg)
	cached := embed.NewCachedEmbedderWithDefaults(embedder)
	return embed.NewRouter(cached, local, external, cfg.Router.LongSummaryMinTokens)
}

// Persist flushes the vector index and lexical snapshot to disk. Callers
// invoke this after a batch of mutations or before shutdown; individual
// component writes (C1/C2) are already durable at the in-process level,
// this additionally checkpoints the on-disk snapshot spec.md §6 describes.
func (a *App) Persist() error {
	if hv, ok := a.Vector.(*store.HNSWVectorStore); ok {
		if err := hv.Save(a.vectorPath); err != nil {
			return brainerrors.StorageUnavailable("saving vector index", err)
		}
	}
	if err := a.Lexical.Snapshot(a.bm25Path); err != nil {
		return brainerrors.StorageUnavailable("snapshotting lexical index", err)
	}
	return nil
}

// Close releases all store handles.
func (a *App) Close() error {
	var firstErr error
	if err := a.Meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if hv, ok := a.Vector.(*store.HNSWVectorStore); ok {
		if err := hv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- §6 Ingestion interface ---

// Ingest implements ingest(record) -> memory_id.
func (a *App) Ingest(ctx context.Context, rec ingest.Record) (string, error) {
	return a.Ingestor.Ingest(ctx, rec)
}

// --- §6 Search interface ---

// SearchResult is one ranked, evidence-bearing result.
type SearchResult struct {
	ID         string
	Score      float64
	Content    string
	Summary    string
	Metadata   map[string]string
	Components search.Components
}

// RerankMetrics is a snapshot of rerank.Metrics safe to copy by value (it
// drops the live metrics' internal mutex).
type RerankMetrics struct {
	L1Hits             int
	L2Hits             int
	L3Hits             int
	LLMCalls           int
	LLMFailures        int
	HeuristicFallbacks int
	QueueWaitMax       time.Duration
}

// SearchMetrics surfaces the observability counters across C7-C10.
type SearchMetrics struct {
	Attributes  qam.Attributes
	Hybrid      search.Metrics
	Rerank      RerankMetrics
	PoolApplied bool
	PoolReason  string
}

// SearchOptions configures a Search call.
type SearchOptions struct {
	TopK           int
	ProjectID      string
	SchemaFilter   string
	AttributeHints map[string]string
	Deadline       time.Time
}

// Search implements search(query, opts) -> {results, metrics} (§6),
// running the full read path: C7 attribute extraction, C10 pool filtering
// when a project is confirmed, C8 hybrid fusion, and C9 reranking.
func (a *App) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, SearchMetrics, error) {
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = a.Config.Vector.TopK
	}

	if query == "" {
		return []SearchResult{}, SearchMetrics{}, nil
	}

	attrs := a.QAM.Extract(ctx, query)
	if opts.ProjectID != "" && attrs.Project == "" {
		attrs.Project = opts.ProjectID
		if attrs.Confidence == 0 {
			attrs.Confidence = 1.0
		}
	}

	candidates, hybridMetrics, err := a.Engine.Search(ctx, query, search.Options{
		CandidateCount: a.Config.Vector.CandidateCount,
		ProjectID:      opts.ProjectID,
		SchemaFilter:   opts.SchemaFilter,
		Attributes:     attrs,
		Weights:        toSearchWeights(a.Config.Weights),
	})
	if err != nil {
		return nil, SearchMetrics{}, err
	}

	poolApplied := false
	poolReason := "project_not_confirmed"
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = attrs.Project
	}
	if projectID != "" {
		if ids, ok := a.Pool.MemoryIDs(projectID); ok {
			result := project.Apply(candidates, ids, attrs.Confidence, a.Config.Project.PrefetchMinConfidence, topK, a.Config.Project.MinScoreThreshold)
			candidates = result.Candidates
			poolApplied = result.Filtered
			poolReason = result.Reason
		}
	}
	hybridMetrics.PoolApplied = poolApplied
	hybridMetrics.PoolReason = poolReason

	ranked, rerankMetrics, err := a.Reranker.Rerank(ctx, query, candidates, topK)
	if err != nil {
		return nil, SearchMetrics{}, err
	}

	results := make([]SearchResult, 0, len(ranked))
	for _, c := range ranked {
		if c.Memory == nil || !c.Memory.IsMemoryEntry {
			continue
		}
		results = append(results, SearchResult{
			ID:         c.MemoryID,
			Score:      c.RerankScore,
			Content:    c.Memory.Content,
			Summary:    c.Memory.Summary,
			Metadata:   map[string]string{"schema_type": string(c.Memory.SchemaType)},
			Components: c.Components,
		})
	}

	metrics := SearchMetrics{
		Attributes:  attrs,
		Hybrid:      hybridMetrics,
		PoolApplied: poolApplied,
		PoolReason:  poolReason,
	}
	if rerankMetrics != nil {
		metrics.Rerank = RerankMetrics{
			L1Hits:             rerankMetrics.L1Hits,
			L2Hits:             rerankMetrics.L2Hits,
			L3Hits:             rerankMetrics.L3Hits,
			LLMCalls:           rerankMetrics.LLMCalls,
			LLMFailures:        rerankMetrics.LLMFailures,
			HeuristicFallbacks: rerankMetrics.HeuristicFallbacks,
			QueueWaitMax:       rerankMetrics.QueueWaitMax,
		}
	}
	return results, metrics, nil
}

func toSearchWeights(w config.WeightsConfig) search.Weights {
	return search.Weights{
		MemoryStrength:  w.MemoryStrength,
		Recency:         w.Recency,
		RefsReliability: w.RefsReliability,
		BM25:            w.BM25,
		Vector:          w.Vector,
		Metadata:        w.Metadata,
		RecencyTauDays:  w.RecencyTauDays,
	}
}

// --- §6 Project interface ---

// CreateProject persists a new project.
func (a *App) CreateProject(ctx context.Context, name, description string, tags []string) (*domain.Project, error) {
	if name == "" {
		return nil, brainerrors.ValidationError("project name required", nil)
	}
	p := &domain.Project{
		ID:          "proj-" + slugify(name),
		Name:        name,
		Description: description,
		Tags:        tags,
		CreatedAt:   time.Now(),
	}
	if err := a.Meta.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns every known project.
func (a *App) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	return a.Meta.ListProjects(ctx)
}

// PrefetchProject implements prefetch_project(project_id) (§6, §4.10).
func (a *App) PrefetchProject(ctx context.Context, projectID string) (project.Stats, error) {
	return a.Pool.Warm(ctx, projectID)
}

// SearchInProject implements search_in_project(project_id, query, ...).
func (a *App) SearchInProject(ctx context.Context, projectID, query string, opts SearchOptions) ([]SearchResult, SearchMetrics, error) {
	opts.ProjectID = projectID
	return a.Search(ctx, query, opts)
}

// RecordReference implements record_reference(memory_id, outcome) (§6 NEW):
// it bumps the memory's reference count and last-referenced timestamp (feeding
// C11's promotion threshold) and appends an EventReferenced log entry carrying
// the caller-supplied outcome for later refs_reliability/QAM-coverage analysis.
func (a *App) RecordReference(ctx context.Context, memoryID, outcome string) error {
	if memoryID == "" {
		return brainerrors.ValidationError("memory_id required", nil)
	}
	now := time.Now()
	if err := a.Meta.TouchReference(ctx, memoryID, now); err != nil {
		return err
	}
	return a.Meta.AppendEvent(ctx, &domain.EventLogEntry{
		Timestamp: now,
		Type:      domain.EventReferenced,
		SubjectID: memoryID,
		New:       outcome,
	})
}

// --- §6 Session interface ---

// StartSession implements start_session(metadata) -> session_id.
func (a *App) StartSession(metadata map[string]string) string {
	return a.Sessions.StartSession(metadata)
}

// AddEvent implements add_event(session_id, event).
func (a *App) AddEvent(sessionID string, ev session.Event) error {
	return a.Sessions.AddEvent(sessionID, ev)
}

// EndSession implements end_session(session_id) -> memory_id.
func (a *App) EndSession(ctx context.Context, sessionID string) (string, error) {
	return a.Sessions.EndSession(ctx, sessionID)
}

func slugify(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+32)
		case c == ' ' || c == '_' || c == '-':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return string(out)
}
