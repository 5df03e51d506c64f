// Package ingest implements the external ingest() operation (§6): turning a
// raw (user, assistant) exchange into a classified, chunked, indexed memory,
// idempotent on an optional external id.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brainkeep/externalbrain/internal/chunk"
	"github.com/brainkeep/externalbrain/internal/classify"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/indexer"
	"github.com/brainkeep/externalbrain/internal/store"
)

// Record is the external shape of one ingest() call.
type Record struct {
	User      string
	Assistant string
	Source    string
	Refs      []string
	Timestamp time.Time
	Metadata  map[string]string
	ProjectID string
}

// externalIDKey namespaces external ids in the metadata store's key-value
// state table, reusing it as a small index rather than adding a new table.
func externalIDKey(externalID string) string {
	return "ingest:external_id:" + externalID
}

// Ingestor implements ingest(record) -> memory_id.
type Ingestor struct {
	meta       store.MetadataStore
	indexer    *indexer.Indexer
	classifier *classify.Classifier
	chunkOpts  chunk.Options
}

// New builds an Ingestor over the metadata store, indexer, and schema
// classifier it needs to turn a raw exchange into an indexed memory.
func New(meta store.MetadataStore, ix *indexer.Indexer, classifier *classify.Classifier) *Ingestor {
	return &Ingestor{meta: meta, indexer: ix, classifier: classifier, chunkOpts: chunk.DefaultOptions()}
}

// Ingest classifies, chunks, and indexes rec, returning the memory id. If
// rec.Metadata["external_id"] is set and was seen before, the same memory id
// is reused and its content replaced, per spec.md §6's idempotency rule.
func (g *Ingestor) Ingest(ctx context.Context, rec Record) (string, error) {
	externalID := rec.Metadata["external_id"]

	memoryID := ""
	if externalID != "" {
		existing, err := g.meta.GetState(ctx, externalIDKey(externalID))
		if err != nil {
			return "", fmt.Errorf("ingest: resolving external id %q: %w", externalID, err)
		}
		memoryID = existing
	}
	if memoryID == "" {
		memoryID = "mem-" + uuid.NewString()
	}

	content := buildContent(rec.User, rec.Assistant)
	classification := g.classifier.Classify(ctx, rec.User, rec.Assistant, rec.Metadata)

	timestamp := rec.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	tags := []string{}
	if rec.Source != "" {
		tags = append(tags, "source:"+rec.Source)
	}

	memory := &domain.Memory{
		ID:               memoryID,
		SchemaType:       classification.SchemaType,
		Content:          content,
		CreatedAt:        timestamp,
		LastReferencedAt: timestamp,
		MemoryType:       domain.TierWorking,
		Tags:             tags,
		Refs:             rec.Refs,
		Importance:       domain.ClampUnit(0.3 + 0.2*classification.Confidence),
		Confidence:       classification.Confidence,
	}
	if rec.ProjectID != "" {
		memory.ProjectID = &rec.ProjectID
	}

	chunks := chunk.Chunks(memoryID, content, g.chunkOpts)
	if err := g.indexer.IndexMemory(ctx, memory, chunks); err != nil {
		return "", fmt.Errorf("ingest: indexing memory: %w", err)
	}

	if externalID != "" {
		if err := g.meta.SetState(ctx, externalIDKey(externalID), memoryID); err != nil {
			return "", fmt.Errorf("ingest: recording external id %q: %w", externalID, err)
		}
	}

	return memoryID, nil
}

func buildContent(user, assistant string) string {
	if user == "" {
		return assistant
	}
	if assistant == "" {
		return user
	}
	return fmt.Sprintf("User: %s\n\nAssistant: %s", user, assistant)
}
