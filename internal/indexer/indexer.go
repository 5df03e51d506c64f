// Package indexer implements the sole writer of memories into the dual
// index (C6): it turns a memory and its chunks into lexical documents and
// vector records, in an order and with a compensation protocol chosen to
// preserve the invariant that a memory's chunks are either fully present
// in both C1 and C2, or fully absent from both.
package indexer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/store"
)

// metaChunkCountKey is stored on a memory's summary vector record so a
// later reindex can discover how many old chunks to clean up even when
// the new chunk count is smaller.
const metaChunkCountKey = "chunk_count"

// Indexer is the only component permitted to mutate C1/C2/metadata
// together. All other components treat the dual index as read-only.
type Indexer struct {
	lexical  store.LexicalIndex
	vector   store.VectorStore
	meta     store.MetadataStore
	embedder embed.Router
}

// New builds an Indexer over the dual index, the metadata store, and the
// router used to embed chunk text.
func New(lexical store.LexicalIndex, vector store.VectorStore, meta store.MetadataStore, embedder embed.Router) *Indexer {
	return &Indexer{lexical: lexical, vector: vector, meta: meta, embedder: embedder}
}

// IndexMemory writes memory and its chunks to the dual index. It is
// idempotent on memory.ID: a second call with the same id fully replaces
// the previously indexed chunks, including deleting any stale chunks left
// over from a larger prior version of the memory.
//
// Write order per chunk is C2 (lexical) then C1 (vector), per spec.md
// §4.6. If any step fails partway through, already-written chunks for
// this call are deleted from both indexes before the error is returned, so
// a failed IndexMemory call never leaves a partial memory visible.
func (ix *Indexer) IndexMemory(ctx context.Context, memory *domain.Memory, chunks []*domain.Chunk) error {
	if memory.ID == "" {
		return fmt.Errorf("indexer: memory id must not be empty")
	}

	staleIDs := ix.staleChunkIDs(ctx, memory.ID, len(chunks))

	summaryText := memory.Summary
	if summaryText == "" {
		summaryText = memory.Content
	}

	embeddings := make([][]float32, len(chunks))
	var summaryVec []float32
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			vec, err := ix.embedder.Embed(gctx, c.Content)
			if err != nil {
				return fmt.Errorf("indexer: embedding chunk %s: %w", c.ID, err)
			}
			embeddings[i] = vec
			return nil
		})
	}
	g.Go(func() error {
		vec, err := ix.embedder.Embed(gctx, summaryText)
		if err != nil {
			return fmt.Errorf("indexer: embedding summary for %s: %w", memory.ID, err)
		}
		summaryVec = vec
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var written []string
	compensate := func() {
		if len(written) == 0 {
			return
		}
		_ = ix.lexical.Delete(context.Background(), written)
		_ = ix.vector.Delete(context.Background(), written)
	}

	for i, c := range chunks {
		if err := ix.lexical.AddDocument(ctx, c.ID, c.Content); err != nil {
			compensate()
			return fmt.Errorf("indexer: writing chunk %s to lexical index: %w", c.ID, err)
		}
		if err := ix.vector.Add(ctx, []*store.VectorRecord{{
			ID:       c.ID,
			Vector:   embeddings[i],
			Metadata: c.Metadata,
			Document: c.Content,
		}}); err != nil {
			_ = ix.lexical.Delete(context.Background(), []string{c.ID})
			compensate()
			return fmt.Errorf("indexer: writing chunk %s to vector store: %w", c.ID, err)
		}
		written = append(written, c.ID)
	}

	summaryMeta := map[string]string{
		"memory_id":       memory.ID,
		"schema_type":     string(memory.SchemaType),
		"is_memory_entry": "true",
		metaChunkCountKey: strconv.Itoa(len(chunks)),
	}
	if memory.ProjectID != nil {
		summaryMeta["project_id"] = *memory.ProjectID
	}
	if err := ix.vector.Add(ctx, []*store.VectorRecord{{
		ID:       memory.ID,
		Vector:   summaryVec,
		Metadata: summaryMeta,
		Document: summaryText,
	}}); err != nil {
		compensate()
		return fmt.Errorf("indexer: writing summary record for %s: %w", memory.ID, err)
	}

	if len(staleIDs) > 0 {
		_ = ix.lexical.Delete(ctx, staleIDs)
		_ = ix.vector.Delete(ctx, staleIDs)
	}

	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = time.Now()
	}
	memory.UpdatedAt = time.Now()
	if memory.LastReferencedAt.Before(memory.CreatedAt) {
		memory.LastReferencedAt = memory.CreatedAt
	}
	memory.IsMemoryEntry = true
	if err := ix.meta.SaveMemory(ctx, memory); err != nil {
		compensate()
		_ = ix.vector.Delete(context.Background(), []string{memory.ID})
		return fmt.Errorf("indexer: saving memory row for %s: %w", memory.ID, err)
	}

	_ = ix.meta.AppendEvent(ctx, &domain.EventLogEntry{
		Timestamp: time.Now(),
		Type:      domain.EventIndexed,
		SubjectID: memory.ID,
		New:       strconv.Itoa(len(chunks)),
	})

	return nil
}

// staleChunkIDs returns the ids of chunks from a prior indexing of
// memoryID that fall beyond the new chunk count, by reading the chunk
// count recorded on the previous summary record (if any).
func (ix *Indexer) staleChunkIDs(ctx context.Context, memoryID string, newCount int) []string {
	prior, err := ix.vector.Get(ctx, memoryID)
	if err != nil || prior == nil {
		return nil
	}
	oldCountStr, ok := prior.Metadata[metaChunkCountKey]
	if !ok {
		return nil
	}
	oldCount, err := strconv.Atoi(oldCountStr)
	if err != nil || oldCount <= newCount {
		return nil
	}
	stale := make([]string, 0, oldCount-newCount)
	for i := newCount; i < oldCount; i++ {
		stale = append(stale, domain.ChunkID(memoryID, i))
	}
	return stale
}

// DeleteMemory removes a memory's chunks and summary record from the dual
// index, then its metadata row, satisfying Invariant 1's "fully absent
// from both" branch.
func (ix *Indexer) DeleteMemory(ctx context.Context, memoryID string, chunkCount int) error {
	ids := make([]string, 0, chunkCount+1)
	for i := 0; i < chunkCount; i++ {
		ids = append(ids, domain.ChunkID(memoryID, i))
	}
	ids = append(ids, memoryID)
	if err := ix.lexical.Delete(ctx, ids); err != nil {
		return fmt.Errorf("indexer: deleting from lexical index: %w", err)
	}
	if err := ix.vector.Delete(ctx, ids); err != nil {
		return fmt.Errorf("indexer: deleting from vector store: %w", err)
	}
	return ix.meta.DeleteMemory(ctx, memoryID)
}

// CountChunks returns how many chunks the currently indexed version of
// memoryID has, read back from its summary record's metadata. Callers
// (notably C11) use this to size a DeleteMemory call without having to
// separately track chunk counts themselves.
func (ix *Indexer) CountChunks(ctx context.Context, memoryID string) (int, error) {
	rec, err := ix.vector.Get(ctx, memoryID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(rec.Metadata[metaChunkCountKey])
	if err != nil {
		return 0, nil
	}
	return n, nil
}
