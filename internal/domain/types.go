// Package domain defines the core data model shared by every external brain
// component: memories, their chunks, projects, and the append-only event log.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaType classifies the shape of a memory's content.
type SchemaType string

const (
	SchemaIncident     SchemaType = "incident"
	SchemaSnippet      SchemaType = "snippet"
	SchemaDecision     SchemaType = "decision"
	SchemaPattern      SchemaType = "pattern"
	SchemaRunbook      SchemaType = "runbook"
	SchemaNote         SchemaType = "note"
	SchemaConversation SchemaType = "conversation"
)

// Valid reports whether s is one of the known schema types.
func (s SchemaType) Valid() bool {
	switch s {
	case SchemaIncident, SchemaSnippet, SchemaDecision, SchemaPattern, SchemaRunbook, SchemaNote, SchemaConversation:
		return true
	default:
		return false
	}
}

// MemoryTier is the lifecycle tier of a memory. Transitions are monotone:
// working -> short_term -> long_term. Demotion to a lower tier is forbidden
// once a memory has been promoted past it.
type MemoryTier string

const (
	TierWorking   MemoryTier = "working"
	TierShortTerm MemoryTier = "short_term"
	TierLongTerm  MemoryTier = "long_term"
)

// Valid reports whether t is one of the known tiers.
func (t MemoryTier) Valid() bool {
	switch t {
	case TierWorking, TierShortTerm, TierLongTerm:
		return true
	default:
		return false
	}
}

// rank returns the ordinal position of a tier in the promotion chain.
func (t MemoryTier) rank() int {
	switch t {
	case TierWorking:
		return 0
	case TierShortTerm:
		return 1
	case TierLongTerm:
		return 2
	default:
		return -1
	}
}

// CanPromoteTo reports whether transitioning from t to next is a legal
// monotone promotion (Invariant 5). Staying at the same tier is allowed;
// moving to a lower tier is not.
func (t MemoryTier) CanPromoteTo(next MemoryTier) bool {
	if !t.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= t.rank()
}

// Memory is the unit of durable knowledge.
type Memory struct {
	ID               string
	SchemaType       SchemaType
	Content          string
	Summary          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastReferencedAt time.Time
	MemoryType       MemoryTier
	Tags             []string
	Refs             []string
	ProjectID        *string
	Importance       float64
	Confidence       float64
	IsMemoryEntry    bool
	ReferenceCount   int
	Compressed       bool
}

// ChunkID derives the stable id of chunk index for a memory, per Invariant 3.
func ChunkID(memoryID string, chunkIndex int) string {
	return fmt.Sprintf("%s-chunk-%d", memoryID, chunkIndex)
}

// chunkIDSeparator is injected between a memory id and its chunk index;
// kept in one place so ChunkID and ParseChunkID can never drift apart.
const chunkIDSeparator = "-chunk-"

// ParseChunkID is the total reverse mapping required by Invariant 3: given
// an id produced by ChunkID, it recovers (memoryID, chunkIndex). It returns
// ok=false for an id that is itself a bare memory id (e.g. a memory's
// summary record), not a chunk id.
func ParseChunkID(chunkID string) (memoryID string, chunkIndex int, ok bool) {
	idx := strings.LastIndex(chunkID, chunkIDSeparator)
	if idx < 0 {
		return "", 0, false
	}
	memoryID = chunkID[:idx]
	suffix := chunkID[idx+len(chunkIDSeparator):]
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return memoryID, n, true
}

// Chunk is an indexed fragment of a memory.
type Chunk struct {
	ID         string
	MemoryID   string
	ChunkIndex int
	Content    string
	Tokens     int
	Metadata   map[string]string
}

// NewChunk builds a chunk with a derived id and an inherited metadata base.
func NewChunk(memoryID string, index int, content string, tokens int, meta map[string]string) *Chunk {
	m := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		m[k] = v
	}
	m["memory_id"] = memoryID
	m["chunk_index"] = fmt.Sprintf("%d", index)
	return &Chunk{
		ID:         ChunkID(memoryID, index),
		MemoryID:   memoryID,
		ChunkIndex: index,
		Content:    content,
		Tokens:     tokens,
		Metadata:   m,
	}
}

// Project groups memories under a named workspace.
type Project struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	CreatedAt   time.Time
}

// EventType enumerates the kinds of append-only event log entries.
type EventType string

const (
	EventIndexed           EventType = "indexed"
	EventMerged            EventType = "merged"
	EventCompressed        EventType = "compressed"
	EventPromoted          EventType = "promoted"
	EventForgotten         EventType = "forgotten"
	EventReferenced        EventType = "referenced"
	EventConsolidationRun  EventType = "consolidation_run"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventIndexed, EventMerged, EventCompressed, EventPromoted, EventForgotten,
		EventReferenced, EventConsolidationRun:
		return true
	default:
		return false
	}
}

// EventLogEntry is an append-only record of a mutation to the memory store,
// consumed by the learning loops (QAM coverage, consolidation, rerank weight
// training).
type EventLogEntry struct {
	Timestamp time.Time
	Type      EventType
	SubjectID string
	Old       string
	New       string
	SessionID string
}

// ClampUnit clamps a confidence/importance value into [0,1], per Invariant 2.
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
