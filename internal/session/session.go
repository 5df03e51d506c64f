// Package session implements the append-only session interface: a
// conversation buffer that starts with start_session, accumulates turns
// via add_event, and on end_session is summarized (hierarchically if long)
// into a single consolidated memory rather than indexed turn by turn.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainkeep/externalbrain/internal/chunk"
	"github.com/brainkeep/externalbrain/internal/classify"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	brainerrors "github.com/brainkeep/externalbrain/internal/errors"
	"github.com/brainkeep/externalbrain/internal/indexer"
)

// hierarchicalGroupTokens bounds how many tokens of transcript get folded
// into one map-reduce summarization group, reusing the chunker's own token
// budget so the map stage never exceeds what one completion call is sized
// for.
const hierarchicalGroupTokens = chunk.DefaultMaxTokens

// Event is one turn appended to a session via AddEvent.
type Event struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Session is an in-progress, append-only conversation buffer.
type Session struct {
	ID        string
	ProjectID string
	Metadata  map[string]string
	Events    []Event
	StartedAt time.Time
	Ended     bool
	MemoryID  string
}

// Manager implements start_session/add_event/end_session over in-memory
// session state, producing one consolidated memory per ended session
// through the same classify -> chunk -> index pipeline ingest() uses.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	classifier *classify.Classifier
	indexer    *indexer.Indexer
	router     embed.Router
}

// NewManager builds a session Manager.
func NewManager(classifier *classify.Classifier, ix *indexer.Indexer, router embed.Router) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		classifier: classifier,
		indexer:    ix,
		router:     router,
	}
}

// StartSession opens a new append-only session and returns its id.
func (m *Manager) StartSession(metadata map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "sess-" + uuid.NewString()
	projectID := ""
	if metadata != nil {
		projectID = metadata["project_id"]
	}
	m.sessions[id] = &Session{
		ID:        id,
		ProjectID: projectID,
		Metadata:  metadata,
		StartedAt: time.Now(),
	}
	return id
}

// AddEvent appends ev to sessionID's buffer. It fails once the session has
// already been ended, preserving the append-only-until-ended rule.
func (m *Manager) AddEvent(sessionID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return brainerrors.SessionNotFoundError(sessionID)
	}
	if sess.Ended {
		return fmt.Errorf("session: %s has already ended", sessionID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	sess.Events = append(sess.Events, ev)
	return nil
}

// EndSession closes sessionID, summarizes its transcript (hierarchically if
// it exceeds the chunker's token threshold), and indexes the result as one
// consolidated memory. It is idempotent: ending an already-ended session
// returns its existing memory id without reprocessing.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", brainerrors.SessionNotFoundError(sessionID)
	}
	if sess.Ended {
		memoryID := sess.MemoryID
		m.mu.Unlock()
		return memoryID, nil
	}
	events := append([]Event(nil), sess.Events...)
	startedAt := sess.StartedAt
	projectID := sess.ProjectID
	metadata := sess.Metadata
	m.mu.Unlock()

	transcript := renderTranscript(events)
	firstUser, lastAssistant := firstAndLast(events)

	classification := m.classifier.Classify(ctx, firstUser, lastAssistant, metadata)

	var summary string
	if chunk.EstimateTokens(transcript) > hierarchicalGroupTokens {
		summary = m.hierarchicalSummarize(ctx, events)
	} else {
		summary = m.summarizeOnce(ctx, transcript)
	}

	memoryID := "mem-" + uuid.NewString()
	now := time.Now()
	memory := &domain.Memory{
		ID:               memoryID,
		SchemaType:       classification.SchemaType,
		Content:          transcript,
		Summary:          summary,
		CreatedAt:        startedAt,
		LastReferencedAt: now,
		MemoryType:       domain.TierWorking,
		Confidence:       classification.Confidence,
		Importance:       domain.ClampUnit(0.3 + 0.2*classification.Confidence),
	}
	if projectID != "" {
		memory.ProjectID = &projectID
	}

	chunks := chunk.Chunks(memoryID, transcript, chunk.DefaultOptions())
	if err := m.indexer.IndexMemory(ctx, memory, chunks); err != nil {
		return "", fmt.Errorf("session: indexing consolidated memory: %w", err)
	}

	m.mu.Lock()
	sess.Ended = true
	sess.MemoryID = memoryID
	m.mu.Unlock()

	return memoryID, nil
}

// hierarchicalSummarize groups events into token-bounded batches, summarizes
// each batch independently (the map stage), then summarizes the joined
// batch summaries into one final summary (the reduce stage).
func (m *Manager) hierarchicalSummarize(ctx context.Context, events []Event) string {
	groups := groupByTokenBudget(events, hierarchicalGroupTokens)
	partials := make([]string, 0, len(groups))
	for _, g := range groups {
		partials = append(partials, m.summarizeOnce(ctx, renderTranscript(g)))
	}
	return m.summarizeOnce(ctx, strings.Join(partials, "\n\n"))
}

func (m *Manager) summarizeOnce(ctx context.Context, text string) string {
	if m.router == nil {
		return truncate(text, 500)
	}
	summary, err := m.router.Route(ctx, embed.TaskLongSummary, buildSummaryPrompt(text), 512, 0.3)
	if err != nil || summary == "" {
		return truncate(text, 500)
	}
	return summary
}

const summaryPromptTemplate = `Summarize this conversation, preserving every decision, fact, and open question:

%s`

func buildSummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryPromptTemplate, transcript)
}

func renderTranscript(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		role := ev.Role
		if role == "" {
			role = "user"
		}
		label := strings.ToUpper(role[:1]) + role[1:]
		fmt.Fprintf(&b, "%s: %s\n\n", label, ev.Content)
	}
	return strings.TrimSpace(b.String())
}

func firstAndLast(events []Event) (firstUser, lastAssistant string) {
	for _, ev := range events {
		if ev.Role == "user" && firstUser == "" {
			firstUser = ev.Content
		}
		if ev.Role == "assistant" {
			lastAssistant = ev.Content
		}
	}
	return firstUser, lastAssistant
}

// groupByTokenBudget splits events into contiguous batches whose rendered
// transcript stays within maxTokens, never splitting a single event.
func groupByTokenBudget(events []Event, maxTokens int) [][]Event {
	var groups [][]Event
	var current []Event
	currentTokens := 0

	for _, ev := range events {
		evTokens := chunk.EstimateTokens(ev.Content)
		if len(current) > 0 && currentTokens+evTokens > maxTokens {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, ev)
		currentTokens += evTokens
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
