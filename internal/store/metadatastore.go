package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)

	"github.com/brainkeep/externalbrain/internal/domain"
	brainerrors "github.com/brainkeep/externalbrain/internal/errors"
)

// SQLiteMetadataStore implements MetadataStore over modernc.org/sqlite,
// persisting Memory, Project, and event-log rows plus the forwarding map
// used when C11 merges two memories into one canonical id.
type SQLiteMetadataStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// NewSQLiteMetadataStore opens (or creates) the metadata database at path.
// An empty path opens an in-memory database, used by tests.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		schema_type TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_referenced_at TIMESTAMP NOT NULL,
		memory_type TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		refs TEXT NOT NULL DEFAULT '[]',
		project_id TEXT,
		importance REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		is_memory_entry INTEGER NOT NULL DEFAULT 1,
		reference_count INTEGER NOT NULL DEFAULT 0,
		compressed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(memory_type);

	CREATE TABLE IF NOT EXISTS forwarding (
		from_id TEXT PRIMARY KEY,
		to_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		old TEXT NOT NULL DEFAULT '',
		new TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveProject inserts or replaces a project row.
func (s *SQLiteMetadataStore) SaveProject(ctx context.Context, project *domain.Project) error {
	tags, err := json.Marshal(project.Tags)
	if err != nil {
		return brainerrors.ValidationError("failed to encode project tags", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, tags, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, tags=excluded.tags
	`, project.ID, project.Name, project.Description, string(tags), project.CreatedAt)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to save project", err)
	}
	return nil
}

// GetProject returns a single project by id.
func (s *SQLiteMetadataStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, tags, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns every project.
func (s *SQLiteMetadataStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, tags, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, brainerrors.StorageUnavailable("failed to list projects", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var tags string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &tags, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, brainerrors.MemoryNotFoundError("")
		}
		return nil, brainerrors.StorageUnavailable("failed to scan project", err)
	}
	_ = json.Unmarshal([]byte(tags), &p.Tags)
	return &p, nil
}

// SaveMemory inserts or replaces a memory row.
func (s *SQLiteMetadataStore) SaveMemory(ctx context.Context, m *domain.Memory) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return brainerrors.ValidationError("failed to encode memory tags", err)
	}
	refs, err := json.Marshal(m.Refs)
	if err != nil {
		return brainerrors.ValidationError("failed to encode memory refs", err)
	}

	m.Importance = domain.ClampUnit(m.Importance)
	m.Confidence = domain.ClampUnit(m.Confidence)
	if m.LastReferencedAt.Before(m.CreatedAt) {
		m.LastReferencedAt = m.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, schema_type, content, summary, created_at, updated_at,
			last_referenced_at, memory_type, tags, refs, project_id, importance, confidence, is_memory_entry,
			reference_count, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_type=excluded.schema_type, content=excluded.content, summary=excluded.summary,
			updated_at=excluded.updated_at, last_referenced_at=excluded.last_referenced_at,
			memory_type=excluded.memory_type, tags=excluded.tags, refs=excluded.refs,
			project_id=excluded.project_id, importance=excluded.importance, confidence=excluded.confidence,
			is_memory_entry=excluded.is_memory_entry, reference_count=excluded.reference_count,
			compressed=excluded.compressed
	`, m.ID, string(m.SchemaType), m.Content, m.Summary, m.CreatedAt, m.UpdatedAt,
		m.LastReferencedAt, string(m.MemoryType), string(tags), string(refs),
		m.ProjectID, m.Importance, m.Confidence, boolToInt(m.IsMemoryEntry),
		m.ReferenceCount, boolToInt(m.Compressed))
	if err != nil {
		return brainerrors.StorageUnavailable("failed to save memory", err)
	}
	return nil
}

// GetMemory returns a single memory by id.
func (s *SQLiteMetadataStore) GetMemory(ctx context.Context, id string) (*domain.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelectColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		if brainerrors.GetCode(err) == brainerrors.ErrCodeMemoryNotFound {
			return nil, brainerrors.MemoryNotFoundError(id)
		}
		return nil, err
	}
	return m, nil
}

// GetMemories returns a batch of memories by id.
func (s *SQLiteMetadataStore) GetMemories(ctx context.Context, ids []string) ([]*domain.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := memorySelectColumns + ` FROM memories WHERE id IN (` + joinPlaceholders(placeholders) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, brainerrors.StorageUnavailable("failed to get memories", err)
	}
	defer rows.Close()

	var memories []*domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// ListMemoriesByProject paginates memories under a project, cursor-ordered by id.
func (s *SQLiteMetadataStore) ListMemoriesByProject(ctx context.Context, projectID, cursor string, limit int) ([]*domain.Memory, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		memorySelectColumns+` FROM memories WHERE project_id = ? AND id > ? ORDER BY id LIMIT ?`,
		projectID, cursor, limit)
	if err != nil {
		return nil, "", brainerrors.StorageUnavailable("failed to list memories", err)
	}
	defer rows.Close()

	var memories []*domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, "", err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", brainerrors.StorageUnavailable("failed to list memories", err)
	}

	next := ""
	if len(memories) == limit {
		next = memories[len(memories)-1].ID
	}
	return memories, next, nil
}

// ListMemoriesByTier returns every memory at a given lifecycle tier.
func (s *SQLiteMetadataStore) ListMemoriesByTier(ctx context.Context, tier domain.MemoryTier) ([]*domain.Memory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelectColumns+` FROM memories WHERE memory_type = ?`, string(tier))
	if err != nil {
		return nil, brainerrors.StorageUnavailable("failed to list memories by tier", err)
	}
	defer rows.Close()

	var memories []*domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory removes a memory row.
func (s *SQLiteMetadataStore) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return brainerrors.StorageUnavailable("failed to delete memory", err)
	}
	return nil
}

// UpdateMemoryTier moves a memory to next, rejecting a transition that would
// violate Invariant 5 (monotone tier promotion: working -> short_term ->
// long_term, never downward).
func (s *SQLiteMetadataStore) UpdateMemoryTier(ctx context.Context, id string, next domain.MemoryTier) error {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if !m.MemoryType.CanPromoteTo(next) {
		return brainerrors.ValidationError(
			fmt.Sprintf("illegal tier transition for memory %s: %s -> %s", id, m.MemoryType, next), nil)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE memories SET memory_type = ? WHERE id = ?`, string(next), id)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to update memory tier", err)
	}
	return nil
}

// TouchReference bumps last_referenced_at and increments reference_count;
// callers must ensure at is not before the memory's created_at (Invariant 4).
func (s *SQLiteMetadataStore) TouchReference(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET last_referenced_at = ?, reference_count = reference_count + 1
		WHERE id = ? AND last_referenced_at < ?
	`, at, id, at)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to touch reference", err)
	}
	return nil
}

// SaveForwarding records that fromID has been superseded by toID (used by
// C11's merge operation).
func (s *SQLiteMetadataStore) SaveForwarding(ctx context.Context, fromID, toID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forwarding (from_id, to_id) VALUES (?, ?)
		ON CONFLICT(from_id) DO UPDATE SET to_id = excluded.to_id
	`, fromID, toID)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to save forwarding entry", err)
	}
	return nil
}

// ResolveForwarding follows the forwarding chain for id, returning id itself
// if it has never been superseded.
func (s *SQLiteMetadataStore) ResolveForwarding(ctx context.Context, id string) (string, error) {
	current := id
	for i := 0; i < 32; i++ { // bounded to guard against a forwarding cycle
		var next string
		err := s.db.QueryRowContext(ctx, `SELECT to_id FROM forwarding WHERE from_id = ?`, current).Scan(&next)
		if err == sql.ErrNoRows {
			return current, nil
		}
		if err != nil {
			return "", brainerrors.StorageUnavailable("failed to resolve forwarding", err)
		}
		current = next
	}
	return current, nil
}

// AppendEvent appends a record to the event log.
func (s *SQLiteMetadataStore) AppendEvent(ctx context.Context, entry *domain.EventLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (ts, type, subject_id, old, new, session_id) VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, string(entry.Type), entry.SubjectID, entry.Old, entry.New, entry.SessionID)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to append event", err)
	}
	return nil
}

// ListEvents returns events at or after since, oldest first, capped at limit.
func (s *SQLiteMetadataStore) ListEvents(ctx context.Context, since time.Time, limit int) ([]*domain.EventLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, type, subject_id, old, new, session_id FROM events WHERE ts >= ? ORDER BY ts LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, brainerrors.StorageUnavailable("failed to list events", err)
	}
	defer rows.Close()

	var entries []*domain.EventLogEntry
	for rows.Next() {
		var e domain.EventLogEntry
		var typ string
		if err := rows.Scan(&e.Timestamp, &typ, &e.SubjectID, &e.Old, &e.New, &e.SessionID); err != nil {
			return nil, brainerrors.StorageUnavailable("failed to scan event", err)
		}
		e.Type = domain.EventType(typ)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetState reads a runtime state value.
func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", brainerrors.StorageUnavailable("failed to get state", err)
	}
	return value, nil
}

// SetState writes a runtime state value.
func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return brainerrors.StorageUnavailable("failed to set state", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

const memorySelectColumns = `SELECT id, schema_type, content, summary, created_at, updated_at,
	last_referenced_at, memory_type, tags, refs, project_id, importance, confidence, is_memory_entry,
	reference_count, compressed`

func scanMemory(row rowScanner) (*domain.Memory, error) {
	var m domain.Memory
	var tags, refs string
	var projectID sql.NullString
	var isEntry, compressed int
	if err := row.Scan(&m.ID, &m.SchemaType, &m.Content, &m.Summary, &m.CreatedAt, &m.UpdatedAt,
		&m.LastReferencedAt, &m.MemoryType, &tags, &refs, &projectID, &m.Importance, &m.Confidence, &isEntry,
		&m.ReferenceCount, &compressed); err != nil {
		if err == sql.ErrNoRows {
			return nil, brainerrors.MemoryNotFoundError("")
		}
		return nil, brainerrors.StorageUnavailable("failed to scan memory", err)
	}
	_ = json.Unmarshal([]byte(tags), &m.Tags)
	_ = json.Unmarshal([]byte(refs), &m.Refs)
	if projectID.Valid {
		id := projectID.String
		m.ProjectID = &id
	}
	m.IsMemoryEntry = isEntry != 0
	m.Compressed = compressed != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinPlaceholders(placeholders []string) string {
	out := ""
	for i, p := range placeholders {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
