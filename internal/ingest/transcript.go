package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// TranscriptIngestor mines coding-assistant session transcripts (Claude Code
// and Codex JSONL session logs) for ingestion candidates, grounded on
// scripts/claude_session_ingestor.py and scripts/codex_session_ingestor.py:
// each line is one event; consecutive user/assistant turns are paired into
// one Record, with tool_use/tool_result events folded into the assistant
// side as readable text rather than dropped. Differential processing (the
// original's separate session_id/line_number SQLite table) is replaced by
// giving every record a deterministic external id, since ingest() is
// already idempotent on that field.
type TranscriptIngestor struct {
	source string
}

// NewTranscriptIngestor builds a TranscriptIngestor. source labels produced
// records (e.g. "claude_code", "codex").
func NewTranscriptIngestor(source string) *TranscriptIngestor {
	return &TranscriptIngestor{source: source}
}

// transcriptEvent mirrors the subset of a session JSONL line this ingestor
// understands: a role, free text, and optional tool call/result content.
type transcriptEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Timestamp string `json:"timestamp"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
}

// Parse reads a JSONL transcript and returns one Record per user/assistant
// pair it finds, in file order. sessionID seeds each record's external id so
// re-ingesting the same transcript is a no-op replace rather than a
// duplicate.
func (t *TranscriptIngestor) Parse(r io.Reader, sessionID string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var records []Record
	var pendingUser string
	var pendingUserTS time.Time
	lineNumber := 0

	flush := func(assistantText string, ts time.Time) {
		if pendingUser == "" && assistantText == "" {
			return
		}
		records = append(records, Record{
			User:      pendingUser,
			Assistant: assistantText,
			Source:    t.source,
			Timestamp: ts,
			Metadata: map[string]string{
				"external_id": fmt.Sprintf("%s:%d", sessionID, lineNumber),
			},
		})
		pendingUser = ""
	}

	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev transcriptEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		ts := parseTimestamp(ev.Timestamp)
		text := extractText(ev.Message.Content)
		role := ev.Message.Role
		if role == "" {
			role = ev.Type
		}

		switch role {
		case "user":
			if pendingUser != "" {
				flush("", pendingUserTS)
			}
			pendingUser = text
			pendingUserTS = ts
		case "assistant":
			flush(text, ts)
		case "tool_use", "tool_result":
			// Folded into the next assistant flush as part of its text by
			// extractText when the block appears inside an assistant message;
			// a standalone tool event with no paired assistant turn is still
			// worth keeping as its own record.
			if text != "" {
				flush(text, ts)
			}
		}
	}
	if pendingUser != "" {
		flush("", pendingUserTS)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("ingest: scanning transcript: %w", err)
	}
	return records, nil
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}

// extractText flattens a message's content into plain text, rendering
// tool_use/tool_result blocks as a labeled summary rather than dropping
// them, per the original ingestor's command_summary handling.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[tool_use] %s: %s", b.Name, string(b.Input)))
		case "tool_result":
			parts = append(parts, fmt.Sprintf("[tool_result] %s: %s", b.ToolUseID, string(b.Content)))
		}
	}
	return strings.Join(parts, "\n")
}
