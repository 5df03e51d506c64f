// Package qam implements the Query Attribute Model (C7): extracting
// {topic, doc_type, project, severity} from a free-text query via a
// deterministic heuristic dictionary, with an optional LLM fallback for
// queries the dictionary under-determines.
package qam

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brainkeep/externalbrain/internal/embed"
)

// Attributes is the structured result of a query extraction.
type Attributes struct {
	Topic      string
	DocType    string
	Project    string
	Severity   string
	Confidence float64
}

// fieldCount reports how many of the four attributes are non-empty.
func (a Attributes) fieldCount() int {
	n := 0
	if a.Topic != "" {
		n++
	}
	if a.DocType != "" {
		n++
	}
	if a.Project != "" {
		n++
	}
	if a.Severity != "" {
		n++
	}
	return n
}

// Config controls the Stage 2 LLM fallback.
type Config struct {
	// LLMFallbackEnabled toggles Stage 2 entirely.
	LLMFallbackEnabled bool
	// MinHeuristicAttributes is the threshold below which Stage 2 fires
	// (spec.md §4.7: "fewer than two attributes were found").
	MinHeuristicAttributes int
	// Timeout bounds the Stage 2 LLM call; a timeout is swallowed and
	// Stage 1's result is returned.
	Timeout time.Duration
	// CostBudget caps the number of Stage 2 calls per process lifetime;
	// zero means unlimited.
	CostBudget int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		LLMFallbackEnabled:     true,
		MinHeuristicAttributes: 2,
		Timeout:                2 * time.Second,
		CostBudget:             0,
	}
}

// Model is the Query Attribute Model.
type Model struct {
	dict   *Dictionary
	router embed.Router
	cfg    Config

	spent atomic.Int64 // Stage 2 calls made so far; bounded by cfg.CostBudget.
}

// New builds a Model over dict and an optional router (nil disables Stage 2
// regardless of cfg.LLMFallbackEnabled).
func New(dict *Dictionary, router embed.Router, cfg Config) *Model {
	if dict == nil {
		dict = DefaultDictionary()
	}
	return &Model{dict: dict, router: router, cfg: cfg}
}

// Extract runs Stage 1 unconditionally, then Stage 2 if the heuristic
// result under-determined the query and budget/config allow it. Stage 1
// never fails; Stage 2 failures (timeout, parse error) are swallowed and
// Stage 1's result is returned, per spec.md §4.7.
func (m *Model) Extract(ctx context.Context, query string) Attributes {
	heuristic := m.extractHeuristic(query)
	if !m.shouldFallback(heuristic) {
		return heuristic
	}

	m.spent.Add(1)
	llmAttrs, ok := m.extractLLM(ctx, query)
	if !ok {
		return heuristic
	}
	return merge(heuristic, llmAttrs)
}

func (m *Model) shouldFallback(h Attributes) bool {
	if !m.cfg.LLMFallbackEnabled || m.router == nil {
		return false
	}
	if h.fieldCount() >= m.cfg.MinHeuristicAttributes {
		return false
	}
	if m.cfg.CostBudget > 0 && m.spent.Load() >= int64(m.cfg.CostBudget) {
		return false
	}
	return true
}

// extractHeuristic is Stage 1: deterministic substring matching against the
// dictionary. confidence is 1.0 per matched attribute and the result's
// overall Confidence is the minimum over matched attributes (1.0 if none
// matched — an empty result is not "low confidence", it's "no opinion").
func (m *Model) extractHeuristic(query string) Attributes {
	q := strings.ToLower(query)

	var a Attributes
	a.Confidence = 1.0
	if topic, ok := bestMatch(q, m.dict.Topics); ok {
		a.Topic = topic
	}
	if docType, ok := bestMatch(q, m.dict.DocTypes); ok {
		a.DocType = docType
	}
	if sev, ok := bestMatch(q, m.dict.Severities); ok {
		a.Severity = sev
	}
	if proj, ok := bestMatch(q, m.dict.Projects); ok {
		a.Project = proj
	}
	return a
}

const extractionPrompt = `Extract structured attributes from the developer query below.
Respond with JSON only, using empty string for any attribute that does not apply:
{"topic": "...", "doc_type": "...", "project": "...", "severity": "...", "confidence": 0.0}

Query: %s`

type llmResponse struct {
	Topic      string  `json:"topic"`
	DocType    string  `json:"doc_type"`
	Project    string  `json:"project"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// extractLLM is Stage 2: a structured-extraction prompt routed through C3.
func (m *Model) extractLLM(ctx context.Context, query string) (Attributes, bool) {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := strings.Replace(extractionPrompt, "%s", query, 1)
	raw, err := m.router.Route(callCtx, embed.TaskClassification, prompt, 128, 0.0)
	if err != nil {
		return Attributes{}, false
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Attributes{}, false
	}
	var resp llmResponse
	if jsonErr := json.Unmarshal([]byte(raw[start:end+1]), &resp); jsonErr != nil {
		return Attributes{}, false
	}
	return Attributes{
		Topic:      strings.ToLower(strings.TrimSpace(resp.Topic)),
		DocType:    strings.ToLower(strings.TrimSpace(resp.DocType)),
		Project:    strings.ToLower(strings.TrimSpace(resp.Project)),
		Severity:   strings.ToLower(strings.TrimSpace(resp.Severity)),
		Confidence: clamp01(resp.Confidence),
	}, true
}

// merge combines heuristic and LLM results; heuristic hits always take
// precedence on conflict, per spec.md §4.7. Confidence is the minimum of
// the two result's confidences.
func merge(heuristic, llm Attributes) Attributes {
	out := heuristic
	if out.Topic == "" {
		out.Topic = llm.Topic
	}
	if out.DocType == "" {
		out.DocType = llm.DocType
	}
	if out.Project == "" {
		out.Project = llm.Project
	}
	if out.Severity == "" {
		out.Severity = llm.Severity
	}
	out.Confidence = minFloat(heuristic.Confidence, llm.Confidence)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
