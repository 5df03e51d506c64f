// Package classify implements the schema classifier (C5): assigning a
// domain.SchemaType to a raw (user, assistant) exchange before it is
// chunked and indexed.
package classify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
)

// MinConfidence is the floor below which a classification is discarded in
// favor of the Conversation fallback, per spec.md §4.5.
const MinConfidence = 0.5

// Result is the outcome of a classification pass.
type Result struct {
	SchemaType domain.SchemaType
	Confidence float64
}

// Classifier assigns a schema_type to a memory candidate.
type Classifier struct {
	router embed.Router
}

// New builds a Classifier over router. router may be nil, in which case
// every call that the heuristics do not settle falls back to Conversation
// with confidence 0.
func New(router embed.Router) *Classifier {
	return &Classifier{router: router}
}

// Classify returns a schema type and confidence for the given exchange.
// On any router failure, or a confidence below MinConfidence, it falls back
// to domain.SchemaConversation per spec.md §4.5.
func (c *Classifier) Classify(ctx context.Context, userText, assistantText string, metadata map[string]string) Result {
	if heuristic, ok := heuristicClassify(userText, assistantText, metadata); ok {
		return heuristic
	}

	if c.router == nil {
		return Result{SchemaType: domain.SchemaConversation, Confidence: 0}
	}

	prompt := buildPrompt(userText, assistantText)

	raw, err := c.router.Route(ctx, embed.TaskClassification, prompt, 128, 0.0)
	if err != nil {
		return Result{SchemaType: domain.SchemaConversation, Confidence: 0}
	}

	res, ok := parseResponse(raw)
	if !ok || res.Confidence < MinConfidence {
		return Result{SchemaType: domain.SchemaConversation, Confidence: res.Confidence}
	}
	return res
}

func buildPrompt(userText, assistantText string) string {
	var b strings.Builder
	b.WriteString("Classify the following exchange into exactly one of these types:\n")
	b.WriteString("incident, snippet, decision, pattern, runbook, note, conversation.\n\n")
	b.WriteString(`Respond with JSON only: {"schema_type": "<type>", "confidence": <0..1 float>}`)
	b.WriteString("\n\nUser: ")
	b.WriteString(userText)
	b.WriteString("\n\nAssistant: ")
	b.WriteString(assistantText)
	return b.String()
}

type classifyResponse struct {
	SchemaType string  `json:"schema_type"`
	Confidence float64 `json:"confidence"`
}

func parseResponse(raw string) (Result, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Result{}, false
	}
	var resp classifyResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return Result{}, false
	}
	st := domain.SchemaType(strings.ToLower(strings.TrimSpace(resp.SchemaType)))
	if !st.Valid() {
		return Result{}, false
	}
	return Result{SchemaType: st, Confidence: domain.ClampUnit(resp.Confidence)}, true
}

// heuristicClassify catches unambiguous cases without spending an LLM call:
// fenced code in the assistant turn is almost always a Snippet, and a
// metadata hint (e.g. from an ingestor) is trusted outright.
func heuristicClassify(userText, assistantText string, metadata map[string]string) (Result, bool) {
	if hint, ok := metadata["schema_type_hint"]; ok {
		st := domain.SchemaType(strings.ToLower(hint))
		if st.Valid() {
			return Result{SchemaType: st, Confidence: 1.0}, true
		}
	}
	if strings.Contains(assistantText, "```") && len(assistantText) < 2000 {
		return Result{SchemaType: domain.SchemaSnippet, Confidence: 0.7}, true
	}
	return Result{}, false
}
