package classify

import (
	"context"
	"testing"

	"github.com/brainkeep/externalbrain/internal/domain"
)

func TestClassifyHeuristicHint(t *testing.T) {
	c := New(nil)
	res := c.Classify(context.Background(), "how do I fix this", "do X", map[string]string{"schema_type_hint": "decision"})
	if res.SchemaType != domain.SchemaDecision {
		t.Fatalf("expected decision, got %s", res.SchemaType)
	}
}

func TestClassifySnippetHeuristic(t *testing.T) {
	c := New(nil)
	res := c.Classify(context.Background(), "show me the fix", "```go\nfmt.Println(1)\n```", nil)
	if res.SchemaType != domain.SchemaSnippet {
		t.Fatalf("expected snippet, got %s", res.SchemaType)
	}
}

func TestClassifyNilRouterFallsBackToConversation(t *testing.T) {
	c := New(nil)
	res := c.Classify(context.Background(), "hello", "hi there, how can I help", nil)
	if res.SchemaType != domain.SchemaConversation {
		t.Fatalf("expected conversation fallback, got %s", res.SchemaType)
	}
}
