package rerank

import "testing"

func TestKeywordSignatureOrderInvariant(t *testing.T) {
	a := KeywordSignature("fix the login bug", nil)
	b := KeywordSignature("bug in login, fix it", nil)
	if a != b {
		t.Fatalf("expected order-invariant signatures to match, got %q vs %q", a, b)
	}
}

func TestKeywordSignatureDropsStopwords(t *testing.T) {
	sig := KeywordSignature("the quick fix for the bug", nil)
	if sig == "" {
		t.Fatalf("expected non-empty signature")
	}
	for _, tok := range []string{"the", "for"} {
		if contains(sig, tok) {
			t.Fatalf("signature %q should not contain stopword %q", sig, tok)
		}
	}
}

func TestKeywordSignatureTopThreeByLexicalFallback(t *testing.T) {
	sig := KeywordSignature("alpha beta gamma delta epsilon", nil)
	want := "alpha|beta|delta"
	if sig != want {
		t.Fatalf("expected lexical-order top-3 %q, got %q", want, sig)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
