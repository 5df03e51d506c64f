package rerank

import (
	"sort"
	"strings"
)

// stopWords mirrors the lexical index's English stopword set so the
// reranker's cache key and the BM25 index tokenize similarly-shaped input.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "by": true,
	"for": true, "with": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "it": true, "this": true, "that": true,
	"these": true, "those": true, "as": true, "from": true, "has": true, "have": true,
	"had": true,
}

// IDFProvider supplies a global inverse-document-frequency for a token, used
// to pick the most informative three tokens for a keyword signature. A nil
// IDFProvider falls back to the spec's documented tie-break: lexical order.
type IDFProvider interface {
	IDF(token string) float64
}

// KeywordSignature computes the order-invariant L2 cache key for a query:
// lowercase-tokenize, drop stopwords, keep the top 3 tokens by IDF (lexical
// order breaking ties, or when idf is nil), sort alphabetically, join with
// "|". Two paraphrases using the same content words in different order
// produce the same signature, per spec.md §4.9.
func KeywordSignature(query string, idf IDFProvider) string {
	tokens := tokenize(query)
	unique := dedupe(tokens)

	sort.Slice(unique, func(i, j int) bool {
		var si, sj float64
		if idf != nil {
			si, sj = idf.IDF(unique[i]), idf.IDF(unique[j])
		}
		if si != sj {
			return si > sj
		}
		return unique[i] < unique[j]
	})

	top := unique
	if len(top) > 3 {
		top = top[:3]
	}
	sort.Strings(top)
	return strings.Join(top, "|")
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if f == "" || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
