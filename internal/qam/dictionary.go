package qam

import "strings"

// Dictionary is the curated, per-attribute keyword table Stage 1 matches
// against. It is built once at startup and is read-only thereafter, so
// concurrent Extract calls never contend on it.
type Dictionary struct {
	Topics     map[string][]string // topic -> keywords
	DocTypes   map[string][]string // doc_type -> keywords
	Severities map[string][]string // severity -> keywords
	Projects   map[string][]string // project id -> aliases
}

// DefaultDictionary returns a curated dictionary covering the common
// developer-conversation vocabulary. Callers add project aliases at
// runtime via AddProject as projects are created.
func DefaultDictionary() *Dictionary {
	return &Dictionary{
		Topics: map[string][]string{
			"database":      {"database", "sql", "postgres", "mysql", "sqlite", "query", "migration", "schema"},
			"auth":          {"auth", "authentication", "login", "oauth", "token", "session", "jwt", "permission"},
			"networking":    {"network", "tcp", "http", "dns", "latency", "timeout", "connection", "socket"},
			"deployment":    {"deploy", "deployment", "release", "rollout", "rollback", "ci/cd", "pipeline"},
			"frontend":      {"frontend", "ui", "react", "css", "component", "render", "browser"},
			"testing":       {"test", "tests", "testing", "flaky", "regression", "coverage", "unit test"},
			"performance":   {"performance", "latency", "slow", "memory leak", "cpu", "profiling", "bottleneck"},
			"infrastructure": {"infra", "infrastructure", "kubernetes", "k8s", "docker", "container", "terraform"},
			"api":           {"api", "endpoint", "rest", "grpc", "graphql", "route", "handler"},
			"ingestion":     {"ingest", "ingestion", "change feed", "pipeline", "consumer", "producer", "kafka"},
		},
		DocTypes: map[string][]string{
			"incident":     {"incident", "outage", "postmortem", "down", "crash", "error rate", "alert"},
			"snippet":      {"snippet", "code example", "function", "how do i write", "sample code"},
			"decision":     {"decision", "decided", "we chose", "tradeoff", "rfc", "proposal"},
			"pattern":      {"pattern", "best practice", "convention", "idiom", "anti-pattern"},
			"runbook":      {"runbook", "playbook", "steps to", "procedure", "how to recover"},
			"note":         {"note", "reminder", "todo", "fyi"},
			"conversation": {"chat", "conversation", "discussion"},
		},
		Severities: map[string][]string{
			"critical": {"critical", "sev1", "sev-1", "p0", "urgent", "outage"},
			"high":     {"high", "sev2", "sev-2", "p1", "major"},
			"medium":   {"medium", "sev3", "sev-3", "p2", "moderate"},
			"low":      {"low", "sev4", "sev-4", "p3", "minor", "cosmetic"},
		},
		Projects: map[string][]string{},
	}
}

// AddProject registers a project's id and its name/aliases so queries that
// mention the project by name route correctly.
func (d *Dictionary) AddProject(id string, aliases ...string) {
	existing := d.Projects[id]
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[strings.ToLower(a)] = true
	}
	for _, a := range aliases {
		la := strings.ToLower(strings.TrimSpace(a))
		if la == "" || seen[la] {
			continue
		}
		seen[la] = true
		existing = append(existing, la)
	}
	d.Projects[id] = existing
}

// bestMatch scans table for the key whose keyword list has the longest
// matching substring hit in query, returning ("", false) on no hit.
// Longest-match-wins keeps overlapping keywords (e.g. "test" vs "unit
// test") from picking the less specific one.
func bestMatch(query string, table map[string][]string) (string, bool) {
	best := ""
	bestLen := 0
	found := false
	for key, keywords := range table {
		for _, kw := range keywords {
			if kw == "" || !strings.Contains(query, kw) {
				continue
			}
			switch {
			case len(kw) > bestLen:
				best, bestLen, found = key, len(kw), true
			case len(kw) == bestLen && found && key < best:
				// Deterministic tie-break: map iteration order is random,
				// so equal-length matches must not depend on it.
				best = key
			}
		}
	}
	return best, found
}
