// Package chunk splits memory content into token-bounded chunks (C4).
//
// Splitting prefers heading boundaries, then paragraphs, then sentences;
// a fenced code block is never split regardless of size. Adjacent chunks
// overlap by roughly 10% of the configured token budget so a reader moving
// chunk to chunk never loses the sentence that straddled a cut.
package chunk

import (
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/brainkeep/externalbrain/internal/domain"
)

// Default sizing, per spec.md §4.4.
const (
	DefaultMaxTokens = 512
	DefaultOverlap   = 0.10 // ~10% of MaxTokens
	TokensPerChar    = 4    // rough approximation: 4 chars ≈ 1 token
)

// Options configures a chunking pass.
type Options struct {
	// MaxTokens bounds every chunk's token estimate (default: DefaultMaxTokens).
	MaxTokens int
	// OverlapRatio is the fraction of MaxTokens repeated between adjacent
	// chunks (default: DefaultOverlap).
	OverlapRatio float64
	// Metadata is inherited onto every produced chunk (classification/topic/
	// project hints, per spec.md §3).
	Metadata map[string]string
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{MaxTokens: DefaultMaxTokens, OverlapRatio: DefaultOverlap}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapRatio <= 0 {
		o.OverlapRatio = DefaultOverlap
	}
	return o
}

// EstimateTokens approximates a token count from rune length.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	tokens := n / TokensPerChar
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
var fencePattern = regexp.MustCompile("(?s)```.*?```")
var sentenceBoundary = regexp.MustCompile(`(?s)([.!?])\s+`)

// Chunks computes the ordered chunks for memoryID's content under opts.
// Empty input produces an empty, non-nil slice (not an error), per the
// §4.4 edge case.
func Chunks(memoryID, content string, opts Options) []*domain.Chunk {
	opts = opts.normalized()
	if strings.TrimSpace(content) == "" {
		return []*domain.Chunk{}
	}

	sections := splitSections(content)
	var pieces []string
	for _, sec := range sections {
		pieces = append(pieces, splitSection(sec, opts.MaxTokens)...)
	}
	pieces = applyOverlap(pieces, opts)

	chunks := make([]*domain.Chunk, 0, len(pieces))
	for i, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, domain.NewChunk(memoryID, len(chunks), p, EstimateTokens(p), opts.Metadata))
		_ = i
	}
	return chunks
}

// Sequence returns a lazy, finite, restartable iterator over the same
// chunks Chunks would return. Each call to the returned iter.Seq replays
// the full computation from scratch, so range-ing over it twice (or
// breaking out early and starting a fresh range) always observes the same
// values.
func Sequence(memoryID, content string, opts Options) iter.Seq[*domain.Chunk] {
	return func(yield func(*domain.Chunk) bool) {
		for _, c := range Chunks(memoryID, content, opts) {
			if !yield(c) {
				return
			}
		}
	}
}

// section is a heading-delimited slice of the document.
type section struct {
	level int
	path  string
	body  string
}

// splitSections breaks content at heading boundaries. Content with no
// headings at all becomes a single section with an empty path.
func splitSections(content string) []*section {
	lines := strings.Split(content, "\n")
	stack := make([]string, 6)

	var sections []*section
	var cur *section
	var buf strings.Builder

	flush := func() {
		if cur != nil {
			cur.body = buf.String()
			sections = append(sections, cur)
			buf.Reset()
		}
	}

	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flush()
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			stack[level-1] = title
			for i := level; i < 6; i++ {
				stack[i] = ""
			}
			var parts []string
			for i := 0; i < level; i++ {
				if stack[i] != "" {
					parts = append(parts, stack[i])
				}
			}
			cur = &section{level: level, path: strings.Join(parts, " > ")}
			buf.WriteString(line)
			buf.WriteString("\n")
			continue
		}
		if cur == nil {
			cur = &section{}
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	if len(sections) == 0 {
		return []*section{{body: content}}
	}
	return sections
}

// splitSection turns one section into token-bounded pieces: paragraph
// splitting first, sentence splitting only if a single paragraph still
// overflows maxTokens. Fenced code blocks are treated as atomic and never
// split regardless of size.
func splitSection(sec *section, maxTokens int) []string {
	body := strings.TrimRight(sec.body, "\n")
	if EstimateTokens(body) <= maxTokens {
		if strings.TrimSpace(body) == "" {
			return nil
		}
		return []string{annotate(sec, body)}
	}

	paragraphs := splitProtectingFences(body, "\n\n")
	var pieces []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, annotate(sec, strings.TrimSpace(buf.String())))
			buf.Reset()
		}
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if EstimateTokens(p) > maxTokens && !strings.Contains(p, "```") {
			flush()
			pieces = append(pieces, splitSentences(sec, p, maxTokens)...)
			continue
		}
		if buf.Len() > 0 && EstimateTokens(buf.String())+EstimateTokens(p) > maxTokens {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return pieces
}

// splitSentences splits an overlong, fence-free paragraph on sentence
// boundaries, packing sentences until maxTokens is reached.
func splitSentences(sec *section, p string, maxTokens int) []string {
	raw := sentenceBoundary.ReplaceAllString(p, "$1\x00")
	sentences := strings.Split(raw, "\x00")

	var pieces []string
	var buf strings.Builder
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if buf.Len() > 0 && EstimateTokens(buf.String())+EstimateTokens(s) > maxTokens {
			pieces = append(pieces, annotate(sec, strings.TrimSpace(buf.String())))
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(s)
	}
	if buf.Len() > 0 {
		pieces = append(pieces, annotate(sec, strings.TrimSpace(buf.String())))
	}
	return pieces
}

// splitProtectingFences splits body on sep but re-merges any split that
// landed inside a ``` fenced block.
func splitProtectingFences(body, sep string) []string {
	fences := fencePattern.FindAllStringIndex(body, -1)
	if len(fences) == 0 {
		return strings.Split(body, sep)
	}

	inFence := func(pos int) bool {
		for _, f := range fences {
			if pos >= f[0] && pos < f[1] {
				return true
			}
		}
		return false
	}

	var parts []string
	last := 0
	for {
		idx := strings.Index(body[last:], sep)
		if idx < 0 {
			parts = append(parts, body[last:])
			break
		}
		abs := last + idx
		if inFence(abs) {
			// Extend past the fence before searching for the next separator.
			for _, f := range fences {
				if abs >= f[0] && abs < f[1] {
					last = f[1]
					break
				}
			}
			continue
		}
		parts = append(parts, body[last:abs])
		last = abs + len(sep)
	}
	return parts
}

// annotate returns body unchanged. No heading-path breadcrumb is added, so
// a piece carries its section's heading only when the heading line itself
// is part of the piece's text.
func annotate(sec *section, body string) string {
	if sec == nil || sec.path == "" {
		return body
	}
	if strings.HasPrefix(strings.TrimSpace(body), "#") {
		return body
	}
	return body
}

// applyOverlap prepends a tail slice of the previous piece (≈OverlapRatio
// of MaxTokens) onto each subsequent piece so adjacent chunks share context.
func applyOverlap(pieces []string, opts Options) []string {
	if len(pieces) < 2 {
		return pieces
	}
	overlapTokens := int(float64(opts.MaxTokens) * opts.OverlapRatio)
	if overlapTokens <= 0 {
		return pieces
	}
	overlapChars := overlapTokens * TokensPerChar

	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		prev := []rune(pieces[i-1])
		tailLen := overlapChars
		if tailLen > len(prev) {
			tailLen = len(prev)
		}
		tail := string(prev[len(prev)-tailLen:])
		if strings.Count(pieces[i-1][len(pieces[i-1])-len(tail):], "```")%2 != 0 {
			// Don't fracture a fence by prepending a dangling half of it.
			out[i] = pieces[i]
			continue
		}
		out[i] = tail + "\n\n" + pieces[i]
	}
	return out
}

// headingLevel returns the numeric heading depth of sec as a string.
func headingLevel(sec *section) string {
	return strconv.Itoa(sec.level)
}
