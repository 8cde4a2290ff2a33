package format

import (
	"fmt"
	"strings"
)

// SpanKind identifies how a span of raw text should be rendered.
type SpanKind string

const (
	SpanBold          SpanKind = "bold"
	SpanItalic        SpanKind = "italic"
	SpanStrikethrough SpanKind = "strikethrough"
	SpanCode          SpanKind = "code"
	SpanPre           SpanKind = "pre"
	SpanLink          SpanKind = "link"
	SpanImage         SpanKind = "image"
	SpanBlockquote    SpanKind = "blockquote"
)

// Span is a formatting instruction over the original text. Offset and Length
// are rune positions in the raw input, not in the rendered output.
type Span struct {
	Offset   int      `json:"offset"`
	Length   int      `json:"length"`
	Kind     SpanKind `json:"kind"`
	Language string   `json:"language,omitempty"`
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
}

// reserved characters that the markup dialect assigns meaning to.
const reservedChars = "_*[`"

var escaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"`", "\\`",
)

// EscapeOnly escapes every reserved markup character in text. It is a pure
// substitution; callers must not apply it to already-escaped text.
func EscapeOnly(text string) string {
	return escaper.Replace(text)
}

// Format renders text with the given spans into the escaped markup dialect.
// Spans are applied in descending offset order so wrapper insertion never
// invalidates the offsets of spans not yet applied. Formatting is best-effort:
// a malformed span degrades the whole message to the escape-only path.
func Format(text string, spans []Span) string {
	if len(spans) == 0 {
		return EscapeOnly(text)
	}
	out, err := applySpans(text, spans)
	if err != nil {
		return EscapeOnly(text)
	}
	return out
}

// appliedRange tracks, in post-mutation token coordinates, the region a span
// produced (wrapper markers included). Characters inside are never escaped.
type appliedRange struct {
	start int
	end   int
}

// applySpans wraps each span's rune range in markup and escapes reserved
// characters outside the wrapped regions. Spans are assumed disjoint, which
// is what the platform emits for message entities; nested or overlapping
// spans land their markers at stale indices and split each other.
func applySpans(text string, spans []Span) (string, error) {
	runes := []rune(text)
	tokens := make([]string, len(runes))
	for i, r := range runes {
		tokens[i] = string(r)
	}

	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Offset > ordered[j-1].Offset; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	var applied []appliedRange
	for _, sp := range ordered {
		if sp.Offset < 0 || sp.Length < 0 || sp.Offset+sp.Length > len(runes) {
			return "", fmt.Errorf("span %s out of bounds: offset=%d length=%d text=%d runes", sp.Kind, sp.Offset, sp.Length, len(runes))
		}
		open, close, ok := wrapperFor(sp)
		if !ok {
			continue
		}
		start, end := sp.Offset, sp.Offset+sp.Length
		// Insert the closing marker first so the opening index stays valid.
		tokens = insertToken(tokens, end, close)
		tokens = insertToken(tokens, start, open)
		// Earlier-applied spans sit at higher offsets; both insertions land at
		// or before their recorded positions.
		for i := range applied {
			applied[i].start += 2
			applied[i].end += 2
		}
		applied = append(applied, appliedRange{start: start, end: end + 1})
	}

	var b strings.Builder
	for i, tok := range tokens {
		if len(tok) == 1 && strings.Contains(reservedChars, tok) && !inRange(i, applied) {
			b.WriteByte('\\')
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

func wrapperFor(sp Span) (open, close string, ok bool) {
	switch sp.Kind {
	case SpanBold:
		return "*", "*", true
	case SpanItalic:
		return "_", "_", true
	case SpanStrikethrough:
		return "~~", "~~", true
	case SpanCode:
		return "`", "`", true
	case SpanPre:
		lang := sp.Language
		if lang == "" {
			lang = "copy"
		}
		return "```" + lang + "\n", "\n```", true
	case SpanLink, SpanImage:
		title := ""
		if sp.Title != "" {
			title = ` "` + sp.Title + `"`
		}
		open = "["
		if sp.Kind == SpanImage {
			open = "!["
		}
		return open, "](" + sp.URL + title + ")", true
	case SpanBlockquote:
		return "> ", "\n", true
	default:
		return "", "", false
	}
}

func insertToken(tokens []string, idx int, tok string) []string {
	tokens = append(tokens, "")
	copy(tokens[idx+1:], tokens[idx:])
	tokens[idx] = tok
	return tokens
}

func inRange(idx int, ranges []appliedRange) bool {
	for _, r := range ranges {
		if idx >= r.start && idx <= r.end {
			return true
		}
	}
	return false
}
