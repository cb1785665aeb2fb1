// Package chunk splits normalized document text into bounded, overlapping
// segments suitable for independent embedding.
//
// The splitter preserves paragraph and sentence boundaries where possible:
// a paragraph that fits the size budget is kept whole, an oversized
// paragraph is split at sentence boundaries, and an oversized sentence is
// hard-split into fixed-size slices. Consecutive chunks share a sliding
// window of trailing characters so that no statement is stranded at a
// chunk border.
package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Options bounds the produced chunks.
type Options struct {
	// MaxChars is the upper bound for a chunk, in bytes.
	MaxChars int

	// MinChars is the lower bound below which a trailing chunk is folded
	// into its predecessor rather than standing alone.
	MinChars int

	// OverlapChars is the number of trailing characters of an emitted
	// chunk that seed the next one.
	OverlapChars int
}

// DefaultOptions mirrors the ingestion defaults used in production.
func DefaultOptions() Options {
	return Options{
		MaxChars:     1200,
		MinChars:     240,
		OverlapChars: 160,
	}
}

var (
	blankRuns = regexp.MustCompile(`\n{3,}`)
	// Candidate sentence boundary: terminal punctuation, optional closing
	// quotes/brackets, then whitespace. The rune following the match is
	// checked separately since Go regexp has no lookahead.
	sentenceEnd = regexp.MustCompile(`[.!?]+["'”’)\]]*\s+`)
)

// segment is a packable unit: a whole paragraph or a sentence piece of an
// oversized paragraph. newParagraph marks the first segment of a paragraph
// so packing can restore paragraph breaks.
type segment struct {
	text         string
	newParagraph bool
}

// Split divides text into ordered chunks honoring opts. It is
// deterministic; empty or whitespace-only input yields no chunks.
//
// Every chunk produced by packing is at most MaxChars bytes. A chunk
// shorter than MinChars is folded into its predecessor rather than
// standing alone, which can push that predecessor past MaxChars by less
// than MinChars plus a separator; callers sizing windows for an embedding
// model should budget for that slack.
func Split(text string, opts Options) []string {
	if opts.MaxChars <= 0 {
		opts = DefaultOptions()
	}

	normalized := normalize(text)
	if normalized == "" {
		return nil
	}

	segments := segmentize(normalized, opts.MaxChars)
	chunks := pack(segments, opts)
	return mergeShort(chunks, opts)
}

// normalize unifies line endings and collapses runs of blank lines so that
// paragraph detection is stable across document sources.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// segmentize turns normalized text into packable segments.
func segmentize(text string, maxChars int) []segment {
	var segments []segment

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) <= maxChars {
			segments = append(segments, segment{text: para, newParagraph: true})
			continue
		}

		first := true
		for _, sentence := range splitSentences(para) {
			for _, piece := range hardSplit(sentence, maxChars) {
				segments = append(segments, segment{text: piece, newParagraph: first})
				first = false
			}
		}
	}

	return segments
}

// splitSentences splits a paragraph at sentence-ending punctuation followed
// by whitespace and an upper-case letter, digit, or opening quote.
func splitSentences(para string) []string {
	var sentences []string
	start := 0

	for _, loc := range sentenceEnd.FindAllStringIndex(para, -1) {
		if loc[1] >= len(para) {
			continue
		}
		if !startsSentence(para[loc[1]:]) {
			continue
		}
		sentence := strings.TrimSpace(para[start:loc[1]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = loc[1]
	}

	if rest := strings.TrimSpace(para[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// startsSentence reports whether s begins like a new sentence.
func startsSentence(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	switch {
	case unicode.IsUpper(r), unicode.IsDigit(r):
		return true
	case r == '"' || r == '\'' || r == '“' || r == '‘':
		return true
	}
	return false
}

// hardSplit slices an atomic sentence that exceeds maxChars into pieces of
// at most maxChars bytes, without splitting multi-byte runes.
func hardSplit(sentence string, maxChars int) []string {
	if len(sentence) <= maxChars {
		return []string{sentence}
	}

	var pieces []string
	var b strings.Builder
	for _, r := range sentence {
		if b.Len()+utf8.RuneLen(r) > maxChars {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

// pack greedily fills a buffer with segments, emitting a chunk on overflow
// and seeding the successor with the trailing overlap window.
func pack(segments []segment, opts Options) []string {
	var chunks []string
	var buf string

	for _, seg := range segments {
		sep := " "
		if seg.newParagraph {
			sep = "\n\n"
		}

		switch {
		case buf == "":
			buf = seg.text
		case len(buf)+len(sep)+len(seg.text) <= opts.MaxChars:
			buf += sep + seg.text
		default:
			chunks = append(chunks, buf)
			buf = seedOverlap(buf, seg.text, sep, opts)
		}
	}

	if buf != "" {
		chunks = append(chunks, buf)
	}
	return chunks
}

// seedOverlap starts the next buffer with the tail of the emitted chunk so
// consecutive chunks share context. The seed is dropped when it would push
// the buffer past MaxChars.
func seedOverlap(emitted, next, sep string, opts Options) string {
	if opts.OverlapChars <= 0 {
		return next
	}

	tail := tailRunes(emitted, opts.OverlapChars)
	if tail == "" || len(tail)+len(sep)+len(next) > opts.MaxChars {
		return next
	}
	return tail + sep + next
}

// tailRunes returns at most n trailing bytes of s aligned to a rune start.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	idx := len(s) - n
	for idx < len(s) && !utf8.RuneStart(s[idx]) {
		idx++
	}
	return strings.TrimSpace(s[idx:])
}

// mergeShort folds a chunk shorter than MinChars into its predecessor so
// no fragment stands alone. The first chunk is exempt: it has no
// predecessor to join.
func mergeShort(chunks []string, opts Options) []string {
	if opts.MinChars <= 0 || len(chunks) < 2 {
		return chunks
	}

	merged := chunks[:1]
	for _, c := range chunks[1:] {
		if len(c) < opts.MinChars {
			merged[len(merged)-1] += "\n\n" + c
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
