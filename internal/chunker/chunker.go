// Package chunker splits page text into bounded, overlapping segments.
//
// A Splitter walks the text in rune offsets. Each chunk ends at the best
// boundary found inside its window, preferring paragraph breaks, then sentence
// ends, then whitespace, then a hard cut. The next chunk starts Overlap runes
// before the previous end, so dropping the first Overlap runes of every chunk
// after the first and concatenating the rest yields the input unchanged.
package chunker

import (
	"fmt"
	"unicode"
)

// Defaults used by the ingestion pipeline.
const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

// Splitter holds the chunking policy. The zero value is not usable; build one
// with New.
type Splitter struct {
	Size    int
	Overlap int

	// KeepWords emits a word longer than Size whole instead of cutting it.
	// Such a chunk is the only kind allowed to exceed Size.
	KeepWords bool
}

// New returns a Splitter after validating size and overlap.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Splitter{Size: size, Overlap: overlap}, nil
}

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelWord
)

// Split returns the chunks of text. Empty input yields nil.
func (s *Splitter) Split(text string) []string {
	r := []rune(text)
	n := len(r)
	if n == 0 {
		return nil
	}
	if n <= s.Size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for {
		if n-start <= s.Size {
			chunks = append(chunks, string(r[start:]))
			break
		}
		end := s.cut(r, start)
		if end >= n {
			chunks = append(chunks, string(r[start:]))
			break
		}
		chunks = append(chunks, string(r[start:end]))
		start = end - s.Overlap
	}
	return chunks
}

// cut picks the end offset (exclusive) of the chunk beginning at start.
// The result is always greater than start+Overlap so the walk advances.
func (s *Splitter) cut(r []rune, start int) int {
	limit := start + s.Size
	lo := start + s.Overlap + 1
	half := start + s.Size/2
	if half < lo {
		half = lo
	}

	for _, lv := range []level{levelParagraph, levelSentence} {
		if e := lastBoundary(r, lo, limit, lv); e >= half {
			return e
		}
	}
	if e := lastBoundary(r, lo, limit, levelWord); e > 0 {
		return e
	}

	if s.KeepWords {
		// No whitespace in the window: the window sits inside one long word.
		for e := limit; e < len(r); e++ {
			if unicode.IsSpace(r[e]) {
				return e + 1
			}
		}
		return len(r)
	}
	return limit
}

// lastBoundary returns the largest e in [lo, hi] such that r[:e] ends on a
// boundary of the given level, or -1.
func lastBoundary(r []rune, lo, hi int, lv level) int {
	for e := hi; e >= lo; e-- {
		if isBoundary(r, e, lv) {
			return e
		}
	}
	return -1
}

// isBoundary reports whether offset e follows a separator of the given level.
// Separators stay with the chunk on their left.
func isBoundary(r []rune, e int, lv level) bool {
	if e < 1 || e > len(r) {
		return false
	}
	prev := r[e-1]
	switch lv {
	case levelParagraph:
		return e >= 2 && prev == '\n' && r[e-2] == '\n'
	case levelSentence:
		if prev == '\n' {
			return true
		}
		if e >= 2 && unicode.IsSpace(prev) {
			switch r[e-2] {
			case '.', '!', '?':
				return true
			}
		}
		return false
	default:
		return unicode.IsSpace(prev)
	}
}
