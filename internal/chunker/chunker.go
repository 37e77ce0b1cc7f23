// Package chunker splits document text into overlapping segments using a
// recursive, separator-aware strategy. Splitting is a pure function of its
// inputs: the same text and parameters always produce the same chunks, with
// the same IDs, which is what makes re-ingestion idempotent.
package chunker

import (
	"fmt"

	"docqa/internal/models"
)

// Separator ladder, widest first: paragraph breaks, line breaks, sentence
// ends, spaces. A hard cut at the budget is the fallback when none apply.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// Split partitions text into chunks of at most chunkSize runes. Each chunk
// after the first is prefixed with the last chunkOverlap runes of the
// preceding text, taken from original offsets so overlap never compounds.
// Empty text yields no chunks; text at most chunkSize runes long yields
// exactly one.
func Split(text string, chunkSize, chunkOverlap int) ([]models.Chunk, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidConfig, chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", models.ErrInvalidConfig, chunkOverlap, chunkSize)
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	// Byte offset of every rune boundary, taken from the original string so
	// chunk offsets never land inside a multi-byte character. Invalid bytes
	// decode as one replacement rune each but keep their true 1-byte width,
	// so offsets stay aligned with the input even for malformed text.
	offs := make([]int, 0, len(runes)+1)
	for i := range text {
		offs = append(offs, i)
	}
	offs = append(offs, len(text))

	if len(runes) <= chunkSize {
		c := models.Chunk{Text: text, Start: 0, End: len(text)}
		c.ID = models.ChunkID(c.Start, c.End, c.Text)
		return []models.Chunk{c}, nil
	}

	// Core pieces are bounded by chunkSize-chunkOverlap so that adding the
	// overlap prefix never pushes a chunk past chunkSize.
	budget := chunkSize - chunkOverlap
	spans := split(runes, span{0, len(runes)}, 0, budget)

	chunks := make([]models.Chunk, 0, len(spans))
	for i, sp := range spans {
		ovl := 0
		if i > 0 {
			ovl = chunkOverlap
			if ovl > sp.lo {
				ovl = sp.lo
			}
		}
		start, end := offs[sp.lo-ovl], offs[sp.hi]
		c := models.Chunk{
			Text:    text[start:end],
			Start:   start,
			End:     end,
			Overlap: offs[sp.lo] - start,
		}
		c.ID = models.ChunkID(c.Start, c.End, c.Text)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// span is a half-open rune index range.
type span struct{ lo, hi int }

// split recursively partitions sp into contiguous pieces of at most budget
// runes. The pieces cover sp exactly, so concatenating them reconstructs
// the input.
func split(runes []rune, sp span, sepIdx, budget int) []span {
	if sp.hi-sp.lo <= budget {
		return []span{sp}
	}
	if sepIdx >= len(separators) {
		// No separator fits: hard cut at the budget.
		var out []span
		for s := sp.lo; s < sp.hi; s += budget {
			e := s + budget
			if e > sp.hi {
				e = sp.hi
			}
			out = append(out, span{s, e})
		}
		return out
	}

	segs := cut(runes, sp, []rune(separators[sepIdx]))
	if len(segs) < 2 {
		return split(runes, sp, sepIdx+1, budget)
	}

	// Greedily merge adjacent segments up to the budget. Segments that
	// alone exceed it recurse with the next separator.
	var out []span
	cur := span{sp.lo, sp.lo}
	flush := func() {
		if cur.hi > cur.lo {
			out = append(out, cur)
		}
	}
	for _, sg := range segs {
		n := sg.hi - sg.lo
		if n > budget {
			flush()
			out = append(out, split(runes, sg, sepIdx+1, budget)...)
			cur = span{sg.hi, sg.hi}
			continue
		}
		if cur.hi-cur.lo+n > budget {
			flush()
			cur = span{sg.lo, sg.lo}
		}
		cur.hi = sg.hi
	}
	flush()
	return out
}

// cut splits sp immediately after each occurrence of sep. The separator
// stays attached to the preceding segment.
func cut(runes []rune, sp span, sep []rune) []span {
	var out []span
	start := sp.lo
	for i := sp.lo; i+len(sep) <= sp.hi; i++ {
		if matchAt(runes, i, sep) {
			end := i + len(sep)
			out = append(out, span{start, end})
			start = end
			i = end - 1
		}
	}
	if start < sp.hi {
		out = append(out, span{start, sp.hi})
	}
	return out
}

func matchAt(runes []rune, at int, sep []rune) bool {
	for j, r := range sep {
		if runes[at+j] != r {
			return false
		}
	}
	return true
}
