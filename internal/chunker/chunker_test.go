package chunker

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
)

// reassemble strips the overlap prefix from every chunk after the first and
// concatenates what remains.
func reassemble(chunks []models.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text[c.Overlap:])
	}
	return b.String()
}

func TestSplit_RoundTrip(t *testing.T) {
	texts := []string{
		"Hello world.",
		"First paragraph of the document.\n\nSecond paragraph, somewhat longer than the first one. It has two sentences.\n\nThird paragraph.",
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		"no separators at all " + strings.Repeat("x", 500),
		strings.Repeat("日本語のテキストです。改行も含みます。\n", 30),
	}
	cases := []struct{ size, overlap int }{
		{100, 0}, {100, 20}, {50, 10}, {20, 5}, {7, 3},
	}
	for _, text := range texts {
		for _, tc := range cases {
			chunks, err := Split(text, tc.size, tc.overlap)
			require.NoError(t, err)
			assert.Equal(t, text, reassemble(chunks),
				"round trip failed for size=%d overlap=%d", tc.size, tc.overlap)
		}
	}
}

func TestSplit_NeverExceedsChunkSize(t *testing.T) {
	text := strings.Repeat("Sentence one. Sentence two is a bit longer! Is this three? ", 25)
	for _, tc := range []struct{ size, overlap int }{{80, 16}, {30, 10}, {10, 2}} {
		chunks, err := Split(text, tc.size, tc.overlap)
		require.NoError(t, err)
		for i, c := range chunks {
			n := utf8.RuneCountInString(c.Text)
			assert.LessOrEqual(t, n, tc.size, "chunk %d has %d runes, size=%d", i, n, tc.size)
		}
	}
}

func TestSplit_MalformedUTF8(t *testing.T) {
	// OCR output is opaque bytes; stray invalid sequences must split
	// cleanly, with offsets aligned to the original bytes.
	texts := []string{
		"\xff\xfe" + strings.Repeat("valid words here. ", 20) + "\x80",
		"broken\xc3(in the middle of " + strings.Repeat("a sentence. ", 15),
		"\x80\x80\x80",
	}
	for _, text := range texts {
		chunks, err := Split(text, 50, 10)
		require.NoError(t, err)
		assert.Equal(t, text, reassemble(chunks))
		for i, c := range chunks {
			assert.Equal(t, text[c.Start:c.End], c.Text, "chunk %d offsets out of line", i)
		}
	}
}

func TestSplit_InvalidOverlap(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{{1, 1}, {10, 10}, {10, 15}, {100, 100}} {
		_, err := Split("some text", tc.size, tc.overlap)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrInvalidConfig),
			"size=%d overlap=%d should be rejected as invalid config", tc.size, tc.overlap)
	}
	_, err := Split("some text", 0, 0)
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))
	_, err = Split("some text", 10, -1)
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))
}

func TestSplit_EmptyText(t *testing.T) {
	chunks, err := Split("", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	text := "shorter than the chunk size"
	chunks, err := Split(text, 1000, 200)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[0].End)
	assert.Zero(t, chunks[0].Overlap)
}

func TestSplit_TinyChunksWithOverlap(t *testing.T) {
	chunks, err := Split("A. B. C. D.", 4, 1)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 4, "chunk %d too long", i)
		if i > 0 {
			assert.Equal(t, 1, c.Overlap, "chunk %d overlap", i)
		}
	}
	assert.Equal(t, "A. B. C. D.", reassemble(chunks))
}

func TestSplit_MultibyteBoundaries(t *testing.T) {
	text := strings.Repeat("héllo wörld 你好世界 🙂 ", 20)
	chunks, err := Split(text, 15, 4)
	require.NoError(t, err)
	for i, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text), "chunk %d splits a multi-byte character", i)
		assert.Equal(t, text[c.Start:c.End], c.Text, "chunk %d offsets disagree with text", i)
	}
	assert.Equal(t, text, reassemble(chunks))
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Paragraph.\n\nAnother paragraph with more words in it. ", 10)
	a, err := Split(text, 64, 16)
	require.NoError(t, err)
	b, err := Split(text, 64, 16)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i], b[i])
	}
}

func TestSplit_PrefersParagraphBreaks(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here.\n\nThird paragraph here."
	chunks, err := Split(text, 30, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "First paragraph here.\n\n", chunks[0].Text)
	assert.Equal(t, "Second paragraph here.\n\n", chunks[1].Text)
	assert.Equal(t, "Third paragraph here.", chunks[2].Text)
}
