package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFileTxt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("  hello world\n"), 0o644))

	text, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestExtractFileMarkdownFlattens(t *testing.T) {
	src := "# Title\n\nFirst paragraph with **bold** and [a link](https://example.com).\n\n- item one\n- item two\n"
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	text, err := ExtractFile(path)
	require.NoError(t, err)

	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "First paragraph with bold and a link.")
	assert.Contains(t, text, "item one")
	assert.NotContains(t, text, "#")
	assert.NotContains(t, text, "**")
	assert.NotContains(t, text, "https://example.com")
}

func TestFlattenMarkdownBlockSeparation(t *testing.T) {
	text, err := FlattenMarkdown([]byte("para one\n\npara two"))
	require.NoError(t, err)
	assert.Equal(t, "para one\n\npara two", text)
}

func TestExtractFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x01}, 0o644))

	_, err := ExtractFile(path)
	assert.ErrorContains(t, err, "unsupported file format")
}

func TestExtractFileMissing(t *testing.T) {
	_, err := ExtractFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
