package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

func TestNewLogger(t *testing.T) {
	_, err := newLogger("json", "debug")
	require.NoError(t, err)
	_, err = newLogger("", "WARN")
	require.NoError(t, err)
	_, err = newLogger("xml", "info")
	require.Error(t, err)
	_, err = newLogger("text", "loud")
	require.Error(t, err)
}

func TestWriteExportFormats(t *testing.T) {
	records := []domain.ExportRecord{
		{ID: "a", Text: "one", Status: domain.StatusReviewed},
		{ID: "b", Text: "two", Status: domain.StatusCompleted},
	}
	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, records, "jsonl"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a"`)

	buf.Reset()
	require.NoError(t, writeExport(&buf, nil, "json"))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", summarize(nil))
	s := labels.NewSentiment("positive", nil)
	assert.Equal(t, "positive", summarize(&s))
	c := labels.NewClassification("books", nil)
	assert.Equal(t, "books", summarize(&c))
	n := labels.NewNER(labels.Entity{Start: 0, End: 5, Class: "ORG", Text: "Apple"})
	assert.Equal(t, "ORG:Apple", summarize(&n))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short text", truncate("short\n  text", 20))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
