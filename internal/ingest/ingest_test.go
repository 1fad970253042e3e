package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Text)
	}
	return out
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		explicit, filename string
		want               Format
		wantErr            bool
	}{
		{filename: "reviews.csv", want: FormatCSV},
		{filename: "data.JSON", want: FormatJSON},
		{filename: "data.ndjson", want: FormatJSONL},
		{filename: "notes.txt", want: FormatText},
		{explicit: "csv", filename: "upload.bin", want: FormatCSV},
		{filename: "image.png", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.filename+tt.explicit, func(t *testing.T) {
			got, err := DetectFormat(tt.explicit, tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDataset)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCSVUsesTextColumn(t *testing.T) {
	data := "id,text,source\n1,Great phone,web\n2,  ,web\n3,Bad charger,store\n"
	items, err := Parse(strings.NewReader(data), FormatCSV, "reviews.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"Great phone", "Bad charger"}, texts(items))
	assert.Equal(t, "reviews.csv", items[0].Metadata.SourceFile)
	assert.Equal(t, "1", items[0].Metadata.Extra["id"])
}

func TestParseCSVFallsBackToFirstColumn(t *testing.T) {
	items, err := Parse(strings.NewReader("review,stars\nLovely,5\n"), FormatCSV, "r.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"Lovely"}, texts(items))
}

func TestParseJSONShapes(t *testing.T) {
	items, err := Parse(strings.NewReader(`[{"text":"one","lang":"en"},"two",{"text":""}]`), FormatJSON, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(items))
	assert.Equal(t, "en", items[0].Metadata.Extra["lang"])

	items, err = Parse(strings.NewReader(`{"text":"single"}`), FormatJSON, "b.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, texts(items))

	_, err = Parse(strings.NewReader(`[1,2]`), FormatJSON, "c.json")
	assert.ErrorIs(t, err, ErrInvalidDataset)
}

func TestParseJSONL(t *testing.T) {
	items, err := Parse(strings.NewReader("{\"text\":\"a\"}\n\n\"b\"\n"), FormatJSONL, "x.jsonl")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, texts(items))
}

func TestParseTextSplitsSentences(t *testing.T) {
	data := "Paris is nice. I love it!\n\nBerlin is cold?  Yes."
	items, err := Parse(strings.NewReader(data), FormatText, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"Paris is nice.", "I love it!", "Berlin is cold?", "Yes."}, texts(items))
	require.NotNil(t, items[1].Metadata.SentenceIndex)
	assert.Equal(t, 1, *items[1].Metadata.SentenceIndex)
	assert.Equal(t, "Paris is nice. I love it!", items[1].Metadata.FullText)
	assert.Equal(t, 0, *items[2].Metadata.SentenceIndex)
}

func TestParseEmptyDataset(t *testing.T) {
	_, err := Parse(strings.NewReader("text\n \n"), FormatCSV, "empty.csv")
	assert.ErrorIs(t, err, ErrEmptyDataset)
}
