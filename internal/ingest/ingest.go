// Package ingest turns uploaded dataset files into task texts.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"labelflow/internal/domain"
)

type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatText  Format = "text"
)

var (
	ErrEmptyDataset   = errors.New("dataset contains no text")
	ErrInvalidDataset = errors.New("invalid dataset")
)

// Item is one future task.
type Item struct {
	Text     string
	Metadata *domain.TaskMetadata
}

// DetectFormat picks a format from an explicit name or the file extension.
func DetectFormat(explicit, filename string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(explicit))
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	}
	switch name {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "txt", "text", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidDataset, name)
	}
}

// Parse reads every item of the dataset. Blank texts are skipped.
func Parse(r io.Reader, format Format, filename string) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var items []Item
	switch format {
	case FormatCSV:
		items, err = parseCSV(data)
	case FormatJSON:
		items, err = parseJSON(data)
	case FormatJSONL:
		items, err = parseJSONL(data)
	case FormatText:
		items = parseText(string(data))
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidDataset, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyDataset
	}
	for i := range items {
		if items[i].Metadata == nil {
			items[i].Metadata = &domain.TaskMetadata{}
		}
		items[i].Metadata.SourceFile = filename
	}
	return items, nil
}

// parseCSV uses the "text" column when present and the first column otherwise.
// Other columns land in metadata.
func parseCSV(data []byte) ([]Item, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	textCol := 0
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "text") {
			textCol = i
			break
		}
	}
	var items []Item
	for _, rec := range records[1:] {
		if textCol >= len(rec) {
			continue
		}
		text := strings.TrimSpace(rec[textCol])
		if text == "" {
			continue
		}
		item := Item{Text: text}
		extra := map[string]any{}
		for i, v := range rec {
			if i == textCol || i >= len(header) || v == "" {
				continue
			}
			extra[header[i]] = v
		}
		if len(extra) > 0 {
			item.Metadata = &domain.TaskMetadata{Extra: extra}
		}
		items = append(items, item)
	}
	return items, nil
}

// parseJSON accepts a list of objects or strings, or a single object.
func parseJSON(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		var items []Item
		for i, msg := range raw {
			item, ok, err := decodeEntry(msg)
			if err != nil {
				return nil, fmt.Errorf("json entry %d: %w", i, err)
			}
			if ok {
				items = append(items, item)
			}
		}
		return items, nil
	}
	item, ok, err := decodeEntry(trimmed)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return []Item{item}, nil
}

func parseJSONL(data []byte) ([]Item, error) {
	var items []Item
	for n, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		item, ok, err := decodeEntry(line)
		if err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", n+1, err)
		}
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func decodeEntry(msg []byte) (Item, bool, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		s = strings.TrimSpace(s)
		return Item{Text: s}, s != "", nil
	}
	var obj map[string]any
	if err := json.Unmarshal(msg, &obj); err != nil {
		return Item{}, false, errors.New("entry must be a string or an object with a text field")
	}
	text, _ := obj["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return Item{}, false, nil
	}
	delete(obj, "text")
	item := Item{Text: text}
	if len(obj) > 0 {
		item.Metadata = &domain.TaskMetadata{Extra: obj}
	}
	return item, true, nil
}

var (
	sentenceEnd  = regexp.MustCompile(`([.!?])\s+`)
	paragraphGap = regexp.MustCompile(`\n\s*\n`)
)

// parseText splits every paragraph into sentences; each sentence keeps its
// index and the paragraph it came from.
func parseText(data string) []Item {
	var items []Item
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, para := range paragraphGap.Split(data, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		for i, sentence := range SplitSentences(para) {
			idx := i
			items = append(items, Item{
				Text:     sentence,
				Metadata: &domain.TaskMetadata{SentenceIndex: &idx, FullText: para},
			})
		}
	}
	return items
}

// SplitSentences splits on terminal punctuation followed by whitespace.
func SplitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	var out []string
	for _, s := range strings.Split(marked, "\x00") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
