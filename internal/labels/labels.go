// Package labels defines the label payload attached to a task and the rules
// that decide whether a payload is well formed for a project.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

type TaskType string

const (
	TaskNER            TaskType = "ner"
	TaskSentiment      TaskType = "sentiment"
	TaskClassification TaskType = "classification"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskNER, TaskSentiment, TaskClassification:
		return true
	default:
		return false
	}
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid task type %q", s)
	}
	return t, nil
}

type Entity struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Class string `json:"class"`
	Text  string `json:"text" required:"false"`
}

type NER struct {
	Entities []Entity `json:"entities"`
}

type Sentiment struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

type Classification struct {
	Category string             `json:"category"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

// Payload is a tagged union: exactly one of NER, Sentiment or Classification
// is set, matching Type.
type Payload struct {
	Type           TaskType
	NER            *NER
	Sentiment      *Sentiment
	Classification *Classification
}

func NewNER(entities ...Entity) Payload {
	return Payload{Type: TaskNER, NER: &NER{Entities: entities}}
}

func NewSentiment(label string, scores map[string]float64) Payload {
	return Payload{Type: TaskSentiment, Sentiment: &Sentiment{Label: label, Scores: scores}}
}

func NewClassification(category string, scores map[string]float64) Payload {
	return Payload{Type: TaskClassification, Classification: &Classification{Category: category, Scores: scores}}
}

// Wire is the flat JSON form of a payload.
type Wire struct {
	Type     string             `json:"type"`
	Entities []Entity           `json:"entities,omitempty"`
	Label    string             `json:"label,omitempty"`
	Category string             `json:"category,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

func (p Payload) Wire() Wire {
	w := Wire{Type: string(p.Type)}
	switch p.Type {
	case TaskNER:
		if p.NER != nil {
			w.Entities = p.NER.Entities
		}
		if w.Entities == nil {
			w.Entities = []Entity{}
		}
	case TaskSentiment:
		if p.Sentiment != nil {
			w.Label = p.Sentiment.Label
			w.Scores = p.Sentiment.Scores
		}
	case TaskClassification:
		if p.Classification != nil {
			w.Category = p.Classification.Category
			w.Scores = p.Classification.Scores
		}
	}
	return w
}

func FromWire(w Wire) (Payload, error) {
	t, err := ParseTaskType(w.Type)
	if err != nil {
		return Payload{}, &ShapeError{Field: "type", Reason: err.Error()}
	}
	switch t {
	case TaskNER:
		if w.Label != "" || w.Category != "" {
			return Payload{}, &ShapeError{Field: "type", Reason: "ner payload carries sentiment or classification fields"}
		}
		entities := w.Entities
		if entities == nil {
			entities = []Entity{}
		}
		return NewNER(entities...), nil
	case TaskSentiment:
		if len(w.Entities) > 0 || w.Category != "" {
			return Payload{}, &ShapeError{Field: "type", Reason: "sentiment payload carries ner or classification fields"}
		}
		return NewSentiment(w.Label, w.Scores), nil
	default:
		if len(w.Entities) > 0 || w.Label != "" {
			return Payload{}, &ShapeError{Field: "type", Reason: "classification payload carries ner or sentiment fields"}
		}
		return NewClassification(w.Category, w.Scores), nil
	}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Wire())
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := FromWire(w)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// Decode parses a stored JSON payload; nil or empty input yields nil.
func Decode(raw []byte) (*Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode label payload: %w", err)
	}
	return &p, nil
}

// Equal reports structural equality. Entity order does not matter.
func Equal(a, b *Payload) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type != b.Type {
		return false
	}
	wa, wb := a.Wire(), b.Wire()
	switch a.Type {
	case TaskNER:
		if len(wa.Entities) != len(wb.Entities) {
			return false
		}
		ea, eb := sortedEntities(wa.Entities), sortedEntities(wb.Entities)
		for i := range ea {
			if ea[i] != eb[i] {
				return false
			}
		}
		return true
	case TaskSentiment:
		return wa.Label == wb.Label && scoresEqual(wa.Scores, wb.Scores)
	default:
		return wa.Category == wb.Category && scoresEqual(wa.Scores, wb.Scores)
	}
}

func sortedEntities(in []Entity) []Entity {
	out := append([]Entity(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End < out[j].End
		}
		return out[i].Class < out[j].Class
	})
	return out
}

func scoresEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || math.Abs(va-vb) > 1e-9 {
			return false
		}
	}
	return true
}

var ErrInvalidShape = errors.New("invalid label shape")

type ShapeError struct {
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid label shape: %s", e.Reason)
	}
	return fmt.Sprintf("invalid label shape: %s: %s", e.Field, e.Reason)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrInvalidShape
}
