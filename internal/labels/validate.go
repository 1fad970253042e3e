package labels

import (
	"fmt"
	"math"
)

// ScoreTolerance is the allowed distance of a sentiment score sum from 1.0.
const ScoreTolerance = 0.05

// Rules are the per-project constraints a payload is checked against.
type Rules struct {
	TaskType      TaskType
	EntityClasses []string
	Categories    []string
}

// Validate checks p against the task text and project rules. It returns a
// normalized copy where omitted NER span texts are filled from the task text.
func Validate(p Payload, text string, rules Rules) (Payload, error) {
	if p.Type != rules.TaskType {
		return Payload{}, &ShapeError{Field: "type", Reason: fmt.Sprintf("payload type %q does not match project task type %q", p.Type, rules.TaskType)}
	}
	switch p.Type {
	case TaskNER:
		return validateNER(p, text, rules)
	case TaskSentiment:
		if p.Sentiment == nil {
			return Payload{}, &ShapeError{Field: "label", Reason: "missing sentiment"}
		}
		if err := validateSentiment(*p.Sentiment); err != nil {
			return Payload{}, err
		}
		return p, nil
	case TaskClassification:
		if p.Classification == nil {
			return Payload{}, &ShapeError{Field: "category", Reason: "missing classification"}
		}
		if err := validateClassification(*p.Classification, rules.Categories); err != nil {
			return Payload{}, err
		}
		return p, nil
	default:
		return Payload{}, &ShapeError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", p.Type)}
	}
}

func validateNER(p Payload, text string, rules Rules) (Payload, error) {
	if p.NER == nil {
		return NewNER(), nil
	}
	runes := []rune(text)
	allowed := make(map[string]bool, len(rules.EntityClasses))
	for _, c := range rules.EntityClasses {
		allowed[c] = true
	}
	out := make([]Entity, 0, len(p.NER.Entities))
	for i, e := range p.NER.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if e.Start < 0 || e.End <= e.Start || e.End > len(runes) {
			return Payload{}, &ShapeError{Field: field, Reason: fmt.Sprintf("span [%d,%d) out of range for text of length %d", e.Start, e.End, len(runes))}
		}
		if e.Class == "" {
			return Payload{}, &ShapeError{Field: field, Reason: "class is required"}
		}
		if !allowed[e.Class] {
			return Payload{}, &ShapeError{Field: field, Reason: fmt.Sprintf("class %q is not recognized by the project", e.Class)}
		}
		span := string(runes[e.Start:e.End])
		if e.Text == "" {
			e.Text = span
		} else if e.Text != span {
			return Payload{}, &ShapeError{Field: field, Reason: fmt.Sprintf("text %q does not match span %q", e.Text, span)}
		}
		out = append(out, e)
	}
	sorted := sortedEntities(out)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			return Payload{}, &ShapeError{Field: "entities", Reason: fmt.Sprintf("span [%d,%d) overlaps [%d,%d)", sorted[i].Start, sorted[i].End, sorted[i-1].Start, sorted[i-1].End)}
		}
	}
	return NewNER(out...), nil
}

func validateSentiment(s Sentiment) error {
	if s.Label == "" {
		return &ShapeError{Field: "label", Reason: "label is required"}
	}
	if len(s.Scores) == 0 {
		return nil
	}
	if err := validateScores(s.Scores); err != nil {
		return err
	}
	if _, ok := s.Scores[s.Label]; !ok {
		return &ShapeError{Field: "label", Reason: fmt.Sprintf("label %q has no score", s.Label)}
	}
	sum := 0.0
	for _, v := range s.Scores {
		sum += v
	}
	if math.Abs(sum-1.0) > ScoreTolerance {
		return &ShapeError{Field: "scores", Reason: fmt.Sprintf("scores sum to %.3f, expected 1.0", sum)}
	}
	return nil
}

func validateClassification(c Classification, categories []string) error {
	if c.Category == "" {
		return &ShapeError{Field: "category", Reason: "category is required"}
	}
	if len(categories) > 0 {
		found := false
		for _, cat := range categories {
			if cat == c.Category {
				found = true
				break
			}
		}
		if !found {
			return &ShapeError{Field: "category", Reason: fmt.Sprintf("category %q is not recognized by the project", c.Category)}
		}
	}
	return validateScores(c.Scores)
}

func validateScores(scores map[string]float64) error {
	for k, v := range scores {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return &ShapeError{Field: "scores." + k, Reason: fmt.Sprintf("score %v outside [0,1]", v)}
		}
	}
	return nil
}
