package labels

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadJSONWireFormat(t *testing.T) {
	p := NewNER(Entity{Start: 0, End: 5, Class: "LOC", Text: "Paris"})
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ner","entities":[{"start":0,"end":5,"class":"LOC","text":"Paris"}]}`, string(raw))

	var decoded Payload
	require.NoError(t, json.Unmarshal([]byte(`{"type":"sentiment","label":"POSITIVE","scores":{"POSITIVE":0.9,"NEGATIVE":0.1}}`), &decoded))
	assert.Equal(t, TaskSentiment, decoded.Type)
	require.NotNil(t, decoded.Sentiment)
	assert.Equal(t, "POSITIVE", decoded.Sentiment.Label)
	assert.Nil(t, decoded.NER)
}

func TestPayloadRejectsMixedFields(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"type":"ner","label":"POSITIVE"}`), &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape))

	err = json.Unmarshal([]byte(`{"type":"bogus"}`), &p)
	assert.True(t, errors.Is(err, ErrInvalidShape))
}

func TestDecodeNull(t *testing.T) {
	p, err := Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
	p, err = Decode([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestValidateNER(t *testing.T) {
	rules := Rules{TaskType: TaskNER, EntityClasses: []string{"LOC", "PER"}}
	text := "Paris is nice"

	tests := []struct {
		name     string
		entities []Entity
		wantErr  bool
	}{
		{name: "valid span", entities: []Entity{{Start: 0, End: 5, Class: "LOC", Text: "Paris"}}},
		{name: "empty entity list", entities: nil},
		{name: "end past text", entities: []Entity{{Start: 0, End: 50, Class: "LOC"}}, wantErr: true},
		{name: "empty span", entities: []Entity{{Start: 3, End: 3, Class: "LOC"}}, wantErr: true},
		{name: "unknown class", entities: []Entity{{Start: 0, End: 5, Class: "ORG"}}, wantErr: true},
		{name: "text mismatch", entities: []Entity{{Start: 0, End: 5, Class: "LOC", Text: "Rome"}}, wantErr: true},
		{name: "overlap", entities: []Entity{{Start: 0, End: 5, Class: "LOC"}, {Start: 3, End: 8, Class: "PER"}}, wantErr: true},
		{name: "adjacent spans", entities: []Entity{{Start: 6, End: 8, Class: "PER"}, {Start: 0, End: 5, Class: "LOC"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(NewNER(tt.entities...), text, rules)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidShape))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateNERFillsSpanText(t *testing.T) {
	rules := Rules{TaskType: TaskNER, EntityClasses: []string{"LOC"}}
	out, err := Validate(NewNER(Entity{Start: 4, End: 9, Class: "LOC"}), "Été Paris", rules)
	require.NoError(t, err)
	require.Len(t, out.NER.Entities, 1)
	assert.Equal(t, "Paris", out.NER.Entities[0].Text)
}

func TestValidateTypeMismatch(t *testing.T) {
	_, err := Validate(NewSentiment("POSITIVE", nil), "x", Rules{TaskType: TaskNER})
	require.Error(t, err)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "type", shapeErr.Field)
}

func TestValidateSentiment(t *testing.T) {
	rules := Rules{TaskType: TaskSentiment}
	_, err := Validate(NewSentiment("POSITIVE", map[string]float64{"POSITIVE": 0.7, "NEGATIVE": 0.2, "NEUTRAL": 0.1}), "", rules)
	require.NoError(t, err)

	_, err = Validate(NewSentiment("POSITIVE", map[string]float64{"POSITIVE": 0.7, "NEGATIVE": 0.7}), "", rules)
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = Validate(NewSentiment("", nil), "", rules)
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = Validate(NewSentiment("MIXED", map[string]float64{"POSITIVE": 1}), "", rules)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestValidateClassification(t *testing.T) {
	rules := Rules{TaskType: TaskClassification, Categories: []string{"books", "other"}}
	_, err := Validate(NewClassification("books", map[string]float64{"books": 0.8}), "", rules)
	require.NoError(t, err)

	_, err = Validate(NewClassification("toys", nil), "", rules)
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = Validate(NewClassification("books", map[string]float64{"books": 1.5}), "", rules)
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = Validate(NewClassification("anything", nil), "", Rules{TaskType: TaskClassification})
	assert.NoError(t, err)
}

func TestEqual(t *testing.T) {
	a := NewNER(Entity{Start: 0, End: 5, Class: "LOC", Text: "Paris"}, Entity{Start: 6, End: 8, Class: "PER", Text: "is"})
	b := NewNER(Entity{Start: 6, End: 8, Class: "PER", Text: "is"}, Entity{Start: 0, End: 5, Class: "LOC", Text: "Paris"})
	assert.True(t, Equal(&a, &b))

	c := NewNER(Entity{Start: 0, End: 5, Class: "PER", Text: "Paris"})
	assert.False(t, Equal(&a, &c))

	s1 := NewSentiment("POSITIVE", map[string]float64{"POSITIVE": 1})
	s2 := NewSentiment("POSITIVE", map[string]float64{"POSITIVE": 1})
	assert.True(t, Equal(&s1, &s2))
	assert.False(t, Equal(&s1, &a))
	assert.False(t, Equal(&s1, nil))
	assert.True(t, Equal(nil, nil))
}
