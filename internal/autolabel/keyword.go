package autolabel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"labelflow/internal/labels"
)

const keywordModel = "keyword-v1"

var (
	positiveWords = []string{"amazing", "excellent", "perfect", "love", "great", "wonderful", "fantastic", "incredible",
		"stunning", "beautiful", "premium", "outstanding", "impressive", "smooth", "fast", "reliable",
		"comfortable", "crisp", "clear", "sharp", "brilliant", "superb", "top-notch", "high-quality",
		"worth", "recommend", "satisfied", "pleased", "happy", "delighted", "thrilled", "excited"}
	negativeWords = []string{"terrible", "awful", "disappointing", "hate", "dislike", "bad", "poor", "cheap", "flimsy",
		"slow", "heavy", "bulky", "uncomfortable", "blurry", "fuzzy", "grainy", "noisy", "crackling",
		"broken", "defective", "flawed", "useless", "waste", "regret", "frustrated", "annoyed", "angry",
		"sad", "upset", "disappointed", "unhappy", "unsatisfied", "problem", "issue", "bug", "glitch"}

	// DefaultCategories is used when a classification project lists none.
	DefaultCategories = []string{"electronics", "beauty", "home", "clothing", "books", "automotive", "other"}

	categoryKeywords = map[string][]string{
		"electronics": {"laptop", "phone", "tablet", "headphones", "camera", "computer", "macbook", "iphone", "samsung",
			"galaxy", "ipad", "airpods", "sony", "bose", "canon", "nintendo", "playstation", "xbox", "tesla",
			"battery", "screen", "display", "processor", "chip", "memory", "storage", "bluetooth", "wifi",
			"charging", "usb", "hdmi", "speaker", "microphone", "sensor", "lens", "zoom", "resolution"},
		"beauty": {"sunscreen", "moisturizer", "cream", "lotion", "serum", "makeup", "lipstick", "foundation", "concealer",
			"mascara", "eyeshadow", "blush", "bronzer", "primer", "setting", "spray", "cleanser", "toner", "exfoliant",
			"vitamin", "retinol", "hyaluronic", "collagen", "spf", "uv", "protection", "anti-aging", "skincare"},
		"home": {"furniture", "decor", "kitchen", "appliance", "cookware", "bedding", "pillow", "mattress", "sofa", "chair",
			"table", "lamp", "mirror", "vase", "candle", "rug", "curtain", "blinds", "shelf", "cabinet", "storage"},
		"clothing": {"shirt", "pants", "dress", "shoes", "jacket", "sweater", "jeans", "shorts", "skirt", "blouse",
			"sneakers", "boots", "sandals", "hat", "cap", "belt", "bag", "purse", "backpack", "watch", "jewelry"},
		"books": {"book", "novel", "textbook", "manual", "guide", "dictionary", "encyclopedia", "magazine", "journal",
			"paperback", "hardcover", "ebook", "kindle", "author", "publisher", "edition", "chapter", "page"},
		"automotive": {"car", "truck", "suv", "vehicle", "tire", "brake", "engine", "transmission", "battery", "oil",
			"filter", "spark", "plug", "belt", "hose", "radiator", "alternator", "starter", "fuel", "gas"},
		"other": {"general", "miscellaneous", "various", "assorted", "mixed", "random", "unknown", "unclear"},
	}
)

// Keyword is a dictionary-driven labeler: word lists for sentiment and
// classification, and a gazetteer of class -> surface forms for NER.
type Keyword struct {
	Gazetteer map[string][]string
}

func NewKeyword(gazetteer map[string][]string) *Keyword {
	return &Keyword{Gazetteer: gazetteer}
}

func (k *Keyword) Label(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &LabelingError{TaskID: req.TaskID, Err: err}
	}
	switch req.TaskType {
	case labels.TaskSentiment:
		return k.sentiment(req.Text), nil
	case labels.TaskClassification:
		return k.classify(req), nil
	case labels.TaskNER:
		return k.ner(req), nil
	default:
		return Result{}, &LabelingError{TaskID: req.TaskID, Err: fmt.Errorf("unsupported task type %q", req.TaskType)}
	}
}

func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		tokens[tok] = true
	}
	return tokens
}

func countHits(tokens map[string]bool, words []string) int {
	n := 0
	for _, w := range words {
		if tokens[w] {
			n++
		}
	}
	return n
}

func (k *Keyword) sentiment(text string) Result {
	tokens := tokenize(text)
	pos, neg := countHits(tokens, positiveWords), countHits(tokens, negativeWords)
	label, conf := "NEUTRAL", 0.5
	switch {
	case pos > neg:
		label, conf = "POSITIVE", min(0.6+float64(pos)*0.1, 0.9)
	case neg > pos:
		label, conf = "NEGATIVE", min(0.6+float64(neg)*0.1, 0.9)
	}
	rest := (1 - conf) / 2
	scores := map[string]float64{"POSITIVE": rest, "NEGATIVE": rest, "NEUTRAL": rest}
	scores[label] = conf
	return Result{Payload: labels.NewSentiment(label, scores), Confidence: confidence(conf), Model: keywordModel}
}

func (k *Keyword) classify(req Request) Result {
	categories := req.Categories
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	tokens := tokenize(req.Text)
	scores := make(map[string]float64, len(categories))
	best, bestScore := "", 0.0
	for _, cat := range categories {
		words := categoryKeywords[cat]
		score := 0.0
		if len(words) > 0 {
			score = float64(countHits(tokens, words)) / float64(len(words))
		}
		scores[cat] = score
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	if req.Metadata != nil {
		if hint, ok := req.Metadata.Extra["suggested_category"].(string); ok {
			if _, known := scores[hint]; known {
				scores[hint] = max(scores[hint], 0.8)
				if scores[hint] > bestScore {
					best, bestScore = hint, scores[hint]
				}
			}
		}
	}
	if bestScore == 0 {
		best, bestScore = fallbackCategory(categories), 0.3
	}
	return Result{
		Payload:    labels.NewClassification(best, scores),
		Confidence: confidence(min(bestScore+0.2, 1.0)),
		Model:      keywordModel,
	}
}

func fallbackCategory(categories []string) string {
	for _, c := range categories {
		if c == "other" {
			return c
		}
	}
	return categories[0]
}

type match struct {
	start, end int
	class      string
	text       string
}

func (k *Keyword) ner(req Request) Result {
	allowed := map[string]bool{}
	for _, c := range req.EntityClasses {
		allowed[c] = true
	}
	var candidates []match
	for class, terms := range k.Gazetteer {
		if len(allowed) > 0 && !allowed[class] {
			continue
		}
		for _, term := range terms {
			candidates = append(candidates, findAll(req.Text, term, class)...)
		}
	}
	// Longest match wins; ties resolve by position then class.
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].end-candidates[i].start, candidates[j].end-candidates[j].start
		if li != lj {
			return li > lj
		}
		if candidates[i].start != candidates[j].start {
			return candidates[i].start < candidates[j].start
		}
		return candidates[i].class < candidates[j].class
	})
	var kept []match
	for _, c := range candidates {
		overlaps := false
		for _, m := range kept {
			if c.start < m.end && m.start < c.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	entities := make([]labels.Entity, 0, len(kept))
	total := 0.0
	for _, m := range kept {
		entities = append(entities, labels.Entity{Start: m.start, End: m.end, Class: m.class, Text: m.text})
		total += min(0.8+min(float64(m.end-m.start)/20, 0.15), 0.95)
	}
	conf := 0.5
	if len(entities) > 0 {
		conf = total / float64(len(entities))
	}
	return Result{Payload: labels.NewNER(entities...), Confidence: confidence(conf), Model: keywordModel}
}

// findAll returns whole-word occurrences of term with rune offsets.
func findAll(text, term, class string) []match {
	var out []match
	if term == "" {
		return out
	}
	offset := 0
	for {
		i := strings.Index(text[offset:], term)
		if i < 0 {
			return out
		}
		start := offset + i
		end := start + len(term)
		if boundary(text, start, end) {
			rs := utf8.RuneCountInString(text[:start])
			out = append(out, match{start: rs, end: rs + utf8.RuneCountInString(term), class: class, text: term})
		}
		offset = start + len(term)
	}
}

func boundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
