package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/scrypster/rapport/internal/llm"
	"github.com/scrypster/rapport/pkg/types"
)

// Extractor derives an Extraction from a message and what is already known.
type Extractor interface {
	Extract(ctx context.Context, msg *types.Message, known []*types.Fact) (Extraction, error)
}

// singleValued entity types hold one current value per contact; a new value
// supersedes the old one. Every other type is keyed per value so several
// interests can coexist.
var singleValued = map[string]bool{
	"name":                true,
	"age":                 true,
	"job":                 true,
	"occupation":          true,
	"work":                true,
	"location":            true,
	"city":                true,
	"lives_in":            true,
	"birthday":            true,
	"relationship_status": true,
	"timezone":            true,
}

// ExtractionFromAnnotation turns typed entities into new facts. An
// "interest: hiking" entity becomes the fact interest_hiking = hiking.
func ExtractionFromAnnotation(a types.Annotation) Extraction {
	var ex Extraction
	seen := make(map[string]bool)
	for _, e := range a.Entities {
		kind := slug(e.Type)
		value := strings.TrimSpace(e.Value)
		if kind == "" || value == "" {
			continue
		}
		key := kind
		if !singleValued[kind] {
			key = kind + "_" + slug(value)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		ex.NewFacts = append(ex.NewFacts, FactInput{Key: key, Value: value, Confidence: e.Confidence})
	}
	return ex
}

func slug(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

const (
	extractMaxTokens   = 400
	extractTemperature = 0.1
	extractKnownFacts  = 20
)

// LLMExtractor asks a text generator to classify a message's facts as new,
// reinforcing or conflicting.
type LLMExtractor struct {
	gen llm.TextGenerator
}

// NewLLMExtractor creates an extractor backed by gen.
func NewLLMExtractor(gen llm.TextGenerator) *LLMExtractor {
	return &LLMExtractor{gen: gen}
}

// Extract implements Extractor. Messages without text yield nothing.
func (x *LLMExtractor) Extract(ctx context.Context, msg *types.Message, known []*types.Fact) (Extraction, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return Extraction{}, nil
	}
	out, err := x.gen.Complete(ctx, extractionPrompt(msg.Text, known), extractMaxTokens, extractTemperature)
	if err != nil {
		return Extraction{}, fmt.Errorf("fact extraction failed: %w", err)
	}
	var ex Extraction
	if err := llm.DecodeJSON(out, &ex); err != nil {
		return Extraction{}, fmt.Errorf("fact extraction returned unusable output: %w", err)
	}
	return ex, nil
}

func extractionPrompt(text string, known []*types.Fact) string {
	var facts strings.Builder
	for i, f := range known {
		if i == extractKnownFacts {
			break
		}
		fmt.Fprintf(&facts, "- %s: %s\n", f.Key, f.Value)
	}
	if facts.Len() == 0 {
		facts.WriteString("No existing facts\n")
	}

	return fmt.Sprintf(`You are updating a knowledge base about a person based on a new chat message.

Current known facts about the person:
%s
New message: %q

Based on the new message:
1. New assertions: facts not known yet, as {"key": "fact_type", "value": "fact_value"}.
2. Reinforcements: keys of known facts the message confirms.
3. Conflicts: known facts the message contradicts, as {"key": "fact_key", "old_value": "old", "new_value": "new"}.

Respond with only a JSON object with keys new_facts, reinforced_facts, conflicts_updates.`, facts.String(), text)
}
