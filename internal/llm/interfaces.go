// Package llm adapts text generation and embedding services for the reply
// generator and the ingest path. Every provider speaks the same two small
// interfaces; a circuit breaker is layered on top with Guard.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// TextGenerator is the interface for single-prompt text completion.
type TextGenerator interface {
	// Complete sends prompt and returns the generated text. maxTokens and
	// temperature are passed through to the provider.
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

	// Provider names the backing service (e.g. "ollama").
	Provider() string

	// Model names the generation model.
	Model() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
// Returns float32 slice; callers convert to float64 for storage.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// ToFloat64 widens an embedding for storage.
func ToFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
