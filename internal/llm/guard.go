package llm

import (
	"context"
	"fmt"
)

type guardedGenerator struct {
	gen TextGenerator
	cb  *CircuitBreaker
}

// Guard routes every completion through cb.
func Guard(gen TextGenerator, cb *CircuitBreaker) TextGenerator {
	return &guardedGenerator{gen: gen, cb: cb}
}

func (g *guardedGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := g.cb.Execute(ctx, func() (any, error) {
		return g.gen.Complete(ctx, prompt, maxTokens, temperature)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.gen.Provider(), err)
	}
	return out.(string), nil
}

func (g *guardedGenerator) Provider() string { return g.gen.Provider() }

func (g *guardedGenerator) Model() string { return g.gen.Model() }

type guardedEmbedder struct {
	emb EmbeddingGenerator
	cb  *CircuitBreaker
}

// GuardEmbedder routes every embedding request through cb.
func GuardEmbedder(emb EmbeddingGenerator, cb *CircuitBreaker) EmbeddingGenerator {
	return &guardedEmbedder{emb: emb, cb: cb}
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := g.cb.Execute(ctx, func() (any, error) {
		return g.emb.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return out.([]float32), nil
}

func (g *guardedEmbedder) Model() string { return g.emb.Model() }
