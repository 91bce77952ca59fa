package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
)

// Clients is the set of guarded clients built from configuration.
// Embedder is nil when embeddings are disabled or unsupported.
type Clients struct {
	Generator TextGenerator
	Embedder  EmbeddingGenerator
	Breaker   *CircuitBreaker

	// Ollama is set when the provider is ollama, for health checks.
	Ollama *OllamaClient
}

// New builds the configured provider and wraps it in circuit breakers.
// Generation and embeddings get separate breakers so an embedding outage
// cannot block replies.
func New(cfg config.LLMConfig, logger *zap.Logger) (*Clients, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm")

	var (
		gen TextGenerator
		emb EmbeddingGenerator
		out Clients
	)
	switch cfg.Provider {
	case "ollama", "":
		c := NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.Timeout,
		})
		gen = c
		if cfg.EmbeddingModel != "" {
			emb = c.Embedder()
		}
		out.Ollama = c
	case "openai":
		c := NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			BaseURL:        cfg.OpenAIURL,
			Timeout:        cfg.Timeout,
		})
		gen = c
		if cfg.EmbeddingModel != "" {
			emb = c.Embedder()
		}
	case "anthropic":
		gen = NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}

	out.Breaker = NewCircuitBreaker(BreakerConfigFrom(gen.Provider()+"-generate", cfg), logger)
	out.Generator = Guard(gen, out.Breaker)
	if emb != nil {
		out.Embedder = GuardEmbedder(emb, NewCircuitBreaker(BreakerConfigFrom(gen.Provider()+"-embed", cfg), logger))
	}

	logger.Info("llm provider configured",
		zap.String("provider", gen.Provider()),
		zap.String("model", gen.Model()),
		zap.Bool("embeddings", out.Embedder != nil))
	return &out, nil
}
