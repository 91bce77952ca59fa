package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/llm"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *llm.OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL, Model: "gen", EmbeddingModel: "emb"})
}

func TestOllamaClient_Complete(t *testing.T) {
	var got map[string]any
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"hey there","done":true}`))
	})

	out, err := c.Complete(context.Background(), "say hi", 123, 0.4)
	require.NoError(t, err)
	assert.Equal(t, "hey there", out)

	assert.Equal(t, "gen", got["model"])
	assert.Equal(t, false, got["stream"])
	opts := got["options"].(map[string]any)
	assert.EqualValues(t, 123, opts["num_predict"])
	assert.InDelta(t, 0.4, opts["temperature"], 1e-9)
	assert.Equal(t, "ollama", c.Provider())
}

func TestOllamaClient_EmptyResponse(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"  ","done":true}`))
	})
	_, err := c.Complete(context.Background(), "x", 10, 0)
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	_, err := c.Complete(context.Background(), "x", 10, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaClient_Embed(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "emb", req["model"])
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.25]]}`))
	})

	emb := c.Embedder()
	vec, err := emb.Embed(context.Background(), "hiking")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, "emb", emb.Model())
	assert.Equal(t, []float64{0.5, 0.25}, llm.ToFloat64(vec))
}

func TestOllamaClient_HealthCheck(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
	})
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hi", 50, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "openai", c.Provider())
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"text":"hi back"}]}`))
	}))
	defer srv.Close()

	c := llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: "key", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hi", 50, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "hi back", out)
}

func TestNew_SelectsProvider(t *testing.T) {
	cfg := config.Default().LLM
	clients, err := llm.New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", clients.Generator.Provider())
	assert.NotNil(t, clients.Embedder)
	assert.NotNil(t, clients.Ollama)

	cfg.Provider = "anthropic"
	cfg.APIKey = "key"
	clients, err = llm.New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", clients.Generator.Provider())
	assert.Nil(t, clients.Embedder, "anthropic has no embeddings")

	cfg.Provider = "carrier-pigeon"
	_, err = llm.New(cfg, nil)
	assert.Error(t, err)
}
