package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/llm"
)

var errBoom = errors.New("operation failed")

func failing() (any, error) { return nil, errBoom }

func succeeding() (any, error) { return "success", nil }

func TestCircuitBreaker_Closed(t *testing.T) {
	cb := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{}, nil)

	result, err := cb.Execute(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{MaxFailures: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, failing)
		require.ErrorIs(t, err, errBoom, "attempt %d", i+1)
	}
	assert.Equal(t, "open", cb.State())

	called := false
	_, err := cb.Execute(ctx, func() (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, llm.ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		MaxFailures:          2,
		Timeout:              50 * time.Millisecond,
		HalfOpenMaxSuccesses: 2,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	require.Equal(t, "open", cb.State())

	require.Eventually(t, func() bool { return cb.State() == "half-open" },
		2*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, succeeding)
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, cb.Metrics().TotalFailures)
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{MaxFailures: 10}, nil)
	ctx := context.Background()

	_, _ = cb.Execute(ctx, succeeding)
	_, _ = cb.Execute(ctx, succeeding)
	_, _ = cb.Execute(ctx, failing)

	m := cb.Metrics()
	assert.EqualValues(t, 3, m.TotalRequests)
	assert.EqualValues(t, 2, m.TotalSuccesses)
	assert.EqualValues(t, 1, m.TotalFailures)
	assert.EqualValues(t, 1, m.ConsecutiveFailures)
}

func TestBreakerConfigFrom(t *testing.T) {
	cfg := config.Default().LLM
	bc := llm.BreakerConfigFrom("ollama-generate", cfg)
	assert.Equal(t, "ollama-generate", bc.Name)
	assert.EqualValues(t, cfg.BreakerMaxFailures, bc.MaxFailures)
	assert.Equal(t, cfg.BreakerTimeout, bc.Timeout)
}

type stubGenerator struct {
	calls int
	err   error
}

func (s *stubGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

func (s *stubGenerator) Provider() string { return "stub" }
func (s *stubGenerator) Model() string    { return "stub-1" }

func TestGuard_StopsCallingOpenProvider(t *testing.T) {
	stub := &stubGenerator{err: errBoom}
	gen := llm.Guard(stub, llm.NewCircuitBreaker(llm.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}, nil))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := gen.Complete(ctx, "hi", 10, 0.5)
		require.Error(t, err)
	}
	assert.Equal(t, 2, stub.calls)

	_, err := gen.Complete(ctx, "hi", 10, 0.5)
	assert.ErrorIs(t, err, llm.ErrCircuitOpen)
	assert.Equal(t, "stub", gen.Provider())
	assert.Equal(t, "stub-1", gen.Model())
}
