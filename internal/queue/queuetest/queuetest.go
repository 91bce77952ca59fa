// Package queuetest holds a conformance suite that every queue.Store
// implementation runs from its own tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/queue"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at a stable instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store using clock for every timestamp and
// maxRetries as the retry budget.
type Factory func(t *testing.T, clock *Clock, maxRetries int) queue.Store

// Run executes the full conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PriorityOrdering", func(t *testing.T) { testPriorityOrdering(t, factory) })
	t.Run("EmptyDequeue", func(t *testing.T) { testEmptyDequeue(t, factory) })
	t.Run("ConcurrentDequeue", func(t *testing.T) { testConcurrentDequeue(t, factory) })
	t.Run("RetryThenDeadLetter", func(t *testing.T) { testRetryThenDeadLetter(t, factory) })
	t.Run("DelayHonored", func(t *testing.T) { testDelayHonored(t, factory) })
	t.Run("AcknowledgeSemantics", func(t *testing.T) { testAcknowledgeSemantics(t, factory) })
	t.Run("ReapStale", func(t *testing.T) { testReapStale(t, factory) })
	t.Run("PayloadIsolation", func(t *testing.T) { testPayloadIsolation(t, factory) })
	t.Run("PriorityClamped", func(t *testing.T) { testPriorityClamped(t, factory) })
	t.Run("QueuesIndependent", func(t *testing.T) { testQueuesIndependent(t, factory) })
}

func testPriorityOrdering(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	enqueue := func(label string, p int) {
		_, err := s.Enqueue(ctx, "q", map[string]any{"label": label}, p)
		require.NoError(t, err)
	}
	enqueue("normal-1", queue.PriorityNormal)
	enqueue("critical", queue.PriorityCritical)
	enqueue("normal-2", queue.PriorityNormal)
	enqueue("deferred", queue.PriorityDeferred)
	enqueue("high", queue.PriorityHigh)
	enqueue("normal-3", queue.PriorityNormal)

	var got []string
	for {
		m, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		if m == nil {
			break
		}
		got = append(got, m.Payload["label"].(string))
	}
	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "normal-3", "deferred"}, got)
}

func testEmptyDequeue(t *testing.T, factory Factory) {
	s := factory(t, NewClock(), 3)
	m, err := s.Dequeue(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func testConcurrentDequeue(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	const total = 40
	for i := 0; i < total; i++ {
		_, err := s.Enqueue(ctx, "q", map[string]any{"n": i}, queue.PriorityNormal)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := s.Dequeue(ctx, "q")
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				seen[m.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}

	st, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, total, st.InFlight)
}

func testRetryThenDeadLetter(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	id, err := s.Enqueue(ctx, "q", map[string]any{"k": "v"}, queue.PriorityNormal)
	require.NoError(t, err)

	wantPriority := []int{queue.PriorityLow, queue.PriorityDeferred, queue.PriorityDeferred}
	for i := 0; i < 3; i++ {
		m, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, m, "attempt %d", i)
		assert.Equal(t, id, m.ID)
		assert.Equal(t, i, m.RetryCount)

		d, err := s.Requeue(ctx, "q", m, 0)
		require.NoError(t, err)
		assert.Equal(t, queue.Retried, d)
		assert.Equal(t, i+1, m.RetryCount)
		assert.Equal(t, wantPriority[i], m.Priority)
	}

	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)
	d, err := s.Requeue(ctx, "q", m, 0)
	require.NoError(t, err)
	assert.Equal(t, queue.DeadLettered, d)

	// Dead letters are terminal.
	m, err = s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, m)
	n, err := s.PromoteDue(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := s.DeadLetters(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 4, dead[0].RetryCount)
	assert.Equal(t, "v", dead[0].Payload["k"])

	st, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "q", DeadLetter: 1}, st)
}

func testDelayHonored(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, clock, 3)

	_, err := s.Enqueue(ctx, "q", map[string]any{}, queue.PriorityHigh)
	require.NoError(t, err)
	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)

	d, err := s.Requeue(ctx, "q", m, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.Delayed, d)

	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got, "delayed message must not be deliverable before its due time")

	n, err := s.PromoteDue(ctx, clock.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Delayed)

	n, err = s.PromoteDue(ctx, clock.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, queue.PriorityHigh, got.Priority, "delayed retries keep their priority")
	assert.Equal(t, 1, got.RetryCount)
}

func testAcknowledgeSemantics(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	_, err := s.Enqueue(ctx, "q", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)
	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)

	require.NoError(t, s.Acknowledge(ctx, "q", m))
	require.NoError(t, s.Acknowledge(ctx, "q", m), "second acknowledge is a no-op")

	_, err = s.Requeue(ctx, "q", m, 0)
	assert.ErrorIs(t, err, queue.ErrNotInFlight)

	st, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "q"}, st)
}

func testReapStale(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, clock, 3)

	_, err := s.Enqueue(ctx, "q", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)
	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)

	n, err := s.ReapStale(ctx, "q", 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh in-flight work is left alone")

	clock.Advance(11 * time.Minute)
	n, err = s.ReapStale(ctx, "q", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
}

func testPayloadIsolation(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	payload := map[string]any{"text": "hello", "nested": map[string]any{"a": 1}}
	_, err := s.Enqueue(ctx, "q", payload, queue.PriorityNormal)
	require.NoError(t, err)
	payload["text"] = "mutated"
	payload["nested"].(map[string]any)["a"] = 2

	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "hello", m.Payload["text"])
	assert.EqualValues(t, 1, m.Payload["nested"].(map[string]any)["a"])

	_, err = s.Enqueue(ctx, "q", map[string]any{"bad": make(chan int)}, queue.PriorityNormal)
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)
}

func testPriorityClamped(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	_, err := s.Enqueue(ctx, "q", map[string]any{}, 42)
	require.NoError(t, err)
	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, queue.PriorityDeferred, m.Priority)
}

func testQueuesIndependent(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock(), 3)

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, fmt.Sprintf("q%d", i), map[string]any{}, queue.PriorityNormal)
		require.NoError(t, err)
	}
	m, err := s.Dequeue(ctx, "q1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "q1", m.Queue)

	st, err := s.Stats(ctx, "q0")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.InFlight)
}
