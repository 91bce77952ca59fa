package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/queue/queuetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock, maxRetries int) queue.Store {
		return queue.NewMemoryStore(queue.WithClock(clock.Now), queue.WithMaxRetries(maxRetries))
	})
}

func TestMemoryStore_EnqueueRejectsEmptyQueue(t *testing.T) {
	s := queue.NewMemoryStore()
	_, err := s.Enqueue(context.Background(), "", map[string]any{}, queue.PriorityNormal)
	assert.ErrorIs(t, err, queue.ErrInvalidQueue)
}

// TestMemoryStore_RetryGoesToBackOfBand verifies an immediately retried
// message queues behind work already waiting in its new band.
func TestMemoryStore_RetryGoesToBackOfBand(t *testing.T) {
	ctx := context.Background()
	s := queue.NewMemoryStore()

	_, err := s.Enqueue(ctx, "q", map[string]any{"label": "first"}, queue.PriorityNormal)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "q", map[string]any{"label": "low"}, queue.PriorityLow)
	require.NoError(t, err)

	m, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "first", m.Payload["label"])

	_, err = s.Requeue(ctx, "q", m, 0)
	require.NoError(t, err)

	m, err = s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "low", m.Payload["label"])
	m, err = s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", m.Payload["label"])
}

func TestMemoryStore_DeadLettersLimit(t *testing.T) {
	ctx := context.Background()
	s := queue.NewMemoryStore(queue.WithMaxRetries(0))

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, "q", map[string]any{"n": i}, queue.PriorityNormal)
		require.NoError(t, err)
		m, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		d, err := s.Requeue(ctx, "q", m, time.Second)
		require.NoError(t, err)
		require.Equal(t, queue.DeadLettered, d)
	}

	dead, err := s.DeadLetters(ctx, "q", 2)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.EqualValues(t, 0, dead[0].Payload["n"])

	all, err := s.DeadLetters(ctx, "q", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPermanent(t *testing.T) {
	base := assert.AnError
	err := queue.Permanent(base)

	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, base.Error(), err.Error())
	assert.Nil(t, queue.Permanent(nil))
	assert.False(t, queue.IsPermanent(base))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, queue.RetryDelay(0, 0))
	assert.Equal(t, 2*time.Second, queue.RetryDelay(1, 0))
	assert.Equal(t, 8*time.Second, queue.RetryDelay(3, 0))
	assert.Equal(t, 5*time.Second, queue.RetryDelay(10, 5*time.Second))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, queue.PriorityCritical, queue.ClampPriority(-3))
	assert.Equal(t, queue.PriorityNormal, queue.ClampPriority(queue.PriorityNormal))
	assert.Equal(t, queue.PriorityDeferred, queue.DemotePriority(queue.PriorityDeferred))
	assert.Equal(t, queue.PriorityHigh, queue.DemotePriority(queue.PriorityCritical))
}
