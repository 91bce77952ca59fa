package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/queue/queuetest"
)

func TestQueueStore_Conformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock, maxRetries int) queue.Store {
		s := newTestStore(t)
		q, err := NewQueueStore(s.DB(), WithQueueClock(clock.Now), WithQueueMaxRetries(maxRetries))
		require.NoError(t, err)
		return q
	})
}

func TestNewQueueStore_RequiresDB(t *testing.T) {
	_, err := NewQueueStore(nil)
	assert.Error(t, err)
}

// Pending, delayed and dead-lettered work must survive a restart.
func TestQueueStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	clock := queuetest.NewClock()

	open := func() (*Store, *QueueStore) {
		s, err := NewStore(dbPath)
		require.NoError(t, err)
		q, err := NewQueueStore(s.DB(), WithQueueClock(clock.Now), WithQueueMaxRetries(0))
		require.NoError(t, err)
		return s, q
	}

	s, q := open()
	_, err := q.Enqueue(ctx, "incoming_messages", map[string]any{"text": "hi"}, queue.PriorityHigh)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "incoming_messages", map[string]any{"text": "poison"}, queue.PriorityCritical)
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, "incoming_messages")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "poison", m.Payload["text"])
	d, err := q.Requeue(ctx, "incoming_messages", m, 0)
	require.NoError(t, err)
	require.Equal(t, queue.DeadLettered, d)
	require.NoError(t, s.Close())

	s, q = open()
	defer func() { _ = s.Close() }()

	st, err := q.Stats(ctx, "incoming_messages")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "incoming_messages", Pending: 1, DeadLetter: 1}, st)

	dead, err := q.DeadLetters(ctx, "incoming_messages", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Payload["text"])

	// New messages still sort after the surviving ones.
	_, err = q.Enqueue(ctx, "incoming_messages", map[string]any{"text": "later"}, queue.PriorityHigh)
	require.NoError(t, err)
	m, err = q.Dequeue(ctx, "incoming_messages")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "hi", m.Payload["text"])
}
