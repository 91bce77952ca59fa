package spool_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/spool"
)

const inbox = "incoming_messages"

func pending(t *testing.T, q queue.Store) int {
	t.Helper()
	s, err := q.Stats(context.Background(), inbox)
	require.NoError(t, err)
	return s.Pending
}

func TestDrain_EnqueuesAndRejects(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMemoryStore()
	w, err := spool.New(dir, q, inbox, queue.PriorityHigh, nil)
	require.NoError(t, err)

	first, err := spool.Drop(dir, map[string]any{"message_id": "wamid.1", "from": "+15550001"})
	require.NoError(t, err)
	_, err = spool.Drop(dir, map[string]any{"message_id": "wamid.2", "from": "+15550001"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("{}"), 0o600))

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pending(t, q))

	msg, err := q.Dequeue(context.Background(), inbox)
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", msg.Payload["message_id"], "files are consumed in name order")
	assert.Equal(t, queue.PriorityHigh, msg.Priority)

	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err), "consumed files are removed")
	_, err = os.Stat(filepath.Join(dir, "rejected", "broken.json"))
	assert.NoError(t, err, "malformed files are set aside")
	_, err = os.Stat(filepath.Join(dir, "ignored.txt"))
	assert.NoError(t, err)
}

func TestRun_PicksUpDroppedFiles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	q := queue.NewMemoryStore()
	w, err := spool.New(dir, q, inbox, queue.PriorityHigh, nil)
	require.NoError(t, err)

	_, err = spool.Drop(dir, map[string]any{"message_id": "early"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return pending(t, q) == 1 }, 3*time.Second, 10*time.Millisecond,
		"files present at start are drained")

	_, err = spool.Drop(dir, map[string]any{"message_id": "late"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pending(t, q) == 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNew_RequiresQueue(t *testing.T) {
	_, err := spool.New(t.TempDir(), nil, inbox, queue.PriorityHigh, nil)
	assert.Error(t, err)
}
