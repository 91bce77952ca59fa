package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/scrypster/rapport/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() queue.RuntimeConfig {
	return queue.RuntimeConfig{
		PollInterval:      2 * time.Millisecond,
		ErrorBackoff:      5 * time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		SchedulerInterval: 2 * time.Millisecond,
	}
}

// startRuntime runs rt in the background and returns a function that stops
// it and waits for Run to return.
func startRuntime(t *testing.T, rt *queue.Runtime) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	return func() {
		rt.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runtime did not stop")
		}
	}
}

func TestNewRuntime_RequiresHandlers(t *testing.T) {
	_, err := queue.NewRuntime(queue.NewMemoryStore(), queue.NewRegistry(), fastConfig(), nil)
	assert.Error(t, err)
}

func TestRuntime_AcknowledgesOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	var handled atomic.Int32
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(ctx context.Context, m *queue.Message) error {
		handled.Add(1)
		return nil
	})

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	stop := startRuntime(t, rt)
	defer stop()

	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, "work", map[string]any{"i": i}, queue.PriorityNormal)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := store.Stats(ctx, "work")
		return st == queue.Stats{Queue: "work"}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_PermanentErrorIsDropped(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	var calls atomic.Int32
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(ctx context.Context, m *queue.Message) error {
		calls.Add(1)
		return queue.Permanent(errors.New("malformed payload"))
	})

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	stop := startRuntime(t, rt)

	_, err = store.Enqueue(ctx, "work", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := store.Stats(ctx, "work")
		return calls.Load() == 1 && st.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	st, err := store.Stats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "work"}, st, "permanent failures are neither retried nor dead-lettered")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRuntime_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.WithMaxRetries(2))

	var calls atomic.Int32
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(ctx context.Context, m *queue.Message) error {
		calls.Add(1)
		return errors.New("generation service unavailable")
	})

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		deadLogs []string
	)
	rt.OnDeadLetter(func(q string, m *queue.Message, cause error) {
		mu.Lock()
		defer mu.Unlock()
		deadLogs = append(deadLogs, q+":"+m.ID)
	})

	stop := startRuntime(t, rt)

	id, err := store.Enqueue(ctx, "work", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := store.Stats(ctx, "work")
		return st.DeadLetter == 1
	}, 3*time.Second, 5*time.Millisecond)
	stop()

	assert.EqualValues(t, 3, calls.Load(), "one initial attempt plus MaxRetries retries")
	mu.Lock()
	assert.Equal(t, []string{"work:" + id}, deadLogs)
	mu.Unlock()

	st, err := store.Stats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "work", DeadLetter: 1}, st)
}

func TestRuntime_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	var calls atomic.Int32
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(ctx context.Context, m *queue.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	stop := startRuntime(t, rt)
	defer stop()

	_, err = store.Enqueue(ctx, "work", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := store.Stats(ctx, "work")
		return calls.Load() == 2 && st == queue.Stats{Queue: "work"}
	}, 2*time.Second, 5*time.Millisecond)
}

// TestRuntime_StopLetsInFlightHandlerFinish verifies that stopping does not
// cancel a running handler and that its message is still acknowledged.
func TestRuntime_StopLetsInFlightHandlerFinish(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(hctx context.Context, m *queue.Message) error {
		close(started)
		<-release
		sawCancel.Store(hctx.Err() != nil)
		return nil
	})

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	_, err = store.Enqueue(ctx, "work", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)
	<-started

	rt.Stop()
	select {
	case <-done:
		t.Fatal("Run returned while a handler was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}

	assert.False(t, sawCancel.Load(), "handler context must not be cancelled by Stop")
	st, err := store.Stats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "work"}, st)
}

func TestRuntime_RunTwiceFails(t *testing.T) {
	store := queue.NewMemoryStore()
	handled := make(chan struct{}, 1)
	reg := queue.NewRegistry()
	reg.MustRegister("work", func(ctx context.Context, m *queue.Message) error {
		handled <- struct{}{}
		return nil
	})
	rt, err := queue.NewRuntime(store, reg, fastConfig(), nil)
	require.NoError(t, err)

	stop := startRuntime(t, rt)
	defer stop()

	// A handled message proves the first Run is active.
	_, err = store.Enqueue(context.Background(), "work", map[string]any{}, queue.PriorityNormal)
	require.NoError(t, err)
	<-handled

	assert.Error(t, rt.Run(context.Background()))
}

// failingStore fails every Dequeue to exercise the error backoff path.
type failingStore struct {
	queue.Store
	calls atomic.Int32
}

func (f *failingStore) Dequeue(ctx context.Context, q string) (*queue.Message, error) {
	f.calls.Add(1)
	return nil, errors.New("database is locked")
}

func TestRuntime_StoreErrorsDoNotKillLoop(t *testing.T) {
	store := &failingStore{Store: queue.NewMemoryStore()}
	reg := queue.NewRegistry()
	reg.MustRegister("work", noop)

	rt, err := queue.NewRuntime(store, reg, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	stop := startRuntime(t, rt)
	defer stop()

	require.Eventually(t, func() bool { return store.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
