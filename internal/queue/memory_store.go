package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. All sets of all queues are guarded by
// a single mutex, so every operation is atomic with respect to the others.
type MemoryStore struct {
	mu         sync.Mutex
	queues     map[string]*queueState
	seq        int64
	maxRetries int
	now        func() time.Time
}

type entry struct {
	msg      Message
	payload  []byte
	dueAt    time.Time // delayed set only
	startAt  time.Time // in-flight set only
	heapSlot int
}

type queueState struct {
	pending  pendingHeap
	inFlight map[string]*entry
	delayed  []*entry
	dead     []*entry
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxRetries sets the retry budget stamped on newly enqueued messages.
func WithMaxRetries(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.maxRetries = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		queues:     make(map[string]*queueState),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// state returns the queue's state, creating it on first use. Caller holds mu.
func (s *MemoryStore) state(queue string) *queueState {
	q, ok := s.queues[queue]
	if !ok {
		q = &queueState{inFlight: make(map[string]*entry)}
		s.queues[queue] = q
	}
	return q
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(ctx context.Context, queue string, payload map[string]any, priority int) (string, error) {
	if queue == "" {
		return "", ErrInvalidQueue
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		msg: Message{
			ID:         uuid.New().String(),
			Queue:      queue,
			Priority:   ClampPriority(priority),
			CreatedAt:  s.now().UTC(),
			MaxRetries: s.maxRetries,
			Seq:        s.nextSeq(),
		},
		payload: data,
	}
	heap.Push(&s.state(queue).pending, e)
	return e.msg.ID, nil
}

// Dequeue implements Store.
func (s *MemoryStore) Dequeue(ctx context.Context, queue string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queue]
	if !ok || q.pending.Len() == 0 {
		return nil, nil
	}

	e := heap.Pop(&q.pending).(*entry)
	e.startAt = s.now()
	q.inFlight[e.msg.ID] = e

	return e.snapshot()
}

// Acknowledge implements Store.
func (s *MemoryStore) Acknowledge(ctx context.Context, queue string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[queue]; ok {
		delete(q.inFlight, msg.ID)
	}
	return nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(ctx context.Context, queue string, msg *Message, delay time.Duration) (Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queue]
	if !ok {
		return "", ErrNotInFlight
	}
	e, ok := q.inFlight[msg.ID]
	if !ok {
		return "", ErrNotInFlight
	}
	delete(q.inFlight, msg.ID)

	d := s.requeueLocked(q, e, delay)
	msg.RetryCount = e.msg.RetryCount
	msg.Priority = e.msg.Priority
	return d, nil
}

// requeueLocked applies the retry rules to an entry already removed from
// flight. Caller holds mu.
func (s *MemoryStore) requeueLocked(q *queueState, e *entry, delay time.Duration) Disposition {
	e.msg.RetryCount++
	e.startAt = time.Time{}

	switch {
	case e.msg.RetryCount > e.msg.MaxRetries:
		q.dead = append(q.dead, e)
		return DeadLettered
	case delay > 0:
		e.dueAt = s.now().Add(delay)
		q.delayed = append(q.delayed, e)
		return Delayed
	default:
		e.msg.Priority = DemotePriority(e.msg.Priority)
		e.msg.Seq = s.nextSeq()
		heap.Push(&q.pending, e)
		return Retried
	}
}

// PromoteDue implements Store.
func (s *MemoryStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for _, name := range s.sortedQueueNames() {
		q := s.queues[name]
		if len(q.delayed) == 0 {
			continue
		}
		// Promote in due order so earlier-due messages get earlier seqs.
		sort.SliceStable(q.delayed, func(i, j int) bool {
			return q.delayed[i].dueAt.Before(q.delayed[j].dueAt)
		})
		remaining := q.delayed[:0]
		for _, e := range q.delayed {
			if e.dueAt.After(now) {
				remaining = append(remaining, e)
				continue
			}
			e.dueAt = time.Time{}
			e.msg.Seq = s.nextSeq()
			heap.Push(&q.pending, e)
			promoted++
		}
		q.delayed = remaining
	}
	return promoted, nil
}

// ReapStale implements Store.
func (s *MemoryStore) ReapStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queue]
	if !ok {
		return 0, nil
	}

	cutoff := s.now().Add(-olderThan)
	var stale []*entry
	for _, e := range q.inFlight {
		if e.startAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].msg.Seq < stale[j].msg.Seq })

	for _, e := range stale {
		delete(q.inFlight, e.msg.ID)
		s.requeueLocked(q, e, 0)
	}
	return len(stale), nil
}

// DeadLetters implements Store.
func (s *MemoryStore) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queue]
	if !ok {
		return nil, nil
	}
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, 0, n)
	for _, e := range q.dead[:n] {
		m, err := e.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Queue: queue}
	if q, ok := s.queues[queue]; ok {
		st.Pending = q.pending.Len()
		st.InFlight = len(q.inFlight)
		st.Delayed = len(q.delayed)
		st.DeadLetter = len(q.dead)
	}
	return st, nil
}

func (s *MemoryStore) sortedQueueNames() []string {
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot returns a caller-owned copy of the entry's message.
func (e *entry) snapshot() (*Message, error) {
	payload, err := DecodePayload(e.payload)
	if err != nil {
		return nil, err
	}
	m := e.msg
	m.Payload = payload
	return &m, nil
}

// pendingHeap orders entries by (priority, seq).
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].msg.Seq < h[j].msg.Seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapSlot = i
	h[j].heapSlot = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.heapSlot = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapSlot = -1
	*h = old[:n-1]
	return e
}
