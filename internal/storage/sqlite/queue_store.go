package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/rapport/internal/queue"
)

// Ensure *QueueStore implements queue.Store at compile time.
var _ queue.Store = (*QueueStore)(nil)

// Queue message states.
const (
	statePending  = "pending"
	stateInFlight = "in_flight"
	stateDelayed  = "delayed"
	stateDead     = "dead"
)

// QueueStore is a durable queue.Store backed by the queue_messages table.
// Every state change runs in a single transaction; with the store's single
// connection, transactions are serialised.
type QueueStore struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

// QueueOption configures a QueueStore.
type QueueOption func(*QueueStore)

// WithQueueMaxRetries sets the retry budget stamped on newly enqueued messages.
func WithQueueMaxRetries(n int) QueueOption {
	return func(q *QueueStore) { q.maxRetries = n }
}

// WithQueueClock replaces time.Now, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *QueueStore) { q.now = now }
}

// NewQueueStore creates the queue table on db if needed.
func NewQueueStore(db *sql.DB, opts ...QueueOption) (*QueueStore, error) {
	if db == nil {
		return nil, errors.New("sqlite: queue store requires a database")
	}
	if _, err := db.Exec(QueueSchema); err != nil {
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}
	q := &QueueStore{db: db, maxRetries: queue.DefaultMaxRetries, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// withTx runs fn inside a transaction.
func (q *QueueStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// nextSeq returns a sequence number greater than any stored one. Caller is
// inside a transaction.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_messages`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// Enqueue implements queue.Store.
func (q *QueueStore) Enqueue(ctx context.Context, name string, payload map[string]any, priority int) (string, error) {
	if name == "" {
		return "", queue.ErrInvalidQueue
	}
	data, err := queue.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	err = q.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_messages (id, queue, payload, priority, seq, state, retry_count, max_retries, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			id, name, data, queue.ClampPriority(priority), seq, statePending, q.maxRetries, toNanos(q.now()))
		if err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const queueColumns = `id, queue, payload, priority, seq, retry_count, max_retries, created_at`

func scanQueueMessage(row rowScanner) (*queue.Message, error) {
	var (
		m       queue.Message
		payload []byte
		created int64
	)
	if err := row.Scan(&m.ID, &m.Queue, &payload, &m.Priority, &m.Seq, &m.RetryCount, &m.MaxRetries, &created); err != nil {
		return nil, err
	}
	p, err := queue.DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	m.Payload = p
	m.CreatedAt = fromNanos(created)
	return &m, nil
}

// Dequeue implements queue.Store. Selecting the head and marking it in flight
// happen in the same transaction.
func (q *QueueStore) Dequeue(ctx context.Context, name string) (*queue.Message, error) {
	var msg *queue.Message
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanQueueMessage(tx.QueryRowContext(ctx, `
			SELECT `+queueColumns+` FROM queue_messages
			WHERE queue = ? AND state = ?
			ORDER BY priority, seq
			LIMIT 1`, name, statePending))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select head: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE queue_messages SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
			stateInFlight, toNanos(q.now()), m.ID, statePending)
		if err != nil {
			return fmt.Errorf("failed to mark in flight: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Acknowledge implements queue.Store.
func (q *QueueStore) Acknowledge(ctx context.Context, name string, msg *queue.Message) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ? AND state = ?`,
		msg.ID, name, stateInFlight)
	if err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	return nil
}

// Requeue implements queue.Store.
func (q *QueueStore) Requeue(ctx context.Context, name string, msg *queue.Message, delay time.Duration) (queue.Disposition, error) {
	var disposition queue.Disposition
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var retry, maxRetries, priority int
		err := tx.QueryRowContext(ctx, `
			SELECT retry_count, max_retries, priority FROM queue_messages
			WHERE id = ? AND queue = ? AND state = ?`, msg.ID, name, stateInFlight).
			Scan(&retry, &maxRetries, &priority)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return queue.ErrNotInFlight
			}
			return fmt.Errorf("failed to load in-flight message: %w", err)
		}

		d, newPriority, err := q.requeueTx(ctx, tx, msg.ID, retry, maxRetries, priority, delay)
		if err != nil {
			return err
		}
		disposition = d
		msg.RetryCount = retry + 1
		msg.Priority = newPriority
		return nil
	})
	if err != nil {
		return "", err
	}
	return disposition, nil
}

// requeueTx applies the retry rules to a message already known to be in
// flight. It returns the disposition and the resulting priority.
func (q *QueueStore) requeueTx(ctx context.Context, tx *sql.Tx, id string, retry, maxRetries, priority int, delay time.Duration) (queue.Disposition, int, error) {
	retry++
	now := q.now()

	var (
		res sql.Result
		err error
		d   queue.Disposition
	)
	switch {
	case retry > maxRetries:
		d = queue.DeadLettered
		res, err = tx.ExecContext(ctx, `
			UPDATE queue_messages SET state = ?, retry_count = ?, started_at = NULL, dead_at = ?
			WHERE id = ?`, stateDead, retry, toNanos(now), id)
	case delay > 0:
		d = queue.Delayed
		res, err = tx.ExecContext(ctx, `
			UPDATE queue_messages SET state = ?, retry_count = ?, started_at = NULL, due_at = ?
			WHERE id = ?`, stateDelayed, retry, toNanos(now.Add(delay)), id)
	default:
		d = queue.Retried
		priority = queue.DemotePriority(priority)
		seq, serr := nextSeq(ctx, tx)
		if serr != nil {
			return "", 0, serr
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE queue_messages SET state = ?, retry_count = ?, started_at = NULL, priority = ?, seq = ?
			WHERE id = ?`, statePending, retry, priority, seq, id)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", 0, queue.ErrNotInFlight
	}
	return d, priority, nil
}

// PromoteDue implements queue.Store.
func (q *QueueStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_messages
			WHERE state = ? AND due_at <= ?
			ORDER BY due_at, seq`, stateDelayed, toNanos(now))
		if err != nil {
			return fmt.Errorf("failed to select due messages: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan due message: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			seq, err := nextSeq(ctx, tx)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_messages SET state = ?, due_at = NULL, seq = ? WHERE id = ?`,
				statePending, seq, id); err != nil {
				return fmt.Errorf("failed to promote message: %w", err)
			}
		}
		promoted = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return promoted, nil
}

// ReapStale implements queue.Store.
func (q *QueueStore) ReapStale(ctx context.Context, name string, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	reaped := 0
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, retry_count, max_retries, priority FROM queue_messages
			WHERE queue = ? AND state = ? AND started_at < ?
			ORDER BY seq`, name, stateInFlight, toNanos(cutoff))
		if err != nil {
			return fmt.Errorf("failed to select stale messages: %w", err)
		}
		type stale struct {
			id                         string
			retry, maxRetries, priority int
		}
		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.retry, &s.maxRetries, &s.priority); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan stale message: %w", err)
			}
			found = append(found, s)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range found {
			if _, _, err := q.requeueTx(ctx, tx, s.id, s.retry, s.maxRetries, s.priority, 0); err != nil {
				return err
			}
		}
		reaped = len(found)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reaped, nil
}

// DeadLetters implements queue.Store.
func (q *QueueStore) DeadLetters(ctx context.Context, name string, limit int) ([]queue.Message, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_messages WHERE queue = ? AND state = ? ORDER BY dead_at, seq`
	args := []any{name, stateDead}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []queue.Message
	for rows.Next() {
		m, err := scanQueueMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Stats implements queue.Store.
func (q *QueueStore) Stats(ctx context.Context, name string) (queue.Stats, error) {
	st := queue.Stats{Queue: name}
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM queue_messages WHERE queue = ? GROUP BY state`, name)
	if err != nil {
		return st, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch state {
		case statePending:
			st.Pending = n
		case stateInFlight:
			st.InFlight = n
		case stateDelayed:
			st.Delayed = n
		case stateDead:
			st.DeadLetter = n
		}
	}
	return st, rows.Err()
}
