// Package queue provides durable-style work queues with priority bands,
// delayed redelivery, bounded retries and a dead-letter set, plus the
// consumer runtime that drives registered handlers from them.
//
// A message is in exactly one of four places at any time: pending, in
// flight, delayed, or dead-lettered. Every Store method moves a message
// between those places atomically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Priority bands. Lower values are served first; FIFO within a band.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityDeferred = 5
)

// DefaultMaxRetries is the retry budget used when a store is built without one.
const DefaultMaxRetries = 3

var (
	// ErrNotInFlight indicates the message is not currently in flight
	// (already acknowledged, requeued, or reaped).
	ErrNotInFlight = errors.New("message not in flight")

	// ErrInvalidPayload indicates the payload cannot be stored as JSON.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidQueue indicates an empty queue name.
	ErrInvalidQueue = errors.New("invalid queue name")
)

// Message is a unit of queued work.
type Message struct {
	ID         string         `json:"id"`
	Queue      string         `json:"queue"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`

	// Seq orders messages inside a priority band. It is reassigned every
	// time the message re-enters the pending set.
	Seq int64 `json:"seq"`
}

// Disposition reports where Requeue placed a message.
type Disposition string

const (
	// Retried means the message went straight back to pending one band lower.
	Retried Disposition = "retried"

	// Delayed means the message waits in the delayed set until its due time.
	Delayed Disposition = "delayed"

	// DeadLettered means the retry budget is exhausted. Terminal.
	DeadLettered Disposition = "dead_lettered"
)

// Stats is a point-in-time count of a queue's sets.
type Stats struct {
	Queue      string `json:"queue"`
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	Delayed    int    `json:"delayed"`
	DeadLetter int    `json:"dead_letter"`
}

// Store is a set of named priority queues.
type Store interface {
	// Enqueue adds a message to the pending set and returns its id.
	Enqueue(ctx context.Context, queue string, payload map[string]any, priority int) (string, error)

	// Dequeue moves the highest-priority, oldest pending message into the
	// in-flight set and returns it. It returns nil, nil when nothing is pending.
	Dequeue(ctx context.Context, queue string) (*Message, error)

	// Acknowledge removes a message from the in-flight set. Acknowledging a
	// message that is no longer in flight is a no-op.
	Acknowledge(ctx context.Context, queue string, msg *Message) error

	// Requeue takes a message out of flight and increments its retry count.
	// Past MaxRetries it is dead-lettered; otherwise it is delayed when delay
	// is positive, or returned to pending one priority band lower.
	Requeue(ctx context.Context, queue string, msg *Message, delay time.Duration) (Disposition, error)

	// PromoteDue moves every delayed message due at or before now back to
	// pending, keeping its priority. It returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ReapStale requeues messages that have been in flight longer than
	// olderThan. Each reaped message counts as a retry.
	ReapStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// DeadLetters lists dead-lettered messages, oldest first. A limit <= 0
	// returns all of them.
	DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error)

	// Stats returns the current counts for a queue.
	Stats(ctx context.Context, queue string) (Stats, error)
}

// ClampPriority forces p into [PriorityCritical, PriorityDeferred].
func ClampPriority(p int) int {
	if p < PriorityCritical {
		return PriorityCritical
	}
	if p > PriorityDeferred {
		return PriorityDeferred
	}
	return p
}

// DemotePriority returns the band used for an immediate retry.
func DemotePriority(p int) int {
	return ClampPriority(p + 1)
}

// EncodePayload serializes a payload. Stores keep the encoded form so that
// callers cannot mutate a payload after it was enqueued.
func EncodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(data []byte) (map[string]any, error) {
	payload := map[string]any{}
	if len(data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so the runtime acknowledges the message instead of
// retrying it. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// RetryDelay is the backoff before retry n (0-based): 2^n seconds, capped.
func RetryDelay(retryCount int, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	d := time.Duration(1<<uint(retryCount)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}
