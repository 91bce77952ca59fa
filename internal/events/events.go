// Package events delivers operator notifications: human-review requests,
// credential failures, stage changes and dead-lettered work.
package events

import (
	"context"
	"time"
)

// Type names an operator event.
type Type string

// Event type constants
const (
	HumanReviewRequired Type = "human_review_required"
	CredentialExpired   Type = "credential_expired"
	StageAdvanced       Type = "stage_advanced"
	ReplySent           Type = "reply_sent"
	MessageDeadLettered Type = "message_dead_lettered"
)

// Event is one operator notification.
type Event struct {
	Type      Type           `json:"type"`
	At        time.Time      `json:"at"`
	ContactID string         `json:"contact_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Notifier publishes operator events. Implementations must not block the
// caller for long; delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) {}

// Recorder keeps every event in memory. Tests use it to assert on
// notifications.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Notify implements Notifier. Events beyond the buffer are dropped.
func (r *Recorder) Notify(_ context.Context, ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
