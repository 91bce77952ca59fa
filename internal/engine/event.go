package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/rapport/internal/queue"
)

// Queue names used by the pipeline.
const (
	QueueIncoming  = "incoming_messages"
	QueueCognition = "cognition_tasks"
	QueueStatus    = "status_updates"
)

// Trigger says why an event was raised.
type Trigger string

// Trigger constants
const (
	TriggerNewMessage     Trigger = "new_message"
	TriggerScheduledCheck Trigger = "scheduled_check"
)

// ErrMalformedEvent indicates a cognition payload that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one unit of cognition work.
type Event struct {
	ConversationID string
	ContactID      string
	MessageID      string // Empty for scheduled checks
	Trigger        Trigger
}

// Payload encodes e for the cognition queue.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"conversation_id": e.ConversationID,
		"contact_id":      e.ContactID,
		"trigger":         string(e.Trigger),
	}
	if e.MessageID != "" {
		p["message_id"] = e.MessageID
	}
	return p
}

// EventFromPayload decodes a cognition queue payload. Decoding errors are
// marked permanent: retrying a malformed payload cannot succeed.
func EventFromPayload(p map[string]any) (Event, error) {
	e := Event{
		ConversationID: stringField(p, "conversation_id"),
		ContactID:      stringField(p, "contact_id"),
		MessageID:      stringField(p, "message_id"),
		Trigger:        Trigger(stringField(p, "trigger")),
	}
	if e.ContactID == "" {
		e.ContactID = e.ConversationID
	}
	if e.ConversationID == "" {
		e.ConversationID = e.ContactID
	}

	switch {
	case e.ContactID == "":
		return Event{}, queue.Permanent(fmt.Errorf("%w: contact_id is required", ErrMalformedEvent))
	case e.Trigger == TriggerNewMessage && e.MessageID == "":
		return Event{}, queue.Permanent(fmt.Errorf("%w: new_message requires message_id", ErrMalformedEvent))
	case e.Trigger != TriggerNewMessage && e.Trigger != TriggerScheduledCheck:
		return Event{}, queue.Permanent(fmt.Errorf("%w: unknown trigger %q", ErrMalformedEvent, e.Trigger))
	}
	return e, nil
}

// stringField reads a string value, tolerating absent keys.
func stringField(p map[string]any, key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
