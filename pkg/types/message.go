package types

import "time"

// Message is a single chat message exchanged with a contact.
// The Annotation is set once at ingestion and never modified afterwards.
type Message struct {
	ID             string     `json:"id"`
	ContactID      string     `json:"contact_id"`
	ConversationID string     `json:"conversation_id"`
	ExternalID     string     `json:"external_id,omitempty"` // Transport message id, unique per contact
	Direction      Direction  `json:"direction"`
	Timestamp      time.Time  `json:"timestamp"`
	Text           string     `json:"text"`
	MediaRef       string     `json:"media_ref,omitempty"`
	MediaType      string     `json:"media_type,omitempty"` // text, image, audio, video, document
	Annotation     Annotation `json:"annotation"`

	// Human-review marker, set when automation deferred to an operator
	NeedsReview  bool   `json:"needs_review"`
	ReviewReason string `json:"review_reason,omitempty"`

	// Queued is set once cognition has been scheduled for the message.
	Queued bool `json:"queued"`
}

// Annotation is the structured interpretation of an inbound message,
// produced by the annotation service.
type Annotation struct {
	Intents   []Intent   `json:"intents,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
	Questions []string   `json:"questions,omitempty"`
}

// Entity is a typed span extracted from a message (e.g. interest: hiking).
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// HasIntent reports whether the annotation carries intent i.
func (a Annotation) HasIntent(i Intent) bool {
	for _, got := range a.Intents {
		if got == i {
			return true
		}
	}
	return false
}

// SentimentIs reports whether the annotation sentiment is set and equals s.
func (a Annotation) SentimentIs(s Sentiment) bool {
	return a.Sentiment != nil && *a.Sentiment == s
}
