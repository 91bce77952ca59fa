package types

import "time"

// OutboundReply is a drafted reply and its delivery record. It is persisted
// with status pending before any part is handed to the transport.
type OutboundReply struct {
	ID             string         `json:"id"`
	ContactID      string         `json:"contact_id"`
	InReplyTo      string         `json:"in_reply_to"` // Message id the reply answers
	Text           string         `json:"text"`
	Parts          []string       `json:"parts"`
	ContextSummary ContextSummary `json:"context_summary"`
	MetaTags       MetaTags       `json:"meta_tags"`
	Status         ReplyStatus    `json:"status"`
	DeliveryIDs    []string       `json:"delivery_ids,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ContextSummary records how a reply was generated without keeping the prompt.
type ContextSummary struct {
	PromptLength int       `json:"prompt_length"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// MetaTags carries the generator's self-assessment of a reply.
type MetaTags struct {
	GoalAdvanced  bool   `json:"goal_advanced"`
	EmotionalTone string `json:"emotional_tone,omitempty"`
}
