// Package storage provides composable storage interfaces for the rapport
// pipeline.
//
// The storage layer is split into small, focused interfaces (accounts,
// contacts, facts, messages, replies, search) that backends implement
// together as a Store. Components depend only on the slices they use.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/rapport/pkg/types"
)

// AccountStore persists accounts.
type AccountStore interface {
	// GetAccount retrieves an account by ID.
	// Returns ErrNotFound if the account doesn't exist.
	GetAccount(ctx context.Context, id string) (*types.Account, error)

	// SaveAccount creates or updates an account (upsert semantics).
	SaveAccount(ctx context.Context, account *types.Account) error

	// UpdatePersona caches a derived persona on the account.
	UpdatePersona(ctx context.Context, accountID string, persona *types.Persona) error
}

// ContactStore persists contacts and their relationship stage.
type ContactStore interface {
	// GetContact retrieves a contact by ID.
	// Returns ErrNotFound if the contact doesn't exist.
	GetContact(ctx context.Context, id string) (*types.Contact, error)

	// GetContactByRef looks a contact up by its transport address.
	// Returns ErrNotFound if the contact doesn't exist.
	GetContactByRef(ctx context.Context, accountID, externalRef string) (*types.Contact, error)

	// SaveContact creates or updates a contact (upsert semantics). The stage
	// column is only written on insert; use AdvanceStage to move it.
	SaveContact(ctx context.Context, contact *types.Contact) error

	// ListAutomatedContacts returns every contact with automation enabled.
	ListAutomatedContacts(ctx context.Context) ([]*types.Contact, error)

	// AdvanceStage moves a contact from one stage to the next. It succeeds
	// only if the stored stage is still from and evidenceID has never moved
	// the contact before, and returns ErrStageConflict otherwise, so the
	// same evidence can never advance a contact twice. evidenceID names the
	// message that triggered the move.
	AdvanceStage(ctx context.Context, contactID string, from, to types.Stage, evidenceID string) error

	// IsStageEvidence reports whether messageID ever advanced the contact.
	IsStageEvidence(ctx context.Context, contactID, messageID string) (bool, error)

	// TouchInbound records the time of the latest inbound message.
	TouchInbound(ctx context.Context, contactID string, at time.Time) error

	// TouchReply records the time of the latest outbound reply.
	TouchReply(ctx context.Context, contactID string, at time.Time) error

	// UpdateMetrics stores engagement metrics. Nil values clear the metric.
	UpdateMetrics(ctx context.Context, contactID string, latencyAvg, reciprocity *float64) error
}

// FactStore persists versioned facts. Facts are append-only per key: rows
// are never deleted and values are never rewritten.
type FactStore interface {
	// InsertFact stores a new fact version.
	// Returns ErrConflict if (contact, key, version) already exists.
	InsertFact(ctx context.Context, fact *types.Fact) error

	// LatestFact returns the highest version of a key.
	// Returns ErrNotFound if the key has never been observed.
	LatestFact(ctx context.Context, contactID, key string) (*types.Fact, error)

	// LatestFacts returns the highest version of every key for a contact.
	LatestFacts(ctx context.Context, contactID string) ([]*types.Fact, error)

	// FactHistory returns every version of a key, oldest first.
	FactHistory(ctx context.Context, contactID, key string) ([]*types.Fact, error)

	// ReinforceFact sets a fact's weight and reinforcement time.
	ReinforceFact(ctx context.Context, factID string, weight float64, at time.Time) error

	// SupersedeFact atomically inserts next and sets the superseded
	// version's weight to oldWeight.
	SupersedeFact(ctx context.Context, old *types.Fact, oldWeight float64, next *types.Fact) error
}

// MessageStore persists conversation messages.
type MessageStore interface {
	// SaveMessage stores a new message.
	// Returns ErrDuplicate if the contact already has a message with the
	// same external ID.
	SaveMessage(ctx context.Context, msg *types.Message) error

	// GetMessage retrieves a message by ID.
	// Returns ErrNotFound if the message doesn't exist.
	GetMessage(ctx context.Context, id string) (*types.Message, error)

	// RecentMessages returns up to limit of the latest messages for a contact,
	// oldest first. An empty direction matches both directions.
	RecentMessages(ctx context.Context, contactID string, limit int, direction types.Direction) ([]*types.Message, error)

	// AccountOutbound returns up to limit of the latest outbound messages
	// across all of an account's contacts, newest first.
	AccountOutbound(ctx context.Context, accountID string, limit int) ([]*types.Message, error)

	// LastInbound returns the latest inbound message for a contact.
	// Returns ErrNotFound if there is none.
	LastInbound(ctx context.Context, contactID string) (*types.Message, error)

	// MarkNeedsReview flags a message for a human operator.
	MarkNeedsReview(ctx context.Context, messageID, reason string) error

	// MarkQueued records that cognition was scheduled for a message.
	MarkQueued(ctx context.Context, messageID string) error

	// StoreMessageEmbedding attaches an embedding vector to a message.
	StoreMessageEmbedding(ctx context.Context, messageID string, embedding []float64, model string) error
}

// SearchQuery describes a relevance search over a contact's history.
type SearchQuery struct {
	ContactID string
	Text      string

	// Embedding, when set, is compared against stored message embeddings.
	// Without it, or without stored embeddings, a full-text ranking is used.
	Embedding []float64

	// ExcludeIDs are never returned (e.g. turns already in the prompt).
	ExcludeIDs []string

	Limit int
}

// MessageSearcher finds older messages relevant to a piece of text.
type MessageSearcher interface {
	SearchMessages(ctx context.Context, q SearchQuery) ([]*types.Message, error)
}

// ReplyStore persists outbound replies.
type ReplyStore interface {
	// SaveReply stores a new reply.
	SaveReply(ctx context.Context, reply *types.OutboundReply) error

	// GetReply retrieves a reply by ID.
	// Returns ErrNotFound if the reply doesn't exist.
	GetReply(ctx context.Context, id string) (*types.OutboundReply, error)

	// UpdateReplyStatus records a delivery outcome.
	UpdateReplyStatus(ctx context.Context, id string, update ReplyStatusUpdate) error
}

// ReplyStatusUpdate carries the fields changed by a delivery outcome.
// Nil DeliveryIDs leaves the stored ids untouched.
type ReplyStatusUpdate struct {
	Status      types.ReplyStatus
	DeliveryIDs []string
	Error       string
}

// Store is the full persistence surface used by the daemon.
type Store interface {
	AccountStore
	ContactStore
	FactStore
	MessageStore
	MessageSearcher
	ReplyStore

	// Close releases resources.
	Close() error
}
