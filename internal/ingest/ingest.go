// Package ingest turns raw inbound transport payloads into stored,
// annotated messages and hands them to the cognition queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/engine"
	"github.com/scrypster/rapport/internal/llm"
	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// ErrMalformedPayload indicates an inbound payload missing required fields.
var ErrMalformedPayload = errors.New("malformed inbound payload")

// Annotator produces the structured interpretation of a message.
type Annotator interface {
	Annotate(ctx context.Context, text string) (types.Annotation, error)
}

// MetricsUpdater recomputes a contact's engagement metrics.
type MetricsUpdater interface {
	RefreshMetrics(ctx context.Context, contactID string) error
}

// Store is the persistence ingestion writes to.
type Store interface {
	storage.AccountStore
	storage.ContactStore
	storage.MessageStore
}

// Handler consumes the incoming_messages queue.
type Handler struct {
	store     Store
	queue     queue.Store
	cfg       config.IngestConfig
	annotator Annotator
	embedder  llm.EmbeddingGenerator
	metrics   MetricsUpdater
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithAnnotator annotates messages whose payload carries no annotation.
func WithAnnotator(a Annotator) Option {
	return func(h *Handler) { h.annotator = a }
}

// WithEmbedder stores an embedding for every text message.
func WithEmbedder(e llm.EmbeddingGenerator) Option {
	return func(h *Handler) { h.embedder = e }
}

// WithMetrics refreshes engagement metrics after each stored message.
func WithMetrics(m MetricsUpdater) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates an ingest handler.
func New(store Store, q queue.Store, cfg config.IngestConfig, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		queue:  q,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("ingest"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if h.cfg.DefaultAccountID == "" {
		h.cfg.DefaultAccountID = "default"
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements queue.Handler for the incoming_messages queue.
func (h *Handler) Handle(ctx context.Context, msg *queue.Message) error {
	in, err := Decode(msg.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	_, err = h.Ingest(ctx, in)
	return err
}

// Ingest stores one inbound message and schedules cognition for it. It
// returns nil, nil when the message was already ingested and handed to
// cognition. A message stored by an earlier attempt that failed before the
// hand-off is finished rather than dropped.
func (h *Handler) Ingest(ctx context.Context, in Inbound) (*types.Message, error) {
	if in.AccountID == "" {
		in.AccountID = h.cfg.DefaultAccountID
	}
	if err := h.ensureAccount(ctx, in.AccountID); err != nil {
		return nil, err
	}
	contact, err := h.contactFor(ctx, in)
	if err != nil {
		return nil, err
	}

	text := in.Content()
	annotation, err := h.annotate(ctx, in, text)
	if err != nil {
		return nil, err
	}

	ts := in.Timestamp.Time
	if ts.IsZero() {
		ts = h.now()
	}
	m := &types.Message{
		ID:             messageID(contact.ID, in.MessageID),
		ContactID:      contact.ID,
		ConversationID: contact.ID,
		ExternalID:     in.MessageID,
		Direction:      types.DirectionInbound,
		Timestamp:      ts,
		Text:           text,
		MediaRef:       in.MediaID,
		MediaType:      in.MediaType(),
		Annotation:     annotation,
	}
	if err := h.store.SaveMessage(ctx, m); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("failed to store message: %w", err)
		}
		stored, err := h.store.GetMessage(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load duplicate message: %w", err)
		}
		if stored.Queued {
			h.logger.Debug("duplicate inbound message ignored",
				zap.String("contact_id", contact.ID), zap.String("external_id", in.MessageID))
			return nil, nil
		}
		h.logger.Info("resuming hand-off of stored message",
			zap.String("message_id", stored.ID), zap.String("contact_id", contact.ID))
		m = stored
	} else {
		h.embed(ctx, m)
	}

	if err := h.handOff(ctx, contact, m); err != nil {
		return nil, err
	}

	h.logger.Info("message ingested",
		zap.String("message_id", m.ID),
		zap.String("contact_id", contact.ID),
		zap.String("media_type", m.MediaType))
	return m, nil
}

// handOff records the inbound time and enqueues the cognition task. The
// message is marked queued last, so any failure before that is retried.
func (h *Handler) handOff(ctx context.Context, contact *types.Contact, m *types.Message) error {
	if err := h.store.TouchInbound(ctx, contact.ID, m.Timestamp); err != nil {
		return fmt.Errorf("failed to record inbound time: %w", err)
	}
	if h.metrics != nil {
		if err := h.metrics.RefreshMetrics(ctx, contact.ID); err != nil {
			h.logger.Warn("metrics refresh failed", zap.String("contact_id", contact.ID), zap.Error(err))
		}
	}

	ev := engine.Event{
		ConversationID: m.ConversationID,
		ContactID:      contact.ID,
		MessageID:      m.ID,
		Trigger:        engine.TriggerNewMessage,
	}
	if _, err := h.queue.Enqueue(ctx, engine.QueueCognition, ev.Payload(), queue.PriorityHigh); err != nil {
		return fmt.Errorf("failed to enqueue cognition task: %w", err)
	}
	if err := h.store.MarkQueued(ctx, m.ID); err != nil {
		// The task is already queued; a redelivery schedules it again.
		h.logger.Warn("failed to mark message queued", zap.String("message_id", m.ID), zap.Error(err))
	}
	return nil
}

func (h *Handler) ensureAccount(ctx context.Context, id string) error {
	_, err := h.store.GetAccount(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load account %s: %w", id, err)
	}
	// Unknown accounts start disabled until an operator turns them on.
	if err := h.store.SaveAccount(ctx, &types.Account{ID: id}); err != nil {
		return fmt.Errorf("failed to create account %s: %w", id, err)
	}
	h.logger.Info("account created", zap.String("account_id", id))
	return nil
}

// contactFor returns the contact behind in.From, creating it on first sight.
func (h *Handler) contactFor(ctx context.Context, in Inbound) (*types.Contact, error) {
	c, err := h.store.GetContactByRef(ctx, in.AccountID, in.From)
	switch {
	case err == nil:
		if c.DisplayName == "" && in.ContactName != "" {
			c.DisplayName = in.ContactName
			if err := h.store.SaveContact(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to update contact: %w", err)
			}
		}
		return c, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}

	c = &types.Contact{
		ID:                contactID(in.AccountID, in.From),
		AccountID:         in.AccountID,
		ExternalRef:       in.From,
		DisplayName:       in.ContactName,
		AutomationEnabled: h.cfg.EnableNewContacts,
		Stage:             types.StageDiscovery,
	}
	if err := h.store.SaveContact(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	h.logger.Info("contact created",
		zap.String("contact_id", c.ID),
		zap.Bool("automation_enabled", c.AutomationEnabled))
	return c, nil
}

func (h *Handler) annotate(ctx context.Context, in Inbound, text string) (types.Annotation, error) {
	if in.Annotation != nil {
		return *in.Annotation, nil
	}
	if h.annotator == nil || strings.TrimSpace(text) == "" {
		return types.Annotation{}, nil
	}
	a, err := h.annotator.Annotate(ctx, text)
	if err != nil {
		return types.Annotation{}, fmt.Errorf("annotation failed: %w", err)
	}
	return a, nil
}

// embed stores the message embedding. Failures only cost retrieval quality.
func (h *Handler) embed(ctx context.Context, m *types.Message) {
	if h.embedder == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	vec, err := h.embedder.Embed(ctx, m.Text)
	if err != nil {
		h.logger.Warn("embedding failed", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	if err := h.store.StoreMessageEmbedding(ctx, m.ID, llm.ToFloat64(vec), h.embedder.Model()); err != nil {
		h.logger.Warn("failed to store embedding", zap.String("message_id", m.ID), zap.Error(err))
	}
}

// Stable ids make redelivered payloads land on the same rows.
func contactID(accountID, ref string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("contact:"+accountID+"/"+ref)).String()
}

func messageID(contactID, externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("message:"+contactID+"/"+externalID)).String()
}

// Decode reads an incoming_messages payload.
func Decode(payload map[string]any) (Inbound, error) {
	var in Inbound
	data, err := json.Marshal(payload)
	if err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	in.MessageID = strings.TrimSpace(in.MessageID)
	in.From = strings.TrimSpace(in.From)
	if in.MessageID == "" || in.From == "" {
		return in, fmt.Errorf("%w: message_id and from are required", ErrMalformedPayload)
	}
	return in, nil
}
