// Package engine runs the cognition step of the pipeline. The Orchestrator
// consumes events for one conversation at a time: it updates memory, asks
// the policy gate, drafts a reply and delivers it through the transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/events"
	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/memory"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/reply"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/internal/transport"
	"github.com/scrypster/rapport/pkg/types"
)

// saturationWindow is how many outbound messages the policy gate sees.
const saturationWindow = 20

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	storage.AccountStore
	storage.ContactStore
	storage.MessageStore
	storage.ReplyStore
}

// Memory is the memory graph as used by the orchestrator.
type Memory interface {
	UpdateFromMessage(ctx context.Context, contact *types.Contact, msg *types.Message, ex memory.Extraction) (*memory.Update, error)
	Facts(ctx context.Context, contactID string) ([]*types.Fact, error)
	RefreshMetrics(ctx context.Context, contactID string) error
}

// Drafter produces reply drafts.
type Drafter interface {
	Generate(ctx context.Context, account *types.Account, contact *types.Contact, msg *types.Message, rc policy.ReplyConstraints) (*reply.Draft, error)
	GenerateFollowup(ctx context.Context, account *types.Account, contact *types.Contact, anchor *types.Message, rc policy.ReplyConstraints) (*reply.Draft, error)
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     Store
	Memory    Memory
	Gate      *policy.Gate
	Drafter   Drafter
	Transport transport.Transport

	// Optional
	Extractor memory.Extractor
	Notifier  events.Notifier
}

// Orchestrator processes cognition events. At most one event per
// conversation is in progress at any time; a second event for a busy
// conversation is dropped.
type Orchestrator struct {
	store     Store
	memory    Memory
	gate      *policy.Gate
	drafter   Drafter
	transport transport.Transport
	extractor memory.Extractor
	notifier  events.Notifier

	cfg    config.OrchestratorConfig
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
	newID  func() string

	mu     sync.Mutex
	active map[string]struct{}

	halted atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the context-aware sleep used for reply delays and the
// pause between reply parts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithIDs replaces the outbound message id generator. Reply ids derive
// from the message they answer.
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an orchestrator.
func New(deps Deps, cfg config.OrchestratorConfig, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Memory == nil:
		return nil, errors.New("orchestrator: memory is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: policy gate is required")
	case deps.Drafter == nil:
		return nil, errors.New("orchestrator: drafter is required")
	case deps.Transport == nil:
		return nil, errors.New("orchestrator: transport is required")
	}

	o := &Orchestrator{
		store:     deps.Store,
		memory:    deps.Memory,
		gate:      deps.Gate,
		drafter:   deps.Drafter,
		transport: deps.Transport,
		extractor: deps.Extractor,
		notifier:  deps.Notifier,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
		newID:     newUUID,
		active:    make(map[string]struct{}),
	}
	if o.notifier == nil {
		o.notifier = events.NopNotifier{}
	}
	o.jitter = func() time.Duration { return jitterBetween(o.cfg.PartJitterMin, o.cfg.PartJitterMax) }
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Handle implements queue.Handler for the cognition queue.
func (o *Orchestrator) Handle(ctx context.Context, msg *queue.Message) error {
	ev, err := EventFromPayload(msg.Payload)
	if err != nil {
		return err
	}
	return o.Process(ctx, ev)
}

// Process handles one event. An event for a conversation that is already
// being processed is a no-op.
func (o *Orchestrator) Process(ctx context.Context, ev Event) error {
	key := ev.ConversationID
	if key == "" {
		key = ev.ContactID
	}
	if !o.acquire(key) {
		o.logger.Warn("conversation already in progress, dropping event",
			zap.String("conversation_id", key),
			zap.String("message_id", ev.MessageID),
			zap.String("trigger", string(ev.Trigger)))
		return nil
	}
	defer o.release(key)

	switch ev.Trigger {
	case TriggerNewMessage:
		return o.processMessage(ctx, ev)
	case TriggerScheduledCheck:
		return o.processScheduledCheck(ctx, ev)
	default:
		return queue.Permanent(fmt.Errorf("%w: unknown trigger %q", ErrMalformedEvent, ev.Trigger))
	}
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[key]; busy {
		return false
	}
	o.active[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

// Active returns the number of conversations currently being processed.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) processMessage(ctx context.Context, ev Event) error {
	msg, err := o.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		return lookupError("message", ev.MessageID, err)
	}
	contact, err := o.store.GetContact(ctx, ev.ContactID)
	if err != nil {
		return lookupError("contact", ev.ContactID, err)
	}
	account, err := o.store.GetAccount(ctx, contact.AccountID)
	if err != nil {
		return lookupError("account", contact.AccountID, err)
	}
	if msg.Direction != types.DirectionInbound {
		o.logger.Debug("ignoring outbound message event", zap.String("message_id", msg.ID))
		return nil
	}
	startStage := contact.CurrentStage()

	if err := o.updateMemory(ctx, contact, msg); err != nil {
		return err
	}
	// The gate and the drafter must see the stage memory just produced.
	if contact, err = o.store.GetContact(ctx, contact.ID); err != nil {
		return fmt.Errorf("failed to reload contact: %w", err)
	}

	recent, err := o.store.RecentMessages(ctx, contact.ID, saturationWindow, types.DirectionOutbound)
	if err != nil {
		return fmt.Errorf("failed to load recent replies: %w", err)
	}
	decision, reason := o.gate.Evaluate(policy.Input{
		Account:        account,
		Contact:        contact,
		Message:        msg,
		RecentOutbound: texts(recent),
	})

	var procErr error
	switch decision {
	case policy.Allow:
		procErr = o.respond(ctx, account, contact, msg, false)
	case policy.DeferHumanReview:
		procErr = o.deferToHuman(ctx, contact, msg, reason)
	default:
		o.logger.Info("reply blocked by policy",
			zap.String("contact_id", contact.ID),
			zap.String("message_id", msg.ID),
			zap.String("decision", string(decision)),
			zap.String("reason", reason))
	}

	o.notifyStageChange(ctx, contact.ID, msg.ID, startStage)
	return procErr
}

// updateMemory applies the annotation entities, plus anything the optional
// extractor finds, to the memory graph.
func (o *Orchestrator) updateMemory(ctx context.Context, contact *types.Contact, msg *types.Message) error {
	ex := memory.ExtractionFromAnnotation(msg.Annotation)
	if o.extractor != nil && msg.Text != "" {
		known, err := o.memory.Facts(ctx, contact.ID)
		if err != nil {
			return fmt.Errorf("failed to load facts: %w", err)
		}
		more, err := o.extractor.Extract(ctx, msg, known)
		if err != nil {
			o.logger.Warn("fact extraction failed, using annotation only",
				zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			ex = ex.Merge(more)
		}
	}
	if _, err := o.memory.UpdateFromMessage(ctx, contact, msg, ex); err != nil {
		return fmt.Errorf("memory update failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) deferToHuman(ctx context.Context, contact *types.Contact, msg *types.Message, reason string) error {
	if err := o.store.MarkNeedsReview(ctx, msg.ID, reason); err != nil {
		return fmt.Errorf("failed to flag message for review: %w", err)
	}
	o.logger.Warn("message deferred to human review",
		zap.String("contact_id", contact.ID),
		zap.String("message_id", msg.ID),
		zap.String("reason", reason))
	o.notifier.Notify(ctx, events.Event{
		Type:      events.HumanReviewRequired,
		At:        o.now(),
		ContactID: contact.ID,
		MessageID: msg.ID,
		Detail:    map[string]any{"reason": reason},
	})
	return nil
}

// notifyStageChange emits StageAdvanced when the contact's stage differs
// from the one seen before memory was updated. It does not evaluate stage
// transitions itself; the memory graph does that in UpdateFromMessage.
func (o *Orchestrator) notifyStageChange(ctx context.Context, contactID, messageID string, from types.Stage) {
	c, err := o.store.GetContact(ctx, contactID)
	if err != nil {
		o.logger.Warn("failed to reload contact for stage check", zap.String("contact_id", contactID), zap.Error(err))
		return
	}
	to := c.CurrentStage()
	if to == from {
		return
	}
	o.notifier.Notify(ctx, events.Event{
		Type:      events.StageAdvanced,
		At:        o.now(),
		ContactID: contactID,
		MessageID: messageID,
		Detail:    map[string]any{"from": string(from), "to": string(to)},
	})
}

// lookupError marks a missing row as permanent: retrying cannot create it.
func lookupError(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

func texts(msgs []*types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jitterBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
