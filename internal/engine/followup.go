package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// Follow-up window, measured from the contact's last inbound message.
const (
	FollowupAfter  = 12 * time.Hour
	FollowupBefore = 24 * time.Hour
)

// FollowupDue reports whether a quiet contact should get a nudge at now.
// Only one follow-up is sent per silence: a reply sent after the window
// opened counts as the follow-up.
func FollowupDue(c *types.Contact, now time.Time) bool {
	if c == nil || !c.AutomationEnabled || c.LastInboundAt == nil {
		return false
	}
	since := now.Sub(*c.LastInboundAt)
	if since < FollowupAfter || since >= FollowupBefore {
		return false
	}
	switch c.CurrentStage() {
	case types.StageNegotiation, types.StageConfirmation:
		return false
	}
	opened := c.LastInboundAt.Add(FollowupAfter)
	return c.LastReplyAt == nil || c.LastReplyAt.Before(opened)
}

func (o *Orchestrator) processScheduledCheck(ctx context.Context, ev Event) error {
	contact, err := o.store.GetContact(ctx, ev.ContactID)
	if err != nil {
		return lookupError("contact", ev.ContactID, err)
	}
	if !FollowupDue(contact, o.now()) {
		return nil
	}
	account, err := o.store.GetAccount(ctx, contact.AccountID)
	if err != nil {
		return lookupError("account", contact.AccountID, err)
	}
	anchor, err := o.store.LastInbound(ctx, contact.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load last inbound message: %w", err)
	}

	recent, err := o.store.RecentMessages(ctx, contact.ID, saturationWindow, types.DirectionOutbound)
	if err != nil {
		return fmt.Errorf("failed to load recent replies: %w", err)
	}
	decision, reason := o.gate.Evaluate(policy.Input{
		Account:        account,
		Contact:        contact,
		Message:        anchor,
		RecentOutbound: texts(recent),
	})
	if decision != policy.Allow {
		o.logger.Info("follow-up blocked by policy",
			zap.String("contact_id", contact.ID),
			zap.String("decision", string(decision)),
			zap.String("reason", reason))
		return nil
	}
	return o.respond(ctx, account, contact, anchor, true)
}

// FollowupScheduler periodically enqueues scheduled checks for every
// automated contact. The orchestrator decides whether a follow-up is due.
type FollowupScheduler struct {
	contacts storage.ContactStore
	queue    queue.Store
	interval time.Duration
	logger   *zap.Logger
}

// NewFollowupScheduler creates a scheduler that ticks every interval.
func NewFollowupScheduler(contacts storage.ContactStore, q queue.Store, interval time.Duration, logger *zap.Logger) *FollowupScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &FollowupScheduler{
		contacts: contacts,
		queue:    q,
		interval: interval,
		logger:   logging.OrNop(logger).Named("followups"),
	}
}

// Run ticks until ctx is done. It always returns nil.
func (s *FollowupScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("follow-up sweep failed", zap.Error(err))
			}
		}
	}
}

// Tick enqueues one scheduled check per automated contact and returns how
// many were enqueued.
func (s *FollowupScheduler) Tick(ctx context.Context) (int, error) {
	contacts, err := s.contacts.ListAutomatedContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	n := 0
	for _, c := range contacts {
		if c.LastInboundAt == nil {
			continue
		}
		ev := Event{ConversationID: c.ID, ContactID: c.ID, Trigger: TriggerScheduledCheck}
		if _, err := s.queue.Enqueue(ctx, QueueCognition, ev.Payload(), queue.PriorityLow); err != nil {
			return n, fmt.Errorf("failed to enqueue check for %s: %w", c.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("scheduled follow-up checks", zap.Int("count", n))
	}
	return n, nil
}
