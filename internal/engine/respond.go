package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/events"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/internal/transport"
	"github.com/scrypster/rapport/pkg/types"
)

// ErrSendingHalted is returned by sends attempted while delivery is halted.
var ErrSendingHalted = errors.New("sending halted: transport credentials expired")

// ReplyID is the id of the reply drafted for an inbound message.
func ReplyID(messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("reply:"+messageID)).String()
}

// FollowupReplyID is the id of the follow-up anchored on an inbound message.
// At most one follow-up is sent per silence, so the anchor identifies it.
func FollowupReplyID(anchorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("followup:"+anchorID)).String()
}

// respond drafts, persists and delivers a reply to msg. A reply already on
// record for msg is resumed instead of drafted again: parts with a delivery
// id are not resent.
func (o *Orchestrator) respond(ctx context.Context, account *types.Account, contact *types.Contact, msg *types.Message, followup bool) error {
	if o.halted.Load() {
		o.logger.Warn("sending halted, reply skipped",
			zap.String("contact_id", contact.ID), zap.String("message_id", msg.ID))
		return nil
	}

	replyID := ReplyID(msg.ID)
	if followup {
		replyID = FollowupReplyID(msg.ID)
	}
	r, err := o.store.GetReply(ctx, replyID)
	switch {
	case err == nil && r.Status == types.ReplySent:
		o.logger.Debug("reply already sent",
			zap.String("contact_id", contact.ID), zap.String("reply_id", r.ID))
		return nil
	case err == nil:
		o.logger.Info("resuming reply",
			zap.String("contact_id", contact.ID),
			zap.String("reply_id", r.ID),
			zap.Int("delivered", len(r.DeliveryIDs)),
			zap.Int("parts", len(r.Parts)))
	case errors.Is(err, storage.ErrNotFound):
		if r, err = o.draft(ctx, account, contact, msg, replyID, followup); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to load reply %s: %w", replyID, err)
	}

	ids, sendErr := o.dispatch(ctx, contact, r)
	if sendErr != nil {
		if err := o.store.UpdateReplyStatus(ctx, r.ID, storage.ReplyStatusUpdate{
			Status:      types.ReplyFailed,
			DeliveryIDs: ids,
			Error:       sendErr.Error(),
		}); err != nil {
			o.logger.Error("failed to mark reply failed", zap.String("reply_id", r.ID), zap.Error(err))
		}
		if errors.Is(sendErr, transport.ErrCredentialExpired) || errors.Is(sendErr, ErrSendingHalted) {
			o.haltSending(ctx, contact, r, sendErr)
			return nil
		}
		return fmt.Errorf("failed to deliver reply %s: %w", r.ID, sendErr)
	}

	if err := o.store.UpdateReplyStatus(ctx, r.ID, storage.ReplyStatusUpdate{
		Status:      types.ReplySent,
		DeliveryIDs: ids,
	}); err != nil {
		return fmt.Errorf("failed to mark reply sent: %w", err)
	}
	if err := o.store.TouchReply(ctx, contact.ID, o.now()); err != nil {
		o.logger.Warn("failed to record reply time", zap.String("contact_id", contact.ID), zap.Error(err))
	}
	if err := o.memory.RefreshMetrics(ctx, contact.ID); err != nil {
		o.logger.Warn("metrics refresh failed", zap.String("contact_id", contact.ID), zap.Error(err))
	}

	o.logger.Info("reply sent",
		zap.String("contact_id", contact.ID),
		zap.String("reply_id", r.ID),
		zap.Int("parts", len(r.Parts)),
		zap.Bool("followup", followup),
		zap.Bool("goal_advanced", r.MetaTags.GoalAdvanced))
	o.notifier.Notify(ctx, events.Event{
		Type:      events.ReplySent,
		At:        o.now(),
		ContactID: contact.ID,
		MessageID: msg.ID,
		Detail:    map[string]any{"reply_id": r.ID, "parts": len(r.Parts), "followup": followup},
	})
	return nil
}

// draft waits out the suggested delay, generates a reply and persists it as
// pending before the first part goes out, so a crash mid-send leaves a
// resumable record behind.
func (o *Orchestrator) draft(ctx context.Context, account *types.Account, contact *types.Contact, msg *types.Message, replyID string, followup bool) (*types.OutboundReply, error) {
	rc := o.gate.Constraints(contact)
	delay := rc.SuggestedDelay
	if o.cfg.MaxReplyDelay > 0 && delay > o.cfg.MaxReplyDelay {
		delay = o.cfg.MaxReplyDelay
	}
	if err := o.sleep(ctx, delay); err != nil {
		return nil, err
	}

	generate := o.drafter.Generate
	if followup {
		generate = o.drafter.GenerateFollowup
	}
	d, err := generate(ctx, account, contact, msg, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to draft reply: %w", err)
	}

	r := &types.OutboundReply{
		ID:             replyID,
		ContactID:      contact.ID,
		InReplyTo:      msg.ID,
		Text:           d.Text,
		Parts:          d.Parts,
		ContextSummary: d.Context,
		MetaTags:       d.MetaTags,
		Status:         types.ReplyPending,
		CreatedAt:      o.now(),
	}
	if err := o.store.SaveReply(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save reply: %w", err)
	}
	return r, nil
}

// dispatch sends the undelivered parts in order with a short pause between
// parts and records every delivered part as an outbound message. Each
// delivery id is persisted as soon as its send succeeds. It returns the
// delivery ids of all parts delivered so far.
func (o *Orchestrator) dispatch(ctx context.Context, contact *types.Contact, r *types.OutboundReply) ([]string, error) {
	ids := make([]string, 0, len(r.Parts))
	ids = append(ids, r.DeliveryIDs...)
	start := len(ids)
	for i := start; i < len(r.Parts); i++ {
		part := r.Parts[i]
		if i > start {
			if err := o.sleep(ctx, o.jitter()); err != nil {
				return ids, err
			}
		}
		if o.halted.Load() {
			return ids, ErrSendingHalted
		}
		id, err := o.transport.Send(ctx, contact.ExternalRef, part)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		if err := o.store.UpdateReplyStatus(ctx, r.ID, storage.ReplyStatusUpdate{
			Status:      types.ReplyPending,
			DeliveryIDs: ids,
		}); err != nil {
			o.logger.Error("failed to record delivered part",
				zap.String("reply_id", r.ID), zap.Int("part", i), zap.Error(err))
		}

		out := &types.Message{
			ID:             o.newID(),
			ContactID:      contact.ID,
			ConversationID: contact.ID,
			ExternalID:     id,
			Direction:      types.DirectionOutbound,
			Timestamp:      o.now(),
			Text:           part,
			MediaType:      "text",
		}
		if err := o.store.SaveMessage(ctx, out); err != nil {
			// The part is already delivered; losing the copy only thins history.
			o.logger.Warn("failed to store outbound message",
				zap.String("reply_id", r.ID), zap.Int("part", i), zap.Error(err))
		}
	}
	return ids, nil
}

// haltSending stops all delivery until ResumeSending is called.
func (o *Orchestrator) haltSending(ctx context.Context, contact *types.Contact, r *types.OutboundReply, cause error) {
	if o.halted.Swap(true) {
		return
	}
	o.logger.Error(strings.Join([]string{
		"TRANSPORT CREDENTIALS EXPIRED: outbound delivery is halted",
		"The chat transport rejected our credentials. No reply will be sent until they are replaced.",
		"To recover:",
		"  1. Issue a new access token for the transport account",
		"  2. Update the transport credentials in the environment",
		"  3. Restart rapportd or resume sending",
		"Inbound messages keep being ingested and remembered meanwhile.",
	}, "\n"),
		zap.String("contact_id", contact.ID),
		zap.String("reply_id", r.ID),
		zap.Error(cause))
	o.notifier.Notify(ctx, events.Event{
		Type:      events.CredentialExpired,
		At:        o.now(),
		ContactID: contact.ID,
		Detail:    map[string]any{"reply_id": r.ID, "error": cause.Error()},
	})
}

// ResumeSending lifts a halt caused by expired credentials.
func (o *Orchestrator) ResumeSending() {
	if o.halted.Swap(false) {
		o.logger.Info("sending resumed")
	}
}

// SendingHalted reports whether delivery is halted.
func (o *Orchestrator) SendingHalted() bool {
	return o.halted.Load()
}

func newUUID() string {
	return uuid.New().String()
}
