package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/engine"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

func TestFollowupDue(t *testing.T) {
	at := func(ago time.Duration) *time.Time {
		ts := testNow.Add(-ago)
		return &ts
	}
	tests := []struct {
		name string
		c    types.Contact
		want bool
	}{
		{"inside window", types.Contact{AutomationEnabled: true, LastInboundAt: at(13 * time.Hour)}, true},
		{"window opens at 12h", types.Contact{AutomationEnabled: true, LastInboundAt: at(12 * time.Hour)}, true},
		{"too recent", types.Contact{AutomationEnabled: true, LastInboundAt: at(11 * time.Hour)}, false},
		{"window closed at 24h", types.Contact{AutomationEnabled: true, LastInboundAt: at(24 * time.Hour)}, false},
		{"never messaged", types.Contact{AutomationEnabled: true}, false},
		{"automation off", types.Contact{LastInboundAt: at(13 * time.Hour)}, false},
		{"negotiation", types.Contact{AutomationEnabled: true, Stage: types.StageNegotiation, LastInboundAt: at(13 * time.Hour)}, false},
		{"confirmation", types.Contact{AutomationEnabled: true, Stage: types.StageConfirmation, LastInboundAt: at(13 * time.Hour)}, false},
		{"proposal", types.Contact{AutomationEnabled: true, Stage: types.StageProposal, LastInboundAt: at(13 * time.Hour)}, true},
		{"replied before window", types.Contact{AutomationEnabled: true, LastInboundAt: at(13 * time.Hour), LastReplyAt: at(12*time.Hour + 30*time.Minute)}, true},
		{"already followed up", types.Contact{AutomationEnabled: true, LastInboundAt: at(20 * time.Hour), LastReplyAt: at(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.c
			assert.Equal(t, tt.want, engine.FollowupDue(&c, testNow))
		})
	}
}

func scheduledCheck(contactID string) engine.Event {
	return engine.Event{ConversationID: contactID, ContactID: contactID, Trigger: engine.TriggerScheduledCheck}
}

func TestProcess_ScheduledCheckSendsFollowup(t *testing.T) {
	h := newHarness(t, types.StageRapport)
	ctx := context.Background()
	h.llm.out = `{"messages":["How did the climb go?"]}`

	anchor := h.inbound("m1", "off to the climbing gym", types.Annotation{})
	require.NoError(t, h.store.TouchInbound(ctx, h.contact.ID, testNow.Add(-13*time.Hour)))

	require.NoError(t, h.orch.Process(ctx, scheduledCheck(h.contact.ID)))

	require.Equal(t, 1, h.llm.calls())
	assert.Contains(t, h.llm.prompts[0], "gone quiet")
	assert.Equal(t, []string{"How did the climb go?"}, h.transport.sent)

	r, err := h.store.GetReply(ctx, engine.FollowupReplyID(anchor.ID))
	require.NoError(t, err)
	assert.Equal(t, anchor.ID, r.InReplyTo)
	assert.Equal(t, types.ReplySent, r.Status)

	// The reply closes the window: a second check does nothing.
	require.NoError(t, h.orch.Process(ctx, scheduledCheck(h.contact.ID)))
	assert.Equal(t, 1, h.llm.calls())
}

func TestProcess_ScheduledCheckSkips(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, types.StageRapport)
	h.inbound("m1", "hi", types.Annotation{})
	require.NoError(t, h.store.TouchInbound(ctx, h.contact.ID, testNow.Add(-2*time.Hour)))
	require.NoError(t, h.orch.Process(ctx, scheduledCheck(h.contact.ID)))
	assert.Zero(t, h.llm.calls(), "too soon for a follow-up")

	h = newHarness(t, types.StageRapport)
	h.inbound("m1", "I want to kill myself", types.Annotation{})
	require.NoError(t, h.store.TouchInbound(ctx, h.contact.ID, testNow.Add(-13*time.Hour)))
	require.NoError(t, h.orch.Process(ctx, scheduledCheck(h.contact.ID)))
	assert.Zero(t, h.llm.calls(), "policy still applies to follow-ups")

	err := h.orch.Process(ctx, scheduledCheck("ghost"))
	assert.True(t, queue.IsPermanent(err))
}

func TestFollowupScheduler_Tick(t *testing.T) {
	h := newHarness(t, types.StageRapport)
	ctx := context.Background()

	quiet := &types.Contact{ID: "c2", AccountID: h.account.ID, ExternalRef: "+15550002", AutomationEnabled: true}
	require.NoError(t, h.store.SaveContact(ctx, quiet))
	off := &types.Contact{ID: "c3", AccountID: h.account.ID, ExternalRef: "+15550003"}
	require.NoError(t, h.store.SaveContact(ctx, off))
	for _, id := range []string{h.contact.ID, off.ID} {
		require.NoError(t, h.store.TouchInbound(ctx, id, testNow.Add(-13*time.Hour)))
	}

	q := queue.NewMemoryStore()
	n, err := engine.NewFollowupScheduler(h.store, q, time.Hour, nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only automated contacts that have written in are checked")

	msg, err := q.Dequeue(ctx, engine.QueueCognition)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, queue.PriorityLow, msg.Priority)
	ev, err := engine.EventFromPayload(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, scheduledCheck(h.contact.ID), ev)
}

func TestStatusHandler(t *testing.T) {
	h := newHarness(t, types.StageRapport)
	ctx := context.Background()
	msg := h.inbound("m1", "hi", types.Annotation{})
	require.NoError(t, h.store.SaveReply(ctx, &types.OutboundReply{
		ID: "r1", ContactID: h.contact.ID, InReplyTo: msg.ID, Text: "hey", Parts: []string{"hey"},
	}))

	sh := engine.NewStatusHandler(h.store, nil)
	require.NoError(t, sh.Handle(ctx, &queue.Message{Payload: map[string]any{"reply_id": "r1", "status": "failed", "error": "undeliverable"}}))
	r, err := h.store.GetReply(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.ReplyFailed, r.Status)
	assert.Equal(t, "undeliverable", r.Error)

	assert.NoError(t, sh.Handle(ctx, &queue.Message{Payload: map[string]any{"reply_id": "missing", "status": "sent"}}))

	err = sh.Handle(ctx, &queue.Message{Payload: map[string]any{"reply_id": "r1", "status": "read"}})
	assert.True(t, queue.IsPermanent(err))
	_, err = h.store.GetReply(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEventFromPayload(t *testing.T) {
	ev, err := engine.EventFromPayload(map[string]any{"conversation_id": "c1", "message_id": "m1", "trigger": "new_message"})
	require.NoError(t, err)
	assert.Equal(t, engine.Event{ConversationID: "c1", ContactID: "c1", MessageID: "m1", Trigger: engine.TriggerNewMessage}, ev)

	for _, p := range []map[string]any{
		{},
		{"contact_id": "c1", "trigger": "new_message"},
		{"contact_id": "c1", "trigger": "reminder"},
		{"contact_id": 42, "trigger": "scheduled_check"},
	} {
		_, err := engine.EventFromPayload(p)
		assert.True(t, queue.IsPermanent(err), "%v", p)
	}
}
