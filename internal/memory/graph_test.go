package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/storage/sqlite"
	"github.com/scrypster/rapport/pkg/types"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *sqlite.Store
	graph   *Graph
	contact *types.Contact
	now     time.Time
}

func newFixture(t *testing.T, stage types.Stage) *fixture {
	t.Helper()
	f := &fixture{now: testNow}
	store, err := sqlite.NewStore(":memory:", sqlite.WithNow(func() time.Time { return f.now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, &types.Account{ID: "acct-1", AutomationEnabled: true}))
	c := &types.Contact{ID: "c1", AccountID: "acct-1", ExternalRef: "+1555", AutomationEnabled: true, Stage: stage}
	require.NoError(t, store.SaveContact(ctx, c))

	f.store = store
	f.contact = c
	f.graph = NewGraph(store, config.Default().Memory, nil, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) message(t *testing.T, id, text string, a types.Annotation) *types.Message {
	t.Helper()
	m := &types.Message{
		ID:             id,
		ContactID:      f.contact.ID,
		ConversationID: f.contact.ID,
		ExternalID:     "ext-" + id,
		Direction:      types.DirectionInbound,
		Timestamp:      f.now,
		Text:           text,
		Annotation:     a,
	}
	require.NoError(t, f.store.SaveMessage(context.Background(), m))
	return m
}

func (f *fixture) stage(t *testing.T) types.Stage {
	t.Helper()
	c, err := f.store.GetContact(context.Background(), f.contact.ID)
	require.NoError(t, err)
	return c.CurrentStage()
}

func TestUpdateFromMessage_FactVersioning(t *testing.T) {
	f := newFixture(t, types.StageDiscovery)
	ctx := context.Background()

	m1 := f.message(t, "m1", "I live in Boston", types.Annotation{})
	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m1, Extraction{
		NewFacts: []FactInput{{Key: "city", Value: "Boston", Confidence: 0.9}},
	})
	require.NoError(t, err)
	require.Len(t, up.Inserted, 1)
	assert.Equal(t, 1, up.Inserted[0].Version)

	f.now = f.now.Add(time.Hour)
	m2 := f.message(t, "m2", "Actually I moved to Denver", types.Annotation{})
	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m2, Extraction{
		Conflicts: []Conflict{{Key: "city", OldValue: "Boston", NewValue: "Denver"}},
	})
	require.NoError(t, err)
	require.Len(t, up.Superseded, 1)

	history, err := f.store.FactHistory(ctx, f.contact.ID, "city")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Boston", history[0].Value, "old value is never rewritten")
	assert.InDelta(t, 0.5, history[0].DecayWeight, 1e-9)
	assert.Equal(t, "Denver", history[1].Value)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, "m2", history[1].OriginMessageID)

	facts, err := f.graph.Facts(ctx, f.contact.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Denver", facts[0].Value)
}

func TestUpdateFromMessage_ReinforcementIsCapped(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()

	m := f.message(t, "m1", "I love jazz", types.Annotation{})
	_, err := f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{
		NewFacts: []FactInput{{Key: "music", Value: "jazz"}},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{Reinforced: []string{"music"}})
		require.NoError(t, err)
	}
	fact, err := f.store.LatestFact(ctx, f.contact.ID, "music")
	require.NoError(t, err)
	assert.InDelta(t, 1.331, fact.DecayWeight, 1e-9)
	assert.Equal(t, 1, fact.Version)

	for i := 0; i < 20; i++ {
		_, err = f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{Reinforced: []string{"music"}})
		require.NoError(t, err)
	}
	fact, err = f.store.LatestFact(ctx, f.contact.ID, "music")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, fact.DecayWeight, 1e-9)
	assert.Equal(t, "jazz", fact.Value)
}

func TestUpdateFromMessage_UnknownKeys(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()
	m := f.message(t, "m1", "hey", types.Annotation{})

	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{
		Reinforced: []string{"nothing_here"},
		Conflicts:  []Conflict{{Key: "job", OldValue: "?", NewValue: "nurse"}},
	})
	require.NoError(t, err)
	assert.Empty(t, up.Reinforced, "reinforcing an unknown key is ignored")
	require.Len(t, up.Inserted, 1, "a conflict on an unknown key inserts version 1")
	assert.Equal(t, 1, up.Inserted[0].Version)
}

func TestUpdateFromMessage_RepeatedNewFactReinforces(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()
	m := f.message(t, "m1", "hiking!", types.Annotation{})
	ex := Extraction{NewFacts: []FactInput{{Key: "interest_hiking", Value: "hiking"}}}

	_, err := f.graph.UpdateFromMessage(ctx, f.contact, m, ex)
	require.NoError(t, err)
	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, ex)
	require.NoError(t, err)
	assert.Empty(t, up.Inserted)
	assert.Len(t, up.Reinforced, 1)

	history, err := f.store.FactHistory(ctx, f.contact.ID, "interest_hiking")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUpdateFromMessage_DiscoveryToRapport(t *testing.T) {
	f := newFixture(t, types.StageDiscovery)
	ctx := context.Background()

	a := types.Annotation{
		Intents:  []types.Intent{types.IntentSharingInfo},
		Entities: []types.Entity{{Type: "interest", Value: "hiking", Confidence: 0.9}},
	}
	m := f.message(t, "m1", "I love hiking on weekends", a)

	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, ExtractionFromAnnotation(a))
	require.NoError(t, err)
	assert.True(t, up.Advanced)
	assert.Equal(t, types.StageDiscovery, up.From)
	assert.Equal(t, types.StageRapport, up.To)

	facts, err := f.graph.Facts(ctx, f.contact.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "interest_hiking", facts[0].Key)
	assert.Equal(t, "hiking", facts[0].Value)
	assert.Equal(t, types.CategoryInterests, Categorize(facts[0].Key))
}

func TestUpdateFromMessage_StageIdempotent(t *testing.T) {
	f := newFixture(t, types.StageNegotiation)
	ctx := context.Background()

	// "sure" confirms; the farewell intent would then close the plan if the
	// same message were allowed to count twice.
	a := types.Annotation{Intents: []types.Intent{types.IntentFarewell}}
	m := f.message(t, "m1", "sure, see you then", a)
	ex := Extraction{NewFacts: []FactInput{{Key: "plan_answer", Value: "sure, works for me"}}}

	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, ex)
	require.NoError(t, err)
	require.True(t, up.Advanced)
	assert.Equal(t, types.StageConfirmation, f.stage(t))

	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m, ex)
	require.NoError(t, err)
	assert.False(t, up.Advanced)
	assert.Equal(t, types.StageConfirmation, f.stage(t))
}

func TestUpdateFromMessage_ReplayedOlderEvidenceDoesNotAdvance(t *testing.T) {
	f := newFixture(t, types.StageDiscovery)
	ctx := context.Background()

	// m1 carries evidence for discovery and, once the contact is past
	// rapport, for logistics as well.
	a := types.Annotation{
		Intents:  []types.Intent{types.IntentSharingInfo, types.IntentScheduling},
		Entities: []types.Entity{{Type: "interest", Value: "hiking", Confidence: 0.9}},
	}
	m1 := f.message(t, "m1", "I love hiking, free this weekend?", a)
	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m1, ExtractionFromAnnotation(a))
	require.NoError(t, err)
	require.True(t, up.Advanced)
	assert.Equal(t, types.StageRapport, f.stage(t))

	m2 := f.message(t, "m2", "we should grab coffee", types.Annotation{})
	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m2, Extraction{
		NewFacts: []FactInput{{Key: "plan_idea", Value: "grab coffee"}},
	})
	require.NoError(t, err)
	require.True(t, up.Advanced)
	assert.Equal(t, types.StageLogisticsCandidate, f.stage(t))

	// m1 is redelivered after m2 replaced it as the latest evidence.
	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m1, ExtractionFromAnnotation(a))
	require.NoError(t, err)
	assert.False(t, up.Advanced)
	assert.Equal(t, types.StageLogisticsCandidate, f.stage(t))

	// Fresh scheduling evidence still moves the contact on.
	m3 := f.message(t, "m3", "saturday?", types.Annotation{Intents: []types.Intent{types.IntentScheduling}})
	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m3, Extraction{})
	require.NoError(t, err)
	assert.True(t, up.Advanced)
	assert.Equal(t, types.StageProposal, f.stage(t))
}

func TestUpdateFromMessage_StageNeverRegressesOrSkips(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()

	// Evidence for several later stages at once still moves one step.
	m := f.message(t, "m1", "coffee? yes, works for me", types.Annotation{Intents: []types.Intent{types.IntentScheduling}})
	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{
		NewFacts: []FactInput{{Key: "plan", Value: "coffee, yes works for me"}},
	})
	require.NoError(t, err)
	assert.True(t, up.Advanced)
	assert.Equal(t, types.StageLogisticsCandidate, f.stage(t))

	// Interest evidence belongs to discovery and cannot pull the stage back.
	m2 := f.message(t, "m2", "I like hiking", types.Annotation{})
	up, err = f.graph.UpdateFromMessage(ctx, f.contact, m2, Extraction{
		NewFacts: []FactInput{{Key: "likes_hiking", Value: "hiking"}},
	})
	require.NoError(t, err)
	assert.False(t, up.Advanced)
	assert.Equal(t, types.StageLogisticsCandidate, f.stage(t))
}

func TestUpdateFromMessage_StaleContactCopy(t *testing.T) {
	f := newFixture(t, types.StageDiscovery)
	ctx := context.Background()
	require.NoError(t, f.store.AdvanceStage(ctx, f.contact.ID, types.StageDiscovery, types.StageRapport, "other"))

	// f.contact still says discovery; the graph must evaluate the stored stage.
	m := f.message(t, "m1", "I like hiking", types.Annotation{})
	up, err := f.graph.UpdateFromMessage(ctx, f.contact, m, Extraction{
		NewFacts: []FactInput{{Key: "likes_hiking", Value: "hiking"}},
	})
	require.NoError(t, err)
	assert.False(t, up.Advanced)
	assert.Equal(t, types.StageRapport, f.stage(t))
}

func TestUpdateFromMessage_TerminalStage(t *testing.T) {
	f := newFixture(t, types.StagePostConfirmation)
	m := f.message(t, "m1", "bye!", types.Annotation{Intents: []types.Intent{types.IntentFarewell}})
	up, err := f.graph.UpdateFromMessage(context.Background(), f.contact, m, Extraction{})
	require.NoError(t, err)
	assert.False(t, up.Advanced)
	assert.Equal(t, types.StagePostConfirmation, f.stage(t))
}

func TestUpdateFromMessage_RequiresInputs(t *testing.T) {
	f := newFixture(t, types.StageDiscovery)
	_, err := f.graph.UpdateFromMessage(context.Background(), nil, nil, Extraction{})
	assert.Error(t, err)
}

func TestExtraction_Merge(t *testing.T) {
	a := Extraction{NewFacts: []FactInput{{Key: "a", Value: "1"}}}
	b := Extraction{Reinforced: []string{"b"}}
	m := a.Merge(b)
	assert.Len(t, m.NewFacts, 1)
	assert.Equal(t, []string{"b"}, m.Reinforced)
	assert.False(t, m.Empty())
	assert.True(t, Extraction{}.Empty())
}
