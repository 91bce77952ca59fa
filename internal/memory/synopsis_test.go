package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/pkg/types"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		key  string
		want types.FactCategory
	}{
		{"interest_hiking", types.CategoryInterests},
		{"likes_jazz", types.CategoryInterests},
		{"dislikes_cilantro", types.CategoryBoundaries},
		{"name", types.CategoryPersonalInfo},
		{"job", types.CategoryPersonalInfo},
		{"prefers_texting", types.CategoryPreferences},
		{"friend_alex", types.CategoryRelationships},
		{"plays_tennis", types.CategoryActivities},
		{"available_weekends", types.CategoryTimeline},
		{"shoe_size", types.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.key))
		})
	}
}

func TestEffectiveWeight(t *testing.T) {
	halfLife := 90 * 24 * time.Hour
	f := &types.Fact{DecayWeight: 2.0, LastReinforcedAt: testNow}

	assert.InDelta(t, 2.0, EffectiveWeight(f, testNow, halfLife), 1e-9)
	assert.InDelta(t, 1.0, EffectiveWeight(f, testNow.Add(halfLife), halfLife), 1e-9)
	assert.InDelta(t, 0.5, EffectiveWeight(f, testNow.Add(2*halfLife), halfLife), 1e-9)
	assert.InDelta(t, 2.0, EffectiveWeight(f, testNow.Add(halfLife), 0), 1e-9, "zero half-life disables decay")
}

func TestRankFacts(t *testing.T) {
	halfLife := 24 * time.Hour
	stale := &types.Fact{Key: "a", DecayWeight: 2.0, LastReinforcedAt: testNow.Add(-72 * time.Hour)}
	fresh := &types.Fact{Key: "b", DecayWeight: 1.0, LastReinforcedAt: testNow}
	tie := &types.Fact{Key: "c", DecayWeight: 1.0, LastReinforcedAt: testNow}

	ranked := RankFacts([]*types.Fact{stale, tie, fresh}, testNow, halfLife)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{ranked[0].Key, ranked[1].Key, ranked[2].Key})
}

func TestEvaluateStage(t *testing.T) {
	fact := func(key, value string) []*types.Fact {
		return []*types.Fact{{Key: key, Value: value}}
	}
	tests := []struct {
		name    string
		current types.Stage
		ev      Evidence
		want    types.Stage
		fired   bool
	}{
		{"interest key", types.StageDiscovery, Evidence{Observed: fact("likes_music", "jazz")}, types.StageRapport, true},
		{"sharing intent with interest entity", types.StageDiscovery, Evidence{Annotation: types.Annotation{
			Intents:  []types.Intent{types.IntentSharingInfo},
			Entities: []types.Entity{{Type: "hobby", Value: "climbing"}},
		}}, types.StageRapport, true},
		{"sharing intent alone", types.StageDiscovery, Evidence{Annotation: types.Annotation{
			Intents: []types.Intent{types.IntentSharingInfo},
		}}, types.StageDiscovery, false},
		{"meeting idea", types.StageRapport, Evidence{Fresh: fact("idea", "grab coffee sometime")}, types.StageLogisticsCandidate, true},
		{"reinforced meeting idea is not fresh", types.StageRapport, Evidence{Observed: fact("idea", "coffee")}, types.StageRapport, false},
		{"planning value", types.StageLogisticsCandidate, Evidence{Fresh: fact("q", "what time works")}, types.StageProposal, true},
		{"scheduling intent", types.StageLogisticsCandidate, Evidence{Annotation: types.Annotation{
			Intents: []types.Intent{types.IntentScheduling},
		}}, types.StageProposal, true},
		{"counter offer", types.StageProposal, Evidence{Fresh: fact("plan", "how about friday instead")}, types.StageNegotiation, true},
		{"agreement", types.StageNegotiation, Evidence{Fresh: fact("plan", "perfect")}, types.StageConfirmation, true},
		{"farewell", types.StageConfirmation, Evidence{Annotation: types.Annotation{
			Intents: []types.Intent{types.IntentFarewell},
		}}, types.StagePostConfirmation, true},
		{"closing value", types.StageConfirmation, Evidence{Fresh: fact("status", "on my way")}, types.StagePostConfirmation, true},
		{"terminal", types.StagePostConfirmation, Evidence{Annotation: types.Annotation{
			Intents: []types.Intent{types.IntentFarewell},
		}}, types.StagePostConfirmation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fired := EvaluateStage(tt.current, tt.ev)
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractionFromAnnotation(t *testing.T) {
	ex := ExtractionFromAnnotation(types.Annotation{Entities: []types.Entity{
		{Type: "interest", Value: "Rock Climbing", Confidence: 0.8},
		{Type: "interest", Value: "rock climbing"},
		{Type: "Name", Value: "Sam"},
		{Type: "city", Value: " "},
	}})
	require.Len(t, ex.NewFacts, 2)
	assert.Equal(t, FactInput{Key: "interest_rock_climbing", Value: "Rock Climbing", Confidence: 0.8}, ex.NewFacts[0])
	assert.Equal(t, "name", ex.NewFacts[1].Key)
}

func TestSynopsis(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()
	positive := types.SentimentPositive

	m1 := f.message(t, "m1", "I love hiking", types.Annotation{Sentiment: &positive})
	_, err := f.graph.UpdateFromMessage(ctx, f.contact, m1, Extraction{NewFacts: []FactInput{
		{Key: "interest_hiking", Value: "hiking"},
		{Key: "job", Value: "nurse"},
	}})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.store.SaveMessage(ctx, &types.Message{
		ID: "r1", ContactID: f.contact.ID, ConversationID: f.contact.ID,
		Direction: types.DirectionOutbound, Timestamp: f.now, Text: "nice!",
	}))
	f.now = f.now.Add(time.Minute)
	f.message(t, "m2", "where do you hike? any trails?", types.Annotation{
		Sentiment: &positive,
		Questions: []string{"where do you hike?", "any trails?"},
	})

	syn, err := f.graph.Synopsis(ctx, f.contact)
	require.NoError(t, err)
	assert.Equal(t, types.StageRapport, syn.Stage)
	assert.Equal(t, 2, syn.FactCount())
	require.Len(t, syn.Facts[types.CategoryInterests], 1)
	assert.Equal(t, "hiking", syn.Facts[types.CategoryInterests][0].Value)
	require.Len(t, syn.Unresolved, 2)
	assert.Equal(t, "m2", syn.Unresolved[0].MessageID)
	assert.Contains(t, syn.Traits, "Generally positive")
}

func TestUnresolvedQuestions_AnsweredAreDropped(t *testing.T) {
	q := func(id string, dir types.Direction, qs ...string) *types.Message {
		return &types.Message{ID: id, Direction: dir, Annotation: types.Annotation{Questions: qs}}
	}
	history := []*types.Message{
		q("1", types.DirectionInbound, "old?"),
		q("2", types.DirectionOutbound),
		q("3", types.DirectionInbound, "a?", "b?", "c?"),
		q("4", types.DirectionInbound, "d?", "e?", "f?"),
	}
	got := unresolvedQuestions(history, 10)
	require.Len(t, got, maxUnresolved)
	assert.Equal(t, "d?", got[0].Text)
	for _, u := range got {
		assert.NotEqual(t, "old?", u.Text)
	}
}

func TestPersonalityTraits(t *testing.T) {
	excited := types.SentimentExcited
	var history []*types.Message
	start := testNow
	for i := 0; i < 6; i++ {
		at := start.Add(time.Duration(i) * time.Hour)
		history = append(history,
			&types.Message{Direction: types.DirectionInbound, Timestamp: at, Annotation: types.Annotation{Sentiment: &excited}},
			&types.Message{Direction: types.DirectionOutbound, Timestamp: at.Add(time.Minute)},
		)
	}
	traits := personalityTraits(history)
	assert.Contains(t, traits, "Enthusiastic")
	assert.Contains(t, traits, "Responsive")
	assert.NotContains(t, traits, "Generally positive")
}

func TestRecomputeMetrics(t *testing.T) {
	f := newFixture(t, types.StageRapport)
	ctx := context.Background()

	out := func(id string) {
		require.NoError(t, f.store.SaveMessage(ctx, &types.Message{
			ID: id, ContactID: f.contact.ID, ConversationID: f.contact.ID,
			Direction: types.DirectionOutbound, Timestamp: f.now, Text: "hi",
		}))
	}
	f.message(t, "in1", "hey", types.Annotation{})
	f.now = f.now.Add(time.Minute)
	out("out1")
	f.now = f.now.Add(30 * time.Second)
	f.message(t, "in2", "hello", types.Annotation{})
	f.now = f.now.Add(time.Minute)
	out("out2")
	f.now = f.now.Add(90 * time.Second)
	f.message(t, "in3", "sup", types.Annotation{})

	m, err := f.graph.RecomputeMetrics(ctx, f.contact.ID)
	require.NoError(t, err)
	require.NotNil(t, m.ResponseLatencyAvg)
	assert.InDelta(t, 60.0, *m.ResponseLatencyAvg, 1e-9)
	require.NotNil(t, m.ReciprocityRatio)
	assert.InDelta(t, 1.5, *m.ReciprocityRatio, 1e-9)

	c, err := f.store.GetContact(ctx, f.contact.ID)
	require.NoError(t, err)
	require.NotNil(t, c.ResponseLatencyAvg)
	assert.InDelta(t, 60.0, *c.ResponseLatencyAvg, 1e-9)
}

type stubGenerator struct {
	out    string
	err    error
	prompt string
}

func (s *stubGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	s.prompt = prompt
	return s.out, s.err
}

func (s *stubGenerator) Provider() string { return "stub" }
func (s *stubGenerator) Model() string    { return "stub" }

func TestLLMExtractor(t *testing.T) {
	gen := &stubGenerator{out: "```json\n{\"new_facts\":[{\"key\":\"job\",\"value\":\"nurse\"}],\"reinforced_facts\":[\"city\"],\"conflicts_updates\":[]}\n```"}
	x := NewLLMExtractor(gen)

	ex, err := x.Extract(context.Background(), &types.Message{Text: "I'm a nurse, still in Boston"},
		[]*types.Fact{{Key: "city", Value: "Boston"}})
	require.NoError(t, err)
	assert.Equal(t, []FactInput{{Key: "job", Value: "nurse"}}, ex.NewFacts)
	assert.Equal(t, []string{"city"}, ex.Reinforced)
	assert.Contains(t, gen.prompt, "- city: Boston")

	ex, err = x.Extract(context.Background(), &types.Message{Text: "  "}, nil)
	require.NoError(t, err)
	assert.True(t, ex.Empty())

	gen.out = "no idea"
	_, err = x.Extract(context.Background(), &types.Message{Text: "hi"}, nil)
	assert.Error(t, err)

	gen.err = errors.New("down")
	_, err = x.Extract(context.Background(), &types.Message{Text: "hi"}, nil)
	assert.Error(t, err)
}
