package reply_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/memory"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/internal/reply"
	"github.com/scrypster/rapport/internal/storage/sqlite"
	"github.com/scrypster/rapport/pkg/types"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type scriptedGenerator struct {
	out     string
	err     error
	prompts []string
}

func (s *scriptedGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.out, s.err
}

func (s *scriptedGenerator) Provider() string { return "scripted" }
func (s *scriptedGenerator) Model() string    { return "scripted-1" }

type env struct {
	store   *sqlite.Store
	graph   *memory.Graph
	account *types.Account
	contact *types.Contact
}

func newEnv(t *testing.T, stage types.Stage) *env {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", sqlite.WithNow(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	acct := &types.Account{ID: "acct-1", AutomationEnabled: true}
	require.NoError(t, store.SaveAccount(ctx, acct))
	c := &types.Contact{ID: "c1", AccountID: acct.ID, ExternalRef: "+1555", DisplayName: "Sam", AutomationEnabled: true, Stage: stage}
	require.NoError(t, store.SaveContact(ctx, c))

	return &env{
		store:   store,
		graph:   memory.NewGraph(store, config.Default().Memory, nil, memory.WithClock(func() time.Time { return testNow })),
		account: acct,
		contact: c,
	}
}

func (e *env) save(t *testing.T, id string, dir types.Direction, text string, at time.Time) *types.Message {
	t.Helper()
	m := &types.Message{
		ID: id, ContactID: e.contact.ID, ConversationID: e.contact.ID,
		Direction: dir, Timestamp: at, Text: text,
	}
	if dir == types.DirectionInbound {
		m.ExternalID = "ext-" + id
	}
	require.NoError(t, e.store.SaveMessage(context.Background(), m))
	return m
}

func (e *env) generator(gen *scriptedGenerator, opts ...reply.Option) *reply.Generator {
	opts = append(opts, reply.WithClock(func() time.Time { return testNow }))
	return reply.New(e.store, e.graph, gen, config.Default().Reply, config.Default().LLM, nil, opts...)
}

func TestGenerate_BuildsPromptAndDraft(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	ctx := context.Background()

	msg := e.save(t, "m1", types.DirectionInbound, "I love hiking on weekends", testNow)
	_, err := e.graph.UpdateFromMessage(ctx, e.contact, msg, memory.Extraction{
		NewFacts: []memory.FactInput{{Key: "interest_hiking", Value: "hiking"}},
	})
	require.NoError(t, err)

	gen := &scriptedGenerator{out: `{"messages":["No way, me too!","Favourite trail around here?"],"goal_advancement":"rapport_building","emotional_tone":"enthusiastic"}`}
	g := e.generator(gen)
	rc := policy.ReplyConstraints{Stage: types.StageRapport, Tone: "warm and engaging", MaxWords: 150}

	draft, err := g.Generate(ctx, e.account, e.contact, msg, rc)
	require.NoError(t, err)
	assert.Equal(t, []string{"No way, me too!", "Favourite trail around here?"}, draft.Parts)
	assert.True(t, draft.MetaTags.GoalAdvanced)
	assert.Equal(t, "enthusiastic", draft.MetaTags.EmotionalTone)
	assert.Equal(t, "scripted", draft.Context.Provider)
	assert.Equal(t, "scripted-1", draft.Context.Model)
	assert.Equal(t, testNow, draft.Context.GeneratedAt)

	require.Len(t, gen.prompts, 1)
	prompt := gen.prompts[0]
	assert.Equal(t, len(prompt), draft.Context.PromptLength)
	assert.Contains(t, prompt, "Interests: hiking")
	assert.Contains(t, prompt, "Sam: I love hiking on weekends [CURRENT]")
	assert.Contains(t, prompt, "Tone should be warm and engaging")
	assert.Contains(t, prompt, reply.StageGoal(types.StageRapport))
}

func TestGenerate_CapsLongDrafts(t *testing.T) {
	e := newEnv(t, types.StageDiscovery)
	msg := e.save(t, "m1", types.DirectionInbound, "tell me everything", testNow)

	long := strings.Repeat("word ", 400)
	gen := &scriptedGenerator{out: fmt.Sprintf(`{"messages":[%q]}`, long)}
	draft, err := e.generator(gen).Generate(context.Background(), e.account, e.contact, msg,
		policy.ReplyConstraints{MaxWords: 150})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(strings.Fields(draft.Text)), 150)
	assert.True(t, strings.HasSuffix(draft.Text, "..."))
}

func TestGenerate_RephrasesRepeats(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	e.save(t, "r1", types.DirectionOutbound, "sounds good, see you around", testNow.Add(-time.Hour))
	msg := e.save(t, "m1", types.DirectionInbound, "ok", testNow)

	gen := &scriptedGenerator{out: `{"messages":["Sounds good, see you around"]}`}
	draft, err := e.generator(gen).Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{MaxWords: 150})
	require.NoError(t, err)
	assert.Equal(t, "Sounds great, see you around", draft.Text)
}

func TestGenerate_HedgesAtLogisticsStages(t *testing.T) {
	e := newEnv(t, types.StageProposal)
	msg := e.save(t, "m1", types.DirectionInbound, "what are you up to saturday", testNow)

	gen := &scriptedGenerator{out: `{"messages":["We could try that new ramen place. I'll definitely be hungry."]}`}
	draft, err := e.generator(gen).Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{MaxWords: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"Maybe we could try that new ramen place.", "I'll try to be hungry."}, draft.Parts)

	draft, err = e.generator(gen, reply.WithHedgeRate(func(string) bool { return false })).
		Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{MaxWords: 100})
	require.NoError(t, err)
	assert.Equal(t, "We could try that new ramen place.", draft.Parts[0])
}

func TestGenerate_DerivesAndCachesPersona(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	ctx := context.Background()
	e.save(t, "r1", types.DirectionOutbound, "haha nice 😂", testNow.Add(-2*time.Hour))
	e.save(t, "r2", types.DirectionOutbound, "for real 😂", testNow.Add(-time.Hour))
	msg := e.save(t, "m1", types.DirectionInbound, "lol", testNow)

	gen := &scriptedGenerator{out: "totally"}
	_, err := e.generator(gen).Generate(ctx, e.account, e.contact, msg, policy.ReplyConstraints{})
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], "frequent emojis, especially 😂")

	acct, err := e.store.GetAccount(ctx, e.account.ID)
	require.NoError(t, err)
	require.NotNil(t, acct.PersonaProfile)
	assert.InDelta(t, 1.0, acct.PersonaProfile.EmojiFrequency["😂"], 1e-9)
}

func TestGenerate_IncludesRelevantOlderTurns(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	e.save(t, "old", types.DirectionInbound, "my dog Biscuit loves the beach", testNow.Add(-48*time.Hour))
	for i := 0; i < 3; i++ {
		e.save(t, fmt.Sprintf("f%d", i), types.DirectionInbound, "filler chat", testNow.Add(time.Duration(i-10)*time.Minute))
	}
	msg := e.save(t, "m1", types.DirectionInbound, "Biscuit wants to go to the beach again", testNow)

	cfg := config.Default().Reply
	cfg.ContextTurns = 2
	gen := &scriptedGenerator{out: "cute!"}
	g := reply.New(e.store, e.graph, gen, cfg, config.Default().LLM, nil)
	_, err := g.Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{})
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], "my dog Biscuit loves the beach [FROM EARLIER]")
}

func TestGenerate_Followup(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	msg := e.save(t, "m1", types.DirectionInbound, "gotta run", testNow)
	gen := &scriptedGenerator{out: "hope your day went well"}
	draft, err := e.generator(gen).GenerateFollowup(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{})
	require.NoError(t, err)
	assert.Equal(t, "hope your day went well", draft.Text)
	assert.Contains(t, gen.prompts[0], "gone quiet")
}

func TestGenerate_Errors(t *testing.T) {
	e := newEnv(t, types.StageRapport)
	msg := e.save(t, "m1", types.DirectionInbound, "hi", testNow)

	boom := errors.New("model offline")
	_, err := e.generator(&scriptedGenerator{err: boom}).Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{})
	assert.ErrorIs(t, err, boom)

	_, err = e.generator(&scriptedGenerator{out: "   "}).Generate(context.Background(), e.account, e.contact, msg, policy.ReplyConstraints{})
	assert.ErrorIs(t, err, reply.ErrEmptyDraft)
}
