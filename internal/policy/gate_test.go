package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultGate(mutate ...func(*config.PolicyConfig)) *policy.Gate {
	cfg := config.Default().Policy
	for _, m := range mutate {
		m(&cfg)
	}
	return policy.New(cfg, policy.WithClock(func() time.Time { return now }))
}

func enabled() (*types.Account, *types.Contact) {
	return &types.Account{ID: "a", AutomationEnabled: true},
		&types.Contact{ID: "c", AccountID: "a", AutomationEnabled: true, Stage: types.StageDiscovery}
}

func msg(text string, a types.Annotation) *types.Message {
	return &types.Message{ID: "m", Text: text, Direction: types.DirectionInbound, Annotation: a}
}

func sentiment(s types.Sentiment) *types.Sentiment { return &s }

func TestEvaluate_Enablement(t *testing.T) {
	g := defaultGate()
	acct, contact := enabled()

	acct.AutomationEnabled = false
	d, reason := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hi", types.Annotation{})})
	assert.Equal(t, policy.BlockNotEnabled, d)
	assert.Contains(t, reason, "account")

	acct.AutomationEnabled = true
	contact.AutomationEnabled = false
	d, reason = g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hi", types.Annotation{})})
	assert.Equal(t, policy.BlockNotEnabled, d)
	assert.Contains(t, reason, "contact")
}

func TestEvaluate_EnablementWinsOverCritical(t *testing.T) {
	g := defaultGate()
	acct, contact := enabled()
	contact.AutomationEnabled = false

	d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("I want to kill myself", types.Annotation{})})
	assert.Equal(t, policy.BlockNotEnabled, d)
}

func TestEvaluate_Sensitivity(t *testing.T) {
	acct, contact := enabled()
	annoyed := types.Annotation{
		Sentiment: sentiment(types.SentimentAnnoyed),
		Intents:   []types.Intent{types.IntentRefusal},
	}

	tests := []struct {
		name string
		text string
		ann  types.Annotation
		want policy.Decision
	}{
		{"self harm defers", "I want to kill myself", types.Annotation{}, policy.DeferHumanReview},
		{"case insensitive", "I'm at the HOSPITAL", types.Annotation{}, policy.DeferHumanReview},
		{"word boundary", "that movie was killer", types.Annotation{}, policy.Allow},
		{"accidentally is not accident", "I accidentally ate your fries", types.Annotation{}, policy.Allow},
		{"money blocks", "can you transfer me some money", types.Annotation{}, policy.BlockSensitive},
		{"ordinary negative allowed", "that's boring, not my thing", annoyed, policy.Allow},
		{"boundary refusal is caution only", "stop texting me", annoyed, policy.Allow},
		{"plain chat", "I love hiking on weekends", types.Annotation{}, policy.Allow},
	}

	g := defaultGate()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg(tt.text, tt.ann)})
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestAssess_Levels(t *testing.T) {
	g := defaultGate()
	annoyed := types.Annotation{
		Sentiment: sentiment(types.SentimentNegative),
		Intents:   []types.Intent{types.IntentBoundary},
	}

	assert.Equal(t, policy.Critical, g.Assess("call the police", types.Annotation{}))
	assert.Equal(t, policy.Sensitive, g.Assess("what's your password", types.Annotation{}))
	assert.Equal(t, policy.Caution, g.Assess("please stop", annoyed))
	assert.Equal(t, policy.Safe, g.Assess("not really, I'm busy", annoyed))
	assert.Equal(t, policy.Safe, g.Assess("", types.Annotation{}))
}

func TestEvaluate_SensitiveCanBeDisabled(t *testing.T) {
	g := defaultGate(func(c *config.PolicyConfig) { c.BlockSensitive = false })
	acct, contact := enabled()
	d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("bank holiday plans?", types.Annotation{})})
	assert.Equal(t, policy.Allow, d)

	d, _ = g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("this is an emergency", types.Annotation{})})
	assert.Equal(t, policy.DeferHumanReview, d, "critical markers always defer")
}

func TestEvaluate_CustomMarkers(t *testing.T) {
	g := defaultGate(func(c *config.PolicyConfig) { c.CriticalMarkers = []string{"red alert"} })
	acct, contact := enabled()
	d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("Red Alert!", types.Annotation{})})
	assert.Equal(t, policy.DeferHumanReview, d)
	d, _ = g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("emergency", types.Annotation{})})
	assert.Equal(t, policy.Allow, d, "custom list replaces the built-in list")
}

func TestEvaluate_OptionalChecksOffByDefault(t *testing.T) {
	g := defaultGate()
	acct, contact := enabled()
	justNow := now.Add(-time.Second)
	longAgo := now.Add(-72 * time.Hour)
	contact.LastReplyAt = &justNow
	contact.LastInboundAt = &longAgo
	contact.Stage = types.StageProposal

	d, _ := g.Evaluate(policy.Input{
		Account: acct, Contact: contact, Message: msg("sure", types.Annotation{}),
		RecentOutbound: []string{"when?", "where?", "what time?", "which day?"},
	})
	assert.Equal(t, policy.Allow, d)
}

func TestEvaluate_MinReplyInterval(t *testing.T) {
	g := defaultGate(func(c *config.PolicyConfig) { c.MinReplyInterval = time.Minute })
	acct, contact := enabled()

	recent := now.Add(-30 * time.Second)
	contact.LastReplyAt = &recent
	d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hey", types.Annotation{})})
	assert.Equal(t, policy.BlockTooRecent, d)

	old := now.Add(-2 * time.Minute)
	contact.LastReplyAt = &old
	d, _ = g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hey", types.Annotation{})})
	assert.Equal(t, policy.Allow, d)
}

func TestEvaluate_StageSaturation(t *testing.T) {
	g := defaultGate(func(c *config.PolicyConfig) { c.StageSaturation = true })
	acct, contact := enabled()
	contact.Stage = types.StageLogisticsCandidate

	in := policy.Input{
		Account: acct, Contact: contact, Message: msg("haha", types.Annotation{}),
		RecentOutbound: []string{"we should meet up", "coffee sometime?", "lol"},
	}
	d, _ := g.Evaluate(in)
	assert.Equal(t, policy.Allow, d, "two attempts is under the cap")

	in.RecentOutbound = append(in.RecentOutbound, "or drinks?")
	d, reason := g.Evaluate(in)
	assert.Equal(t, policy.BlockStageSaturated, d)
	assert.Contains(t, reason, "3 attempts")

	contact.Stage = types.StageRapport
	d, _ = g.Evaluate(in)
	assert.Equal(t, policy.Allow, d, "rapport has no cap")
}

func TestEvaluate_ReplyWindow(t *testing.T) {
	g := defaultGate(func(c *config.PolicyConfig) { c.ReplyWindow = 24 * time.Hour })
	acct, contact := enabled()

	stale := now.Add(-25 * time.Hour)
	contact.LastInboundAt = &stale
	d, _ := g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hey", types.Annotation{})})
	assert.Equal(t, policy.BlockOutsideWindow, d)

	fresh := now.Add(-time.Hour)
	contact.LastInboundAt = &fresh
	d, _ = g.Evaluate(policy.Input{Account: acct, Contact: contact, Message: msg("hey", types.Annotation{})})
	assert.Equal(t, policy.Allow, d)
}
