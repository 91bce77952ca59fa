// Package policy decides whether an inbound message may be answered
// automatically and, if so, under which constraints. Both decisions are
// pure functions of their inputs and the gate's configuration.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/pkg/types"
)

// Decision is the verdict of the gate.
type Decision string

// Decision constants
const (
	Allow               Decision = "ALLOW"
	BlockNotEnabled     Decision = "BLOCK_NOT_ENABLED"
	BlockSensitive      Decision = "BLOCK_SENSITIVE"
	DeferHumanReview    Decision = "DEFER_HUMAN_REVIEW"
	BlockTooRecent      Decision = "BLOCK_TOO_RECENT"
	BlockStageSaturated Decision = "BLOCK_STAGE_SATURATED"
	BlockOutsideWindow  Decision = "BLOCK_OUTSIDE_WINDOW"
)

// Input is everything the gate looks at for one message.
type Input struct {
	Account *types.Account
	Contact *types.Contact
	Message *types.Message

	// RecentOutbound holds the texts of recent outbound messages, used only
	// by the stage-saturation check.
	RecentOutbound []string
}

// Gate evaluates messages against the configured checks. A Gate is safe
// for concurrent use.
type Gate struct {
	cfg       config.PolicyConfig
	critical  *regexp.Regexp
	sensitive *regexp.Regexp
	ordinary  []string
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now for the time-based checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New builds a gate. Empty marker lists fall back to the built-in lists.
func New(cfg config.PolicyConfig, opts ...Option) *Gate {
	critical := cfg.CriticalMarkers
	if len(critical) == 0 {
		critical = DefaultCriticalMarkers
	}
	sensitive := cfg.SensitiveMarkers
	if len(sensitive) == 0 {
		sensitive = DefaultSensitiveMarkers
	}
	ordinary := cfg.OrdinaryNegatives
	if len(ordinary) == 0 {
		ordinary = DefaultOrdinaryNegatives
	}

	g := &Gate{
		cfg:       cfg,
		critical:  markerPattern(critical),
		sensitive: markerPattern(sensitive),
		ordinary:  lowerAll(ordinary),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the ordered checks; the first failing check wins.
func (g *Gate) Evaluate(in Input) (Decision, string) {
	if in.Account == nil || !in.Account.AutomationEnabled {
		return BlockNotEnabled, "automation disabled for account"
	}
	if in.Contact == nil || !in.Contact.AutomationEnabled {
		return BlockNotEnabled, "automation disabled for contact"
	}

	if in.Message != nil {
		switch g.Assess(in.Message.Text, in.Message.Annotation) {
		case Critical:
			return DeferHumanReview, "critical content detected"
		case Sensitive:
			if g.cfg.BlockSensitive {
				return BlockSensitive, "sensitive content detected"
			}
		}
	}

	if d, reason := g.checkRecency(in.Contact); d != Allow {
		return d, reason
	}
	if d, reason := g.checkSaturation(in.Contact, in.RecentOutbound); d != Allow {
		return d, reason
	}
	if d, reason := g.checkWindow(in.Contact); d != Allow {
		return d, reason
	}
	return Allow, ""
}

func (g *Gate) checkRecency(c *types.Contact) (Decision, string) {
	if g.cfg.MinReplyInterval <= 0 || c.LastReplyAt == nil {
		return Allow, ""
	}
	since := g.now().Sub(*c.LastReplyAt)
	if since < g.cfg.MinReplyInterval {
		return BlockTooRecent, fmt.Sprintf("last reply %s ago, minimum interval %s",
			since.Round(time.Second), g.cfg.MinReplyInterval)
	}
	return Allow, ""
}

// Attempt caps and the phrases that count as an attempt, per stage.
var (
	stageAttemptLimits = map[types.Stage]int{
		types.StageLogisticsCandidate: 3,
		types.StageProposal:           3,
		types.StageNegotiation:        5,
	}
	stageAttemptPhrases = map[types.Stage][]string{
		types.StageLogisticsCandidate: {"meet", "hang out", "get together", "coffee", "drinks"},
		types.StageProposal:           {"when", "where", "what time", "which day", "how about"},
		types.StageNegotiation:        {"instead", "maybe", "could we", "would you prefer"},
	}
)

func (g *Gate) checkSaturation(c *types.Contact, recentOutbound []string) (Decision, string) {
	if !g.cfg.StageSaturation {
		return Allow, ""
	}
	stage := c.CurrentStage()
	limit, ok := stageAttemptLimits[stage]
	if !ok {
		return Allow, ""
	}
	attempts := 0
	for _, text := range recentOutbound {
		if containsAny(strings.ToLower(text), stageAttemptPhrases[stage]) {
			attempts++
		}
	}
	if attempts >= limit {
		return BlockStageSaturated, fmt.Sprintf("already made %d attempts at %s", attempts, stage)
	}
	return Allow, ""
}

func (g *Gate) checkWindow(c *types.Contact) (Decision, string) {
	if g.cfg.ReplyWindow <= 0 || c.LastInboundAt == nil {
		return Allow, ""
	}
	if g.now().Sub(*c.LastInboundAt) > g.cfg.ReplyWindow {
		return BlockOutsideWindow, fmt.Sprintf("outside %s reply window", g.cfg.ReplyWindow)
	}
	return Allow, ""
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
