package policy

import (
	"time"

	"github.com/scrypster/rapport/pkg/types"
)

// DefaultMaxWords caps replies at stages without a tighter limit.
const DefaultMaxWords = 150

// ReplyConstraints shape a generated reply.
type ReplyConstraints struct {
	Stage          types.Stage
	Tone           string
	MaxWords       int
	Forbidden      []string
	SuggestedDelay time.Duration
}

// Constraints derives reply constraints from the contact's stage and, when
// latency-based delays are enabled, its average response latency.
func (g *Gate) Constraints(c *types.Contact) ReplyConstraints {
	stage := c.CurrentStage()
	rc := ReplyConstraints{Stage: stage, MaxWords: DefaultMaxWords}

	switch stage {
	case types.StageDiscovery:
		rc.Tone = "curious and friendly"
		rc.Forbidden = []string{"avoid suggesting meetings"}
	case types.StageRapport:
		rc.Tone = "warm and engaging"
	case types.StageLogisticsCandidate:
		rc.Tone = "casual and suggestive"
		rc.Forbidden = []string{"subtle meeting suggestions only"}
	case types.StageProposal, types.StageNegotiation:
		rc.Tone = "accommodating and flexible"
		rc.MaxWords = 100
	case types.StageConfirmation:
		rc.Tone = "excited and appreciative"
		rc.Forbidden = []string{"avoid changing plans"}
	case types.StagePostConfirmation:
		rc.Tone = "relaxed and consistent"
		rc.Forbidden = []string{"avoid changing plans"}
	}

	if g.cfg.LatencyDelay {
		rc.SuggestedDelay = latencyDelay(c.ResponseLatencyAvg)
	}
	return rc
}

// latencyDelay roughly matches the contact's own reply speed.
func latencyDelay(avgSeconds *float64) time.Duration {
	switch {
	case avgSeconds == nil || *avgSeconds <= 0:
		return 0
	case *avgSeconds < 60:
		return 30 * time.Second
	case *avgSeconds < 300:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}
