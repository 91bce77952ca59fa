package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/pkg/types"
)

const (
	historyWindow       = 100
	maxUnresolved       = 5
	quickReplyThreshold = 5 * time.Minute
	minQuickReplies     = 5
)

// RankedFact is a fact as presented in a synopsis.
type RankedFact struct {
	Key      string             `json:"key"`
	Value    string             `json:"value"`
	Weight   float64            `json:"weight"` // Effective weight after time decay
	Version  int                `json:"version"`
	Category types.FactCategory `json:"category"`
}

// Question is an inbound question that has not been answered yet.
type Question struct {
	Text      string    `json:"text"`
	AskedAt   time.Time `json:"asked_at"`
	MessageID string    `json:"message_id"`
}

// Metrics are the engagement metrics stored on a contact.
type Metrics struct {
	ResponseLatencyAvg *float64 `json:"response_latency_avg,omitempty"`
	ReciprocityRatio   *float64 `json:"reciprocity_ratio,omitempty"`
}

// Synopsis is a read-only projection of what is known about a contact.
type Synopsis struct {
	ContactID  string                              `json:"contact_id"`
	Stage      types.Stage                         `json:"stage"`
	Facts      map[types.FactCategory][]RankedFact `json:"facts"`
	Unresolved []Question                          `json:"unresolved_questions"`
	Traits     []string                            `json:"traits"`
	Metrics    Metrics                             `json:"metrics"`
}

// FactCount returns the number of facts across categories.
func (s *Synopsis) FactCount() int {
	n := 0
	for _, fs := range s.Facts {
		n += len(fs)
	}
	return n
}

// Synopsis builds the projection for contact. It never writes.
func (g *Graph) Synopsis(ctx context.Context, contact *types.Contact) (*Synopsis, error) {
	facts, err := g.Facts(ctx, contact.ID)
	if err != nil {
		return nil, err
	}
	history, err := g.store.RecentMessages(ctx, contact.ID, historyWindow, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	now := g.now()
	syn := &Synopsis{
		ContactID: contact.ID,
		Stage:     contact.CurrentStage(),
		Facts:     make(map[types.FactCategory][]RankedFact),
		Metrics: Metrics{
			ResponseLatencyAvg: contact.ResponseLatencyAvg,
			ReciprocityRatio:   contact.ReciprocityRatio,
		},
	}
	for _, f := range RankFacts(facts, now, g.cfg.HalfLife) {
		cat := Categorize(f.Key)
		syn.Facts[cat] = append(syn.Facts[cat], RankedFact{
			Key:      f.Key,
			Value:    f.Value,
			Weight:   EffectiveWeight(f, now, g.cfg.HalfLife),
			Version:  f.Version,
			Category: cat,
		})
	}
	syn.Unresolved = unresolvedQuestions(history, g.cfg.QuestionWindow)
	syn.Traits = personalityTraits(history)

	g.logger.Debug("synopsis built",
		zap.String("contact_id", contact.ID),
		zap.Int("facts", len(facts)),
		zap.Int("unresolved", len(syn.Unresolved)))
	return syn, nil
}

// unresolvedQuestions returns inbound questions from the last window turns
// that no later outbound message followed, most recent first.
func unresolvedQuestions(history []*types.Message, window int) []Question {
	if window <= 0 {
		window = 10
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}

	var out []Question
	answered := false
	for i := len(history) - 1; i >= 0 && len(out) < maxUnresolved; i-- {
		m := history[i]
		if m.Direction == types.DirectionOutbound {
			answered = true
			continue
		}
		if answered {
			break
		}
		for _, q := range m.Annotation.Questions {
			if len(out) == maxUnresolved {
				break
			}
			out = append(out, Question{Text: q, AskedAt: m.Timestamp, MessageID: m.ID})
		}
	}
	return out
}

// personalityTraits derives coarse traits from inbound sentiment and reply
// cadence over history.
func personalityTraits(history []*types.Message) []string {
	var inbound, positive, excited, curious, quick int
	for i, m := range history {
		if m.Direction != types.DirectionInbound {
			continue
		}
		inbound++
		switch {
		case m.Annotation.SentimentIs(types.SentimentPositive):
			positive++
		case m.Annotation.SentimentIs(types.SentimentExcited):
			excited++
		case m.Annotation.SentimentIs(types.SentimentCurious):
			curious++
		}
		if i+1 < len(history) {
			next := history[i+1]
			if next.Direction == types.DirectionOutbound && next.Timestamp.Sub(m.Timestamp) < quickReplyThreshold {
				quick++
			}
		}
	}

	var traits []string
	if inbound > 0 {
		total := float64(inbound)
		if float64(positive)/total > 0.6 {
			traits = append(traits, "Generally positive")
		}
		if float64(excited)/total > 0.3 {
			traits = append(traits, "Enthusiastic")
		}
		if float64(curious)/total > 0.2 {
			traits = append(traits, "Inquisitive")
		}
	}
	if quick > minQuickReplies {
		traits = append(traits, "Responsive")
	}
	return traits
}

// RecomputeMetrics recalculates a contact's average reply latency and
// inbound/outbound ratio from recent history and stores them.
func (g *Graph) RecomputeMetrics(ctx context.Context, contactID string) (Metrics, error) {
	history, err := g.store.RecentMessages(ctx, contactID, historyWindow, "")
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to load history: %w", err)
	}
	m := computeMetrics(history)
	if err := g.store.UpdateMetrics(ctx, contactID, m.ResponseLatencyAvg, m.ReciprocityRatio); err != nil {
		return Metrics{}, fmt.Errorf("failed to store metrics: %w", err)
	}
	return m, nil
}

// RefreshMetrics is RecomputeMetrics for callers that only need the side effect.
func (g *Graph) RefreshMetrics(ctx context.Context, contactID string) error {
	_, err := g.RecomputeMetrics(ctx, contactID)
	return err
}

// computeMetrics measures the gap between each outbound message and the
// contact's next inbound message, and the inbound/outbound ratio.
func computeMetrics(history []*types.Message) Metrics {
	var (
		inbound, outbound int
		gaps              float64
		gapCount          int
		pending           *types.Message
	)
	for _, msg := range history {
		switch msg.Direction {
		case types.DirectionOutbound:
			outbound++
			if pending == nil {
				pending = msg
			}
		case types.DirectionInbound:
			inbound++
			if pending != nil {
				gaps += msg.Timestamp.Sub(pending.Timestamp).Seconds()
				gapCount++
				pending = nil
			}
		}
	}

	var out Metrics
	if gapCount > 0 {
		avg := gaps / float64(gapCount)
		out.ResponseLatencyAvg = &avg
	}
	if outbound > 0 {
		ratio := float64(inbound) / float64(outbound)
		out.ReciprocityRatio = &ratio
	}
	return out
}
