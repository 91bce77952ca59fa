package memory

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/rapport/pkg/types"
)

// EffectiveWeight returns a fact's stored weight decayed exponentially since
// its last reinforcement:
//
//	weight * exp(-λ * hours), λ = ln(2) / halfLifeHours
//
// A non-positive half-life disables decay.
func EffectiveWeight(f *types.Fact, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return f.DecayWeight
	}
	hours := now.Sub(f.LastReinforcedAt).Hours()
	if hours <= 0 {
		return f.DecayWeight
	}
	lambda := math.Ln2 / halfLife.Hours()
	return f.DecayWeight * math.Exp(-lambda*hours)
}

// RankFacts orders facts by effective weight, highest first. Ties fall back
// to key order so the result is stable.
func RankFacts(facts []*types.Fact, now time.Time, halfLife time.Duration) []*types.Fact {
	ranked := make([]*types.Fact, len(facts))
	copy(ranked, facts)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi := EffectiveWeight(ranked[i], now, halfLife)
		wj := EffectiveWeight(ranked[j], now, halfLife)
		if wi != wj {
			return wi > wj
		}
		return ranked[i].Key < ranked[j].Key
	})
	return ranked
}
