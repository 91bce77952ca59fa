package memory

import (
	"strings"

	"github.com/scrypster/rapport/pkg/types"
)

// Evidence is what a single message contributed to the memory graph, as
// seen by stage evaluation.
type Evidence struct {
	// Observed are facts stored by this message: inserted, superseding or
	// reinforced.
	Observed []*types.Fact

	// Fresh are facts whose value was first stored by this message. They
	// are a subset of Observed.
	Fresh []*types.Fact

	Annotation types.Annotation
}

var (
	interestKeyMarkers    = []string{"interest", "likes", "hobby"}
	interestEntityTypes   = []string{"interest", "hobby", "activity", "likes"}
	meetingValueMarkers   = []string{"meet", "hangout", "hang out", "date", "coffee", "dinner", "lunch", "drinks"}
	planningValueMarkers  = []string{"when", "where", "what time", "which day"}
	negotiateValueMarkers = []string{"maybe", "how about", "instead"}
	confirmValueMarkers   = []string{"yes", "sure", "confirmed", "agreed", "perfect", "works for me"}
	closingValueMarkers   = []string{"see you", "see ya", "on my way"}
)

// EvaluateStage returns the stage the evidence moves a contact to from
// current. Only the trigger for the current stage is consulted, so at most
// one step is taken. The second value is false when the stage holds.
func EvaluateStage(current types.Stage, ev Evidence) (types.Stage, bool) {
	next, ok := current.Next()
	if !ok {
		return current, false
	}

	var fired bool
	switch current {
	case types.StageDiscovery:
		fired = anyKeyContains(ev.Observed, interestKeyMarkers) ||
			(ev.Annotation.HasIntent(types.IntentSharingInfo) && hasEntityType(ev.Annotation, interestEntityTypes))
	case types.StageRapport:
		fired = anyValueContains(ev.Fresh, meetingValueMarkers)
	case types.StageLogisticsCandidate:
		fired = anyValueContains(ev.Fresh, planningValueMarkers) ||
			ev.Annotation.HasIntent(types.IntentScheduling)
	case types.StageProposal:
		fired = anyValueContains(ev.Fresh, negotiateValueMarkers)
	case types.StageNegotiation:
		fired = anyValueContains(ev.Fresh, confirmValueMarkers)
	case types.StageConfirmation:
		fired = ev.Annotation.HasIntent(types.IntentFarewell) ||
			anyValueContains(ev.Fresh, closingValueMarkers)
	}
	if !fired {
		return current, false
	}
	return next, true
}

func anyKeyContains(facts []*types.Fact, markers []string) bool {
	for _, f := range facts {
		if containsAny(strings.ToLower(f.Key), markers) {
			return true
		}
	}
	return false
}

func anyValueContains(facts []*types.Fact, markers []string) bool {
	for _, f := range facts {
		if containsAny(strings.ToLower(f.Value), markers) {
			return true
		}
	}
	return false
}

func hasEntityType(a types.Annotation, kinds []string) bool {
	for _, e := range a.Entities {
		if containsAny(strings.ToLower(e.Type), kinds) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
