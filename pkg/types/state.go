package types

import "fmt"

// Stage is the relationship stage of a contact. Stages only move forward.
type Stage string

// Relationship stage constants, in order
const (
	StageDiscovery          Stage = "discovery"           // Getting to know each other
	StageRapport            Stage = "rapport"             // Shared interests established
	StageLogisticsCandidate Stage = "logistics_candidate" // Meeting ideas surfaced
	StageProposal           Stage = "proposal"            // Concrete plan being proposed
	StageNegotiation        Stage = "negotiation"         // Details under discussion
	StageConfirmation       Stage = "confirmation"        // Plan agreed
	StagePostConfirmation   Stage = "post_confirmation"   // Plan happened or is imminent (terminal)
)

// Stages lists every stage in forward order.
var Stages = []Stage{
	StageDiscovery,
	StageRapport,
	StageLogisticsCandidate,
	StageProposal,
	StageNegotiation,
	StageConfirmation,
	StagePostConfirmation,
}

// Index returns the position of s in the stage order, or -1 if s is unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage that follows s. The second value is false when s is
// terminal or unknown.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// Terminal reports whether no stage follows s.
func (s Stage) Terminal() bool {
	return s == StagePostConfirmation
}

// ParseStage converts a stored string to a Stage. An empty string maps to
// StageDiscovery.
func ParseStage(raw string) (Stage, error) {
	if raw == "" {
		return StageDiscovery, nil
	}
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// IsValidStageTransition validates stage transitions.
//
// Valid transitions are exactly one step forward:
//
//	discovery -> rapport -> logistics_candidate -> proposal ->
//	negotiation -> confirmation -> post_confirmation (terminal)
func IsValidStageTransition(from, to Stage) bool {
	next, ok := from.Next()
	return ok && next == to
}
