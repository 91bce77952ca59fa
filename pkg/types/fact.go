package types

import "time"

// Fact is one version of a remembered key/value about a contact. Facts are
// append-only per key: a changed value is a new row with Version+1 and the
// older rows are kept with a reduced weight.
type Fact struct {
	ID               string    `json:"id"`
	ContactID        string    `json:"contact_id"`
	Key              string    `json:"key"`
	Value            string    `json:"value"`
	Confidence       float64   `json:"confidence"`   // 0.0-1.0
	DecayWeight      float64   `json:"decay_weight"` // Grows on reinforcement, halves when superseded
	Version          int       `json:"version"`      // 1-based, per (contact, key)
	OriginMessageID  string    `json:"origin_message_id,omitempty"`
	FirstObservedAt  time.Time `json:"first_observed_at"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
}

// FactCategory groups facts for the memory synopsis.
type FactCategory string

// Fact category constants
const (
	CategoryInterests     FactCategory = "interests"
	CategoryPersonalInfo  FactCategory = "personal_info"
	CategoryPreferences   FactCategory = "preferences"
	CategoryBoundaries    FactCategory = "boundaries"
	CategoryRelationships FactCategory = "relationships"
	CategoryActivities    FactCategory = "activities"
	CategoryTimeline      FactCategory = "timeline"
	CategoryOther         FactCategory = "other"
)

// FactCategories lists every category in display order.
var FactCategories = []FactCategory{
	CategoryInterests,
	CategoryPersonalInfo,
	CategoryPreferences,
	CategoryBoundaries,
	CategoryRelationships,
	CategoryActivities,
	CategoryTimeline,
	CategoryOther,
}
