package types

import "time"

// Account is the owner of the automation: the identity replies are sent as.
type Account struct {
	ID                string    `json:"id"`
	AutomationEnabled bool      `json:"automation_enabled"`        // Global switch for every contact of this account
	PersonaProfile    *Persona  `json:"persona_profile,omitempty"` // Cached persona, nil until derived
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Contact is a person the account converses with. Contacts are never deleted
// during normal operation.
type Contact struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	ExternalRef       string `json:"external_ref"` // Transport address (e.g. phone number)
	DisplayName       string `json:"display_name,omitempty"`
	AutomationEnabled bool   `json:"automation_enabled"`
	Stage             Stage  `json:"stage"`

	// StageEvidenceID is the message that triggered the latest stage advance.
	StageEvidenceID string `json:"stage_evidence_id,omitempty"`

	// Engagement metrics, unset until enough history exists
	ResponseLatencyAvg *float64 `json:"response_latency_avg,omitempty"` // Seconds between outbound and next inbound
	ReciprocityRatio   *float64 `json:"reciprocity_ratio,omitempty"`    // Inbound count / outbound count

	LastInboundAt *time.Time `json:"last_inbound_at,omitempty"`
	LastReplyAt   *time.Time `json:"last_reply_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CurrentStage returns the contact's stage, treating an unset stage as discovery.
func (c *Contact) CurrentStage() Stage {
	if c.Stage == "" {
		return StageDiscovery
	}
	return c.Stage
}
