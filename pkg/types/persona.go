package types

// Persona describes how the account writes, so drafts sound like its owner.
type Persona struct {
	ToneWords       []string           `json:"tone_words"`
	EmojiFrequency  map[string]float64 `json:"emoji_frequency,omitempty"` // Emoji -> occurrences per message
	LengthQuartiles LengthQuartiles    `json:"length_quartiles"`
}

// LengthQuartiles are message length quartiles, in words.
type LengthQuartiles struct {
	P25 int `json:"p25"`
	P50 int `json:"p50"`
	P75 int `json:"p75"`
}

// DefaultPersona is used when there is no outbound history to learn from.
func DefaultPersona() *Persona {
	return &Persona{
		ToneWords:       []string{"casual", "friendly"},
		EmojiFrequency:  map[string]float64{},
		LengthQuartiles: LengthQuartiles{P25: 5, P50: 10, P75: 20},
	}
}
