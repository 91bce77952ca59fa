package policy

import (
	"regexp"
	"strings"

	"github.com/scrypster/rapport/pkg/types"
)

// SensitivityLevel classifies the risk content of a message.
type SensitivityLevel string

// Sensitivity levels, least to most severe
const (
	Safe      SensitivityLevel = "safe"
	Caution   SensitivityLevel = "caution"
	Sensitive SensitivityLevel = "sensitive"
	Critical  SensitivityLevel = "critical"
)

// DefaultCriticalMarkers defer a message to a human.
var DefaultCriticalMarkers = []string{
	"kill myself", "killing myself", "want to die", "end my life", "suicide", "suicidal",
	"self harm", "self-harm", "hurt myself", "overdose",
	"emergency", "hospital", "ambulance", "accident", "police", "lawyer", "legal trouble",
}

// DefaultSensitiveMarkers block automation without escalating.
var DefaultSensitiveMarkers = []string{
	"money", "payment", "transfer", "bank", "credit card", "password",
	"confidential", "medical", "diagnosis", "disease", "pregnant",
}

// DefaultOrdinaryNegatives are negative phrases that are ordinary
// conversation rather than boundary-setting.
var DefaultOrdinaryNegatives = []string{
	"not really", "don't like", "not into", "not my thing", "that sucks", "annoying",
	"boring", "tired", "busy", "not today", "maybe later", "not sure",
}

// markerPattern compiles a case-insensitive, word-bounded alternation.
func markerPattern(markers []string) *regexp.Regexp {
	quoted := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(m)))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Assess classifies text. Caution never blocks; it only marks negative
// boundary-setting that is not ordinary conversational negativity.
func (g *Gate) Assess(text string, a types.Annotation) SensitivityLevel {
	if strings.TrimSpace(text) == "" {
		return Safe
	}
	if g.critical != nil && g.critical.MatchString(text) {
		return Critical
	}
	if g.sensitive != nil && g.sensitive.MatchString(text) {
		return Sensitive
	}

	negative := a.SentimentIs(types.SentimentNegative) || a.SentimentIs(types.SentimentAnnoyed)
	if negative && (a.HasIntent(types.IntentRefusal) || a.HasIntent(types.IntentBoundary)) {
		if containsAny(strings.ToLower(text), g.ordinary) {
			return Safe
		}
		return Caution
	}
	return Safe
}
