package reply

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// CapWords truncates text to maxWords words, marking the cut with "...".
// Line breaks between kept words survive so part boundaries are preserved.
func CapWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	count := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			count++
			if count > maxWords {
				return strings.TrimRightFunc(text[:i], unicode.IsSpace) + "..."
			}
		}
	}
	return text
}

// TooSimilar reports whether text overlaps any previous reply by more than
// threshold, using |A∩B| / max(|A|,|B|) over distinct tokens.
func TooSimilar(text string, previous []string, threshold float64) bool {
	for _, p := range previous {
		if storage.TokenOverlap(text, p) > threshold {
			return true
		}
	}
	return false
}

var variations = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`(?i)\bhey\b`), "hi"},
	{regexp.MustCompile(`(?i)\bhow about\b`), "what about"},
	{regexp.MustCompile(`(?i)\bmaybe we could\b`), "perhaps we could"},
	{regexp.MustCompile(`(?i)\bsounds good\b`), "sounds great"},
	{regexp.MustCompile(`(?i)\bi'd love to\b`), "I'd be happy to"},
	{regexp.MustCompile(`(?i)\bawesome\b`), "amazing"},
	{regexp.MustCompile(`(?i)\bcool\b`), "nice"},
}

var leadIns = []string{"Honestly, ", "Ha, ", "Okay so "}

// Rephrase changes text deterministically: the first matching variation is
// substituted, otherwise a casual lead-in is prefixed. The lead-in is picked
// from the text itself so repeated calls on the same draft agree.
func Rephrase(text string) string {
	for _, v := range variations {
		if loc := v.re.FindStringIndex(text); loc != nil {
			return text[:loc[0]] + matchCase(text[loc[0]:loc[1]], v.to) + text[loc[1]:]
		}
	}
	if text == "" {
		return text
	}
	lead := leadIns[len(text)%len(leadIns)]
	return lead + lowerFirst(text)
}

var hedges = []string{"maybe", "perhaps", "if you'd like", "if you're interested"}

// NeedsHedge reports whether stage calls for tentative phrasing.
func NeedsHedge(stage types.Stage) bool {
	return stage == types.StageLogisticsCandidate || stage == types.StageProposal
}

// Hedge prefixes "Maybe " unless the text already hedges.
func Hedge(text string) string {
	lower := strings.ToLower(text)
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			return text
		}
	}
	if text == "" {
		return text
	}
	return "Maybe " + lowerFirst(text)
}

var softenings = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bI'll be there\b`), "I should be able to make it"},
	{regexp.MustCompile(`(?i)\bI'll definitely\b`), "I'll try to"},
	{regexp.MustCompile(`(?i)\bI promise\b`), "I'll do my best to"},
	{regexp.MustCompile(`(?i)\bfor sure\b`), "most likely"},
	{regexp.MustCompile(`(?i)\bdefinitely\b`), "probably"},
}

// SoftenCommitments replaces hard commitments with tentative phrasing.
func SoftenCommitments(text string) string {
	for _, s := range softenings {
		text = s.re.ReplaceAllString(text, s.with)
	}
	return text
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// Split breaks text into at most maxParts message bubbles: on line breaks
// when present, otherwise on sentence boundaries when there are two or three
// sentences. Extra pieces are folded into the last part.
func Split(text string, maxParts int) []string {
	if maxParts <= 0 {
		maxParts = 1
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	if strings.Contains(text, "\n") {
		pieces = nonEmpty(strings.Split(text, "\n"))
	} else if sentences := splitSentences(text); len(sentences) >= 2 && len(sentences) <= 3 {
		pieces = sentences
	} else {
		pieces = []string{text}
	}

	if len(pieces) > maxParts {
		tail := strings.Join(pieces[maxParts-1:], " ")
		pieces = append(pieces[:maxParts-1], tail)
	}
	return pieces
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return nonEmpty(out)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	// Keep "I" and "I'm" capitalised.
	if r == 'I' && (len(s) == size || !unicode.IsLetter(rune(s[size]))) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

func matchCase(original, replacement string) string {
	r, _ := utf8.DecodeRuneInString(original)
	if unicode.IsUpper(r) {
		rr, size := utf8.DecodeRuneInString(replacement)
		return string(unicode.ToUpper(rr)) + replacement[size:]
	}
	return replacement
}
