package reply

import (
	"strings"

	"github.com/scrypster/rapport/internal/llm"
	"github.com/scrypster/rapport/pkg/types"
)

type contract struct {
	Messages        []string `json:"messages"`
	GoalAdvancement string   `json:"goal_advancement"`
	EmotionalTone   string   `json:"emotional_tone"`
}

// Goal labels that do not move the conversation forward.
var holdingGoals = map[string]bool{
	"":                true,
	"acknowledgement": true,
	"clarification":   true,
}

// ParseResponse extracts reply text and meta tags from generator output.
// The JSON contract is preferred; otherwise labelled or plain text is used.
// Messages are joined with line breaks so they split back into parts.
func ParseResponse(raw string) (string, types.MetaTags) {
	var c contract
	if err := llm.DecodeJSON(raw, &c); err == nil {
		msgs := make([]string, 0, len(c.Messages))
		for _, m := range c.Messages {
			if m = strings.TrimSpace(m); m != "" {
				msgs = append(msgs, strings.ReplaceAll(m, "\n", " "))
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "\n"), types.MetaTags{
				GoalAdvanced:  !holdingGoals[strings.ToLower(strings.TrimSpace(c.GoalAdvancement))],
				EmotionalTone: strings.TrimSpace(c.EmotionalTone),
			}
		}
	}
	return parsePlain(raw)
}

func parsePlain(raw string) (string, types.MetaTags) {
	var (
		tags  types.MetaTags
		lines []string
	)
	all := strings.Split(strings.TrimSpace(raw), "\n")
	for i, line := range all {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Target goal advancement:"):
			goal := strings.TrimSpace(strings.TrimPrefix(trimmed, "Target goal advancement:"))
			tags.GoalAdvanced = !holdingGoals[strings.ToLower(goal)]
		case strings.HasPrefix(trimmed, "Emotional tone:"):
			tags.EmotionalTone = strings.TrimSpace(strings.TrimPrefix(trimmed, "Emotional tone:"))
		case strings.HasPrefix(trimmed, "Reply:"):
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Reply:"))
			lines = lines[:0]
			if rest != "" {
				lines = append(lines, rest)
			}
			lines = append(lines, all[i+1:]...)
			return strings.TrimSpace(strings.Join(lines, "\n")), tags
		case strings.HasPrefix(trimmed, "```"):
		case trimmed != "":
			lines = append(lines, trimmed)
		}
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	return text, tags
}
