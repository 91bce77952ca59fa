package reply

import (
	"strings"
	"text/template"

	"github.com/scrypster/rapport/internal/memory"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/pkg/types"
)

var stageGoals = map[types.Stage]string{
	types.StageDiscovery:          "Learn about their interests and build initial connection",
	types.StageRapport:            "Deepen the connection by finding common ground and showing genuine interest",
	types.StageLogisticsCandidate: "Subtly explore the possibility of meeting in person",
	types.StageProposal:           "Suggest a specific activity and time to meet",
	types.StageNegotiation:        "Work together to find a mutually agreeable plan",
	types.StageConfirmation:       "Confirm the details and express excitement",
	types.StagePostConfirmation:   "Maintain connection without changing plans",
}

// StageGoal returns the conversational goal for a stage.
func StageGoal(s types.Stage) string {
	if g, ok := stageGoals[s]; ok {
		return g
	}
	return "Maintain friendly conversation"
}

// Turn is one line of conversation history in the prompt.
type Turn struct {
	Speaker string
	Text    string
	Current bool
	Earlier bool // Retrieved by relevance rather than recency
}

type promptData struct {
	Name        string
	Persona     *types.Persona
	EmojiUsage  string
	Goal        string
	Memory      []string
	History     []Turn
	Constraints policy.ReplyConstraints
	MaxParts    int
	Followup    bool
}

var replyTemplate = template.Must(template.New("reply").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`You are helping craft chat messages on behalf of the account owner. Adopt this persona:
Tone: {{join .Persona.ToneWords ", "}}
Emoji usage: {{.EmojiUsage}}
Typical message length: {{.Persona.LengthQuartiles.P50}} words

Current conversation goal: {{.Goal}}

What you know about {{.Name}}:
{{if .Memory}}{{range .Memory}}{{.}}
{{end}}{{else}}No information yet
{{end}}
Recent conversation:
{{range .History}}{{.Speaker}}: {{.Text}}{{if .Current}} [CURRENT]{{end}}{{if .Earlier}} [FROM EARLIER]{{end}}
{{end}}
Reply constraints:
Keep the reply under {{.Constraints.MaxWords}} words
{{if .Constraints.Tone}}Tone should be {{.Constraints.Tone}}
{{end}}{{range .Constraints.Forbidden}}Important: {{.}}
{{end}}
{{if .Followup}}They have gone quiet for a while. Write a light, low-pressure follow-up that does not guilt them for the silence.
{{else}}Write a natural, conversational reply to the current message.
{{end}}Keep it short: 1-2 sentences per message, at most {{.MaxParts}} messages. Mirror their tone and energy, never reintroduce yourself, and do not push if they avoid a topic.

Respond in JSON only:
{"messages": ["first message", "second message if needed"], "goal_advancement": "rapport_building|information_gathering|logistics_nudge|date_proposal|clarification|acknowledgement", "emotional_tone": "warm|friendly|curious|playful|neutral|enthusiastic"}
`))

// memoryLines summarises a synopsis for the prompt.
func memoryLines(s *memory.Synopsis) []string {
	if s == nil {
		return nil
	}
	var lines []string
	if interests := s.Facts[types.CategoryInterests]; len(interests) > 0 {
		vals := make([]string, 0, 5)
		for i, f := range interests {
			if i == 5 {
				break
			}
			vals = append(vals, f.Value)
		}
		lines = append(lines, "Interests: "+strings.Join(vals, ", "))
	}
	for i, f := range s.Facts[types.CategoryPersonalInfo] {
		if i == 3 {
			break
		}
		lines = append(lines, f.Key+": "+f.Value)
	}
	for _, cat := range []types.FactCategory{types.CategoryPreferences, types.CategoryActivities, types.CategoryTimeline} {
		for i, f := range s.Facts[cat] {
			if i == 2 {
				break
			}
			lines = append(lines, f.Key+": "+f.Value)
		}
	}
	if b := s.Facts[types.CategoryBoundaries]; len(b) > 0 {
		vals := make([]string, 0, len(b))
		for _, f := range b {
			vals = append(vals, f.Value)
		}
		lines = append(lines, "Boundaries: "+strings.Join(vals, ", "))
	}
	if len(s.Traits) > 0 {
		lines = append(lines, "Personality: "+strings.Join(s.Traits, ", "))
	}
	if len(s.Unresolved) > 0 {
		qs := make([]string, 0, 2)
		for i, q := range s.Unresolved {
			if i == 2 {
				break
			}
			qs = append(qs, q.Text)
		}
		lines = append(lines, "Recent questions: "+strings.Join(qs, "; "))
	}
	return lines
}

func renderPrompt(d promptData) (string, error) {
	var b strings.Builder
	if err := replyTemplate.Execute(&b, d); err != nil {
		return "", err
	}
	return b.String(), nil
}
