package reply

import (
	"sort"
	"strings"

	"github.com/scrypster/rapport/pkg/types"
)

const (
	personaSample = 100
	topEmoji      = 5
)

// DerivePersona learns a writing style from outbound messages. It returns
// nil when there is nothing to learn from.
func DerivePersona(outbound []*types.Message) *types.Persona {
	var (
		lengths   []int
		emoji     = make(map[string]int)
		exclaims  int
		questions int
		total     int
	)
	for _, m := range outbound {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		total++
		lengths = append(lengths, len(strings.Fields(text)))
		for _, r := range text {
			if isEmoji(r) {
				emoji[string(r)]++
			}
		}
		if strings.Contains(text, "!") {
			exclaims++
		}
		if strings.Contains(text, "?") {
			questions++
		}
	}
	if total == 0 {
		return nil
	}

	sort.Ints(lengths)
	p := &types.Persona{
		ToneWords:      toneWords(lengths, exclaims, questions, total),
		EmojiFrequency: topEmojiFrequency(emoji, total),
		LengthQuartiles: types.LengthQuartiles{
			P25: lengths[len(lengths)*25/100],
			P50: lengths[len(lengths)*50/100],
			P75: lengths[len(lengths)*75/100],
		},
	}
	return p
}

func toneWords(sortedLengths []int, exclaims, questions, total int) []string {
	words := []string{"friendly"}
	if float64(exclaims)/float64(total) > 0.3 {
		words = append(words, "enthusiastic")
	}
	if float64(questions)/float64(total) > 0.3 {
		words = append(words, "curious")
	}
	if sortedLengths[len(sortedLengths)/2] <= 6 {
		words = append(words, "concise")
	} else {
		words = append(words, "conversational")
	}
	return words
}

func topEmojiFrequency(counts map[string]int, messages int) map[string]float64 {
	type kv struct {
		emoji string
		n     int
	}
	ranked := make([]kv, 0, len(counts))
	for e, n := range counts {
		ranked = append(ranked, kv{e, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].emoji < ranked[j].emoji
	})
	if len(ranked) > topEmoji {
		ranked = ranked[:topEmoji]
	}
	out := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		out[r.emoji] = float64(r.n) / float64(messages)
	}
	return out
}

func isEmoji(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF)
}

// emojiUsage describes emoji habits for the prompt.
func emojiUsage(freq map[string]float64) string {
	if len(freq) == 0 {
		return "minimal emojis"
	}
	ranked := make([]string, 0, len(freq))
	var total float64
	for e, f := range freq {
		ranked = append(ranked, e)
		total += f
	}
	sort.Slice(ranked, func(i, j int) bool {
		if freq[ranked[i]] != freq[ranked[j]] {
			return freq[ranked[i]] > freq[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	switch {
	case total > 0.3:
		return "frequent emojis, especially " + strings.Join(ranked[:min(3, len(ranked))], ", ")
	case total > 0.1:
		return "occasional emojis like " + strings.Join(ranked[:min(2, len(ranked))], ", ")
	default:
		return "sparse emoji use"
	}
}
