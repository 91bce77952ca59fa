package memory

import (
	"strings"

	"github.com/scrypster/rapport/pkg/types"
)

// categoryKeywords maps key fragments to synopsis categories. Order matters:
// the first category with a matching fragment wins, so "dislikes" must be
// checked before "likes" can claim it.
var categoryKeywords = []struct {
	category types.FactCategory
	keywords []string
}{
	{types.CategoryBoundaries, []string{"dislikes", "hates", "avoid", "never", "boundary", "limit"}},
	{types.CategoryInterests, []string{"interest", "likes", "enjoys", "hobby", "passion", "favorite"}},
	{types.CategoryPersonalInfo, []string{"name", "age", "job", "work", "lives", "from", "birthday", "location", "city"}},
	{types.CategoryPreferences, []string{"prefers", "preference", "wants", "wishes", "hopes", "dreams"}},
	{types.CategoryRelationships, []string{"friend", "family", "partner", "dating", "relationship"}},
	{types.CategoryActivities, []string{"does", "plays", "goes", "visits", "travels", "activity"}},
	{types.CategoryTimeline, []string{"when", "date", "time", "schedule", "available"}},
}

// Categorize assigns a fact key to a synopsis category by keyword.
func Categorize(key string) types.FactCategory {
	k := strings.ToLower(key)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(k, kw) {
				return c.category
			}
		}
	}
	return types.CategoryOther
}
