package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbound_Content(t *testing.T) {
	lat, lon := 40.7, -74.0
	tests := []struct {
		name string
		in   Inbound
		want string
		kind string
	}{
		{"text", Inbound{Type: "text", Text: "  hi there "}, "hi there", "text"},
		{"untyped", Inbound{Text: "hi"}, "hi", "text"},
		{"image caption", Inbound{Type: "image", Caption: "sunset from the roof", MediaID: "media-1"}, "sunset from the roof", "image"},
		{"button", Inbound{Type: "interactive", ButtonText: "Yes please"}, "Yes please", "text"},
		{"list", Inbound{Type: "interactive", ListItemTitle: "Friday"}, "Friday", "text"},
		{"location", Inbound{Type: "location", LocationName: "Blue Bottle", LocationAddress: "Main St", Latitude: &lat, Longitude: &lon},
			"[Location: Blue Bottle at Main St (40.7, -74)]", "location"},
		{"unknown type", Inbound{Type: "hologram", Text: "?"}, "?", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Content())
			assert.Equal(t, tt.kind, tt.in.MediaType())
		})
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Unix(1717243200, 0).UTC()
	for _, raw := range []string{`1717243200`, `"1717243200"`, `"2024-06-01T12:00:00Z"`} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		assert.True(t, want.Equal(ts.Time), raw)
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"last tuesday"`), &ts))
}
