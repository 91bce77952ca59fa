package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/rapport/pkg/types"
)

// Inbound is the incoming_messages payload written by the transport webhook.
type Inbound struct {
	MessageID   string            `json:"message_id"`
	From        string            `json:"from"`
	Timestamp   Timestamp         `json:"timestamp"`
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	Caption     string            `json:"caption,omitempty"`
	MediaID     string            `json:"media_id,omitempty"`
	ContactName string            `json:"contact_name,omitempty"`
	AccountID   string            `json:"account_id,omitempty"`
	Annotation  *types.Annotation `json:"annotation,omitempty"`

	// Location messages
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	LocationName    string   `json:"location_name,omitempty"`
	LocationAddress string   `json:"location_address,omitempty"`

	// Interactive replies
	ButtonText    string `json:"button_text,omitempty"`
	ListItemTitle string `json:"list_item_title,omitempty"`
}

var mediaTypes = map[string]string{
	"text":        "text",
	"image":       "image",
	"audio":       "audio",
	"video":       "video",
	"document":    "document",
	"sticker":     "sticker",
	"location":    "location",
	"interactive": "text",
	"reaction":    "text",
}

// MediaType maps the transport message type to a stored media type.
func (in Inbound) MediaType() string {
	if in.Type == "" {
		return "text"
	}
	if t, ok := mediaTypes[strings.ToLower(in.Type)]; ok {
		return t
	}
	return "unknown"
}

// Content returns the text used for annotation, memory and search.
func (in Inbound) Content() string {
	switch strings.ToLower(in.Type) {
	case "", "text", "reaction":
		return strings.TrimSpace(in.Text)
	case "interactive":
		if in.ButtonText != "" {
			return strings.TrimSpace(in.ButtonText)
		}
		return strings.TrimSpace(in.ListItemTitle)
	case "location":
		return in.location()
	default:
		if in.Caption != "" {
			return strings.TrimSpace(in.Caption)
		}
		return strings.TrimSpace(in.Text)
	}
}

func (in Inbound) location() string {
	var b strings.Builder
	b.WriteString("[Location")
	if in.LocationName != "" {
		b.WriteString(": " + in.LocationName)
	}
	if in.LocationAddress != "" {
		b.WriteString(" at " + in.LocationAddress)
	}
	if in.Latitude != nil && in.Longitude != nil {
		fmt.Fprintf(&b, " (%g, %g)", *in.Latitude, *in.Longitude)
	}
	b.WriteString("]")
	return b.String()
}

// Timestamp accepts unix seconds as a number or numeric string, or RFC 3339.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(secs, 0).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	t.Time = time.Unix(int64(secs), 0).UTC()
	return nil
}

// MarshalJSON writes unix seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}
