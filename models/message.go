package models

import (
	"encoding/json"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn. The table layout follows the flow
// service's own message table so both sides can read what the other wrote.
type Message struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string         `gorm:"size:255;not null;index:idx_message_session_ts,priority:1" json:"session_id"`
	Sender     string         `gorm:"size:255" json:"sender"` // "User" / "Machine"
	SenderName string         `gorm:"size:255" json:"sender_name,omitempty"`
	Text       *string        `gorm:"type:text" json:"text,omitempty"`
	Files      datatypes.JSON `json:"files,omitempty"`
	Timestamp  float64        `gorm:"not null;index:idx_message_session_ts,priority:2" json:"timestamp"`
	FlowID     string         `gorm:"size:255" json:"flow_id,omitempty"`
	Properties datatypes.JSON `json:"properties,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string { return "message" }

// BeforeCreate fills the identifier and timestamp of new rows.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = UnixSeconds(time.Now())
	}
	return nil
}

var assistantSenders = map[string]bool{
	"machine":   true,
	"ai":        true,
	"bot":       true,
	"assistant": true,
}

// Role derives user/assistant from the sender and sender name fields.
func (m *Message) Role() string {
	if assistantSenders[strings.ToLower(strings.TrimSpace(m.Sender))] ||
		assistantSenders[strings.ToLower(strings.TrimSpace(m.SenderName))] {
		return RoleAssistant
	}
	return RoleUser
}

// Body returns the text or "" when the message has none.
func (m *Message) Body() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// Time converts the numeric timestamp.
func (m *Message) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

// Attachments parses Files, which holds either a list of URLs or a list of
// {name,url,contentType} objects. Anything else yields no attachments.
func (m *Message) Attachments() []Attachment {
	if len(m.Files) == 0 {
		return nil
	}
	raw := []byte(m.Files)
	// files may itself be a JSON string holding the encoded list
	var inner string
	if json.Unmarshal(raw, &inner) == nil {
		raw = []byte(inner)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]Attachment, 0, len(items))
	for _, it := range items {
		var url string
		if json.Unmarshal(it, &url) == nil {
			out = append(out, Attachment{
				Name:        path.Base(url),
				URL:         url,
				ContentType: "application/octet-stream",
			})
			continue
		}
		var a Attachment
		if json.Unmarshal(it, &a) != nil {
			continue
		}
		if a.Name == "" {
			a.Name = "file"
		}
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		out = append(out, a)
	}
	return out
}

// UnixSeconds renders t the way the timestamp column stores it.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// StringPtr is a helper for optional text fields.
func StringPtr(s string) *string { return &s }
