package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestRole(t *testing.T) {
	cases := map[string]struct {
		sender, name string
		want         string
	}{
		"langflow machine": {"Machine", "AI", RoleAssistant},
		"bot by name":      {"", "Bot", RoleAssistant},
		"assistant":        {"assistant", "", RoleAssistant},
		"langflow user":    {"User", "User", RoleUser},
		"empty":            {"", "", RoleUser},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m := Message{Sender: tc.sender, SenderName: tc.name}
			assert.Equal(t, tc.want, m.Role())
		})
	}
}

func TestAttachments(t *testing.T) {
	urls := Message{Files: datatypes.JSON(`["https://cdn.example/a/report.pdf"]`)}
	assert.Equal(t, []Attachment{{
		Name: "report.pdf", URL: "https://cdn.example/a/report.pdf", ContentType: "application/octet-stream",
	}}, urls.Attachments())

	objects := Message{Files: datatypes.JSON(`[{"url":"u","contentType":"image/png"},{"name":"n.txt","url":"v"}]`)}
	assert.Equal(t, []Attachment{
		{Name: "file", URL: "u", ContentType: "image/png"},
		{Name: "n.txt", URL: "v", ContentType: "application/octet-stream"},
	}, objects.Attachments())

	encoded := Message{Files: datatypes.JSON(`"[\"https://x/y.png\"]"`)}
	assert.Len(t, encoded.Attachments(), 1)

	assert.Nil(t, (&Message{Files: datatypes.JSON(`{not json`)}).Attachments())
	assert.Nil(t, (&Message{}).Attachments())
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	m := Message{Timestamp: UnixSeconds(now)}
	assert.WithinDuration(t, now, m.Time(), time.Millisecond)
	assert.Equal(t, "", m.Body())
	m.Text = StringPtr("hi")
	assert.Equal(t, "hi", m.Body())
}
