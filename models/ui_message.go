package models

import "time"

type UIPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UIMessage is the shape chat clients render.
type UIMessage struct {
	ID                      string       `json:"id"`
	ChatID                  string       `json:"chatId"`
	Role                    string       `json:"role"`
	Content                 string       `json:"content"`
	Parts                   []UIPart     `json:"parts"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments"`
	CreatedAt               time.Time    `json:"createdAt"`
}

func (m *Message) ToUI() UIMessage {
	body := m.Body()
	atts := m.Attachments()
	if atts == nil {
		atts = []Attachment{}
	}
	return UIMessage{
		ID:                      m.ID,
		ChatID:                  m.SessionID,
		Role:                    m.Role(),
		Content:                 body,
		Parts:                   []UIPart{{Type: "text", Text: body}},
		ExperimentalAttachments: atts,
		CreatedAt:               m.Time().UTC(),
	}
}

// ToUIMessages converts in order.
func ToUIMessages(msgs []Message) []UIMessage {
	out := make([]UIMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].ToUI())
	}
	return out
}
