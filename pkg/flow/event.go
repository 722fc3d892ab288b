package flow

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Kind tags the variants of Event.
type Kind int

const (
	// KindUnknown covers event kinds the relay does not act on, including
	// add_message events sent on behalf of the user.
	KindUnknown Kind = iota
	KindToken
	KindAssistantMessage
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindAssistantMessage:
		return "assistant_message"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Event is one decoded upstream event.
// Text is set for tokens and assistant messages; a Terminal event may have
// no text, in which case HasText is false.
type Event struct {
	Kind    Kind
	Name    string // upstream event name as received
	Text    string
	HasText bool
}

// envelope is the streaming frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var assistantSenders = map[string]bool{
	"machine":   true,
	"ai":        true,
	"bot":       true,
	"assistant": true,
}

// DecodeEvent decodes one streamed line and dispatches on its event name.
func DecodeEvent(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, errors.Wrap(err, "decode event envelope")
	}
	var ev Event
	switch env.Event {
	case "token":
		ev = DecodeToken(env.Data)
	case "add_message":
		ev = DecodeAddMessage(env.Data)
	case "end":
		ev = DecodeEnd(env.Data)
	}
	ev.Name = env.Event
	return ev, nil
}

// DecodeToken reads {"chunk": "..."}. A missing, non-string or empty chunk
// yields KindUnknown.
func DecodeToken(data json.RawMessage) Event {
	var d struct {
		Chunk any `json:"chunk"`
	}
	if json.Unmarshal(data, &d) != nil {
		return Event{Kind: KindUnknown}
	}
	chunk, ok := d.Chunk.(string)
	if !ok || chunk == "" {
		return Event{Kind: KindUnknown}
	}
	return Event{Kind: KindToken, Text: chunk, HasText: true}
}

// DecodeAddMessage reads a message event; only assistant messages with text count.
func DecodeAddMessage(data json.RawMessage) Event {
	var d struct {
		Sender     string `json:"sender"`
		SenderName string `json:"sender_name"`
		Text       any    `json:"text"`
	}
	if json.Unmarshal(data, &d) != nil {
		return Event{Kind: KindUnknown}
	}
	if !assistantSenders[strings.ToLower(d.Sender)] && !assistantSenders[strings.ToLower(d.SenderName)] {
		return Event{Kind: KindUnknown}
	}
	text, ok := d.Text.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return Event{Kind: KindUnknown}
	}
	return Event{Kind: KindAssistantMessage, Text: text, HasText: true}
}

// DecodeEnd extracts the consolidated answer from the end-of-run payload, when present.
func DecodeEnd(data json.RawMessage) Event {
	ev := Event{Kind: KindTerminal}
	var d map[string]any
	if json.Unmarshal(data, &d) != nil {
		return ev
	}
	paths := [][]any{
		{"result", "outputs", 0, "outputs", 0, "results", "message", "text"},
		{"result", "message", "text"},
		{"message", "text"},
	}
	for _, p := range paths {
		if s, ok := lookupString(d, p...); ok && strings.TrimSpace(s) != "" {
			ev.Text, ev.HasText = s, true
			return ev
		}
	}
	return ev
}

// DocumentText extracts the answer from a non-streamed run response.
func DocumentText(doc map[string]any) (string, bool) {
	return lookupString(doc, "outputs", 0, "outputs", 0, "results", "message", "text")
}

// lookupString walks maps by string keys and slices by int indexes.
func lookupString(v any, path ...any) (string, bool) {
	cur := v
	for _, step := range path {
		switch k := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return "", false
			}
			cur = m[k]
		case int:
			s, ok := cur.([]any)
			if !ok || k >= len(s) {
				return "", false
			}
			cur = s[k]
		}
	}
	s, ok := cur.(string)
	return s, ok
}
