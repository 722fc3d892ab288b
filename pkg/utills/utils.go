package utils

import "strings"

// Part is one piece of a chat message as sent by the client.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// JoinTextParts joins the text of every "text" part with newlines, keeping
// their order. Other part types are skipped.
func JoinTextParts(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
