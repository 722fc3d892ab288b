// Package flowtest runs a scripted stand-in for the flow-execution service.
package flowtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Call is one request the fake received.
type Call struct {
	FlowID     string
	InputValue string `json:"input_value"`
	SessionID  string `json:"session_id"`
	Stream     bool
}

// Server replies to every run with the same script.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls []Call

	// Lines are written one per event, each followed by a blank line.
	Lines []string
	// Document is returned when the run is not streamed.
	Document string
	// Status, when non-zero and not 200, is returned with ErrorBody.
	Status    int
	ErrorBody string
	// Delay is slept between streamed lines.
	Delay time.Duration
}

func NewServer() *Server {
	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var call Call
	_ = json.NewDecoder(r.Body).Decode(&call)
	call.FlowID = strings.TrimPrefix(r.URL.Path, "/api/v1/run/")
	call.Stream = r.URL.Query().Get("stream") == "true"
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	if s.Status != 0 && s.Status != http.StatusOK {
		http.Error(w, s.ErrorBody, s.Status)
		return
	}
	if !call.Stream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, s.Document)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for _, line := range s.Lines {
		if s.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.Delay):
			}
		}
		_, _ = fmt.Fprintf(w, "%s\n\n", line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Calls returns a copy of the received requests.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Token builds a token event line.
func Token(chunk string) string {
	return event("token", map[string]any{"chunk": chunk})
}

// AddMessage builds an add_message event line.
func AddMessage(sender, text string) string {
	return event("add_message", map[string]any{"sender": sender, "sender_name": sender, "text": text})
}

// End builds an end event line; empty text yields a result with no message.
func End(text string) string {
	if text == "" {
		return event("end", map[string]any{"result": map[string]any{"outputs": []any{}}})
	}
	return event("end", map[string]any{"result": map[string]any{
		"outputs": []any{map[string]any{"outputs": []any{map[string]any{
			"results": map[string]any{"message": map[string]any{"text": text}},
		}}}},
	}})
}

// Event builds an arbitrary event line.
func Event(name string, data any) string {
	return event(name, data)
}

// Document builds a non-streamed run response carrying text.
func Document(text string) string {
	b, _ := json.Marshal(map[string]any{"outputs": []any{map[string]any{"outputs": []any{map[string]any{
		"results": map[string]any{"message": map[string]any{"text": text}},
	}}}}})
	return string(b)
}

func event(name string, data any) string {
	b, _ := json.Marshal(map[string]any{"event": name, "data": data})
	return string(b)
}
