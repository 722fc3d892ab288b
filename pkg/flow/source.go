package flow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"FlowChat/pkg/apperr"
)

// Source yields the decoded events of one run. Next returns io.EOF after the
// last event. Close releases the upstream body and may be called more than once.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

const maxEventLine = 1024 * 1024

// eventStream reads newline separated JSON events, tolerating blank lines
// and SSE "data:" prefixes.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	once    sync.Once
	err     error
}

func newEventStream(body io.ReadCloser) *eventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return &eventStream{body: body, scanner: sc}
}

var dataPrefix = []byte("data:")

func (s *eventStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Event{}, apperr.Wrap(apperr.KindUpstream, err, "flow stream read error")
			}
			return Event{}, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, dataPrefix) {
			line = bytes.TrimSpace(line[len(dataPrefix):])
		}
		if len(line) == 0 || line[0] != '{' {
			// SSE comments, "event:" lines and keepalives
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			return Event{}, apperr.Decode(err, "malformed flow event")
		}
		return ev, nil
	}
}

func (s *eventStream) Close() error {
	s.once.Do(func() { s.err = s.body.Close() })
	return s.err
}

// documentSource holds an already decoded single-document response.
type documentSource struct {
	text string
	done bool
}

// decodeDocument reads the whole body and pulls out the answer text.
func decodeDocument(body io.Reader) (*documentSource, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, err, "read flow response")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Decode(err, "failed to parse flow response")
	}
	text, ok := DocumentText(doc)
	if !ok {
		return nil, apperr.Decode(errors.New("outputs[0].outputs[0].results.message.text is absent or not a string"),
			"could not extract message from flow response")
	}
	return &documentSource{text: text}, nil
}

func (s *documentSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.done {
		return Event{}, io.EOF
	}
	s.done = true
	return Event{Kind: KindTerminal, Name: "document", Text: s.text, HasText: s.text != ""}, nil
}

func (s *documentSource) Close() error { return nil }

// SliceSource replays a fixed list of events; useful for tests and replays.
type SliceSource struct {
	Events []Event
	// Err, when set, is returned after the events instead of io.EOF.
	Err    error
	i      int
	closed int
	mu     sync.Mutex
}

func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.Events) {
		if s.Err != nil {
			return Event{}, s.Err
		}
		return Event{}, io.EOF
	}
	ev := s.Events[s.i]
	s.i++
	return ev, nil
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// Closed reports how many times Close was called.
func (s *SliceSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pulled reports how many events were handed out.
func (s *SliceSource) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.i
}
