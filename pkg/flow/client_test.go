package flow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowChat/pkg/apperr"
)

func drain(t *testing.T, src Source) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewClient(Config{FlowID: "f"})
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}

func TestSendStreamsEvents(t *testing.T) {
	var got runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/run/flow-1", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("stream"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, "{\"event\":\"token\",\"data\":{\"chunk\":\"h\"}}\n\n"+
			"data: {\"event\":\"token\",\"data\":{\"chunk\":\"i\"}}\n\n"+
			": keepalive\n"+
			"{\"event\":\"end\",\"data\":{}}\n")
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", FlowID: "flow-1", APIKey: "secret", Stream: true})
	require.NoError(t, err)

	src, err := c.Send(context.Background(), "s1", "hello")
	require.NoError(t, err)
	defer src.Close()

	events := drain(t, src)
	require.Len(t, events, 3)
	assert.Equal(t, "h", events[0].Text)
	assert.Equal(t, "i", events[1].Text)
	assert.Equal(t, KindTerminal, events[2].Kind)

	assert.Equal(t, runRequest{InputValue: "hello", OutputType: "chat", InputType: "chat", SessionID: "s1"}, got)
	assert.NoError(t, src.Close())
}

func TestSendDocumentMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("stream"))
		_, _ = io.WriteString(w, `{"session_id":"s1","outputs":[{"outputs":[{"results":{"message":{"text":"doc answer"}}}]}]}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, FlowID: "f"})
	require.NoError(t, err)
	src, err := c.Send(context.Background(), "s1", "q")
	require.NoError(t, err)

	events := drain(t, src)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: KindTerminal, Name: "document", Text: "doc answer", HasText: true}, events[0])
}

func TestSendDocumentDecodeFailure(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     "<html>oops</html>",
		"missing text": `{"outputs":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			defer srv.Close()

			c, err := NewClient(Config{BaseURL: srv.URL, FlowID: "f"})
			require.NoError(t, err)
			src, err := c.Send(context.Background(), "s1", "q")
			assert.Nil(t, src)
			assert.True(t, apperr.Is(err, apperr.KindDecode))
			assert.Equal(t, http.StatusInternalServerError, apperr.StatusOf(err))
		})
	}
}

func TestSendUpstreamErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "flow exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, FlowID: "f", Stream: true})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "s1", "q")
	require.Error(t, err)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.Status)
	assert.Equal(t, "flow exploded", ue.Body)
	assert.Equal(t, http.StatusBadRequest, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "502")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendRejectsEmptyInputWithoutCalling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, FlowID: "f"})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "s1", " \n\t")
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestEventStreamHonoursCancellation(t *testing.T) {
	src := newEventStream(io.NopCloser(strings.NewReader("{\"event\":\"token\",\"data\":{\"chunk\":\"a\"}}\n")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventStreamMalformedLine(t *testing.T) {
	src := newEventStream(io.NopCloser(strings.NewReader("{\"event\": tok\n")))
	_, err := src.Next(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindDecode))
}
