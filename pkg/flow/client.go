package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"FlowChat/pkg/apperr"
	"FlowChat/pkg/metrics"
)

// Config addresses one flow on a flow-execution service.
type Config struct {
	BaseURL string
	FlowID  string
	APIKey  string
	// Stream asks for typed events instead of a single JSON document.
	Stream bool
}

// Client sends conversation turns to the flow service. It never retries.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// ErrNotConfigured is returned when the base URL or flow id is missing.
var ErrNotConfigured = apperr.New(apperr.KindConfig, "flow base URL and flow id are required")

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.FlowID = strings.TrimSpace(cfg.FlowID)
	if cfg.BaseURL == "" || cfg.FlowID == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "invalid flow base URL")
	}
	c := &Client{cfg: cfg, http: http.DefaultClient, logger: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// FlowID returns the configured flow identifier.
func (c *Client) FlowID() string { return c.cfg.FlowID }

// UpstreamError is a non-success answer from the flow service.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

type runRequest struct {
	InputValue string `json:"input_value"`
	OutputType string `json:"output_type"`
	InputType  string `json:"input_type"`
	SessionID  string `json:"session_id"`
}

func (c *Client) runURL() (string, error) {
	u, err := url.JoinPath(c.cfg.BaseURL, "api", "v1", "run", c.cfg.FlowID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s?stream=%t", u, c.cfg.Stream), nil
}

// Send issues one run for the session and returns its events.
// Empty input fails before any network call.
func (c *Client) Send(ctx context.Context, sessionID, input string) (Source, error) {
	if strings.TrimSpace(input) == "" {
		return nil, apperr.BadRequest("message text is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.BadRequest("session id is required")
	}

	body, err := json.Marshal(runRequest{
		InputValue: input,
		OutputType: "chat",
		InputType:  "chat",
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode run request")
	}
	endpoint, err := c.runURL()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "build run url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build run request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Stream {
		req.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	c.logger.Debug().Str("url", endpoint).Str("session_id", sessionID).Bool("stream", c.cfg.Stream).Msg("calling flow")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues("transport").Inc()
		return nil, apperr.Wrap(apperr.KindUpstream, err, "flow service unreachable")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		metrics.UpstreamCalls.WithLabelValues("status").Inc()
		ue := &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		c.logger.Error().Int("status", ue.Status).Str("body", ue.Body).Msg("flow service error")
		return nil, apperr.Wrap(apperr.KindUpstream, ue, fmt.Sprintf("Langflow API Error: %d - %s", ue.Status, ue.Body))
	}
	metrics.UpstreamCalls.WithLabelValues("ok").Inc()

	if c.cfg.Stream {
		return newEventStream(resp.Body), nil
	}
	defer resp.Body.Close()
	doc, err := decodeDocument(resp.Body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
