// Command chatprobe sends a list of prompts through a running relay and
// records what came back, for smoke-testing a flow end to end.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	utils "FlowChat/pkg/utills"
	"FlowChat/pkg/wire"
)

type ResultItem struct {
	Query        string `json:"query"`
	SessionID    string `json:"session_id"`
	Status       int    `json:"status"`
	Response     string `json:"response"`
	Frames       int    `json:"frames"`
	Error        string `json:"error,omitempty"`
	FirstFrameMs int64  `json:"first_frame_ms"`
	DurationMs   int64  `json:"duration_ms"`
	ResumeStatus int    `json:"resume_status,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type RunSummary struct {
	RunID        string       `json:"run_id"`
	Server       string       `json:"server"`
	StartedAt    string       `json:"started_at"`
	EndedAt      string       `json:"ended_at"`
	TotalQueries int          `json:"total_queries"`
	Failures     int          `json:"failures"`
	Results      []ResultItem `json:"results"`
}

var (
	serverURL   string
	queriesPath string
	outDir      string
	sharedChat  bool
	checkResume bool
	timeout     time.Duration
	sleep       time.Duration
)

// readQueries accepts either ["q1", ...] or [{"q": "..."}, ...].
func readQueries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read queries")
	}
	var arrAny []any
	if err := json.Unmarshal(data, &arrAny); err != nil {
		return nil, errors.Wrap(err, "invalid queries file")
	}
	out := make([]string, 0, len(arrAny))
	for _, v := range arrAny {
		switch t := v.(type) {
		case string:
			out = append(out, strings.TrimSpace(t))
		case map[string]any:
			if qv, ok := t["q"].(string); ok {
				out = append(out, strings.TrimSpace(qv))
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("queries file is empty or malformed")
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func writeCSV(path string, items []ResultItem) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"query", "session_id", "status", "first_frame_ms", "duration_ms", "frames", "error", "response"})
	for _, it := range items {
		_ = w.Write([]string{
			it.Query,
			it.SessionID,
			fmt.Sprintf("%d", it.Status),
			fmt.Sprintf("%d", it.FirstFrameMs),
			fmt.Sprintf("%d", it.DurationMs),
			fmt.Sprintf("%d", it.Frames),
			it.Error,
			it.Response,
		})
	}
	return w.Error()
}

func chatRequest(sessionID, text string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id": sessionID,
		"message": map[string]any{
			"id":    uuid.NewString(),
			"role":  "user",
			"parts": []utils.Part{{Type: "text", Text: text}},
		},
		"selectedChatModel":      "chat-model",
		"selectedVisibilityType": "private",
	})
}

// firstByteReader notes when the first body byte arrives.
type firstByteReader struct {
	r     io.Reader
	first time.Time
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && f.first.IsZero() {
		f.first = time.Now()
	}
	return n, err
}

func probe(client *http.Client, sessionID, q string) ResultItem {
	res := ResultItem{Query: q, SessionID: sessionID, Timestamp: time.Now().Format(time.RFC3339)}
	body, err := chatRequest(sessionID, q)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		res.Error = strings.TrimSpace(string(b))
		res.DurationMs = time.Since(t0).Milliseconds()
		return res
	}

	fb := &firstByteReader{r: resp.Body}
	d := wire.NewDecoder(fb)
	var text strings.Builder
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Frames++
		s, terr := f.Text()
		switch {
		case f.Code == wire.CodeError && terr == nil:
			res.Error = s
		case f.Code == wire.CodeText && terr == nil:
			text.WriteString(s)
		}
	}
	res.DurationMs = time.Since(t0).Milliseconds()
	if !fb.first.IsZero() {
		res.FirstFrameMs = fb.first.Sub(t0).Milliseconds()
	}
	res.Response = strings.TrimSpace(text.String())

	if checkResume {
		res.ResumeStatus = resumeStatus(client, sessionID)
	}
	return res
}

func resumeStatus(client *http.Client, sessionID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/chat?chatId="+sessionID, nil)
	if err != nil {
		return 0
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func run(cmd *cobra.Command, args []string) error {
	queries, err := readQueries(queriesPath)
	if err != nil {
		return err
	}

	started := time.Now()
	runID := fmt.Sprintf("probe-%s", started.Format("20060102-150405"))
	client := &http.Client{}
	chatID := uuid.NewString()

	results := make([]ResultItem, 0, len(queries))
	failures := 0
	for i, q := range queries {
		sessionID := chatID
		if !sharedChat {
			sessionID = uuid.NewString()
		}
		r := probe(client, sessionID, q)
		if r.Error != "" || r.Status != http.StatusOK {
			failures++
		}
		results = append(results, r)
		fmt.Printf("[%d/%d] %s -> status=%d first=%dms total=%dms error=%v\n",
			i+1, len(queries), utils.Truncate(q, 60), r.Status, r.FirstFrameMs, r.DurationMs, r.Error != "")
		if i < len(queries)-1 {
			time.Sleep(sleep)
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create results dir")
	}
	stamp := started.Format("20060102-150405")
	jsonPath := filepath.Join(outDir, fmt.Sprintf("chatprobe-%s.json", stamp))
	csvPath := filepath.Join(outDir, fmt.Sprintf("chatprobe-%s.csv", stamp))
	summary := RunSummary{
		RunID:        runID,
		Server:       serverURL,
		StartedAt:    started.Format(time.RFC3339),
		EndedAt:      time.Now().Format(time.RFC3339),
		TotalQueries: len(queries),
		Failures:     failures,
		Results:      results,
	}
	if err := writeJSON(jsonPath, summary); err != nil {
		return errors.Wrap(err, "write JSON")
	}
	if err := writeCSV(csvPath, results); err != nil {
		return errors.Wrap(err, "write CSV")
	}
	fmt.Println("\nSaved:")
	fmt.Println(" -", jsonPath)
	fmt.Println(" -", csvPath)
	if failures > 0 {
		return errors.Errorf("%d of %d probes failed", failures, len(queries))
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:          "chatprobe",
		Short:        "Send prompts through the relay and record the streamed answers",
		SilenceUsage: true,
		RunE:         run,
	}
	f := root.Flags()
	f.StringVar(&serverURL, "server", "http://localhost:5000", "relay base URL")
	f.StringVar(&queriesPath, "queries", "queries.json", "JSON list of prompts")
	f.StringVar(&outDir, "out", filepath.Join("cmd", "chatprobe", "results"), "results directory")
	f.BoolVar(&sharedChat, "shared-chat", false, "send every prompt in one chat session")
	f.BoolVar(&checkResume, "check-resume", false, "call the resume endpoint after each answer")
	f.DurationVar(&timeout, "timeout", 60*time.Second, "per-request timeout")
	f.DurationVar(&sleep, "sleep", 500*time.Millisecond, "pause between prompts")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
