// Package bridge calls the external completion backend and normalizes its
// heterogeneous response shapes into a plain reply string.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pikabot/pikabot/internal/domain"
)

// maxResponseBytes caps how much of a backend response body is read.
const maxResponseBytes = 1 << 20 // 1MB

// Reply sources, recorded in the agent's last reply outcome.
const (
	SourcePrimary = "primary"
	SourceLegacy  = "legacy"
)

// ErrEmptyReply is returned when the backend responded but no reply text
// could be extracted. An empty reply is a hard failure for the turn.
var ErrEmptyReply = errors.New("backend returned no usable reply")

// Request is the completion request for one conversational turn.
type Request struct {
	AgentID   string            `json:"agent_id"`
	AgentName string            `json:"agent_name"`
	Message   string            `json:"message"`
	History   []domain.ChatTurn `json:"history"`
}

// Result is a successful completion.
type Result struct {
	Reply   string
	Source  string
	Latency time.Duration
}

// Client calls the completion backend over HTTP with a bounded timeout and
// two negotiated endpoint paths.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	primaryPath string
	legacyPath  string
	token       string
	timeout     time.Duration
}

// NewClient creates a backend client. The token may be empty, in which case
// no Authorization header is sent.
func NewClient(baseURL, primaryPath, legacyPath, token string, timeout time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(baseURL, "/"),
		primaryPath: primaryPath,
		legacyPath:  legacyPath,
		token:       token,
		timeout:     timeout,
	}
}

// Complete performs one completion turn. It tries the primary path first and
// falls back to the legacy path once when the primary reports the endpoint
// is not supported. Timeouts, non-2xx responses, and empty normalized
// replies all surface as errors; the caller records them per turn.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, status, err := c.post(ctx, c.primaryPath, body)
	source := SourcePrimary
	if err == nil && endpointUnsupported(status) {
		slog.Debug("Primary backend path unsupported, falling back to legacy",
			"status", status, "agent_id", req.AgentID)
		reply, status, err = c.post(ctx, c.legacyPath, body)
		source = SourceLegacy
	}
	latency := time.Since(start)

	if err != nil {
		return Result{}, fmt.Errorf("completion backend request: %w", err)
	}
	if status < 200 || status > 299 {
		return Result{}, fmt.Errorf("completion backend returned status %d", status)
	}

	text := NormalizeReply(reply)
	if text == "" {
		return Result{}, ErrEmptyReply
	}
	return Result{Reply: text, Source: source, Latency: latency}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close backend response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// endpointUnsupported reports whether a status means "this path does not
// exist here", warranting the legacy-path retry.
func endpointUnsupported(status int) bool {
	return status == http.StatusNotFound ||
		status == http.StatusMethodNotAllowed ||
		status == http.StatusNotImplemented
}

// backendEvent is one entry of an event-shaped response.
type backendEvent struct {
	Type                  string        `json:"type"`
	AssistantMessageEvent *messageEvent `json:"assistantMessageEvent"`
}

type messageEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

// NormalizeReply extracts plain reply text from any of the backend's
// response shapes: a JSON object with a direct reply field, a JSON object or
// array of protocol events, a newline-delimited event stream, or plain text.
// Returns "" when nothing usable is found.
func NormalizeReply(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for _, key := range []string{"reply", "response", "message"} {
				var direct string
				if raw, ok := obj[key]; ok && json.Unmarshal(raw, &direct) == nil && direct != "" {
					return direct
				}
			}
			if raw, ok := obj["events"]; ok {
				var events []backendEvent
				if json.Unmarshal(raw, &events) == nil {
					return extractFromEvents(events)
				}
			}
			return ""
		}
	case '[':
		var events []backendEvent
		if err := json.Unmarshal([]byte(trimmed), &events); err == nil {
			return extractFromEvents(events)
		}
	}

	if strings.ContainsRune(trimmed, '\n') {
		if reply := extractFromStream(trimmed); reply != "" {
			return reply
		}
	}

	// Plain text is used as-is unless it still looks like JSON that failed
	// to parse above.
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return ""
	}
	return trimmed
}

// extractFromEvents concatenates the text deltas of the last assistant turn,
// where turns are separated by explicit end_of_turn markers.
func extractFromEvents(events []backendEvent) string {
	var current strings.Builder
	var lastComplete string
	for _, ev := range events {
		if ev.Type != "message_update" || ev.AssistantMessageEvent == nil {
			continue
		}
		switch ev.AssistantMessageEvent.Type {
		case "text_delta":
			current.WriteString(ev.AssistantMessageEvent.Delta)
		case "text":
			current.WriteString(ev.AssistantMessageEvent.Text)
		case "end_of_turn":
			if current.Len() > 0 {
				lastComplete = current.String()
			}
			current.Reset()
		}
	}
	if current.Len() > 0 {
		return strings.TrimSpace(current.String())
	}
	return strings.TrimSpace(lastComplete)
}

// extractFromStream parses a newline-delimited event stream: data:/event:
// and comment prefixes are stripped, each remaining line is parsed as one
// event JSON object.
func extractFromStream(body string) string {
	var events []backendEvent
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || line == "[DONE]" {
			continue
		}
		var ev backendEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return extractFromEvents(events)
}
