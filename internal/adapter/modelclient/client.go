// Package modelclient provides the HTTP client for invoking model
// backends with SSE streaming.
package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is one turn of conversation context sent to a backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body posted to a backend's /stream endpoint.
type CompletionRequest struct {
	RequestID    string        `json:"request_id"`
	ThreadID     string        `json:"thread_id"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	// SearchContext carries pre-search results injected ahead of the
	// user's question, when the round ran with web search.
	SearchContext string `json:"search_context,omitempty"`
}

// DeltaEvent is an incremental content chunk.
type DeltaEvent struct {
	Content string `json:"content"`
}

// DoneEvent marks the end of a stream.
type DoneEvent struct {
	FinishReason string `json:"finish_reason"`
}

// ErrorEvent carries a backend-reported failure.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamHandler receives parsed events as they arrive. Returning an
// error aborts the stream.
type StreamHandler interface {
	OnDelta(delta DeltaEvent) error
	OnDone(done DoneEvent) error
	OnError(evt ErrorEvent) error
}

// Streamer is implemented by clients that can stream a completion.
type Streamer interface {
	Stream(ctx context.Context, endpoint string, req *CompletionRequest, handler StreamHandler) error
}

// sseEvent represents a parsed SSE event.
type sseEvent struct {
	Event string
	Data  string
}

// Client is an HTTP client for invoking model backends.
type Client struct {
	httpClient *http.Client
}

var _ Streamer = (*Client)(nil)

// NewClient creates a new model client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for streaming
		},
	}
}

// Stream calls a backend's /stream endpoint and dispatches SSE events
// to the handler until the stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, endpoint string, req *CompletionRequest, handler StreamHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	httpReq.Header.Set("X-Thread-ID", req.ThreadID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseSSE(resp.Body, func(evt sseEvent) error {
		return dispatch(evt, handler)
	})
}

func dispatch(evt sseEvent, handler StreamHandler) error {
	switch evt.Event {
	case "delta":
		var delta DeltaEvent
		if err := json.Unmarshal([]byte(evt.Data), &delta); err != nil {
			return fmt.Errorf("failed to parse delta event: %w", err)
		}
		return handler.OnDelta(delta)
	case "done":
		var done DoneEvent
		if err := json.Unmarshal([]byte(evt.Data), &done); err != nil {
			return fmt.Errorf("failed to parse done event: %w", err)
		}
		return handler.OnDone(done)
	case "error":
		var errEvt ErrorEvent
		if err := json.Unmarshal([]byte(evt.Data), &errEvt); err != nil {
			return fmt.Errorf("failed to parse error event: %w", err)
		}
		return handler.OnError(errEvt)
	default:
		// Unknown event types are skipped so backends can add new ones.
		return nil
	}
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(sseEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event sseEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = sseEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
