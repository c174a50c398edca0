// Package search provides the HTTP client for the pre-search backend.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is the body posted to the search backend.
type Request struct {
	ThreadID string `json:"thread_id"`
	Round    int    `json:"round"`
	Query    string `json:"query"`
}

// Item is a single search hit.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Result is the search backend's response.
type Result struct {
	Query   string `json:"query"`
	Items   []Item `json:"items"`
	Summary string `json:"summary,omitempty"`
}

// Executor is implemented by clients that can run a web search.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Client is an HTTP client for the search backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Executor = (*Client)(nil)

// NewClient creates a search client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute runs a search and returns the parsed result.
func (c *Client) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call search backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search backend returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}
	return &result, nil
}

// ContextBlock renders the result as a text block for model prompts.
func (r *Result) ContextBlock() string {
	var b strings.Builder
	if r.Summary != "" {
		b.WriteString(r.Summary)
		b.WriteString("\n\n")
	}
	for i, item := range r.Items {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n", i+1, item.Title, item.URL, item.Snippet)
	}
	return strings.TrimSpace(b.String())
}

// MockExecutor is a scripted Executor for testing.
type MockExecutor struct {
	Result *Result
	Err    error
	Calls  []*Request
}

var _ Executor = (*MockExecutor)(nil)

// Execute records the call and returns the scripted result.
func (m *MockExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &Result{
		Query: req.Query,
		Items: []Item{{Title: "mock result", URL: "https://example.com", Snippet: "mock snippet"}},
	}, nil
}
