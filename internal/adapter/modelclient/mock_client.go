package modelclient

import (
	"context"
	"fmt"
)

// MockClient is a scripted Streamer for testing. Each call streams the
// configured content in fixed-size chunks, then a done event.
type MockClient struct {
	Content      string
	ChunkSize    int
	FinishReason string
	// Fail makes every call emit an error event instead of content.
	Fail bool
	// Calls records the requests received, in order.
	Calls []*CompletionRequest
}

var _ Streamer = (*MockClient)(nil)

// NewMockClient creates a mock that streams a canned reply.
func NewMockClient() *MockClient {
	return &MockClient{
		Content:      "This is a mock model reply.",
		ChunkSize:    8,
		FinishReason: "stop",
	}
}

// Stream replays the scripted events through the handler.
func (m *MockClient) Stream(ctx context.Context, endpoint string, req *CompletionRequest, handler StreamHandler) error {
	m.Calls = append(m.Calls, req)

	if m.Fail {
		return handler.OnError(ErrorEvent{Code: "backend_error", Message: "mock failure"})
	}

	content := m.Content
	if content == "" {
		content = fmt.Sprintf("[MOCK] reply from %s", req.Model)
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 8
	}

	for i := 0; i < len(content); i += size {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := i + size
		if end > len(content) {
			end = len(content)
		}
		if err := handler.OnDelta(DeltaEvent{Content: content[i:end]}); err != nil {
			return err
		}
	}

	reason := m.FinishReason
	if reason == "" {
		reason = "stop"
	}
	return handler.OnDone(DoneEvent{FinishReason: reason})
}
