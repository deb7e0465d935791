package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for Client. Requests are recorded in order.
type MockClient struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	StreamFunc   func(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	mu       sync.Mutex
	requests []CompletionRequest
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) record(req CompletionRequest) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
}

// Requests returns a copy of every request the mock has seen.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.record(req)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &CompletionResponse{Content: "mock response"}, nil
}

func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		m.record(req)
		return m.StreamFunc(ctx, req)
	}
	if m.CompleteFunc != nil {
		resp, err := m.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return singleShot(resp), nil
	}
	m.record(req)
	ch := make(chan StreamEvent, 3)
	ch <- StreamEvent{Type: EventDelta, Content: "mock "}
	ch <- StreamEvent{Type: EventDelta, Content: "stream response"}
	ch <- StreamEvent{
		Type:     EventDone,
		Response: &CompletionResponse{Content: "mock stream response"},
	}
	close(ch)
	return ch, nil
}
