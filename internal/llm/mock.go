package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests and offline runs.
type MockClient struct {
	mu sync.Mutex

	Model string
	// Responses are returned in order; the last one repeats.
	Responses []string
	// Errors are returned before Responses are consumed, one per call.
	Errors []error
	// CompleteFunc overrides the scripted behaviour when set.
	CompleteFunc func(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	CallCount int
	Requests  []*CompletionRequest
}

// NewMockClient creates a mock that answers with responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Model: "mock", Responses: responses}
}

func (m *MockClient) GetModelName() string {
	if m.Model == "" {
		return "mock"
	}
	return m.Model
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return completePrompt(ctx, m, prompt)
}

func (m *MockClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.CallCount++
	m.Requests = append(m.Requests, req)
	fn := m.CompleteFunc
	var (
		err     error
		content string
	)
	if fn == nil {
		if len(m.Errors) > 0 {
			err = m.Errors[0]
			m.Errors = m.Errors[1:]
		} else if len(m.Responses) > 0 {
			content = m.Responses[0]
			if len(m.Responses) > 1 {
				m.Responses = m.Responses[1:]
			}
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: content, StopReason: "stop"}, nil
}

// Calls returns the number of completion calls made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// LastRequest returns the most recent request, or nil.
func (m *MockClient) LastRequest() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}
