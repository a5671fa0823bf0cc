package provider

import (
	"context"
	"sync"
)

// MockProvider is a test provider that records calls and returns
// configurable responses in order.
type MockProvider struct {
	name      string
	responses []MockResponse
	calls     []Request
	mu        sync.Mutex
	respIndex int
}

// MockResponse is a pre-configured response for the mock provider.
type MockResponse struct {
	Content   string
	Usage     Usage
	LatencyMs int64
	Error     error
}

// NewMockProvider creates a mock provider for testing.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string {
	return m.name
}

// Generate records the call and returns the next configured response, or a
// default response when none are configured.
func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, *req)

	if m.respIndex < len(m.responses) {
		resp := m.responses[m.respIndex]
		m.respIndex++
		if resp.Error != nil {
			return nil, resp.Error
		}
		return &Response{Content: resp.Content, Usage: resp.Usage, LatencyMs: resp.LatencyMs}, nil
	}

	return &Response{
		Content: "mock response",
		Usage:   Usage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

// AddResponse queues a successful response.
func (m *MockProvider) AddResponse(content string, inputTokens, outputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{
		Content: content,
		Usage:   Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	})
}

// AddErrorResponse queues an error response.
func (m *MockProvider) AddErrorResponse(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
}

// Calls returns all recorded requests.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}

// CallCount returns the number of Generate calls.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and queued responses.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.responses = nil
	m.respIndex = 0
}
