// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/shijie-nv/houseagent/llm"
)

// MockLLMClient is a thread-safe llm.Completer that records requests and
// returns configured responses in sequence.
//
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{{Content: "The porch light is on.", Model: "test-model"}},
//	}
type MockLLMClient struct {
	mu            sync.Mutex
	requests      []llm.Request
	Responses     []*llm.Response // Responses to return in sequence
	Err           error           // Error to return (takes precedence over Responses)
	responseIndex int

	// Hook, if set, runs before each call returns. It may block or panic.
	Hook func(ctx context.Context, req llm.Request)
}

var _ llm.Completer = (*MockLLMClient)(nil)

// Complete returns the next configured response, or Err if set.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// Requests returns copies of the requests received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// GetCallCount returns the number of times Complete was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and rewinds the response sequence.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
}
