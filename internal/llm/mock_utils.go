package llm

import (
	"context"
	"sync"
)

type MockCall struct {
	System string
	User   string
	Opts   GenerateOptions
}

// MockProvider replays Responses in order, then repeats Response.
// Err, when set, fails every call.
type MockProvider struct {
	mu        sync.Mutex
	Response  string
	Responses []string
	Err       error
	Healthy   bool
	Calls     []MockCall
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Generate(ctx context.Context, system, user string, opts GenerateOptions) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{System: system, User: user, Opts: opts})
	if m.Err != nil {
		return Response{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, unavailable("mock", err)
	}
	text := m.Response
	if len(m.Responses) > 0 {
		text = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	return Response{Text: text, Model: "mock"}, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) bool {
	return m.Healthy
}

func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
