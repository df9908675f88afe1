package providers

import (
	"context"
	"sync"
	"time"
)

// MockOutcome scripts one reply from a MockProvider. Err takes
// precedence over Content when both are set.
type MockOutcome struct {
	Content string
	Usage   TokenUsage
	Err     error
	Delay   time.Duration
}

// MockProvider is a scriptable in-memory Provider for tests.
// Outcomes are consumed in order; when the script runs out, the
// Default outcome repeats.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	script   []MockOutcome
	Default  MockOutcome
	calls    int
	requests []Request
}

// NewMockProvider creates a mock provider that answers every request
// with a fixed canned response until scripted otherwise.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		Default: MockOutcome{
			Content: "mock response",
			Usage:   TokenUsage{InputTokens: 10, OutputTokens: 20},
		},
	}
}

// Script appends outcomes to be returned in order
func (m *MockProvider) Script(outcomes ...MockOutcome) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, outcomes...)
	return m
}

// Name returns the provider identifier
func (m *MockProvider) Name() string {
	return m.name
}

// CallCount reports how many times Complete has been invoked
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of every request seen so far
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Reset clears the script and call history
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = nil
	m.calls = 0
	m.requests = nil
}

// Complete returns the next scripted outcome
func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	outcome := m.Default
	if len(m.script) > 0 {
		outcome = m.script[0]
		m.script = m.script[1:]
	}
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if outcome.Delay > 0 {
		select {
		case <-time.After(outcome.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if outcome.Err != nil {
		return nil, outcome.Err
	}

	return &Response{
		Content:  outcome.Content,
		Model:    req.Model,
		Provider: m.name,
		Usage:    outcome.Usage,
		Duration: outcome.Delay,
	}, nil
}
