package providers

import (
	"context"
	"time"
)

// TokenUsage reports token counts for a completed call
type TokenUsage struct {
	InputTokens  int64 `json:"input"`
	OutputTokens int64 `json:"output"`
}

// Total returns the combined token count
func (t TokenUsage) Total() int64 {
	return t.InputTokens + t.OutputTokens
}

// Request is a single prompt dispatch against a concrete model
type Request struct {
	Model        string  // provider-side model identifier
	Prompt       string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// Response is the provider's answer to a Request
type Response struct {
	Content  string
	Model    string
	Provider string
	Usage    TokenUsage
	Duration time.Duration
}

// Provider executes one prompt against one upstream LLM endpoint.
// Implementations normalize transport failures into the core error
// taxonomy (transient vs permanent); they do not retry.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
