package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tierflow/tierflow/core"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient implements Provider against the Anthropic messages API.
type AnthropicClient struct {
	*BaseClient
	name    string
	apiKey  string
	baseURL string
}

// NewAnthropicClient creates an Anthropic client
func NewAnthropicClient(name, apiKey, baseURL string, logger core.Logger) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if name == "" {
		name = "anthropic"
	}

	return &AnthropicClient{
		BaseClient: NewBaseClient(120*time.Second, logger),
		name:       name,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

// Name returns the provider identifier used in model descriptors
func (c *AnthropicClient) Name() string {
	return c.name
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Complete executes a single messages API call
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s API key not configured: %w", c.name, core.ErrMissingConfiguration)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// the messages API requires an explicit cap
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       req.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.LogRequest(c.name, req.Model, req.Prompt)
	startTime := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s request aborted: %v: %w", c.name, err, core.ErrTimeout)
		}
		return nil, fmt.Errorf("%s request failed: %v: %w", c.name, err, core.ErrProviderTransient)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response read failed: %v: %w", c.name, err, core.ErrProviderTransient)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.HandleError(resp.StatusCode, respBody, c.name)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s response decode failed: %v: %w", c.name, err, core.ErrProviderTransient)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("%s returned no text content: %w", c.name, core.ErrProviderTransient)
	}

	duration := time.Since(startTime)
	usage := TokenUsage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	c.LogResponse(c.name, req.Model, usage, duration)

	return &Response{
		Content:  text,
		Model:    req.Model,
		Provider: c.name,
		Usage:    usage,
		Duration: duration,
	}, nil
}
