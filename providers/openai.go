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

// OpenAIClient implements Provider against an OpenAI-compatible
// chat completions endpoint.
type OpenAIClient struct {
	*BaseClient
	name    string
	apiKey  string
	baseURL string
}

// NewOpenAIClient creates an OpenAI-compatible client. An empty baseURL
// targets the public API; any chat-completions-shaped endpoint works.
func NewOpenAIClient(name, apiKey, baseURL string, logger core.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if name == "" {
		name = "openai"
	}

	return &OpenAIClient{
		BaseClient: NewBaseClient(120*time.Second, logger),
		name:       name,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

// Name returns the provider identifier used in model descriptors
func (c *OpenAIClient) Name() string {
	return c.name
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete executes a single chat completion call
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s API key not configured: %w", c.name, core.ErrMissingConfiguration)
	}

	messages := []openAIMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.LogRequest(c.name, req.Model, req.Prompt)
	startTime := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s response decode failed: %v: %w", c.name, err, core.ErrProviderTransient)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices: %w", c.name, core.ErrProviderTransient)
	}

	duration := time.Since(startTime)
	usage := TokenUsage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	c.LogResponse(c.name, req.Model, usage, duration)

	return &Response{
		Content:  parsed.Choices[0].Message.Content,
		Model:    req.Model,
		Provider: c.name,
		Usage:    usage,
		Duration: duration,
	}, nil
}
