package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tierflow/tierflow/core"
)

// BaseClient provides common functionality for HTTP-backed providers.
// It classifies responses into the shared error taxonomy; retry and
// circuit breaking happen a layer above.
type BaseClient struct {
	// HTTP client with timeout
	HTTPClient *http.Client

	// Logger for debugging
	Logger core.Logger
}

// NewBaseClient creates a new base client with defaults
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Logger: logger,
	}
}

// HandleError maps an API status code onto the shared error taxonomy.
// 429 and 5xx are transient; everything else in the 4xx range is a
// permanent fault that retrying cannot fix.
func (b *BaseClient) HandleError(statusCode int, body []byte, provider string) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%s API error: invalid or missing API key (status %d): %w",
			provider, statusCode, core.ErrProviderPermanent)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s API error: rate limit exceeded: %w", provider, core.ErrRateLimited)
	case statusCode >= 500:
		return fmt.Errorf("%s API error: service temporarily unavailable (status %d): %w",
			provider, statusCode, core.ErrProviderTransient)
	case statusCode >= 400:
		return fmt.Errorf("%s API error (status %d): %s: %w",
			provider, statusCode, truncateBody(body), core.ErrProviderPermanent)
	default:
		return fmt.Errorf("%s API error (status %d): %s: %w",
			provider, statusCode, truncateBody(body), core.ErrProviderTransient)
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// LogRequest logs outgoing API requests
func (b *BaseClient) LogRequest(provider, model, prompt string) {
	b.Logger.Debug("Provider request initiated", map[string]interface{}{
		"operation":     "provider_request",
		"provider":      provider,
		"model":         model,
		"prompt_length": len(prompt),
	})
}

// LogResponse logs API responses
func (b *BaseClient) LogResponse(provider, model string, usage TokenUsage, duration time.Duration) {
	b.Logger.Info("Provider response received", map[string]interface{}{
		"operation":     "provider_response",
		"provider":      provider,
		"model":         model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"duration_ms":   duration.Milliseconds(),
		"status":        "success",
	})
}
