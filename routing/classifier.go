package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/providers"
)

const classifierSystemPrompt = `You classify engineering requests into exactly one category. ` +
	`Reply with the single category name and nothing else. ` +
	`If none fit, reply with the closest category anyway.`

// LLMClassifier disambiguates tied routing candidates with one call
// to the cheapest registered model. Its answer is constrained to the
// candidate set; anything else is treated as a classification failure.
type LLMClassifier struct {
	client   *providers.Client
	registry *core.ModelRegistry
	logger   core.Logger
}

// NewLLMClassifier creates a classifier over the resilient client
func NewLLMClassifier(client *providers.Client, registry *core.ModelRegistry, logger core.Logger) *LLMClassifier {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LLMClassifier{client: client, registry: registry, logger: logger}
}

// Classify picks one candidate for the text
func (c *LLMClassifier) Classify(ctx context.Context, text string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates to classify: %w", core.ErrRoutingFailure)
	}

	model, err := c.registry.CheapestForTier(core.TierCheap)
	if err != nil {
		return "", fmt.Errorf("no CHEAP model for classification: %w", err)
	}

	prompt := fmt.Sprintf("Categories: %s\n\nRequest: %s\n\nCategory:",
		strings.Join(candidates, ", "), text)

	result, err := c.client.Call(ctx, model.ID, providers.Request{
		Prompt:       prompt,
		SystemPrompt: classifierSystemPrompt,
		Temperature:  0,
		MaxTokens:    16,
	})
	if err != nil {
		return "", err
	}

	answer := strings.ToLower(strings.TrimSpace(result.Response.Content))
	for _, cand := range candidates {
		if answer == strings.ToLower(cand) || strings.Contains(answer, strings.ToLower(cand)) {
			return cand, nil
		}
	}
	c.logger.Debug("Classifier answer matched no candidate", map[string]interface{}{
		"operation": "classifier_no_match",
		"answer":    answer,
	})
	return "", fmt.Errorf("classifier answer %q not in candidate set: %w", answer, core.ErrRoutingFailure)
}
