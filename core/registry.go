package core

import (
	"fmt"
	"sort"
	"sync"
)

// MicrosPerUnit is the number of integer micro-units in one canonical
// currency unit. All cost arithmetic is done in micro-units to avoid
// float drift in accumulated sums.
const MicrosPerUnit = 1_000_000

// ModelDescriptor is an immutable record describing a registered model.
// Pricing is stored in micro-units per million tokens so per-call cost
// stays in integer arithmetic end to end.
type ModelDescriptor struct {
	ID                   string
	Provider             string
	Tier                 Tier
	InputCostMicrosPerM  int64 // micro-units per million input tokens
	OutputCostMicrosPerM int64 // micro-units per million output tokens
	ContextWindow        int
	SupportsCacheControl bool

	// FallbackChain lists alternate model ids tried in order when this
	// model's provider is down or exhausts its retries
	FallbackChain []string
}

// CostMicros computes the cost of a call in integer micro-units
func (m *ModelDescriptor) CostMicros(inputTokens, outputTokens int64) int64 {
	in := inputTokens * m.InputCostMicrosPerM / 1_000_000
	out := outputTokens * m.OutputCostMicrosPerM / 1_000_000
	return in + out
}

// ModelRegistry holds all registered models. It is populated once at
// startup and read-only afterwards; Freeze makes that explicit.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]*ModelDescriptor
	frozen bool
	logger Logger
}

// NewModelRegistry creates an empty model registry
func NewModelRegistry(logger Logger) *ModelRegistry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ModelRegistry{
		models: make(map[string]*ModelDescriptor),
		logger: logger,
	}
}

// Register adds a model descriptor. Registration after Freeze or a
// duplicate id is a configuration error.
func (r *ModelRegistry) Register(desc *ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("model registry is frozen: %w", ErrInvalidConfiguration)
	}
	if desc.ID == "" {
		return fmt.Errorf("model id is required: %w", ErrInvalidConfiguration)
	}
	if desc.Provider == "" {
		return fmt.Errorf("model %s: provider is required: %w", desc.ID, ErrInvalidConfiguration)
	}
	if desc.InputCostMicrosPerM < 0 || desc.OutputCostMicrosPerM < 0 {
		return fmt.Errorf("model %s: negative pricing: %w", desc.ID, ErrInvalidConfiguration)
	}
	if _, exists := r.models[desc.ID]; exists {
		return fmt.Errorf("model %s: %w", desc.ID, ErrAlreadyRegistered)
	}

	r.models[desc.ID] = desc
	r.logger.Debug("Model registered", map[string]interface{}{
		"operation": "model_register",
		"model_id":  desc.ID,
		"provider":  desc.Provider,
		"tier":      desc.Tier.String(),
	})
	return nil
}

// Freeze marks the registry read-only. Fallback chains are validated
// here because every referenced model must exist by now.
func (r *ModelRegistry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, desc := range r.models {
		for _, fb := range desc.FallbackChain {
			if _, ok := r.models[fb]; !ok {
				return fmt.Errorf("model %s: fallback %q: %w", id, fb, ErrUnknownModel)
			}
		}
	}
	r.frozen = true
	r.logger.Info("Model registry frozen", map[string]interface{}{
		"operation":   "model_registry_freeze",
		"model_count": len(r.models),
	})
	return nil
}

// Get returns a model descriptor by id
func (r *ModelRegistry) Get(id string) (*ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", id, ErrUnknownModel)
	}
	return desc, nil
}

// ByTier returns all model ids registered at a tier, sorted for
// deterministic selection
func (r *ModelRegistry) ByTier(tier Tier) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, desc := range r.models {
		if desc.Tier == tier {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CheapestForTier returns the model with the lowest combined per-token
// price at the given tier, or an error if the tier has no models.
func (r *ModelRegistry) CheapestForTier(tier Tier) (*ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ModelDescriptor
	for _, desc := range r.models {
		if desc.Tier != tier {
			continue
		}
		if best == nil || desc.InputCostMicrosPerM+desc.OutputCostMicrosPerM <
			best.InputCostMicrosPerM+best.OutputCostMicrosPerM {
			best = desc
		} else if desc.InputCostMicrosPerM+desc.OutputCostMicrosPerM ==
			best.InputCostMicrosPerM+best.OutputCostMicrosPerM && desc.ID < best.ID {
			best = desc
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no models at tier %s: %w", tier, ErrUnknownModel)
	}
	return best, nil
}

// PremiumRateMicrosPerM returns the per-million-token pricing used as
// the savings baseline: the most expensive PREMIUM model, or zero
// values when no PREMIUM model is registered.
func (r *ModelRegistry) PremiumRateMicrosPerM() (input, output int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, desc := range r.models {
		if desc.Tier != TierPremium {
			continue
		}
		if desc.InputCostMicrosPerM+desc.OutputCostMicrosPerM > input+output {
			input = desc.InputCostMicrosPerM
			output = desc.OutputCostMicrosPerM
		}
	}
	return input, output
}

// List returns all registered model ids, sorted
func (r *ModelRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
