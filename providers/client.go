package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/resilience"
)

// DefaultCallTimeout bounds a single model attempt (all retries
// included) when the caller's context carries no earlier deadline.
const DefaultCallTimeout = 60 * time.Second

// DefaultConcurrency is the per-provider in-flight call cap
const DefaultConcurrency = 8

// CallResult is the outcome of a resilient Call: the response from
// whichever model in the fallback chain finally answered, plus cost
// attribution for the ledger.
type CallResult struct {
	Response      *Response
	ModelID       string
	Tier          core.Tier
	CostMicros    int64
	FallbackChain []string // every model attempted, primary first
	Attempts      int      // total provider invocations across the chain
}

// FellBack reports whether the answer came from a fallback model
func (r *CallResult) FellBack() bool {
	return len(r.FallbackChain) > 1
}

// ClientConfig configures the resilient provider client
type ClientConfig struct {
	Registry    *core.ModelRegistry
	Resilience  core.ResilienceConfig
	CallTimeout time.Duration
	Logger      core.Logger
	Metrics     resilience.MetricsCollector
}

// Client dispatches model calls through per-provider circuit breakers,
// bounded concurrency, retry with backoff, and fallback chains.
type Client struct {
	registry    *core.ModelRegistry
	retry       *resilience.RetryConfig
	resilience  core.ResilienceConfig
	callTimeout time.Duration
	logger      core.Logger
	metrics     resilience.MetricsCollector

	mu         sync.RWMutex
	providers  map[string]Provider
	breakers   map[string]*resilience.CircuitBreaker
	semaphores map[string]chan struct{}
}

// NewClient creates a resilient client over the given model registry
func NewClient(config ClientConfig) (*Client, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("model registry is required: %w", core.ErrInvalidConfiguration)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	callTimeout := config.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	retryCfg := resilience.RetryConfigFrom(config.Resilience)

	return &Client{
		registry:    config.Registry,
		retry:       retryCfg,
		resilience:  config.Resilience,
		callTimeout: callTimeout,
		logger:      logger,
		metrics:     config.Metrics,
		providers:   make(map[string]Provider),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		semaphores:  make(map[string]chan struct{}),
	}, nil
}

// RegisterProvider attaches a provider with its own circuit breaker
// and concurrency gate. Concurrency <= 0 uses DefaultConcurrency.
func (c *Client) RegisterProvider(p Provider, concurrency int) error {
	if p == nil {
		return fmt.Errorf("provider is nil: %w", core.ErrInvalidConfiguration)
	}
	name := p.Name()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.providers[name]; exists {
		return fmt.Errorf("provider %q: %w", name, core.ErrAlreadyRegistered)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig(name)
	breakerCfg.Logger = c.logger
	if c.metrics != nil {
		breakerCfg.Metrics = c.metrics
	}
	if c.resilience.CircuitFailuresOpen > 0 {
		breakerCfg.FailureThreshold = c.resilience.CircuitFailuresOpen
	}
	if c.resilience.CircuitCooldownMs > 0 {
		breakerCfg.Cooldown = c.resilience.CircuitCooldown()
	}
	if c.resilience.HalfOpenProbes > 0 {
		breakerCfg.HalfOpenProbes = c.resilience.HalfOpenProbes
	}
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return err
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	c.providers[name] = p
	c.breakers[name] = breaker
	c.semaphores[name] = make(chan struct{}, concurrency)

	c.logger.Info("Provider registered", map[string]interface{}{
		"operation":   "provider_register",
		"provider":    name,
		"concurrency": concurrency,
	})
	return nil
}

// Breaker exposes the circuit breaker for a provider, mainly for
// status surfaces and tests.
func (c *Client) Breaker(provider string) (*resilience.CircuitBreaker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.breakers[provider]
	return b, ok
}

// Call dispatches req against modelID, walking its fallback chain when
// the primary exhausts retries or its breaker is open. Permanent
// errors surface immediately without fallback.
func (c *Client) Call(ctx context.Context, modelID string, req Request) (*CallResult, error) {
	desc, err := c.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	chain := make([]string, 0, 1+len(desc.FallbackChain))
	chain = append(chain, desc.ID)
	for _, id := range desc.FallbackChain {
		if id != desc.ID {
			chain = append(chain, id)
		}
	}

	result := &CallResult{}
	var lastErr error
	for _, id := range chain {
		d, err := c.registry.Get(id)
		if err != nil {
			lastErr = err
			continue
		}
		result.FallbackChain = append(result.FallbackChain, id)

		resp, attempts, err := c.callModel(ctx, d, req)
		result.Attempts += attempts
		if err == nil {
			result.Response = resp
			result.ModelID = d.ID
			result.Tier = d.Tier
			result.CostMicros = d.CostMicros(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			if len(result.FallbackChain) > 1 {
				c.logger.Warn("Call answered by fallback model", map[string]interface{}{
					"operation":      "provider_fallback",
					"primary_model":  modelID,
					"answered_model": d.ID,
					"chain":          strings.Join(result.FallbackChain, ","),
				})
			}
			return result, nil
		}
		lastErr = err

		// permanent faults are not the chain's problem
		if core.IsPermanent(err) || core.IsValidationError(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("call cancelled after %s: %w", id, ctx.Err())
		}

		c.logger.Warn("Model attempt failed, trying next in chain", map[string]interface{}{
			"operation": "provider_chain_advance",
			"model":     id,
			"error":     err.Error(),
		})
	}

	if lastErr == nil {
		lastErr = core.ErrProviderUnavailable
	}
	return nil, fmt.Errorf("all models in chain [%s] failed: %v: %w",
		strings.Join(chain, ", "), lastErr, core.ErrAllProvidersFailed)
}

// callModel runs one model's attempt: breaker gate, semaphore,
// bounded deadline, retry loop with breaker accounting.
func (c *Client) callModel(ctx context.Context, desc *core.ModelDescriptor, req Request) (*Response, int, error) {
	c.mu.RLock()
	provider, ok := c.providers[desc.Provider]
	breaker := c.breakers[desc.Provider]
	sem := c.semaphores[desc.Provider]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("model %s references unregistered provider %q: %w",
			desc.ID, desc.Provider, core.ErrInvalidConfiguration)
	}

	if !breaker.Allow() {
		if c.metrics != nil {
			c.metrics.RecordRejection(desc.Provider)
		}
		return nil, 0, fmt.Errorf("circuit open for provider %s: %w", desc.Provider, core.ErrProviderUnavailable)
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("waiting for %s slot: %w", desc.Provider, ctx.Err())
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	providerReq := req
	providerReq.Model = desc.ID

	var resp *Response
	attempts := 0
	err := resilience.Retry(callCtx, c.retry, core.IsTransient, func() error {
		attempts++
		r, err := provider.Complete(callCtx, providerReq)
		if err != nil {
			breaker.RecordFailure(err)
			return err
		}
		breaker.RecordSuccess()
		resp = r
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}
