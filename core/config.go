package core

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator. It follows a
// three-layer priority:
//  1. Default values (lowest priority)
//  2. Config file (yaml or json, selected by extension)
//  3. Environment variables (highest priority)
//
// Config errors are fatal at startup; nothing in the pipeline starts
// with an ambiguous configuration.
type Config struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Models    map[string]ModelConfig    `yaml:"models" json:"models"`
	Workflows map[string]WorkflowConfig `yaml:"workflows" json:"workflows"`

	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Routing    RoutingConfig    `yaml:"routing" json:"routing"`
	Resilience ResilienceConfig `yaml:"resilience" json:"resilience"`
	Patterns   PatternConfig    `yaml:"patterns" json:"patterns"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ProviderConfig configures one upstream LLM provider endpoint
type ProviderConfig struct {
	APIKeyEnv     string   `yaml:"api_key_env" json:"api_key_env"`
	Endpoint      string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Concurrency   int      `yaml:"concurrency" json:"concurrency"`
	FallbackChain []string `yaml:"fallback_chain,omitempty" json:"fallback_chain,omitempty"`
}

// ModelConfig configures one model. Costs are decimals in the canonical
// currency unit per million tokens; they are converted to integer
// micro-units at load time.
type ModelConfig struct {
	Provider             string   `yaml:"provider" json:"provider"`
	Tier                 Tier     `yaml:"tier" json:"tier"`
	InputCostPerMillion  float64  `yaml:"input_cost_per_million" json:"input_cost_per_million"`
	OutputCostPerMillion float64  `yaml:"output_cost_per_million" json:"output_cost_per_million"`
	ContextWindow        int      `yaml:"context_window" json:"context_window"`
	SupportsCacheControl bool     `yaml:"supports_cache_control" json:"supports_cache_control"`
	FallbackChain        []string `yaml:"fallback_chain,omitempty" json:"fallback_chain,omitempty"`
}

// WorkflowConfig configures one workflow definition
type WorkflowConfig struct {
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []StageConfig `yaml:"stages" json:"stages"`
	BudgetCap   float64       `yaml:"budget_cap,omitempty" json:"budget_cap,omitempty"` // currency units
	DefaultTier string        `yaml:"default_tier,omitempty" json:"default_tier,omitempty"`
	Keywords    map[string]float64 `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// StageConfig configures one workflow stage
type StageConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Role           string            `yaml:"role,omitempty" json:"role,omitempty"`
	Tier           string            `yaml:"tier,omitempty" json:"tier,omitempty"`
	PromptTemplate string            `yaml:"prompt_template" json:"prompt_template"`
	SystemPrompt   string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Required       bool              `yaml:"required" json:"required"`
	ParallelGroup  string            `yaml:"parallel_group,omitempty" json:"parallel_group,omitempty"`
	RequiredInputs []string          `yaml:"required_inputs,omitempty" json:"required_inputs,omitempty"`
	Produces       string            `yaml:"produces,omitempty" json:"produces,omitempty"`
	MaxTokens      int               `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature    float64           `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	Escalation     *EscalationConfig `yaml:"escalation,omitempty" json:"escalation,omitempty"`
}

// EscalationConfig configures per-stage tier escalation
type EscalationConfig struct {
	Trigger        string  `yaml:"trigger" json:"trigger"` // low_confidence, parse_failure, explicit_signal
	MinConfidence  float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	MaxEscalations int     `yaml:"max_escalations" json:"max_escalations"`
}

// CacheConfig configures the response cache
type CacheConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	Mode                 string  `yaml:"mode" json:"mode"` // hash or hybrid
	MaxBytes             int64   `yaml:"max_bytes" json:"max_bytes"`
	SemanticThreshold    float64 `yaml:"semantic_threshold" json:"semantic_threshold"`
	SemanticAgeLimitDays int     `yaml:"semantic_age_limit_days" json:"semantic_age_limit_days"`
	RedisURL             string  `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
}

// TelemetryConfig configures the local cost ledger
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Dir           string `yaml:"dir,omitempty" json:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
	MaxFileBytes  int64  `yaml:"max_file_bytes" json:"max_file_bytes"`
	UserID        string `yaml:"user_id,omitempty" json:"user_id,omitempty"`
}

// RoutingConfig configures the smart router thresholds
type RoutingConfig struct {
	HardThreshold float64 `yaml:"hard_threshold" json:"hard_threshold"`
	AmbiguityBand float64 `yaml:"ambiguity_band" json:"ambiguity_band"`
	MinThreshold  float64 `yaml:"min_threshold" json:"min_threshold"`
}

// ResilienceConfig configures retry and circuit breaking
type ResilienceConfig struct {
	RetryInitialMs      int `yaml:"retry_initial_ms" json:"retry_initial_ms"`
	RetryMaxMs          int `yaml:"retry_max_ms" json:"retry_max_ms"`
	RetryMaxAttempts    int `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	CircuitFailuresOpen int `yaml:"circuit_failures_open" json:"circuit_failures_open"`
	CircuitCooldownMs   int `yaml:"circuit_cooldown_ms" json:"circuit_cooldown_ms"`
	HalfOpenProbes      int `yaml:"half_open_probes" json:"half_open_probes"`
}

// PatternConfig configures the completed-stage pattern sink
type PatternConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	NATSURL string `yaml:"nats_url,omitempty" json:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`
}

// RetryInitial returns the configured initial retry delay
func (r ResilienceConfig) RetryInitial() time.Duration {
	return time.Duration(r.RetryInitialMs) * time.Millisecond
}

// RetryMax returns the configured retry delay cap
func (r ResilienceConfig) RetryMax() time.Duration {
	return time.Duration(r.RetryMaxMs) * time.Millisecond
}

// CircuitCooldown returns the configured open-state cooldown
func (r ResilienceConfig) CircuitCooldown() time.Duration {
	return time.Duration(r.CircuitCooldownMs) * time.Millisecond
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	return &Config{
		DataDir:   defaultDataDir(),
		Providers: make(map[string]ProviderConfig),
		Models:    make(map[string]ModelConfig),
		Workflows: make(map[string]WorkflowConfig),
		Cache: CacheConfig{
			Enabled:              true,
			Mode:                 "hash",
			MaxBytes:             256 << 20,
			SemanticThreshold:    0.92,
			SemanticAgeLimitDays: 7,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			RetentionDays: 90,
			MaxFileBytes:  10 << 20,
		},
		Routing: RoutingConfig{
			HardThreshold: 0.65,
			AmbiguityBand: 0.10,
			MinThreshold:  0.20,
		},
		Resilience: ResilienceConfig{
			RetryInitialMs:      200,
			RetryMaxMs:          8000,
			RetryMaxAttempts:    4,
			CircuitFailuresOpen: 5,
			CircuitCooldownMs:   30000,
			HalfOpenProbes:      2,
		},
		LogLevel: "INFO",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tierflow"
	}
	return filepath.Join(home, ".tierflow")
}

// LoadConfig reads a config file, applies defaults and the environment
// overlay, and validates the result
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, ErrMissingConfiguration)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %v: %w", path, err, ErrInvalidConfiguration)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %v: %w", path, err, ErrInvalidConfiguration)
			}
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays environment variables onto the loaded config
func (c *Config) applyEnvironment() {
	if v := os.Getenv("TIERFLOW_DATA_DIR"); v != "" {
		c.DataDir = v
	} else if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// APIKey resolves the provider's API key from its configured env var.
// An empty api_key_env means the provider needs no credential (local
// endpoints).
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Validate checks the configuration for internal consistency. Any
// failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Cache.Mode != "hash" && c.Cache.Mode != "hybrid" {
		return fmt.Errorf("cache.mode must be hash or hybrid, got %q: %w", c.Cache.Mode, ErrInvalidConfiguration)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Cache.SemanticThreshold < 0 || c.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("cache.semantic_threshold must be in [0,1]: %w", ErrInvalidConfiguration)
	}
	if c.Routing.HardThreshold <= c.Routing.MinThreshold {
		return fmt.Errorf("routing.hard_threshold must exceed min_threshold: %w", ErrInvalidConfiguration)
	}
	if c.Resilience.RetryMaxAttempts < 1 {
		return fmt.Errorf("resilience.retry_max_attempts must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Resilience.HalfOpenProbes < 1 {
		return fmt.Errorf("resilience.half_open_probes must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Telemetry.RetentionDays < 0 {
		return fmt.Errorf("telemetry.retention_days cannot be negative: %w", ErrInvalidConfiguration)
	}

	for id, m := range c.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %s: provider is required: %w", id, ErrInvalidConfiguration)
		}
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %s references unknown provider %q: %w", id, m.Provider, ErrInvalidConfiguration)
		}
		if m.InputCostPerMillion < 0 || m.OutputCostPerMillion < 0 {
			return fmt.Errorf("model %s: negative pricing: %w", id, ErrInvalidConfiguration)
		}
		for _, fb := range m.FallbackChain {
			if _, ok := c.Models[fb]; !ok {
				return fmt.Errorf("model %s: fallback %q not defined: %w", id, fb, ErrInvalidConfiguration)
			}
		}
	}

	for name, wf := range c.Workflows {
		if len(wf.Stages) == 0 {
			return fmt.Errorf("workflow %s has no stages: %w", name, ErrInvalidConfiguration)
		}
		seen := make(map[string]bool)
		for _, st := range wf.Stages {
			if st.Name == "" {
				return fmt.Errorf("workflow %s: stage name is required: %w", name, ErrInvalidConfiguration)
			}
			if seen[st.Name] {
				return fmt.Errorf("workflow %s: duplicate stage %q: %w", name, st.Name, ErrInvalidConfiguration)
			}
			seen[st.Name] = true
			if st.Tier != "" {
				if _, err := ParseTier(st.Tier); err != nil {
					return fmt.Errorf("workflow %s stage %s: %w", name, st.Name, err)
				}
			}
		}
		if wf.DefaultTier != "" {
			if _, err := ParseTier(wf.DefaultTier); err != nil {
				return fmt.Errorf("workflow %s: %w", name, err)
			}
		}
		if wf.BudgetCap < 0 {
			return fmt.Errorf("workflow %s: negative budget cap: %w", name, ErrInvalidConfiguration)
		}
	}

	return nil
}

// BuildModelRegistry constructs a frozen ModelRegistry from the config
func (c *Config) BuildModelRegistry(logger Logger) (*ModelRegistry, error) {
	registry := NewModelRegistry(logger)
	for id, m := range c.Models {
		chain := m.FallbackChain
		if len(chain) == 0 {
			// Provider-level chain is the default for its models
			chain = c.Providers[m.Provider].FallbackChain
		}
		desc := &ModelDescriptor{
			ID:                   id,
			Provider:             m.Provider,
			Tier:                 m.Tier,
			InputCostMicrosPerM:  toMicros(m.InputCostPerMillion),
			OutputCostMicrosPerM: toMicros(m.OutputCostPerMillion),
			ContextWindow:        m.ContextWindow,
			SupportsCacheControl: m.SupportsCacheControl,
			FallbackChain:        chain,
		}
		if err := registry.Register(desc); err != nil {
			return nil, err
		}
	}
	if err := registry.Freeze(); err != nil {
		return nil, err
	}
	return registry, nil
}

// toMicros converts a currency-unit decimal to integer micro-units,
// rounding half away from zero
func toMicros(units float64) int64 {
	return int64(math.Round(units * MicrosPerUnit))
}
