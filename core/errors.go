package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors - fatal at startup
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Validation errors - bad caller input, never retried
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownModel    = errors.New("unknown model")
	ErrInvalidTier     = errors.New("invalid tier")

	// Provider errors
	ErrProviderTransient   = errors.New("transient provider error")
	ErrProviderPermanent   = errors.New("permanent provider error")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrTimeout             = errors.New("operation timeout")
	ErrRateLimited         = errors.New("rate limited")

	// Workflow errors
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrCancelled      = errors.New("invocation cancelled")
	ErrRoutingFailure = errors.New("routing failure")

	// Non-fatal degradations - logged once, call proceeds
	ErrCacheDegraded        = errors.New("cache degraded")
	ErrTelemetryWriteFailed = errors.New("telemetry write failed")

	// State errors
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotInitialized    = errors.New("not initialized")
)

// PipelineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PipelineError struct {
	Op      string // Operation that failed (e.g., "cache.GetOrCall")
	Kind    string // Error kind (e.g., "provider", "cache", "config")
	ID      string // Optional ID of the entity involved (model, workflow, stage)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *PipelineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError
func NewPipelineError(op, kind string, err error) *PipelineError {
	return &PipelineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsTransient reports whether an error should be retried.
// Transient errors are network failures, 5xx responses, rate limits
// and timeouts.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsPermanent reports whether an error must surface immediately.
// Auth failures, invalid requests and content-policy rejections are
// never retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProviderPermanent)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsValidationError checks if an error represents bad caller input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownWorkflow) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrInvalidTier)
}
