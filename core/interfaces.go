package core

import "context"

// Logger interface - all components log through this
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger discards all log output. It is the default for every
// component that is constructed without an explicit logger.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// Embedder computes embedding vectors for semantic cache lookup.
// Implementations may call a local model or a remote endpoint; a nil
// Embedder disables semantic mode.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
