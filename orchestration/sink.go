package orchestration

import (
	"context"
	"time"

	"github.com/tierflow/tierflow/core"
)

// PatternEvent describes a settled stage for downstream pattern
// learning. It carries shape, not content: no prompts or responses.
type PatternEvent struct {
	InvocationID  string        `json:"invocation_id"`
	Workflow      string        `json:"workflow"`
	Stage         string        `json:"stage"`
	Role          string        `json:"role,omitempty"`
	State         StageState    `json:"state"`
	TierUsed      core.Tier     `json:"tier_used"`
	EscalatedFrom string        `json:"escalated_from,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	CostMicros    int64         `json:"cost_micros"`
	CacheHit      bool          `json:"cache_hit"`
	Duration      time.Duration `json:"duration_ns"`
	Timestamp     time.Time     `json:"ts"`
}

// PatternSink receives stage completions. Implementations must be
// fast or internally buffered; the engine calls them on the
// invocation's hot path and ignores their errors.
type PatternSink interface {
	StageCompleted(ctx context.Context, event PatternEvent)
	Close() error
}

// NoopSink discards every event
type NoopSink struct{}

func (NoopSink) StageCompleted(ctx context.Context, event PatternEvent) {}
func (NoopSink) Close() error                                           { return nil }
