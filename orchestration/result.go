package orchestration

import (
	"time"

	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/cache"
)

// StageState is the stage lifecycle:
// PENDING -> RUNNING -> (COMPLETED | FAILED | SKIPPED_BUDGET | CANCELLED).
// A COMPLETED stage may re-enter RUNNING once per escalation.
type StageState string

const (
	StagePending       StageState = "PENDING"
	StageRunning       StageState = "RUNNING"
	StageCompleted     StageState = "COMPLETED"
	StageFailed        StageState = "FAILED"
	StageSkippedBudget StageState = "SKIPPED_BUDGET"
	StageCancelled     StageState = "CANCELLED"
)

// Status summarizes a whole invocation
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartial        Status = "partial"
	StatusError          Status = "error"
	StatusBudgetExceeded Status = "budget_exceeded"
	StatusCancelled      Status = "cancelled"
)

// ExitCode maps a status onto the process exit code contract used by
// command-line consumers.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 2
	case StatusBudgetExceeded:
		return 3
	default:
		return 1
	}
}

// StageResult is the settled outcome of one stage
type StageResult struct {
	Name          string        `json:"name"`
	State         StageState    `json:"state"`
	Output        string        `json:"output,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	TierUsed      core.Tier     `json:"tier_used"`
	EscalatedFrom string        `json:"escalated_from,omitempty"`
	Model         string        `json:"model,omitempty"`
	Provider      string        `json:"provider,omitempty"`
	CostMicros    int64         `json:"cost_micros"`
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	Cache         cache.Outcome `json:"cache,omitempty"`
	FallbackChain []string      `json:"fallback_chain,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	GroupIndex    int           `json:"group_index"`
	Error         string        `json:"error,omitempty"`
	Retriable     bool          `json:"retriable,omitempty"`
}

// Result is the structured outcome of Execute. Stage failures are
// encoded here, never thrown across the API boundary.
type Result struct {
	Workflow        string            `json:"workflow"`
	InvocationID    string            `json:"invocation_id"`
	Status          Status            `json:"status"`
	Stages          []StageResult     `json:"stages"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	CostMicros      int64             `json:"cost_micros"`
	BudgetCapMicros int64             `json:"budget_cap_micros,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration_ns"`
}

// Stage returns the result for a stage by name
func (r *Result) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Failed returns the names of stages that failed
func (r *Result) Failed() []string {
	var out []string
	for _, s := range r.Stages {
		if s.State == StageFailed {
			out = append(out, s.Name)
		}
	}
	return out
}
