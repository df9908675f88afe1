package orchestration

import (
	"fmt"
	"reflect"

	"github.com/tierflow/tierflow/core"
)

// EscalationPolicy controls when a completed stage re-runs at a
// higher tier. Trigger is one of "low_confidence", "parse_failure",
// "explicit_signal".
type EscalationPolicy struct {
	Trigger        string
	MinConfidence  float64
	MaxEscalations int
}

const (
	TriggerLowConfidence  = "low_confidence"
	TriggerParseFailure   = "parse_failure"
	TriggerExplicitSignal = "explicit_signal"
)

// StageSpec is one atomic unit of workflow execution: a single prompt
// dispatch plus possible escalations.
type StageSpec struct {
	Name           string
	Role           string
	Tier           core.Tier
	PromptTemplate string
	SystemPrompt   string
	Required       bool
	ParallelGroup  string
	RequiredInputs []string
	Produces       string
	MaxTokens      int
	Temperature    float64
	Escalation     *EscalationPolicy
}

// outputName is the key the stage's output is recorded under; an
// empty Produces falls back to the stage name so every output stays
// addressable by downstream templates.
func (s *StageSpec) outputName() string {
	if s.Produces != "" {
		return s.Produces
	}
	return s.Name
}

// WorkflowDefinition is an ordered stage list. Definitions are
// immutable once registered.
type WorkflowDefinition struct {
	Name            string
	Description     string
	Stages          []StageSpec
	BudgetCapMicros int64
	DefaultTier     core.Tier
}

// DefinitionFrom builds a WorkflowDefinition from configuration.
// Stages without an explicit tier inherit the workflow default, which
// itself defaults to CAPABLE.
func DefinitionFrom(name string, wc core.WorkflowConfig) (*WorkflowDefinition, error) {
	defaultTier := core.TierCapable
	if wc.DefaultTier != "" {
		parsed, err := core.ParseTier(wc.DefaultTier)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
		defaultTier = parsed
	}

	def := &WorkflowDefinition{
		Name:            name,
		Description:     wc.Description,
		BudgetCapMicros: int64(wc.BudgetCap * float64(core.MicrosPerUnit)),
		DefaultTier:     defaultTier,
	}
	for _, sc := range wc.Stages {
		tier := defaultTier
		if sc.Tier != "" {
			parsed, err := core.ParseTier(sc.Tier)
			if err != nil {
				return nil, fmt.Errorf("workflow %s stage %s: %w", name, sc.Name, err)
			}
			tier = parsed
		}
		stage := StageSpec{
			Name:           sc.Name,
			Role:           sc.Role,
			Tier:           tier,
			PromptTemplate: sc.PromptTemplate,
			SystemPrompt:   sc.SystemPrompt,
			Required:       sc.Required,
			ParallelGroup:  sc.ParallelGroup,
			RequiredInputs: sc.RequiredInputs,
			Produces:       sc.Produces,
			MaxTokens:      sc.MaxTokens,
			Temperature:    sc.Temperature,
		}
		if sc.Escalation != nil {
			stage.Escalation = &EscalationPolicy{
				Trigger:        sc.Escalation.Trigger,
				MinConfidence:  sc.Escalation.MinConfidence,
				MaxEscalations: sc.Escalation.MaxEscalations,
			}
		}
		def.Stages = append(def.Stages, stage)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks structural soundness: unique stage names, inputs
// produced before they are consumed, no dependencies inside a
// parallel group, and known escalation triggers.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required: %w", core.ErrInvalidConfiguration)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages: %w", d.Name, core.ErrInvalidConfiguration)
	}
	if d.BudgetCapMicros < 0 {
		return fmt.Errorf("workflow %s: budget cap must be non-negative: %w", d.Name, core.ErrInvalidConfiguration)
	}

	seen := make(map[string]int, len(d.Stages))     // stage name -> index
	produced := make(map[string]string)             // output name -> producing stage
	groupOf := make(map[string]string, len(d.Stages)) // stage name -> group

	for i, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: stage %d has no name: %w", d.Name, i, core.ErrInvalidConfiguration)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("workflow %s: duplicate stage %q: %w", d.Name, s.Name, core.ErrInvalidConfiguration)
		}
		seen[s.Name] = i
		groupOf[s.Name] = s.ParallelGroup

		if s.PromptTemplate == "" {
			return fmt.Errorf("workflow %s: stage %q has no prompt template: %w", d.Name, s.Name, core.ErrInvalidConfiguration)
		}
		if s.Tier < core.TierCheap || s.Tier > core.TierPremium {
			return fmt.Errorf("workflow %s: stage %q: %w", d.Name, s.Name, core.ErrInvalidTier)
		}

		for _, input := range s.RequiredInputs {
			producer, fromStage := produced[input]
			if fromStage && s.ParallelGroup != "" && groupOf[producer] == s.ParallelGroup {
				return fmt.Errorf("workflow %s: stage %q reads %q from its own parallel group: %w",
					d.Name, s.Name, input, core.ErrInvalidConfiguration)
			}
		}

		out := s.outputName()
		if prev, dup := produced[out]; dup {
			return fmt.Errorf("workflow %s: stages %q and %q both produce %q: %w",
				d.Name, prev, s.Name, out, core.ErrInvalidConfiguration)
		}
		produced[out] = s.Name

		if s.Escalation != nil {
			switch s.Escalation.Trigger {
			case TriggerLowConfidence, TriggerParseFailure, TriggerExplicitSignal:
			default:
				return fmt.Errorf("workflow %s: stage %q has unknown escalation trigger %q: %w",
					d.Name, s.Name, s.Escalation.Trigger, core.ErrInvalidConfiguration)
			}
			if s.Escalation.MaxEscalations < 0 {
				return fmt.Errorf("workflow %s: stage %q: max escalations must be non-negative: %w",
					d.Name, s.Name, core.ErrInvalidConfiguration)
			}
		}
	}
	return nil
}

// Equal reports whether two definitions are identical. Used to make
// registration idempotent.
func (d *WorkflowDefinition) Equal(other *WorkflowDefinition) bool {
	return reflect.DeepEqual(d, other)
}

// steps partitions stages into execution steps: consecutive stages
// sharing a non-empty parallel group run concurrently; everything
// else runs alone in declaration order.
func (d *WorkflowDefinition) steps() [][]int {
	var out [][]int
	for i := 0; i < len(d.Stages); {
		g := d.Stages[i].ParallelGroup
		if g == "" {
			out = append(out, []int{i})
			i++
			continue
		}
		step := []int{i}
		j := i + 1
		for j < len(d.Stages) && d.Stages[j].ParallelGroup == g {
			step = append(step, j)
			j++
		}
		out = append(out, step)
		i = j
	}
	return out
}
