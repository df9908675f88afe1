package orchestration

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierflow/tierflow/core"
)

// WorkflowContext is the per-invocation state: inputs, accumulated
// stage outputs, and the monotonic cost accumulator. It is born at
// invocation and discarded on completion. Stage outputs are written
// by the engine only; parallel stages work against private scratch
// and are merged at the group barrier.
type WorkflowContext struct {
	InvocationID    string
	Workflow        string
	Inputs          map[string]string
	BudgetCapMicros int64
	StartTime       time.Time

	mu           sync.RWMutex
	stageOutputs map[string]string // produced name -> content
	costMicros   int64
}

func newWorkflowContext(workflow string, inputs map[string]string, budgetCapMicros int64) *WorkflowContext {
	copied := make(map[string]string, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	return &WorkflowContext{
		InvocationID:    uuid.New().String(),
		Workflow:        workflow,
		Inputs:          copied,
		BudgetCapMicros: budgetCapMicros,
		StartTime:       time.Now(),
		stageOutputs:    make(map[string]string),
	}
}

// CostMicros returns the accumulated spend
func (c *WorkflowContext) CostMicros() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.costMicros
}

// addCost grows the accumulator; it never decreases
func (c *WorkflowContext) addCost(micros int64) {
	if micros <= 0 {
		return
	}
	c.mu.Lock()
	c.costMicros += micros
	c.mu.Unlock()
}

// lookup resolves a template placeholder against invocation inputs
// first, then produced stage outputs.
func (c *WorkflowContext) lookup(name string) (string, bool) {
	if v, ok := c.Inputs[name]; ok {
		return v, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.stageOutputs[name]
	return v, ok
}

// setOutput records a produced value after a stage (or its whole
// parallel group) settles.
func (c *WorkflowContext) setOutput(name, value string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.stageOutputs[name] = value
	c.mu.Unlock()
}

// Outputs returns a copy of all produced values
func (c *WorkflowContext) Outputs() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.stageOutputs))
	for k, v := range c.stageOutputs {
		out[k] = v
	}
	return out
}

// renderPrompt substitutes {name} placeholders from inputs and prior
// stage outputs. Unresolved required inputs are an error; other
// unresolved placeholders pass through verbatim.
func (c *WorkflowContext) renderPrompt(stage *StageSpec) (string, error) {
	for _, name := range stage.RequiredInputs {
		if _, ok := c.lookup(name); !ok {
			return "", fmt.Errorf("stage %s: missing required input %q: %w",
				stage.Name, name, core.ErrInvalidConfiguration)
		}
	}

	var b strings.Builder
	tpl := stage.PromptTemplate
	for {
		open := strings.Index(tpl, "{")
		if open < 0 {
			b.WriteString(tpl)
			break
		}
		end := strings.Index(tpl[open:], "}")
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		end += open
		b.WriteString(tpl[:open])
		name := tpl[open+1 : end]
		if v, ok := c.lookup(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(tpl[open : end+1])
		}
		tpl = tpl[end+1:]
	}
	return b.String(), nil
}
