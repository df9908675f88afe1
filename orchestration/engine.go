package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tierflow/tierflow/cache"
	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/providers"
	"github.com/tierflow/tierflow/telemetry"
)

// defaultOutputEstimate is the output-token guess used for budget
// prechecks when a stage declares no max_tokens.
const defaultOutputEstimate = 500

// EngineConfig wires the engine to its collaborators. Cache, Ledger,
// Metrics, and Sink are optional.
type EngineConfig struct {
	Registry *core.ModelRegistry
	Client   *providers.Client
	Cache    *cache.Cache
	Ledger   *telemetry.Ledger
	Metrics  *telemetry.Metrics
	Sink     PatternSink
	Logger   core.Logger
}

// Options tunes a single invocation
type Options struct {
	// BudgetCapMicros overrides the workflow's budget cap when set.
	// An explicit zero means "spend nothing".
	BudgetCapMicros *int64
	// InitialTier overrides every stage's declared starting tier
	InitialTier *core.Tier
	// DisableCache bypasses the response cache for this invocation
	DisableCache bool
	// DisableTelemetry suppresses ledger entries for this invocation
	DisableTelemetry bool
}

// Engine executes workflow definitions: stage ordering, parallel
// fan-out, budget caps, tier escalation, and cooperative
// cancellation. Stage failures become structured results; the only
// errors that cross the API boundary are validation, configuration,
// and cancellation.
type Engine struct {
	registry *core.ModelRegistry
	client   *providers.Client
	cache    *cache.Cache
	ledger   *telemetry.Ledger
	metrics  *telemetry.Metrics
	sink     PatternSink
	logger   core.Logger
	tracer   trace.Tracer

	mu        sync.RWMutex
	workflows map[string]*WorkflowDefinition
}

// NewEngine creates a workflow engine
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("model registry is required: %w", core.ErrInvalidConfiguration)
	}
	if config.Client == nil {
		return nil, fmt.Errorf("provider client is required: %w", core.ErrInvalidConfiguration)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	sink := config.Sink
	if sink == nil {
		sink = NoopSink{}
	}

	return &Engine{
		registry:  config.Registry,
		client:    config.Client,
		cache:     config.Cache,
		ledger:    config.Ledger,
		metrics:   config.Metrics,
		sink:      sink,
		logger:    logger,
		tracer:    otel.Tracer("github.com/tierflow/tierflow/orchestration"),
		workflows: make(map[string]*WorkflowDefinition),
	}, nil
}

// RegisterWorkflow registers a definition, idempotently by name.
// Re-registering an identical definition is a no-op; a different
// definition under the same name is a configuration error.
func (e *Engine) RegisterWorkflow(def *WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("workflow definition is nil: %w", core.ErrInvalidConfiguration)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.workflows[def.Name]; ok {
		if existing.Equal(def) {
			return nil
		}
		return fmt.Errorf("workflow %q already registered with a different definition: %w",
			def.Name, core.ErrInvalidConfiguration)
	}
	e.workflows[def.Name] = def

	e.logger.Info("Workflow registered", map[string]interface{}{
		"operation": "workflow_register",
		"workflow":  def.Name,
		"stages":    len(def.Stages),
	})
	return nil
}

// RegisterFromConfig registers every configured workflow
func (e *Engine) RegisterFromConfig(cfg *core.Config) error {
	names := make([]string, 0, len(cfg.Workflows))
	for name := range cfg.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, err := DefinitionFrom(name, cfg.Workflows[name])
		if err != nil {
			return err
		}
		if err := e.RegisterWorkflow(def); err != nil {
			return err
		}
	}
	return nil
}

// ListWorkflows returns registered workflow names, sorted
func (e *Engine) ListWorkflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one workflow invocation to a structured Result
func (e *Engine) Execute(ctx context.Context, workflowName string, inputs map[string]string, opts Options) (*Result, error) {
	e.mu.RLock()
	def, ok := e.workflows[workflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", workflowName, core.ErrUnknownWorkflow)
	}

	budgetCap, hasBudget := def.BudgetCapMicros, def.BudgetCapMicros > 0
	if opts.BudgetCapMicros != nil {
		budgetCap, hasBudget = *opts.BudgetCapMicros, true
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(attribute.String("workflow", workflowName)))
	defer span.End()

	wctx := newWorkflowContext(workflowName, inputs, budgetCap)
	result := &Result{
		Workflow:        workflowName,
		InvocationID:    wctx.InvocationID,
		Stages:          make([]StageResult, len(def.Stages)),
		BudgetCapMicros: budgetCap,
		StartedAt:       wctx.StartTime,
	}
	for i := range def.Stages {
		result.Stages[i] = StageResult{Name: def.Stages[i].Name, State: StagePending, GroupIndex: i}
	}

	e.logger.Info("Workflow invocation started", map[string]interface{}{
		"operation":     "workflow_start",
		"workflow":      workflowName,
		"invocation_id": wctx.InvocationID,
		"budget_micros": budgetCap,
	})

	var budgetTerminal, aborted, cancelled bool
	for _, step := range def.steps() {
		if cancelled || aborted {
			for _, idx := range step {
				result.Stages[idx].State = StageCancelled
			}
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			for _, idx := range step {
				result.Stages[idx].State = StageCancelled
			}
			continue
		}

		// budget precheck; parallel stages reserve their estimates
		// against each other so the group cannot jointly overrun
		var admitted []int
		var reserved int64
		for _, idx := range step {
			stage := &def.Stages[idx]
			if budgetTerminal {
				result.Stages[idx].State = StageSkippedBudget
				continue
			}
			est := e.estimateCost(stage, wctx, opts)
			if hasBudget && wctx.CostMicros()+reserved+est > budgetCap {
				result.Stages[idx].State = StageSkippedBudget
				e.logger.Warn("Stage skipped, budget cap would be exceeded", map[string]interface{}{
					"operation":        "stage_skipped_budget",
					"workflow":         workflowName,
					"stage":            stage.Name,
					"estimated_micros": est,
					"accum_micros":     wctx.CostMicros(),
					"budget_micros":    budgetCap,
				})
				if stage.Required {
					budgetTerminal = true
				}
				continue
			}
			reserved += est
			admitted = append(admitted, idx)
		}

		// stages admitted before the cap tripped still run; nothing
		// after this step does. Run concurrently when more than one.
		if len(admitted) == 1 {
			idx := admitted[0]
			result.Stages[idx] = e.runStage(ctx, &def.Stages[idx], wctx, opts, idx)
		} else if len(admitted) > 1 {
			var wg sync.WaitGroup
			scratch := make([]StageResult, len(admitted))
			for i, idx := range admitted {
				wg.Add(1)
				go func(i, idx int) {
					defer wg.Done()
					scratch[i] = e.runStage(ctx, &def.Stages[idx], wctx, opts, idx)
				}(i, idx)
			}
			wg.Wait()
			for i, idx := range admitted {
				result.Stages[idx] = scratch[i]
			}
		}

		// barrier: merge outputs and cost, then decide whether to go on
		for _, idx := range admitted {
			sr := &result.Stages[idx]
			stage := &def.Stages[idx]
			switch sr.State {
			case StageCompleted:
				wctx.addCost(sr.CostMicros)
				wctx.setOutput(stage.outputName(), sr.Output)
			case StageFailed:
				wctx.addCost(sr.CostMicros)
				if stage.Required {
					aborted = true
				}
			case StageCancelled:
				cancelled = true
			}
		}
	}

	result.CostMicros = wctx.CostMicros()
	result.Outputs = wctx.Outputs()
	result.Duration = time.Since(wctx.StartTime)
	result.Status = e.settle(result, budgetTerminal, cancelled)
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int64("cost_micros", result.CostMicros),
	)

	e.logger.Info("Workflow invocation finished", map[string]interface{}{
		"operation":     "workflow_finish",
		"workflow":      workflowName,
		"invocation_id": wctx.InvocationID,
		"status":        string(result.Status),
		"cost_micros":   result.CostMicros,
		"duration_ms":   result.Duration.Milliseconds(),
	})

	if cancelled {
		return result, fmt.Errorf("invocation %s: %w", wctx.InvocationID, core.ErrCancelled)
	}
	return result, nil
}

func (e *Engine) settle(result *Result, budgetTerminal, cancelled bool) Status {
	if cancelled {
		return StatusCancelled
	}
	if budgetTerminal {
		return StatusBudgetExceeded
	}
	for _, s := range result.Stages {
		if s.State == StageFailed {
			return StatusPartial
		}
	}
	return StatusSuccess
}

// estimateCost predicts a stage's spend from its rendered prompt and
// declared output cap at the model it would use.
func (e *Engine) estimateCost(stage *StageSpec, wctx *WorkflowContext, opts Options) int64 {
	tier := stage.Tier
	if opts.InitialTier != nil {
		tier = *opts.InitialTier
	}
	return e.estimateCostAt(stage, wctx, tier)
}

// estimateCostAt is the tier-explicit form; escalation prechecks use
// it to price the next tier up.
func (e *Engine) estimateCostAt(stage *StageSpec, wctx *WorkflowContext, tier core.Tier) int64 {
	desc, err := e.registry.CheapestForTier(tier)
	if err != nil {
		return 0
	}

	prompt, err := wctx.renderPrompt(stage)
	if err != nil {
		prompt = stage.PromptTemplate
	}
	estIn := int64(len(prompt)+len(stage.SystemPrompt)) / 4
	estOut := int64(stage.MaxTokens)
	if estOut <= 0 {
		estOut = defaultOutputEstimate
	}
	return desc.CostMicros(estIn, estOut)
}

// runStage executes one stage to a settled result, escalating tiers
// per the stage policy. Escalation is strictly upward.
func (e *Engine) runStage(ctx context.Context, stage *StageSpec, wctx *WorkflowContext, opts Options, groupIndex int) StageResult {
	sr := StageResult{Name: stage.Name, State: StageRunning, GroupIndex: groupIndex}

	tier := stage.Tier
	if opts.InitialTier != nil {
		tier = *opts.InitialTier
	}

	prompt, err := wctx.renderPrompt(stage)
	if err != nil {
		sr.State = StageFailed
		sr.Error = err.Error()
		return sr
	}

	escalations := 0
	for {
		if ctx.Err() != nil {
			sr.State = StageCancelled
			sr.Error = ctx.Err().Error()
			return sr
		}

		attempt, err := e.runAttempt(ctx, stage, wctx, opts, prompt, tier, sr.EscalatedFrom)
		if err != nil {
			if ctx.Err() != nil {
				sr.State = StageCancelled
				sr.Error = ctx.Err().Error()
				return sr
			}
			sr.State = StageFailed
			sr.Error = err.Error()
			sr.Retriable = core.IsTransient(err)
			sr.TierUsed = tier
			return sr
		}

		sr.Output = attempt.content
		sr.Confidence = attempt.confidence
		sr.TierUsed = tier
		sr.Model = attempt.model
		sr.Provider = attempt.provider
		sr.CostMicros += attempt.costMicros
		sr.InputTokens += attempt.inputTokens
		sr.OutputTokens += attempt.outputTokens
		sr.Cache = attempt.outcome
		sr.FallbackChain = attempt.fallbackChain
		sr.Duration += attempt.duration

		next, ok := e.shouldEscalate(stage, attempt, tier, escalations)
		if !ok {
			sr.State = StageCompleted
			e.emitPattern(ctx, wctx, stage, &sr)
			return sr
		}

		// an escalated re-run is a dispatch like any other: it must
		// clear the budget precheck at the next tier's rate, or the
		// stage settles on the output it already has
		if budget := wctx.BudgetCapMicros; budget > 0 {
			est := e.estimateCostAt(stage, wctx, next)
			if spent := wctx.CostMicros() + sr.CostMicros; spent+est > budget {
				e.logger.Warn("Escalation skipped, budget cap would be exceeded", map[string]interface{}{
					"operation":        "stage_escalation_skipped_budget",
					"workflow":         wctx.Workflow,
					"stage":            stage.Name,
					"from_tier":        tier.String(),
					"to_tier":          next.String(),
					"estimated_micros": est,
					"accum_micros":     spent,
					"budget_micros":    budget,
				})
				sr.State = StageCompleted
				e.emitPattern(ctx, wctx, stage, &sr)
				return sr
			}
		}

		e.logger.Info("Stage escalating to higher tier", map[string]interface{}{
			"operation":  "stage_escalate",
			"workflow":   wctx.Workflow,
			"stage":      stage.Name,
			"from_tier":  tier.String(),
			"to_tier":    next.String(),
			"confidence": attempt.confidence,
		})
		if sr.EscalatedFrom == "" {
			sr.EscalatedFrom = tier.String()
		}
		tier = next
		escalations++
	}
}

// shouldEscalate applies the stage's escalation policy to a settled
// attempt. Returns the next tier and true when a re-run is due.
func (e *Engine) shouldEscalate(stage *StageSpec, attempt *attemptResult, tier core.Tier, escalations int) (core.Tier, bool) {
	policy := stage.Escalation
	if policy == nil || escalations >= policy.MaxEscalations {
		return tier, false
	}
	next, ok := tier.Next()
	if !ok {
		return tier, false
	}

	triggered := false
	switch policy.Trigger {
	case TriggerLowConfidence:
		triggered = attempt.hasConfidence && attempt.confidence < policy.MinConfidence
	case TriggerParseFailure:
		triggered = !attempt.parsedJSON
	case TriggerExplicitSignal:
		triggered = strings.Contains(attempt.content, "ESCALATE")
	}
	return next, triggered
}

type attemptResult struct {
	content       string
	model         string
	provider      string
	costMicros    int64
	inputTokens   int64
	outputTokens  int64
	outcome       cache.Outcome
	fallbackChain []string
	duration      time.Duration
	confidence    float64
	hasConfidence bool
	parsedJSON    bool
}

// runAttempt performs one prompt dispatch at one tier, through the
// cache when enabled, and records its telemetry entry.
func (e *Engine) runAttempt(ctx context.Context, stage *StageSpec, wctx *WorkflowContext, opts Options, prompt string, tier core.Tier, escalatedFrom string) (*attemptResult, error) {
	desc, err := e.registry.CheapestForTier(tier)
	if err != nil {
		return nil, err
	}

	req := providers.Request{
		Prompt:       prompt,
		SystemPrompt: stage.SystemPrompt,
		Temperature:  stage.Temperature,
		MaxTokens:    stage.MaxTokens,
	}

	var fallbackChain []string
	build := func(buildCtx context.Context) (*cache.Entry, error) {
		call, err := e.client.Call(buildCtx, desc.ID, req)
		if err != nil {
			return nil, err
		}
		fallbackChain = call.FallbackChain
		return &cache.Entry{
			Content:      call.Response.Content,
			Model:        call.ModelID,
			Provider:     call.Response.Provider,
			Tier:         call.Tier,
			InputTokens:  call.Response.Usage.InputTokens,
			OutputTokens: call.Response.Usage.OutputTokens,
			CostMicros:   call.CostMicros,
		}, nil
	}

	start := time.Now()
	var entry *cache.Entry
	outcome := cache.OutcomeBypass
	if e.cache != nil && !opts.DisableCache {
		key := cache.Key{
			Prompt:       prompt,
			SystemPrompt: stage.SystemPrompt,
			Model:        desc.ID,
			Tier:         tier,
			Temperature:  stage.Temperature,
			MaxTokens:    stage.MaxTokens,
		}
		entry, outcome, err = e.cache.GetOrBuild(ctx, key, build)
	} else {
		entry, err = build(ctx)
	}
	duration := time.Since(start)
	if err != nil {
		return nil, err
	}

	attempt := &attemptResult{
		content:       entry.Content,
		model:         entry.Model,
		provider:      entry.Provider,
		inputTokens:   entry.InputTokens,
		outputTokens:  entry.OutputTokens,
		outcome:       outcome,
		fallbackChain: fallbackChain,
		duration:      duration,
	}
	switch outcome {
	case cache.OutcomeMiss, cache.OutcomeBypass:
		attempt.costMicros = entry.CostMicros
	default:
		// served from cache: zero provider cost
	}
	attempt.confidence, attempt.hasConfidence, attempt.parsedJSON = parseConfidence(entry.Content)

	e.recordTelemetry(ctx, wctx, stage, tier, attempt, escalatedFrom, opts)
	return attempt, nil
}

func (e *Engine) recordTelemetry(ctx context.Context, wctx *WorkflowContext, stage *StageSpec, tier core.Tier, attempt *attemptResult, escalatedFrom string, opts Options) {
	if e.ledger == nil || opts.DisableTelemetry {
		return
	}

	entry := telemetry.Entry{
		Workflow: wctx.Workflow,
		Stage:    stage.Name,
		Tier:     tier,
		Model:    attempt.model,
		Provider: attempt.provider,
		Tokens: telemetry.TokenCounts{
			Input:  attempt.inputTokens,
			Output: attempt.outputTokens,
		},
		Cache:         cacheInfoFor(attempt.outcome),
		DurationMs:    attempt.duration.Milliseconds(),
		EscalatedFrom: escalatedFrom,
		FallbackChain: attempt.fallbackChain,
	}
	entry.SetCostMicros(attempt.costMicros)

	e.ledger.Record(entry)
	if e.metrics != nil {
		e.metrics.Observe(ctx, entry)
	}
}

func cacheInfoFor(outcome cache.Outcome) telemetry.CacheInfo {
	switch outcome {
	case cache.OutcomeHit:
		return telemetry.CacheInfo{Hit: true, Kind: "exact"}
	case cache.OutcomeSemantic:
		return telemetry.CacheInfo{Hit: true, Kind: "semantic"}
	case cache.OutcomeCoalesced:
		return telemetry.CacheInfo{Hit: true, Kind: "coalesced"}
	default:
		return telemetry.CacheInfo{Hit: false}
	}
}

func (e *Engine) emitPattern(ctx context.Context, wctx *WorkflowContext, stage *StageSpec, sr *StageResult) {
	e.sink.StageCompleted(ctx, PatternEvent{
		InvocationID:  wctx.InvocationID,
		Workflow:      wctx.Workflow,
		Stage:         stage.Name,
		Role:          stage.Role,
		State:         sr.State,
		TierUsed:      sr.TierUsed,
		EscalatedFrom: sr.EscalatedFrom,
		Confidence:    sr.Confidence,
		CostMicros:    sr.CostMicros,
		CacheHit:      sr.Cache == cache.OutcomeHit || sr.Cache == cache.OutcomeSemantic || sr.Cache == cache.OutcomeCoalesced,
		Duration:      sr.Duration,
		Timestamp:     time.Now().UTC(),
	})
}

// parseConfidence extracts a confidence score from structured stage
// output. Returns (confidence, found, validJSON).
func parseConfidence(content string) (float64, bool, bool) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return 0, false, false
	}

	var parsed struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err != nil {
		return 0, false, false
	}
	if parsed.Confidence == nil {
		return 0, false, true
	}
	return *parsed.Confidence, true, true
}
