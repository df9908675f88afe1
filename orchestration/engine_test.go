package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tierflow/tierflow/cache"
	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/providers"
	"github.com/tierflow/tierflow/telemetry"
)

// engineFixture wires a full engine over a mock provider. Model rates
// are one micro per token so costs read directly as token counts: the
// default mock usage of 10 in / 20 out costs 30 micros at CHEAP, 60 at
// CAPABLE, 300 at PREMIUM.
type engineFixture struct {
	engine *Engine
	mock   *providers.MockProvider
	ledger *telemetry.Ledger
	cache  *cache.Cache
	sink   *captureSink
}

type captureSink struct {
	mu     sync.Mutex
	events []PatternEvent
}

func (s *captureSink) StageCompleted(ctx context.Context, ev PatternEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) Events() []PatternEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PatternEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	registry := core.NewModelRegistry(nil)
	models := []*core.ModelDescriptor{
		{ID: "cheap-1", Provider: "mock", Tier: core.TierCheap, InputCostMicrosPerM: 1_000_000, OutputCostMicrosPerM: 1_000_000},
		{ID: "capable-1", Provider: "mock", Tier: core.TierCapable, InputCostMicrosPerM: 2_000_000, OutputCostMicrosPerM: 2_000_000},
		{ID: "premium-1", Provider: "mock", Tier: core.TierPremium, InputCostMicrosPerM: 10_000_000, OutputCostMicrosPerM: 10_000_000},
	}
	for _, m := range models {
		if err := registry.Register(m); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := registry.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	client, err := providers.NewClient(providers.ClientConfig{
		Registry: registry,
		Resilience: core.ResilienceConfig{
			RetryInitialMs:   1,
			RetryMaxMs:       5,
			RetryMaxAttempts: 2,
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	mock := providers.NewMockProvider("mock")
	if err := client.RegisterProvider(mock, 8); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	respCache, err := cache.New(cache.Config{Enabled: true, MaxBytes: 1 << 20, Mode: "hash"})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	ledger, err := telemetry.NewLedger(telemetry.LedgerConfig{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	sink := &captureSink{}
	engine, err := NewEngine(EngineConfig{
		Registry: registry,
		Client:   client,
		Cache:    respCache,
		Ledger:   ledger,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return &engineFixture{engine: engine, mock: mock, ledger: ledger, cache: respCache, sink: sink}
}

func (f *engineFixture) register(t *testing.T, def *WorkflowDefinition) {
	t.Helper()
	if err := f.engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
}

func singleStageWorkflow(name string) *WorkflowDefinition {
	return &WorkflowDefinition{
		Name:        name,
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "answer", Tier: core.TierCheap, PromptTemplate: "answer {question}", Required: true, MaxTokens: 100},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestExecuteSingleStage(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	result, err := f.engine.Execute(context.Background(), "qa", map[string]string{"question": "why"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	sr := result.Stage("answer")
	if sr.State != StageCompleted {
		t.Errorf("expected COMPLETED, got %s", sr.State)
	}
	if sr.Output != "mock response" {
		t.Errorf("unexpected output %q", sr.Output)
	}
	if sr.CostMicros != 30 || result.CostMicros != 30 {
		t.Errorf("expected 30 micros, got stage %d total %d", sr.CostMicros, result.CostMicros)
	}
	if result.Status.ExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", result.Status.ExitCode())
	}

	reqs := f.mock.Requests()
	if len(reqs) != 1 || reqs[0].Prompt != "answer why" {
		t.Errorf("unexpected provider requests %+v", reqs)
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Execute(context.Background(), "ghost", nil, Options{})
	if !errors.Is(err, core.ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestRegisterWorkflowIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	// identical re-registration is a no-op
	if err := f.engine.RegisterWorkflow(singleStageWorkflow("qa")); err != nil {
		t.Fatalf("identical re-registration should succeed: %v", err)
	}

	// a different definition under the same name is rejected
	changed := singleStageWorkflow("qa")
	changed.Stages[0].PromptTemplate = "different {question}"
	if err := f.engine.RegisterWorkflow(changed); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestStageOutputFlowsDownstream(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Script(
		providers.MockOutcome{Content: "triage: shallow bug", Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
		providers.MockOutcome{Content: "fix: check bounds", Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
	)
	f.register(t, &WorkflowDefinition{
		Name:        "pipeline",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "triage", Tier: core.TierCheap, PromptTemplate: "triage {code}", Produces: "notes", MaxTokens: 100},
			{Name: "fix", Tier: core.TierCheap, PromptTemplate: "fix using {notes}", RequiredInputs: []string{"notes"}, MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "pipeline", map[string]string{"code": "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}

	reqs := f.mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(reqs))
	}
	if reqs[1].Prompt != "fix using triage: shallow bug" {
		t.Errorf("downstream stage did not see upstream output: %q", reqs[1].Prompt)
	}
	if result.Outputs["notes"] != "triage: shallow bug" {
		t.Errorf("unexpected outputs %v", result.Outputs)
	}
}

func TestStageOutputDefaultsToStageName(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Script(
		providers.MockOutcome{Content: "shallow bug in loop bounds", Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
		providers.MockOutcome{Content: "patched", Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
	)
	// No Produces declared: the output is still addressable downstream
	// under the stage's own name.
	f.register(t, &WorkflowDefinition{
		Name:        "implicit-outputs",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "triage", Tier: core.TierCheap, PromptTemplate: "triage {code}", MaxTokens: 100},
			{Name: "fix", Tier: core.TierCheap, PromptTemplate: "fix using {triage}", MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "implicit-outputs", map[string]string{"code": "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	reqs := f.mock.Requests()
	if len(reqs) != 2 || reqs[1].Prompt != "fix using shallow bug in loop bounds" {
		t.Errorf("downstream stage did not see the implicit output: %+v", reqs)
	}
	if result.Outputs["triage"] != "shallow bug in loop bounds" {
		t.Errorf("expected output keyed by stage name, got %v", result.Outputs)
	}
	if result.Outputs["fix"] != "patched" {
		t.Errorf("expected terminal stage output keyed by stage name, got %v", result.Outputs)
	}
}

func TestParallelGroupRunsAndMerges(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, &WorkflowDefinition{
		Name:        "fanout",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "style", Tier: core.TierCheap, PromptTemplate: "style {code}", ParallelGroup: "analysis", Produces: "style_notes", MaxTokens: 100},
			{Name: "bugs", Tier: core.TierCheap, PromptTemplate: "bugs {code}", ParallelGroup: "analysis", Produces: "bug_notes", MaxTokens: 100},
			{Name: "merge", Tier: core.TierCheap, PromptTemplate: "merge {style_notes} {bug_notes}", MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "fanout", map[string]string{"code": "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	for _, name := range []string{"style", "bugs", "merge"} {
		if sr := result.Stage(name); sr.State != StageCompleted {
			t.Errorf("stage %s: expected COMPLETED, got %s", name, sr.State)
		}
	}
	if result.CostMicros != 90 {
		t.Errorf("expected 90 micros across 3 stages, got %d", result.CostMicros)
	}
	// The merge stage saw both group outputs substituted.
	reqs := f.mock.Requests()
	last := reqs[len(reqs)-1]
	if last.Prompt != "merge mock response mock response" {
		t.Errorf("merge stage prompt missing group outputs: %q", last.Prompt)
	}
}

func TestCacheServesSecondInvocation(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))
	inputs := map[string]string{"question": "why"}

	first, err := f.engine.Execute(context.Background(), "qa", inputs, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.CostMicros != 30 {
		t.Fatalf("expected first run to pay 30 micros, got %d", first.CostMicros)
	}

	second, err := f.engine.Execute(context.Background(), "qa", inputs, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := second.Stage("answer")
	if sr.Cache != cache.OutcomeHit {
		t.Errorf("expected cache hit, got %s", sr.Cache)
	}
	if sr.CostMicros != 0 || second.CostMicros != 0 {
		t.Errorf("cache-served stage must cost nothing, got stage %d total %d", sr.CostMicros, second.CostMicros)
	}
	if f.mock.CallCount() != 1 {
		t.Errorf("expected 1 provider call across both runs, got %d", f.mock.CallCount())
	}

	// The hit is visible in the ledger with zero cost.
	entries := f.ledger.Recent(1)
	if len(entries) != 1 || !entries[0].Cache.Hit || entries[0].Cache.Kind != "exact" {
		t.Errorf("expected exact cache hit in ledger, got %+v", entries)
	}
	if entries[0].CostMicros() != 0 {
		t.Errorf("cache hit ledger entry must cost 0, got %d", entries[0].CostMicros())
	}
}

func TestDisableCacheBypassesLookup(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))
	inputs := map[string]string{"question": "why"}
	opts := Options{DisableCache: true}

	for i := 0; i < 2; i++ {
		result, err := f.engine.Execute(context.Background(), "qa", inputs, opts)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if sr := result.Stage("answer"); sr.Cache != cache.OutcomeBypass {
			t.Errorf("expected bypass, got %s", sr.Cache)
		}
	}
	if f.mock.CallCount() != 2 {
		t.Errorf("expected 2 provider calls with cache disabled, got %d", f.mock.CallCount())
	}
}

func TestConcurrentInvocationsCoalesce(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Default = providers.MockOutcome{
		Content: "mock response",
		Usage:   providers.TokenUsage{InputTokens: 10, OutputTokens: 20},
		Delay:   50 * time.Millisecond,
	}
	f.register(t, singleStageWorkflow("qa"))
	inputs := map[string]string{"question": "why"}

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Execute(context.Background(), "qa", inputs, Options{})
		}(i)
	}
	wg.Wait()

	if f.mock.CallCount() != 1 {
		t.Fatalf("expected identical concurrent invocations to share one provider call, got %d", f.mock.CallCount())
	}

	var totalCost int64
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Status != StatusSuccess {
			t.Errorf("worker %d: expected success, got %s", i, results[i].Status)
		}
		if out := results[i].Stage("answer").Output; out != "mock response" {
			t.Errorf("worker %d: unexpected output %q", i, out)
		}
		totalCost += results[i].CostMicros
	}
	// Only the one builder invocation pays.
	if totalCost != 30 {
		t.Errorf("expected 30 micros total across all workers, got %d", totalCost)
	}
}

func TestBudgetCapSkipsAndTerminates(t *testing.T) {
	f := newEngineFixture(t)
	// Each stage estimates 100 micros (no prompt tokens, max_tokens 100
	// at one micro per token). Actual cost per run is 30 micros.
	f.register(t, &WorkflowDefinition{
		Name:        "budgeted",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "a", Tier: core.TierCheap, PromptTemplate: "a", MaxTokens: 100},
			{Name: "b", Tier: core.TierCheap, PromptTemplate: "b", MaxTokens: 100},
			{Name: "c", Tier: core.TierCheap, PromptTemplate: "c", MaxTokens: 100, Required: true},
			{Name: "d", Tier: core.TierCheap, PromptTemplate: "d", MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "budgeted", nil, Options{BudgetCapMicros: int64Ptr(150)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// a runs (spend 30), b runs (spend 60), c's 100-micro estimate
	// would break the cap, and c is required, so d never runs either.
	if result.Stage("a").State != StageCompleted || result.Stage("b").State != StageCompleted {
		t.Errorf("expected a and b to complete: %+v", result.Stages)
	}
	if result.Stage("c").State != StageSkippedBudget {
		t.Errorf("expected c SKIPPED_BUDGET, got %s", result.Stage("c").State)
	}
	if result.Stage("d").State != StageSkippedBudget {
		t.Errorf("expected d SKIPPED_BUDGET after required skip, got %s", result.Stage("d").State)
	}
	if result.Status != StatusBudgetExceeded {
		t.Errorf("expected budget_exceeded, got %s", result.Status)
	}
	if result.Status.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", result.Status.ExitCode())
	}
	if result.CostMicros != 60 {
		t.Errorf("expected 60 micros spent, got %d", result.CostMicros)
	}
	if f.mock.CallCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", f.mock.CallCount())
	}
}

func TestExplicitZeroBudget(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	result, err := f.engine.Execute(context.Background(), "qa", map[string]string{"question": "why"}, Options{BudgetCapMicros: int64Ptr(0)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stage("answer").State != StageSkippedBudget {
		t.Errorf("expected SKIPPED_BUDGET, got %s", result.Stage("answer").State)
	}
	if result.Status != StatusBudgetExceeded {
		t.Errorf("expected budget_exceeded, got %s", result.Status)
	}
	if result.CostMicros != 0 || f.mock.CallCount() != 0 {
		t.Errorf("zero budget must spend nothing: cost %d, calls %d", result.CostMicros, f.mock.CallCount())
	}
}

func TestParallelGroupReservesBudget(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, &WorkflowDefinition{
		Name:        "group-budget",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "g1", Tier: core.TierCheap, PromptTemplate: "a", ParallelGroup: "g", MaxTokens: 100},
			{Name: "g2", Tier: core.TierCheap, PromptTemplate: "b", ParallelGroup: "g", MaxTokens: 100},
			{Name: "g3", Tier: core.TierCheap, PromptTemplate: "c", ParallelGroup: "g", MaxTokens: 100},
		},
	})

	// Cap fits two 100-micro estimates, not three; reservations within
	// the group must prevent a joint overrun.
	result, err := f.engine.Execute(context.Background(), "group-budget", nil, Options{BudgetCapMicros: int64Ptr(250)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var completed, skipped int
	for _, sr := range result.Stages {
		switch sr.State {
		case StageCompleted:
			completed++
		case StageSkippedBudget:
			skipped++
		}
	}
	if completed != 2 || skipped != 1 {
		t.Errorf("expected 2 completed / 1 skipped, got %d/%d: %+v", completed, skipped, result.Stages)
	}
	// No required stage was skipped, so the run still succeeds.
	if result.Status != StatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
	if f.mock.CallCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", f.mock.CallCount())
	}
}

func TestEscalationOnLowConfidence(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Script(
		providers.MockOutcome{Content: `{"confidence": 0.4, "answer": "unsure"}`, Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
		providers.MockOutcome{Content: `{"confidence": 0.9, "answer": "certain"}`, Usage: providers.TokenUsage{InputTokens: 10, OutputTokens: 20}},
	)
	f.register(t, &WorkflowDefinition{
		Name:        "escalating",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{
				Name: "judge", Tier: core.TierCheap, PromptTemplate: "judge {case}", Required: true, MaxTokens: 100,
				Escalation: &EscalationPolicy{Trigger: TriggerLowConfidence, MinConfidence: 0.7, MaxEscalations: 2},
			},
		},
	})

	result, err := f.engine.Execute(context.Background(), "escalating", map[string]string{"case": "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("judge")
	if sr.State != StageCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", sr.State, sr.Error)
	}
	if sr.TierUsed != core.TierCapable {
		t.Errorf("expected settle at CAPABLE, got %s", sr.TierUsed)
	}
	if sr.EscalatedFrom != "CHEAP" {
		t.Errorf("expected escalated_from CHEAP, got %q", sr.EscalatedFrom)
	}
	if sr.Confidence != 0.9 {
		t.Errorf("expected final confidence 0.9, got %f", sr.Confidence)
	}
	// Both attempts are paid for: 30 micros at CHEAP + 60 at CAPABLE.
	if sr.CostMicros != 90 {
		t.Errorf("expected 90 micros, got %d", sr.CostMicros)
	}

	// One ledger entry per attempt; the re-run carries its origin tier.
	entries := f.ledger.Recent(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	second, first := entries[0], entries[1]
	if first.Tier != core.TierCheap || first.EscalatedFrom != "" {
		t.Errorf("first attempt entry wrong: tier %s escalated_from %q", first.Tier, first.EscalatedFrom)
	}
	if second.Tier != core.TierCapable || second.EscalatedFrom != "CHEAP" {
		t.Errorf("second attempt entry wrong: tier %s escalated_from %q", second.Tier, second.EscalatedFrom)
	}
}

func TestEscalationRespectsBudgetCap(t *testing.T) {
	f := newEngineFixture(t)
	// Confidence never clears the bar, so the stage would climb tiers
	// forever if the cap did not stop it.
	f.mock.Default = providers.MockOutcome{
		Content: `{"confidence": 0.1, "answer": "unsure"}`,
		Usage:   providers.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}
	f.register(t, &WorkflowDefinition{
		Name:        "capped",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{
				Name: "judge", Tier: core.TierCheap, PromptTemplate: "judge", Required: true, MaxTokens: 100,
				Escalation: &EscalationPolicy{Trigger: TriggerLowConfidence, MinConfidence: 0.7, MaxEscalations: 2},
			},
		},
	})

	// The CHEAP attempt estimates 101 micros and fits the 200-micro
	// cap; the CAPABLE re-run estimates 202 more and does not.
	result, err := f.engine.Execute(context.Background(), "capped", nil, Options{BudgetCapMicros: int64Ptr(200)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("judge")
	if sr.State != StageCompleted {
		t.Fatalf("expected COMPLETED on the lower-tier output, got %s", sr.State)
	}
	if sr.TierUsed != core.TierCheap {
		t.Errorf("expected stage to settle at CHEAP, got %s", sr.TierUsed)
	}
	if sr.EscalatedFrom != "" {
		t.Errorf("no escalation was dispatched, got escalated_from %q", sr.EscalatedFrom)
	}
	if f.mock.CallCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", f.mock.CallCount())
	}
	if result.CostMicros > result.BudgetCapMicros {
		t.Errorf("accumulated cost %d exceeds budget cap %d", result.CostMicros, result.BudgetCapMicros)
	}
	if result.Status != StatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
}

func TestEscalationClimbsUntilBudgetBoundary(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Default = providers.MockOutcome{
		Content: `{"confidence": 0.1, "answer": "unsure"}`,
		Usage:   providers.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}
	f.register(t, &WorkflowDefinition{
		Name:        "half-capped",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{
				Name: "judge", Tier: core.TierCheap, PromptTemplate: "judge", Required: true, MaxTokens: 100,
				Escalation: &EscalationPolicy{Trigger: TriggerLowConfidence, MinConfidence: 0.7, MaxEscalations: 2},
			},
		},
	})

	// Estimates per tier: CHEAP 101, CAPABLE 202, PREMIUM 1010. With a
	// 400-micro cap the CAPABLE re-run fits (30 spent + 202) but the
	// PREMIUM one does not (90 spent + 1010).
	result, err := f.engine.Execute(context.Background(), "half-capped", nil, Options{BudgetCapMicros: int64Ptr(400)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("judge")
	if sr.State != StageCompleted {
		t.Fatalf("expected COMPLETED, got %s", sr.State)
	}
	if sr.TierUsed != core.TierCapable {
		t.Errorf("expected stage to settle at CAPABLE, got %s", sr.TierUsed)
	}
	if sr.EscalatedFrom != "CHEAP" {
		t.Errorf("expected escalated_from CHEAP, got %q", sr.EscalatedFrom)
	}
	if f.mock.CallCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", f.mock.CallCount())
	}
	if result.CostMicros != 90 {
		t.Errorf("expected 90 micros spent, got %d", result.CostMicros)
	}
	if result.CostMicros > result.BudgetCapMicros {
		t.Errorf("accumulated cost %d exceeds budget cap %d", result.CostMicros, result.BudgetCapMicros)
	}
}

func TestEscalationStopsAtPremium(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Default = providers.MockOutcome{
		Content: "ESCALATE: this needs a stronger model",
		Usage:   providers.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}
	f.register(t, &WorkflowDefinition{
		Name:        "insistent",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{
				Name: "solve", Tier: core.TierCheap, PromptTemplate: "solve", MaxTokens: 100,
				Escalation: &EscalationPolicy{Trigger: TriggerExplicitSignal, MaxEscalations: 5},
			},
		},
	})

	result, err := f.engine.Execute(context.Background(), "insistent", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("solve")
	if sr.State != StageCompleted {
		t.Fatalf("expected COMPLETED, got %s", sr.State)
	}
	// CHEAP -> CAPABLE -> PREMIUM, then nowhere higher to go.
	if sr.TierUsed != core.TierPremium {
		t.Errorf("expected PREMIUM ceiling, got %s", sr.TierUsed)
	}
	if f.mock.CallCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", f.mock.CallCount())
	}
}

func TestEscalationOnParseFailureBounded(t *testing.T) {
	f := newEngineFixture(t)
	// Plain prose never parses as JSON; the single allowed escalation
	// fires once and the stage then settles.
	f.register(t, &WorkflowDefinition{
		Name:        "parse-picky",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{
				Name: "extract", Tier: core.TierCheap, PromptTemplate: "extract", MaxTokens: 100,
				Escalation: &EscalationPolicy{Trigger: TriggerParseFailure, MaxEscalations: 1},
			},
		},
	})

	result, err := f.engine.Execute(context.Background(), "parse-picky", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("extract")
	if sr.State != StageCompleted {
		t.Fatalf("expected COMPLETED, got %s", sr.State)
	}
	if sr.TierUsed != core.TierCapable {
		t.Errorf("expected one escalation to CAPABLE, got %s", sr.TierUsed)
	}
	if f.mock.CallCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", f.mock.CallCount())
	}
}

func TestRequiredStageFailureAborts(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Script(providers.MockOutcome{Err: fmt.Errorf("rejected: %w", core.ErrProviderPermanent)})
	f.register(t, &WorkflowDefinition{
		Name:        "fragile",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "must", Tier: core.TierCheap, PromptTemplate: "must", Required: true, MaxTokens: 100},
			{Name: "later", Tier: core.TierCheap, PromptTemplate: "later", MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "fragile", nil, Options{})
	if err != nil {
		t.Fatalf("stage failures must not cross the API boundary: %v", err)
	}
	if result.Stage("must").State != StageFailed {
		t.Errorf("expected FAILED, got %s", result.Stage("must").State)
	}
	if result.Stage("later").State != StageCancelled {
		t.Errorf("expected later stage CANCELLED, got %s", result.Stage("later").State)
	}
	if result.Status != StatusPartial {
		t.Errorf("expected partial, got %s", result.Status)
	}
	if result.Status.ExitCode() != 2 {
		t.Errorf("expected exit code 2, got %d", result.Status.ExitCode())
	}
	if got := result.Failed(); len(got) != 1 || got[0] != "must" {
		t.Errorf("Failed() = %v", got)
	}
}

func TestOptionalStageFailureContinues(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Script(providers.MockOutcome{Err: fmt.Errorf("rejected: %w", core.ErrProviderPermanent)})
	f.register(t, &WorkflowDefinition{
		Name:        "tolerant",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "flaky", Tier: core.TierCheap, PromptTemplate: "flaky", MaxTokens: 100},
			{Name: "main", Tier: core.TierCheap, PromptTemplate: "main", Required: true, MaxTokens: 100},
		},
	})

	result, err := f.engine.Execute(context.Background(), "tolerant", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stage("flaky").State != StageFailed {
		t.Errorf("expected FAILED, got %s", result.Stage("flaky").State)
	}
	if result.Stage("main").State != StageCompleted {
		t.Errorf("optional failure must not stop the workflow, got %s", result.Stage("main").State)
	}
	if result.Status != StatusPartial {
		t.Errorf("expected partial, got %s", result.Status)
	}
}

func TestCancellationMidRun(t *testing.T) {
	f := newEngineFixture(t)
	f.mock.Default = providers.MockOutcome{
		Content: "slow",
		Usage:   providers.TokenUsage{InputTokens: 10, OutputTokens: 20},
		Delay:   2 * time.Second,
	}
	f.register(t, &WorkflowDefinition{
		Name:        "slow",
		DefaultTier: core.TierCheap,
		Stages: []StageSpec{
			{Name: "first", Tier: core.TierCheap, PromptTemplate: "first", Required: true, MaxTokens: 100},
			{Name: "second", Tier: core.TierCheap, PromptTemplate: "second", MaxTokens: 100},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	result, err := f.engine.Execute(ctx, "slow", nil, Options{})
	if !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result == nil {
		t.Fatal("cancellation must still return the partial result")
	}
	if result.Status != StatusCancelled {
		t.Errorf("expected cancelled status, got %s", result.Status)
	}
	if result.Stage("first").State != StageCancelled || result.Stage("second").State != StageCancelled {
		t.Errorf("expected both stages CANCELLED: %+v", result.Stages)
	}
}

func TestInitialTierOverride(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	premium := core.TierPremium
	result, err := f.engine.Execute(context.Background(), "qa", map[string]string{"question": "why"}, Options{InitialTier: &premium})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr := result.Stage("answer")
	if sr.TierUsed != core.TierPremium {
		t.Errorf("expected PREMIUM, got %s", sr.TierUsed)
	}
	if sr.Model != "premium-1" {
		t.Errorf("expected premium-1, got %s", sr.Model)
	}
	if sr.CostMicros != 300 {
		t.Errorf("expected 300 micros at the premium rate, got %d", sr.CostMicros)
	}
}

func TestDisableTelemetry(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	_, err := f.engine.Execute(context.Background(), "qa", map[string]string{"question": "why"}, Options{DisableTelemetry: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if entries := f.ledger.Recent(10); len(entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(entries))
	}
}

func TestPatternEventsEmitted(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, singleStageWorkflow("qa"))

	result, err := f.engine.Execute(context.Background(), "qa", map[string]string{"question": "why"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events := f.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 pattern event, got %d", len(events))
	}
	ev := events[0]
	if ev.Workflow != "qa" || ev.Stage != "answer" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.InvocationID != result.InvocationID {
		t.Errorf("event invocation id %q != result %q", ev.InvocationID, result.InvocationID)
	}
	if ev.State != StageCompleted {
		t.Errorf("expected COMPLETED event, got %s", ev.State)
	}
}
