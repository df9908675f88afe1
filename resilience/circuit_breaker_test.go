package resilience

import (
	"fmt"
	"testing"
	"time"

	"github.com/tierflow/tierflow/core"
)

func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb, err := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func transientErr(i int) error {
	return fmt.Errorf("upstream %d: %w", i, core.ErrProviderTransient)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		cb.RecordFailure(transientErr(i))
		if got := cb.State(); got != StateClosed {
			t.Fatalf("after %d failures: state = %v, want closed", i+1, got)
		}
	}
	cb.RecordFailure(transientErr(4))
	if got := cb.State(); got != StateOpen {
		t.Fatalf("after 5 failures: state = %v, want open", got)
	}
	if cb.Allow() {
		t.Fatal("open breaker allowed a request inside cooldown")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		cb.RecordFailure(transientErr(i))
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure(transientErr(i))
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after streak reset", got)
	}
}

func TestBreakerStaleFailuresOutsideWindow(t *testing.T) {
	cb, clock := testBreaker(t)

	for i := 0; i < 4; i++ {
		cb.RecordFailure(transientErr(i))
	}
	// the streak ages out of the 60s window
	*clock = clock.Add(61 * time.Second)
	cb.RecordFailure(transientErr(4))
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed; stale streak should not carry over", got)
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(fmt.Errorf("bad key: %w", core.ErrProviderPermanent))
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed; permanent errors must not trip the breaker", got)
	}
}

func openBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		cb.RecordFailure(transientErr(i))
	}
	if cb.State() != StateOpen {
		t.Fatal("breaker did not open")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb, clock := testBreaker(t)
	openBreaker(t, cb)

	*clock = clock.Add(29 * time.Second)
	if cb.Allow() {
		t.Fatal("allowed before cooldown elapsed")
	}

	*clock = clock.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("first probe rejected after cooldown")
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}

	// second probe slot admits, third is rejected
	if !cb.Allow() {
		t.Fatal("second probe rejected")
	}
	if cb.Allow() {
		t.Fatal("third concurrent probe admitted, want at most 2")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb, clock := testBreaker(t)
	openBreaker(t, cb)

	*clock = clock.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe rejected after cooldown")
	}
	cb.RecordFailure(transientErr(0))
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", got)
	}

	// cooldown restarts from the reopen
	*clock = clock.Add(29 * time.Second)
	if cb.Allow() {
		t.Fatal("allowed before restarted cooldown elapsed")
	}
	*clock = clock.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe rejected after restarted cooldown")
	}
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	cb, clock := testBreaker(t)
	openBreaker(t, cb)

	*clock = clock.Add(31 * time.Second)
	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("probe %d rejected", i+1)
		}
		cb.RecordSuccess()
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after 2 probe successes", got)
	}
	if !cb.Allow() {
		t.Fatal("closed breaker rejected a request")
	}
}

func TestBreakerStateChangeListener(t *testing.T) {
	cb, _ := testBreaker(t)

	transitions := make(chan string, 4)
	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		transitions <- fmt.Sprintf("%s:%s->%s", name, from, to)
	})
	openBreaker(t, cb)

	select {
	case got := <-transitions:
		if got != "test:closed->open" {
			t.Fatalf("transition = %q, want test:closed->open", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition notification")
	}
}

func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(t)
	openBreaker(t, cb)

	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after reset", got)
	}
	if !cb.Allow() {
		t.Fatal("reset breaker rejected a request")
	}
}
