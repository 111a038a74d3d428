package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/growthmind/meshcore/errs"
)

func newTestBreaker(t *testing.T, onTransition TransitionFunc) *Breaker {
	t.Helper()
	return New(Config{
		Name:                 "downstream",
		FailureRateThreshold: 0.5,
		MinimumCalls:         10,
		WindowSize:           0,
		OpenDuration:         20 * time.Millisecond,
		HalfOpenProbeBudget:  1,
	}, onTransition)
}

// TestBreakerOpensHalfOpensThenCloses walks the full lifecycle: a 50%
// threshold over a minimum of 10 calls trips on 6/10 failures, fails
// fast while open, and recovers via a single successful half-open probe
// once openDuration elapses.
func TestBreakerOpensHalfOpensThenCloses(t *testing.T) {
	var transitions []Transition
	b := newTestBreaker(t, func(tr Transition) { transitions = append(transitions, tr) })

	run := func(fail bool) error {
		return b.Execute(context.Background(), func(ctx context.Context) error {
			if fail {
				return errors.New("downstream failure")
			}
			return nil
		})
	}

	// 4 successes, then 6 failures: the tenth call (a failure) is the one
	// that crosses both the minimum-calls and failure-rate thresholds.
	for i := 0; i < 4; i++ {
		if err := run(false); err != nil {
			t.Fatalf("warm-up call %d: %v", i, err)
		}
	}
	var lastErr error
	for i := 0; i < 6; i++ {
		lastErr = run(true)
	}
	if lastErr == nil {
		t.Fatalf("the tripping call should surface the downstream failure, not swallow it")
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open after 6/10 failures", got)
	}

	calledWhileOpen := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calledWhileOpen = true
		return nil
	})
	if calledWhileOpen {
		t.Fatalf("fn must not run while the breaker is open")
	}
	if !errs.Is(err, errs.CircuitOpen) {
		t.Fatalf("Execute() error = %v, want errs.CircuitOpen", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := run(false); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed after a successful half-open probe", got)
	}

	var seen []State
	for _, tr := range transitions {
		seen = append(seen, tr.To)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b := newTestBreaker(t, nil)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fails but below minimum calls")
		})
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed (only 5 calls, minimum is 10)", got)
	}
}

func TestBreakerReopensWhenHalfOpenProbeFails(t *testing.T) {
	b := newTestBreaker(t, nil)

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	}
	for i := 0; i < 6; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("probe fails too") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open again after a failed half-open probe", got)
	}
}
