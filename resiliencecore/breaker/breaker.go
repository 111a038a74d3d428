// Package breaker implements a circuit breaker on top of
// sony/gobreaker's three-state state machine, translating a
// failure-rate threshold and half-open probe budget into gobreaker's
// ReadyToTrip/MaxRequests settings.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/growthmind/meshcore/errs"
)

// State is the breaker's lifecycle position, independent of gobreaker's
// own string constants so callers and the metrics/alert surface depend
// on a stable vocabulary.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Transition is emitted on every state change, for the metrics and
// alert surface to consume.
type Transition struct {
	Name     string
	From     State
	To       State
	At       time.Time
	Duration time.Duration // time spent in From before this transition
}

// TransitionFunc receives every breaker state transition.
type TransitionFunc func(Transition)

// Config mirrors meshconfig's breaker group.
type Config struct {
	Name                 string
	FailureRateThreshold float64
	MinimumCalls         uint32
	WindowSize           time.Duration
	OpenDuration         time.Duration
	HalfOpenProbeBudget  uint32
}

// Breaker wraps *gobreaker.CircuitBreaker behind the stable State and
// Transition vocabulary above.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	enteredAt time.Time
}

// New builds a Breaker. onTransition, if non-nil, is invoked synchronously
// on every state change; it should be cheap (the metrics/alert surface in
// §L is the typical consumer).
func New(cfg Config, onTransition TransitionFunc) *Breaker {
	b := &Breaker{enteredAt: time.Now()}

	settings := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.WindowSize,
		Timeout:  cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinimumCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.FailureRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			now := time.Now()
			fromState := fromGobreakerState(from)
			toState := fromGobreakerState(to)
			duration := now.Sub(b.enteredAt)
			b.enteredAt = now
			if onTransition != nil {
				onTransition(Transition{Name: name, From: fromState, To: toState, At: now, Duration: duration})
			}
		},
	}
	if cfg.HalfOpenProbeBudget > 0 {
		settings.MaxRequests = cfg.HalfOpenProbeBudget
	} else {
		settings.MaxRequests = 1
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker. A call admitted while the breaker
// is open never happens: gobreaker fails fast with its own open-circuit
// error, which is translated to errs.CircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Wrap(errs.CircuitOpen, "circuit breaker open", err)
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// Counts returns the current window's success/failure counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
