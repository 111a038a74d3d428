// Package retry implements the retry executor: bounded-attempt
// execution with exponential backoff and jitter, deferring to the error
// classifier between attempts and to the dead-letter sink on
// exhaustion. Backoff is delegated to cenkalti/backoff's
// ExponentialBackOff, whose current*(1 +/- RandomizationFactor) jitter
// and Multiplier-driven growth already give the delay sequence this
// package needs, so it is configured rather than hand-rolled.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/messagingcore/classify"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// Policy is an immutable retry-policy record.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
	Classify       classify.Policy
	EnableDlq      bool
}

// DefaultPolicy returns the standard consumer retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		EnableDlq:      true,
	}
}

// newBackOff builds a fresh, unstarted ExponentialBackOff for one
// Execute call. NextBackOff's first call returns InitialBackoff
// (jittered); each subsequent call multiplies the current interval by
// Multiplier before jittering and capping at MaxBackoff, so calling it
// once per retry yields min(max, initial*multiplier^(n-1)) jittered.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.JitterFactor
	b.MaxElapsedTime = 0 // attempt budget is enforced by the executor, not by elapsed time
	b.Reset()
	return b
}

// Meta is the retry-context snapshot forwarded to the dead-letter sink
// on exhaustion.
type Meta struct {
	Attempts       int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	TerminalError  error
}

// DlqSink accepts (context, payload, retry-context snapshot) on retry
// exhaustion.
type DlqSink interface {
	Send(ctx context.Context, payload []byte, meta Meta) error
}

// Work is the unit of work the executor retries.
type Work func(ctx context.Context, attempt int) error

// Executor runs Work under a Policy, consulting the classifier between
// attempts and forwarding to a caller-supplied DlqSink on exhaustion. The
// sink is passed per-call (not held by the executor) because the event
// bus binds a fresh sink per in-flight message, carrying that message's
// topic and correlation id (see messagingcore/dlq.Sink.Binder).
type Executor struct {
	metrics   *metrics.Registry
	service   string
	operation string
}

// NewExecutor builds an Executor. It holds no per-call state; the only
// fields are the optional instrumentation handles set by Instrument.
func NewExecutor() *Executor {
	return &Executor{}
}

// Instrument wires the per-attempt counter into reg, labeled with
// service and operation. Call once at bootstrap.
func (e *Executor) Instrument(reg *metrics.Registry, service, operation string) {
	e.metrics = reg
	e.service = service
	e.operation = operation
}

func (e *Executor) recordAttempt(err error) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.RetryAttempts.WithLabelValues(e.service, e.operation, outcome).Inc()
}

// Execute runs work up to policy.MaxAttempts times, stopping immediately
// on a Permanent classification and on context cancellation (an aborted
// retry discards the retry context with no DLQ entry, since the budget
// was never exhausted). sink may be nil when policy.EnableDlq is false.
func (e *Executor) Execute(ctx context.Context, policy Policy, sink DlqSink, payload []byte, work Work) error {
	var lastErr error
	b := policy.newBackOff()
	firstAttemptAt := time.Now()
	lastAttemptAt := firstAttemptAt
	attemptsMade := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastAttemptAt = time.Now()
		attemptsMade = attempt
		err := work(ctx, attempt)
		e.recordAttempt(err)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := classify.Classify(policy.Classify, err)
		if kind == errs.Permanent {
			break
		}
	}

	if policy.EnableDlq && sink != nil {
		meta := Meta{
			Attempts:       attemptsMade,
			FirstAttemptAt: firstAttemptAt,
			LastAttemptAt:  lastAttemptAt,
			TerminalError:  lastErr,
		}
		if dlqErr := sink.Send(ctx, payload, meta); dlqErr != nil {
			return errs.Wrap(errs.Unavailable, "send to dead-letter sink", dlqErr)
		}
		return errs.Wrap(errs.DlqAccepted, "retries exhausted, forwarded to dead-letter sink", lastErr)
	}

	return errs.Wrap(errs.MaxRetriesExceeded, "retries exhausted", lastErr)
}
