// Package metrics implements the metrics and alert surface: Prometheus
// counters/gauges/histograms for the messaging, cache and resilience
// cores, plus a sweep scheduler that turns breaker.Transition events
// into severity-tagged alerts.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/growthmind/meshcore/resiliencecore/breaker"
)

// Severity tags an alert by how urgently it needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// Alert is emitted whenever a tracked breaker changes state.
type Alert struct {
	Service  string
	Name     string
	From     breaker.State
	To       breaker.State
	Duration time.Duration
	Severity Severity
	At       time.Time
}

// AlertSink receives alerts as they're raised. Callers wire this to a
// paging system, log sink, or test spy.
type AlertSink func(Alert)

func severityFor(to breaker.State) Severity {
	switch to {
	case breaker.StateOpen:
		return SeverityCritical
	case breaker.StateHalfOpen:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Registry holds every Prometheus collector meshcore exports, named
// "<prefix>_<subsystem>_<metric>", and labeled
// consistently with service/topic/operation/outcome so dashboards can
// slice by any of them.
type Registry struct {
	prefix string

	EventsPublished    *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	ProcessingLatency  *prometheus.HistogramVec

	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheLoadLatency *prometheus.HistogramVec

	BreakerState  *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	TokensIssued   *prometheus.CounterVec
	TokensVerified *prometheus.CounterVec
}

// NewRegistry builds and registers every collector against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func NewRegistry(prefix string, reg prometheus.Registerer) *Registry {
	if prefix == "" {
		prefix = "meshcore"
	}
	r := &Registry{
		prefix: prefix,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_messaging_events_published_total",
			Help: "Events published to the bus, by topic.",
		}, []string{"service", "topic"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_messaging_events_consumed_total",
			Help: "Events consumed from the bus, by topic and outcome.",
		}, []string{"service", "topic", "outcome"}),
		EventsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_messaging_events_dead_lettered_total",
			Help: "Events forwarded to the dead-letter sink, by topic.",
		}, []string{"service", "topic"}),
		ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_messaging_processing_latency_seconds",
			Help:    "End-to-end handler latency, by topic and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "topic", "outcome"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_cache_hits_total",
			Help: "Cache hits, by cache name and tier.",
		}, []string{"service", "name", "tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_cache_misses_total",
			Help: "Cache misses, by cache name.",
		}, []string{"service", "name"}),
		CacheLoadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_cache_load_latency_seconds",
			Help:    "L2 load round-trip latency, by cache name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "name"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_resilience_breaker_state",
			Help: "Current breaker state (0=closed, 1=half_open, 2=open), by breaker name.",
		}, []string{"service", "name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_resilience_breaker_trips_total",
			Help: "Breaker transitions into the open state, by breaker name.",
		}, []string{"service", "name"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_resilience_retry_attempts_total",
			Help: "Retry attempts, by operation and outcome.",
		}, []string{"service", "operation", "outcome"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_auth_tokens_issued_total",
			Help: "Access or refresh tokens issued, by token type.",
		}, []string{"service", "type"}),
		TokensVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_auth_tokens_verified_total",
			Help: "Token verification attempts, by outcome.",
		}, []string{"service", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		r.EventsPublished, r.EventsConsumed, r.EventsDeadLettered, r.ProcessingLatency,
		r.CacheHits, r.CacheMisses, r.CacheLoadLatency,
		r.BreakerState, r.BreakerTrips, r.RetryAttempts,
		r.TokensIssued, r.TokensVerified,
	} {
		if err := reg.Register(c); err != nil {
			// Re-registering the same collector (e.g. test reuse of the
			// default registerer) is not fatal; every other error would be
			// a collector-definition bug caught in review, not at runtime.
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logx.Errorf("meshcore: register collector: %v", err)
			}
		}
	}

	return r
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Tracker feeds a named breaker's transitions into the Registry's gauges
// and counters, and queues a severity-tagged alert per transition for
// the next sweep.
type Tracker struct {
	reg     *Registry
	service string
	sink    AlertSink

	mu      chan struct{} // binary semaphore guarding pending below
	pending []Alert
}

// NewTracker builds a Tracker for serviceName, emitting sink on every
// sweep. sink may be nil to disable alerting while still feeding metrics.
func NewTracker(reg *Registry, serviceName string, sink AlertSink) *Tracker {
	t := &Tracker{reg: reg, service: serviceName, sink: sink, mu: make(chan struct{}, 1)}
	t.mu <- struct{}{}
	return t
}

// OnTransition is a breaker.TransitionFunc: wire it into every
// breaker.New call whose state changes this Tracker should observe.
func (t *Tracker) OnTransition(tr breaker.Transition) {
	t.reg.BreakerState.WithLabelValues(t.service, tr.Name).Set(breakerStateValue(tr.To))
	if tr.To == breaker.StateOpen {
		t.reg.BreakerTrips.WithLabelValues(t.service, tr.Name).Inc()
	}

	alert := Alert{
		Service:  t.service,
		Name:     tr.Name,
		From:     tr.From,
		To:       tr.To,
		Duration: tr.Duration,
		Severity: severityFor(tr.To),
		At:       tr.At,
	}

	<-t.mu
	t.pending = append(t.pending, alert)
	t.mu <- struct{}{}
}

// drain returns and clears every alert queued since the last sweep.
func (t *Tracker) drain() []Alert {
	<-t.mu
	pending := t.pending
	t.pending = nil
	t.mu <- struct{}{}
	return pending
}

// Sweeper periodically drains a set of Trackers and emits their queued
// alerts to each Tracker's sink from a
// threading.GoSafe-supervised goroutine.
type Sweeper struct {
	trackers []*Tracker
	interval time.Duration
}

// NewSweeper builds a Sweeper over trackers, firing every interval
// (ObservabilityConfig.AlertSweepInterval, default 30s).
func NewSweeper(interval time.Duration, trackers ...*Tracker) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{trackers: trackers, interval: interval}
}

// Start runs the sweep loop in a supervised goroutine until ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	threading.GoSafe(func() { s.loop(ctx) })
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	for _, t := range s.trackers {
		if t.sink == nil {
			t.drain()
			continue
		}
		for _, alert := range t.drain() {
			t.sink(alert)
		}
	}
}
