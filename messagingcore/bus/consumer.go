package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/messagingcore/dlq"
	"github.com/growthmind/meshcore/messagingcore/retry"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// tracer names this package's consumer spans; the ambient correlation id
// rides alongside the span id so log lines and traces join on either.
var tracer = otel.Tracer("github.com/growthmind/meshcore/messagingcore/bus")

// Handler processes one delivered envelope. Returning nil acknowledges
// the message; returning an error routes it to the retry executor.
// Handlers MUST key side-effects by EventID so at-least-once redelivery
// is idempotent.
type Handler func(ctx context.Context, envelope Envelope) error

// Consumer registers a handler for every partition stream backing a
// topic, dispatching through a consumer group so multiple process
// instances can share the work while preserving per-partition order.
type Consumer struct {
	client       *redis.Client
	producer     *Producer
	group        string
	consumerName string
	policy       retry.Policy
	executor     *retry.Executor
	sink         *dlq.Sink
	blockTimeout time.Duration
	metrics      *metrics.Registry
}

// Instrument wires the consumed/dead-lettered counters and the handler
// latency histogram into reg, and the retry executor's per-attempt
// counter with it. Call once at bootstrap, before Start.
func (c *Consumer) Instrument(reg *metrics.Registry) {
	c.metrics = reg
	c.executor.Instrument(reg, c.producer.source, "consume")
}

// NewConsumer builds a Consumer. sink may be nil when policy.EnableDlq is
// false for every topic this consumer handles.
func NewConsumer(client *redis.Client, producer *Producer, group, consumerName string, policy retry.Policy, sink *dlq.Sink) *Consumer {
	return &Consumer{
		client:       client,
		producer:     producer,
		group:        group,
		consumerName: consumerName,
		policy:       policy,
		executor:     retry.NewExecutor(),
		sink:         sink,
		blockTimeout: 5 * time.Second,
	}
}

// Start launches one supervised goroutine per partition stream backing
// topic and returns immediately; the goroutines run until ctx is
// cancelled. Each goroutine processes its
// own stream's records serially, so ordering within a partition is
// preserved while distinct partitions run concurrently.
func (c *Consumer) Start(ctx context.Context, topic string, handler Handler) {
	for _, stream := range c.producer.Streams(topic) {
		stream := stream
		threading.GoSafe(func() { c.consumeStream(ctx, topic, stream, handler) })
	}
}

func (c *Consumer) consumeStream(ctx context.Context, topic, stream string, handler Handler) {
	// BUSYGROUP means the group already exists, the common case on every
	// restart after the first; any other error is logged and consumption
	// proceeds anyway (XReadGroup will surface a clearer error if the
	// group truly never got created).
	if err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		logx.Errorf("meshcore: create consumer group %s/%s: %v", stream, c.group, err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    c.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			logx.Errorf("meshcore: read from stream %s: %v", stream, err)
			continue
		}

		for _, s := range result {
			for _, msg := range s.Messages {
				c.dispatch(ctx, topic, stream, msg, handler)
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, topic, stream string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["envelope"].(string)
	envelope, err := unmarshalEnvelope(raw)
	if err != nil {
		logx.Errorf("meshcore: malformed envelope on %s, acking to drop: %v", stream, err)
		c.ack(ctx, stream, msg.ID)
		return
	}

	invocationCtx := WithCorrelationID(ctx, envelope.CorrelationID)
	invocationCtx, span := tracer.Start(invocationCtx, "bus.dispatch "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", envelope.EventID),
			attribute.String("meshcore.event_type", envelope.EventType),
			attribute.String("meshcore.correlation_id", envelope.CorrelationID),
		))
	defer span.End()

	var sink retry.DlqSink
	if c.sink != nil {
		sink = c.sink.Binder(topic, envelope.CorrelationID, "application/json")
	}

	start := time.Now()
	err = c.executor.Execute(invocationCtx, c.policy, sink, []byte(raw), func(ctx context.Context, attempt int) error {
		return handler(ctx, envelope)
	})
	c.observe(topic, start, err)

	if err == nil || errs.Is(err, errs.DlqAccepted) {
		c.ack(ctx, stream, msg.ID)
		return
	}
	// Exhausted without DLQ (enableDlq=false) or context cancelled: leave
	// unacknowledged in the pending-entries list rather than silently
	// dropping. This Consumer reads only new entries and does not reclaim it.
	span.RecordError(err)
	logx.Errorf("meshcore: handler for %s did not resolve terminally: %v", stream, err)
}

func (c *Consumer) observe(topic string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errs.Is(err, errs.DlqAccepted):
		outcome = "dlq"
		c.metrics.EventsDeadLettered.WithLabelValues(c.producer.source, topic).Inc()
	case err != nil:
		outcome = "error"
	}
	c.metrics.EventsConsumed.WithLabelValues(c.producer.source, topic, outcome).Inc()
	c.metrics.ProcessingLatency.WithLabelValues(c.producer.source, topic, outcome).Observe(time.Since(start).Seconds())
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		logx.Errorf("meshcore: ack %s/%s: %v", stream, id, err)
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
