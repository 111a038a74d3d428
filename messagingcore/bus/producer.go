package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// Producer publishes envelopes onto Redis Streams, sharding a topic
// across a fixed number of partitions keyed by the caller-supplied
// partition key; publishes with the same aggregate id use that id as
// the key to preserve per-aggregate order. An empty key round-robins
// across every partition Streams reports for the topic. It must never
// collapse to the bare topic name once Consumer.Start is subscribed
// across partitioned streams, or messages published without a key would
// silently never be delivered.
type Producer struct {
	client     *redis.Client
	partitions int
	source     string
	rrCounter  uint64
	metrics    *metrics.Registry
}

// Instrument wires the published-events counter into reg. Call once at
// bootstrap, before the producer sees traffic.
func (p *Producer) Instrument(reg *metrics.Registry) {
	p.metrics = reg
}

// NewProducer builds a Producer. partitions <= 1 collapses every topic to
// a single, fully-ordered stream.
func NewProducer(client *redis.Client, partitions int, sourceService string) *Producer {
	if partitions <= 0 {
		partitions = 1
	}
	return &Producer{client: client, partitions: partitions, source: sourceService}
}

// Publish writes envelope to the stream selected by (topic, key),
// acknowledging only once Redis has durably appended the entry. A
// missing correlation id is generated before the write.
func (p *Producer) Publish(ctx context.Context, topic, key string, envelope Envelope) error {
	if envelope.SourceService == "" {
		envelope.SourceService = p.source
	}
	env, raw, err := marshalEnvelope(envelope)
	if err != nil {
		return err
	}

	stream := p.streamName(topic, key)
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"envelope":      raw,
			"correlationId": env.CorrelationID,
		},
	}).Result()
	if err != nil {
		return errs.Wrap(errs.Unavailable, "publish to stream", err)
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(p.source, topic).Inc()
	}
	return nil
}

func (p *Producer) streamName(topic, key string) string {
	if p.partitions <= 1 {
		return topic
	}
	if key == "" {
		idx := int(atomic.AddUint64(&p.rrCounter, 1) % uint64(p.partitions))
		return fmt.Sprintf("%s:%d", topic, idx)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(p.partitions))
	return fmt.Sprintf("%s:%d", topic, idx)
}

// Streams returns every physical stream name backing topic, for a
// consumer that needs to subscribe across all partitions.
func (p *Producer) Streams(topic string) []string {
	if p.partitions <= 1 {
		return []string{topic}
	}
	streams := make([]string, p.partitions)
	for i := 0; i < p.partitions; i++ {
		streams[i] = fmt.Sprintf("%s:%d", topic, i)
	}
	return streams
}

// ReprocessPublisher adapts Producer to messagingcore/dlq.Republisher,
// wrapping a reprocessed payload back into an Envelope.
type ReprocessPublisher struct {
	producer *Producer
}

// NewReprocessPublisher builds the adapter.
func NewReprocessPublisher(p *Producer) *ReprocessPublisher {
	return &ReprocessPublisher{producer: p}
}

// Publish implements messagingcore/dlq.Republisher.
func (r *ReprocessPublisher) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	env := Envelope{
		EventType:     "reprocessed",
		AggregateID:   key,
		SourceService: r.producer.source,
		Metadata:      headers,
		Payload:       payload,
	}
	return r.producer.Publish(ctx, topic, key, env)
}
