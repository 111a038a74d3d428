// Package bus implements the event bus on top of Redis Streams:
// at-least-once publish/consume via consumer groups, partition (stream
// key) selection via an aggregate/partition key, and manual
// acknowledgement through XACK after a handler completes successfully
// or the dead-letter sink accepts the message. Redis already backs the
// cache tier, and its consumer-group primitives (XADD/XREADGROUP/XACK)
// carry this contract without standing up a separate broker. Entries
// left unacknowledged stay in the group's pending-entries list; Consumer
// reads only new entries and does not reclaim or redeliver pending ones.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/growthmind/meshcore/errs"
)

// Envelope is the self-describing wire shape of one event.
type Envelope struct {
	EventID       string            `json:"eventId"`
	EventType     string            `json:"eventType"`
	AggregateID   string            `json:"aggregateId"`
	OccurredAt    time.Time         `json:"occurredAt"`
	SourceService string            `json:"sourceService"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// NewEnvelope builds an Envelope, generating an event id when absent and
// stamping OccurredAt to now.
func NewEnvelope(eventType, aggregateID, sourceService string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now(),
		SourceService: sourceService,
		Payload:       payload,
	}
}

// correlationIDKey is the context key the consumer dispatcher installs
// the per-invocation correlation id under; propagation is always
// explicit through the context, never process-local state.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying id for downstream log and
// metrics emitters to read back with CorrelationIDFrom.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom extracts the correlation id installed by the
// dispatcher, or "" if none is present.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// marshalEnvelope fills a missing event id and correlation id, then
// serialises. The normalized envelope is returned alongside the bytes
// so callers that duplicate envelope fields outside the JSON (the
// producer's stream-level correlationId) stay consistent with it.
func marshalEnvelope(e Envelope) (Envelope, []byte, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, nil, errs.Wrap(errs.Malformed, "marshal envelope", err)
	}
	return e, b, nil
}

func unmarshalEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, errs.Wrap(errs.Malformed, "unmarshal envelope", err)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e, nil
}
