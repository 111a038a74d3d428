// Package dlq implements the dead-letter sink for messages that
// exhausted their retry budget. Every accepted message is written
// twice: to a durable "<topic><suffix>" Redis stream (default suffix
// ".dlq") carrying x-dlq-* provenance fields for downstream consumers,
// and to a Postgres table through sqlx backing reprocess counters and
// aggregate stats.
package dlq

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/messagingcore/retry"
)

// DefaultTopicSuffix names the dead-letter stream derived from a topic.
const DefaultTopicSuffix = ".dlq"

// Entry is one persisted dead-letter record.
type Entry struct {
	ID              string    `db:"id"`
	OriginalTopic   string    `db:"original_topic"`
	Payload         []byte    `db:"payload"`
	ContentType     string    `db:"content_type"`
	CorrelationID   string    `db:"correlation_id"`
	Attempts        int       `db:"attempts"`
	FirstAttemptAt  time.Time `db:"first_attempt_at"`
	LastAttemptAt   time.Time `db:"last_attempt_at"`
	ErrorType       string    `db:"error_type"`
	ErrorMessage    string    `db:"error_message"`
	InsertedAt      time.Time `db:"inserted_at"`
	ReprocessOK     int       `db:"reprocess_ok"`
	ReprocessFailed int       `db:"reprocess_failed"`
	Resolved        bool      `db:"resolved"`
}

// Stats aggregates counters across all entries.
type Stats struct {
	Total           int64
	Unresolved      int64
	ReprocessOK     int64
	ReprocessFailed int64
}

// Republisher re-publishes a dead-letter entry's payload to its original
// topic (satisfied by messagingcore/bus.Producer).
type Republisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Sink publishes dead-letter entries to the "<topic><suffix>" stream and
// persists them in Postgres.
type Sink struct {
	db          *sqlx.DB
	client      *redis.Client
	topicSuffix string
	republisher Republisher
}

// New wraps db and the stream client. topicSuffix defaults to
// DefaultTopicSuffix when empty; republisher may be nil if reprocessing
// is wired in later.
func New(db *sqlx.DB, client *redis.Client, topicSuffix string, republisher Republisher) *Sink {
	if topicSuffix == "" {
		topicSuffix = DefaultTopicSuffix
	}
	return &Sink{db: db, client: client, topicSuffix: topicSuffix, republisher: republisher}
}

// Schema is the sink's table definition, run once at bootstrap.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letter_entries (
	id               UUID PRIMARY KEY,
	original_topic   TEXT NOT NULL,
	payload          BYTEA NOT NULL,
	content_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
	correlation_id   TEXT NOT NULL,
	attempts         INT NOT NULL,
	first_attempt_at TIMESTAMPTZ NOT NULL,
	last_attempt_at  TIMESTAMPTZ NOT NULL,
	error_type       TEXT NOT NULL,
	error_message    TEXT NOT NULL,
	inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	reprocess_ok     INT NOT NULL DEFAULT 0,
	reprocess_failed INT NOT NULL DEFAULT 0,
	resolved         BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS dead_letter_entries_topic_idx ON dead_letter_entries (original_topic);
`

// Send publishes the message to the dead-letter stream and persists a
// new entry; entries are append-only. The message counts as accepted
// only once both writes succeed, so a failure here leaves the source
// record unacknowledged and a redelivery may insert a duplicate entry —
// the log is at-least-once, like the bus it backs.
func (s *Sink) Send(ctx context.Context, originalTopic, correlationID string, payload []byte, contentType string, attempts int, firstAttemptAt, lastAttemptAt time.Time, terminalErr error) error {
	entry := Entry{
		ID:             uuid.NewString(),
		OriginalTopic:  originalTopic,
		Payload:        payload,
		ContentType:    contentType,
		CorrelationID:  correlationID,
		Attempts:       attempts,
		FirstAttemptAt: firstAttemptAt,
		LastAttemptAt:  lastAttemptAt,
		ErrorType:      errorType(terminalErr),
		ErrorMessage:   terminalErr.Error(),
	}

	if err := s.publish(ctx, entry); err != nil {
		return err
	}

	const q = `
		INSERT INTO dead_letter_entries
			(id, original_topic, payload, content_type, correlation_id, attempts,
			 first_attempt_at, last_attempt_at, error_type, error_message)
		VALUES
			(:id, :original_topic, :payload, :content_type, :correlation_id, :attempts,
			 :first_attempt_at, :last_attempt_at, :error_type, :error_message)`

	if _, err := s.db.NamedExecContext(ctx, q, entry); err != nil {
		return errs.Wrap(errs.Unavailable, "persist dead-letter entry", err)
	}
	return nil
}

// publish appends entry to the "<topic><suffix>" stream. Streams have
// no header concept, so the x-dlq-* headers ride as ordinary fields
// alongside the payload.
func (s *Sink) publish(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return nil
	}
	stream := entry.OriginalTopic + s.topicSuffix
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"payload":               string(entry.Payload),
			"contentType":           entry.ContentType,
			"correlationId":         entry.CorrelationID,
			"x-dlq-reason":          entry.ErrorMessage,
			"x-dlq-attempts":        strconv.Itoa(entry.Attempts),
			"x-dlq-first-attempt":   entry.FirstAttemptAt.Format(time.RFC3339),
			"x-dlq-last-error-type": entry.ErrorType,
		},
	}).Err()
	if err != nil {
		return errs.Wrap(errs.Unavailable, "publish to dead-letter stream", err)
	}
	return nil
}

// Binder fixes a sink to one topic/correlation id/content type pair,
// yielding a retry.DlqSink the event bus's consumer dispatcher can hand
// straight to a retry.Executor for one in-flight message.
type Binder struct {
	sink          *Sink
	topic         string
	correlationID string
	contentType   string
}

// Binder builds the retry.DlqSink adapter for one message.
func (s *Sink) Binder(topic, correlationID, contentType string) *Binder {
	return &Binder{sink: s, topic: topic, correlationID: correlationID, contentType: contentType}
}

// Send implements messagingcore/retry.DlqSink.
func (b *Binder) Send(ctx context.Context, payload []byte, meta retry.Meta) error {
	return b.sink.Send(ctx, b.topic, b.correlationID, payload, b.contentType,
		meta.Attempts, meta.FirstAttemptAt, meta.LastAttemptAt, meta.TerminalError)
}

func errorType(err error) string {
	if kindErr, ok := err.(*errs.Error); ok {
		return string(kindErr.Kind)
	}
	return "unknown"
}

// Stats returns aggregate counters across all entries.
func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	const q = `
		SELECT
			count(*)                                        AS total,
			count(*) FILTER (WHERE NOT resolved)             AS unresolved,
			coalesce(sum(reprocess_ok), 0)                   AS reprocess_ok,
			coalesce(sum(reprocess_failed), 0)                AS reprocess_failed
		FROM dead_letter_entries`

	row := s.db.QueryRowxContext(ctx, q)
	if err := row.Scan(&st.Total, &st.Unresolved, &st.ReprocessOK, &st.ReprocessFailed); err != nil {
		return Stats{}, errs.Wrap(errs.Unavailable, "query dead-letter stats", err)
	}
	return st, nil
}

// Reprocess re-publishes entryID's payload to its original topic,
// incrementing the success or failure counter accordingly.
func (s *Sink) Reprocess(ctx context.Context, entryID string) error {
	var entry Entry
	const selectQ = `SELECT * FROM dead_letter_entries WHERE id = $1`
	if err := s.db.GetContext(ctx, &entry, selectQ, entryID); err != nil {
		return errs.Wrap(errs.Unavailable, "load dead-letter entry", err)
	}

	headers := map[string]string{
		"x-dlq-reason":          entry.ErrorMessage,
		"x-dlq-attempts":        strconv.Itoa(entry.Attempts),
		"x-dlq-first-attempt":   entry.FirstAttemptAt.Format(time.RFC3339),
		"x-dlq-last-error-type": entry.ErrorType,
	}

	pubErr := s.republisher.Publish(ctx, entry.OriginalTopic, entry.CorrelationID, entry.Payload, headers)

	if pubErr != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE dead_letter_entries SET reprocess_failed = reprocess_failed + 1 WHERE id = $1`, entryID)
		if err != nil {
			return errs.Wrap(errs.Unavailable, "record reprocess failure", err)
		}
		return errs.Wrap(errs.Unavailable, "republish dead-letter entry", pubErr)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_entries SET reprocess_ok = reprocess_ok + 1, resolved = true WHERE id = $1`, entryID)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "record reprocess success", err)
	}
	return nil
}

