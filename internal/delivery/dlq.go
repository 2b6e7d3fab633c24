package delivery

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/sirupsen/logrus"
)

// DeadLetter mirrors one dead_letters row (SPEC_FULL 10.1).
type DeadLetter struct {
	SourceStream string
	GroupName    string
	EventID      string
	AggregateID  string
	OccurredAt   time.Time
	Payload      []byte
	Reason       string
	Attempts     int
	LastSeenAt   time.Time
}

// DLQWriter is the "atomic INSERT ... ON CONFLICT" writer of spec 4.9:
// write failures are counted but must never block an ack, so Write
// swallows its own error after logging/recording it.
type DLQWriter struct {
	pool   *pgxpool.Pool
	schema string
	br     *breaker.Breaker
	log    *logrus.Entry
	onFail func()
}

// DLQWriterConfig configures a DLQWriter.
type DLQWriterConfig struct {
	Pool       *pgxpool.Pool
	Schema     string
	Breaker    *breaker.Breaker
	Logger     *logrus.Entry
	OnWriteFail func() // metrics hook, e.g. consumer_failures{reason=dlq_write_failed}
}

// NewDLQWriter constructs a DLQWriter.
func NewDLQWriter(cfg DLQWriterConfig) *DLQWriter {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DLQWriter{pool: cfg.Pool, schema: cfg.Schema, br: cfg.Breaker, log: cfg.Logger, onFail: cfg.OnWriteFail}
}

// Bootstrap idempotently creates the dead_letters table (SPEC_FULL 10.1).
func (w *DLQWriter) Bootstrap(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+w.schema+`.dead_letters (
		source_stream TEXT NOT NULL,
		group_name    TEXT NOT NULL,
		event_id      TEXT NOT NULL,
		aggregate_id  TEXT,
		occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		payload       JSONB,
		reason        TEXT NOT NULL,
		attempts      INT NOT NULL DEFAULT 1,
		last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id)
	)`)
	if err != nil {
		return apperrors.Wrap(apperrors.TransientAdapter, err, "dlq bootstrap failed")
	}
	return nil
}

// Write records a dead letter. It never returns an error to the caller:
// a poison entry must clear the broker even if the DLQ itself is down
// (spec 4.9 "DLQ writer"). Callers that want to observe failures should
// pass OnWriteFail.
func (w *DLQWriter) Write(ctx context.Context, dl DeadLetter) {
	if w.br != nil && !w.br.ShouldAllow() {
		w.recordFail(dl, "circuit open")
		return
	}

	_, err := w.pool.Exec(ctx,
		`INSERT INTO `+w.schema+`.dead_letters (source_stream, group_name, event_id, aggregate_id, payload, reason, attempts, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, now())
		 ON CONFLICT (event_id) DO UPDATE SET attempts = `+w.schema+`.dead_letters.attempts + 1, last_seen_at = now()`,
		dl.SourceStream, dl.GroupName, dl.EventID, dl.AggregateID, dl.Payload, dl.Reason)

	if w.br != nil {
		if err != nil {
			w.br.RecordFailure()
		} else {
			w.br.RecordSuccess()
		}
	}
	if err != nil {
		w.recordFail(dl, err.Error())
	}
}

func (w *DLQWriter) recordFail(dl DeadLetter, reason string) {
	w.log.WithFields(logrus.Fields{"event_id": dl.EventID, "source_stream": dl.SourceStream}).
		WithError(apperrors.New(apperrors.TransientAdapter, reason)).
		Warn("delivery: dlq write failed, entry still acked")
	if w.onFail != nil {
		w.onFail()
	}
}

// Reader is the read-only DLQ inspection helper (SPEC_FULL 11 supplement
// #4): a "at-least-once pipeline with a DLQ is operationally incomplete
// without a way to read it back".
type Reader struct {
	pool   *pgxpool.Pool
	schema string
}

// NewReader constructs a Reader.
func NewReader(pool *pgxpool.Pool, schema string) *Reader {
	return &Reader{pool: pool, schema: schema}
}

// ReaderFilter narrows a dead-letter listing.
type ReaderFilter struct {
	SourceStream string // empty = any
	Reason       string // empty = any
	Limit        int    // default 100
}

// List queries dead letters matching filter, most recently seen first.
func (r *Reader) List(ctx context.Context, filter ReaderFilter) ([]DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT source_stream, group_name, event_id, aggregate_id, occurred_at, payload, reason, attempts, last_seen_at
		 FROM `+r.schema+`.dead_letters
		 WHERE ($1 = '' OR source_stream = $1) AND ($2 = '' OR reason = $2)
		 ORDER BY last_seen_at DESC
		 LIMIT $3`,
		filter.SourceStream, filter.Reason, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TransientAdapter, err, "dlq list failed")
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.SourceStream, &dl.GroupName, &dl.EventID, &dl.AggregateID, &dl.OccurredAt, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.LastSeenAt); err != nil {
			return nil, apperrors.Wrap(apperrors.TransientAdapter, err, "dlq scan failed")
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.TransientAdapter, err, "dlq list failed")
	}
	return out, nil
}
