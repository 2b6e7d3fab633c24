// Package outbox implements the transactional outbox of spec 4.7/4.8:
// a Postgres-backed batch-lease repository plus a dispatcher that pumps
// pending rows to a broker stream, grounded on the same jackc/pgx/v5
// pool usage as internal/storage/record.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyxloma/signalmesh/internal/apperrors"
)

// Status is one of the four OutboxRow lifecycle states (spec 4.7).
type Status string

const (
	Pending Status = "pending"
	Picked  Status = "picked"
	Sent    Status = "sent"
	Dead    Status = "dead"
)

// Row mirrors an outbox table row (spec 6 "Outbox row").
type Row struct {
	ID            int64
	AggregateID   string // conversationId
	MessageID     string
	EventType     string
	Payload       []byte // raw JSON
	Status        Status
	Attempts      int
	OccurredAt    time.Time
	PickedAt      *time.Time
	DispatchedAt  *time.Time
	LastError     string
}

// Repository is the OutboxRepository of spec 4.7.
type Repository struct {
	pool   *pgxpool.Pool
	schema string
}

// RepositoryConfig configures a Repository.
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Schema string
}

// NewRepository returns an OutboxRepository. Callers must run Bootstrap once.
func NewRepository(cfg RepositoryConfig) *Repository {
	return &Repository{pool: cfg.Pool, schema: cfg.Schema}
}

// Bootstrap idempotently creates the outbox table and its partial index
// (SPEC_FULL 10.1).
func (r *Repository) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + r.schema + `.outbox (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_id   UUID NOT NULL,
			message_id     UUID NOT NULL UNIQUE,
			event_type     TEXT NOT NULL,
			payload        JSONB NOT NULL,
			status         TEXT NOT NULL CHECK (status IN ('pending','picked','sent','dead')) DEFAULT 'pending',
			attempts       INT NOT NULL DEFAULT 0,
			occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			picked_at      TIMESTAMPTZ,
			dispatched_at  TIMESTAMPTZ,
			last_error     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON ` + r.schema + `.outbox (occurred_at, id) WHERE status = 'pending'`,
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// Append inserts a new pending outbox row in the caller's transaction
// (the business write and the outbox append are meant to share one DB
// transaction per spec 2's data-flow diagram; callers pass that shared
// pgx.Tx as tx and commit it themselves).
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, aggregateID, eventType string, payload []byte) (Row, error) {
	messageID := uuid.NewString()
	var row Row
	err := tx.QueryRow(ctx,
		`INSERT INTO `+r.schema+`.outbox (aggregate_id, message_id, event_type, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, aggregate_id, message_id, event_type, payload, status, attempts, occurred_at`,
		aggregateID, messageID, eventType, payload,
	).Scan(&row.ID, &row.AggregateID, &row.MessageID, &row.EventType, &row.Payload, &row.Status, &row.Attempts, &row.OccurredAt)
	if err != nil {
		return Row{}, mapErr(err)
	}
	return row, nil
}

// FetchBatch leases up to limit pending rows with SKIP LOCKED semantics
// so no two concurrent dispatchers ever receive the same row (spec 4.7
// "Concurrency invariant").
func (r *Repository) FetchBatch(ctx context.Context, limit int) ([]Row, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, aggregate_id, message_id, event_type, payload, status, attempts, occurred_at
		 FROM `+r.schema+`.outbox
		 WHERE status = 'pending'
		 ORDER BY occurred_at ASC, id ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, mapErr(err)
	}

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.AggregateID, &row.MessageID, &row.EventType, &row.Payload, &row.Status, &row.Attempts, &row.OccurredAt); err != nil {
			rows.Close()
			return nil, mapErr(err)
		}
		out = append(out, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if len(out) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(out))
	for i, row := range out {
		ids[i] = row.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+r.schema+`.outbox SET status='picked', picked_at=now(), attempts=attempts+1 WHERE id = ANY($1)`,
		ids); err != nil {
		return nil, mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr(err)
	}

	for i := range out {
		out[i].Status = Picked
		out[i].Attempts++
	}
	return out, nil
}

// MarkSent implements OutboxRepository.markSent.
func (r *Repository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE `+r.schema+`.outbox SET status='sent', dispatched_at=now(), last_error=NULL WHERE id = ANY($1)`, ids)
	return mapErr(err)
}

// MarkFailed implements OutboxRepository.markFailed: returns the row to
// pending for a later tick, recording a truncated error.
func (r *Repository) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE `+r.schema+`.outbox SET status='pending', last_error=$2 WHERE id = ANY($1)`, ids, truncate(reason, 1000))
	return mapErr(err)
}

// Bury implements OutboxRepository.bury: terminal dead state.
func (r *Repository) Bury(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE `+r.schema+`.outbox SET status='dead', last_error=$2 WHERE id = ANY($1)`, ids, truncate(reason, 1000))
	return mapErr(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.TransientAdapter, err, "outbox db error")
}
