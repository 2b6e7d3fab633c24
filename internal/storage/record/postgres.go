// Package record implements the SQL-flavor RecordAdapter of spec 4.5.1
// over PostgreSQL, grounded on jackc/pgx/v5 usage in
// other_examples/manifests/WAN-Ninjas-AmityVox and
// .../SAGE-X-project-sage.
package record

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/storage"
)

var schemaIdentRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Postgres is a RecordAdapter backed by a single `records` table per
// schema (spec 4.5.1 "Schema bootstrap").
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// Config configures a Postgres RecordAdapter.
type Config struct {
	Pool   *pgxpool.Pool
	Schema string
}

// New validates the schema identifier and returns a Postgres adapter.
// Callers must still invoke Bootstrap to create the schema/table/index.
func New(cfg Config) (*Postgres, error) {
	if !schemaIdentRe.MatchString(cfg.Schema) {
		return nil, apperrors.Newf(apperrors.ValidationFailed, "invalid schema identifier %q", cfg.Schema)
	}
	return &Postgres{pool: cfg.Pool, schema: cfg.Schema}, nil
}

// Bootstrap idempotently creates the schema, records table and namespace
// index (spec 4.5.1).
func (p *Postgres) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + p.schema,
		`CREATE TABLE IF NOT EXISTS ` + p.schema + `.records (
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			version_id  TEXT NOT NULL,
			data        JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, id)
		)`,
		`CREATE INDEX IF NOT EXISTS records_namespace_idx ON ` + p.schema + `.records (namespace, id)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// Upsert implements RecordAdapter.Upsert.
func (p *Postgres) Upsert(ctx context.Context, namespace storage.Namespace, rec storage.Record, opts storage.WriteOptions) (storage.Record, error) {
	if rec.ID == "" {
		return storage.Record{}, apperrors.New(apperrors.ValidationFailed, "record id must not be empty")
	}

	newVersion := uuid.NewString()
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return storage.Record{}, apperrors.Wrap(apperrors.ValidationFailed, err, "marshal record data")
	}

	if opts.ConcurrencyToken != "" {
		tag, err := p.pool.Exec(ctx,
			`UPDATE `+p.schema+`.records
			 SET version_id=$1, data=$2, updated_at=now()
			 WHERE namespace=$3 AND id=$4 AND version_id=$5`,
			newVersion, data, string(namespace), rec.ID, opts.ConcurrencyToken)
		if err != nil {
			return storage.Record{}, mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return storage.Record{}, apperrors.New(apperrors.PreconditionFailed, "concurrency token mismatch")
		}
		return p.Get(ctx, storage.ObjectReference{Namespace: namespace, ID: rec.ID})
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO `+p.schema+`.records (namespace, id, version_id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (namespace, id) DO UPDATE
		 SET version_id=excluded.version_id, data=excluded.data, updated_at=now()`,
		string(namespace), rec.ID, newVersion, data)
	if err != nil {
		return storage.Record{}, mapErr(err)
	}
	return p.Get(ctx, storage.ObjectReference{Namespace: namespace, ID: rec.ID})
}

// Get implements RecordAdapter.Get.
func (p *Postgres) Get(ctx context.Context, ref storage.ObjectReference) (storage.Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, namespace, version_id, data, created_at, updated_at
		 FROM `+p.schema+`.records WHERE namespace=$1 AND id=$2`,
		string(ref.Namespace), ref.ID)

	var rec storage.Record
	var ns string
	var data []byte
	if err := row.Scan(&rec.ID, &ns, &rec.VersionID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return storage.Record{}, apperrors.New(apperrors.NotFound, "record not found")
		}
		return storage.Record{}, mapErr(err)
	}
	rec.Namespace = storage.Namespace(ns)
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return storage.Record{}, apperrors.Wrap(apperrors.ValidationFailed, err, "unmarshal record data")
	}
	return rec, nil
}

// Delete implements RecordAdapter.Delete.
func (p *Postgres) Delete(ctx context.Context, ref storage.ObjectReference, opts storage.WriteOptions) error {
	var tag pgconn.CommandTag
	var err error

	if opts.ConcurrencyToken != "" {
		tag, err = p.pool.Exec(ctx,
			`DELETE FROM `+p.schema+`.records WHERE namespace=$1 AND id=$2 AND version_id=$3`,
			string(ref.Namespace), ref.ID, opts.ConcurrencyToken)
		if err == nil && tag.RowsAffected() == 0 {
			// Distinguish "didn't exist" from "version mismatch" by checking existence.
			if _, getErr := p.Get(ctx, ref); apperrors.Is(getErr, apperrors.NotFound) {
				return apperrors.New(apperrors.NotFound, "record not found")
			}
			return apperrors.New(apperrors.PreconditionFailed, "concurrency token mismatch")
		}
	} else {
		tag, err = p.pool.Exec(ctx,
			`DELETE FROM `+p.schema+`.records WHERE namespace=$1 AND id=$2`,
			string(ref.Namespace), ref.ID)
		if err == nil && tag.RowsAffected() == 0 {
			return apperrors.New(apperrors.NotFound, "record not found")
		}
	}
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// cursorToken is the decoded shape of a Query pagination cursor.
type cursorToken struct {
	LastID string `json:"lastId"`
}

// Query implements RecordAdapter.Query: sort by id ascending, with a
// base64-encoded-JSON {lastId} cursor (spec 4.5.1).
func (p *Postgres) Query(ctx context.Context, namespace storage.Namespace, _ storage.Query, pagination storage.PaginationOptions) (storage.Page, error) {
	limit := pagination.Limit
	if limit <= 0 {
		limit = 100
	}

	var lastID string
	if pagination.Cursor != "" {
		raw, err := base64.StdEncoding.DecodeString(pagination.Cursor)
		if err != nil {
			return storage.Page{}, apperrors.Wrap(apperrors.ValidationFailed, err, "decode cursor")
		}
		var tok cursorToken
		if err := json.Unmarshal(raw, &tok); err != nil {
			return storage.Page{}, apperrors.Wrap(apperrors.ValidationFailed, err, "decode cursor")
		}
		lastID = tok.LastID
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, namespace, version_id, data, created_at, updated_at
		 FROM `+p.schema+`.records
		 WHERE namespace=$1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		string(namespace), lastID, limit+1)
	if err != nil {
		return storage.Page{}, mapErr(err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var rec storage.Record
		var ns string
		var data []byte
		if err := rows.Scan(&rec.ID, &ns, &rec.VersionID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return storage.Page{}, mapErr(err)
		}
		rec.Namespace = storage.Namespace(ns)
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return storage.Page{}, apperrors.Wrap(apperrors.ValidationFailed, err, "unmarshal record data")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.Page{}, mapErr(err)
	}

	var next string
	if len(out) > limit {
		last := out[limit-1]
		out = out[:limit]
		tok, _ := json.Marshal(cursorToken{LastID: last.ID})
		next = base64.StdEncoding.EncodeToString(tok)
	}
	return storage.Page{Records: out, NextCursor: next}, nil
}

// mapErr maps Postgres vendor codes to the error taxonomy (spec 4.5.1
// "Error mapping").
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		switch pgErr.Code {
		case "57014": // statement_timeout
			return apperrors.Wrap(apperrors.Timeout, err, "statement timeout")
		case "23505": // unique_violation
			return apperrors.Wrap(apperrors.Conflict, err, "unique constraint violated")
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperrors.Wrap(apperrors.TransientAdapter, err, "transient db error")
		}
	}
	return apperrors.Wrap(apperrors.TransientAdapter, err, "db error")
}

func asPgError(err error, out **pgconn.PgError) bool {
	type pgErrUnwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if pe, ok := e.(*pgconn.PgError); ok {
			*out = pe
			return true
		}
		u, ok := e.(pgErrUnwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
