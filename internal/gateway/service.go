// Package gateway implements MessageService.send, the entry point of
// spec 2's data-flow diagram: it upserts the message record and appends
// the corresponding outbox row in a single DB transaction, grounded on
// the same jackc/pgx/v5 transaction pattern as outbox.Repository.FetchBatch.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/delivery"
	"github.com/nyxloma/signalmesh/internal/outbox"
)

// MessageService implements the "MessageService.send" step named in
// spec 2's data-flow diagram.
type MessageService struct {
	pool      *pgxpool.Pool
	schema    string
	namespace string
}

// Config configures a MessageService.
type Config struct {
	Pool      *pgxpool.Pool
	Schema    string
	Namespace string // storage namespace messages live under
}

// New constructs a MessageService.
func New(cfg Config) *MessageService {
	return &MessageService{pool: cfg.Pool, schema: cfg.Schema, namespace: cfg.Namespace}
}

// messageRecord is the JSONB shape persisted under schema.records for
// this service's namespace.
type messageRecord struct {
	ConversationID  string            `json:"conversationId"`
	Ciphertext      string            `json:"ciphertext"`
	ContentMimeType string            `json:"contentMimeType,omitempty"`
	ContentSize     int64             `json:"contentSize,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	OccurredAt      time.Time         `json:"occurredAt"`
}

// outboxPayload is the JSON payload the Dispatcher later merges with the
// v/type/eventId fields and forwards to the broker as one flat object
// (spec 4.9 step 3's required fields).
type outboxPayload struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	Ciphertext     string            `json:"ciphertext"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ContentSize    int64             `json:"contentSize,omitempty"`
	ContentMimeType string           `json:"contentMimeType,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
}

// Send implements spec 2's "RecordAdapter.upsert(message) + Outbox.append
// (single DB transaction)" step.
func (s *MessageService) Send(ctx context.Context, in delivery.SendMessageInput) (delivery.SendMessageResult, error) {
	if in.ConversationID == "" || in.Ciphertext == "" {
		return delivery.SendMessageResult{}, apperrors.New(apperrors.ValidationFailed, "conversationId and ciphertext are required")
	}

	messageID := uuid.NewString()
	occurredAt := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return delivery.SendMessageResult{}, apperrors.Wrap(apperrors.TransientAdapter, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	rec := messageRecord{
		ConversationID:  in.ConversationID,
		Ciphertext:      in.Ciphertext,
		ContentMimeType: in.ContentMimeType,
		ContentSize:     in.ContentSize,
		Metadata:        in.Metadata,
		OccurredAt:      occurredAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return delivery.SendMessageResult{}, apperrors.Wrap(apperrors.ValidationFailed, err, "marshal message record")
	}

	versionID := uuid.NewString()
	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.schema+`.records (namespace, id, version_id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		s.namespace, messageID, versionID, data)
	if err != nil {
		return delivery.SendMessageResult{}, apperrors.Wrap(apperrors.TransientAdapter, err, "insert message record")
	}

	payload, err := json.Marshal(outboxPayload{
		MessageID:       messageID,
		ConversationID:  in.ConversationID,
		Ciphertext:      in.Ciphertext,
		Metadata:        in.Metadata,
		ContentSize:     in.ContentSize,
		ContentMimeType: in.ContentMimeType,
		OccurredAt:      occurredAt,
	})
	if err != nil {
		return delivery.SendMessageResult{}, apperrors.Wrap(apperrors.ValidationFailed, err, "marshal outbox payload")
	}

	repo := outbox.NewRepository(outbox.RepositoryConfig{Pool: s.pool, Schema: s.schema})
	if _, err := repo.Append(ctx, tx, in.ConversationID, "MessageCreated", payload); err != nil {
		return delivery.SendMessageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return delivery.SendMessageResult{}, apperrors.Wrap(apperrors.TransientAdapter, err, "commit transaction")
	}

	return delivery.SendMessageResult{MessageID: messageID, OccurredAt: occurredAt}, nil
}
