package delivery

import (
	"context"
	"testing"

	"github.com/nyxloma/signalmesh/internal/outbox"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/stretchr/testify/assert"
)

// fakeOutboxRepo implements outbox.Repo in memory so Dispatcher.Tick can
// run without Postgres.
type fakeOutboxRepo struct {
	rows   []outbox.Row
	sent   []int64
	failed []int64
	dead   []int64
}

func (f *fakeOutboxRepo) FetchBatch(ctx context.Context, limit int) ([]outbox.Row, error) {
	out := f.rows
	f.rows = nil
	return out, nil
}

func (f *fakeOutboxRepo) MarkSent(ctx context.Context, ids []int64) error {
	f.sent = append(f.sent, ids...)
	return nil
}

func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	f.failed = append(f.failed, ids...)
	return nil
}

func (f *fakeOutboxRepo) Bury(ctx context.Context, ids []int64, reason string) error {
	f.dead = append(f.dead, ids...)
	return nil
}

// capturingBroker implements outbox.Broker and records the exact bytes
// Dispatcher.Tick publishes, so the test can feed them straight into
// Consumer.ingest the way a real broker round-trip would.
type capturingBroker struct {
	published [][]byte
}

func (b *capturingBroker) Publish(ctx context.Context, ns storage.Namespace, stream string, payload []byte, headers map[string]string) (storage.StreamMessage, error) {
	b.published = append(b.published, payload)
	return storage.StreamMessage{ID: "1-0", Namespace: ns, Stream: stream, Payload: payload}, nil
}

// TestDispatcherTick_ProducesPayloadConsumerIngestAccepts is an
// end-to-end check that the broker event Dispatcher.Tick publishes is
// exactly the flat shape Consumer.ingest expects: a row built the way
// MessageService.send builds one must survive a real Tick() and come
// back out of ingest as a buffered, non-dropped entry.
func TestDispatcherTick_ProducesPayloadConsumerIngestAccepts(t *testing.T) {
	row := outbox.Row{
		ID:          42,
		AggregateID: "conv-1",
		MessageID:   "msg-1",
		EventType:   "message.sent",
		Payload:     []byte(`{"messageId":"msg-1","conversationId":"conv-1","ciphertext":"c3lw","seq":1,"occurredAt":"2026-07-30T00:00:00Z"}`),
	}
	repo := &fakeOutboxRepo{rows: []outbox.Row{row}}
	broker := &capturingBroker{}
	d := outbox.New(outbox.Config{
		Repo:      repo,
		Broker:    broker,
		Namespace: "messages",
		Stream:    "conv-1",
	})

	err := d.Tick(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []int64{42}, repo.sent)
	assert.Empty(t, repo.failed)
	assert.Empty(t, repo.dead)
	if !assert.Len(t, broker.published, 1) {
		return
	}

	c := New(Config{})
	touched := map[string]struct{}{}
	c.ingest(storage.StreamMessage{ID: "1-0", Payload: broker.published[0]}, touched)

	c.mu.Lock()
	buffered := c.buffers["conv-1"]
	c.mu.Unlock()

	if !assert.Len(t, buffered, 1) {
		return
	}
	entry := buffered[0]
	assert.Equal(t, "msg-1", entry.payload.MessageID)
	assert.Equal(t, "conv-1", entry.payload.ConversationID)
	assert.Equal(t, "c3lw", entry.payload.Ciphertext)
	assert.Equal(t, int64(1), entry.payload.Seq)
	assert.Equal(t, 1, entry.payload.V)
	assert.Equal(t, "message.sent", entry.payload.Type)
	assert.Equal(t, "42", entry.payload.EventID)
	assert.Contains(t, touched, "conv-1")
}
