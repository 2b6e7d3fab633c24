package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nyxloma/signalmesh/internal/hub"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/stretchr/testify/assert"
)

// fakeStream implements Stream well enough for Ack/Reclaim/PendingCount
// calls to be observed without a real broker.
type fakeStream struct {
	acked [][]string
}

func (f *fakeStream) Subscribe(ctx context.Context, cursor storage.StreamCursor, batchSize int, blockTimeoutMs int64) (<-chan storage.StreamMessage, <-chan error) {
	return nil, nil
}

func (f *fakeStream) Ack(ctx context.Context, cursor storage.StreamCursor, ids []string) error {
	f.acked = append(f.acked, ids)
	return nil
}

func (f *fakeStream) Reclaim(ctx context.Context, cursor storage.StreamCursor, consumerName string, minIdleMs int64, count int) ([]storage.StreamMessage, error) {
	return nil, nil
}

func (f *fakeStream) PendingCount(ctx context.Context, cursor storage.StreamCursor) (int64, error) {
	return 0, nil
}

// fakeHub records every broadcast and can be configured to fail for
// specific message IDs.
type fakeHub struct {
	broadcasted []hub.Envelope
	failWith    map[string]error
}

func (h *fakeHub) Broadcast(ctx context.Context, envelope hub.Envelope) error {
	h.broadcasted = append(h.broadcasted, envelope)
	if err, ok := h.failWith[envelope.Payload.Data.MessageID]; ok {
		return err
	}
	return nil
}

func ingestMsg(c *Consumer, touched map[string]struct{}, conversationID, messageID string, seq int64) {
	payload := fmt.Sprintf(`{"messageId":%q,"conversationId":%q,"ciphertext":"c","seq":%d,"occurredAt":"2026-07-30T00:00:00Z"}`, messageID, conversationID, seq)
	c.ingest(storage.StreamMessage{ID: messageID, Payload: []byte(payload)}, touched)
}

func TestProcessConversation_DeliversInSeqOrderAndAcks(t *testing.T) {
	stream := &fakeStream{}
	h := &fakeHub{}
	c := New(Config{Source: stream, Hub: h})

	touched := map[string]struct{}{}
	ingestMsg(c, touched, "conv-1", "m2", 2)
	ingestMsg(c, touched, "conv-1", "m1", 1)

	c.processConversation(context.Background(), "conv-1")

	if !assert.Len(t, h.broadcasted, 2) {
		return
	}
	assert.Equal(t, "m1", h.broadcasted[0].Payload.Data.MessageID)
	assert.Equal(t, "m2", h.broadcasted[1].Payload.Data.MessageID)
	assert.Empty(t, c.buffers["conv-1"])
	if assert.Len(t, stream.acked, 1) {
		assert.ElementsMatch(t, []string{"m1", "m2"}, stream.acked[0])
	}
}

func TestProcessConversation_DuplicateMessageIDNotRebroadcast(t *testing.T) {
	stream := &fakeStream{}
	h := &fakeHub{}
	c := New(Config{Source: stream, Hub: h})
	c.delivered["m1"] = struct{}{}

	touched := map[string]struct{}{}
	ingestMsg(c, touched, "conv-1", "m1", 1)

	c.processConversation(context.Background(), "conv-1")

	assert.Empty(t, h.broadcasted)
	if assert.Len(t, stream.acked, 1) {
		assert.Equal(t, []string{"m1"}, stream.acked[0])
	}
}

func TestProcessConversation_TransientErrorLeavesRemainingUnacked(t *testing.T) {
	stream := &fakeStream{}
	h := &fakeHub{failWith: map[string]error{"m2": errors.New("socket timeout")}}
	c := New(Config{Source: stream, Hub: h})

	touched := map[string]struct{}{}
	ingestMsg(c, touched, "conv-1", "m1", 1)
	ingestMsg(c, touched, "conv-1", "m2", 2)
	ingestMsg(c, touched, "conv-1", "m3", 3)

	c.processConversation(context.Background(), "conv-1")

	if assert.Len(t, stream.acked, 1) {
		assert.Equal(t, []string{"m1"}, stream.acked[0])
	}
	remaining := c.buffers["conv-1"]
	if !assert.Len(t, remaining, 2) {
		return
	}
	assert.Equal(t, "m2", remaining[0].payload.MessageID)
	assert.Equal(t, "m3", remaining[1].payload.MessageID)
}

func TestProcessConversation_PermanentErrorWritesDLQAndAcks(t *testing.T) {
	stream := &fakeStream{}
	h := &fakeHub{failWith: map[string]error{"m1": hub.NewPermanentError("bad_envelope", nil)}}
	c := New(Config{Source: stream, Hub: h})

	touched := map[string]struct{}{}
	ingestMsg(c, touched, "conv-1", "m1", 1)

	c.processConversation(context.Background(), "conv-1")

	if assert.Len(t, stream.acked, 1) {
		assert.Equal(t, []string{"m1"}, stream.acked[0])
	}
	assert.Empty(t, c.buffers["conv-1"])
}

// TestProcessConversation_BackpressureQueueDropsWhenBatchExceedsBound
// proves the fix for the push/drain pairing bug: staging an entire
// oversized batch onto the queue before draining it lets the bounded
// queue's drop policy actually discard entries, instead of every push
// being immediately undone by an inline drain.
func TestProcessConversation_BackpressureQueueDropsWhenBatchExceedsBound(t *testing.T) {
	stream := &fakeStream{}
	h := &fakeHub{}
	c := New(Config{Source: stream, Hub: h, QueueMax: 2, DropPolicy: DropNew})

	touched := map[string]struct{}{}
	ingestMsg(c, touched, "conv-1", "m1", 1)
	ingestMsg(c, touched, "conv-1", "m2", 2)
	ingestMsg(c, touched, "conv-1", "m3", 3)
	ingestMsg(c, touched, "conv-1", "m4", 4)

	c.processConversation(context.Background(), "conv-1")

	// DropNew: the queue only ever holds the first 2 pushes, so only
	// m1/m2 reach the hub; m3/m4 are dropped but still acked.
	if !assert.Len(t, h.broadcasted, 2) {
		return
	}
	assert.Equal(t, "m1", h.broadcasted[0].Payload.Data.MessageID)
	assert.Equal(t, "m2", h.broadcasted[1].Payload.Data.MessageID)
	if assert.Len(t, stream.acked, 1) {
		assert.ElementsMatch(t, []string{"m1", "m2", "m3", "m4"}, stream.acked[0])
	}
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		_, ok := c.delivered[id]
		assert.True(t, ok, "message %s should be marked delivered even if dropped", id)
	}
}
