package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/hub"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Stream is the narrow slice of storage.Facade the Consumer needs: a
// storage.Facade satisfies this directly.
type Stream interface {
	Subscribe(ctx context.Context, cursor storage.StreamCursor, batchSize int, blockTimeoutMs int64) (<-chan storage.StreamMessage, <-chan error)
	Ack(ctx context.Context, cursor storage.StreamCursor, ids []string) error
	Reclaim(ctx context.Context, cursor storage.StreamCursor, consumerName string, minIdleMs int64, count int) ([]storage.StreamMessage, error)
	PendingCount(ctx context.Context, cursor storage.StreamCursor) (int64, error)
}

// Config parametrizes a Consumer. Singleton per (Stream, Group,
// ConsumerName) per spec 4.9.
type Config struct {
	Source               Stream
	Namespace            storage.Namespace
	StreamName           string
	Group                string
	ConsumerName         string
	BatchSize            int           // default 128
	BlockMs              int64         // default 1000
	PELHygieneInterval   time.Duration // default 30s
	MinIdle              time.Duration // default 30s, passed to Reclaim
	QueueMax             int           // default 100
	DropPolicy           DropPolicy
	Hub                  hub.Hub
	DLQWriter            *DLQWriter
	Metrics              *obsv.Registry
	Logger               *logrus.Entry
}

// Consumer is the broker-stream Consumer of spec 4.9.
type Consumer struct {
	source       Stream
	cursor       storage.StreamCursor
	consumerName string
	batchSize    int
	blockMs      int64
	pelInterval  time.Duration
	minIdle      time.Duration

	h       hub.Hub
	dlq     *DLQWriter
	metrics *obsv.Registry
	log     *logrus.Entry

	mu        sync.Mutex
	delivered map[string]struct{}
	buffers   map[string][]pendingEntry
	queues    map[string]*backpressureQueue
	queueMax  int
	dropPol   DropPolicy
}

// New constructs a Consumer.
func New(cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 1000
	}
	if cfg.PELHygieneInterval <= 0 {
		cfg.PELHygieneInterval = 30 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 30 * time.Second
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 100
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropNew
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Consumer{
		source: cfg.Source,
		cursor: storage.StreamCursor{
			ID:        cfg.Group,
			Stream:    cfg.StreamName,
			Namespace: cfg.Namespace,
			Position:  cfg.ConsumerName,
		},
		consumerName: cfg.ConsumerName,
		batchSize:    cfg.BatchSize,
		blockMs:      cfg.BlockMs,
		pelInterval:  cfg.PELHygieneInterval,
		minIdle:      cfg.MinIdle,
		h:            cfg.Hub,
		dlq:          cfg.DLQWriter,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		delivered:    make(map[string]struct{}),
		buffers:      make(map[string][]pendingEntry),
		queues:       make(map[string]*backpressureQueue),
		queueMax:     cfg.QueueMax,
		dropPol:      cfg.DropPolicy,
	}
}

// Run drives the main loop and the PEL hygiene loop until ctx is
// cancelled, then drains every non-empty reorder buffer one last time
// (spec 4.9 "Stop").
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.mainLoop(gctx) })
	g.Go(func() error { return c.pelHygieneLoop(gctx) })

	err := g.Wait()
	c.finalDrain(context.Background())
	return err
}

func (c *Consumer) mainLoop(ctx context.Context) error {
	msgCh, errCh := c.source.Subscribe(ctx, c.cursor, c.batchSize, c.blockMs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				continue
			}
			if err != nil {
				c.log.WithError(err).Error("consumer: subscribe error")
				return err
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			touched := map[string]struct{}{}
			c.ingest(msg, touched)

		drain:
			for {
				select {
				case msg2, ok2 := <-msgCh:
					if !ok2 {
						break drain
					}
					c.ingest(msg2, touched)
				default:
					break drain
				}
			}

			for conv := range touched {
				c.processConversation(ctx, conv)
			}
		}
	}
}

// ingest parses one stream entry and either appends it to its
// conversation's reorder buffer or, on a parse failure, writes a
// best-effort DLQ row and acks immediately (spec 4.9 step 3).
func (c *Consumer) ingest(msg storage.StreamMessage, touched map[string]struct{}) {
	var payload incomingPayload
	parseErr := json.Unmarshal(msg.Payload, &payload)
	if parseErr == nil && (payload.MessageID == "" || payload.ConversationID == "" || payload.Ciphertext == "") {
		parseErr = apperrors.New(apperrors.ValidationFailed, "missing required field")
	}

	if parseErr != nil {
		c.recordFailure("parse_error")
		eventID := payload.MessageID
		if eventID == "" {
			eventID = fmt.Sprintf("synthetic-%s", uuid.NewString())
		}
		if c.dlq != nil {
			c.dlq.Write(context.Background(), DeadLetter{
				SourceStream: c.cursor.Stream,
				GroupName:    c.cursor.ID,
				EventID:      eventID,
				Reason:       "parse_error",
				Payload:      msg.Payload,
			})
		}
		if err := c.source.Ack(context.Background(), c.cursor, []string{msg.ID}); err != nil {
			c.log.WithError(err).Warn("consumer: ack after parse_error failed")
		}
		return
	}

	c.mu.Lock()
	c.buffers[payload.ConversationID] = append(c.buffers[payload.ConversationID], pendingEntry{brokerID: msg.ID, payload: payload})
	c.mu.Unlock()
	touched[payload.ConversationID] = struct{}{}
}

// processConversation implements spec 4.9 steps 5-6: sort by seq,
// dedupe, stage every non-duplicate entry on the bounded backpressure
// queue (so a pass with more entries than the queue can hold actually
// exercises the drop policy, spec 4.9 "per-conversation bounded queue
// of events awaiting socket write"), then drain once and broadcast with
// permanent/transient classification, finally acking everything staged
// in one call.
func (c *Consumer) processConversation(ctx context.Context, conversationID string) {
	c.mu.Lock()
	entries := c.buffers[conversationID]
	c.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].payload.Seq < entries[j].payload.Seq })

	byMessageID := make(map[string]pendingEntry, len(entries))
	q := c.queueFor(conversationID)

	var staged []string
	for _, e := range entries {
		if _, dup := c.isDelivered(e.payload.MessageID); dup {
			staged = append(staged, e.brokerID)
			continue
		}
		if _, dup := byMessageID[e.payload.MessageID]; dup {
			staged = append(staged, e.brokerID)
			continue
		}
		byMessageID[e.payload.MessageID] = e
		q.push(buildEnvelope(e))
	}

	drained := q.drain()
	queued := make(map[string]struct{}, len(drained))
	for _, envelope := range drained {
		queued[envelope.Payload.Data.MessageID] = struct{}{}
	}

	// Entries staged but discarded by the queue's drop policy are
	// delivered-lost: ack them so an overloaded socket fan-out can never
	// stall broker acking (spec 4.9 "drop events emit ws.dropped").
	for msgID, e := range byMessageID {
		if _, ok := queued[msgID]; ok {
			continue
		}
		c.markDelivered(msgID)
		staged = append(staged, e.brokerID)
	}

	var remaining []pendingEntry
	stopped := false
	for _, envelope := range drained {
		e := byMessageID[envelope.Payload.Data.MessageID]
		if stopped {
			remaining = append(remaining, e)
			continue
		}

		err := c.h.Broadcast(ctx, envelope)
		if err == nil {
			c.markDelivered(e.payload.MessageID)
			staged = append(staged, e.brokerID)
			continue
		}

		if hub.IsPermanent(err) {
			c.recordFailure("permanent_error")
			if c.dlq != nil {
				payloadBytes, _ := json.Marshal(e.payload)
				c.dlq.Write(context.Background(), DeadLetter{
					SourceStream: c.cursor.Stream,
					GroupName:    c.cursor.ID,
					EventID:      e.payload.MessageID,
					AggregateID:  conversationID,
					Reason:       "permanent_error",
					Payload:      payloadBytes,
				})
			}
			staged = append(staged, e.brokerID)
			continue
		}

		// Transient: stop broadcasting for this conversation, leave this
		// and every later entry unacked in the buffer and broker PEL.
		c.log.WithError(err).WithField("conversation_id", conversationID).Warn("consumer: transient broadcast error, pausing conversation")
		stopped = true
		remaining = append(remaining, e)
	}

	c.mu.Lock()
	c.buffers[conversationID] = remaining
	c.mu.Unlock()

	if len(staged) == 0 {
		return
	}
	if err := c.source.Ack(ctx, c.cursor, staged); err != nil {
		c.log.WithError(err).WithField("conversation_id", conversationID).Warn("consumer: ack failed, broker will redeliver")
	}
}

// buildEnvelope converts a parsed broker entry into the WebSocket
// envelope the Hub broadcasts (spec 4.9 step 5).
func buildEnvelope(e pendingEntry) hub.Envelope {
	envelope := hub.Envelope{
		V:    1,
		ID:   uuid.NewString(),
		Type: "msg",
		Payload: hub.EnvelopePayload{
			Seq: e.payload.Seq,
			Data: hub.EnvelopeMessage{
				MessageID:       e.payload.MessageID,
				ConversationID:  e.payload.ConversationID,
				Ciphertext:      e.payload.Ciphertext,
				Metadata:        e.payload.Metadata,
				ContentSize:     e.payload.ContentSize,
				ContentMimeType: e.payload.ContentMimeType,
				OccurredAt:      e.payload.OccurredAt,
			},
		},
	}
	if raw, err := json.Marshal(envelope); err == nil {
		envelope.Size = len(raw)
	}
	return envelope
}

// queueFor returns conversationID's backpressure queue, creating it on
// first use.
func (c *Consumer) queueFor(conversationID string) *backpressureQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[conversationID]
	if !ok {
		q = newBackpressureQueue(c.queueMax, c.dropPol, c.metrics)
		c.queues[conversationID] = q
	}
	return q
}

func (c *Consumer) isDelivered(messageID string) (struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.delivered[messageID]
	return v, ok
}

func (c *Consumer) markDelivered(messageID string) {
	c.mu.Lock()
	c.delivered[messageID] = struct{}{}
	c.mu.Unlock()
}

func (c *Consumer) recordFailure(reason string) {
	if c.metrics != nil {
		c.metrics.ConsumerFailure.WithLabelValues(reason).Inc()
	}
}

// pelHygieneLoop reclaims entries idle for minIdle from crashed peers
// and updates the PEL-size gauge (spec 4.9 "PEL hygiene loop").
func (c *Consumer) pelHygieneLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.source.Reclaim(ctx, c.cursor, c.consumerName, c.minIdle.Milliseconds(), 100); err != nil {
				c.log.WithError(err).Warn("consumer: PEL reclaim failed")
			}
			if count, err := c.source.PendingCount(ctx, c.cursor); err == nil && c.metrics != nil {
				c.metrics.PELSize.WithLabelValues(c.cursor.Stream, c.cursor.ID).Set(float64(count))
			}
		}
	}
}

// finalDrain processes every non-empty reorder buffer one last time
// (spec 4.9 "Stop").
func (c *Consumer) finalDrain(ctx context.Context) {
	c.mu.Lock()
	convs := make([]string, 0, len(c.buffers))
	for conv, entries := range c.buffers {
		if len(entries) > 0 {
			convs = append(convs, conv)
		}
	}
	c.mu.Unlock()

	for _, conv := range convs {
		c.processConversation(ctx, conv)
	}
}
