// Package stream implements the broker-stream-flavor StreamAdapter of
// spec 4.5.3 over Redis Streams, whose primitives (XADD, XREADGROUP,
// XACK, XAUTOCLAIM, XPENDING) map almost one-to-one onto the spec's
// consumer-group vocabulary.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis is a StreamAdapter backed by Redis Streams.
type Redis struct {
	client       redis.UniversalClient
	streamPrefix string
	groupPrefix  string
	maxLenApprox int64
	log          *logrus.Entry
}

// Config configures a Redis StreamAdapter.
type Config struct {
	Client       redis.UniversalClient
	StreamPrefix string // default "stream"
	GroupPrefix  string // default "group"
	MaxLenApprox int64  // default 100_000; approximate trim bound
	Logger       *logrus.Entry
}

// New returns a Redis StreamAdapter.
func New(cfg Config) *Redis {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "stream"
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "group"
	}
	if cfg.MaxLenApprox <= 0 {
		cfg.MaxLenApprox = 100_000
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{
		client:       cfg.Client,
		streamPrefix: cfg.StreamPrefix,
		groupPrefix:  cfg.GroupPrefix,
		maxLenApprox: cfg.MaxLenApprox,
		log:          cfg.Logger,
	}
}

func (r *Redis) streamKey(ns storage.Namespace, stream string) string {
	return fmt.Sprintf("%s:%s:%s", r.streamPrefix, ns, stream)
}

func (r *Redis) groupKey(ns storage.Namespace, stream string) string {
	return fmt.Sprintf("%s:%s:%s", r.groupPrefix, ns, stream)
}

// Publish appends payload to the stream, approximately trimmed to
// maxLenApprox (spec 4.5.3 "approximate-max-length trim").
func (r *Redis) Publish(ctx context.Context, ns storage.Namespace, stream string, payload []byte, headers map[string]string) (storage.StreamMessage, error) {
	values := map[string]interface{}{"payload": payload}
	for k, v := range headers {
		values["hdr:"+k] = v
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(ns, stream),
		MaxLen: r.maxLenApprox,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return storage.StreamMessage{}, mapErr(err)
	}

	return storage.StreamMessage{
		ID:          id,
		Namespace:   ns,
		Stream:      stream,
		Payload:     payload,
		Headers:     headers,
		PublishedAt: time.Now(),
	}, nil
}

// ensureGroup issues CREATE GROUP ... MKSTREAM, swallowing "already
// exists" per spec 4.5.3.
func (r *Redis) ensureGroup(ctx context.Context, ns storage.Namespace, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey(ns, stream), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return mapErr(err)
	}
	return nil
}

// groupName resolves the physical Redis consumer-group name per the
// `{groupPrefix}:{namespace}:{stream}` layout, independent of the
// logical cursor.ID the caller uses to identify the group.
func (r *Redis) groupName(cursor storage.StreamCursor) string {
	return r.groupKey(cursor.Namespace, cursor.Stream)
}

// Subscribe issues a blocking XREADGROUP loop on a background goroutine,
// yielding a channel of messages and a channel of (at most one) terminal
// error. Empty reads continue the loop; ctx cancellation breaks it
// cooperatively (spec 4.5.3).
func (r *Redis) Subscribe(ctx context.Context, cursor storage.StreamCursor, batchSize int, blockTimeoutMs int64) (<-chan storage.StreamMessage, <-chan error) {
	out := make(chan storage.StreamMessage)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)

		group := r.groupName(cursor)
		if err := r.ensureGroup(ctx, cursor.Namespace, cursor.Stream, group); err != nil {
			errCh <- err
			return
		}

		streamKey := r.streamKey(cursor.Namespace, cursor.Stream)
		consumerName := cursor.Position
		if consumerName == "" {
			consumerName = "default"
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumerName,
				Streams:  []string{streamKey, ">"},
				Count:    int64(batchSize),
				Block:    time.Duration(blockTimeoutMs) * time.Millisecond,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue // empty read, loop
				}
				if ctx.Err() != nil {
					return
				}
				if strings.Contains(err.Error(), "NOGROUP") {
					errCh <- apperrors.Wrap(apperrors.ConsistencyError, err, "consumer group missing")
					return
				}
				errCh <- mapErr(err)
				return
			}

			for _, streamRes := range res {
				for _, entry := range streamRes.Messages {
					msg, err := decodeEntry(cursor, entry)
					if err != nil {
						errCh <- apperrors.Wrap(apperrors.TransientAdapter, err, fmt.Sprintf("decode entry %s", entry.ID))
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, errCh
}

func decodeEntry(cursor storage.StreamCursor, entry redis.XMessage) (storage.StreamMessage, error) {
	raw, ok := entry.Values["payload"]
	if !ok {
		return storage.StreamMessage{}, apperrors.New(apperrors.ValidationFailed, "entry missing payload field")
	}

	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return storage.StreamMessage{}, apperrors.New(apperrors.ValidationFailed, "payload field has unexpected type")
	}

	// Payload must itself be valid JSON per spec 4.5.3 ("JSON parse
	// failures on the payload surface a StorageError with the entry id").
	if !json.Valid(payload) {
		return storage.StreamMessage{}, apperrors.Newf(apperrors.ValidationFailed, "invalid JSON payload at entry %s", entry.ID)
	}

	headers := map[string]string{}
	for k, v := range entry.Values {
		if strings.HasPrefix(k, "hdr:") {
			if s, ok := v.(string); ok {
				headers[strings.TrimPrefix(k, "hdr:")] = s
			}
		}
	}

	return storage.StreamMessage{
		ID:        entry.ID,
		Namespace: cursor.Namespace,
		Stream:    cursor.Stream,
		Payload:   payload,
		Headers:   headers,
	}, nil
}

// Ack implements StreamAdapter.Ack (XACK).
func (r *Redis) Ack(ctx context.Context, cursor storage.StreamCursor, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	streamKey := r.streamKey(cursor.Namespace, cursor.Stream)
	if err := r.client.XAck(ctx, streamKey, r.groupName(cursor), ids...).Err(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Reclaim implements StreamAdapter.Reclaim (XAUTOCLAIM), reassigning
// entries idle for at least minIdleMs to consumerName.
func (r *Redis) Reclaim(ctx context.Context, cursor storage.StreamCursor, consumerName string, minIdleMs int64, count int) ([]storage.StreamMessage, error) {
	streamKey := r.streamKey(cursor.Namespace, cursor.Stream)

	_, entries, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    r.groupName(cursor),
		Consumer: consumerName,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]storage.StreamMessage, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(cursor, entry)
		if err != nil {
			continue // reclaimed poison entries are handled by the caller's normal parse-error path on redelivery
		}
		out = append(out, msg)
	}
	return out, nil
}

// PendingCount implements StreamAdapter.PendingCount (XPENDING summary form).
func (r *Redis) PendingCount(ctx context.Context, cursor storage.StreamCursor) (int64, error) {
	streamKey := r.streamKey(cursor.Namespace, cursor.Stream)
	summary, err := r.client.XPending(ctx, streamKey, r.groupName(cursor)).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return summary.Count, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOGROUP"):
		return apperrors.Wrap(apperrors.ConsistencyError, err, "consumer group or stream missing")
	case strings.Contains(msg, "i/o timeout"):
		return apperrors.Wrap(apperrors.Timeout, err, "redis timeout")
	default:
		return apperrors.Wrap(apperrors.TransientAdapter, err, "redis stream error")
	}
}
