// Package participants implements the ParticipantCache of spec 4.10: a
// versioned-counter + versioned-key invalidation protocol over Redis,
// with a process-local map and a Pub/Sub fan-out subscriber. Grounded on
// the same go-redis Pub/Sub subscriber-loop shape as internal/cache.Redis.
package participants

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Source is the read-port fallback queried on a versioned-key miss (spec
// 4.10 "caller must fall back to source of truth").
type Source interface {
	ActiveParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// invalidateMessage is the wire shape on the shared invalidation channel.
type invalidateMessage struct {
	ConversationID string `json:"conversationId"`
	Version        int64  `json:"version"`
}

type localEntry struct {
	version int64
	userIDs []string
}

// Cache is the ParticipantCache of spec 4.10.
type Cache struct {
	client  redis.UniversalClient
	source  Source
	ttl     time.Duration // default 300s
	channel string
	log     *logrus.Entry
	metrics *obsv.Registry

	mu    sync.Mutex
	local map[string]localEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a Cache.
type Config struct {
	Client    redis.UniversalClient
	Source    Source
	TTL       time.Duration // default 300s
	Channel   string        // default "participants:invalidate"
	Logger    *logrus.Entry
	Metrics   *obsv.Registry
}

// New constructs a ParticipantCache. Call Init to start the invalidation
// subscriber.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "participants:invalidate"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		client:  cfg.Client,
		source:  cfg.Source,
		ttl:     cfg.TTL,
		channel: cfg.Channel,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		local:   make(map[string]localEntry),
	}
}

func verKey(conv string) string    { return fmt.Sprintf("conv:%s:part:ver", conv) }
func entryKey(conv string, v int64) string {
	return fmt.Sprintf("conv:%s:participants:v%d", conv, v)
}

// Init starts the background Pub/Sub subscriber for cross-process
// invalidations.
func (c *Cache) Init(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	pubsub := c.client.Subscribe(subCtx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return err
	}

	go c.subscribeLoop(subCtx, pubsub)
	return nil
}

func (c *Cache) subscribeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(c.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleInvalidate(msg.Payload)
		}
	}
}

// handleInvalidate drops the local entry only if the message's version
// is strictly newer than what's locally cached (spec 4.10 "on receiving
// a message with newVersion > localVersion"). Malformed messages are
// logged and ignored.
func (c *Cache) handleInvalidate(payload string) {
	var m invalidateMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		c.log.WithError(err).Warn("participants: dropping malformed invalidate message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[m.ConversationID]
	if !ok || m.Version > entry.version {
		delete(c.local, m.ConversationID)
	}
}

// Dispose stops the subscriber loop.
func (c *Cache) Dispose(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

func (c *Cache) version(ctx context.Context, conv string) (int64, error) {
	raw, err := c.client.Get(ctx, verKey(conv)).Result()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 1, nil
	}
	return v, nil
}

// Get implements ParticipantCache.get (spec 4.10).
func (c *Cache) Get(ctx context.Context, conversationID string) ([]string, error) {
	version, err := c.version(ctx, conversationID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ParticipantErr.Inc()
		}
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.local[conversationID]
	c.mu.Unlock()
	if ok && entry.version == version {
		return entry.userIDs, nil
	}

	raw, err := c.client.Get(ctx, entryKey(conversationID, version)).Result()
	if err == redis.Nil {
		return nil, nil // miss: caller falls back to source of truth
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.ParticipantErr.Inc()
		}
		return nil, err
	}

	var userIDs []string
	if err := json.Unmarshal([]byte(raw), &userIDs); err != nil {
		if c.metrics != nil {
			c.metrics.ParticipantErr.Inc()
		}
		return nil, err
	}

	c.mu.Lock()
	c.local[conversationID] = localEntry{version: version, userIDs: userIDs}
	c.mu.Unlock()
	return userIDs, nil
}

// Set implements ParticipantCache.set (spec 4.10).
func (c *Cache) Set(ctx context.Context, conversationID string, userIDs []string) error {
	version, err := c.version(ctx, conversationID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(userIDs)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, entryKey(conversationID, version), raw, c.ttl).Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.local[conversationID] = localEntry{version: version, userIDs: userIDs}
	c.mu.Unlock()
	return nil
}

// Invalidate implements ParticipantCache.invalidate (spec 4.10): atomic
// counter bump, local delete, then fan-out publish.
func (c *Cache) Invalidate(ctx context.Context, conversationID string) error {
	newVersion, err := c.client.Incr(ctx, verKey(conversationID)).Result()
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.local, conversationID)
	c.mu.Unlock()

	payload, err := json.Marshal(invalidateMessage{ConversationID: conversationID, Version: newVersion})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, payload).Err()
}

// Resolve implements the "fall through to a read-port query" path of
// spec 4.11 step 5: on an empty Get result, query Source, populate the
// cache, and return the freshly-queried list.
func (c *Cache) Resolve(ctx context.Context, conversationID string) ([]string, error) {
	userIDs, err := c.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(userIDs) > 0 {
		return userIDs, nil
	}

	userIDs, err = c.source.ActiveParticipants(ctx, conversationID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ParticipantErr.Inc()
		}
		return nil, err
	}
	if err := c.Set(ctx, conversationID, userIDs); err != nil {
		c.log.WithError(err).Warn("participants: failed to populate cache after source fallback")
	}
	return userIDs, nil
}
