package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// fanoutMessage is the wire shape published on the shared invalidation
// channel (spec section 6, "Cache fan-out message").
type fanoutMessage struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// Redis is a distributed K/V CacheProvider backed by Redis, namespacing
// keys as "ns:key" and fanning invalidations out over a Pub/Sub channel
// shared by every process pointed at the same Redis. Grounded on the
// redis/go-redis/v9 usage in other_examples/manifests/WAN-Ninjas-AmityVox
// and the subscriber-loop shape of
// other_examples/98b399b1_infigaming-com-go-common__pubsub-subscription.go.go.
type Redis struct {
	client     redis.UniversalClient
	log        *logrus.Entry
	namespace  string
	channel    string
	instanceID string

	mu          sync.Mutex
	subscribers map[int]InvalidateHandler
	nextSubID   int

	cancelSub context.CancelFunc
	done      chan struct{}
}

// RedisConfig configures a Redis provider.
type RedisConfig struct {
	Client     redis.UniversalClient
	Namespace  string
	Channel    string // default "<namespace>:invalidate"
	InstanceID string // used to ignore self-originated fan-out messages; default a random UUID
	Logger     *logrus.Entry
}

// NewRedis constructs a Redis-backed CacheProvider. Call Init to start
// the Pub/Sub subscriber loop.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = cfg.Namespace + ":invalidate"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{
		client:      cfg.Client,
		log:         cfg.Logger,
		namespace:   cfg.Namespace,
		channel:     cfg.Channel,
		instanceID:  cfg.InstanceID,
		subscribers: make(map[int]InvalidateHandler),
	}
}

func (r *Redis) nsKey(key string) string { return fmt.Sprintf("%s:%s", r.namespace, key) }

// Init starts the background Pub/Sub subscriber. Malformed payloads are
// dropped silently and never crash the loop (spec 4.3).
func (r *Redis) Init(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	r.cancelSub = cancel
	r.done = make(chan struct{})

	pubsub := r.client.Subscribe(subCtx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return err
	}

	go r.subscribeLoop(subCtx, pubsub)
	return nil
}

func (r *Redis) subscribeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(r.done)
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
			r.handleFanout(msg.Payload)
		}
	}
}

func (r *Redis) handleFanout(payload string) {
	var m fanoutMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.log.WithError(err).Debug("cache: dropping malformed fan-out message")
		return
	}
	if m.Origin == r.instanceID {
		return // self-originated, ignore
	}

	r.mu.Lock()
	handlers := make([]InvalidateHandler, 0, len(r.subscribers))
	for _, h := range r.subscribers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(m.Key)
	}
}

func (r *Redis) Dispose(ctx context.Context) error {
	if r.cancelSub != nil {
		r.cancelSub()
		<-r.done
	}
	return nil
}

func (r *Redis) OnInvalidate(h InvalidateHandler) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *Redis) Get(ctx context.Context, key string) (Envelope, bool, error) {
	raw, err := r.client.Get(ctx, r.nsKey(key)).Bytes()
	if err == redis.Nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, env Envelope, opts SetOptions) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	nsKey := r.nsKey(key)
	if opts.TTLSeconds > 0 {
		if err := r.client.Set(ctx, nsKey, raw, secondsToDuration(opts.TTLSeconds)).Err(); err != nil {
			return err
		}
	} else {
		if err := r.client.Set(ctx, nsKey, raw, 0).Err(); err != nil {
			return err
		}
	}
	return r.publish(ctx, key)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.nsKey(key)).Err(); err != nil {
		return err
	}
	return r.publish(ctx, key)
}

func (r *Redis) publish(ctx context.Context, key string) error {
	payload, err := json.Marshal(fanoutMessage{Key: key, Origin: r.instanceID})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
