package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/nyxloma/signalmesh/internal/obsv"
	"github.com/nyxloma/signalmesh/internal/retry"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of Manager.Get: the decoded value (if any) and
// whether it is stale under the manager's staleness budget.
type Result struct {
	Value []byte
	Found bool
	Stale bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider           Provider
	TTLSeconds         int           // default 60; -1 defers to the provider's default TTL
	StalenessBudget    time.Duration // default 100ms
	Breaker            *breaker.Breaker
	Retry              *retry.Options
	Namespace          string
	Adapter            string
	Metrics            *obsv.Registry
	Logger             *logrus.Entry
}

// Manager is the CacheManager façade of spec 4.4: it wraps a Provider
// with metrics, optional retry, optional breaker, and the staleness
// policy, and fans in both local writes and provider-originated
// invalidations to its own subscribers.
type Manager struct {
	provider  Provider
	ttl       int
	staleness time.Duration
	br        *breaker.Breaker
	retryOpts *retry.Options
	namespace string
	adapter   string
	metrics   *obsv.Registry
	log       *logrus.Entry

	mu          sync.Mutex
	subscribers map[int]InvalidateHandler
	nextSubID   int
	unsubProv   func()
}

// NewManager constructs a Manager and wires provider-originated
// invalidations into the manager's own subscriber set.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = 60
	}
	if cfg.StalenessBudget <= 0 {
		cfg.StalenessBudget = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		provider:    cfg.Provider,
		ttl:         cfg.TTLSeconds,
		staleness:   cfg.StalenessBudget,
		br:          cfg.Breaker,
		retryOpts:   cfg.Retry,
		namespace:   cfg.Namespace,
		adapter:     cfg.Adapter,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		subscribers: make(map[int]InvalidateHandler),
	}
	m.unsubProv = cfg.Provider.OnInvalidate(m.emitInvalidate)
	return m
}

// OnInvalidate registers a handler for both local writes/deletes and
// provider-originated (peer) invalidations.
func (m *Manager) OnInvalidate(h InvalidateHandler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emitInvalidate(key string) {
	m.mu.Lock()
	handlers := make([]InvalidateHandler, 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(key)
	}
}

// Dispose unregisters from the provider's invalidation fan-out. Per the
// design note on cyclic references, this must run before the provider is
// torn down.
func (m *Manager) Dispose(ctx context.Context) error {
	if m.unsubProv != nil {
		m.unsubProv()
	}
	return nil
}

// Get returns the cached value for key, or Found=false on a miss. A hit
// is reported as Stale=true when the entry's age exceeds the effective
// staleness budget.
func (m *Manager) Get(ctx context.Context, key string) (Result, error) {
	var env Envelope
	var found bool

	err := m.execute(ctx, "get", func(ctx context.Context) error {
		var err error
		env, found, err = m.provider.Get(ctx, key)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !found {
		m.record("miss")
		m.log.WithField("key", key).Debug("cache: miss")
		return Result{Found: false}, nil
	}

	stale := nowMillis()-env.StoredAt > m.staleness.Milliseconds()
	if stale {
		m.record("stale")
	} else {
		m.record("hit")
	}
	return Result{Value: env.Value, Found: true, Stale: stale}, nil
}

// Set writes value under key with the manager's default TTL (or an
// override), and emits a local invalidate(key). An explicit ttlSeconds
// of 0 means never expire (spec 4.3); omitting the argument uses the
// manager's configured default.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttlSeconds ...int) error {
	ttl := m.ttl
	if len(ttlSeconds) > 0 {
		ttl = ttlSeconds[0]
	}
	env := Envelope{Value: value, StoredAt: nowMillis()}

	err := m.execute(ctx, "set", func(ctx context.Context) error {
		return m.provider.Set(ctx, key, env, SetOptions{TTLSeconds: ttl})
	})
	if err != nil {
		return err
	}
	m.emitInvalidate(key)
	return nil
}

// Delete removes key and emits a local invalidate(key).
func (m *Manager) Delete(ctx context.Context, key string) error {
	err := m.execute(ctx, "delete", func(ctx context.Context) error {
		return m.provider.Delete(ctx, key)
	})
	if err != nil {
		return err
	}
	m.emitInvalidate(key)
	return nil
}

// execute applies the breaker-check -> op -> record-success/failure ->
// optional-retry policy from spec 4.4. It records no metrics sample
// itself: the only samples are the hit/stale/miss results Get records,
// so Set, Delete and failed calls are not counted.
func (m *Manager) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if m.br != nil && !m.br.ShouldAllow() {
		m.log.WithField("op", op).Warn("cache: circuit open, failing fast")
		return apperrors.New(apperrors.CircuitOpen, "cache circuit open")
	}

	run := func(ctx context.Context) error {
		err := fn(ctx)
		if m.br != nil {
			if err != nil {
				m.br.RecordFailure()
			} else {
				m.br.RecordSuccess()
			}
		}
		return err
	}

	if m.retryOpts != nil {
		return retry.Do(ctx, *m.retryOpts, run)
	}
	return run(ctx)
}

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.CacheHits.WithLabelValues(m.namespace, result).Inc()
	}
}

// MarshalValue is a small convenience so callers of Set can pass
// arbitrary JSON-able values instead of raw bytes.
func MarshalValue(v interface{}) ([]byte, error) { return json.Marshal(v) }

// UnmarshalValue decodes bytes previously produced by MarshalValue.
func UnmarshalValue(b []byte, out interface{}) error { return json.Unmarshal(b, out) }
