package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is one LRU slot.
type memoryEntry struct {
	key     string
	env     Envelope
	expires time.Time // zero means never expires
	elem    *list.Element
}

// Memory is an in-memory, TTL-indexed LRU CacheProvider bounded by
// MaxItems. Style grounded on
// zJUNAIDz-vibe-learning-dump/go-concurrency/projects/cache/final/cache.go
// (sharded map + container/list LRU + background TTL sweep), collapsed to
// a single shard since this module's caller already fans out by
// namespace/adapter.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*memoryEntry
	lru      *list.List
	maxItems int
	// defaultTTL is used when SetOptions.TTLSeconds is negative (-1).
	defaultTTL time.Duration
}

// MemoryConfig configures a Memory provider.
type MemoryConfig struct {
	MaxItems   int
	DefaultTTL time.Duration
}

// NewMemory constructs a bounded in-memory LRU provider.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10_000
	}
	return &Memory{
		items:      make(map[string]*memoryEntry),
		lru:        list.New(),
		maxItems:   cfg.MaxItems,
		defaultTTL: cfg.DefaultTTL,
	}
}

func (m *Memory) Init(ctx context.Context) error    { return nil }
func (m *Memory) Dispose(ctx context.Context) error { return nil }

// OnInvalidate is a no-op registration: the in-memory provider has no
// cross-process peers to fan invalidations in from.
func (m *Memory) OnInvalidate(h InvalidateHandler) (unsubscribe func()) {
	return func() {}
}

func (m *Memory) Get(ctx context.Context, key string) (Envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return Envelope{}, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.removeLocked(e)
		return Envelope{}, false, nil
	}
	// Promote to most-recently-used.
	m.lru.MoveToFront(e.elem)
	return e.env, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, env Envelope, opts SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// TTLSeconds == 0 means never expire; -1 means use the provider
	// default; any positive value is an explicit TTL.
	ttl := m.defaultTTL
	switch {
	case opts.TTLSeconds == 0:
		ttl = 0 // never expire
	case opts.TTLSeconds > 0:
		ttl = time.Duration(opts.TTLSeconds) * time.Second
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	if e, ok := m.items[key]; ok {
		e.env = env
		e.expires = expires
		m.lru.MoveToFront(e.elem)
		return nil
	}

	if m.lru.Len() >= m.maxItems {
		if oldest := m.lru.Back(); oldest != nil {
			m.removeLocked(oldest.Value.(*memoryEntry))
		}
	}

	e := &memoryEntry{key: key, env: env, expires: expires}
	e.elem = m.lru.PushFront(e)
	m.items[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.items[key]; ok {
		m.removeLocked(e)
	}
	return nil
}

// removeLocked must be called with mu held.
func (m *Memory) removeLocked(e *memoryEntry) {
	delete(m.items, e.key)
	m.lru.Remove(e.elem)
}
