package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 10})

	require.NoError(t, m.Set(ctx, "k1", Envelope{Value: []byte("v1")}, SetOptions{}))

	env, ok, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), env.Value)

	require.NoError(t, m.Delete(ctx, "k1"))
	_, ok, err = m.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 10})

	require.NoError(t, m.Set(ctx, "k1", Envelope{Value: []byte("v1")}, SetOptions{}))
	// With DefaultTTL unset (0), an omitted TTLSeconds never expires.
	_, ok, _ := m.Get(ctx, "k1")
	require.True(t, ok)

	m2 := NewMemory(MemoryConfig{MaxItems: 10, DefaultTTL: 10 * time.Millisecond})
	require.NoError(t, m2.Set(ctx, "k2", Envelope{Value: []byte("v2")}, SetOptions{}))
	time.Sleep(20 * time.Millisecond)
	_, ok, _ = m2.Get(ctx, "k2")
	require.False(t, ok, "entry should have expired")
}

func TestMemory_ExplicitZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 10, DefaultTTL: 10 * time.Millisecond})

	require.NoError(t, m.Set(ctx, "k1", Envelope{Value: []byte("v1")}, SetOptions{TTLSeconds: 0}))
	time.Sleep(20 * time.Millisecond)

	_, ok, _ := m.Get(ctx, "k1")
	require.True(t, ok, "explicit TTLSeconds=0 must override the provider default and never expire")
}

func TestMemory_NegativeTTLUsesProviderDefault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 10, DefaultTTL: 10 * time.Millisecond})

	require.NoError(t, m.Set(ctx, "k1", Envelope{Value: []byte("v1")}, SetOptions{TTLSeconds: -1}))
	time.Sleep(20 * time.Millisecond)

	_, ok, _ := m.Get(ctx, "k1")
	require.False(t, ok, "TTLSeconds=-1 should fall back to the provider default TTL")
}

func TestMemory_EvictsOldestOnCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 2})

	require.NoError(t, m.Set(ctx, "a", Envelope{Value: []byte("1")}, SetOptions{}))
	require.NoError(t, m.Set(ctx, "b", Envelope{Value: []byte("2")}, SetOptions{}))
	// Touch "a" so it becomes most-recently-used; "b" should be evicted next.
	_, _, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "c", Envelope{Value: []byte("3")}, SetOptions{}))

	_, ok, _ := m.Get(ctx, "b")
	require.False(t, ok, "least-recently-used entry should have been evicted")
	_, ok, _ = m.Get(ctx, "a")
	require.True(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	require.True(t, ok)
}

func TestMemory_SetOnExistingKeyDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxItems: 1})

	require.NoError(t, m.Set(ctx, "a", Envelope{Value: []byte("1")}, SetOptions{}))
	require.NoError(t, m.Set(ctx, "a", Envelope{Value: []byte("2")}, SetOptions{}))

	env, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, []byte("2"), env.Value)
}
