package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nyxloma/signalmesh/internal/breaker"
	"github.com/stretchr/testify/require"
)

func TestManager_RoundTripAndStaleness(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(ManagerConfig{
		Provider:        NewMemory(MemoryConfig{MaxItems: 10}),
		StalenessBudget: 10 * time.Millisecond,
	})

	require.NoError(t, mgr.Set(ctx, "k1", []byte("v1")))

	res, err := mgr.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.False(t, res.Stale)
	require.Equal(t, []byte("v1"), res.Value)

	time.Sleep(20 * time.Millisecond)
	res, err = mgr.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.True(t, res.Stale)

	require.NoError(t, mgr.Delete(ctx, "k1"))
	res, err = mgr.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestManager_ExplicitZeroTTLOverridesDefaultAndNeverExpires(t *testing.T) {
	ctx := context.Background()
	provider := NewMemory(MemoryConfig{MaxItems: 10, DefaultTTL: 10 * time.Millisecond})
	mgr := NewManager(ManagerConfig{
		Provider:   provider,
		TTLSeconds: -1, // "use provider default" for entries that don't override
	})

	require.NoError(t, mgr.Set(ctx, "expires", []byte("v1")))
	require.NoError(t, mgr.Set(ctx, "never", []byte("v2"), 0))
	time.Sleep(20 * time.Millisecond)

	res, err := mgr.Get(ctx, "expires")
	require.NoError(t, err)
	require.False(t, res.Found, "entry relying on the provider default should have expired")

	res, err = mgr.Get(ctx, "never")
	require.NoError(t, err)
	require.True(t, res.Found, "explicit TTLSeconds=0 must override the manager default and never expire")
}

func TestManager_InvalidateFanIn(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(ManagerConfig{Provider: NewMemory(MemoryConfig{MaxItems: 10})})

	var got []string
	unsub := mgr.OnInvalidate(func(key string) { got = append(got, key) })
	defer unsub()

	require.NoError(t, mgr.Set(ctx, "a", []byte("1")))
	require.NoError(t, mgr.Delete(ctx, "a"))

	require.Equal(t, []string{"a", "a"}, got)
}

func TestManager_CircuitOpenFailsFast(t *testing.T) {
	ctx := context.Background()
	br := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	mgr := NewManager(ManagerConfig{
		Provider: NewMemory(MemoryConfig{MaxItems: 10}),
		Breaker:  br,
	})

	// Force the breaker open directly.
	br.RecordFailure()
	require.False(t, br.ShouldAllow())

	_, err := mgr.Get(ctx, "k1")
	require.Error(t, err)
}
