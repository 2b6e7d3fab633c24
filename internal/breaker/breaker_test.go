package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThresholdAndResets(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	require.True(t, b.ShouldAllow())
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.ShouldAllow(), "still below threshold")
	b.RecordFailure()

	require.Equal(t, Open, b.State())
	require.False(t, b.ShouldAllow())

	time.Sleep(30 * time.Millisecond)
	require.True(t, b.ShouldAllow(), "reset timeout elapsed, should probe")
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
	require.True(t, b.ShouldAllow())
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.ShouldAllow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.ShouldAllow())
}

func TestBreaker_ClosedRecordSuccessResetsFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.Equal(t, Closed, b.State(), "success should have reset the failure count")
}

func TestBreaker_NeverBlocks(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.ShouldAllow()
			b.RecordFailure()
			b.RecordSuccess()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("breaker calls blocked")
	}
}
