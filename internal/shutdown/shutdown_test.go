package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nyxloma/signalmesh/internal/health"
	"github.com/stretchr/testify/assert"
)

func TestShutdown_FlipsReadinessFlag(t *testing.T) {
	flag := health.NewFlag()
	c := New(Config{Health: flag})

	err := c.Shutdown(context.Background())

	assert.NoError(t, err)
	assert.False(t, flag.Ready())
}

func TestShutdown_RunsPhasesInOrder(t *testing.T) {
	flag := health.NewFlag()
	c := New(Config{Health: flag})

	var order []string
	c.AddPhase("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	c.AddPhase("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := c.Shutdown(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestShutdown_PhaseErrorDoesNotAbortSequence(t *testing.T) {
	flag := health.NewFlag()
	c := New(Config{Health: flag})

	var ran bool
	c.AddPhase("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	c.AddPhase("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := c.Shutdown(context.Background())

	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestShutdown_HardDeadlineSkipsRemainingPhases(t *testing.T) {
	flag := health.NewFlag()
	c := New(Config{Health: flag, HardTimeout: 20 * time.Millisecond})

	var secondRan bool
	c.AddPhase("slow", func(ctx context.Context) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	})
	c.AddPhase("second", func(ctx context.Context) error {
		secondRan = true
		return nil
	})

	err := c.Shutdown(context.Background())

	assert.Error(t, err)
	assert.False(t, secondRan)
}
