// Package shutdown implements the graceful-shutdown orchestrator of
// spec section 5 ("Cancellation and timeouts"): a small Coordinator
// driving the four(-plus-one) phase sequence, backed by
// golang.org/x/sync/errgroup for phases that fan out internally, under
// a hard deadline context (SPEC_FULL 11 supplement #2).
package shutdown

import (
	"context"
	"time"

	"github.com/nyxloma/signalmesh/internal/health"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Phase is one named shutdown step. Steps within a phase that can run
// concurrently (e.g. stopping several consumers) should do so inside fn
// using their own errgroup; the Coordinator only sequences phases.
type Phase struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator drives the ordered shutdown sequence of spec 5: (a) flip
// readiness to not-ready, (b) stop accepting new connections, (c) stop
// consumers (drain reorder buffers), (d) stop dispatcher (flush
// in-flight outbox pumps), (e) close pools.
type Coordinator struct {
	health      *health.Flag
	phases      []Phase
	hardTimeout time.Duration // default 45s
	log         *logrus.Entry
}

// Config configures a Coordinator.
type Config struct {
	Health      *health.Flag
	HardTimeout time.Duration // default 45s
	Logger      *logrus.Entry
}

// New constructs a Coordinator. Phase (a) (flip readiness) is handled
// internally by Shutdown; callers register phases (b) through (e) (and
// any others) via AddPhase in the order they should run.
func New(cfg Config) *Coordinator {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{health: cfg.Health, hardTimeout: cfg.HardTimeout, log: cfg.Logger}
}

// AddPhase appends a named phase to the sequence.
func (c *Coordinator) AddPhase(name string, fn func(ctx context.Context) error) {
	c.phases = append(c.phases, Phase{Name: name, Fn: fn})
}

// Shutdown flips readiness to not-ready, then runs every registered
// phase in order under a hard deadline. A phase error is logged but
// does not abort later phases — shutdown must make forward progress
// even if one phase misbehaves. Once the hard deadline is hit the
// remaining phases are skipped and Shutdown returns the deadline error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.health.SetNotReady()
	c.log.Info("shutdown: readiness flipped to not-ready")

	deadline := time.Now().Add(c.hardTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, phase := range c.phases {
		select {
		case <-ctx.Done():
			c.log.WithField("phase", phase.Name).Warn("shutdown: hard deadline exceeded, skipping remaining phases")
			return ctx.Err()
		default:
		}

		c.log.WithField("phase", phase.Name).Info("shutdown: running phase")
		if err := runPhase(ctx, phase); err != nil {
			c.log.WithError(err).WithField("phase", phase.Name).Error("shutdown: phase failed, continuing")
		}
	}
	return nil
}

// runPhase runs fn under its own errgroup so a phase that internally
// fans out (stopping N consumers concurrently) still reports a single
// error to the sequencer.
func runPhase(ctx context.Context, phase Phase) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return phase.Fn(gctx) })
	return g.Wait()
}
