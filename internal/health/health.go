// Package health is the atomic readiness flag flipped by the shutdown
// coordinator's first phase (SPEC_FULL 11 supplement #3). The HTTP
// /healthz surface itself is out of scope; only the in-process flag the
// shutdown phases manipulate lives here.
package health

import "sync/atomic"

// Flag is a process-wide ready/not-ready toggle.
type Flag struct {
	ready atomic.Bool
}

// NewFlag constructs a Flag, ready by default.
func NewFlag() *Flag {
	f := &Flag{}
	f.ready.Store(true)
	return f
}

// Ready reports whether the process should accept new work.
func (f *Flag) Ready() bool { return f.ready.Load() }

// SetNotReady flips the flag to not-ready (shutdown phase (a)).
func (f *Flag) SetNotReady() { f.ready.Store(false) }
