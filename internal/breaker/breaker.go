// Package breaker gates outbound provider calls per (provider, org).
//
// The breaker is the one piece of state shared across unrelated attempts,
// so it avoids per-key locks: each entry is a single atomically swapped
// value updated with compare-and-swap. A lost increment under a race is
// acceptable; the requirement is eventual gating, not exact counting.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies one breaker entry.
type Key struct {
	Provider string
	OrgID    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Provider, k.OrgID)
}

// state is the immutable snapshot stored per key. Updates replace the
// whole snapshot via CAS on the containing atomic.Pointer.
type state struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Breaker is a process-wide registry of circuit states. Cardinality is low:
// one entry per (provider, org) pair, not per attempt.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	entries sync.Map // Key -> *atomic.Pointer[state]

	onStateChange func(key Key, open bool)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback fired when a circuit opens or closes.
// Used to drive the breaker state gauge.
func WithStateChange(fn func(key Key, open bool)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a Breaker that opens after threshold consecutive failures and
// stays open for the cooldown period.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) entry(key Key) *atomic.Pointer[state] {
	if p, ok := b.entries.Load(key); ok {
		return p.(*atomic.Pointer[state])
	}
	p := &atomic.Pointer[state]{}
	p.Store(&state{})
	actual, _ := b.entries.LoadOrStore(key, p)
	return actual.(*atomic.Pointer[state])
}

// IsOpen reports whether calls for the key should be rejected without
// reaching the network.
func (b *Breaker) IsOpen(key Key) bool {
	s := b.entry(key).Load()
	return b.now().Before(s.openUntil)
}

// RecordSuccess resets the failure counter and closes the circuit. Any
// completed API round-trip counts, business declines included: the network
// call itself worked.
func (b *Breaker) RecordSuccess(key Key) {
	p := b.entry(key)
	for {
		old := p.Load()
		if old.consecutiveFailures == 0 && old.openUntil.IsZero() {
			return
		}
		wasOpen := b.now().Before(old.openUntil)
		if p.CompareAndSwap(old, &state{}) {
			if wasOpen && b.onStateChange != nil {
				b.onStateChange(key, false)
			}
			return
		}
	}
}

// RecordFailure increments the failure counter and opens the circuit once
// the threshold is crossed.
func (b *Breaker) RecordFailure(key Key) {
	p := b.entry(key)
	for {
		old := p.Load()
		next := &state{
			consecutiveFailures: old.consecutiveFailures + 1,
			openUntil:           old.openUntil,
		}
		opened := false
		if next.consecutiveFailures >= b.threshold {
			next.openUntil = b.now().Add(b.cooldown)
			opened = !b.now().Before(old.openUntil)
		}
		if p.CompareAndSwap(old, next) {
			if opened && b.onStateChange != nil {
				b.onStateChange(key, true)
			}
			return
		}
	}
}

// Failures returns the current consecutive-failure count. Eventually
// consistent; informational only.
func (b *Breaker) Failures(key Key) int {
	return b.entry(key).Load().consecutiveFailures
}
