// Package spin separates busy-wait mechanism from busy-wait policy.
//
// Channels only ever ask "is it ready yet?" through a non-blocking poll. The
// helpers here turn such a poll into a blocking call by looping under a
// Policy: a burst of pure spinning, then yielding the processor with
// runtime.Gosched, then short sleeps. A Policy with a Limit gives up after a
// fixed number of iterations, which is how tests assert liveness without
// spinning forever.
package spin

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrExhausted is returned when a bounded Policy ran out of iterations
// before the awaited condition held.
var ErrExhausted = errors.New("spin: poll limit exhausted")

// Policy describes how aggressively a waiter spins.
type Policy struct {
	Spins  int           // iterations of pure busy looping
	Yields int           // iterations that call runtime.Gosched
	Sleep  time.Duration // sleep per iteration afterwards, 0 keeps yielding
	Limit  int           // total iterations before ErrExhausted, 0 = unbounded
}

// Default favours latency: spin briefly, yield for a while, then back off to
// short sleeps so an idle peer does not burn a whole core.
var Default = Policy{
	Spins:  256,
	Yields: 512,
	Sleep:  20 * time.Microsecond,
}

// OrDefault returns Default for the zero Policy and p otherwise.
func (p Policy) OrDefault() Policy {
	if p == (Policy{}) {
		return Default
	}
	return p
}

// Bounded returns a copy of p that gives up after limit iterations.
func (p Policy) Bounded(limit int) Policy {
	p.Limit = limit
	return p
}

// Backoff returns a fresh waiter driven by p.
func (p Policy) Backoff() Backoff {
	return Backoff{policy: p}
}

// Backoff is the per-wait iteration state of a Policy.
type Backoff struct {
	policy Policy
	n      int
}

// Wait performs one backoff step. It returns false, without waiting, once the
// policy's Limit has been reached.
func (b *Backoff) Wait() bool {
	p := &b.policy
	if p.Limit > 0 && b.n >= p.Limit {
		return false
	}
	b.n++
	switch {
	case b.n <= p.Spins:
	case b.n <= p.Spins+p.Yields || p.Sleep <= 0:
		runtime.Gosched()
	default:
		time.Sleep(p.Sleep)
	}
	return true
}

// Reset restarts the backoff from the spinning phase.
func (b *Backoff) Reset() {
	b.n = 0
}

// Iterations returns how many times Wait has backed off since the last Reset.
func (b *Backoff) Iterations() int {
	return b.n
}

// Until blocks until cond returns true.
func Until(p Policy, cond func() bool) error {
	b := p.Backoff()
	for !cond() {
		if !b.Wait() {
			return ErrExhausted
		}
	}
	return nil
}

// UntilContext is Until with cancellation. The context is checked between
// polls, so cond is always evaluated at least once.
func UntilContext(ctx context.Context, p Policy, cond func() bool) error {
	done := ctx.Done()
	b := p.Backoff()
	for !cond() {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		if !b.Wait() {
			return ErrExhausted
		}
	}
	return nil
}

// Poll blocks until poll reports a value.
func Poll[T any](p Policy, poll func() (T, bool)) (T, error) {
	b := p.Backoff()
	for {
		if v, ok := poll(); ok {
			return v, nil
		}
		if !b.Wait() {
			var zero T
			return zero, ErrExhausted
		}
	}
}

// PollContext is Poll with cancellation.
func PollContext[T any](ctx context.Context, p Policy, poll func() (T, bool)) (T, error) {
	done := ctx.Done()
	b := p.Backoff()
	for {
		if v, ok := poll(); ok {
			return v, nil
		}
		select {
		case <-done:
			var zero T
			return zero, ctx.Err()
		default:
		}
		if !b.Wait() {
			var zero T
			return zero, ErrExhausted
		}
	}
}
