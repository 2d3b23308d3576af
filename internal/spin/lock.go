package spin

import "sync/atomic"

// Lock is a test-and-set spinlock that can live inside a shared segment:
// its zero value is unlocked and it holds no process-local state.
type Lock struct {
	state atomic.Uint32
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// Lock acquires the lock, backing off under p while it is held elsewhere.
func (l *Lock) Lock(p Policy) error {
	b := p.Backoff()
	for !l.TryLock() {
		if !b.Wait() {
			return ErrExhausted
		}
	}
	return nil
}

// Unlock releases the lock. Unlocking a free lock is a programming error.
func (l *Lock) Unlock() {
	if l.state.Swap(0) != 1 {
		panic("spin: unlock of unlocked lock")
	}
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return l.state.Load() != 0
}
