package spin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gosuda.org/shmcast/internal/spin"
)

func TestBoundedUntilGivesUp(t *testing.T) {
	calls := 0
	err := spin.Until(spin.Default.Bounded(100), func() bool {
		calls++
		return false
	})
	if !errors.Is(err, spin.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 101 {
		t.Errorf("expected 101 polls, got %d", calls)
	}
}

func TestUntilReturnsWhenReady(t *testing.T) {
	calls := 0
	err := spin.Until(spin.Default.Bounded(1000), func() bool {
		calls++
		return calls == 10
	})
	if err != nil {
		t.Fatalf("Until: %v", err)
	}
}

func TestPollValue(t *testing.T) {
	n := 0
	v, err := spin.Poll(spin.Policy{Spins: 4, Limit: 50}, func() (int, bool) {
		n++
		return n * 2, n == 5
	})
	if err != nil || v != 10 {
		t.Fatalf("Poll = %d, %v; want 10, nil", v, err)
	}
}

func TestPollContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := spin.PollContext(ctx, spin.Default, func() (struct{}, bool) {
		return struct{}{}, false
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestBackoffPhases(t *testing.T) {
	b := spin.Policy{Spins: 2, Yields: 2, Sleep: time.Microsecond, Limit: 6}.Backoff()
	for i := 0; i < 6; i++ {
		if !b.Wait() {
			t.Fatalf("Wait %d returned false early", i)
		}
	}
	if b.Wait() {
		t.Fatal("Wait should fail after the limit")
	}
	if b.Iterations() != 6 {
		t.Errorf("Iterations = %d, want 6", b.Iterations())
	}
	b.Reset()
	if !b.Wait() {
		t.Fatal("Wait should succeed after Reset")
	}
}

func TestOrDefault(t *testing.T) {
	if (spin.Policy{}).OrDefault() != spin.Default {
		t.Fatal("zero policy should map to Default")
	}
	p := spin.Policy{Spins: 1}
	if p.OrDefault() != p {
		t.Fatal("non-zero policy should be kept")
	}
}

func TestLockMutualExclusion(t *testing.T) {
	var l spin.Lock
	var wg sync.WaitGroup
	counter := 0
	const workers, rounds = 8, 1000
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := l.Lock(spin.Default); err != nil {
					t.Error(err)
					return
				}
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*rounds {
		t.Fatalf("counter = %d, want %d", counter, workers*rounds)
	}
	if l.Locked() {
		t.Fatal("lock left held")
	}
}

func TestLockBounded(t *testing.T) {
	var l spin.Lock
	if !l.TryLock() {
		t.Fatal("TryLock on free lock failed")
	}
	if err := l.Lock(spin.Default.Bounded(10)); !errors.Is(err, spin.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	l.Unlock()
}

func TestUnlockOfFreeLockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var l spin.Lock
	l.Unlock()
}
