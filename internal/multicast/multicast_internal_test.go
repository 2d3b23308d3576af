package multicast

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"gosuda.org/shmcast/internal/cacheline"
	"gosuda.org/shmcast/internal/protocol"
)

func openTest(t *testing.T, cfg Config) *Channel {
	t.Helper()
	ch, err := Open(cacheline.Bytes(int(Size(cfg))), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func expectViolation(t *testing.T) {
	t.Helper()
	r := recover()
	err, ok := r.(error)
	if !ok || !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation panic, got %v", r)
	}
}

func TestReaderBit(t *testing.T) {
	var s ReaderSet
	s.publish(fullMask(3))
	b1 := newReaderBit(1)
	if !b1.In(s.Load()) || b1.Mask() != 0b010 || b1.ID() != 1 {
		t.Fatal("bit 1")
	}
	if !b1.Retire(&s) {
		t.Fatal("retire of a set bit reported unset")
	}
	if s.Load() != 0b101 {
		t.Fatalf("set after retire = %#b", s.Load())
	}
	if b1.Retire(&s) {
		t.Fatal("second retire reported set")
	}
	if prev := s.revoke(0b101); prev != 0b101 || !s.Empty() {
		t.Fatalf("revoke: prev %#b now %#b", prev, s.Load())
	}
	if fullMask(64) != ^uint64(0) || fullMask(1) != 1 {
		t.Fatal("fullMask")
	}
}

func TestRetireViolationPanics(t *testing.T) {
	ch := openTest(t, Config{Capacity: 2, MaxPayload: 8, Readers: 2})
	w, _ := ch.Writer()
	if err := w.SendTo(protocol.TagData, []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	r1, _ := ch.Reader(1)
	defer expectViolation(t)
	r1.retire(ch.slot(0))
}

func TestPublishOverUnretiredPanics(t *testing.T) {
	ch := openTest(t, Config{Capacity: 1, MaxPayload: 8, Readers: 1})
	w, _ := ch.Writer()
	if err := w.Broadcast(protocol.TagData, []byte("x")); err != nil {
		t.Fatal(err)
	}
	// forge a reservation for the next lap without waiting for the reader
	res := Reservation{Index: 1, Payload: ch.slot(1).payload, slot: ch.slot(1)}
	res.slot.ctrl.seq.Store(reservedSeq(1))
	defer expectViolation(t)
	w.Send(res, protocol.TagData, 1, All)
}

func TestPublishUnreservedPanics(t *testing.T) {
	ch := openTest(t, Config{Capacity: 2, MaxPayload: 8, Readers: 1})
	w, _ := ch.Writer()
	res := Reservation{Index: 0, Payload: ch.slot(0).payload, slot: ch.slot(0)}
	defer expectViolation(t)
	w.Send(res, protocol.TagData, 1, All)
}

func TestReservationMarker(t *testing.T) {
	ch := openTest(t, Config{Capacity: 2, MaxPayload: 8, Readers: 1})
	w, _ := ch.Writer()
	res, err := w.TryAlloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.slot.ctrl.seq.Load(); got != 1|reserved {
		t.Fatalf("seq while filling = %#x", got)
	}
	if w.free(2) {
		t.Fatal("slot handed out while its round is reserved")
	}
	w.Abort(res)
	if got := res.slot.ctrl.seq.Load(); got != 1 {
		t.Fatalf("seq after abort = %#x", got)
	}
}

// TestAllocNeverOvertakesReaders checks that a slot is only handed out again
// once every reader addressed by its previous round has consumed it.
func TestAllocNeverOvertakesReaders(t *testing.T) {
	const (
		readers = 3
		count   = 5000
	)
	ch := openTest(t, Config{Capacity: 2, MaxPayload: 8, Readers: readers})
	w, _ := ch.Writer()
	var consumed [readers]atomic.Uint64

	var g errgroup.Group
	g.Go(func() error {
		for i := uint64(0); i < count; i++ {
			res, err := w.Alloc(1)
			if err != nil {
				return err
			}
			if !res.slot.ctrl.readers.Empty() {
				return fmt.Errorf("index %d handed out with readers pending", res.Index)
			}
			if res.Index >= ch.capacity {
				for id := range consumed {
					if c := consumed[id].Load(); c < res.Index-ch.capacity+1 {
						return fmt.Errorf("index %d reused while reader %d consumed only %d", res.Index, id, c)
					}
				}
			}
			res.Payload[0] = byte(i)
			if err := w.Send(res, protocol.TagData, 1, All); err != nil {
				return err
			}
		}
		return nil
	})
	for id := 0; id < readers; id++ {
		r, err := ch.Reader(id)
		if err != nil {
			t.Fatal(err)
		}
		g.Go(func() error {
			for i := uint64(0); i < count; i++ {
				var bad bool
				err := r.RecvFunc(func(_ protocol.Tag, p []byte) {
					bad = p[0] != byte(i)
					consumed[id].Add(1)
				})
				if err != nil {
					return err
				}
				if bad {
					return fmt.Errorf("reader %d: message %d corrupted", id, i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
