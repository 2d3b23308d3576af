package multicast

import (
	"context"
	"fmt"
	"sync/atomic"

	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/spin"
)

// Writer is the channel's single producer. At most one Writer exists per
// segment across all processes; within a process it may be shared by
// goroutines, reservations are serialized by the spinlock in the writer
// line.
type Writer struct {
	ch     *Channel
	policy spin.Policy
	closed atomic.Bool
}

// Reservation is a slot handed out by Alloc, to be filled in place through
// Payload and published with Send.
type Reservation struct {
	Index   uint64
	Payload []byte
	slot    slotView
}

// Writer claims the writer role.
func (c *Channel) Writer() (*Writer, error) {
	if !c.h.writer.CompareAndSwap(0, 1) {
		log.Warn("multicast: writer role already claimed")
		return nil, ErrWriterClaimed
	}
	return &Writer{ch: c, policy: c.policy}, nil
}

// free reports whether the slot for idx may be handed out: its previous
// round, if any, is published and every addressed reader retired it. A
// reservation marker never matches prev.
func (w *Writer) free(idx uint64) bool {
	s := w.ch.slot(idx)
	var prev uint64
	if idx >= w.ch.capacity {
		prev = idx - w.ch.capacity + 1
	}
	return s.ctrl.seq.Load() == prev && s.ctrl.readers.Empty()
}

// tryReserve takes next_write under the spinlock if its slot is free. The
// wait for a slot happens before the lock, so the lock is never held across
// an unbounded wait and a failed attempt reserves nothing.
func (w *Writer) tryReserve() (uint64, bool, error) {
	idx := w.ch.wl.next.Load()
	if !w.free(idx) {
		return 0, false, nil
	}
	if err := w.ch.wl.lock.Lock(w.policy); err != nil {
		return 0, false, err
	}
	ok := w.ch.wl.next.CompareAndSwap(idx, idx+1)
	w.ch.wl.lock.Unlock()
	return idx, ok, nil
}

func (w *Writer) claim(idx uint64, length int) Reservation {
	s := w.ch.slot(idx)
	s.ctrl.seq.Store(reservedSeq(idx))
	return Reservation{Index: idx, Payload: s.payload[:length], slot: s}
}

func (w *Writer) check(length int) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if length < 0 || length > w.ch.maxPayload {
		return fmt.Errorf("%w: %d bytes, slot holds %d", protocol.ErrMessageTooLarge, length, w.ch.maxPayload)
	}
	return nil
}

// TryAlloc reserves the next slot for a payload of length bytes, or returns
// ErrFull if a reader still owes a read of it.
func (w *Writer) TryAlloc(length int) (Reservation, error) {
	if err := w.check(length); err != nil {
		return Reservation{}, err
	}
	for {
		idx, ok, err := w.tryReserve()
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return w.claim(idx, length), nil
		}
		if !w.free(w.ch.wl.next.Load()) {
			return Reservation{}, ErrFull
		}
	}
}

// Alloc reserves the next slot, waiting until every reader addressed by its
// previous round has retired it.
func (w *Writer) Alloc(length int) (Reservation, error) {
	return w.AllocContext(context.Background(), length)
}

// AllocContext is Alloc with cancellation.
func (w *Writer) AllocContext(ctx context.Context, length int) (Reservation, error) {
	if err := w.check(length); err != nil {
		return Reservation{}, err
	}
	var idx uint64
	err := spin.UntilContext(ctx, w.policy, func() bool {
		i, ok, err := w.tryReserve()
		if err != nil {
			return false
		}
		idx = i
		return ok
	})
	if err != nil {
		return Reservation{}, err
	}
	return w.claim(idx, length), nil
}

// mask resolves a destination to the readers a round is published to.
func (w *Writer) mask(dest int) (uint64, error) {
	active := w.ch.h.active.Load()
	if dest == All {
		return active, nil
	}
	if dest < 0 || dest >= w.ch.readers {
		return 0, fmt.Errorf("%w: %d", ErrInvalidReader, dest)
	}
	b := newReaderBit(dest)
	if !b.In(active) {
		return 0, fmt.Errorf("%w: reader %d", ErrEvicted, dest)
	}
	return b.mask, nil
}

// Send publishes res: the envelope header and length are written, then the
// bitmap, then the publish marker. dest is a reader id or All. On error the
// reservation stays valid and can be sent again or aborted.
func (w *Writer) Send(res Reservation, tag protocol.Tag, length int, dest int) error {
	if tag == protocol.TagInvalid {
		return fmt.Errorf("%w: TagInvalid is reserved", protocol.ErrInvalidHeader)
	}
	if err := w.check(length); err != nil {
		return err
	}
	mask, err := w.mask(dest)
	if err != nil {
		return err
	}
	w.publish(res, tag, length, mask)
	return nil
}

// Abort publishes res to nobody so readers step over it.
func (w *Writer) Abort(res Reservation) {
	w.publish(res, protocol.TagInvalid, 0, 0)
}

func (w *Writer) publish(res Reservation, tag protocol.Tag, length int, mask uint64) {
	s := res.slot
	if s.ctrl == nil {
		panic(fmt.Errorf("%w: send of a zero Reservation", protocol.ErrProtocolViolation))
	}
	if seq := s.ctrl.seq.Load(); seq != reservedSeq(res.Index) {
		panic(fmt.Errorf("%w: publish of index %d not reserved (seq %#x)",
			protocol.ErrProtocolViolation, res.Index, seq))
	}
	*s.header = protocol.NewHeader(tag, length)
	s.ctrl.length = uint64(length)
	if prev := s.ctrl.readers.publish(mask); prev != 0 {
		panic(fmt.Errorf("%w: publish of index %d over unretired readers %#x",
			protocol.ErrProtocolViolation, res.Index, prev))
	}
	// a reader evicted between mask and publish must not hold the slot
	if stale := mask &^ w.ch.h.active.Load(); stale != 0 {
		s.ctrl.readers.revoke(stale)
	}
	s.ctrl.seq.Store(res.Index + 1)
}

// Publish allocates a slot, copies payload into it and sends it to dest.
func (w *Writer) Publish(ctx context.Context, tag protocol.Tag, payload []byte, dest int) (uint64, error) {
	if dest != All {
		if _, err := w.mask(dest); err != nil {
			return 0, err
		}
	}
	res, err := w.AllocContext(ctx, len(payload))
	if err != nil {
		return 0, err
	}
	copy(res.Payload, payload)
	if err := w.Send(res, tag, len(payload), dest); err != nil {
		w.Abort(res)
		return 0, err
	}
	return res.Index, nil
}

// Broadcast publishes payload to every active reader.
func (w *Writer) Broadcast(tag protocol.Tag, payload []byte) error {
	_, err := w.Publish(context.Background(), tag, payload, All)
	return err
}

// SendTo publishes payload to one reader only.
func (w *Writer) SendTo(tag protocol.Tag, payload []byte, reader int) error {
	_, err := w.Publish(context.Background(), tag, payload, reader)
	return err
}

// Close releases the writer role. Published slots are left as they are.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.ch.h.writer.Store(0)
	return nil
}
