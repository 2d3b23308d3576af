package multicast

import (
	"context"
	"fmt"

	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/spin"
)

// Reader consumes the rounds addressed to one reader id. Its cursor lives in
// the segment so a re-attached Reader resumes where the last one stopped.
// A Reader is not safe for concurrent use.
type Reader struct {
	ch     *Channel
	bit    ReaderBit
	cursor *cursorLine
	next   uint64
	policy spin.Policy
	closed bool
}

// Reader attaches reader id.
func (c *Channel) Reader(id int) (*Reader, error) {
	if id < 0 || id >= c.readers {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidReader, id, c.readers)
	}
	bit := newReaderBit(id)
	if c.evicted(bit) {
		return nil, fmt.Errorf("%w: reader %d", ErrEvicted, id)
	}
	cur := &c.cursors[id]
	if !cur.attached.CompareAndSwap(0, 1) {
		log.WithField("reader", id).Warn("multicast: reader already attached")
		return nil, fmt.Errorf("%w: reader %d", ErrReaderClaimed, id)
	}
	return &Reader{ch: c, bit: bit, cursor: cur, next: cur.next.Load(), policy: c.policy}, nil
}

// ID returns the reader id.
func (r *Reader) ID() int { return r.bit.id }

// Cursor returns the index of the next round the reader looks at.
func (r *Reader) Cursor() uint64 { return r.next }

func (r *Reader) advance() {
	r.next++
	r.cursor.next.Store(r.next)
}

// poll returns the slot of the next round addressed to r. Rounds published
// to other readers, or already overwritten or reserved for a later round
// because r was not addressed, are stepped over. seq is re-read after the
// bitmap so a slot reused between the two loads is never taken for the
// round at the cursor.
func (r *Reader) poll() (slotView, bool, error) {
	if r.closed {
		return slotView{}, false, ErrClosed
	}
	if r.ch.evicted(r.bit) {
		return slotView{}, false, ErrEvicted
	}
	for {
		want := r.next + 1
		s := r.ch.slot(r.next)
		s1 := s.ctrl.seq.Load()
		round := s1 &^ reserved
		if round < want {
			return slotView{}, false, nil
		}
		if round > want {
			r.advance()
			continue
		}
		if s1&reserved != 0 {
			// the round at the cursor is still being filled
			return slotView{}, false, nil
		}
		set := s.ctrl.readers.Load()
		if s.ctrl.seq.Load() != s1 {
			continue
		}
		if !r.bit.In(set) {
			r.advance()
			continue
		}
		return s, true, nil
	}
}

// retire clears r's bit on s and moves the cursor past it.
func (r *Reader) retire(s slotView) error {
	if !r.bit.Retire(&s.ctrl.readers) {
		if r.ch.evicted(r.bit) {
			return ErrEvicted
		}
		panic(fmt.Errorf("%w: reader %d retired index %d it does not hold",
			protocol.ErrProtocolViolation, r.bit.id, r.next))
	}
	r.advance()
	return nil
}

func (r *Reader) wait(ctx context.Context) (slotView, error) {
	done := ctx.Done()
	b := r.policy.Backoff()
	for {
		s, ok, err := r.poll()
		if err != nil || ok {
			return s, err
		}
		select {
		case <-done:
			return s, ctx.Err()
		default:
		}
		if !b.Wait() {
			return s, spin.ErrExhausted
		}
	}
}

func (r *Reader) copyOut(s slotView, dst []byte) (protocol.Tag, []byte, error) {
	tag := s.header.Tag
	n := min(int(s.ctrl.length), len(s.payload))
	dst = append(dst[:0], s.payload[:n]...)
	return tag, dst, r.retire(s)
}

// TryRecv appends the next message addressed to r to dst[:0]. ok is false
// when none is published yet.
func (r *Reader) TryRecv(dst []byte) (tag protocol.Tag, payload []byte, ok bool, err error) {
	s, ok, err := r.poll()
	if !ok || err != nil {
		return protocol.TagInvalid, dst[:0], false, err
	}
	tag, payload, err = r.copyOut(s, dst)
	return tag, payload, true, err
}

// Recv appends the next message addressed to r to dst[:0], waiting for it.
func (r *Reader) Recv(dst []byte) (protocol.Tag, []byte, error) {
	return r.RecvContext(context.Background(), dst)
}

// RecvContext is Recv with cancellation.
func (r *Reader) RecvContext(ctx context.Context, dst []byte) (protocol.Tag, []byte, error) {
	s, err := r.wait(ctx)
	if err != nil {
		return protocol.TagInvalid, dst[:0], err
	}
	return r.copyOut(s, dst)
}

// RecvFunc waits for the next message and hands fn the payload in place.
// payload aliases the shared slot and is only valid until fn returns.
func (r *Reader) RecvFunc(fn func(tag protocol.Tag, payload []byte)) error {
	return r.RecvFuncContext(context.Background(), fn)
}

// RecvFuncContext is RecvFunc with cancellation.
func (r *Reader) RecvFuncContext(ctx context.Context, fn func(tag protocol.Tag, payload []byte)) error {
	s, err := r.wait(ctx)
	if err != nil {
		return err
	}
	fn(s.header.Tag, s.payload[:min(int(s.ctrl.length), len(s.payload))])
	return r.retire(s)
}

// TryRecvFunc is RecvFunc without waiting.
func (r *Reader) TryRecvFunc(fn func(tag protocol.Tag, payload []byte)) (bool, error) {
	s, ok, err := r.poll()
	if !ok || err != nil {
		return false, err
	}
	fn(s.header.Tag, s.payload[:min(int(s.ctrl.length), len(s.payload))])
	return true, r.retire(s)
}

// Close detaches the reader. Its cursor stays in the segment.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cursor.attached.Store(0)
	return nil
}
