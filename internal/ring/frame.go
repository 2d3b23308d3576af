package ring

import (
	"context"
	"errors"
	"fmt"

	"gosuda.org/shmcast/internal/protocol"
)

// A frame carries one enveloped message of arbitrary length over the slot
// stream: a slot holding the marshalled protocol.Header, followed by
// ceil(len/PayloadSize) payload slots.

// FrameSlots returns the number of slots a frame of n payload bytes uses.
func FrameSlots(n int) int {
	return 1 + (n+PayloadSize-1)/PayloadSize
}

// SendFrame sends payload as one frame tagged tag.
func (e *Endpoint) SendFrame(tag protocol.Tag, payload []byte) error {
	return e.SendFrameContext(context.Background(), tag, payload)
}

// SendFrameContext is SendFrame with cancellation. ctx only applies until
// the header slot is published; the rest of the frame is always sent so the
// peer never sees a truncated frame.
func (e *Endpoint) SendFrameContext(ctx context.Context, tag protocol.Tag, payload []byte) error {
	if tag == protocol.TagInvalid {
		return fmt.Errorf("%w: TagInvalid is reserved", protocol.ErrInvalidHeader)
	}
	if len(payload) > e.maxMessage {
		return fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrMessageTooLarge, len(payload), e.maxMessage)
	}

	var m Message
	h := protocol.NewHeader(tag, len(payload))
	h.MarshalTo(m[:])
	if err := e.SendContext(ctx, &m); err != nil {
		return err
	}
	for off := 0; off < len(payload); off += PayloadSize {
		m = Message{}
		copy(m[:], payload[off:])
		if err := e.Send(&m); err != nil {
			return err
		}
	}
	return nil
}

// RecvFrame receives the next frame, appending its payload to dst[:0].
func (e *Endpoint) RecvFrame(dst []byte) (protocol.Tag, []byte, error) {
	return e.RecvFrameContext(context.Background(), dst)
}

// RecvFrameContext is RecvFrame with cancellation. As with sending, ctx only
// applies while waiting for the header slot.
func (e *Endpoint) RecvFrameContext(ctx context.Context, dst []byte) (protocol.Tag, []byte, error) {
	var m Message
	if _, err := e.RecvContext(ctx, &m); err != nil {
		return protocol.TagInvalid, dst[:0], err
	}
	return e.readFrame(&m, dst)
}

// TryRecvFrame is RecvFrame that returns ok == false instead of waiting when
// no frame has started. Once a header is seen the body is awaited.
func (e *Endpoint) TryRecvFrame(dst []byte) (tag protocol.Tag, payload []byte, ok bool, err error) {
	var m Message
	if _, got := e.TryRecv(&m); !got {
		return protocol.TagInvalid, dst[:0], false, nil
	}
	tag, payload, err = e.readFrame(&m, dst)
	return tag, payload, true, err
}

// readFrame reassembles the body following header slot m. An oversized frame
// is drained so the stream stays aligned on frame boundaries.
func (e *Endpoint) readFrame(m *Message, dst []byte) (protocol.Tag, []byte, error) {
	dst = dst[:0]
	h, err := protocol.Unmarshal(m[:])
	if err != nil {
		return protocol.TagInvalid, dst, err
	}
	verr := h.Validate(e.maxMessage)
	if verr != nil && !errors.Is(verr, protocol.ErrMessageTooLarge) {
		return h.Tag, dst, fmt.Errorf("%w: %w", protocol.ErrProtocolViolation, verr)
	}

	for remaining := h.PayloadLen(); remaining > 0; {
		if _, err := e.Recv(m); err != nil {
			return h.Tag, dst, err
		}
		n := min(remaining, PayloadSize)
		if verr == nil {
			dst = append(dst, m[:n]...)
		}
		remaining -= n
	}
	return h.Tag, dst, verr
}
