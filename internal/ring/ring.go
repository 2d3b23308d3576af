// Package ring implements the point-to-point slot ring: a pair of
// single-producer single-consumer directions over one shared segment, with
// credit based flow control so neither side ever overwrites a slot its
// peer has not consumed.
//
// Each slot is one cache line: PayloadSize bytes of payload, the sender's
// receive count (the piggy-backed ack) and a control word. A message is
// present exactly when the slot's epoch equals the epoch expected for the
// receiver's next message, so no head or tail index is shared between the
// two processes. A receiver that has nothing to send acks explicitly by
// storing its receive count in its endpoint line, which the blocked sender
// polls; acks therefore never compete with data for slots.
package ring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmcast/internal/cacheline"
	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/spin"
)

const (
	SlotSize    = cacheline.Size
	PayloadSize = SlotSize - 16

	ringMagic = 0x544f4c53474e4952 // "RINGSLOT"
	ringInit  = 1

	headerSize = unsafe.Sizeof(header{})
	stateSize  = unsafe.Sizeof(endpointState{})
)

var (
	ErrClosed      = errors.New("ring: endpoint closed")
	ErrMemorySmall = errors.New("ring: memory too small for capacity")
	ErrMemoryAlign = errors.New("ring: memory not cache line aligned")
)

// Message is the payload of one slot.
type Message [PayloadSize]byte

// Mode tells which side of the ring an endpoint is.
type Mode int

const (
	// ModePrimary writes direction 0 and reads direction 1.
	ModePrimary Mode = iota
	// ModeSecondary writes direction 1 and reads direction 0.
	ModeSecondary
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeSecondary:
		return "secondary"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type header struct {
	magic     atomic.Uint64 // 0x00
	flag      atomic.Uint64 // 0x08
	capacity  uint64        // 0x10
	epochBits uint64        // 0x18
	slotSize  uint64        // 0x20
	_         [24]byte
}

// endpointState is owned by one endpoint while it is open. ackOut is the
// explicit ack read by the peer; the counters are only written back on Close
// so a later Open resumes the stream.
type endpointState struct {
	claimed  atomic.Uint32 // 0x00
	_        uint32
	ackOut   atomic.Uint64 // 0x08
	sent     uint64        // 0x10
	received uint64        // 0x18
	acked    uint64        // 0x20
	_        [24]byte
}

type slot struct {
	data Message       // 0x00
	ack  uint64        // 0x30: sender's receive count when published
	ctrl atomic.Uint64 // 0x38
}

var (
	_ [cacheline.Size - headerSize]byte
	_ [headerSize - cacheline.Size]byte
	_ [cacheline.Size - stateSize]byte
	_ [stateSize - cacheline.Size]byte
	_ [SlotSize - unsafe.Sizeof(slot{})]byte
	_ [unsafe.Sizeof(slot{}) - SlotSize]byte
)

// Config describes the ring geometry. Both endpoints must agree on Capacity.
type Config struct {
	// Capacity is the number of slots per direction, rounded up to a power
	// of two. It bounds the messages in flight and must stay below
	// 2^EpochBits.
	Capacity uint64

	// AckEvery is how many consumed messages trigger an explicit ack.
	// Default Capacity/2, at least 1.
	AckEvery uint64

	// MaxMessage bounds framed payloads accepted by RecvFrame. Default 64KiB.
	MaxMessage int

	// AttachTimeout bounds how long a secondary waits for initialization.
	// Default 1s.
	AttachTimeout time.Duration

	// Policy drives every blocking call. Zero means spin.Default.
	Policy spin.Policy
}

func (c Config) withDefaults() (Config, error) {
	if c.Capacity == 0 {
		return c, fmt.Errorf("%w: zero capacity", protocol.ErrConfigMismatch)
	}
	// checked before rounding, which wraps to zero above 1<<63
	if c.Capacity > MaxCapacity {
		return c, fmt.Errorf("%w: capacity %d does not fit %d epoch bits", protocol.ErrConfigMismatch, c.Capacity, EpochBits)
	}
	c.Capacity = cacheline.RoundUpPowerOf2(c.Capacity)
	if c.AckEvery == 0 {
		c.AckEvery = max(c.Capacity/2, 1)
	}
	c.AckEvery = min(c.AckEvery, c.Capacity)
	if c.MaxMessage <= 0 {
		c.MaxMessage = 64 << 10
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = time.Second
	}
	c.Policy = c.Policy.OrDefault()
	return c, nil
}

// Validate reports whether c describes a usable ring without touching
// memory.
func (c Config) Validate() error {
	_, err := c.withDefaults()
	return err
}

// Size returns the number of bytes a ring of the given capacity occupies.
func Size(capacity uint64) uintptr {
	capacity = cacheline.RoundUpPowerOf2(capacity)
	return headerSize + 2*stateSize + 2*uintptr(capacity)*SlotSize
}

// Endpoint is one side of a ring. It is not safe for concurrent use: an
// endpoint has exactly one sending and receiving goroutine at a time.
type Endpoint struct {
	mode       Mode
	capacity   uint64
	mask       uint64
	ackEvery   uint64
	maxMessage int
	policy     spin.Policy

	tx    []slot
	rx    []slot
	state *endpointState
	peer  *endpointState

	sent     uint64 // messages published on tx
	received uint64 // messages consumed from rx
	acked    uint64 // highest count of our messages the peer reported consumed
	ackSent  uint64 // received count last made visible to the peer

	closed bool
}

// Open initializes the ring in mem or attaches to the ring already there.
// The first endpoint becomes ModePrimary, the second ModeSecondary. A third
// concurrent endpoint is refused with protocol.ErrConfigMismatch.
func Open(mem []byte, cfg Config) (*Endpoint, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	need := Size(cfg.Capacity)
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrMemorySmall, len(mem), need)
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if !cacheline.Aligned(uintptr(base)) {
		return nil, ErrMemoryAlign
	}

	h := (*header)(base)
	states := (*[2]endpointState)(unsafe.Add(base, headerSize))
	mode := ModePrimary
	if !initRing(h, states, mem[headerSize:need], cfg) {
		if err := attachRing(h, cfg); err != nil {
			return nil, err
		}
		switch {
		case states[ModePrimary].claimed.CompareAndSwap(0, 1):
		case states[ModeSecondary].claimed.CompareAndSwap(0, 1):
			mode = ModeSecondary
		default:
			log.WithField("capacity", cfg.Capacity).Warn("ring: both endpoints already open")
			return nil, fmt.Errorf("%w: both ring endpoints already open", protocol.ErrConfigMismatch)
		}
	}

	n := int(cfg.Capacity)
	dirs := [2][]slot{
		unsafe.Slice((*slot)(unsafe.Add(base, headerSize+2*stateSize)), n),
		unsafe.Slice((*slot)(unsafe.Add(base, headerSize+2*stateSize+uintptr(n)*SlotSize)), n),
	}
	st := &states[mode]
	e := &Endpoint{
		mode:       mode,
		capacity:   cfg.Capacity,
		mask:       cfg.Capacity - 1,
		ackEvery:   cfg.AckEvery,
		maxMessage: cfg.MaxMessage,
		policy:     cfg.Policy,
		tx:         dirs[mode],
		rx:         dirs[1-mode],
		state:      st,
		peer:       &states[1-mode],
		sent:       st.sent,
		received:   st.received,
		acked:      st.acked,
		ackSent:    st.ackOut.Load(),
	}
	if debug {
		log.WithFields(logrus.Fields{
			"mode":     mode,
			"capacity": cfg.Capacity,
			"sent":     e.sent,
			"received": e.received,
		}).Debug("ring: endpoint opened")
	}
	return e, nil
}

// initRing claims the header for initialization. Slots and endpoint state are
// zeroed, and the primary endpoint is claimed for the caller, before the init
// flag is raised.
func initRing(h *header, states *[2]endpointState, body []byte, cfg Config) bool {
	magic := h.magic.Load()
	if magic == ringMagic {
		return false
	}
	if !h.magic.CompareAndSwap(magic, ringMagic) {
		return false
	}
	clear(body)
	h.capacity = cfg.Capacity
	h.epochBits = EpochBits
	h.slotSize = SlotSize
	states[ModePrimary].claimed.Store(1)
	h.flag.Store(ringInit)
	return true
}

func attachRing(h *header, cfg Config) error {
	deadline := time.Now().Add(cfg.AttachTimeout)
	err := spin.Until(cfg.Policy, func() bool {
		return h.flag.Load()&ringInit != 0 || time.Now().After(deadline)
	})
	if err != nil || h.flag.Load()&ringInit == 0 {
		return fmt.Errorf("%w: ring not initialized within %s", protocol.ErrConfigMismatch, cfg.AttachTimeout)
	}
	if h.capacity != cfg.Capacity || h.epochBits != EpochBits || h.slotSize != SlotSize {
		return fmt.Errorf("%w: ring has capacity %d epoch bits %d slot %d, want %d/%d/%d",
			protocol.ErrConfigMismatch, h.capacity, h.epochBits, h.slotSize,
			cfg.Capacity, EpochBits, SlotSize)
	}
	return nil
}

// Mode returns which side of the ring e is.
func (e *Endpoint) Mode() Mode { return e.mode }

// Capacity returns the number of slots per direction.
func (e *Endpoint) Capacity() uint64 { return e.capacity }

// MaxMessage returns the largest framed payload RecvFrame accepts.
func (e *Endpoint) MaxMessage() int { return e.maxMessage }

// Sent returns the number of messages published by e.
func (e *Endpoint) Sent() uint64 { return e.sent }

// Received returns the number of messages consumed by e.
func (e *Endpoint) Received() uint64 { return e.received }

// InFlight returns how many of e's messages the peer has not yet
// acknowledged. It collects any ack the peer has published.
func (e *Endpoint) InFlight() uint64 {
	if !e.closed {
		e.harvest()
	}
	return e.sent - e.acked
}

func (e *Endpoint) credit() bool {
	return e.sent-e.acked < e.capacity
}

// publish writes m into the next tx slot and makes it visible with a single
// store of the control word.
func (e *Endpoint) publish(m *Message) {
	s := &e.tx[e.sent&e.mask]
	s.data = *m
	s.ack = e.received
	s.ctrl.Store(uint64(makeControl(e.sent)))
	e.sent++
	e.ackSent = e.received
}

// expect reports whether rx message n is published.
func (e *Endpoint) expect(n uint64) bool {
	c := control(e.rx[n&e.mask].ctrl.Load())
	if c.epoch() != epochOf(n) {
		return false
	}
	if c.seq() != n&seqMask {
		panic(fmt.Errorf("%w: ring %s slot %d carries seq %d, want %d",
			protocol.ErrProtocolViolation, e.mode, n&e.mask, c.seq(), n&seqMask))
	}
	return true
}

// observe folds an ack reported by the peer into e.acked.
func (e *Endpoint) observe(ack uint64) {
	if ack <= e.acked {
		return
	}
	if ack > e.sent {
		panic(fmt.Errorf("%w: ring %s peer acked %d of %d messages",
			protocol.ErrProtocolViolation, e.mode, ack, e.sent))
	}
	e.acked = ack
}

// harvest collects acks without consuming anything: the peer's explicit ack
// and the piggy-backed acks of every message it has published but we have
// not read yet.
func (e *Endpoint) harvest() {
	e.observe(e.peer.ackOut.Load())
	end := e.received + e.capacity
	for n := e.received; n < end && e.expect(n); n++ {
		e.observe(e.rx[n&e.mask].ack)
	}
}

// maybeAck publishes an explicit ack once ackEvery messages were consumed
// since the peer last learned our receive count.
func (e *Endpoint) maybeAck() {
	if e.received-e.ackSent >= e.ackEvery {
		e.flushAck()
	}
}

func (e *Endpoint) flushAck() {
	e.state.ackOut.Store(e.received)
	e.ackSent = e.received
}

// Ack publishes an explicit ack for everything consumed so far. It reports
// whether there was anything to acknowledge.
func (e *Endpoint) Ack() bool {
	if e.closed || e.received == e.ackSent {
		return false
	}
	e.flushAck()
	return true
}

// TrySend publishes m if the peer has room for it.
func (e *Endpoint) TrySend(m *Message) bool {
	if e.closed {
		return false
	}
	if !e.credit() {
		e.harvest()
		if !e.credit() {
			return false
		}
	}
	e.publish(m)
	return true
}

// Send publishes m, waiting under the endpoint's policy for credit.
func (e *Endpoint) Send(m *Message) error {
	if e.closed {
		return ErrClosed
	}
	return spin.Until(e.policy, func() bool { return e.TrySend(m) })
}

// SendContext is Send with cancellation.
func (e *Endpoint) SendContext(ctx context.Context, m *Message) error {
	if e.closed {
		return ErrClosed
	}
	return spin.UntilContext(ctx, e.policy, func() bool { return e.TrySend(m) })
}

// TryRecv copies the next message into m. It returns (0, false) when the
// peer has not published one.
func (e *Endpoint) TryRecv(m *Message) (int, bool) {
	if e.closed || !e.expect(e.received) {
		return 0, false
	}
	s := &e.rx[e.received&e.mask]
	e.observe(s.ack)
	*m = s.data
	e.received++
	e.maybeAck()
	return PayloadSize, true
}

// Recv copies the next message into m, waiting under the endpoint's policy.
func (e *Endpoint) Recv(m *Message) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	return spin.Poll(e.policy, func() (int, bool) { return e.TryRecv(m) })
}

// RecvContext is Recv with cancellation.
func (e *Endpoint) RecvContext(ctx context.Context, m *Message) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	return spin.PollContext(ctx, e.policy, func() (int, bool) { return e.TryRecv(m) })
}

// Close acknowledges everything consumed, writes the counters back to the
// segment and releases the endpoint claim. The segment itself is left
// untouched.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.flushAck()
	st := e.state
	st.sent, st.received, st.acked = e.sent, e.received, e.acked
	st.claimed.Store(0)
	e.tx, e.rx, e.state, e.peer = nil, nil, nil, nil
	if debug {
		log.WithFields(logrus.Fields{
			"mode":     e.mode,
			"sent":     e.sent,
			"received": e.received,
		}).Debug("ring: endpoint closed")
	}
	return nil
}
