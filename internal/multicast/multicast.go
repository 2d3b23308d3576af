// Package multicast implements the one-to-many ring: a single writer
// publishes enveloped messages into fixed-size slots, and every registered
// reader addressed by a slot consumes it independently. A slot is reused
// only once its ReaderSet is empty.
//
// Segment layout, every part cache line aligned:
//
//	[header][writer line][cursor line x Readers][slot x Capacity]
//
// and each slot is
//
//	[control line: ReaderSet, publish seq, length][protocol.Header][payload]
package multicast

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmcast/internal/cacheline"
	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/spin"
)

// MaxReaders is the width of a ReaderSet.
const MaxReaders = 64

// All addresses every active reader.
const All = -1

// Geometry bounds, so a channel always fits an int sized segment.
const (
	MaxCapacity   = 1 << 32
	MaxPayloadLen = 1 << 30
)

const (
	multicastMagic = 0x474e525453414d43 // "CMASTRNG"
	multicastInit  = 1

	headerSize  = unsafe.Sizeof(header{})
	writerSize  = unsafe.Sizeof(writerLine{})
	cursorSize  = unsafe.Sizeof(cursorLine{})
	controlSize = unsafe.Sizeof(slotControl{})
)

var (
	ErrClosed        = errors.New("multicast: closed")
	ErrEvicted       = errors.New("multicast: reader evicted")
	ErrFull          = errors.New("multicast: next slot not yet retired")
	ErrWriterClaimed = errors.New("multicast: writer already attached")
	ErrReaderClaimed = errors.New("multicast: reader already attached")
	ErrInvalidReader = errors.New("multicast: invalid reader id")
	ErrMemorySmall   = errors.New("multicast: memory too small for configuration")
	ErrMemoryAlign   = errors.New("multicast: memory not cache line aligned")
)

type header struct {
	magic      atomic.Uint64 // 0x00
	flag       atomic.Uint64 // 0x08
	capacity   uint64        // 0x10
	maxPayload uint64        // 0x18
	readers    uint64        // 0x20
	slotSize   uint64        // 0x28
	active     atomic.Uint64 // 0x30: readers not evicted
	writer     atomic.Uint32 // 0x38: writer claim
	_          uint32
}

type writerLine struct {
	next atomic.Uint64 // 0x00: next_write
	lock spin.Lock     // 0x08
	_    [52]byte
}

type cursorLine struct {
	next     atomic.Uint64 // 0x00: next index the reader polls
	attached atomic.Uint32 // 0x08
	_        [52]byte
}

// slotControl heads every slot. seq is index+1 once the round at index is
// published, and index+1 with the reserved bit set while the writer fills
// it, so a reader still behind on the previous round can tell it was
// passed over.
type slotControl struct {
	readers ReaderSet     // 0x00
	seq     atomic.Uint64 // 0x08
	length  uint64        // 0x10
	_       [40]byte
}

// reserved marks seq while the slot is being filled.
const reserved = 1 << 63

func reservedSeq(idx uint64) uint64 { return (idx + 1) | reserved }

var (
	_ [cacheline.Size - headerSize]byte
	_ [headerSize - cacheline.Size]byte
	_ [cacheline.Size - writerSize]byte
	_ [writerSize - cacheline.Size]byte
	_ [cacheline.Size - cursorSize]byte
	_ [cursorSize - cacheline.Size]byte
	_ [cacheline.Size - controlSize]byte
	_ [controlSize - cacheline.Size]byte
)

// Config describes the channel geometry. Every process attaching the same
// segment must pass the same Capacity, MaxPayload and Readers.
type Config struct {
	// Capacity is the number of slots, rounded up to a power of two.
	Capacity uint64

	// MaxPayload is the largest payload a slot holds, excluding the header.
	MaxPayload int

	// Readers is the number of registered readers, 1..MaxReaders.
	Readers int

	// AttachTimeout bounds how long an attacher waits for initialization.
	// Default 1s.
	AttachTimeout time.Duration

	// Policy drives every blocking call. Zero means spin.Default.
	Policy spin.Policy
}

func (c Config) withDefaults() (Config, error) {
	if c.Capacity == 0 || c.Capacity > MaxCapacity {
		return c, fmt.Errorf("%w: capacity %d, want 1..%d", protocol.ErrConfigMismatch, c.Capacity, uint64(MaxCapacity))
	}
	c.Capacity = cacheline.RoundUpPowerOf2(c.Capacity)
	if c.MaxPayload <= 0 || c.MaxPayload > MaxPayloadLen {
		return c, fmt.Errorf("%w: max payload %d, want 1..%d", protocol.ErrConfigMismatch, c.MaxPayload, MaxPayloadLen)
	}
	if c.Readers < 1 || c.Readers > MaxReaders {
		return c, fmt.Errorf("%w: %d readers, want 1..%d", protocol.ErrConfigMismatch, c.Readers, MaxReaders)
	}
	if _, ok := size(c); !ok {
		return c, fmt.Errorf("%w: %d slots of %d bytes overflow the address space",
			protocol.ErrConfigMismatch, c.Capacity, SlotSize(c.MaxPayload))
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = time.Second
	}
	c.Policy = c.Policy.OrDefault()
	return c, nil
}

// Validate reports whether c describes a usable channel without touching
// memory.
func (c Config) Validate() error {
	_, err := c.withDefaults()
	return err
}

// SlotSize returns the bytes one slot occupies for a given max payload.
func SlotSize(maxPayload int) uintptr {
	return controlSize + protocol.HeaderSize + cacheline.Align(uintptr(maxPayload))
}

// Size returns the number of bytes a channel with cfg's geometry occupies,
// or 0 if cfg is invalid.
func Size(cfg Config) uintptr {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return 0
	}
	n, _ := size(cfg)
	return n
}

// size computes the layout of a rounded, bounded cfg. ok is false when it
// does not fit an int.
func size(cfg Config) (uintptr, bool) {
	fixed := uint64(headerSize + writerSize + uintptr(cfg.Readers)*cursorSize)
	hi, slots := bits.Mul64(cfg.Capacity, uint64(SlotSize(cfg.MaxPayload)))
	if hi != 0 || slots > math.MaxInt-fixed {
		return 0, false
	}
	return uintptr(fixed + slots), true
}

// Channel is a process-local handle on a multicast segment. Roles are taken
// from it with Writer and Reader.
type Channel struct {
	mem        []byte
	h          *header
	wl         *writerLine
	cursors    []cursorLine
	slots      unsafe.Pointer
	slotSize   uintptr
	mask       uint64
	capacity   uint64
	maxPayload int
	readers    int
	policy     spin.Policy
	created    bool
}

// Open initializes the channel in mem or attaches to the one already there.
// Attaching never writes to the segment.
func Open(mem []byte, cfg Config) (*Channel, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	need := Size(cfg)
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrMemorySmall, len(mem), need)
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if !cacheline.Aligned(uintptr(base)) {
		return nil, ErrMemoryAlign
	}

	c := &Channel{
		mem:        mem,
		h:          (*header)(base),
		wl:         (*writerLine)(unsafe.Add(base, headerSize)),
		cursors:    unsafe.Slice((*cursorLine)(unsafe.Add(base, headerSize+writerSize)), cfg.Readers),
		slots:      unsafe.Add(base, headerSize+writerSize+uintptr(cfg.Readers)*cursorSize),
		slotSize:   SlotSize(cfg.MaxPayload),
		mask:       cfg.Capacity - 1,
		capacity:   cfg.Capacity,
		maxPayload: cfg.MaxPayload,
		readers:    cfg.Readers,
		policy:     cfg.Policy,
	}
	c.created = c.init(mem[headerSize:need], cfg)
	if !c.created {
		if err := c.attach(cfg); err != nil {
			return nil, err
		}
	}
	if debug {
		log.WithFields(logrus.Fields{
			"capacity":   cfg.Capacity,
			"maxPayload": cfg.MaxPayload,
			"readers":    cfg.Readers,
			"created":    c.created,
		}).Debug("multicast: channel opened")
	}
	return c, nil
}

func (c *Channel) init(body []byte, cfg Config) bool {
	h := c.h
	magic := h.magic.Load()
	if magic == multicastMagic {
		return false
	}
	if !h.magic.CompareAndSwap(magic, multicastMagic) {
		return false
	}
	clear(body)
	h.capacity = cfg.Capacity
	h.maxPayload = uint64(cfg.MaxPayload)
	h.readers = uint64(cfg.Readers)
	h.slotSize = uint64(c.slotSize)
	h.active.Store(fullMask(cfg.Readers))
	h.writer.Store(0)
	h.flag.Store(multicastInit)
	return true
}

func (c *Channel) attach(cfg Config) error {
	h := c.h
	deadline := time.Now().Add(cfg.AttachTimeout)
	err := spin.Until(cfg.Policy, func() bool {
		return h.flag.Load()&multicastInit != 0 || time.Now().After(deadline)
	})
	if err != nil || h.flag.Load()&multicastInit == 0 {
		return fmt.Errorf("%w: multicast channel not initialized within %s", protocol.ErrConfigMismatch, cfg.AttachTimeout)
	}
	if h.capacity != cfg.Capacity || h.maxPayload != uint64(cfg.MaxPayload) ||
		h.readers != uint64(cfg.Readers) || h.slotSize != uint64(c.slotSize) {
		return fmt.Errorf("%w: channel is %d slots x %d bytes for %d readers, want %d x %d for %d",
			protocol.ErrConfigMismatch, h.capacity, h.maxPayload, h.readers,
			cfg.Capacity, cfg.MaxPayload, cfg.Readers)
	}
	return nil
}

// slotView resolves the pieces of one slot.
type slotView struct {
	ctrl    *slotControl
	header  *protocol.Header
	payload []byte
}

func (c *Channel) slot(idx uint64) slotView {
	p := unsafe.Add(c.slots, uintptr(idx&c.mask)*c.slotSize)
	return slotView{
		ctrl:    (*slotControl)(p),
		header:  (*protocol.Header)(unsafe.Add(p, controlSize)),
		payload: unsafe.Slice((*byte)(unsafe.Add(p, controlSize+protocol.HeaderSize)), c.maxPayload),
	}
}

// Created reports whether this Open initialized the segment.
func (c *Channel) Created() bool { return c.created }

// Capacity returns the number of slots.
func (c *Channel) Capacity() uint64 { return c.capacity }

// MaxPayload returns the largest payload a slot holds.
func (c *Channel) MaxPayload() int { return c.maxPayload }

// Readers returns the number of registered readers.
func (c *Channel) Readers() int { return c.readers }

// Active returns the set of readers that have not been evicted.
func (c *Channel) Active() uint64 { return c.h.active.Load() }

// Next returns the index the writer will reserve next.
func (c *Channel) Next() uint64 { return c.wl.next.Load() }

// Pending returns the readers that still owe a read of the slot holding
// index idx.
func (c *Channel) Pending(idx uint64) uint64 {
	return c.slot(idx).ctrl.readers.Load()
}

// Evict takes reader id offline: it leaves the active set and its bit is
// revoked from every slot, so a writer stalled on it proceeds. The reader's
// next call returns ErrEvicted.
func (c *Channel) Evict(id int) error {
	if id < 0 || id >= c.readers {
		return fmt.Errorf("%w: %d", ErrInvalidReader, id)
	}
	bit := newReaderBit(id)
	if c.h.active.And(^bit.mask)&bit.mask == 0 {
		return nil
	}
	revoked := 0
	for i := uint64(0); i < c.capacity; i++ {
		if bit.In(c.slot(i).ctrl.readers.revoke(bit.mask)) {
			revoked++
		}
	}
	log.WithFields(logrus.Fields{
		"reader":  id,
		"revoked": revoked,
		"cursor":  c.cursors[id].next.Load(),
	}).Warn("multicast: reader evicted")
	return nil
}

func (c *Channel) evicted(b ReaderBit) bool {
	return !b.In(c.h.active.Load())
}
