// Package shmcast moves messages between processes through shared memory
// without entering the kernel on the data path.
//
// Two channel types share one interface:
//
//   - RingLink: a point-to-point, flow-controlled, ordered stream between a
//     primary and a secondary endpoint.
//   - MulticastLink: one writer publishing to up to 64 registered readers,
//     each consuming every message addressed to it exactly once.
//
// Every message is prefixed by an envelope carrying a Tag, so receivers can
// demultiplex message types without a separate control channel.
package shmcast

import (
	"context"
	"errors"

	"gosuda.org/shmcast/internal/multicast"
	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/ring"
	"gosuda.org/shmcast/internal/shm"
	"gosuda.org/shmcast/internal/spin"
)

// Channel is the capability shared by both transports.
type Channel interface {
	// Send publishes payload tagged tag, waiting for room under ctx.
	Send(ctx context.Context, tag Tag, payload []byte) error

	// Recv waits for the next message and appends its payload to dst[:0].
	Recv(ctx context.Context, dst []byte) (Tag, []byte, error)

	// TryRecv is Recv that reports ok == false instead of waiting.
	TryRecv(dst []byte) (tag Tag, payload []byte, ok bool, err error)

	// Close detaches from the channel, leaving the segment in place.
	Close() error
}

var (
	_ Channel = (*RingLink)(nil)
	_ Channel = (*MulticastLink)(nil)
)

// Tag identifies the message type carried in the envelope.
type Tag = protocol.Tag

const (
	TagInvalid  = protocol.TagInvalid
	TagData     = protocol.TagData
	TagAck      = protocol.TagAck
	TagMarker   = protocol.TagMarker
	TagPrepare  = protocol.TagPrepare
	TagPromise  = protocol.TagPromise
	TagAccept   = protocol.TagAccept
	TagAccepted = protocol.TagAccepted
	TagUser     = protocol.TagUser
)

// Backend selects the OS primitive backing a segment.
type Backend = shm.Backend

const (
	BackendSysV = shm.BackendSysV
	BackendFile = shm.BackendFile
)

// Policy controls how blocking calls busy-wait.
type Policy = spin.Policy

// DefaultPolicy spins, then yields, then sleeps briefly.
var DefaultPolicy = spin.Default

// LinkMode tells which side of a ring a RingLink is.
type LinkMode int

const (
	LinkModePrimary   LinkMode = LinkMode(ring.ModePrimary)   // initialized the ring
	LinkModeSecondary LinkMode = LinkMode(ring.ModeSecondary) // attached to it
)

func (m LinkMode) String() string {
	return ring.Mode(m).String()
}

// LinkType identifies the transport behind a Channel.
type LinkType int

const (
	LinkTypeRing LinkType = iota
	LinkTypeMulticast
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeRing:
		return "ring"
	case LinkTypeMulticast:
		return "multicast"
	}
	return "unknown"
}

// All addresses every active reader of a MulticastLink.
const All = multicast.All

var (
	ErrAllocation        = shm.ErrAllocation
	ErrConfigMismatch    = protocol.ErrConfigMismatch
	ErrProtocolViolation = protocol.ErrProtocolViolation
	ErrMessageTooLarge   = protocol.ErrMessageTooLarge
	ErrEvicted           = multicast.ErrEvicted
	ErrExhausted         = spin.ErrExhausted

	ErrWriterClaimed = multicast.ErrWriterClaimed
	ErrReaderClaimed = multicast.ErrReaderClaimed

	ErrNotWriter = errors.New("shmcast: link has no writer role")
	ErrNotReader = errors.New("shmcast: link has no reader role")
	ErrClosed    = errors.New("shmcast: link closed")
)
