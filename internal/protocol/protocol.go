// Package protocol defines the message envelope shared by every channel type:
// a cache-line sized header carrying a tag and the total message length,
// placed in front of each payload so a receiver can demultiplex by type
// without a separate control channel.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"gosuda.org/shmcast/internal/cacheline"
)

//go:generate go tool stringer -type=Tag
type Tag uint32

const (
	// Invalid: never published, the zero value of an unwritten header
	TagInvalid Tag = 0x00

	// Data: opaque application payload
	TagData Tag = 0x01

	// Ack: explicit acknowledgement, payload empty
	TagAck Tag = 0x02

	// Marker: checkpoint snapshot marker, payload 0:SnapshotID
	TagMarker Tag = 0x03

	// Prepare, Promise, Accept, Accepted: single-decree Paxos roles
	TagPrepare  Tag = 0x04
	TagPromise  Tag = 0x05
	TagAccept   Tag = 0x06
	TagAccepted Tag = 0x07

	// 0x08-0xFF: Reserved
)

// TagUser is the first tag value free for application use.
const TagUser Tag = 0x100

// HeaderSize is the in-memory size of a Header: exactly one cache line.
const HeaderSize = cacheline.Size

// WireSize is the number of meaningful header bytes when a header has to be
// carried inside another structure's payload.
const WireSize = 16

// Header prefixes every payload.
type Header struct {
	Tag    Tag      // 0x00: message type
	Flags  uint32   // 0x04: reserved
	Length uint64   // 0x08: total length, header included
	_      [48]byte // 0x10-0x3F: padding to one cache line
}

// Compile-time layout check: Header must be exactly one cache line.
var (
	_ [HeaderSize - unsafe.Sizeof(Header{})]byte
	_ [unsafe.Sizeof(Header{}) - HeaderSize]byte
)

// NewHeader returns the header for a payload of payloadLen bytes.
func NewHeader(tag Tag, payloadLen int) Header {
	return Header{Tag: tag, Length: uint64(HeaderSize + payloadLen)}
}

// PayloadLen returns the number of payload bytes following the header,
// clamped to math.MaxInt.
func (h *Header) PayloadLen() int {
	if h.Length < HeaderSize {
		return 0
	}
	return int(min(h.Length-HeaderSize, math.MaxInt))
}

// Validate checks h against the largest payload the receiver accepts.
func (h *Header) Validate(maxPayload int) error {
	if h.Tag == TagInvalid {
		return fmt.Errorf("%w: unpublished header", ErrInvalidHeader)
	}
	if h.Length < HeaderSize {
		return fmt.Errorf("%w: length %d shorter than header", ErrInvalidHeader, h.Length)
	}
	if h.Length-HeaderSize > math.MaxInt {
		return fmt.Errorf("%w: length %d overflows int", ErrInvalidHeader, h.Length)
	}
	if h.Length-HeaderSize > uint64(maxPayload) {
		return fmt.Errorf("%w: payload %d exceeds %d", ErrMessageTooLarge, h.Length-HeaderSize, maxPayload)
	}
	return nil
}

// MarshalTo writes the first WireSize bytes of h into b, little endian.
func (h *Header) MarshalTo(b []byte) {
	_ = b[WireSize-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Tag))
	binary.LittleEndian.PutUint32(b[4:], h.Flags)
	binary.LittleEndian.PutUint64(b[8:], h.Length)
}

// Unmarshal decodes a header written by MarshalTo.
func Unmarshal(b []byte) (Header, error) {
	if len(b) < WireSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	return Header{
		Tag:    Tag(binary.LittleEndian.Uint32(b[0:])),
		Flags:  binary.LittleEndian.Uint32(b[4:]),
		Length: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}
