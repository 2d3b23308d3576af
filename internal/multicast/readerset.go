package multicast

import (
	"math/bits"
	"sync/atomic"
)

// ReaderSet is the per-slot bitmap of readers that still owe a read of the
// slot. The writer sets it once per round; each reader only ever clears its
// own bit, through the ReaderBit it was handed when it attached.
type ReaderSet struct {
	bits atomic.Uint64
}

// Load returns the readers that have not retired the slot yet.
func (s *ReaderSet) Load() uint64 {
	return s.bits.Load()
}

// Empty reports whether every addressed reader has retired the slot.
func (s *ReaderSet) Empty() bool {
	return s.bits.Load() == 0
}

// publish replaces the bitmap for a new round and returns the previous one.
func (s *ReaderSet) publish(mask uint64) uint64 {
	return s.bits.Swap(mask)
}

// revoke clears every bit in mask and returns the bitmap before the change.
func (s *ReaderSet) revoke(mask uint64) uint64 {
	return s.bits.And(^mask)
}

// ReaderBit is the capability to retire one reader's claim on a slot.
type ReaderBit struct {
	id   int
	mask uint64
}

func newReaderBit(id int) ReaderBit {
	return ReaderBit{id: id, mask: 1 << uint(id)}
}

// ID returns the reader id the bit belongs to.
func (b ReaderBit) ID() int { return b.id }

// Mask returns the bit as a one-bit mask.
func (b ReaderBit) Mask() uint64 { return b.mask }

// In reports whether the bit is set in set.
func (b ReaderBit) In(set uint64) bool { return set&b.mask != 0 }

// Retire clears the bit in s with an atomic AND, leaving every other
// reader's bit alone. It reports whether the bit was set.
func (b ReaderBit) Retire(s *ReaderSet) bool {
	return s.bits.And(^b.mask)&b.mask != 0
}

// fullMask returns the set of readers 0..n-1.
func fullMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(n) - 1
}

// Count returns the number of readers in set.
func Count(set uint64) int {
	return bits.OnesCount64(set)
}
