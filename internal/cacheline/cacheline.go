// Package cacheline holds the cache-line geometry shared by every structure
// that lives in a shared segment.
//
// Every independently polled field in the segment sits on its own line so
// that a writer spinning on one word never invalidates the line a reader is
// spinning on.
package cacheline

import "unsafe"

// Size is the cache line size assumed by every shared layout (64 bytes on
// all supported targets).
const Size = 64

// Pad fills one full cache line.
type Pad [Size]byte

// Align rounds n up to the next multiple of Size.
func Align(n uintptr) uintptr {
	return (n + Size - 1) &^ (Size - 1)
}

// Aligned reports whether addr sits on a cache line boundary.
func Aligned(addr uintptr) bool {
	return addr&(Size-1) == 0
}

// Bytes allocates a heap buffer of size bytes whose first byte is cache line
// aligned. It is used wherever a private buffer has to stand in for a shared
// segment (tests, in-process channels).
func Bytes(size int) []byte {
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size+Size-1)
	off := 0
	if mod := uintptr(unsafe.Pointer(&buf[0])) & (Size - 1); mod != 0 {
		off = int(Size - mod)
	}
	return buf[off : off+size : off+size]
}

// RoundUpPowerOf2 rounds v up to the next power of two. Zero stays zero,
// and values above 1<<63 wrap to zero.
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func RoundUpPowerOf2(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}
