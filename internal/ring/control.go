package ring

// control is the 64-bit word closing every slot.
//
//	63        48 47                       0
//	[  epoch  ][           seq            ]
//
// The epoch is the only presence signal; seq carries the low bits of the
// sender's message count as a consistency check.
type control uint64

const (
	EpochBits = 16
	SeqBits   = 64 - EpochBits

	epochShift = SeqBits
	seqMask    = 1<<SeqBits - 1
)

// MaxCapacity is the largest power of two that keeps every in-flight
// message's epoch distinct from the epoch of the message one lap earlier.
const MaxCapacity = 1 << (EpochBits - 1)

// epochOf returns the epoch tagging the n-th message of a direction. The
// first message has epoch 1, so a zeroed slot never looks published.
func epochOf(n uint64) uint16 {
	return uint16(n + 1)
}

func makeControl(n uint64) control {
	return control(epochOf(n))<<epochShift | control(n&seqMask)
}

func (c control) epoch() uint16 { return uint16(c >> epochShift) }
func (c control) seq() uint64   { return uint64(c) & seqMask }
