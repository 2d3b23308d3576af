package shmcast

import (
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gosuda.org/shmcast/internal/shm"
)

// SegmentConfig names the shared segment a link lives in. Every process
// opening the same channel passes the same Path, ID and Backend.
type SegmentConfig struct {
	// Path is an existing file whose identity seeds the segment key.
	Path string
	// ID distinguishes channels seeded by the same Path.
	ID uint8

	Backend Backend
	// Dir holds file-backed segments. Default /dev/shm, else os.TempDir().
	Dir string
	// Perm is applied when the segment is created. Default 0600.
	Perm os.FileMode
}

func (c SegmentConfig) name() shm.Name {
	return shm.Name{Path: c.Path, ID: c.ID}
}

func (c SegmentConfig) options(timeout time.Duration) shm.Options {
	return shm.Options{Backend: c.Backend, Dir: c.Dir, Perm: c.Perm, Timeout: timeout}
}

// RingConfig configures OpenRing.
type RingConfig struct {
	SegmentConfig

	// Capacity is the number of slots per direction, rounded up to a power
	// of two, at most 1<<15.
	Capacity uint64
	// AckEvery is how many consumed messages trigger an explicit ack.
	// Default Capacity/2.
	AckEvery uint64
	// MaxMessage is the largest payload Recv accepts. Default 64KiB.
	MaxMessage int

	// AttachTimeout bounds the wait for the peer to initialize the
	// segment. Default 1s.
	AttachTimeout time.Duration
	Policy        Policy

	// Meter records message and byte counters. Default no-op.
	Meter metric.Meter
	// Tracer wraps OpenRing in a span. Default no-op.
	Tracer trace.Tracer
	// Label names the channel in metrics and logs. Default Path#ID.
	Label string
}

func (c RingConfig) withDefaults() RingConfig {
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = time.Second
	}
	c.Policy = c.Policy.OrDefault()
	if c.Label == "" {
		c.Label = c.name().String()
	}
	return c
}

// MulticastConfig configures OpenMulticast.
type MulticastConfig struct {
	SegmentConfig

	// Capacity is the number of slots, rounded up to a power of two.
	Capacity uint64
	// MaxPayload is the largest payload one message carries.
	MaxPayload int
	// Readers is the number of registered readers, 1..64.
	Readers int

	// Writer takes the single writer role.
	Writer bool
	// Reader attaches reader ReaderID.
	Reader   bool
	ReaderID int

	AttachTimeout time.Duration
	Policy        Policy

	Meter  metric.Meter
	Tracer trace.Tracer
	Label  string
}

func (c MulticastConfig) withDefaults() MulticastConfig {
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = time.Second
	}
	c.Policy = c.Policy.OrDefault()
	if c.Label == "" {
		c.Label = c.name().String()
	}
	return c
}
