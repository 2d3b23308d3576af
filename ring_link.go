package shmcast

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmcast/internal/ring"
	"gosuda.org/shmcast/internal/shm"
)

// RingLink is one endpoint of a point-to-point ring. It is not safe for
// concurrent use; one goroutine drives both directions.
type RingLink struct {
	seg     *shm.SharedMemory
	ep      *ring.Endpoint
	metrics *linkMetrics
	label   string
	closed  bool
}

// SizeRing returns the segment size of a ring with the given capacity.
func SizeRing(capacity uint64) uintptr {
	return ring.Size(capacity)
}

// OpenRing creates or attaches the segment named by cfg and opens an
// endpoint on it. The first endpoint is the primary, the second the
// secondary; a third fails with ErrConfigMismatch.
func OpenRing(cfg RingConfig) (*RingLink, error) {
	cfg = cfg.withDefaults()
	return traceOpen(cfg.Tracer, LinkTypeRing, cfg.Label, func() (*RingLink, error) {
		return openRing(cfg)
	})
}

func openRing(cfg RingConfig) (*RingLink, error) {
	rc := ring.Config{
		Capacity:      cfg.Capacity,
		AckEvery:      cfg.AckEvery,
		MaxMessage:    cfg.MaxMessage,
		AttachTimeout: cfg.AttachTimeout,
		Policy:        cfg.Policy,
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	m, err := newLinkMetrics(cfg.Meter, LinkTypeRing, cfg.Label)
	if err != nil {
		return nil, fmt.Errorf("shmcast: ring metrics: %w", err)
	}

	seg, err := shm.CreateOrAttach(cfg.name(), int(ring.Size(cfg.Capacity)), cfg.options(cfg.AttachTimeout))
	if err != nil {
		return nil, err
	}
	ep, err := ring.Open(seg.Bytes(), rc)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"channel":  cfg.Label,
		"mode":     ep.Mode(),
		"capacity": ep.Capacity(),
		"owner":    seg.Owner(),
	}).Info("shmcast: ring link open")
	return &RingLink{seg: seg, ep: ep, metrics: m, label: cfg.Label}, nil
}

// Mode returns whether l initialized the ring or attached to it.
func (l *RingLink) Mode() LinkMode { return LinkMode(l.ep.Mode()) }

// Type returns LinkTypeRing.
func (l *RingLink) Type() LinkType { return LinkTypeRing }

// InFlight returns how many sent messages the peer has not acknowledged.
func (l *RingLink) InFlight() uint64 {
	if l.closed {
		return 0
	}
	return l.ep.InFlight()
}

// Send sends payload as one framed message. ctx bounds the wait for the
// first slot; once started a frame is always completed.
func (l *RingLink) Send(ctx context.Context, tag Tag, payload []byte) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.ep.SendFrameContext(ctx, tag, payload); err != nil {
		return err
	}
	l.metrics.sent(ctx, len(payload))
	return nil
}

// Recv waits for the next framed message.
func (l *RingLink) Recv(ctx context.Context, dst []byte) (Tag, []byte, error) {
	if l.closed {
		return TagInvalid, dst[:0], ErrClosed
	}
	tag, payload, err := l.ep.RecvFrameContext(ctx, dst)
	if err != nil {
		return tag, payload, err
	}
	l.metrics.received(ctx, len(payload))
	return tag, payload, nil
}

// TryRecv returns the next framed message if one has started arriving.
func (l *RingLink) TryRecv(dst []byte) (Tag, []byte, bool, error) {
	if l.closed {
		return TagInvalid, dst[:0], false, ErrClosed
	}
	tag, payload, ok, err := l.ep.TryRecvFrame(dst)
	if ok && err == nil {
		l.metrics.received(context.Background(), len(payload))
	}
	return tag, payload, ok, err
}

// Flush publishes an explicit ack for everything received so far.
func (l *RingLink) Flush() {
	if !l.closed {
		l.ep.Ack()
	}
}

// Close persists the endpoint's counters, releases its claim and unmaps the
// segment. A later OpenRing on the same segment resumes the stream.
func (l *RingLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.ep.Close()
	return l.seg.Detach()
}

// Destroy closes l and, if this process created the segment, releases it.
func (l *RingLink) Destroy() error {
	if !l.closed {
		l.closed = true
		l.ep.Close()
	}
	log.WithField("channel", l.label).Debug("shmcast: ring link destroyed")
	return l.seg.Destroy()
}
