package shmcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmcast/internal/multicast"
	"gosuda.org/shmcast/internal/shm"
)

// MulticastLink is a process's handle on a multicast channel. It holds the
// writer role, one reader role, or both, as requested in MulticastConfig.
type MulticastLink struct {
	seg     *shm.SharedMemory
	ch      *multicast.Channel
	w       *multicast.Writer
	r       *multicast.Reader
	metrics *linkMetrics
	label   string
	closed  bool
}

func (c MulticastConfig) channelConfig() multicast.Config {
	return multicast.Config{
		Capacity:      c.Capacity,
		MaxPayload:    c.MaxPayload,
		Readers:       c.Readers,
		AttachTimeout: c.AttachTimeout,
		Policy:        c.Policy,
	}
}

// SizeMulticast returns the segment size of a channel with cfg's geometry,
// or 0 if the geometry is invalid.
func SizeMulticast(cfg MulticastConfig) uintptr {
	return multicast.Size(cfg.channelConfig())
}

// OpenMulticast creates or attaches the segment named by cfg, opens the
// channel on it and takes the roles cfg asks for.
func OpenMulticast(cfg MulticastConfig) (*MulticastLink, error) {
	cfg = cfg.withDefaults()
	return traceOpen(cfg.Tracer, LinkTypeMulticast, cfg.Label, func() (*MulticastLink, error) {
		return openMulticast(cfg)
	})
}

func openMulticast(cfg MulticastConfig) (*MulticastLink, error) {
	mc := cfg.channelConfig()
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	m, err := newLinkMetrics(cfg.Meter, LinkTypeMulticast, cfg.Label)
	if err != nil {
		return nil, fmt.Errorf("shmcast: multicast metrics: %w", err)
	}

	seg, err := shm.CreateOrAttach(cfg.name(), int(multicast.Size(mc)), cfg.options(cfg.AttachTimeout))
	if err != nil {
		return nil, err
	}
	ch, err := multicast.Open(seg.Bytes(), mc)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	l := &MulticastLink{seg: seg, ch: ch, metrics: m, label: cfg.Label}
	if cfg.Writer {
		if l.w, err = ch.Writer(); err != nil {
			seg.Detach()
			return nil, err
		}
	}
	if cfg.Reader {
		if l.r, err = ch.Reader(cfg.ReaderID); err != nil {
			if l.w != nil {
				l.w.Close()
			}
			seg.Detach()
			return nil, err
		}
	}
	fields := logrus.Fields{
		"channel":  cfg.Label,
		"capacity": ch.Capacity(),
		"readers":  ch.Readers(),
		"writer":   l.w != nil,
		"created":  ch.Created(),
	}
	if l.r != nil {
		fields["reader"] = l.r.ID()
	}
	log.WithFields(fields).Info("shmcast: multicast link open")
	return l, nil
}

// Type returns LinkTypeMulticast.
func (l *MulticastLink) Type() LinkType { return LinkTypeMulticast }

// Created reports whether this link initialized the channel.
func (l *MulticastLink) Created() bool { return l.ch.Created() }

// Capacity returns the number of slots.
func (l *MulticastLink) Capacity() uint64 { return l.ch.Capacity() }

// MaxPayload returns the largest payload one message carries.
func (l *MulticastLink) MaxPayload() int { return l.ch.MaxPayload() }

// Readers returns the number of registered readers.
func (l *MulticastLink) Readers() int { return l.ch.Readers() }

// Active returns the set of readers that have not been evicted, bit i for
// reader i.
func (l *MulticastLink) Active() uint64 { return l.ch.Active() }

// ReaderID returns the reader role l holds, or -1.
func (l *MulticastLink) ReaderID() int {
	if l.r == nil {
		return -1
	}
	return l.r.ID()
}

func (l *MulticastLink) writer() (*multicast.Writer, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if l.w == nil {
		return nil, ErrNotWriter
	}
	return l.w, nil
}

func (l *MulticastLink) reader() (*multicast.Reader, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if l.r == nil {
		return nil, ErrNotReader
	}
	return l.r, nil
}

// Send publishes payload to every active reader.
func (l *MulticastLink) Send(ctx context.Context, tag Tag, payload []byte) error {
	return l.SendTo(ctx, tag, payload, All)
}

// SendTo publishes payload to one reader, or to every active one when
// reader is All.
func (l *MulticastLink) SendTo(ctx context.Context, tag Tag, payload []byte, reader int) error {
	w, err := l.writer()
	if err != nil {
		return err
	}
	if _, err := w.Publish(ctx, tag, payload, reader); err != nil {
		return err
	}
	l.metrics.sent(ctx, len(payload))
	return nil
}

// Recv waits for the next message addressed to this link's reader.
func (l *MulticastLink) Recv(ctx context.Context, dst []byte) (Tag, []byte, error) {
	r, err := l.reader()
	if err != nil {
		return TagInvalid, dst[:0], err
	}
	tag, payload, err := r.RecvContext(ctx, dst)
	if err != nil {
		return tag, payload, err
	}
	l.metrics.received(ctx, len(payload))
	return tag, payload, nil
}

// TryRecv returns the next message addressed to this link's reader if one
// is published.
func (l *MulticastLink) TryRecv(dst []byte) (Tag, []byte, bool, error) {
	r, err := l.reader()
	if err != nil {
		return TagInvalid, dst[:0], false, err
	}
	tag, payload, ok, err := r.TryRecv(dst)
	if ok && err == nil {
		l.metrics.received(context.Background(), len(payload))
	}
	return tag, payload, ok, err
}

// RecvFunc waits for the next message and hands fn its payload in place.
// payload aliases shared memory and must not be retained after fn returns.
func (l *MulticastLink) RecvFunc(ctx context.Context, fn func(tag Tag, payload []byte)) error {
	r, err := l.reader()
	if err != nil {
		return err
	}
	var n int
	err = r.RecvFuncContext(ctx, func(tag Tag, payload []byte) {
		n = len(payload)
		fn(tag, payload)
	})
	if err != nil {
		return err
	}
	l.metrics.received(ctx, n)
	return nil
}

// Evict takes reader id offline so the writer no longer waits on it.
func (l *MulticastLink) Evict(id int) error {
	if l.closed {
		return ErrClosed
	}
	return l.ch.Evict(id)
}

func (l *MulticastLink) closeRoles() error {
	var errs []error
	if l.w != nil {
		errs = append(errs, l.w.Close())
	}
	if l.r != nil {
		errs = append(errs, l.r.Close())
	}
	return errors.Join(errs...)
}

// Close releases the link's roles and unmaps the segment. Reader cursors
// stay in the segment, so a reopened reader resumes.
func (l *MulticastLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.closeRoles(), l.seg.Detach())
}

// Destroy closes l and, if this process created the segment, releases it.
func (l *MulticastLink) Destroy() error {
	var err error
	if !l.closed {
		l.closed = true
		err = l.closeRoles()
	}
	log.WithField("channel", l.label).Debug("shmcast: multicast link destroyed")
	return errors.Join(err, l.seg.Destroy())
}
