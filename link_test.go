package shmcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// testSegment returns a file-backed segment config rooted in temp dirs.
func testSegment(t *testing.T, id uint8) SegmentConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("Failed to create seed file: %v", err)
	}
	return SegmentConfig{Path: path, ID: id, Backend: BackendFile, Dir: t.TempDir()}
}

func pattern(i, n int) []byte {
	b := make([]byte, n)
	for j := range b {
		b[j] = byte(i + j)
	}
	return b
}

// TestRingLinkModes opens both ends of a ring and checks a third is refused.
func TestRingLinkModes(t *testing.T) {
	cfg := RingConfig{SegmentConfig: testSegment(t, 1), Capacity: 16}

	primary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open primary: %v", err)
	}
	defer primary.Destroy()
	if primary.Mode() != LinkModePrimary {
		t.Errorf("first link is %s, want primary", primary.Mode())
	}
	if primary.Type() != LinkTypeRing || primary.Type().String() != "ring" {
		t.Errorf("unexpected type %s", primary.Type())
	}

	secondary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open secondary: %v", err)
	}
	defer secondary.Close()
	if secondary.Mode() != LinkModeSecondary {
		t.Errorf("second link is %s, want secondary", secondary.Mode())
	}

	if _, err := OpenRing(cfg); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("third endpoint: expected ErrConfigMismatch, got %v", err)
	}
	if SizeRing(16) == 0 || SizeRing(9) != SizeRing(16) {
		t.Errorf("SizeRing does not round capacity: %d vs %d", SizeRing(9), SizeRing(16))
	}
}

// TestRingLinkConfigErrors checks geometry is validated before and after
// mapping.
func TestRingLinkConfigErrors(t *testing.T) {
	seg := testSegment(t, 2)
	for _, capacity := range []uint64{0, 1 << 16} {
		if _, err := OpenRing(RingConfig{SegmentConfig: seg, Capacity: capacity}); !errors.Is(err, ErrConfigMismatch) {
			t.Errorf("capacity %d: expected ErrConfigMismatch, got %v", capacity, err)
		}
	}

	primary, err := OpenRing(RingConfig{SegmentConfig: seg, Capacity: 8})
	if err != nil {
		t.Fatalf("Failed to open primary: %v", err)
	}
	defer primary.Destroy()
	_, err = OpenRing(RingConfig{SegmentConfig: seg, Capacity: 32, AttachTimeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("capacity mismatch: expected ErrConfigMismatch, got %v", err)
	}
}

// TestRingLinkReadWrite streams frames of varying size in both directions.
func TestRingLinkReadWrite(t *testing.T) {
	cfg := RingConfig{
		SegmentConfig: testSegment(t, 3),
		Capacity:      64,
		Meter:         noop.NewMeterProvider().Meter("test"),
		Tracer:        tracenoop.NewTracerProvider().Tracer("test"),
		Label:         "rw",
	}
	primary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open primary: %v", err)
	}
	defer primary.Destroy()
	secondary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open secondary: %v", err)
	}
	defer secondary.Close()

	const n = 500
	stream := func(ctx context.Context, from, to *RingLink) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if err := from.Send(ctx, TagUser+Tag(i%4), pattern(i, i%300)); err != nil {
					return fmt.Errorf("send %d: %w", i, err)
				}
			}
			return nil
		})
		g.Go(func() error {
			var buf []byte
			for i := 0; i < n; i++ {
				tag, payload, err := to.Recv(ctx, buf)
				if err != nil {
					return fmt.Errorf("recv %d: %w", i, err)
				}
				if tag != TagUser+Tag(i%4) || !bytes.Equal(payload, pattern(i, i%300)) {
					return fmt.Errorf("message %d: tag %s, %d bytes", i, tag, len(payload))
				}
				buf = payload
			}
			return nil
		})
		return g.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stream(ctx, primary, secondary); err != nil {
		t.Fatalf("primary to secondary: %v", err)
	}
	if err := stream(ctx, secondary, primary); err != nil {
		t.Fatalf("secondary to primary: %v", err)
	}
}

// TestRingLinkReopen closes the secondary mid-stream and checks a new link
// picks up where it stopped.
func TestRingLinkReopen(t *testing.T) {
	cfg := RingConfig{SegmentConfig: testSegment(t, 4), Capacity: 16}
	primary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open primary: %v", err)
	}
	defer primary.Destroy()
	secondary, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to open secondary: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := primary.Send(ctx, TagData, pattern(i, 10)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, payload, err := secondary.Recv(ctx, nil); err != nil || !bytes.Equal(payload, pattern(0, 10)) {
		t.Fatalf("first message: %v", err)
	}
	if err := secondary.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := secondary.Send(ctx, TagData, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close: expected ErrClosed, got %v", err)
	}

	reopened, err := OpenRing(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Mode() != LinkModeSecondary {
		t.Fatalf("reopened link is %s", reopened.Mode())
	}
	for i := 1; i < 3; i++ {
		tag, payload, ok, err := reopened.TryRecv(nil)
		if !ok || err != nil || tag != TagData || !bytes.Equal(payload, pattern(i, 10)) {
			t.Fatalf("message %d after reopen: ok=%v err=%v", i, ok, err)
		}
	}
	if _, _, ok, _ := reopened.TryRecv(nil); ok {
		t.Fatal("stream should be drained")
	}
	reopened.Flush()
	if primary.InFlight() != 0 {
		t.Errorf("InFlight after flush = %d", primary.InFlight())
	}
}

func mustOpenMulticast(t *testing.T, cfg MulticastConfig) *MulticastLink {
	t.Helper()
	l, err := OpenMulticast(cfg)
	if err != nil {
		t.Fatalf("Failed to open multicast link: %v", err)
	}
	return l
}

// TestMulticastLinkBroadcast publishes to all readers and to one.
func TestMulticastLinkBroadcast(t *testing.T) {
	base := MulticastConfig{SegmentConfig: testSegment(t, 5), Capacity: 8, MaxPayload: 128, Readers: 3}

	wcfg := base
	wcfg.Writer = true
	writer := mustOpenMulticast(t, wcfg)
	defer writer.Destroy()
	if !writer.Created() || writer.ReaderID() != -1 || writer.Type() != LinkTypeMulticast {
		t.Fatalf("writer link: created=%v reader=%d", writer.Created(), writer.ReaderID())
	}

	readers := make([]*MulticastLink, 3)
	for i := range readers {
		rcfg := base
		rcfg.Reader = true
		rcfg.ReaderID = i
		readers[i] = mustOpenMulticast(t, rcfg)
		defer readers[i].Close()
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := writer.Send(ctx, TagData, pattern(i, 100)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := writer.SendTo(ctx, TagMarker, []byte("only one"), 1); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	for id, r := range readers {
		for i := 0; i < 3; i++ {
			tag, payload, err := r.Recv(ctx, nil)
			if err != nil || tag != TagData || !bytes.Equal(payload, pattern(i, 100)) {
				t.Fatalf("reader %d message %d: tag %s err %v", id, i, tag, err)
			}
		}
		tag, payload, ok, err := r.TryRecv(nil)
		if err != nil {
			t.Fatalf("reader %d TryRecv: %v", id, err)
		}
		if id == 1 {
			if !ok || tag != TagMarker || string(payload) != "only one" {
				t.Fatalf("reader 1 missed its unicast: ok=%v tag=%s", ok, tag)
			}
		} else if ok {
			t.Fatalf("reader %d saw a message addressed to reader 1", id)
		}
	}

	if err := writer.Send(ctx, TagData, make([]byte, 129)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversized Send: expected ErrMessageTooLarge, got %v", err)
	}
}

// TestMulticastLinkRoles checks role claims and role-less calls.
func TestMulticastLinkRoles(t *testing.T) {
	base := MulticastConfig{SegmentConfig: testSegment(t, 6), Capacity: 4, MaxPayload: 64, Readers: 2}

	wcfg := base
	wcfg.Writer = true
	writer := mustOpenMulticast(t, wcfg)
	defer writer.Destroy()
	if _, err := OpenMulticast(wcfg); !errors.Is(err, ErrWriterClaimed) {
		t.Fatalf("second writer: expected ErrWriterClaimed, got %v", err)
	}

	rcfg := base
	rcfg.Reader = true
	rcfg.ReaderID = 1
	reader := mustOpenMulticast(t, rcfg)
	if _, err := OpenMulticast(rcfg); !errors.Is(err, ErrReaderClaimed) {
		t.Fatalf("second reader 1: expected ErrReaderClaimed, got %v", err)
	}

	ctx := context.Background()
	if _, _, err := writer.Recv(ctx, nil); !errors.Is(err, ErrNotReader) {
		t.Errorf("Recv on writer: expected ErrNotReader, got %v", err)
	}
	if err := reader.Send(ctx, TagData, nil); !errors.Is(err, ErrNotWriter) {
		t.Errorf("Send on reader: expected ErrNotWriter, got %v", err)
	}

	// a closed reader's role is free again
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again := mustOpenMulticast(t, rcfg)
	again.Close()

	mismatch := base
	mismatch.MaxPayload = 128
	mismatch.AttachTimeout = 50 * time.Millisecond
	if _, err := OpenMulticast(mismatch); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("geometry mismatch: expected ErrConfigMismatch, got %v", err)
	}
	if _, err := OpenMulticast(MulticastConfig{SegmentConfig: base.SegmentConfig, Capacity: 4, MaxPayload: 64, Readers: 65}); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("65 readers: expected ErrConfigMismatch, got %v", err)
	}
}

// TestMulticastLinkEvict stalls the writer on a silent reader and frees it
// with Evict.
func TestMulticastLinkEvict(t *testing.T) {
	base := MulticastConfig{SegmentConfig: testSegment(t, 7), Capacity: 2, MaxPayload: 32, Readers: 2}
	wcfg := base
	wcfg.Writer = true
	wcfg.Reader = true
	wcfg.ReaderID = 0
	link := mustOpenMulticast(t, wcfg)
	defer link.Destroy()

	scfg := base
	scfg.Reader = true
	scfg.ReaderID = 1
	silent := mustOpenMulticast(t, scfg)
	defer silent.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := link.Send(ctx, TagData, pattern(i, 8)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if _, _, err := link.Recv(ctx, nil); err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := link.Send(tctx, TagData, pattern(2, 8)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send over a silent reader: expected DeadlineExceeded, got %v", err)
	}

	if err := link.Evict(1); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if link.Active() != 1 {
		t.Errorf("Active = %#x after evicting reader 1", link.Active())
	}
	if err := link.Send(ctx, TagData, pattern(2, 8)); err != nil {
		t.Fatalf("Send after Evict: %v", err)
	}
	var got []byte
	if err := link.RecvFunc(ctx, func(tag Tag, payload []byte) {
		got = append(got, payload...)
	}); err != nil || !bytes.Equal(got, pattern(2, 8)) {
		t.Fatalf("RecvFunc after Evict: %v", err)
	}
	if _, _, err := silent.Recv(ctx, nil); !errors.Is(err, ErrEvicted) {
		t.Fatalf("evicted reader: expected ErrEvicted, got %v", err)
	}
}

// TestSetLogger routes link logs to a caller supplied logger.
func TestSetLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	SetLogger(logger)
	defer SetLogger(logrus.New().WithField("logger", "shmcast"))

	l, err := OpenRing(RingConfig{SegmentConfig: testSegment(t, 8), Capacity: 4, Label: "logged"})
	if err != nil {
		t.Fatalf("Failed to open ring: %v", err)
	}
	defer l.Destroy()

	var found bool
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "ring link open") && e.Data["channel"] == "logged" {
			found = true
		}
	}
	if !found {
		t.Fatalf("open was not logged, have %d entries", len(hook.AllEntries()))
	}
}
