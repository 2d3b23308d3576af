// Command shmbench measures shmcast throughput, either between two roles in
// one process or between separate processes sharing a segment.
//
//	shmbench -inproc -transport multicast -readers 4 -n 1000000
//	shmbench -path /tmp/seed -role send -n 1000000 &
//	shmbench -path /tmp/seed -role recv -n 1000000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gosuda.org/shmcast"
)

type options struct {
	transport string
	path      string
	id        uint
	backend   string
	dir       string
	role      string
	reader    int
	readers   int
	capacity  uint64
	size      int
	n         int
	inproc    bool
	verbose   bool
}

var log = logrus.New()

func main() {
	var o options
	flag.StringVar(&o.transport, "transport", "ring", "ring/multicast")
	flag.StringVar(&o.path, "path", "", "existing file seeding the segment key (temporary with -inproc)")
	flag.UintVar(&o.id, "id", 1, "channel id under -path, 0..255")
	flag.StringVar(&o.backend, "backend", "file", "sysv/file")
	flag.StringVar(&o.dir, "dir", "", "directory of file backed segments")
	flag.StringVar(&o.role, "role", "send", "send/recv")
	flag.IntVar(&o.reader, "reader", 0, "reader id for -transport multicast -role recv")
	flag.IntVar(&o.readers, "readers", 1, "registered multicast readers")
	flag.Uint64Var(&o.capacity, "capacity", 1024, "slots per ring direction or multicast slots")
	flag.IntVar(&o.size, "size", 64, "payload bytes per message")
	flag.IntVar(&o.n, "n", 1_000_000, "messages to transfer")
	flag.BoolVar(&o.inproc, "inproc", false, "run sender and receivers in this process")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.Parse()

	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	shmcast.SetLogger(log.WithField("logger", "shmcast"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		log.WithError(err).Error("shmbench failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	if o.id > 255 {
		return fmt.Errorf("-id %d out of range", o.id)
	}
	if o.n <= 0 || o.size < 0 {
		return fmt.Errorf("-n %d -size %d", o.n, o.size)
	}
	var backend shmcast.Backend
	switch o.backend {
	case "sysv":
		backend = shmcast.BackendSysV
	case "file":
		backend = shmcast.BackendFile
	default:
		return fmt.Errorf("unknown -backend %q", o.backend)
	}
	if o.path == "" {
		if !o.inproc {
			return errors.New("-path is required unless -inproc")
		}
		dir, err := os.MkdirTemp("", "shmbench")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		o.path = filepath.Join(dir, "seed")
		if err := os.WriteFile(o.path, nil, 0o600); err != nil {
			return err
		}
	}
	seg := shmcast.SegmentConfig{Path: o.path, ID: uint8(o.id), Backend: backend, Dir: o.dir}

	switch o.transport {
	case "ring":
		return runRing(ctx, o, seg)
	case "multicast":
		return runMulticast(ctx, o, seg)
	}
	return fmt.Errorf("unknown -transport %q", o.transport)
}

func runRing(ctx context.Context, o options, seg shmcast.SegmentConfig) error {
	cfg := shmcast.RingConfig{SegmentConfig: seg, Capacity: o.capacity, MaxMessage: max(o.size, 64<<10)}
	open := func() (*shmcast.RingLink, error) { return shmcast.OpenRing(cfg) }

	if !o.inproc {
		l, err := open()
		if err != nil {
			return err
		}
		defer l.Destroy()
		if o.role == "recv" {
			return measure("recv", o, func() error { return drain(ctx, l, o.n) })
		}
		return measure("send", o, func() error { return flood(ctx, l, o) })
	}

	tx, err := open()
	if err != nil {
		return err
	}
	defer tx.Destroy()
	rx, err := open()
	if err != nil {
		return err
	}
	defer rx.Close()

	return measure("ring", o, func() error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return flood(ctx, tx, o) })
		g.Go(func() error { return drain(ctx, rx, o.n) })
		return g.Wait()
	})
}

func runMulticast(ctx context.Context, o options, seg shmcast.SegmentConfig) error {
	base := shmcast.MulticastConfig{
		SegmentConfig: seg,
		Capacity:      o.capacity,
		MaxPayload:    o.size,
		Readers:       o.readers,
	}

	if !o.inproc {
		cfg := base
		if o.role == "recv" {
			cfg.Reader = true
			cfg.ReaderID = o.reader
		} else {
			cfg.Writer = true
		}
		l, err := shmcast.OpenMulticast(cfg)
		if err != nil {
			return err
		}
		defer l.Destroy()
		if o.role == "recv" {
			return measure(fmt.Sprintf("reader %d", o.reader), o, func() error { return drain(ctx, l, o.n) })
		}
		return measure("writer", o, func() error { return flood(ctx, l, o) })
	}

	wcfg := base
	wcfg.Writer = true
	w, err := shmcast.OpenMulticast(wcfg)
	if err != nil {
		return err
	}
	defer w.Destroy()
	readers := make([]*shmcast.MulticastLink, o.readers)
	for i := range readers {
		rcfg := base
		rcfg.Reader = true
		rcfg.ReaderID = i
		if readers[i], err = shmcast.OpenMulticast(rcfg); err != nil {
			return err
		}
		defer readers[i].Close()
	}

	return measure("multicast", o, func() error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return flood(ctx, w, o) })
		for _, r := range readers {
			g.Go(func() error { return drain(ctx, r, o.n) })
		}
		return g.Wait()
	})
}

func flood(ctx context.Context, ch shmcast.Channel, o options) error {
	payload := make([]byte, o.size)
	for i := 0; i < o.n; i++ {
		if len(payload) >= 4 {
			payload[0], payload[1], payload[2], payload[3] = byte(i), byte(i>>8), byte(i>>16), byte(i>>24)
		}
		if err := ch.Send(ctx, shmcast.TagData, payload); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
	}
	return nil
}

func drain(ctx context.Context, ch shmcast.Channel, n int) error {
	var buf []byte
	for i := 0; i < n; i++ {
		tag, payload, err := ch.Recv(ctx, buf)
		if err != nil {
			return fmt.Errorf("recv %d: %w", i, err)
		}
		if tag != shmcast.TagData {
			return fmt.Errorf("recv %d: unexpected tag %s", i, tag)
		}
		buf = payload
	}
	return nil
}

func measure(what string, o options, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	secs := elapsed.Seconds()
	log.WithFields(logrus.Fields{
		"run":       what,
		"transport": o.transport,
		"messages":  o.n,
		"size":      o.size,
		"elapsed":   elapsed.Round(time.Microsecond),
		"msg/s":     fmt.Sprintf("%.0f", float64(o.n)/secs),
		"MB/s":      fmt.Sprintf("%.1f", float64(o.n)*float64(o.size)/secs/1e6),
	}).Info("shmbench done")
	return nil
}
