// Package shm creates, attaches and destroys named shared memory segments.
//
// It is the only OS-facing piece of shmcast: the channels above it see a
// plain []byte with the same layout in every attached process.
package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gosuda.org/shmcast/internal/protocol"
	"gosuda.org/shmcast/internal/spin"
)

// CreateOrAttach maps exactly size bytes of the segment called name. The
// first process to get there creates the segment and owns it; everybody else
// attaches. Attaching with a size that differs from the existing segment
// fails with protocol.ErrConfigMismatch.
func CreateOrAttach(name Name, size int, opts Options) (*SharedMemory, error) {
	if size <= 0 {
		return nil, &AllocationError{Op: "create", Name: name, Size: size, Err: ErrInvalidSize}
	}
	opts = opts.withDefaults()

	var (
		s   *SharedMemory
		err error
	)
	switch opts.Backend {
	case BackendSysV:
		s, err = openSysV(name, size, opts)
	case BackendFile:
		s, err = openFile(name, size, opts)
	default:
		err = &AllocationError{Op: "create", Name: name, Size: size, Err: ErrUnsupported}
	}
	if err != nil {
		log.WithField("segment", name).WithError(err).Debug("create or attach failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"segment": name,
		"backend": s.backend,
		"size":    size,
		"owner":   s.owner,
	}).Debug("mapped")
	return s, nil
}

func openFile(name Name, size int, opts Options) (*SharedMemory, error) {
	path, err := name.filePath(opts.Dir)
	if err != nil {
		return nil, &AllocationError{Op: "key", Name: name, Size: size, Err: err}
	}

	owner := true
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, opts.Perm)
	if errors.Is(err, fs.ErrExist) {
		owner = false
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, &AllocationError{Op: "open", Name: name, Size: size, Err: err}
	}

	cleanup := func() {
		f.Close()
		if owner {
			os.Remove(path)
		}
	}

	if owner {
		if err := f.Truncate(int64(size)); err != nil {
			cleanup()
			return nil, &AllocationError{Op: "truncate", Name: name, Size: size, Err: err}
		}
	} else if err := waitFileSize(f, name, size, opts.Timeout); err != nil {
		cleanup()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, &AllocationError{Op: "mmap", Name: name, Size: size, Err: err}
	}

	return &SharedMemory{
		name:    name,
		size:    size,
		fd:      f.Fd(),
		backend: BackendFile,
		path:    path,
		owner:   owner,
		data:    data,
		file:    f,
	}, nil
}

// waitFileSize waits for the owner to size a freshly created file. An empty
// file after the timeout, or any other size, is a geometry mismatch.
func waitFileSize(f *os.File, name Name, size int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	b := spin.Default.Backoff()
	for {
		info, err := f.Stat()
		if err != nil {
			return &AllocationError{Op: "stat", Name: name, Size: size, Err: err}
		}
		got := info.Size()
		if got == int64(size) {
			return nil
		}
		if got != 0 || time.Now().After(deadline) {
			return fmt.Errorf("%w: segment %s is %d bytes, want %d", protocol.ErrConfigMismatch, name, got, size)
		}
		b.Wait()
	}
}

func (s *SharedMemory) unmap() error {
	switch s.backend {
	case BackendSysV:
		return detachSysV(s.data)
	case BackendFile:
		err := unix.Munmap(s.data)
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return ErrUnsupported
}

func (s *SharedMemory) release() error {
	switch s.backend {
	case BackendSysV:
		return removeSysV(int(s.fd))
	case BackendFile:
		return os.Remove(s.path)
	}
	return ErrUnsupported
}
