package shm

import (
	"os"
	"unsafe"
)

// Backend selects the OS primitive backing a segment.
type Backend int

const (
	BackendSysV Backend = iota // shmget/shmat keyed by Name.Key
	BackendFile                // mmap of a file under /dev/shm (or Options.Dir)
)

func (b Backend) String() string {
	switch b {
	case BackendSysV:
		return "sysv"
	case BackendFile:
		return "file"
	}
	return "unknown"
}

// SharedMemory represents a shared memory segment mapped into this process.
//
// The segment is owned by the process that created it and attached (not
// owned) by all others. Only the owner's Destroy releases the backing
// object; everybody else merely unmaps.
type SharedMemory struct {
	name    Name    // (path, id) the segment was opened with
	size    int     // Size of the mapping in bytes
	fd      uintptr // shmid for SysV, file descriptor for file segments
	backend Backend
	path    string // backing file, file backend only
	owner   bool
	data    []byte
	file    *os.File // file backend only
}

// Name returns the name the segment was opened with.
func (s *SharedMemory) Name() Name {
	return s.name
}

// Size returns the size of the mapping in bytes.
func (s *SharedMemory) Size() int {
	return s.size
}

// FD returns the OS handle of the segment: the SysV shmid or the file
// descriptor of the backing file. It is only valid until Detach.
func (s *SharedMemory) FD() uintptr {
	return s.fd
}

// Backend returns the primitive backing the segment.
func (s *SharedMemory) Backend() Backend {
	return s.backend
}

// Path returns the backing file path for file segments and "" otherwise.
func (s *SharedMemory) Path() string {
	return s.path
}

// Owner reports whether this process created the segment.
func (s *SharedMemory) Owner() bool {
	return s.owner
}

// Bytes returns the mapped memory. Every attacher sees the same layout.
func (s *SharedMemory) Bytes() []byte {
	return s.data
}

// Addr returns the address of the first mapped byte, or 0 once detached.
func (s *SharedMemory) Addr() uintptr {
	if len(s.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.data[0]))
}

// Detach unmaps the segment from this process. The backing object is left
// in place.
func (s *SharedMemory) Detach() error {
	if s.data == nil {
		return nil
	}
	err := s.unmap()
	s.data = nil
	if err != nil {
		return &AllocationError{Op: "detach", Name: s.name, Size: s.size, Err: err}
	}
	log.WithField("segment", s.name).Debug("detached")
	return nil
}

// Destroy unmaps the segment and, if this process owns it, releases the
// backing object. The caller is responsible for knowing every attacher has
// already detached.
func (s *SharedMemory) Destroy() error {
	if err := s.Detach(); err != nil {
		return err
	}
	if !s.owner {
		return nil
	}
	if err := s.release(); err != nil {
		return &AllocationError{Op: "destroy", Name: s.name, Size: s.size, Err: err}
	}
	s.owner = false
	log.WithField("segment", s.name).Debug("destroyed")
	return nil
}
