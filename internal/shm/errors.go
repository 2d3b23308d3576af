package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation matches every *AllocationError.
	ErrAllocation  = errors.New("shm: allocation failed")
	ErrInvalidSize = errors.New("shm: invalid segment size")
	ErrUnsupported = errors.New("shm: backend not supported on this platform")
)

// AllocationError reports that a segment could not be obtained, mapped or
// released. It is fatal to the caller and never retried.
type AllocationError struct {
	Op   string // shmget, shmat, open, truncate, mmap, detach, destroy, ...
	Name Name
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("shm: %s %s (%d bytes): %v", e.Op, e.Name, e.Size, e.Err)
}

func (e *AllocationError) Unwrap() []error {
	return []error{ErrAllocation, e.Err}
}
