//go:build !linux

package shm

func openSysV(name Name, size int, _ Options) (*SharedMemory, error) {
	return nil, &AllocationError{Op: "shmget", Name: name, Size: size, Err: ErrUnsupported}
}

func detachSysV([]byte) error {
	return ErrUnsupported
}

func removeSysV(int) error {
	return ErrUnsupported
}
