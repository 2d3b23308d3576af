//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"gosuda.org/shmcast/internal/protocol"
)

func openSysV(name Name, size int, opts Options) (*SharedMemory, error) {
	key, err := name.Key()
	if err != nil {
		return nil, &AllocationError{Op: "key", Name: name, Size: size, Err: err}
	}
	perm := int(opts.Perm.Perm())

	owner := true
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|perm)
	if errors.Is(err, unix.EEXIST) {
		owner = false
		id, err = unix.SysvShmGet(key, 0, perm)
	}
	if err != nil {
		return nil, &AllocationError{Op: "shmget", Name: name, Size: size, Err: err}
	}

	if !owner {
		var desc unix.SysvShmDesc
		if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
			return nil, &AllocationError{Op: "shmctl", Name: name, Size: size, Err: err}
		}
		if got := uint64(desc.Segsz); got != uint64(size) {
			return nil, fmt.Errorf("%w: segment %s is %d bytes, want %d", protocol.ErrConfigMismatch, name, got, size)
		}
	}

	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		if owner {
			removeSysV(id)
		}
		return nil, &AllocationError{Op: "shmat", Name: name, Size: size, Err: err}
	}

	return &SharedMemory{
		name:    name,
		size:    size,
		fd:      uintptr(id),
		backend: BackendSysV,
		owner:   owner,
		data:    data,
	}, nil
}

func detachSysV(data []byte) error {
	return unix.SysvShmDetach(data)
}

func removeSysV(id int) error {
	_, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	return err
}
