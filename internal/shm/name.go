package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Name identifies one logical segment. Processes agree on names out of band;
// Path must exist and only seeds the key, in the manner of ftok(3).
type Name struct {
	Path string
	ID   uint8
}

func (n Name) String() string {
	return fmt.Sprintf("%s#%d", n.Path, n.ID)
}

// Key derives the System V IPC key for n:
//
//	id<<24 | (st_dev&0xff)<<16 | (st_ino&0xffff)
func (n Name) Key() (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(n.Path, &st); err != nil {
		return 0, fmt.Errorf("shm: key for %s: %w", n, err)
	}
	key := uint32(n.ID)<<24 | (uint32(uint64(st.Dev))&0xff)<<16 | uint32(uint64(st.Ino))&0xffff
	return int(int32(key)), nil
}

// Options tune CreateOrAttach. The zero value selects the SysV backend with
// mode 0600.
type Options struct {
	Backend Backend
	Dir     string        // directory for file segments, default /dev/shm or os.TempDir()
	Perm    os.FileMode   // permission bits, default 0600
	Timeout time.Duration // how long an attacher waits for the owner to size the segment, default 1s
}

func (o Options) withDefaults() Options {
	if o.Perm == 0 {
		o.Perm = 0o600
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.Dir == "" {
		o.Dir = defaultDir()
	}
	return o
}

// defaultDir prefers the tmpfs mount at /dev/shm and falls back to the
// temporary directory.
func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// filePath returns the backing file of a file segment.
func (n Name) filePath(dir string) (string, error) {
	key, err := n.Key()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("shmcast_%08x", uint32(key))), nil
}
