package disk

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

/// File is an *os.File-backed disk using ReadAt/WriteAt, for callers that
/// want the swap area to survive process restarts or want to inspect it
/// externally during testing.
type File struct {
	mu        sync.Mutex
	f         *os.File
	nsectors  uint64
	sectSize  uint64
	busy      BusySource
	busyPolls uint64
	idlePolls uint64
}

/// OpenFile creates (truncating to size) or opens path as a file-backed
/// disk of nsectors sectors of sectSize bytes.
func OpenFile(path string, nsectors, sectSize uint64, busy BusySource) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	size := int64(nsectors * sectSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "disk: truncate %s to %d", path, size)
	}
	return &File{f: f, nsectors: nsectors, sectSize: sectSize, busy: busy}, nil
}

func (fd *File) Close() error {
	return fd.f.Close()
}

func (fd *File) Poll() bool {
	if fd.busy != nil && fd.busy() {
		atomic.AddUint64(&fd.busyPolls, 1)
		return false
	}
	atomic.AddUint64(&fd.idlePolls, 1)
	return true
}

func (fd *File) Stat() Stat_t {
	return Stat_t{
		Nsectors:  fd.nsectors,
		SectSize:  fd.sectSize,
		BusyPolls: atomic.LoadUint64(&fd.busyPolls),
		IdlePolls: atomic.LoadUint64(&fd.idlePolls),
	}
}

func (fd *File) Read(addr uint64, count int) ([]byte, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	buf := make([]byte, count)
	if _, err := fd.f.ReadAt(buf, int64(addr)); err != nil {
		return nil, errors.Wrapf(err, "disk: read %d bytes at %d", count, addr)
	}
	return buf, nil
}

func (fd *File) Write(addr uint64, buf []byte) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if _, err := fd.f.WriteAt(buf, int64(addr)); err != nil {
		return errors.Wrapf(err, "disk: write %d bytes at %d", len(buf), addr)
	}
	return nil
}
