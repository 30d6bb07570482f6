// Package disk implements the non-blocking poll/stat/read/write block
// device contract the swap engine drives. Disk operations never block; a
// caller that finds the device busy is expected to yield and retry.
package disk

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

/// Stat_t reports static and live counters for a disk. Mirrors
/// original_source/kernel/dev/disk.h's struct disk_stat, extended with
/// busy/idle poll counters the metrics exporter consumes.
type Stat_t struct {
	Nsectors  uint64
	SectSize  uint64
	BusyPolls uint64
	IdlePolls uint64
}

/// Disk is the contract swap (and anything else moving pages to block
/// storage) programs against. Every method is non-blocking: Poll reports
/// whether the device would accept a request right now. Read/Write do not
/// consult the busy state themselves; callers poll first.
type Disk interface {
	Poll() bool
	Stat() Stat_t
	Read(addr uint64, count int) ([]byte, error)
	Write(addr uint64, buf []byte) error
}

/// ErrBusy reports a device that Poll found not ready. Mem and File never
/// return it from Read/Write; swap.Engine's SwapOut/SwapIn return it when
/// their Poll reports busy.
var ErrBusy = errors.New("disk: busy")

/// Mem is an in-memory block store sized at construction time. It backs
/// the swap area by default, standing in for a real disk's persistence
/// without filesystem dependencies. Each Poll call consults the injected
/// busy source and reports not-ready whenever it returns true, so tests
/// can exercise the device-busy/EAGAIN path deterministically by
/// supplying a scripted source.
type Mem struct {
	mu        sync.Mutex
	store     []byte
	sectSize  uint64
	busy      BusySource
	busyPolls uint64
	idlePolls uint64
}

/// BusySource decides, on each Poll, whether the device should report
/// itself busy. Nil means never busy.
type BusySource func() bool

/// NewMem allocates an in-memory disk of nsectors sectors of sectSize
/// bytes each. busy may be nil.
func NewMem(nsectors, sectSize uint64, busy BusySource) *Mem {
	return &Mem{
		store:    make([]byte, nsectors*sectSize),
		sectSize: sectSize,
		busy:     busy,
	}
}

func (m *Mem) Poll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy != nil && m.busy() {
		m.busyPolls++
		return false
	}
	m.idlePolls++
	return true
}

func (m *Mem) Stat() Stat_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stat_t{
		Nsectors:  uint64(len(m.store)) / m.sectSize,
		SectSize:  m.sectSize,
		BusyPolls: m.busyPolls,
		IdlePolls: m.idlePolls,
	}
}

func (m *Mem) Read(addr uint64, count int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(count) > uint64(len(m.store)) {
		return nil, errors.Errorf("disk: read [%d,%d) out of range (size %d)", addr, addr+uint64(count), len(m.store))
	}
	out := make([]byte, count)
	copy(out, m.store[addr:addr+uint64(count)])
	return out, nil
}

func (m *Mem) Write(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(buf)) > uint64(len(m.store)) {
		return errors.Errorf("disk: write [%d,%d) out of range (size %d)", addr, addr+uint64(len(buf)), len(m.store))
	}
	copy(m.store[addr:], buf)
	return nil
}

/// FixedBusy returns a BusySource reporting busy on a counted-out fraction
/// of calls: every everyNth-th call is busy. everyNth == 0 returns nil
/// (never busy).
func FixedBusy(everyNth uint64) BusySource {
	if everyNth == 0 {
		return nil
	}
	var n uint64
	return func() bool {
		c := atomic.AddUint64(&n, 1)
		return c%everyNth == 0
	}
}
