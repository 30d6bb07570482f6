// Package accnt tracks per-task CPU usage, the nanosecond counters a
// scheduler slice and a wait4() rusage report are both built from.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"util"
)

/// Usage_t accumulates the CPU time a single task has burned, split into
/// time spent running its own code versus time spent in the kernel on its
/// behalf. A forked child starts from its parent's totals: task.Clone
/// folds the parent's Usage_t into the child's via Add.
type Usage_t struct {
	// Nanoseconds spent executing in user mode.
	UserNanos int64
	// Nanoseconds spent executing in kernel mode on the task's behalf.
	SysNanos int64
	sync.Mutex
}

/// AddUser credits delta nanoseconds of user-mode time.
func (u *Usage_t) AddUser(delta int) {
	atomic.AddInt64(&u.UserNanos, int64(delta))
}

/// AddSys credits delta nanoseconds of kernel-mode time.
func (u *Usage_t) AddSys(delta int) {
	atomic.AddInt64(&u.SysNanos, int64(delta))
}

/// Now is the clock Usage_t measures against; a method rather than a bare
/// call to time.Now() so a slice's start and end timestamps come from the
/// same source.
func (u *Usage_t) Now() int {
	return int(time.Now().UnixNano())
}

/// DeductIOWait backs time spent blocked on I/O out of the system-time
/// counter, so it isn't double-counted as CPU time.
func (u *Usage_t) DeductIOWait(since int) {
	u.AddSys(-(u.Now() - since))
}

/// DeductSleep backs time spent blocked asleep out of the system-time
/// counter, for the same reason as DeductIOWait.
func (u *Usage_t) DeductSleep(since int) {
	u.AddSys(-(u.Now() - since))
}

/// Finish closes out a scheduling slice that began at sliceStart, crediting
/// the elapsed time to system time. Callers that also track user time do so
/// separately via AddUser.
func (u *Usage_t) Finish(sliceStart int) {
	u.AddSys(u.Now() - sliceStart)
}

/// Add folds another task's usage into this one. Used by task.Clone to
/// seed a forked child with its parent's accumulated usage.
func (u *Usage_t) Add(other *Usage_t) {
	u.Lock()
	u.UserNanos += other.UserNanos
	u.SysNanos += other.SysNanos
	u.Unlock()
}

/// Snapshot returns a consistent copy of the counters, encoded as a POSIX
/// rusage struct (two timeval pairs: user then system).
func (u *Usage_t) Snapshot() []uint8 {
	u.Lock()
	defer u.Unlock()
	return u.rusage()
}

func (u *Usage_t) rusage() []uint8 {
	const words = 4
	ret := make([]uint8, words*8)
	asTimeval := func(nanos int64) (secs, usecs int) {
		return int(nanos / 1e9), int((nanos % 1e9) / 1000)
	}
	off := 0
	for _, nanos := range []int64{u.UserNanos, u.SysNanos} {
		secs, usecs := asTimeval(nanos)
		util.Writen(ret, 8, off, secs)
		off += 8
		util.Writen(ret, 8, off, usecs)
		off += 8
	}
	return ret
}
