// Package limits tracks the system-wide resource caps task creation and
// the swap device consult before committing new state, so one task set
// can't unboundedly starve the others.
package limits

import "unsafe"
import "sync/atomic"

/// Sysatomic_t is a numeric limit that can be atomically taken from and
/// given back to.
type Sysatomic_t int64

/// Syslimit_t tracks the two system-wide caps this simulator enforces:
/// the live task count task.Table_t.alloc consults, and the swap device
/// block budget swap.Engine's disk-backed bump allocator consults.
type Syslimit_t struct {
	// Sysprocs bounds concurrently live tasks; task.Table_t.alloc takes
	// one slot per Create/Clone and free gives it back.
	Sysprocs Sysatomic_t
	// Blocks bounds the swap device's disk-block budget.
	Blocks Sysatomic_t
}

/// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

/// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		// ~390 MiB of 4 KiB swap blocks
		Blocks: 100000,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

/// Taken tries to decrement the limit by the provided amount.
/// It returns true on success.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

/// Take decrements the limit and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
