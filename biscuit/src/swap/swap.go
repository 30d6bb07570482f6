// Package swap implements clock/second-chance page replacement: a list of
// swappable frames, a disk-backed swap-out/swap-in path driven through
// each frame's reverse map, and a monotonic bump allocator for swap disk
// slots.
package swap

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"defs"
	"disk"
	"limits"
	"mem"
	"pgtbl"
	"rmap"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNoVictim = errors.New("swap: no swappable page available")
var ErrOutOfSwap = errors.New("swap: block limit reached")

/// Engine owns the swappable-frame clock list and the swap disk's slot
/// allocator. A process runs exactly one Engine; New wires it into
/// mem.OnFree so a frame freed through the ordinary allocator path also
/// leaves the clock list.
type Engine struct {
	phys *mem.Physmem_t
	pt   *pgtbl.PageTable_t
	d    disk.Disk
	log  *zap.SugaredLogger

	mu           sync.Mutex
	clock        *list.List // of *mem.Page_t; back = next victim
	freeDiskAddr uint64

	swapOuts uint64
	swapIns  uint64
}

func New(phys *mem.Physmem_t, pt *pgtbl.PageTable_t, d disk.Disk, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		phys:  phys,
		pt:    pt,
		d:     d,
		log:   log,
		clock: list.New(),
	}
	mem.OnFree = e.evict
	return e
}

func pageElem(page *mem.Page_t) *list.Element {
	if page.Swap == nil {
		return nil
	}
	return page.Swap.(*list.Element)
}

/// Enlist adds page to the clock list if it isn't already on it. Mirrors
/// add_swap_page.
func (e *Engine) Enlist(page *mem.Page_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pageElem(page) != nil {
		return
	}
	page.Swap = e.clock.PushFront(page)
}

func (e *Engine) removeLocked(page *mem.Page_t) {
	if el := pageElem(page); el != nil {
		e.clock.Remove(el)
		page.Swap = nil
	}
}

/// Touch moves page to the front of the clock list, as the most recently
/// used. Mirrors mru_swap_page.
func (e *Engine) Touch(page *mem.Page_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(page)
	page.Swap = e.clock.PushFront(page)
}

// evict is mem.OnFree's hook: when the buddy allocator reclaims a frame
// outright, it must no longer be a swap-out candidate.
func (e *Engine) evict(idx int) {
	page := e.phys.Pa2Page(e.phys.Page2Pa(idx))
	e.mu.Lock()
	e.removeLocked(page)
	e.mu.Unlock()
}

var addrMask = uint64(pgtbl.EntryAddr(^uint64(0)))

// checkAccessed scans every PTE mapping pa across ref's range, clearing
// PTE_A as it goes, and reports whether any of them had it set. Mirrors
// check_access_flag.
func checkAccessed(pt *pgtbl.PageTable_t, ref *rmap.VmaRef_t, pa mem.Pa_t) bool {
	accessed := false
	w := &pgtbl.Walker_t{
		PTE: func(entry *uint64, va uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 && pgtbl.EntryAddr(*entry) == pa && *entry&defs.PTE_A != 0 {
				accessed = true
				*entry &^= defs.PTE_A
			}
			return 0
		},
	}
	pt.WalkPageRange(ref.Pml4, ref.Base, ref.End, w)
	return accessed
}

// getVictim pops the tail of the clock list and gives it a second chance:
// if any of its mappers still has the access bit set, the bit is cleared
// and the page is promoted back to the front instead of evicted. Mirrors
// check_clock/get_page.
func (e *Engine) getVictim() *mem.Page_t {
	for {
		e.mu.Lock()
		back := e.clock.Back()
		if back == nil {
			e.mu.Unlock()
			return nil
		}
		page := back.Value.(*mem.Page_t)
		e.clock.Remove(back)
		page.Swap = nil
		e.mu.Unlock()

		accessed := false
		if r := rmap.Get(page); r != nil {
			pa := e.phys.PageAddr(page)
			r.Walk(func(ref *rmap.VmaRef_t) error {
				if checkAccessed(e.pt, ref, pa) {
					accessed = true
				}
				return nil
			})
		}
		if accessed {
			e.Touch(page)
			continue
		}
		return page
	}
}

func (e *Engine) nextDiskAddr() uint64 {
	return atomic.AddUint64(&e.freeDiskAddr, defs.PAGE_SIZE) - defs.PAGE_SIZE
}

// rewriteOut clears PTE_P and the frame-address bits of every PTE mapping
// pa across ref's range, then writes diskAddr into the address field.
// Permission bits (W/U/NX) are left untouched. Mirrors
// update_pte_swap_out/update_rmap_ptes_swap_out.
func rewriteOut(pt *pgtbl.PageTable_t, ref *rmap.VmaRef_t, pa mem.Pa_t, diskAddr uint64) {
	w := &pgtbl.Walker_t{
		PTE: func(entry *uint64, va uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 && pgtbl.EntryAddr(*entry) == pa {
				*entry = (*entry &^ addrMask &^ uint64(defs.PTE_P)) | diskAddr
			}
			return 0
		},
	}
	pt.WalkPageRange(ref.Pml4, ref.Base, ref.End, w)
}

/// SwapOut evicts one victim frame to disk: polls the device (never
/// blocks), selects a victim via the clock list, writes it to a freshly
/// allocated disk slot, rewrites every PTE that mapped it to encode the
/// disk slot instead of the frame, and frees the frame. Mirrors swap_out.
func (e *Engine) SwapOut() error {
	if !e.d.Poll() {
		return disk.ErrBusy
	}
	victim := e.getVictim()
	if victim == nil {
		return ErrNoVictim
	}
	if !limits.Syslimit.Blocks.Take() {
		e.Enlist(victim)
		return ErrOutOfSwap
	}

	pa := e.phys.PageAddr(victim)
	diskAddr := e.nextDiskAddr()

	buf := mem.Pg2bytes(e.phys.Dmap(pa))
	if err := e.d.Write(diskAddr, buf[:]); err != nil {
		limits.Syslimit.Blocks.Give()
		e.Enlist(victim)
		return errors.Wrap(err, "swap: write")
	}

	if r := rmap.Get(victim); r != nil {
		r.Walk(func(ref *rmap.VmaRef_t) error {
			rewriteOut(e.pt, ref, pa, diskAddr)
			return nil
		})
	}

	victim.RefCnt = 0
	e.phys.Free(pa)
	atomic.AddUint64(&e.swapOuts, 1)
	if e.log != nil {
		e.log.Debugw("swapped out page", "pa", pa, "disk_addr", diskAddr)
	}
	return nil
}

// SwapIn resolves a fault on entry, a not-present PTE whose address field
// encodes a swap disk slot rather than a physical frame: it polls the
// disk and reads the slot, then allocates a fresh frame, copies the slot
// into it, and rewrites entry in place to point at the frame with PTE_P
// set. The frame is allocated only once the read has succeeded, so no
// failure path has a frame to give back.
//
// The original kernel's swap_in instead re-walks the reverse map looking
// for every PTE pointing at the same frame — but at that point in the
// call the newly allocated frame has no reverse map yet (it was never
// attached to one), so that walk can never match anything; this is the
// source's own stubbed-out swap-in fault path. Rewriting just the
// faulting entry directly is the documented, corrected replacement.
//
// The swap lock is released via defer so every return path, including
// the disk-busy path, unlocks (the original's unbraced if after the read
// call executes the early return unconditionally and leaves the lock
// held on success).
func (e *Engine) SwapIn(entry *uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	diskAddr := pgtbl.EntryAddr(*entry)

	if !e.d.Poll() {
		return disk.ErrBusy
	}

	buf, rerr := e.d.Read(uint64(diskAddr), defs.PAGE_SIZE)
	if rerr != nil {
		return errors.Wrap(rerr, "swap: read")
	}
	_, pa, err := e.phys.Alloc(defs.ALLOC_ZERO)
	if err != 0 {
		return errors.New("swap: alloc failed")
	}
	dst := mem.Pg2bytes(e.phys.Dmap(pa))
	copy(dst[:], buf)

	e.phys.Incref(pa)
	*entry = (*entry &^ addrMask) | uint64(pa) | defs.PTE_P
	limits.Syslimit.Blocks.Give()

	atomic.AddUint64(&e.swapIns, 1)
	if e.log != nil {
		e.log.Debugw("swapped in page", "pa", pa, "disk_addr", diskAddr)
	}
	return nil
}

/// Counts reports the running total of swap-out/swap-in operations, for
/// the metrics exporter.
func (e *Engine) Counts() (outs, ins uint64) {
	return atomic.LoadUint64(&e.swapOuts), atomic.LoadUint64(&e.swapIns)
}

/// MaybeSwapOut runs one swap-out pass if total free memory is below
/// threshold, attempting up to SWAP_BLOCK evictions and stopping early on
/// the first failure (disk busy or no swappable page left) so the caller
/// can yield back to the scheduler rather than spin. Mirrors the
/// memory-pressure check and bounded swap-out loop in swap_thread.
func (e *Engine) MaybeSwapOut() (attempted, swapped int) {
	if e.phys.CountTotalFree() >= defs.MEMORY_THRESHOLD {
		return 0, 0
	}
	for i := uint64(0); i < defs.SWAP_BLOCK; i++ {
		attempted++
		if err := e.SwapOut(); err != nil {
			break
		}
		swapped++
	}
	return
}

/// Run drives MaybeSwapOut on a timer until ctx is cancelled. Mirrors
/// swap_thread's periodic memory-pressure check; the original's own
/// infinite loop with a condition-variable wait has no counterpart since
/// this port has no single persistent kernel thread to park. Suitable as
/// one of sched.Sched_t.Run's supervised kernel tasks.
func (e *Engine) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if attempted, swapped := e.MaybeSwapOut(); attempted > 0 && e.log != nil {
				e.log.Debugw("swap-out pass", "attempted", attempted, "swapped", swapped)
			}
		}
	}
}
