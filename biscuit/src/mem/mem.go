// Package mem implements the buddy physical-page allocator and the
// direct-mapped page/page-table storage the rest of the kernel builds on.
package mem

import (
	"sync"
	"unsafe"

	"caller"
	"defs"

	"go.uber.org/zap"
)

/// Pa_t represents a physical address: frameIndex*PAGE_SIZE + offset. There
/// is no real backing physical memory in the simulator — Dmap resolves a
/// Pa_t straight to the frame's Go-heap-allocated backing array.
type Pa_t uintptr

const (
	PGSHIFT = defs.PAGE_SHIFT
	PGSIZE  = defs.PAGE_SIZE
	PGOFFSET Pa_t = PGSIZE - 1
	PGMASK   Pa_t = ^PGOFFSET
)

/// Pg_t is a page-sized array of 64-bit words, the native shape of a page
/// table. Bytepg_t is the same storage viewed as bytes.
type Pg_t [PGSIZE / 8]uint64
type Bytepg_t [PGSIZE]uint8
type Pmap_t [defs.PTBL_ENTRIES]uint64

/// Pg2bytes reinterprets a page of words as a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg reinterprets a page of bytes as a page of words.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

/// Pg2pmap reinterprets a page as a page-table page.
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

/// Page_t is the per-frame metadata entry. The buddy allocator keeps one of
/// these per PAGE_SIZE frame in a dense array indexed by frame number.
type Page_t struct {
	Free    bool
	Zero    bool
	Order   uint8
	RefCnt  int32
	// Rmap holds a *rmap.Rmap_t once the page is mapped PAGE_USER. It is
	// untyped here so that mem does not have to import rmap (rmap imports
	// mem for Pa_t/Page_t, so the reverse import would cycle); the rmap
	// package provides Attach/Detach/Get helpers that do the type assert.
	Rmap interface{}
	// Swap holds the swap engine's *list.Element once the page is linked
	// onto the clock list. Untyped for the same reason as Rmap: swap
	// imports mem, so mem cannot import swap back.
	Swap interface{}

	next    int32 // index of next free page at this order, -1 if tail
	backing *Pg_t
	idx     int // this frame's own index, set once at construction
}

/// OnFree, if set, is invoked with a frame's index whenever it transitions
/// from referenced to free, before the frame rejoins the buddy lists. The
/// swap package hooks this to evict the frame from the swappable list.
var OnFree func(idx int)

/// Physmem_t is the buddy allocator over a fixed-size, fully simulated
/// physical address space.
type Physmem_t struct {
	mu        sync.Mutex
	pages     []Page_t
	freelists [defs.BUDDY_MAX_ORDER]int32
	freecnt   [defs.BUDDY_MAX_ORDER]int64
	log       *zap.SugaredLogger
}

const noIndex = -1

/// NewPhysmem builds a buddy allocator over npages frames, carving the
/// initial free space into the largest blocks the buddy geometry allows.
func NewPhysmem(npages int, log *zap.SugaredLogger) *Physmem_t {
	p := &Physmem_t{
		pages: make([]Page_t, npages),
		log:   log,
	}
	for i := range p.freelists {
		p.freelists[i] = noIndex
	}
	for i := range p.pages {
		p.pages[i].backing = &Pg_t{}
		p.pages[i].Free = true
		p.pages[i].Zero = true
		p.pages[i].idx = i
	}
	idx := 0
	for idx < npages {
		order := defs.BUDDY_MAX_ORDER - 1
		for order > 0 && (1<<uint(order)) > npages-idx {
			order--
		}
		// block must start at an address aligned to its own size for the
		// buddy-index arithmetic to find the right sibling later.
		for order > 0 && idx&((1<<uint(order))-1) != 0 {
			order--
		}
		p.pages[idx].Order = uint8(order)
		p.pushFree(order, idx)
		idx += 1 << uint(order)
	}
	return p
}

func (p *Physmem_t) popFree(order int) (int, bool) {
	head := p.freelists[order]
	if head == noIndex {
		return 0, false
	}
	p.freelists[order] = p.pages[head].next
	p.freecnt[order]--
	return int(head), true
}

func (p *Physmem_t) pushFree(order, idx int) {
	p.pages[idx].Free = true
	p.pages[idx].Order = uint8(order)
	p.pages[idx].next = p.freelists[order]
	p.freelists[order] = int32(idx)
	p.freecnt[order]++
}

func (p *Physmem_t) removeFree(order, idx int) bool {
	cur := p.freelists[order]
	if cur == noIndex {
		return false
	}
	if int(cur) == idx {
		p.freelists[order] = p.pages[idx].next
		p.freecnt[order]--
		return true
	}
	for cur != noIndex {
		next := p.pages[cur].next
		if int(next) == idx {
			p.pages[cur].next = p.pages[idx].next
			p.freecnt[order]--
			return true
		}
		cur = next
	}
	return false
}

func buddyOf(idx, order int) int {
	blk := 1 << uint(order)
	if idx%(blk*2) == 0 {
		return idx + blk
	}
	return idx - blk
}

// split repeatedly halves the block at idx (currently of order fromOrder)
// until it reaches toOrder, stashing each buddy half on its own free list.
// Mirrors buddy_split in the original allocator.
func (p *Physmem_t) split(idx, fromOrder, toOrder int) {
	order := fromOrder
	for order > toOrder {
		order--
		buddy := idx + (1 << uint(order))
		p.pages[buddy].Order = uint8(order)
		p.pushFree(order, buddy)
	}
	p.pages[idx].Order = uint8(toOrder)
}

// find locates a free block of exactly reqOrder, splitting a larger block
// down if none exists at that order. Mirrors buddy_find.
func (p *Physmem_t) find(reqOrder int) (int, bool) {
	if idx, ok := p.popFree(reqOrder); ok {
		return idx, true
	}
	for order := reqOrder + 1; order < defs.BUDDY_MAX_ORDER; order++ {
		if idx, ok := p.popFree(order); ok {
			p.split(idx, order, reqOrder)
			return idx, true
		}
	}
	return 0, false
}

// merge coalesces idx with its buddy repeatedly while both are free and of
// equal order, stopping at BUDDY_MAX_ORDER-1. Mirrors buddy_merge.
func (p *Physmem_t) merge(idx int) int {
	order := int(p.pages[idx].Order)
	for order < defs.BUDDY_MAX_ORDER-1 {
		buddy := buddyOf(idx, order)
		if buddy < 0 || buddy >= len(p.pages) {
			break
		}
		if !p.pages[buddy].Free || int(p.pages[buddy].Order) != order {
			break
		}
		p.removeFree(order, buddy)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	p.pages[idx].Order = uint8(order)
	return idx
}

/// Page2Pa returns the physical address of the given frame index.
func (p *Physmem_t) Page2Pa(idx int) Pa_t {
	return Pa_t(idx) << PGSHIFT
}

/// Pa2Idx returns the frame index backing a physical address.
func (p *Physmem_t) Pa2Idx(pa Pa_t) int {
	return int(pa >> PGSHIFT)
}

/// Pa2Page returns the frame metadata for a physical address.
func (p *Physmem_t) Pa2Page(pa Pa_t) *Page_t {
	return &p.pages[p.Pa2Idx(pa)]
}

/// PageAddr returns a frame's own physical address, given its metadata
/// pointer. Useful to callers (e.g. the swap engine) that hold onto a
/// *Page_t from the clock/rmap lists and need its address back.
func (p *Physmem_t) PageAddr(pg *Page_t) Pa_t {
	return p.Page2Pa(pg.idx)
}

/// Dmap resolves a physical address to its backing storage, standing in for
/// the kernel's direct-mapped virtual window over all of physical memory.
func (p *Physmem_t) Dmap(pa Pa_t) *Pg_t {
	return p.pages[p.Pa2Idx(pa)].backing
}

/// AllocOrder allocates a block of 2^order pages. ALLOC_HUGE overrides
/// order with 9, a 2 MiB block. ALLOC_ZERO zeroes the backing storage of
/// every page in the block not already known to be zero.
func (p *Physmem_t) AllocOrder(order int, flags int) (*Page_t, Pa_t, defs.Err_t) {
	if flags&defs.ALLOC_HUGE != 0 {
		order = 9
	}
	p.mu.Lock()
	idx, ok := p.find(order)
	if !ok {
		p.mu.Unlock()
		return nil, 0, defs.ENOMEM
	}
	pg := &p.pages[idx]
	if flags&defs.ALLOC_ZERO != 0 {
		for i := idx; i < idx+(1<<uint(order)); i++ {
			if !p.pages[i].Zero {
				*p.pages[i].backing = Pg_t{}
			}
		}
	}
	pg.Free = false
	pg.RefCnt = 0
	p.mu.Unlock()
	return pg, p.Page2Pa(idx), 0
}

/// Alloc allocates a single order-0 page, the only block size page_alloc
/// ever requests in the original allocator.
func (p *Physmem_t) Alloc(flags int) (*Page_t, Pa_t, defs.Err_t) {
	return p.AllocOrder(0, flags)
}

/// Free returns a page to the allocator. The caller must have already
/// driven RefCnt to zero.
func (p *Physmem_t) Free(pa Pa_t) {
	idx := p.Pa2Idx(pa)
	p.mu.Lock()
	pg := &p.pages[idx]
	if pg.RefCnt != 0 {
		if p.log != nil {
			p.log.Errorw("free of referenced page", "pa", pa, "refcnt", pg.RefCnt)
		}
		caller.Callerdump(1)
		panic("mem: Free of referenced page")
	}
	if OnFree != nil {
		OnFree(idx)
	}
	pg.Rmap = nil
	pg.Zero = false
	merged := p.merge(idx)
	p.pushFree(int(p.pages[merged].Order), merged)
	p.mu.Unlock()
}

/// Incref bumps a page's reference count.
func (p *Physmem_t) Incref(pa Pa_t) {
	p.Pa2Page(pa).RefCnt++
}

/// Decref drops a page's reference count, freeing it at zero.
func (p *Physmem_t) Decref(pa Pa_t) {
	pg := p.Pa2Page(pa)
	pg.RefCnt--
	if pg.RefCnt < 0 {
		if p.log != nil {
			p.log.Errorw("negative refcount", "pa", pa)
		}
		caller.Callerdump(1)
		panic("mem: negative refcount")
	}
	if pg.RefCnt == 0 {
		p.Free(pa)
	}
}

/// CountFreeOrder reports the number of free blocks at a given order.
func (p *Physmem_t) CountFreeOrder(order int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freecnt[order]
}

/// CountTotalFree sums free pages across every order. Unlike the original
/// kernel's get_total_free_memory, which returned only the last loop
/// iteration's partial sum, this accumulates across all orders.
func (p *Physmem_t) CountTotalFree() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for order := 0; order < defs.BUDDY_MAX_ORDER; order++ {
		total += p.freecnt[order] * (1 << uint(order))
	}
	return total
}

/// Snapshot returns a copy of the per-order free counts, for metrics export.
func (p *Physmem_t) Snapshot() [defs.BUDDY_MAX_ORDER]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freecnt
}
