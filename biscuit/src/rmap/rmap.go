// Package rmap implements the reverse mapping from a physical frame back to
// every virtual-memory area that maps it, so the swap engine and COW fault
// path can find and rewrite every PTE a frame is visible through.
package rmap

import (
	"container/list"
	"sync"

	"mem"
)

/// VmaRef_t is the minimal view of a VMA that a reverse-map walk needs: the
/// owning address space's page-table root and the mapped range. It
/// intentionally does not reference the vma package's Vma_t, so that mem,
/// rmap and vma can be laid out without an import cycle (vma imports rmap,
/// not the other way around).
type VmaRef_t struct {
	Pml4 *mem.Pmap_t
	Base uint64
	End  uint64
}

/// Rmap_t is the set of VMAs a shared frame is currently visible through.
/// A private, unshared page's Rmap has exactly one entry; a page inherited
/// across a fork has one entry per task still mapping it.
type Rmap_t struct {
	mu   sync.Mutex
	vmas *list.List // of *VmaRef_t
}

/// New allocates an empty reverse map.
func New() *Rmap_t {
	return &Rmap_t{vmas: list.New()}
}

/// Add registers a VMA as one of the mappers of this frame's reverse map.
/// A VMA already registered (same page-table root and range) is not added
/// a second time.
func (r *Rmap_t) Add(ref *VmaRef_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.vmas.Front(); e != nil; e = e.Next() {
		if *e.Value.(*VmaRef_t) == *ref {
			return
		}
	}
	r.vmas.PushBack(ref)
}

/// Remove unregisters a VMA, e.g. when it is unmapped or merged away.
func (r *Rmap_t) Remove(ref *VmaRef_t) {
	r.mu.Lock()
	for e := r.vmas.Front(); e != nil; e = e.Next() {
		if e.Value.(*VmaRef_t) == ref {
			r.vmas.Remove(e)
			break
		}
	}
	r.mu.Unlock()
}

/// Walker is invoked by Walk for every mapper of the frame, over the
/// mapper's own page-table range. Callers wire this to a pgtbl page-table
/// walk of [ref.Base, ref.End).
type Walker func(ref *VmaRef_t) error

/// Walk calls fn once per VMA that currently maps the owning frame,
/// continuing past any individual error so that one broken mapping can't
/// hide the rest. Mirrors rmap_walk.
func (r *Rmap_t) Walk(fn Walker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vmas.Len() == 0 {
		panic("rmap: walk of empty reverse map")
	}
	for e := r.vmas.Front(); e != nil; e = e.Next() {
		ref := e.Value.(*VmaRef_t)
		_ = fn(ref)
	}
}

/// Attach installs r as page's reverse map. Page_t.Rmap is untyped to avoid
/// mem importing rmap; Attach/Detach/Get perform the assertion in one place.
func Attach(page *mem.Page_t, r *Rmap_t) {
	page.Rmap = r
}

/// Detach clears a page's reverse map, e.g. when it is freed back to the
/// buddy allocator.
func Detach(page *mem.Page_t) {
	page.Rmap = nil
}

/// Get returns a page's reverse map, or nil if it has none (kernel-only
/// pages are never rmap-tracked).
func Get(page *mem.Page_t) *Rmap_t {
	if page.Rmap == nil {
		return nil
	}
	return page.Rmap.(*Rmap_t)
}
