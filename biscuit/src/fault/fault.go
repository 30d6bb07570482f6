// Package fault dispatches page faults: populate-on-demand for unmapped
// addresses, copy-on-write for writes to a shared read-only frame, and
// swap-clock promotion for every touch of an already-mapped frame.
package fault

import (
	"defs"
	"mem"
	"pgtbl"
	"rmap"
	"util"
	"vma"
)

/// TouchFunc is invoked for every page a fault observes already mapped, so
/// the swap engine can record the access (enlist-or-promote on its clock
/// list). Wired explicitly rather than through a package global.
type TouchFunc func(page *mem.Page_t)

type Handler_t struct {
	Phys  *mem.Physmem_t
	Pt    *pgtbl.PageTable_t
	Touch TouchFunc
	// Enlist, if set, is handed to every pgtbl.UserMapping this handler
	// builds, so a frame mapped by a COW break or a lazy populate lands
	// on the swap engine's clock list exactly as an initial install
	// does. Wired explicitly, like Touch, so fault never has to import
	// swap.
	Enlist func(page *mem.Page_t)
	// OOM, if set, is called when a fault's own allocation fails with
	// ENOMEM. It should free at least one frame (e.g. by killing the
	// highest-scoring task) and report whether it did; the fault path
	// retries its allocation exactly once before giving up. Wired
	// explicitly, like Touch, so fault never has to import oom.
	OOM func() bool
}

func New(phys *mem.Physmem_t, pt *pgtbl.PageTable_t, touch TouchFunc) *Handler_t {
	return &Handler_t{Phys: phys, Pt: pt, Touch: touch}
}

func (h *Handler_t) alloc(flags int) (*mem.Page_t, mem.Pa_t, defs.Err_t) {
	page, pa, err := h.Phys.Alloc(flags)
	if err != 0 && h.OOM != nil && h.OOM() {
		page, pa, err = h.Phys.Alloc(flags)
	}
	return page, pa, err
}

// copyOnWrite resolves a write fault against a present, not-yet-writable
// PTE. A sole owner just gets PTE_W set in place; a shared frame (e.g.
// inherited across fork) is duplicated first. Mirrors copy_on_write.
func (h *Handler_t) copyOnWrite(pml4 *mem.Pmap_t, va uint64, page *mem.Page_t, entry *uint64, v *vma.Vma_t) defs.Err_t {
	if page.RefCnt == 1 {
		*entry |= defs.PTE_W
		return 0
	}
	newPage, newPa, err := h.alloc(defs.ALLOC_ZERO)
	if err != 0 {
		return err
	}
	src := h.Phys.Dmap(pgtbl.EntryAddr(*entry))
	dst := h.Phys.Dmap(newPa)
	*dst = *src
	um := &pgtbl.UserMapping{Rmap: v.Rmap, Ref: &rmap.VmaRef_t{Pml4: pml4, Base: v.VmBase, End: v.VmEnd}, Enlist: h.Enlist}
	flags := vma.PageFlags(v.VmFlags) | defs.PTE_U
	return h.Pt.Insert(pml4, newPage, newPa, util.Rounddown(va, uint64(defs.PAGE_SIZE)), flags, um)
}

/// HandlePageFault resolves a fault at va against the owning space's VMA
/// set. ecode carries the fault's PTE_W/PTE_U/PTE_P bits, mirroring the
/// hardware error code the original kernel decodes in
/// task_page_fault_handler.
func (h *Handler_t) HandlePageFault(space *vma.Space_t, pml4 *mem.Pmap_t, va uint64, ecode uint64, src vma.ExecImage) defs.Err_t {
	v := space.Find(va)
	if v == nil {
		return defs.EFAULT
	}
	page, entry := h.Pt.Lookup(pml4, va)
	if page != nil {
		if entry != nil {
			// Mirrors the hardware setting the accessed bit on every
			// translation it serves; this is the only place a real CPU's
			// access tracking has a counterpart in the simulator, since a
			// fault is the only access this handler ever observes.
			*entry |= defs.PTE_A
		}
		if h.Touch != nil {
			h.Touch(page)
		}
		if entry != nil && *entry != 0 && v.VmFlags&defs.VM_WRITE != 0 && *entry&defs.PTE_W == 0 && ecode&defs.PTE_W != 0 {
			return h.copyOnWrite(pml4, va, page, entry, v)
		}
		return 0
	}
	base := util.Rounddown(va, uint64(defs.PAGE_SIZE))
	return vma.PopulateVmaRange(space, h.Pt, pml4, base, defs.PAGE_SIZE, src, h.Enlist)
}
