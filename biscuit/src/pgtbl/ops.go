package pgtbl

import (
	"defs"
	"mem"
	"rmap"
)

/// UserMapping carries the reverse-mapping context for a PAGE_USER
/// mapping. Insert/Populate attach the frame to Rmap (via Ref) whenever
/// this is non-nil; a nil UserMapping means the mapping is kernel-only and
/// gets no reverse map. Passing this explicitly (rather than consulting an
/// implicit "current task" global, as the original kernel does) is what
/// keeps pgtbl from needing to import the vma/task packages.
//
// Enlist, if set, is called with the newly mapped frame so the swap
// engine can add it to its clock list. It is optional so callers
// installing a mapping that must never be swapped (none exist yet, but
// the hook costs nothing to make available) can simply leave it nil.
// Wired explicitly per mapping, the same decoupling idiom as
// mem.OnFree/fault.Handler_t.Touch, so pgtbl never has to import swap.
type UserMapping struct {
	Rmap   *rmap.Rmap_t
	Ref    *rmap.VmaRef_t
	Enlist func(page *mem.Page_t)
}

func (pt *PageTable_t) ptblAlloc(entry *uint64, base, end uint64) defs.Err_t {
	if *entry&defs.PTE_P != 0 {
		return 0
	}
	_, pa, err := pt.Phys.Alloc(defs.ALLOC_ZERO)
	if err != 0 {
		return err
	}
	pt.Phys.Incref(pa)
	*entry = uint64(pa) | defs.PTE_P | defs.PTE_W | defs.PTE_U
	return 0
}

// ptblFree frees an intermediate table once its subtree walk returns, but
// only if none of its 512 entries are present. Installed as every
// intermediate level's post-descend callback so tables are freed
// bottom-up as a walk unwinds. Mirrors ptbl_free.
func (pt *PageTable_t) ptblFree(entry *uint64, base, end uint64) {
	if *entry&defs.PTE_P == 0 {
		return
	}
	table := pt.child(*entry)
	for _, e := range table {
		if e&defs.PTE_P != 0 {
			return
		}
	}
	pa := entryAddr(*entry)
	*entry = 0
	pt.Phys.Decref(pa)
}

/// Insert maps page (already allocated, physical address pa) at va with
/// the given PTE flags, replacing and decref'ing whatever was mapped there
/// before. Mirrors page_insert/insert_pte.
func (pt *PageTable_t) Insert(pml4 *mem.Pmap_t, page *mem.Page_t, pa mem.Pa_t, va uint64, flags uint64, um *UserMapping) defs.Err_t {
	w := &Walker_t{
		PDE:   pt.ptblAlloc,
		PDPTE: pt.ptblAlloc,
		PML4E: pt.ptblAlloc,
		PTE: func(entry *uint64, entryVA uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 {
				pt.Phys.Decref(entryAddr(*entry))
			}
			if um != nil {
				rmap.Attach(page, um.Rmap)
				um.Rmap.Add(um.Ref)
				if um.Enlist != nil {
					um.Enlist(page)
				}
			} else {
				rmap.Detach(page)
			}
			pt.Phys.Incref(pa)
			*entry = uint64(pa) | flags | defs.PTE_P
			return 0
		},
	}
	return pt.WalkPageRange(pml4, va, va+defs.PAGE_SIZE, w)
}

/// Lookup returns the frame mapped at va, and optionally the PTE pointer
/// itself. It returns nil if no leaf mapping is present; a present huge
/// (PAGE_HUGE) PD entry is also reported as "not found," since huge-page
/// translation is out of scope (see lookup_pde, a stub in the original).
func (pt *PageTable_t) Lookup(pml4 *mem.Pmap_t, va uint64) (*mem.Page_t, *uint64) {
	var found *uint64
	w := &Walker_t{
		PTE: func(entry *uint64, entryVA uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 {
				found = entry
			}
			return 0
		},
	}
	pt.WalkPageRange(pml4, va, va+defs.PAGE_SIZE, w)
	if found == nil {
		return nil, nil
	}
	return pt.Phys.Pa2Page(entryAddr(*found)), found
}

const protMask = defs.PTE_P | defs.PTE_W | defs.PTE_U | defs.PTE_NX

/// Protect rewrites the PTE_P|PTE_W|PTE_U|PTE_NX bits of every leaf in
/// [va,va+size) to flags, leaving the physical mapping and all other bits
/// untouched. Mirrors protect_region/protect_pte: a no-op when the
/// requested bits already match (so this never needlessly shoots down a
/// TLB entry that didn't change).
func (pt *PageTable_t) Protect(pml4 *mem.Pmap_t, va uint64, size uint64, flags uint64) defs.Err_t {
	w := &Walker_t{
		PTE: func(entry *uint64, entryVA uint64) defs.Err_t {
			if *entry&defs.PTE_P == 0 {
				return 0
			}
			if *entry&protMask != flags {
				*entry = (*entry &^ protMask) | flags | defs.PTE_P
			}
			return 0
		},
	}
	return pt.WalkPageRange(pml4, va, va+size, w)
}

/// Populate allocates and zeroes a fresh page for every not-yet-present
/// leaf in [va,va+size), mapping it with flags. Already-present leaves are
/// left alone. Mirrors populate_region/populate_pte.
func (pt *PageTable_t) Populate(pml4 *mem.Pmap_t, va uint64, size uint64, flags uint64, um *UserMapping) defs.Err_t {
	w := &Walker_t{
		PDE:   pt.ptblAlloc,
		PDPTE: pt.ptblAlloc,
		PML4E: pt.ptblAlloc,
		PTE: func(entry *uint64, entryVA uint64) defs.Err_t {
			if *entry&defs.PTE_P != 0 {
				return 0
			}
			page, pa, err := pt.Phys.Alloc(defs.ALLOC_ZERO)
			if err != 0 {
				return err
			}
			if um != nil {
				rmap.Attach(page, um.Rmap)
				um.Rmap.Add(um.Ref)
				if um.Enlist != nil {
					um.Enlist(page)
				}
			}
			pt.Phys.Incref(pa)
			*entry = uint64(pa) | flags | defs.PTE_P
			return 0
		},
	}
	return pt.WalkPageRange(pml4, va, va+size, w)
}

// remove_pte's original presence test was `*entry * PAGE_PRESENT`
// (multiplication instead of bitwise AND), effectively always true for any
// odd PTE_P value and nonsensical otherwise. This uses the intended
// bitwise test.
func (pt *PageTable_t) removePTE(entry *uint64, entryVA uint64) defs.Err_t {
	if *entry&defs.PTE_P == 0 {
		return 0
	}
	pa := entryAddr(*entry)
	pt.Phys.Decref(pa)
	*entry = 0
	return 0
}

/// UnmapPageRange removes every leaf mapping in [va,va+size), decref'ing
/// the backing frames, and frees any intermediate page table left empty by
/// doing so. Mirrors unmap_page_range.
func (pt *PageTable_t) UnmapPageRange(pml4 *mem.Pmap_t, va uint64, size uint64) defs.Err_t {
	w := &Walker_t{
		PTE:        pt.removePTE,
		PDEUnmap:   pt.ptblFree,
		PDPTEUnmap: pt.ptblFree,
		PML4EUnmap: pt.ptblFree,
	}
	return pt.WalkPageRange(pml4, va, va+size, w)
}

/// UnmapUserPages tears down the entire user half of an address space.
/// Mirrors unmap_user_pages.
func (pt *PageTable_t) UnmapUserPages(pml4 *mem.Pmap_t) defs.Err_t {
	return pt.UnmapPageRange(pml4, 0, defs.USER_LIM)
}

/// Remove tears down the single page mapped at va. Mirrors page_remove.
func (pt *PageTable_t) Remove(pml4 *mem.Pmap_t, va uint64) defs.Err_t {
	return pt.UnmapPageRange(pml4, va, defs.PAGE_SIZE)
}
