// Package pgtbl implements the four-level x86-64 page-table walker and the
// insert/lookup/protect/populate/remove operations built on top of it.
package pgtbl

import (
	"defs"
	"mem"
)

// signExtend mirrors the original kernel's canonical-address fixup: any
// address below the user/kernel split is left alone, anything at or above
// it gets the upper canonical bits forced on.
func signExtend(addr uint64) uint64 {
	if addr < defs.USER_LIM {
		return addr
	}
	return 0xffff000000000000 | addr
}

func spanOf(level int) uint64 {
	switch level {
	case 2:
		return defs.PAGE_TABLE_SPAN
	case 3:
		return defs.PAGE_DIR_SPAN
	case 4:
		return defs.PDPT_SPAN
	}
	panic("pgtbl: bad level")
}

func levelEnd(level int, addr uint64) uint64 {
	return addr | (spanOf(level) - 1)
}

func idxAt(level int, addr uint64) uint64 {
	shift := uint(12 + 9*(level-1))
	return (addr >> shift) & 0x1ff
}

func entryAddr(entry uint64) mem.Pa_t {
	return mem.Pa_t(entry &^ uint64(defs.PAGE_SIZE-1) &^ (uint64(1) << 63))
}

/// EntryAddr extracts the physical frame address encoded in a PTE/PDE.
func EntryAddr(entry uint64) mem.Pa_t {
	return entryAddr(entry)
}

/// Walker_t bundles the level-specific callbacks a page-range walk drives.
/// PTE is invoked for every leaf (level-1) entry in range; it is the walk's
/// payload for leaf-level operations (insert/lookup/protect/populate/
/// remove). PDE/PDPTE/PML4E are invoked before descending into an
/// intermediate level's child table, mainly to allocate it on demand
/// (ptblAlloc) or to leave it untouched. The *Unmap variants run after
/// returning from that descent, used to free now-empty child tables
/// bottom-up. Hole runs instead of descending, when an intermediate entry
/// is not present.
type Walker_t struct {
	PTE func(entry *uint64, va uint64) defs.Err_t

	PDE   func(entry *uint64, base, end uint64) defs.Err_t
	PDPTE func(entry *uint64, base, end uint64) defs.Err_t
	PML4E func(entry *uint64, base, end uint64) defs.Err_t

	PDEUnmap   func(entry *uint64, base, end uint64)
	PDPTEUnmap func(entry *uint64, base, end uint64)
	PML4EUnmap func(entry *uint64, base, end uint64)

	Hole func(entry *uint64, base, end uint64)
}

/// PageTable_t ties the walker to the buddy allocator backing intermediate
/// page-table frames.
type PageTable_t struct {
	Phys *mem.Physmem_t
}

func New(phys *mem.Physmem_t) *PageTable_t {
	return &PageTable_t{Phys: phys}
}

func (pt *PageTable_t) child(entry uint64) *mem.Pmap_t {
	pa := entryAddr(entry)
	return mem.Pg2pmap(pt.Phys.Dmap(pa))
}

// walkLevel recurses from level n (4=pml4 .. 1=pte) over [base,end) within
// table, invoking w's callbacks. Collapses what the original kernel wrote
// as four near-identical per-level functions into one, since the
// structure (pre-descend callback, conditional descent, post-descend
// callback or hole) is identical at every intermediate level. Stops and
// propagates the first callback error it sees, same as the original's
// early-return-on-failure walks.
func walkLevel(n int, table *mem.Pmap_t, base, end uint64, w *Walker_t, pt *PageTable_t) defs.Err_t {
	if n == 1 {
		addr := base
		for addr < end {
			idx := idxAt(1, addr)
			entry := &table[idx]
			if w.PTE != nil {
				if err := w.PTE(entry, addr); err != 0 {
					return err
				}
			}
			addr += defs.PAGE_SIZE
		}
		return 0
	}

	addr := signExtend(base)
	for addr < end {
		idx := idxAt(n, addr)
		entry := &table[idx]
		next := signExtend(levelEnd(n, addr) + 1)
		if next > end || next < addr {
			next = end
		}

		var pre func(*uint64, uint64, uint64) defs.Err_t
		var post func(*uint64, uint64, uint64)
		switch n {
		case 2:
			pre, post = w.PDE, w.PDEUnmap
		case 3:
			pre, post = w.PDPTE, w.PDPTEUnmap
		case 4:
			pre, post = w.PML4E, w.PML4EUnmap
		}
		if pre != nil {
			if err := pre(entry, addr, next); err != 0 {
				return err
			}
		}

		if *entry&defs.PTE_P != 0 {
			if n == 2 && *entry&defs.PTE_PS != 0 {
				// huge leaf at the PD level: present but not
				// something this walker descends into or
				// resolves (see pgtbl.Lookup).
			} else {
				if err := walkLevel(n-1, pt.child(*entry), addr, next, w, pt); err != 0 {
					return err
				}
				if post != nil {
					post(entry, addr, next)
				}
			}
		} else if w.Hole != nil {
			w.Hole(entry, addr, next)
		}
		addr = next
	}
	return 0
}

/// WalkPageRange drives w over every page-table entry covering [base,end),
/// rounding the range out to page boundaries first.
func (pt *PageTable_t) WalkPageRange(pml4 *mem.Pmap_t, base, end uint64, w *Walker_t) defs.Err_t {
	b := base &^ uint64(defs.PAGE_SIZE-1)
	e := (end + defs.PAGE_SIZE - 1) &^ uint64(defs.PAGE_SIZE-1)
	return walkLevel(4, pml4, b, e, w, pt)
}

/// WalkUserPages drives w over the entire user half of the address space.
func (pt *PageTable_t) WalkUserPages(pml4 *mem.Pmap_t, w *Walker_t) defs.Err_t {
	return pt.WalkPageRange(pml4, 0, defs.USER_LIM, w)
}
