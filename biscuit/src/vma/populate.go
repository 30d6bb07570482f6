package vma

import (
	"defs"
	"mem"
	"pgtbl"
	"rmap"
)

func (v *Vma_t) ref(pml4 *mem.Pmap_t) *rmap.VmaRef_t {
	return &rmap.VmaRef_t{Pml4: pml4, Base: v.VmBase, End: v.VmEnd}
}

// doPopulateVma clamps [base,size) to v's own range, then either
// populate-then-protects (for a VMA_FILE region, so the initial contents
// can be written before read-only/no-exec permissions are locked down) or
// populates directly with the VMA's true flags (anonymous). Mirrors
// do_populate_vma.
func doPopulateVma(pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, v *Vma_t, base, size uint64, src ExecImage, enlist func(*mem.Page_t)) defs.Err_t {
	end := base + size
	if base < v.VmBase {
		base = v.VmBase
	}
	if end > v.VmEnd {
		end = v.VmEnd
	}
	if end <= base {
		return 0
	}
	um := &pgtbl.UserMapping{Rmap: v.Rmap, Ref: v.ref(pml4), Enlist: enlist}
	if v.VmType == defs.VMA_FILE {
		rwFlags := uint64(defs.PTE_P | defs.PTE_W | defs.PTE_U)
		if err := pt.Populate(pml4, base, end-base, rwFlags, um); err != 0 {
			return err
		}
		off := base - v.VmBase
		srcOff := v.VmSrc + off
		n := v.VmLen - off
		if n > end-base {
			n = end - base
		}
		if src != nil && n > 0 {
			data := src.Read(srcOff, n)
			writeUser(pt, pml4, base, data)
		}
		return pt.Protect(pml4, base, end-base, PageFlags(v.VmFlags)|defs.PTE_U)
	}
	return pt.Populate(pml4, base, end-base, PageFlags(v.VmFlags), um)
}

// writeUser copies data into the simulated frames backing [va,va+len(data))
// via each leaf's Dmap'd storage. Stands in for the original's memcpy into
// a direct-mapped page.
func writeUser(pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, va uint64, data []byte) {
	off := 0
	for off < len(data) {
		_, entry := pt.Lookup(pml4, va+uint64(off))
		if entry == nil {
			break
		}
		pageOff := (va + uint64(off)) % defs.PAGE_SIZE
		n := defs.PAGE_SIZE - int(pageOff)
		if n > len(data)-off {
			n = len(data) - off
		}
		dst := mem.Pg2bytes(pt.Phys.Dmap(pgtbl.EntryAddr(*entry)))
		copy(dst[pageOff:], data[off:off+n])
		off += n
	}
}

/// ExecImage abstracts an in-memory executable image: the source material
/// for VMA_FILE regions. Stands in for ELF segment loading, which is out
/// of scope for this simulator.
type ExecImage interface {
	Read(off, n uint64) []byte
}

/// PopulateVmaRange eagerly populates every VMA overlapping [base,size).
/// enlist, if non-nil, is attached to every frame it maps so the swap
/// engine's clock list sees it (wired from the swap engine's Enlist
/// method by every caller that owns one). Mirrors populate_vma_range.
func PopulateVmaRange(s *Space_t, pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, base, size uint64, src ExecImage, enlist func(*mem.Page_t)) defs.Err_t {
	end := base + size
	cur := base
	for cur < end {
		s.mu.Lock()
		v := s.firstOverlap(cur, end)
		s.mu.Unlock()
		if v == nil {
			break
		}
		if err := doPopulateVma(pt, pml4, v, cur, end-cur, src, enlist); err != 0 {
			return err
		}
		segEnd := v.VmEnd
		if segEnd > end {
			segEnd = end
		}
		cur = segEnd
	}
	return 0
}

// doRemoveVma carves [base,size) out of v, tears down its page-table
// mappings, and removes the carved-off VMA. Mirrors do_remove_vma.
func doRemoveVma(pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, v *Vma_t, base, size uint64) defs.Err_t {
	sub, err := SplitVmas(v, base, size)
	if err != 0 {
		return err
	}
	if sub == nil {
		return 0
	}
	if err := pt.UnmapPageRange(pml4, sub.VmBase, sub.VmEnd-sub.VmBase); err != 0 {
		return err
	}
	sub.space.Remove(sub)
	return 0
}

/// RemoveVmaRange unmaps and discards every VMA (or VMA fragment)
/// overlapping [base,size). Mirrors remove_vma_range.
func RemoveVmaRange(s *Space_t, pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, base, size uint64) defs.Err_t {
	end := base + size
	cur := base
	for cur < end {
		s.mu.Lock()
		v := s.firstOverlap(cur, end)
		s.mu.Unlock()
		if v == nil {
			break
		}
		segBase := cur
		if v.VmBase > segBase {
			segBase = v.VmBase
		}
		segEnd := v.VmEnd
		if segEnd > end {
			segEnd = end
		}
		if err := doRemoveVma(pt, pml4, v, segBase, segEnd-segBase); err != 0 {
			return err
		}
		cur = segEnd
	}
	return 0
}

// doUnmapVma implements MADV_DONTNEED for one VMA slice: every clean
// (non-dirty) page in range is unmapped; dirty pages are left mapped.
// Mirrors do_unmap_vma.
func doUnmapVma(pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, base, size uint64) defs.Err_t {
	end := base + size
	for va := base; va < end; va += defs.PAGE_SIZE {
		_, entry := pt.Lookup(pml4, va)
		if entry == nil {
			continue
		}
		if *entry&defs.PTE_D == 0 {
			if err := pt.UnmapPageRange(pml4, va, defs.PAGE_SIZE); err != 0 {
				return err
			}
		}
	}
	return 0
}

/// UnmapVmaRange implements MADV_DONTNEED across [base,size). Mirrors
/// unmap_vma_range.
func UnmapVmaRange(s *Space_t, pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, base, size uint64) defs.Err_t {
	end := base + size
	cur := base
	for cur < end {
		s.mu.Lock()
		v := s.firstOverlap(cur, end)
		s.mu.Unlock()
		if v == nil {
			break
		}
		segBase := cur
		if v.VmBase > segBase {
			segBase = v.VmBase
		}
		segEnd := v.VmEnd
		if segEnd > end {
			segEnd = end
		}
		if err := doUnmapVma(pt, pml4, segBase, segEnd-segBase); err != 0 {
			return err
		}
		cur = segEnd
	}
	return 0
}
