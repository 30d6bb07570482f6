// Package vma implements a task's virtual-memory-area set: the ordered
// collection of address ranges that make up its address space, with
// lazy population, copy-on-write setup, and merge/split bookkeeping.
package vma

import (
	"sort"
	"sync"

	"defs"
	"mem"
	"pgtbl"
	"rmap"
	"util"
)

/// Vma_t describes one contiguous, homogeneously-flagged region of a
/// task's address space.
type Vma_t struct {
	VmName  string
	VmBase  uint64
	VmEnd   uint64
	VmFlags uint64
	VmType  defs.VmType_t
	VmSrc   uint64 // source image offset, for VMA_FILE regions
	VmLen   uint64 // bytes of source image data backing this region

	Rmap *rmap.Rmap_t

	space *Space_t
}

/// Space_t is the VMA set belonging to one task's address space. VMAs are
/// kept sorted by VmBase; this
/// plays the role the original kernel gave a per-task red-black tree plus
/// an address-ordered list, collapsed into one sorted slice since nothing
/// in this simulator needs the tree's incremental-rebalance behavior, only
/// its ordering guarantee.
type Space_t struct {
	mu   sync.Mutex
	vmas []*Vma_t
}

func NewSpace() *Space_t {
	return &Space_t{}
}

func (s *Space_t) indexOf(v *Vma_t) int {
	for i, c := range s.vmas {
		if c == v {
			return i
		}
	}
	return -1
}

// firstOverlap returns the lowest-based VMA overlapping [base,end), or nil.
func (s *Space_t) firstOverlap(base, end uint64) *Vma_t {
	i := sort.Search(len(s.vmas), func(i int) bool { return s.vmas[i].VmEnd > base })
	if i == len(s.vmas) {
		return nil
	}
	v := s.vmas[i]
	if v.VmBase >= end {
		return nil
	}
	return v
}

/// Find returns the VMA covering addr, or nil.
func (s *Space_t) Find(addr uint64) *Vma_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.vmas), func(i int) bool { return s.vmas[i].VmEnd > addr })
	if i == len(s.vmas) {
		return nil
	}
	v := s.vmas[i]
	if addr < v.VmBase {
		return nil
	}
	return v
}

// insertVma inserts v in sorted order, rejecting overlap with a neighbor.
// Mirrors insert_vma.
func (s *Space_t) insertVma(v *Vma_t) defs.Err_t {
	i := sort.Search(len(s.vmas), func(i int) bool { return s.vmas[i].VmBase >= v.VmBase })
	if i < len(s.vmas) && v.VmEnd > s.vmas[i].VmBase {
		return defs.EINVAL
	}
	if i > 0 && s.vmas[i-1].VmEnd > v.VmBase {
		return defs.EINVAL
	}
	s.vmas = append(s.vmas, nil)
	copy(s.vmas[i+1:], s.vmas[i:])
	s.vmas[i] = v
	v.space = s
	return 0
}

func (s *Space_t) removeAt(i int) {
	s.vmas = append(s.vmas[:i], s.vmas[i+1:]...)
}

/// Remove detaches v from the space. Mirrors remove_vma.
func (s *Space_t) Remove(v *Vma_t) {
	if v == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(v); i >= 0 {
		s.removeAt(i)
	}
}

/// FreeVmas tears down every VMA in the space. Mirrors free_vmas.
func (s *Space_t) FreeVmas() {
	s.mu.Lock()
	vmas := s.vmas
	s.vmas = nil
	s.mu.Unlock()
	for _, v := range vmas {
		v.space = nil
	}
}

/// All returns a snapshot of the space's VMAs in address order.
func (s *Space_t) All() []*Vma_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Vma_t, len(s.vmas))
	copy(out, s.vmas)
	return out
}

func (s *Space_t) create(name string, base, end, flags uint64) *Vma_t {
	v := &Vma_t{
		VmName:  name,
		VmBase:  base,
		VmEnd:   end,
		VmFlags: flags,
		VmType:  defs.VMA_ANON,
		Rmap:    rmap.New(),
	}
	if err := s.insertVma(v); err != 0 {
		return nil
	}
	return v
}

/// FreeInfo_t reports the result of a free-space query: either the
/// [VmBase,VmEnd) gap containing/following addr (Vma nil), or the existing
/// VMA covering addr. Shared by FindFreeVma and the mquery syscall, which
/// perform the same lookup in the original kernel.
type FreeInfo_t struct {
	VmName  string
	VmBase  uint64
	VmEnd   uint64
	VmFlags uint64
	VmType  defs.VmType_t
	Vma     *Vma_t
}

/// FindFreeVma reports the gap or VMA at addr. Mirrors find_free_vma and
/// sys_mquery, which differ only in an extra permission check the syscall
/// entry point performs before calling this.
func (s *Space_t) FindFreeVma(addr uint64) (FreeInfo_t, defs.Err_t) {
	if addr >= defs.USER_LIM {
		return FreeInfo_t{}, defs.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.vmas), func(i int) bool { return s.vmas[i].VmEnd > addr })
	if i == len(s.vmas) {
		base := uint64(0)
		if len(s.vmas) > 0 {
			base = s.vmas[len(s.vmas)-1].VmEnd
		}
		return FreeInfo_t{VmBase: base, VmEnd: defs.USER_LIM}, 0
	}
	v := s.vmas[i]
	if addr < v.VmBase {
		base := uint64(0)
		if i > 0 {
			base = s.vmas[i-1].VmEnd
		}
		return FreeInfo_t{VmBase: base, VmEnd: v.VmBase}, 0
	}
	return FreeInfo_t{
		VmName: v.VmName, VmBase: v.VmBase, VmEnd: v.VmEnd,
		VmFlags: v.VmFlags, VmType: v.VmType, Vma: v,
	}, 0
}

// tryPlace scans candidate base addresses downward from "from", looking
// for the first one at which [base,base+size) both starts in, and fits
// entirely within, a single free gap. Grounded on add_vma's two-pass
// downward scan; the original C source's loop bounds are reconstructed
// here as this base-at-probe-address, descend-on-miss algorithm (the
// distilled spec describes only the scan's overall envelope).
func (s *Space_t) tryPlace(name string, size, flags, from uint64) (*Vma_t, bool) {
	p := from
	for {
		info, err := s.FindFreeVma(p)
		if err != 0 {
			return nil, false
		}
		if info.Vma == nil {
			base := util.Rounddown(p, uint64(defs.PAGE_SIZE))
			end := base + size
			if base >= info.VmBase && end <= info.VmEnd {
				v := s.create(name, base, end, flags)
				if v != nil {
					return v, true
				}
			}
		}
		next := info.VmBase
		if next == 0 {
			return nil, false
		}
		p = next - 1
	}
}

/// AddVma places a new VMA of size bytes somewhere in the address space:
/// at addr if addr is nonzero and free, otherwise at the kernel's choosing.
/// Mirrors add_vma.
func AddVma(s *Space_t, name string, addr, size, flags uint64) (*Vma_t, defs.Err_t) {
	size = util.Roundup(size, uint64(defs.PAGE_SIZE))
	if addr == 0 {
		addr = defs.USER_LIM
	} else {
		addr = util.Rounddown(addr, uint64(defs.PAGE_SIZE))
	}
	if v, ok := s.tryPlace(name, size, flags, addr); ok {
		return v, 0
	}
	start := util.Rounddown(defs.USER_LIM-size-1, uint64(defs.PAGE_SIZE))
	if v, ok := s.tryPlace(name, size, flags, start); ok {
		return v, 0
	}
	return nil, defs.ENOMEM
}

/// AddAnonymousVma adds a plain anonymous mapping. Mirrors
/// add_anonymous_vma.
func AddAnonymousVma(s *Space_t, name string, addr, size, flags uint64) (*Vma_t, defs.Err_t) {
	return AddVma(s, name, addr, size, flags)
}

/// AddExecutableVma adds a mapping backed by an in-memory executable image
/// region [src,src+len). Mirrors add_executable_vma; the original loads
/// from an ELF file, which is out of scope here (see ExecImage).
func AddExecutableVma(s *Space_t, name string, addr, size, flags, src, length uint64) (*Vma_t, defs.Err_t) {
	v, err := AddVma(s, name, addr, size, flags)
	if err != 0 {
		return nil, err
	}
	off := addr % uint64(defs.PAGE_SIZE)
	v.VmType = defs.VMA_FILE
	v.VmSrc = src - off
	v.VmLen = length + off
	return MergeVmas(v), 0
}

func mergeInPlace(lhs, rhs *Vma_t) bool {
	if lhs.VmFlags != rhs.VmFlags || lhs.VmEnd != rhs.VmBase || lhs.VmName != rhs.VmName {
		return false
	}
	lhs.VmEnd = rhs.VmEnd
	return true
}

/// MergeVmas tries to absorb v's immediate address-order neighbors into it
/// when they carry identical flags and name. Mirrors merge_vmas.
func MergeVmas(v *Vma_t) *Vma_t {
	s := v.space
	if s == nil {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(v)
	if idx < 0 {
		return v
	}
	if idx > 0 {
		prev := s.vmas[idx-1]
		if mergeInPlace(prev, v) {
			s.removeAt(idx)
			v = prev
			idx--
		}
	}
	if idx+1 < len(s.vmas) {
		next := s.vmas[idx+1]
		if mergeInPlace(v, next) {
			s.removeAt(idx + 1)
		}
	}
	return v
}

/// SplitVma carves lhs into [lhs.VmBase,addr) and a new [addr,lhs.VmEnd)
/// VMA, returning the latter. If addr==lhs.VmBase no split is needed and
/// lhs is returned unchanged; if addr==lhs.VmEnd there is nothing to carve
/// off and (nil,0) is returned. Mirrors split_vma.
func SplitVma(lhs *Vma_t, addr uint64) (*Vma_t, defs.Err_t) {
	if lhs.VmBase == addr {
		return lhs, 0
	}
	if lhs.VmEnd == addr {
		return nil, 0
	}
	size := lhs.VmEnd - addr
	s := lhs.space
	lhs.VmEnd = addr
	rhs, err := AddVma(s, lhs.VmName, addr, size, lhs.VmFlags)
	if err != 0 {
		return nil, err
	}
	return rhs, 0
}

/// SplitVmas carves out exactly [base,base+size) as its own VMA and
/// returns it. Mirrors split_vmas.
func SplitVmas(v *Vma_t, base, size uint64) (*Vma_t, defs.Err_t) {
	rhsAddr := base + size
	mid, err := SplitVma(v, base)
	if err != 0 || mid == nil {
		return nil, err
	}
	SplitVma(mid, rhsAddr)
	return mid, 0
}

/// CheckPermissions rejects a requested VMA protection that asks for more
/// than the VMA itself allows. Mirrors check_vma_permissions.
func CheckPermissions(v *Vma_t, want uint64) defs.Err_t {
	if want&^v.VmFlags&(defs.VM_READ|defs.VM_WRITE|defs.VM_EXEC) != 0 {
		return defs.EACCES
	}
	return 0
}

func PageFlags(flags uint64) uint64 {
	pf := uint64(defs.PTE_P | defs.PTE_U)
	if flags&defs.VM_WRITE != 0 {
		pf |= defs.PTE_W
	}
	if flags&defs.VM_EXEC == 0 {
		pf |= defs.PTE_NX
	}
	return pf
}

/// ProtectVmaRange rewrites the VMA-level (and, via its own pgtbl.Protect
/// call, PTE-level) flags of every VMA overlapping
/// [base,size) to flags, splitting at the edges as needed and re-merging
/// neighbors that end up matching again. Mirrors protect_vma_range/
/// do_protect_vma.
func ProtectVmaRange(s *Space_t, pt *pgtbl.PageTable_t, pml4 *mem.Pmap_t, base, size, flags uint64) defs.Err_t {
	end := base + size
	cur := base
	for cur < end {
		s.mu.Lock()
		v := s.firstOverlap(cur, end)
		s.mu.Unlock()
		if v == nil {
			break
		}
		segEnd := v.VmEnd
		if segEnd > end {
			segEnd = end
		}
		if v.VmFlags != flags {
			sub, err := SplitVmas(v, max64(cur, v.VmBase), segEnd-max64(cur, v.VmBase))
			if err != 0 || sub == nil {
				return err
			}
			sub.VmFlags = flags
			if err := pt.Protect(pml4, sub.VmBase, sub.VmEnd-sub.VmBase, PageFlags(flags)); err != 0 {
				return err
			}
			MergeVmas(sub)
		}
		cur = segEnd
	}
	return 0
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
