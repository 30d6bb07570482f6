package sysent

import (
	"defs"
	"task"
	"vma"
)

// checkPermissions validates an address range and the protection/flags
// requested against it, without touching any VMA. Mirrors check_permissions.
func checkPermissions(addr, length, prot, flags uint64) defs.Err_t {
	if addr == 0 && flags&defs.MAP_FIXED != 0 {
		return defs.EINVAL
	}
	if addr+length > defs.USER_LIM {
		return defs.EINVAL
	}
	if prot&(defs.VM_WRITE|defs.VM_EXEC) != 0 && prot&defs.VM_READ == 0 {
		return defs.EINVAL
	}
	return 0
}

/// Mquery reports the VMA at addr, or the free gap addr falls in if none
/// covers it, plus whether addr is currently backed by a physical page.
/// Mirrors sys_mquery.
func (s *Syscalls_t) Mquery(cur *task.Task_t, addr uint64) (vma.FreeInfo_t, bool, defs.Err_t) {
	if addr >= defs.USER_LIM {
		return vma.FreeInfo_t{}, false, defs.EINVAL
	}
	info, err := cur.Space.FindFreeVma(addr)
	if err != 0 {
		return vma.FreeInfo_t{}, false, err
	}
	mapped := false
	if info.Vma != nil {
		page, _ := s.pt.Lookup(cur.Pml4, addr)
		mapped = page != nil
	}
	return info, mapped, 0
}

// mmapFlagsMask is every flag sys_mmap accepts; anything else is rejected.
const mmapFlagsMask = defs.MAP_ANONYMOUS | defs.MAP_PRIVATE | defs.MAP_FIXED | defs.MAP_POPULATE

/// Mmap maps length bytes at addr (or wherever free, if addr is 0) with the
/// given protection. Only anonymous, zero-filled mappings are supported:
/// there is no file table at this layer to back MAP_ANONYMOUS's absence,
/// so flags lacking it are rejected rather than silently treated as
/// anonymous. Mirrors sys_mmap.
func (s *Syscalls_t) Mmap(cur *task.Task_t, addr, length, prot, flags uint64) (uint64, defs.Err_t) {
	if err := checkPermissions(addr, length, prot, flags); err != 0 {
		return 0, err
	}
	if flags&^uint64(mmapFlagsMask) != 0 {
		return 0, defs.EINVAL
	}
	if flags&defs.MAP_ANONYMOUS == 0 {
		return 0, defs.EINVAL
	}
	if flags&defs.MAP_FIXED != 0 {
		if err := vma.RemoveVmaRange(cur.Space, s.pt, cur.Pml4, addr, length); err != 0 {
			return 0, err
		}
	}
	v, err := vma.AddVma(cur.Space, "user", addr, length, prot)
	if err != 0 {
		return 0, err
	}
	vma.MergeVmas(v)
	if flags&defs.MAP_POPULATE != 0 {
		if perr := vma.PopulateVmaRange(cur.Space, s.pt, cur.Pml4, v.VmBase, v.VmEnd-v.VmBase, nil, s.Table.Enlist); perr != 0 {
			return 0, perr
		}
	}
	return v.VmBase, 0
}

/// Munmap tears down every mapping in [addr,addr+length). Mirrors
/// sys_munmap.
func (s *Syscalls_t) Munmap(cur *task.Task_t, addr, length uint64) defs.Err_t {
	return vma.RemoveVmaRange(cur.Space, s.pt, cur.Pml4, addr, length)
}

/// Mprotect changes the protection of every VMA overlapping
/// [addr,addr+length) to prot. Mirrors sys_mprotect.
func (s *Syscalls_t) Mprotect(cur *task.Task_t, addr, length, prot uint64) defs.Err_t {
	if err := checkPermissions(addr, length, prot, 0); err != 0 {
		return err
	}
	return vma.ProtectVmaRange(cur.Space, s.pt, cur.Pml4, addr, length, prot)
}

/// Madvise acts on a hint about future use of [addr,addr+length): DONTNEED
/// unmaps every clean page in it (a later fault repopulates it) and leaves
/// dirty pages mapped, WILLNEED populates it
/// now. Mirrors sys_madvise; WILLNEED always zero-fills rather than
/// re-reading an executable image, since every exec segment is already
/// populated at task-creation time and the only source of eviction this
/// simulator has is the swap engine, which reinstates pages through its own
/// fault-driven path, not through madvise.
func (s *Syscalls_t) Madvise(cur *task.Task_t, addr, length, advise uint64) defs.Err_t {
	if err := checkPermissions(addr, length, 0, 0); err != 0 {
		return err
	}
	switch advise {
	case defs.MADV_DONTNEED:
		return vma.UnmapVmaRange(cur.Space, s.pt, cur.Pml4, addr, length)
	case defs.MADV_WILLNEED:
		if cur.Space.Find(addr) == nil {
			return defs.EINVAL
		}
		return vma.PopulateVmaRange(cur.Space, s.pt, cur.Pml4, addr, length, nil, s.Table.Enlist)
	default:
		return defs.EINVAL
	}
}
