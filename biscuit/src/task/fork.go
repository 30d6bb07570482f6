package task

import (
	"defs"
	"mem"
	"pgtbl"
	"rmap"
	"vma"

	"github.com/pkg/errors"
)

// downgradeFlags computes the read-only PTE flags a COW child (and the
// parent's own now-shared mapping) gets for a page whose live PTE carried
// srcFlags. Mirrors copy_page_range's flag computation, but covers every
// case explicitly: the original's if/else-if leaves page_flags
// uninitialized for a page that was already both read-only and
// non-executable, since neither branch's condition matches.
func downgradeFlags(srcFlags uint64) uint64 {
	flags := uint64(defs.PTE_P | defs.PTE_U)
	if srcFlags&defs.PTE_NX != 0 {
		flags |= defs.PTE_NX
	}
	return flags
}

// copyPageRange walks [base,end) in the parent's page table, and for every
// present mapping: downgrades the parent's own PTE to read-only (stripping
// PTE_W so a subsequent write by either side faults into copyOnWrite) and
// inserts an equally read-only mapping of the same frame into the child.
// Mirrors copy_page_range.
func copyPageRange(pt *pgtbl.PageTable_t, parentPml4, childPml4 *mem.Pmap_t, base, end uint64, childRmap *rmap.Rmap_t, childRef *rmap.VmaRef_t, enlist func(*mem.Page_t)) defs.Err_t {
	for va := base; va < end; va += defs.PAGE_SIZE {
		page, entry := pt.Lookup(parentPml4, va)
		if page == nil || entry == nil || *entry&defs.PTE_P == 0 {
			continue
		}
		flags := downgradeFlags(*entry)
		pa := pgtbl.EntryAddr(*entry)
		*entry = (*entry &^ uint64(defs.PTE_W))

		um := &pgtbl.UserMapping{Rmap: childRmap, Ref: childRef, Enlist: enlist}
		if err := pt.Insert(childPml4, page, pa, va, flags, um); err != 0 {
			return err
		}
	}
	return 0
}

// cloneVma duplicates one parent VMA into the child's address space,
// sharing its rmap so both sides' COW faults see every mapper. Mirrors
// the VMA-copy loop inside task_clone.
func cloneVma(childSpace *vma.Space_t, parent *vma.Vma_t) (*vma.Vma_t, defs.Err_t) {
	v, err := vma.AddVma(childSpace, parent.VmName, parent.VmBase, parent.VmEnd-parent.VmBase, parent.VmFlags)
	if err != 0 {
		return nil, err
	}
	v.VmType = parent.VmType
	v.VmSrc = parent.VmSrc
	v.VmLen = parent.VmLen
	v.Rmap = parent.Rmap
	return v, 0
}

/// Clone implements fork(): a new task sharing every frame of parent's
/// address space under copy-on-write, a fresh pid, parent set to
/// parent.Pid, and zero live children/zombies of its own. Mirrors
/// task_clone.
func (t *Table_t) Clone(parent *Task_t) (*Task_t, error) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	child, err := t.alloc(parent.Pid)
	if err != nil {
		return nil, err
	}
	child.Type = parent.Type
	child.Accnt.Add(parent.Accnt)

	for _, pv := range parent.Space.All() {
		cv, verr := cloneVma(child.Space, pv)
		if verr != 0 {
			t.free(child)
			return nil, errors.Wrapf(verr, "task: clone vma %s", pv.VmName)
		}
		childRef := &rmap.VmaRef_t{Pml4: child.Pml4, Base: cv.VmBase, End: cv.VmEnd}
		cv.Rmap.Add(childRef)
		if perr := copyPageRange(t.pt, parent.Pml4, child.Pml4, pv.VmBase, pv.VmEnd, cv.Rmap, childRef, t.Enlist); perr != 0 {
			t.free(child)
			return nil, errors.Wrapf(perr, "task: copy page range %s", pv.VmName)
		}
	}

	parent.children[child.Pid] = true

	if child.Type == defs.TASK_TYPE_USER {
		t.countAdd(child.Type, 1)
		if t.OnEnqueue != nil {
			t.OnEnqueue(child)
		}
	}
	return child, nil
}
