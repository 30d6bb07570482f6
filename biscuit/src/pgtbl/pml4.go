package pgtbl

import (
	"defs"
	"mem"
)

/// NewPML4 allocates a fresh top-level page table and copies the kernel
/// half of kernelPml4's entries into it, so every address space shares the
/// same kernel mappings. Mirrors task_setup_vas/create_pml4.
func (pt *PageTable_t) NewPML4(kernelPml4 *mem.Pmap_t) (*mem.Pmap_t, mem.Pa_t, defs.Err_t) {
	_, pa, err := pt.Phys.Alloc(defs.ALLOC_ZERO)
	if err != 0 {
		return nil, 0, err
	}
	pt.Phys.Incref(pa)
	table := mem.Pg2pmap(pt.Phys.Dmap(pa))
	kidx := idxAt(4, defs.KERNEL_VMA)
	for i := kidx; i < defs.PTBL_ENTRIES; i++ {
		table[i] = kernelPml4[i]
	}
	return table, pa, 0
}
