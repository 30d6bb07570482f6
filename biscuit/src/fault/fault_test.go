package fault

import (
	"testing"

	"defs"
	"mem"
	"pgtbl"
	"vma"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Handler_t, *vma.Space_t, *mem.Pmap_t) {
	phys := mem.NewPhysmem(64, nil)
	pt := pgtbl.New(phys)
	pml4, _, err := pt.NewPML4(&mem.Pmap_t{})
	require.Equal(t, defs.Err_t(0), err)
	space := vma.NewSpace()
	return New(phys, pt, nil), space, pml4
}

func TestFaultOnUnmappedVaPopulatesPage(t *testing.T) {
	h, space, pml4 := newFixture(t)
	_, err := vma.AddAnonymousVma(space, "heap", 0x1000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE)
	require.Equal(t, defs.Err_t(0), err)

	ferr := h.HandlePageFault(space, pml4, 0x1000, defs.PTE_U, nil)
	assert.Equal(t, defs.Err_t(0), ferr)

	page, entry := h.Pt.Lookup(pml4, 0x1000)
	assert.NotNil(t, page)
	assert.NotNil(t, entry)
}

func TestFaultOutsideAnyVmaReturnsEFAULT(t *testing.T) {
	h, space, pml4 := newFixture(t)
	ferr := h.HandlePageFault(space, pml4, 0x9000, defs.PTE_U, nil)
	assert.Equal(t, defs.EFAULT, ferr)
}

func TestFaultTouchesAlreadyMappedPage(t *testing.T) {
	phys := mem.NewPhysmem(64, nil)
	pt := pgtbl.New(phys)
	pml4, _, err := pt.NewPML4(&mem.Pmap_t{})
	require.Equal(t, defs.Err_t(0), err)
	space := vma.NewSpace()

	var touched *mem.Page_t
	h := New(phys, pt, func(p *mem.Page_t) { touched = p })
	_, err2 := vma.AddAnonymousVma(space, "heap", 0x1000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE)
	require.Equal(t, defs.Err_t(0), err2)
	require.Equal(t, defs.Err_t(0), vma.PopulateVmaRange(space, pt, pml4, 0x1000, defs.PAGE_SIZE, nil, nil))

	ferr := h.HandlePageFault(space, pml4, 0x1000, defs.PTE_U, nil)
	require.Equal(t, defs.Err_t(0), ferr)
	assert.NotNil(t, touched)
}

func TestCowFaultDuplicatesSharedFrame(t *testing.T) {
	h, space, pml4 := newFixture(t)
	_, err := vma.AddAnonymousVma(space, "heap", 0x1000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), vma.PopulateVmaRange(space, h.Pt, pml4, 0x1000, defs.PAGE_SIZE, nil, nil))

	page, entry := h.Pt.Lookup(pml4, 0x1000)
	require.NotNil(t, page)
	// Simulate a shared, read-only inherited mapping: bump the refcount
	// and clear the writable bit, as task.Clone's COW downgrade would.
	h.Phys.Incref(pgtbl.EntryAddr(*entry))
	*entry &^= defs.PTE_W

	before := h.Phys.CountTotalFree()
	v := space.Find(0x1000)
	require.NotNil(t, v)
	ferr := h.HandlePageFault(space, pml4, 0x1000, defs.PTE_W|defs.PTE_U, nil)
	require.Equal(t, defs.Err_t(0), ferr)

	newPage, newEntry := h.Pt.Lookup(pml4, 0x1000)
	require.NotNil(t, newEntry)
	assert.NotSame(t, page, newPage, "a shared frame must be duplicated, not written in place")
	assert.NotZero(t, *newEntry&defs.PTE_W)
	assert.Equal(t, before-1, h.Phys.CountTotalFree())
	_ = v
}

func TestCowFaultOnSoleOwnerUpgradesInPlace(t *testing.T) {
	h, space, pml4 := newFixture(t)
	_, err := vma.AddAnonymousVma(space, "heap", 0x1000, defs.PAGE_SIZE, defs.VM_READ|defs.VM_WRITE)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), vma.PopulateVmaRange(space, h.Pt, pml4, 0x1000, defs.PAGE_SIZE, nil, nil))

	page, entry := h.Pt.Lookup(pml4, 0x1000)
	require.NotNil(t, page)
	*entry &^= defs.PTE_W

	before := h.Phys.CountTotalFree()
	ferr := h.HandlePageFault(space, pml4, 0x1000, defs.PTE_W|defs.PTE_U, nil)
	require.Equal(t, defs.Err_t(0), ferr)

	samePage, sameEntry := h.Pt.Lookup(pml4, 0x1000)
	assert.Same(t, page, samePage)
	assert.NotZero(t, *sameEntry&defs.PTE_W)
	assert.Equal(t, before, h.Phys.CountTotalFree(), "sole-owner COW must not allocate a new frame")
}

func TestOOMHookRetriesAllocationOnce(t *testing.T) {
	phys := mem.NewPhysmem(2, nil)
	pt := pgtbl.New(phys)
	_, _, err := pt.NewPML4(&mem.Pmap_t{})
	require.Equal(t, defs.Err_t(0), err)

	// The pml4 holds one of the two pages; take the other so the first
	// alloc attempt fails.
	_, pa, aerr := phys.Alloc(0)
	require.Equal(t, defs.Err_t(0), aerr)
	phys.Incref(pa)

	h := New(phys, pt, nil)
	freed := false
	h.OOM = func() bool {
		if freed {
			return false
		}
		phys.Decref(pa)
		freed = true
		return true
	}

	_, _, err2 := h.alloc(0)
	assert.Equal(t, defs.Err_t(0), err2)
	assert.True(t, freed)
}
