package pgtbl

import (
	"testing"

	"defs"
	"mem"
	"rmap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*PageTable_t, *mem.Pmap_t) {
	phys := mem.NewPhysmem(256, nil)
	pt := New(phys)
	pml4, _, err := pt.NewPML4(&mem.Pmap_t{})
	require.Equal(t, defs.Err_t(0), err)
	return pt, pml4
}

func TestInsertLookupRemove(t *testing.T) {
	pt, pml4 := newFixture(t)
	page, pa, err := pt.Phys.Alloc(defs.ALLOC_ZERO)
	require.Equal(t, defs.Err_t(0), err)

	va := uint64(0x1000)
	flags := uint64(defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Insert(pml4, page, pa, va, flags, nil))

	found, entry := pt.Lookup(pml4, va)
	require.NotNil(t, found)
	require.NotNil(t, entry)
	assert.Equal(t, pa, EntryAddr(*entry))

	require.Equal(t, defs.Err_t(0), pt.Remove(pml4, va))
	found, entry = pt.Lookup(pml4, va)
	assert.Nil(t, found)
	assert.Nil(t, entry)
}

func TestPopulateFillsHoles(t *testing.T) {
	pt, pml4 := newFixture(t)
	flags := uint64(defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x2000, 4*defs.PAGE_SIZE, flags, nil))

	for va := uint64(0x2000); va < 0x2000+4*defs.PAGE_SIZE; va += defs.PAGE_SIZE {
		found, _ := pt.Lookup(pml4, va)
		assert.NotNil(t, found, "va %x should be populated", va)
	}
}

func TestPopulateLeavesPresentLeafAlone(t *testing.T) {
	pt, pml4 := newFixture(t)
	page, pa, _ := pt.Phys.Alloc(defs.ALLOC_ZERO)
	flags := uint64(defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Insert(pml4, page, pa, 0x3000, flags, nil))

	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x3000, defs.PAGE_SIZE, flags, nil))
	_, entry := pt.Lookup(pml4, 0x3000)
	require.NotNil(t, entry)
	assert.Equal(t, pa, EntryAddr(*entry))
}

func TestProtectIsIdempotentOnMatchingFlags(t *testing.T) {
	pt, pml4 := newFixture(t)
	flags := uint64(defs.PTE_P | defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x4000, defs.PAGE_SIZE, flags, nil))

	_, entry := pt.Lookup(pml4, 0x4000)
	before := *entry

	require.Equal(t, defs.Err_t(0), pt.Protect(pml4, 0x4000, defs.PAGE_SIZE, flags))
	assert.Equal(t, before, *entry)
}

func TestProtectReadThenReadWriteYieldsRW(t *testing.T) {
	pt, pml4 := newFixture(t)
	readOnly := uint64(defs.PTE_P | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x5000, defs.PAGE_SIZE, readOnly, nil))

	rw := uint64(defs.PTE_P | defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Protect(pml4, 0x5000, defs.PAGE_SIZE, rw))

	_, entry := pt.Lookup(pml4, 0x5000)
	require.NotNil(t, entry)
	assert.Equal(t, rw, *entry&protMask)
}

func TestUnmapPageRangeFreesEmptyIntermediateTables(t *testing.T) {
	pt, pml4 := newFixture(t)
	flags := uint64(defs.PTE_W | defs.PTE_U)
	before := pt.Phys.CountTotalFree()

	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x100000, defs.PAGE_SIZE, flags, nil))
	require.Equal(t, defs.Err_t(0), pt.UnmapPageRange(pml4, 0x100000, defs.PAGE_SIZE))

	assert.Equal(t, before, pt.Phys.CountTotalFree())
}

func TestInsertCallsEnlistHookForUserMapping(t *testing.T) {
	pt, pml4 := newFixture(t)
	page, pa, err := pt.Phys.Alloc(defs.ALLOC_ZERO)
	require.Equal(t, defs.Err_t(0), err)

	var enlisted *mem.Page_t
	um := &UserMapping{
		Rmap: rmap.New(),
		Ref:  &rmap.VmaRef_t{Pml4: pml4, Base: 0x6000, End: 0x6000 + defs.PAGE_SIZE},
		Enlist: func(p *mem.Page_t) {
			enlisted = p
		},
	}
	flags := uint64(defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Insert(pml4, page, pa, 0x6000, flags, um))

	assert.Same(t, page, enlisted)
}

func TestPopulateCallsEnlistHookForUserMapping(t *testing.T) {
	pt, pml4 := newFixture(t)

	var count int
	um := &UserMapping{
		Rmap: rmap.New(),
		Ref:  &rmap.VmaRef_t{Pml4: pml4, Base: 0x7000, End: 0x7000 + 3*defs.PAGE_SIZE},
		Enlist: func(p *mem.Page_t) {
			count++
		},
	}
	flags := uint64(defs.PTE_W | defs.PTE_U)
	require.Equal(t, defs.Err_t(0), pt.Populate(pml4, 0x7000, 3*defs.PAGE_SIZE, flags, um))

	assert.Equal(t, 3, count)
}

func TestNewPML4CopiesKernelHalf(t *testing.T) {
	phys := mem.NewPhysmem(64, nil)
	pt := New(phys)
	kernelTemplate := &mem.Pmap_t{}
	kidx := idxAt(4, defs.KERNEL_VMA)
	kernelTemplate[kidx] = 0xdeadbeef

	pml4, _, err := pt.NewPML4(kernelTemplate)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, uint64(0xdeadbeef), pml4[kidx])
}
