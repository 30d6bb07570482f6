package rmap

import (
	"testing"

	"mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveWalk(t *testing.T) {
	r := New()
	ref1 := &VmaRef_t{Base: 0x1000, End: 0x2000}
	ref2 := &VmaRef_t{Base: 0x2000, End: 0x3000}
	r.Add(ref1)
	r.Add(ref2)

	var seen []*VmaRef_t
	r.Walk(func(ref *VmaRef_t) error {
		seen = append(seen, ref)
		return nil
	})
	assert.ElementsMatch(t, []*VmaRef_t{ref1, ref2}, seen)

	r.Remove(ref1)
	seen = nil
	r.Walk(func(ref *VmaRef_t) error {
		seen = append(seen, ref)
		return nil
	})
	assert.Equal(t, []*VmaRef_t{ref2}, seen)
}

func TestWalkOfEmptyRmapPanics(t *testing.T) {
	r := New()
	assert.Panics(t, func() {
		r.Walk(func(ref *VmaRef_t) error { return nil })
	})
}

func TestAttachDetachGet(t *testing.T) {
	page := &mem.Page_t{}
	assert.Nil(t, Get(page))

	r := New()
	Attach(page, r)
	require.NotNil(t, Get(page))
	assert.Same(t, r, Get(page))

	Detach(page)
	assert.Nil(t, Get(page))
}

func TestEachVmaAppearsOnAtMostOneRmap(t *testing.T) {
	r1 := New()
	r2 := New()
	ref := &VmaRef_t{Base: 0x1000, End: 0x2000}
	r1.Add(ref)
	// Moving a VMA to a new frame's rmap means removing it from the old
	// one first; confirm it never appears on both at once.
	r1.Remove(ref)
	r2.Add(ref)

	assert.Equal(t, 0, r1.vmas.Len())
	var seen []*VmaRef_t
	r2.Walk(func(ref *VmaRef_t) error {
		seen = append(seen, ref)
		return nil
	})
	assert.Equal(t, []*VmaRef_t{ref}, seen)
}
