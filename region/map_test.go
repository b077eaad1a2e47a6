package region

import (
	"testing"

	"github.com/johnsmith5c12/pranaos/pfa"
	"github.com/johnsmith5c12/pranaos/vmo"
)

func TestMapLeavesAbsentInodeSlotUnmapped(t *testing.T) {
	frames := newTestFrames(t, 32)
	obj := vmo.CreateSharedInode(frames, fixtureReader{data: make([]byte, pfa.PageSize)}, 1)
	rng := newTestRange(t, 1)
	r, _ := TryCreateUser(rng, obj, 0, "file", rw(), true, true)
	pd := newFakePD(t, frames)

	if !r.Map(pd, FlushImmediate) {
		t.Fatal("Map failed")
	}
	if _, ok := pd.table.Lookup(rng.Base); ok {
		t.Fatal("an absent inode slot should never be mapped")
	}
}

func TestMapInstallsWritableOnlyWhenNotCow(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.AllocateNow)
	rng := newTestRange(t, 1)
	r, _ := TryCreateUser(rng, a, 0, "anon", rw(), true, false)
	pd := newFakePD(t, frames)

	if !r.Map(pd, FlushImmediate) {
		t.Fatal("Map failed")
	}
	entry, ok := pd.table.Lookup(rng.Base)
	if !ok || !entry.Present() {
		t.Fatal("materialized anonymous page should be mapped")
	}
	if !entry.Mapping().Writable {
		t.Fatal("a non-CoW page with write access should map writable")
	}

	obj, _ := a.TryClone()
	child := obj.(*vmo.Anonymous)
	rng2 := newTestRange(t, 1)
	r2, _ := TryCreateUser(rng2, child, 0, "child", rw(), true, false)
	r2.Map(pd, FlushImmediate)

	entry2, _ := pd.table.Lookup(rng2.Base)
	if entry2.Mapping().Writable {
		t.Fatal("a CoW page must never be mapped writable")
	}
}

func TestMapWithNonzeroOffsetPagesUsesAbsoluteVMObjectSlots(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 4, vmo.AllocateNow)
	rng := newTestRange(t, 2)
	// Region maps VMO pages [1,3) — e.g. a mapping at a nonzero file/object
	// offset, or a second Region splitting the same VM Object.
	r, ok := TryCreateUser(rng, a, 1, "offset", rw(), true, false)
	if !ok {
		t.Fatal("TryCreateUser failed")
	}
	pd := newFakePD(t, frames)

	if !r.Map(pd, FlushImmediate) {
		t.Fatal("Map failed")
	}

	entry, ok := pd.table.Lookup(rng.Base)
	if !ok || !entry.Present() {
		t.Fatal("expected the region's first page to be mapped")
	}
	if entry.Mapping().Frame != a.Slot(1) {
		t.Fatal("mapIndividualPage must read the VMO slot at OffsetPages+i, not i")
	}

	entry2, ok := pd.table.Lookup(rng.Base + pfaPageSize)
	if !ok || !entry2.Present() {
		t.Fatal("expected the region's second page to be mapped")
	}
	if entry2.Mapping().Frame != a.Slot(2) {
		t.Fatal("mapIndividualPage must read the VMO slot at OffsetPages+i, not i")
	}

	r.Unmap(false)
	if _, ok := pd.table.Lookup(rng.Base); ok {
		t.Fatal("Unmap must clear the PTE at the region's actual base vaddr")
	}
	if _, ok := pd.table.Lookup(rng.Base + pfaPageSize); ok {
		t.Fatal("Unmap must clear the PTE for every page using the offset vaddr, not vaddrOf(i)")
	}
}

func TestUnmapReleasesRangeAndDeregisters(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.AllocateNow)
	pd := newFakePD(t, frames)
	freeBefore := pd.userRA.FreeBytes()

	rng, ok := pd.userRA.Reserve(pfaPageSize)
	if !ok {
		t.Fatal("reserve failed")
	}
	r, _ := TryCreateUser(rng, a, 0, "r", rw(), true, false)
	r.Map(pd, FlushImmediate)

	r.Unmap(true)

	if _, ok := pd.table.Lookup(rng.Base); ok {
		t.Fatal("Unmap should clear the region's page table entries")
	}
	if pd.userRA.FreeBytes() != freeBefore {
		t.Fatal("Unmap with deallocateVirtual should return the range to the PageDirectory's allocator")
	}

	seen := false
	a.ForEachRegion(func(vmo.RegionRef) { seen = true })
	if seen {
		t.Fatal("Unmap should deregister the region from its VM Object")
	}
}
