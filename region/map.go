package region

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/rangealloc"
	"github.com/johnsmith5c12/pranaos/vmo"
)

// FlushPolicy controls whether Map/Remap/Unmap invalidate the TLB for the
// affected range immediately or leave it to a later batched flush.
type FlushPolicy int

const (
	FlushImmediate FlushPolicy = iota
	FlushDeferred
)

// Map installs a PTE into pd for every page of the Region whose VM Object
// slot is populated (a Normal frame or a sentinel): a page whose slot is
// absent is left with no PTE, so the first touch takes a NotPresent fault
// instead of reading garbage.
func (r *Region) Map(pd PageDirectory, flush FlushPolicy) bool {
	r.mu.Lock()
	r.pd = pd
	n := r.pageCount()
	off := r.OffsetPages
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		if !r.mapIndividualPage(off + i) {
			return false
		}
	}
	if flush == FlushImmediate {
		r.flushRange()
	}
	return true
}

// Remap re-derives and reinstalls every page's PTE against the Region's
// current access bits and VM Object slot state — used after SetAccess,
// RestoreAccess, or SetVMObject change what a page's PTE should say.
func (r *Region) Remap() bool {
	r.mu.Lock()
	n := r.pageCount()
	off := r.OffsetPages
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		if !r.mapIndividualPage(off + i) {
			return false
		}
	}
	r.flushRange()
	return true
}

// Unmap tears down every PTE this Region installed and deregisters it from
// its VM Object. deallocateVirtual additionally returns the virtual range
// to the PageDirectory's owning allocator (user or kernel-identity,
// whichever this Region was created against); the kernel identity map's
// Region normally passes false, since its range is permanent.
func (r *Region) Unmap(deallocateVirtual bool) {
	r.mu.Lock()
	pd := r.pd
	obj := r.vmo
	rng := r.Range
	kernel := r.kernel
	n := r.pageCount()
	off := r.OffsetPages
	r.mu.Unlock()

	if pd != nil {
		table := pd.Table()
		for i := 0; i < n; i++ {
			table.ReleaseEntry(r.vaddrOf(off+i), i == n-1)
		}
		pd.FlushTLB(rng)
		if deallocateVirtual {
			pd.ReleaseRange(rng, kernel)
		}
	}
	obj.UnregisterRegion(r)
}

func (r *Region) flushRange() {
	r.mu.Lock()
	pd := r.pd
	rng := r.Range
	r.mu.Unlock()
	if pd != nil {
		pd.FlushTLB(rng)
	}
}

// mapIndividualPage derives the PTE a single page must have from the
// Region's access bits and the VM Object slot's current state, and
// installs it. Writable is the AND of the Region's own write intent and
// "safe to let hardware write here": a page ShouldCow reports on is always
// installed read-only, trapping the write into the CoW/zero-fault path
// instead of letting hardware corrupt a shared or sentinel frame.
func (r *Region) mapIndividualPage(pageIdx int) bool {
	r.mu.Lock()
	obj := r.vmo
	access := r.access
	pd := r.pd
	userAccessible := !r.kernel
	cacheDisabled := !r.Cacheable
	vaddr := r.vaddrOf(pageIdx)
	r.mu.Unlock()

	if pd == nil {
		return true
	}

	slot := obj.Slot(pageIdx)
	if slot.IsZero() {
		entry, ok := pd.Table().Lookup(vaddr)
		if ok && entry.Present() {
			entry.Clear()
		}
		return true
	}

	writable := access.Write && !r.shouldCow(obj, pageIdx)

	entry, ok := pd.Table().EnsureEntry(vaddr)
	if !ok {
		return false
	}
	entry.Install(pagetable.Mapping{
		Frame:          slot,
		Writable:       writable,
		Executable:     access.Execute,
		UserAccessible: userAccessible,
		CacheDisabled:  cacheDisabled,
	})
	return true
}

// remapSelf re-derives and reinstalls this Region's own PTE for pageIdx —
// used when the fault and the Region that owns the page are the same
// Region.
func (r *Region) remapSelf(pageIdx int) bool {
	ok := r.mapIndividualPage(pageIdx)
	if ok {
		r.flushSingle(pageIdx)
	}
	return ok
}

func (r *Region) flushSingle(pageIdx int) {
	r.mu.Lock()
	pd := r.pd
	vaddr := r.vaddrOf(pageIdx)
	r.mu.Unlock()
	if pd == nil {
		return
	}
	pd.FlushTLB(rangealloc.VirtualRange{Base: vaddr, Size: pfaPageSize})
}

// remapVMObjectPage fans out across every Region currently mapping obj and
// reinstalls pageIdx's PTE in each: a CoW or zero-fault resolution on a
// page shared by several Regions (a forked parent and its children, or
// several mappers of one Shared VM Object) must update all of them, not
// just the Region the fault arrived on.
func (r *Region) remapVMObjectPage(obj vmo.Object, pageIdx int) bool {
	g, _ := errgroup.WithContext(context.Background())
	obj.ForEachRegion(func(ref vmo.RegionRef) {
		reg, ok := ref.(*Region)
		if !ok {
			return
		}
		localIdx := pageIdx - reg.OffsetPages
		if localIdx < 0 || localIdx >= reg.pageCount() {
			return
		}
		g.Go(func() error {
			if !reg.remapSelf(pageIdx) {
				return errRemapOutOfMemory
			}
			return nil
		})
	})
	return g.Wait() == nil
}

type remapError struct{}

func (remapError) Error() string { return "region: remap could not allocate a page-table frame" }

var errRemapOutOfMemory = remapError{}

// RemapPage implements vmo.RegionRef: it lets a VM Object ask this Region
// to reinstall one page's PTE without importing this package.
func (r *Region) RemapPage(pageIdx int) bool {
	return r.remapSelf(pageIdx)
}
