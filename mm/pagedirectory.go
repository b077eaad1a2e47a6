package mm

import (
	"sync"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/rangealloc"
	"github.com/johnsmith5c12/pranaos/region"
)

// PageDirectory is one address space's translation root: a Table, the two
// RangeAllocators a Region reserves its virtual range from (user mappings
// and the kernel identity map), and the per-PD lock guarding structural
// changes to the table itself. It implements region.PageDirectory.
type PageDirectory struct {
	mu sync.Mutex // per-PD lock, guards EnsurePTE/ReleasePTE

	table      pagetable.Table
	userRA     *rangealloc.Allocator
	identityRA *rangealloc.Allocator
	mgr        *Manager
}

var _ region.PageDirectory = (*PageDirectory)(nil)

// Table returns the PageDirectory's translation table.
func (pd *PageDirectory) Table() pagetable.Table { return pd.table }

// UserRangeAllocator returns the allocator Regions reserve user-mode
// virtual ranges from.
func (pd *PageDirectory) UserRangeAllocator() *rangealloc.Allocator { return pd.userRA }

// IdentityRangeAllocator returns the allocator kernel identity-map Regions
// reserve from.
func (pd *PageDirectory) IdentityRangeAllocator() *rangealloc.Allocator { return pd.identityRA }

// FlushTLB routes through the owning Manager so a single mm_lock decides
// whether this is a local invalidate or a cross-CPU shootdown.
func (pd *PageDirectory) FlushTLB(r rangealloc.VirtualRange) {
	pd.mgr.FlushRange(pd, r)
}

// ReleaseRange returns r to the correct allocator: the identity-map
// allocator when kernelIdentity is true, the user allocator otherwise.
func (pd *PageDirectory) ReleaseRange(r rangealloc.VirtualRange, kernelIdentity bool) {
	if kernelIdentity {
		pd.identityRA.Release(r)
		return
	}
	pd.userRA.Release(r)
}

// EnsurePTE lazily instantiates the table level holding vaddr and returns
// its entry, under the per-PD lock.
func (pd *PageDirectory) EnsurePTE(vaddr uintptr) (pagetable.Entry, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.table.EnsureEntry(vaddr)
}

// ReleasePTE clears the entry at vaddr, collapsing the table level it
// lived in if last is true and the level is now empty.
func (pd *PageDirectory) ReleasePTE(vaddr uintptr, last bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.table.ReleaseEntry(vaddr, last)
}
