// Package mm implements the Memory Manager and Page Directory: the
// process-global coordinator that routes page faults to the owning
// Region, holds the physical frame allocator's commit accounting, and
// gives every Region a PageDirectory to install PTEs into.
//
// Grounded on biscuit/src/vm/as.go's Vm_t (Lock_pmap/Unlock_pmap,
// Pgfault's dispatch-by-lookup, Tlbshoot's fast/slow split) and
// gopher-os/kernel/mem/vmm's MapTemporary/Unmap pair for the quick-map
// scratch-window discipline.
package mm

import (
	"sync"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/pfa"
	"github.com/johnsmith5c12/pranaos/rangealloc"
	"github.com/johnsmith5c12/pranaos/region"
	"github.com/johnsmith5c12/pranaos/vmo"
)

// Manager is the mm_lock-guarded global coordinator: one per kernel
// instance (or, in this library's tests, one per simulated machine). It
// owns the physical frame allocator's commit accounting and the registry
// of every Region registered against every PageDirectory it manages.
type Manager struct {
	mu sync.Mutex // mm_lock

	frames   *pfa.Allocator
	shooter  TLBShooter
	pdCount  int
	registry map[*PageDirectory][]*region.Region
}

// NewManager creates a Manager routing allocation through frames and
// installs a quick-map-backed vmo.Copier sized to windows concurrent
// scratch slots. windows is typically small (1-4): it bounds how many
// CoW/inode-fault copies may be in flight at once, exactly as a real
// architecture layer would bound its temporary-mapping VA window.
func NewManager(frames *pfa.Allocator, windows int) *Manager {
	m := &Manager{
		frames:   frames,
		shooter:  noopShooter{},
		registry: make(map[*PageDirectory][]*region.Region),
	}
	vmo.SetCopier(newQuickMap(windows))
	return m
}

// SetTLBShooter installs the hook FlushRange drives. Tests use this to
// assert shootdown behavior without a real CPU; production code would
// install one that issues INVLPG/IPI.
func (m *Manager) SetTLBShooter(s TLBShooter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shooter = s
}

// NewPageDirectory creates a PageDirectory backed by table, with separate
// range allocators for user mappings and the kernel identity map.
func (m *Manager) NewPageDirectory(table pagetable.Table, userRA, identityRA *rangealloc.Allocator) *PageDirectory {
	m.mu.Lock()
	m.pdCount++
	m.mu.Unlock()
	return &PageDirectory{table: table, userRA: userRA, identityRA: identityRA, mgr: m}
}

// RegisterRegion adds r to pd's registry, under mm_lock, so HandleFault
// can find it later by address.
func (m *Manager) RegisterRegion(pd *PageDirectory, r *region.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[pd] = append(m.registry[pd], r)
}

// UnregisterRegion removes r from pd's registry.
func (m *Manager) UnregisterRegion(pd *PageDirectory, r *region.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regions := m.registry[pd]
	for i, reg := range regions {
		if reg == r {
			m.registry[pd] = append(regions[:i], regions[i+1:]...)
			return
		}
	}
}

func (m *Manager) lookup(pd *PageDirectory, vaddr uintptr) (*region.Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.registry[pd] {
		if vaddr >= r.Range.Base && vaddr < r.Range.End() {
			return r, true
		}
	}
	return nil, false
}

// CommitUserPhysicalPages reserves n pages against the global commit pool.
func (m *Manager) CommitUserPhysicalPages(n int) bool { return m.frames.Commit(n) }

// UncommitUserPhysicalPages releases n pages back to the global pool.
func (m *Manager) UncommitUserPhysicalPages(n int) { m.frames.Uncommit(n) }

// AllocateUserPhysicalPage draws an uncommitted frame from the free pool.
func (m *Manager) AllocateUserPhysicalPage(zeroFill bool) (pfa.Frame, bool) {
	return m.frames.AllocateUserFrame(zeroFill)
}

// AllocateCommittedUserPhysicalPage draws a frame against an existing
// commit reservation.
func (m *Manager) AllocateCommittedUserPhysicalPage(zeroFill bool) pfa.Frame {
	return m.frames.AllocateCommittedFrame(zeroFill)
}

// SharedZeroPage returns the process-wide zero sentinel.
func (m *Manager) SharedZeroPage() pfa.Frame { return m.frames.SharedZeroFrame() }

// LazyCommittedPage returns the lazy-commit sentinel.
func (m *Manager) LazyCommittedPage() pfa.Frame { return m.frames.LazyCommittedFrame() }

// FlushRange invalidates r in pd's address space. If this Manager has ever
// minted more than one PageDirectory, the shootdown is treated as
// cross-CPU (another address space might have the same range loaded
// through a shared mapping); with exactly one PageDirectory in play it is
// the fast path — invalidate locally, no IPI needed.
func (m *Manager) FlushRange(pd *PageDirectory, r rangealloc.VirtualRange) {
	m.mu.Lock()
	crossCPU := m.pdCount > 1
	shooter := m.shooter
	m.mu.Unlock()
	shooter.ShootdownRange(pd, r, crossCPU)
}

// HandleFault dispatches a fault at vaddr in pd's address space to the
// Region that owns it, reporting ShouldCrash if no Region covers the
// address at all (an access outside any mapping).
func (m *Manager) HandleFault(pd *PageDirectory, vaddr uintptr, kind region.FaultKind, attempted pagetable.Access) region.FaultOutcome {
	r, ok := m.lookup(pd, vaddr)
	if !ok {
		return region.FaultShouldCrash
	}
	return r.HandleFault(region.Info{VAddr: vaddr, Kind: kind, Attempted: attempted})
}
