// Package rangealloc implements the per-address-space allocator of
// page-aligned virtual-address intervals: reserve (find any gap of a given
// size), carve-out (claim one specific interval), and release (give an
// interval back, coalescing with its neighbors).
//
// biscuit's vm.Vmregion_t, which plays this role there, was not present in
// the retrieved files beyond its call sites in as.go (see DESIGN.md); this
// allocator is built fresh in the same idiom those call sites imply —
// gap-finding over a sorted set of free intervals, rounded to the page
// size, clamped to a configured floor — rather than ported from a file
// that wasn't retrieved.
package rangealloc

import (
	"fmt"
	"sort"
	"sync"
)

// VirtualRange is a page-aligned virtual address interval: [Base, Base+Size).
type VirtualRange struct {
	Base uintptr
	Size uintptr
}

// End returns the first address past the range.
func (r VirtualRange) End() uintptr { return r.Base + r.Size }

// Contains reports whether other lies entirely within r.
func (r VirtualRange) Contains(other VirtualRange) bool {
	return other.Base >= r.Base && other.End() <= r.End()
}

func (r VirtualRange) overlaps(other VirtualRange) bool {
	return r.Base < other.End() && other.Base < r.End()
}

func (r VirtualRange) adjacentTo(other VirtualRange) bool {
	return r.End() == other.Base || other.End() == r.Base
}

// Allocator manages the free virtual address space of one region of an
// address space; a PageDirectory holds two, one for user mappings and one
// for the kernel's identity-mapped region.
type Allocator struct {
	mu       sync.Mutex
	pageSize uintptr
	free     []VirtualRange // sorted by Base, kept coalesced
}

// New creates an allocator managing [base, base+size) in units of
// pageSize. base and size must already be page-aligned multiples of
// pageSize.
func New(base, size, pageSize uintptr) (*Allocator, error) {
	if pageSize == 0 || base%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return nil, fmt.Errorf("rangealloc: base=%#x size=%#x must be nonzero multiples of pageSize=%#x", base, size, pageSize)
	}
	return &Allocator{
		pageSize: pageSize,
		free:     []VirtualRange{{Base: base, Size: size}},
	}, nil
}

func roundUp(n, to uintptr) uintptr { return (n + to - 1) / to * to }

// Reserve finds and removes the first free gap of at least size bytes,
// first-fit. size is rounded up to a page multiple.
func (a *Allocator) Reserve(size uintptr) (VirtualRange, bool) {
	if size == 0 {
		return VirtualRange{}, false
	}
	size = roundUp(size, a.pageSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, gap := range a.free {
		if gap.Size < size {
			continue
		}
		taken := VirtualRange{Base: gap.Base, Size: size}
		a.shrinkFreeLocked(i, taken)
		return taken, true
	}
	return VirtualRange{}, false
}

// CarveOut reserves the specific interval [base, base+size), failing if any
// part of it is not currently free.
func (a *Allocator) CarveOut(base, size uintptr) (VirtualRange, bool) {
	if size == 0 || base%a.pageSize != 0 || size%a.pageSize != 0 {
		return VirtualRange{}, false
	}
	want := VirtualRange{Base: base, Size: size}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, gap := range a.free {
		if gap.Contains(want) {
			a.shrinkFreeLocked(i, want)
			return want, true
		}
	}
	return VirtualRange{}, false
}

// shrinkFreeLocked removes taken from the free gap at index i, which must
// contain taken, replacing it with whatever remains on either side.
func (a *Allocator) shrinkFreeLocked(i int, taken VirtualRange) {
	gap := a.free[i]
	var remainder []VirtualRange
	if gap.Base < taken.Base {
		remainder = append(remainder, VirtualRange{Base: gap.Base, Size: taken.Base - gap.Base})
	}
	if taken.End() < gap.End() {
		remainder = append(remainder, VirtualRange{Base: taken.End(), Size: gap.End() - taken.End()})
	}
	a.free = append(a.free[:i], append(remainder, a.free[i+1:]...)...)
}

// Release returns r to the pool of free intervals, coalescing it with
// adjacent free neighbors.
func (a *Allocator) Release(r VirtualRange) {
	if r.Size == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := r
	kept := a.free[:0:0]
	for _, gap := range a.free {
		if gap.overlaps(merged) {
			panic("rangealloc: release of a range that overlaps a still-free range")
		}
		if gap.adjacentTo(merged) {
			lo := gap.Base
			if merged.Base < lo {
				lo = merged.Base
			}
			hi := gap.End()
			if merged.End() > hi {
				hi = merged.End()
			}
			merged = VirtualRange{Base: lo, Size: hi - lo}
			continue
		}
		kept = append(kept, gap)
	}
	kept = append(kept, merged)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Base < kept[j].Base })
	a.free = kept
}

// FreeBytes reports the total bytes currently available to Reserve.
func (a *Allocator) FreeBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uintptr
	for _, gap := range a.free {
		total += gap.Size
	}
	return total
}
