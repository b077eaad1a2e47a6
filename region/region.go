// Package region implements the Region: a mapping of a contiguous virtual
// range into a slice of a VM Object, with access rights, caching, a
// shared/private flag, and optional tags. A Region owns its presence in
// the page tables; it shares, but does not own, its VM Object.
//
// Grounded on biscuit/src/vm/as.go's Vmregioninfo/_mkvmi and
// Vmadd_anon/Vmadd_file/Vmadd_shareanon/Vmadd_sharefile factory family for
// the construction contract, and Page_insert/_page_insert for
// mapIndividualPage's writable-bit derivation.
package region

import (
	"fmt"
	"sync"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/pfa"
	"github.com/johnsmith5c12/pranaos/rangealloc"
	"github.com/johnsmith5c12/pranaos/vmo"
)

// Tags names the optional classification a Region may carry, mirroring
// biscuit's VM_STACK/VM_MMAP/VM_SYSCALL region markers.
type Tags struct {
	Stack   bool
	Mmap    bool
	Syscall bool
}

// PageDirectory is the capability set a Region needs from its owning
// address space: a translation table to install PTEs into, a way to flush
// the hardware's view of a range, and a way to release a virtual range
// back to the correct allocator (user vs. kernel-identity) on unmap. The
// concrete type lives in package mm; this interface exists so region does
// not import mm, which itself must import region to hold a registry of
// them — the same back-edge-via-interface shape vmo.RegionRef uses for the
// VMO ↔ Region relationship.
type PageDirectory interface {
	Table() pagetable.Table
	FlushTLB(r rangealloc.VirtualRange)
	ReleaseRange(r rangealloc.VirtualRange, kernelIdentity bool)
}

// Region is a mapping of [Range.Base, Range.End()) into vmo pages
// [OffsetPages, OffsetPages+pageCount). It registers itself with its VMO
// on construction and deregisters on Unmap.
type Region struct {
	mu sync.Mutex

	Range       rangealloc.VirtualRange
	OffsetPages int
	Name        string
	Cacheable   bool
	Shared      bool
	Tags        Tags

	kernel bool
	vmo    vmo.Object
	access pagetable.Access
	// savedAccess is the shadow copy of the original access bits, set
	// aside when a caller temporarily narrows access (e.g. read-only
	// during a syscall buffer validation window) and restored afterward.
	savedAccess *pagetable.Access

	pd PageDirectory
}

func pageCount(size uintptr) int { return int(size / pfaPageSize) }

const pfaPageSize = 4096

var _ vmo.RegionRef = (*Region)(nil)

// TryCreateUser is the checked factory for a user-mode Region: it reports
// absence on a nonsensical access/ownership combination, never a partially
// built value, and registers the Region with vmo before returning.
func TryCreateUser(rng rangealloc.VirtualRange, obj vmo.Object, offsetPages int, name string, access pagetable.Access, cacheable, shared bool) (*Region, bool) {
	return tryCreate(rng, obj, offsetPages, name, access, cacheable, shared, false)
}

// TryCreateKernel is TryCreateUser's kernel-only counterpart: shared is
// always false and the resulting Region is never marked user-accessible.
func TryCreateKernel(rng rangealloc.VirtualRange, obj vmo.Object, offsetPages int, name string, access pagetable.Access, cacheable bool) (*Region, bool) {
	return tryCreate(rng, obj, offsetPages, name, access, cacheable, false, true)
}

func tryCreate(rng rangealloc.VirtualRange, obj vmo.Object, offsetPages int, name string, access pagetable.Access, cacheable, shared, kernel bool) (*Region, bool) {
	if !access.Read && !access.Write && !access.Execute {
		panic(fmt.Sprintf("region: bad perms for %q: a region must grant at least one of R/W/X", name))
	}
	if offsetPages < 0 || offsetPages+pageCount(rng.Size) > obj.PageCount() {
		return nil, false
	}
	r := &Region{
		Range:       rng,
		OffsetPages: offsetPages,
		Name:        name,
		Cacheable:   cacheable,
		Shared:      shared,
		kernel:      kernel,
		vmo:         obj,
		access:      access,
	}
	obj.RegisterRegion(r)
	return r, true
}

// SetVMObject deregisters from the current VM Object and registers with
// newObj, a no-op if they are already identical.
func (r *Region) SetVMObject(newObj vmo.Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vmo == newObj {
		return
	}
	r.vmo.UnregisterRegion(r)
	r.vmo = newObj
	newObj.RegisterRegion(r)
}

// VMObject returns the VM Object this Region currently maps.
func (r *Region) VMObject() vmo.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vmo
}

// Access returns the Region's current access bits.
func (r *Region) Access() pagetable.Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.access
}

// SetAccess temporarily narrows or widens the Region's access bits,
// saving the previous value so RestoreAccess can undo it. Calling
// SetAccess twice without an intervening RestoreAccess panics: the shadow
// copy only has room for one saved value, matching the single-level
// temporary-protection-change contract.
func (r *Region) SetAccess(a pagetable.Access) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.savedAccess != nil {
		panic("region: SetAccess called with a protection change already pending")
	}
	saved := r.access
	r.savedAccess = &saved
	r.access = a
}

// RestoreAccess undoes the most recent SetAccess.
func (r *Region) RestoreAccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.savedAccess == nil {
		panic("region: RestoreAccess called with no protection change pending")
	}
	r.access = *r.savedAccess
	r.savedAccess = nil
}

func (r *Region) pageCount() int { return pageCount(r.Range.Size) }

func (r *Region) vaddrOf(pageIdx int) uintptr {
	local := pageIdx - r.OffsetPages
	return r.Range.Base + uintptr(local)*pfaPageSize
}

// AmountResident sums PAGE_SIZE over every Normal, non-lazy-committed slot
// this Region maps.
func (r *Region) AmountResident() uintptr {
	r.mu.Lock()
	obj := r.vmo
	n := r.pageCount()
	off := r.OffsetPages
	r.mu.Unlock()

	var total uintptr
	for i := 0; i < n; i++ {
		if isResident(obj.Slot(off + i)) {
			total += pfaPageSize
		}
	}
	return total
}

// AmountShared is AmountResident restricted to frames with refcount > 1.
func (r *Region) AmountShared() uintptr {
	r.mu.Lock()
	obj := r.vmo
	n := r.pageCount()
	off := r.OffsetPages
	r.mu.Unlock()

	var total uintptr
	for i := 0; i < n; i++ {
		s := obj.Slot(off + i)
		if isResident(s) && refcountOf(obj, off+i) > 1 {
			total += pfaPageSize
		}
	}
	return total
}

// CowPages sums the CoW bit over the Region's VM Object; always 0 for a
// Shared Inode VM Object, which has none.
func (r *Region) CowPages() int {
	r.mu.Lock()
	obj := r.vmo
	r.mu.Unlock()

	switch v := obj.(type) {
	case *vmo.Anonymous:
		return v.CowPageCount()
	case *vmo.Inode:
		return v.CowPageCount()
	default:
		return 0
	}
}

func isResident(f pfa.Frame) bool { return f.State() == pfa.Normal }

func refcountOf(obj vmo.Object, page int) int32 {
	switch v := obj.(type) {
	case *vmo.Anonymous:
		return v.Refcount(page)
	case *vmo.Inode:
		return v.Refcount(page)
	default:
		return 0
	}
}
