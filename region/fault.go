package region

import (
	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/pfa"
	"github.com/johnsmith5c12/pranaos/vmo"
)

// FaultOutcome re-exports vmo.FaultOutcome: the Region layer produces the
// same three-way result (fault handlers below return it directly), plus
// this package's own reason for it, "the access itself was illegal",
// which never touches the VMO at all.
type FaultOutcome = vmo.FaultOutcome

const (
	FaultContinue    = vmo.FaultContinue
	FaultOutOfMemory = vmo.FaultOutOfMemory
	FaultShouldCrash = vmo.FaultShouldCrash
)

// FaultKind distinguishes a fault on a virtual address with no page-table
// entry at all from one on an entry that exists but forbids the attempted
// access.
type FaultKind int

const (
	NotPresent FaultKind = iota
	ProtectionViolation
)

// Info describes one page fault for HandleFault to arbitrate.
type Info struct {
	VAddr     uintptr
	Kind      FaultKind
	Attempted pagetable.Access
}

func (r *Region) pageIndexOf(vaddr uintptr) int {
	return int((vaddr-r.Range.Base)/pfaPageSize) + r.OffsetPages
}

// HandleFault is the arbitration point: it classifies fault.Kind against
// the Region's access bits and the addressed VM Object slot's state, and
// dispatches to the matching resolution path. A NotPresent fault whose
// attempted access the Region does not grant crashes; otherwise an inode
// VM Object reads the page in, and an Anonymous one materializes a
// LazyCommitted slot (any other slot crashes). A ProtectionViolation is
// resolved only for a write the Region grants: a CoW-marked sentinel slot
// takes the zero-fault path, a CoW-marked Normal slot the CoW path, and a
// Normal slot no longer CoW-marked (already resolved by a racing fault) is
// just remapped; everything else crashes.
func (r *Region) HandleFault(fault Info) FaultOutcome {
	r.mu.Lock()
	access := r.access
	obj := r.vmo
	r.mu.Unlock()

	page := r.pageIndexOf(fault.VAddr)

	switch fault.Kind {
	case NotPresent:
		if fault.Attempted.Read && !access.Read {
			return FaultShouldCrash
		}
		if fault.Attempted.Write && !access.Write {
			return FaultShouldCrash
		}
		switch obj.Kind() {
		case vmo.KindPrivateInode, vmo.KindSharedInode:
			return r.handleInodeFault(obj.(*vmo.Inode), page)
		case vmo.KindAnonymous:
			a := obj.(*vmo.Anonymous)
			if a.Slot(page).State() != pfa.LazyCommitted {
				return FaultShouldCrash
			}
			a.AllocateCommittedPageFor(page)
			if !r.remapSelf(page) {
				return FaultOutOfMemory
			}
			return FaultContinue
		default:
			return FaultShouldCrash
		}

	case ProtectionViolation:
		if !fault.Attempted.Write || !access.Write {
			return FaultShouldCrash
		}
		cow := r.shouldCow(obj, page)
		normal := obj.Slot(page).State() == pfa.Normal
		switch {
		case cow && !normal:
			return r.handleZeroFault(obj, page)
		case cow && normal:
			return r.handleCowFault(obj, page)
		case normal:
			// A racing fault on the same page already resolved it; only
			// this Region's PTE needs reinstalling.
			if !r.remapSelf(page) {
				return FaultOutOfMemory
			}
			return FaultContinue
		default:
			return FaultShouldCrash
		}
	default:
		return FaultShouldCrash
	}
}

func (r *Region) shouldCow(obj vmo.Object, page int) bool {
	switch v := obj.(type) {
	case *vmo.Anonymous:
		return v.ShouldCow(page, r.Shared)
	case *vmo.Inode:
		return v.ShouldCow(page)
	default:
		panic("region: shouldCow on an unknown VM Object implementation")
	}
}

func (r *Region) handleCowFault(obj vmo.Object, page int) FaultOutcome {
	var outcome vmo.FaultOutcome
	switch v := obj.(type) {
	case *vmo.Anonymous:
		_, outcome = v.HandleCowFault(page)
	case *vmo.Inode:
		_, outcome = v.HandleCowFault(page)
	default:
		panic("region: handleCowFault on an unknown VM Object implementation")
	}
	if outcome != vmo.FaultContinue {
		return outcome
	}
	if !r.remapVMObjectPage(obj, page) {
		return FaultOutOfMemory
	}
	return FaultContinue
}

// handleZeroFault resolves a write fault on a sentinel slot. Only an
// Anonymous VM Object can present a sentinel-but-mapped slot (an inode
// page's "never read yet" state is absent, not a sentinel, and faults
// NotPresent instead); reaching this with any other VM Object kind is a
// contract violation upstream in HandleFault's dispatch.
func (r *Region) handleZeroFault(obj vmo.Object, page int) FaultOutcome {
	a, ok := obj.(*vmo.Anonymous)
	if !ok {
		panic("region: handleZeroFault on a non-Anonymous VM Object")
	}
	_, outcome := a.HandleZeroFault(page)
	if outcome != vmo.FaultContinue {
		return outcome
	}
	if !r.remapVMObjectPage(obj, page) {
		return FaultOutOfMemory
	}
	return FaultContinue
}

func (r *Region) handleInodeFault(obj *vmo.Inode, page int) FaultOutcome {
	_, outcome := obj.HandleInodeFault(page, pfaPageSize)
	if outcome != vmo.FaultContinue {
		return outcome
	}
	if !r.remapSelf(page) {
		return FaultOutOfMemory
	}
	return FaultContinue
}
