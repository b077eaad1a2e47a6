// Package vmo implements the VM Object: the backing store for one or more
// address-space mappings. Two variants exist: Anonymous (zero-initialized,
// CoW, lazy commit, purgeable) and Inode (file-backed, Private or Shared).
//
// Grounded throughout on biscuit/src/vm/as.go's Sys_pgfault, the only place
// biscuit's CoW/zero-fault/file-fault logic survived retrieval (see
// DESIGN.md); the purgeable-memory and committed-CoW-pool machinery has no
// equivalent there and is built fresh in the same idiom.
package vmo

import (
	"sync"

	"github.com/johnsmith5c12/pranaos/pfa"
)

// FaultOutcome is the outward-facing result of resolving a page fault: it
// either resolves (Continue), fails on a resource the caller can react to
// (OutOfMemory), or is not this package's to resolve at all (ShouldCrash —
// the access was illegal).
type FaultOutcome int

const (
	// FaultContinue reports the fault was fully resolved; the faulting
	// instruction should be retried.
	FaultContinue FaultOutcome = iota
	// FaultOutOfMemory reports the frame allocator could not satisfy the
	// fault. The caller may kill the process or retry after reclaim.
	FaultOutOfMemory
	// FaultShouldCrash reports the access was illegal, or became illegal
	// partway through resolution (e.g. an unreadable CoW source); the
	// faulting thread should be terminated.
	FaultShouldCrash
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultContinue:
		return "continue"
	case FaultOutOfMemory:
		return "out-of-memory"
	case FaultShouldCrash:
		return "should-crash"
	default:
		return "unknown"
	}
}

// Kind tags which concrete VM Object variant a given Object is, so fault
// handling can switch on the tag and type-assert to the concrete type
// instead of paying for a virtual dispatch on the hot fault path.
type Kind int

const (
	KindAnonymous Kind = iota
	KindPrivateInode
	KindSharedInode
)

// RegionRef is the non-owning back-edge a VM Object holds to every Region
// currently mapping it: the Region registers on construction and
// deregisters on destruction; the VMO only ever holds a handle sufficient
// to ask the Region to remap one of its pages.
type RegionRef interface {
	// RemapPage reinstalls page_idx's PTE from the VMO's current slot
	// state. It reports false if the remap failed (e.g. no frame
	// available to instantiate a missing page-table level).
	RemapPage(pageIdx int) bool
}

// Object is the common capability set every VM Object variant implements.
type Object interface {
	Kind() Kind
	PageCount() int
	// Slot returns the frame currently occupying page, without triggering
	// any fault resolution.
	Slot(page int) pfa.Frame
	RegisterRegion(RegionRef)
	UnregisterRegion(RegionRef)
	// ForEachRegion invokes fn once per currently-registered Region. fn is
	// called outside the VMO lock, against a point-in-time snapshot.
	ForEachRegion(fn func(RegionRef))
	// TryClone is the fork primitive. It reports absence if the clone
	// could not be completed (e.g. commit failure).
	TryClone() (Object, bool)
}

// Copier performs the byte copy a CoW fault or a file fault requires: a
// page duplicated into a fresh frame, or a file page copied out of a
// kernel read buffer. The default, directCopier, just calls the builtin
// copy; package mm installs a copier that also enforces a quick-map
// scratch window's "acquire, memcpy, release, never nested" discipline
// around the same byte copy. This indirection is the same
// function-variable-swap seam gopher-os/kernel/mem/vmm uses
// (frameAllocator, ptePtrFn, ...) to let a software layer stand in for a
// hardware one.
type Copier interface {
	// Copy copies src into dst. An error models a CoW copy whose source
	// page faults on read, which the caller must turn into
	// FaultShouldCrash.
	Copy(dst, src []byte) error
}

type directCopier struct{}

func (directCopier) Copy(dst, src []byte) error {
	copy(dst, src)
	return nil
}

var copierMu sync.Mutex
var activeCopier Copier = directCopier{}

// SetCopier installs the Copier used by every CoW/file-page copy in this
// package. Package mm calls this once during Manager construction to wire
// in its quick-map-backed copier; tests may call it to inject a failing
// copier and exercise the source-read-failure path.
func SetCopier(c Copier) {
	copierMu.Lock()
	defer copierMu.Unlock()
	activeCopier = c
}

func copyPage(dst, src []byte) error {
	copierMu.Lock()
	c := activeCopier
	copierMu.Unlock()
	return c.Copy(dst, src)
}
