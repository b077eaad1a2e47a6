// Package pagetable defines the architecture-specific translation boundary
// that the rest of the virtual memory core talks to. The core never
// prescribes a particular page-table encoding — this package is that seam:
// Table and Entry are interfaces, and softarch is one concrete (pure Go,
// architecture-agnostic) implementation of them, built the way gopher-os's
// kernel/hal package abstracts hardware behind an interface rather than
// letting call sites reach for raw bit twiddling.
package pagetable

import "github.com/johnsmith5c12/pranaos/pfa"

// Access names the three permission bits a Region grants.
type Access struct {
	Read    bool
	Write   bool
	Execute bool
}

// Mapping is the full set of attributes map_individual_page installs into
// an Entry. Writable is computed by the caller as the AND of the Region's
// access intent and "is it safe to let hardware write here" (sentinel/CoW
// pages must trap writes). This type exists to make that an explicit,
// named value instead of inline bit arithmetic at every call site.
type Mapping struct {
	Frame          pfa.Frame
	Writable       bool
	Executable     bool
	UserAccessible bool
	CacheDisabled  bool
}

// Entry is a single page-table entry, bound to one virtual page within one
// Table.
type Entry interface {
	// Present reports whether this entry currently maps a frame.
	Present() bool
	// Mapping returns the entry's current attributes. Valid only if
	// Present.
	Mapping() Mapping
	// Install replaces the entry's mapping and marks it present.
	Install(Mapping)
	// Clear unmaps the entry.
	Clear()
}

// Table is one address space's translation tree. Implementations lazily
// instantiate intermediate table levels (EnsureEntry) and may collapse
// them back out (ReleaseEntry) once the last live entry in a level goes
// away.
type Table interface {
	// EnsureEntry returns the Entry for vaddr, instantiating any missing
	// intermediate table levels. It reports false if instantiation failed
	// (no frame available for a new table level).
	EnsureEntry(vaddr uintptr) (Entry, bool)
	// Lookup returns the Entry for vaddr without instantiating missing
	// table levels. It reports false if no table level exists at vaddr
	// (distinct from an Entry that exists but is not Present).
	Lookup(vaddr uintptr) (Entry, bool)
	// ReleaseEntry clears the entry at vaddr. If last is true and the
	// release leaves the entry's table level empty, the implementation
	// collapses that level (and returns its frame); with last false the
	// level is kept.
	ReleaseEntry(vaddr uintptr, last bool)
}

// Features reports CPU capabilities the core must consult before trusting
// a mapping attribute to hardware (e.g. whether NX is actually enforced).
type Features interface {
	// SupportsNX reports whether the hardware can enforce a
	// non-executable mapping. If false, Executable is effectively always
	// true regardless of what a Mapping requests.
	SupportsNX() bool
}
