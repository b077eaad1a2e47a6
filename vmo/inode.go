package vmo

import (
	"sync"

	"github.com/johnsmith5c12/pranaos/inode"
	"github.com/johnsmith5c12/pranaos/pfa"
)

// InodeVariant distinguishes a file-backed VM Object's sharing semantics.
type InodeVariant int

const (
	// Shared maps the file's pages directly: a write dirties the page and
	// is visible to every other mapper and eventually written back.
	Shared InodeVariant = iota
	// Private copies on write: a write materializes a private copy that
	// the underlying file never sees, via the same CoW machinery as an
	// Anonymous VM Object.
	Private
)

// Inode is a file-backed VM Object: its pages are populated on demand by
// reading through to an inode.Reader, and either shared directly or
// privately copy-on-write depending on variant.
type Inode struct {
	mu        sync.Mutex
	frames    *pfa.Allocator
	reader    inode.Reader
	variant   InodeVariant
	slots     []pfa.Frame
	dirty     []bool
	cow       *cowState // only used when variant == Private
	regions   map[RegionRef]struct{}
}

var _ Object = (*Inode)(nil)

// CreateSharedInode creates a Shared-variant Inode VM Object covering
// pages pages of reader.
func CreateSharedInode(frames *pfa.Allocator, reader inode.Reader, pages int) *Inode {
	return newInode(frames, reader, pages, Shared)
}

// CreatePrivateInode creates a Private-variant Inode VM Object covering
// pages pages of reader.
func CreatePrivateInode(frames *pfa.Allocator, reader inode.Reader, pages int) *Inode {
	i := newInode(frames, reader, pages, Private)
	i.cow = newCowState(pages)
	return i
}

func newInode(frames *pfa.Allocator, reader inode.Reader, pages int, variant InodeVariant) *Inode {
	i := &Inode{
		frames:  frames,
		reader:  reader,
		variant: variant,
		slots:   make([]pfa.Frame, pages),
		dirty:   make([]bool, pages),
		regions: make(map[RegionRef]struct{}),
	}
	// Every not-yet-faulted slot is left at the zero Frame value: genuinely
	// absent, unlike an Anonymous page's SharedZero/LazyCommitted sentinels
	// which are always present (read-only) in the page table. A file page
	// that was never read has no PTE at all until its first access demand-
	// pages it in.
	return i
}

func (i *Inode) Kind() Kind {
	if i.variant == Shared {
		return KindSharedInode
	}
	return KindPrivateInode
}

func (i *Inode) PageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.slots)
}

func (i *Inode) Slot(page int) pfa.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.slots[page]
}

// Refcount reports the physical frame refcount backing page.
func (i *Inode) Refcount(page int) int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.frames.Refcount(i.slots[page])
}

// CowPageCount sums the CoW bit across every page; always 0 for a Shared
// VM Object, which has no CoW bitmap.
func (i *Inode) CowPageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cow == nil {
		return 0
	}
	n := 0
	for _, set := range i.cow.bitmap {
		if set {
			n++
		}
	}
	return n
}

func (i *Inode) RegisterRegion(r RegionRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.regions[r] = struct{}{}
}

func (i *Inode) UnregisterRegion(r RegionRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.regions, r)
}

func (i *Inode) ForEachRegion(fn func(RegionRef)) {
	i.mu.Lock()
	snapshot := make([]RegionRef, 0, len(i.regions))
	for r := range i.regions {
		snapshot = append(snapshot, r)
	}
	i.mu.Unlock()
	for _, r := range snapshot {
		fn(r)
	}
}

// AmountDirty reports how many pages have been written to since they were
// last clean (meaningful only for the Shared variant; Private writes never
// touch the underlying file).
func (i *Inode) AmountDirty() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, d := range i.dirty {
		if d {
			n++
		}
	}
	return n
}

// PhysicalPages returns a snapshot of the frames currently backing this VM
// Object, for writeback or reporting.
func (i *Inode) PhysicalPages() []pfa.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]pfa.Frame(nil), i.slots...)
}

// TryClone implements the two clone strategies a file-backed VM Object
// needs: a Shared VM Object's clone is the same object (every mapper of a
// shared file region genuinely shares one VM Object), while a Private VM
// Object deep-copies its slot references and routes future writes through
// the same CoW machinery a clone of an Anonymous VM Object uses.
func (i *Inode) TryClone() (Object, bool) {
	if i.variant == Shared {
		return i, true
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	need := 0
	for _, f := range i.slots {
		if !f.IsZero() && f.State() == pfa.Normal {
			need++
		}
	}
	if need > 0 && !i.frames.Commit(need) {
		return nil, false
	}

	child := &Inode{
		frames:  i.frames,
		reader:  i.reader,
		variant: Private,
		slots:   append([]pfa.Frame(nil), i.slots...),
		dirty:   make([]bool, len(i.slots)),
		cow:     newCowState(len(i.slots)),
		regions: make(map[RegionRef]struct{}),
	}

	var pool *cowPool
	if need > 0 {
		pool = newCowPool(i.frames, need)
	}
	for idx, f := range i.slots {
		if f.IsZero() || f.State() != pfa.Normal {
			continue
		}
		i.frames.RefUp(f)
		i.cow.set(idx, true)
		child.cow.set(idx, true)
	}
	i.cow.attachPool(pool)
	child.cow.attachPool(pool)

	return child, true
}

// HandleCowFault resolves a write fault on an already-materialized page of
// a Private Inode VM Object, via the same bitmap/pool machinery an
// Anonymous VM Object's clone uses.
func (i *Inode) HandleCowFault(page int) (pfa.Frame, FaultOutcome) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.variant != Private {
		panic("vmo: HandleCowFault called on a Shared inode VM Object")
	}
	return i.cow.resolve(i.frames, i.slots, page, false)
}

// ShouldCow reports whether a write to an already-materialized page must
// be routed through the CoW path. An inode page has no sentinel-but-present
// state the way an Anonymous page does (an unfaulted page is simply absent
// from the page table), so this only ever needs to consult the CoW bit of
// a Private VM Object; a Shared mapping is never CoW.
func (i *Inode) ShouldCow(page int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.variant == Shared {
		return false
	}
	return i.cow.get(page)
}

// HandleInodeFault resolves a not-present fault on page. It follows a
// pre-read-then-lock-recheck protocol: the page is read from the inode
// before any lock is taken (filesystem I/O must never happen while holding
// the VM Object lock), and the result is discarded in favor of whatever a
// racing fault already installed if the slot was filled out from under it.
func (i *Inode) HandleInodeFault(page int, pageSize int) (pfa.Frame, FaultOutcome) {
	kernelBuf := make([]byte, pageSize)
	if _, err := i.reader.ReadBytes(int64(page)*int64(pageSize), kernelBuf); err != nil {
		return pfa.Frame{}, FaultShouldCrash
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.slots[page].IsZero() {
		// Lost the race: another fault on this page already won.
		return i.slots[page], FaultContinue
	}
	fresh, ok := i.frames.AllocateUserFrame(false)
	if !ok {
		return pfa.Frame{}, FaultOutOfMemory
	}
	if err := copyPage(i.frames.Bytes(fresh), kernelBuf); err != nil {
		i.frames.RefDown(fresh)
		return pfa.Frame{}, FaultShouldCrash
	}
	i.slots[page] = fresh
	if i.variant == Private {
		i.cow.set(page, false)
	}
	return fresh, FaultContinue
}

// MarkDirty records that page was written through a Shared mapping.
func (i *Inode) MarkDirty(page int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dirty[page] = true
}
