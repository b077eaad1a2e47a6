package vmo

import (
	"fmt"
	"sync"

	"github.com/johnsmith5c12/pranaos/pfa"
)

// CreateStrategy selects how CreateAnonymousWithSize populates a freshly
// created Anonymous VM Object's pages.
type CreateStrategy int

const (
	// Reserve commits the pages against the global frame budget but
	// leaves every slot LazyCommitted: a frame is materialized only on
	// first touch.
	Reserve CreateStrategy = iota
	// AllocateNow commits and materializes every page immediately.
	AllocateNow
	// None leaves every slot pointing at the shared zero frame and
	// commits nothing; a frame is allocated (uncommitted) on first write.
	None
)

// Anonymous is a zero-initialized VM Object: the backing store for heap,
// stack, and bss-style mappings. It owns a copy-on-write bitmap, an
// optional committed-CoW pool from its most recent clone, and any
// purgeable-range registrations.
type Anonymous struct {
	mu     sync.Mutex
	frames *pfa.Allocator
	slots  []pfa.Frame
	cow    *cowState

	unusedCommitted int
	nonReturnable   bool

	purgeable []*PurgeableRange
	regions   map[RegionRef]struct{}
}

var _ Object = (*Anonymous)(nil)

// CreateAnonymousWithSize creates a pages-page Anonymous VM Object
// according to strategy. It reports absence if strategy requires a commit
// the global frame budget cannot satisfy.
func CreateAnonymousWithSize(frames *pfa.Allocator, pages int, strategy CreateStrategy) (*Anonymous, bool) {
	a := newAnonymous(frames, pages)
	switch strategy {
	case Reserve:
		if !frames.Commit(pages) {
			return nil, false
		}
		lazy := frames.LazyCommittedFrame()
		for i := range a.slots {
			a.slots[i] = lazy
		}
		a.unusedCommitted = pages
	case AllocateNow:
		if !frames.Commit(pages) {
			return nil, false
		}
		for i := range a.slots {
			a.slots[i] = frames.AllocateCommittedFrame(true)
		}
	case None:
		zero := frames.SharedZeroFrame()
		for i := range a.slots {
			a.slots[i] = zero
		}
	default:
		panic(fmt.Sprintf("vmo: unknown CreateStrategy %d", strategy))
	}
	return a, true
}

// CreateAnonymousWithFrames adopts a caller-supplied span of already
// allocated frames (e.g. the frames of a VM Object being converted), taking
// over ownership of the one reference each carries.
func CreateAnonymousWithFrames(frames *pfa.Allocator, span []pfa.Frame) *Anonymous {
	a := newAnonymous(frames, len(span))
	copy(a.slots, span)
	return a
}

// CreateAnonymousForPhysicalRange wraps a span of frames that must never be
// returned to the allocator — MMIO apertures and similarly reserved
// physical memory the frame allocator does not own.
func CreateAnonymousForPhysicalRange(frames *pfa.Allocator, span []pfa.Frame) *Anonymous {
	a := CreateAnonymousWithFrames(frames, span)
	a.nonReturnable = true
	return a
}

func newAnonymous(frames *pfa.Allocator, pages int) *Anonymous {
	return &Anonymous{
		frames:  frames,
		slots:   make([]pfa.Frame, pages),
		cow:     newCowState(pages),
		regions: make(map[RegionRef]struct{}),
	}
}

func (a *Anonymous) Kind() Kind { return KindAnonymous }

func (a *Anonymous) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func (a *Anonymous) Slot(page int) pfa.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[page]
}

// Refcount reports the physical frame refcount backing page, for
// amount_shared()-style accounting.
func (a *Anonymous) Refcount(page int) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames.Refcount(a.slots[page])
}

// CowPageCount sums the CoW bit across every page.
func (a *Anonymous) CowPageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, set := range a.cow.bitmap {
		if set {
			n++
		}
	}
	return n
}

func (a *Anonymous) RegisterRegion(r RegionRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions[r] = struct{}{}
}

func (a *Anonymous) UnregisterRegion(r RegionRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.regions, r)
}

func (a *Anonymous) ForEachRegion(fn func(RegionRef)) {
	a.mu.Lock()
	snapshot := make([]RegionRef, 0, len(a.regions))
	for r := range a.regions {
		snapshot = append(snapshot, r)
	}
	a.mu.Unlock()
	for _, r := range snapshot {
		fn(r)
	}
}

// Close returns every resource this VM Object holds back to the frame
// allocator: any still-reserved-but-untouched commit, and (unless this
// object wraps a non-returnable physical range) every materialized frame.
func (a *Anonymous) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unusedCommitted > 0 {
		a.frames.Uncommit(a.unusedCommitted)
		a.unusedCommitted = 0
	}
	if a.nonReturnable {
		return
	}
	for i, f := range a.slots {
		if f.State() == pfa.Normal {
			a.frames.RefDown(f)
			a.slots[i] = pfa.Frame{}
		}
	}
}

// ShouldCow reports whether page must be mapped read-only and routed
// through the CoW/zero-fault machinery on a write: every sentinel slot
// qualifies unconditionally (a page slot that is SharedZero or
// LazyCommitted is always mapped read-only, regardless of sharing), and so
// does any private mapping of a page whose CoW bit is set.
func (a *Anonymous) ShouldCow(page int, shared bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slots[page].IsSentinel() {
		return true
	}
	return !shared && a.cow.get(page)
}

// TryClone is the fork primitive: every currently-Normal page is marked
// CoW in both the parent and the child, and a CommittedCowPages pool sized
// to the number of Normal, non-volatile pages is reserved up front so no
// individual CoW fault on such a page can itself fail for lack of commit.
// Sentinel pages are neither counted in the pool nor CoW-marked. It
// reports absence if that reservation cannot be made.
func (a *Anonymous) TryClone() (Object, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := 0
	for i := range a.slots {
		if a.slots[i].State() == pfa.Normal && !a.volatileLocked(i) {
			need++
		}
	}
	if need > 0 && !a.frames.Commit(need) {
		return nil, false
	}

	child := &Anonymous{
		frames:  a.frames,
		slots:   append([]pfa.Frame(nil), a.slots...),
		cow:     newCowState(len(a.slots)),
		regions: make(map[RegionRef]struct{}),
	}

	var pool *cowPool
	if need > 0 {
		pool = newCowPool(a.frames, need)
	}
	for i, f := range a.slots {
		if f.State() != pfa.Normal {
			continue
		}
		a.frames.RefUp(f)
		a.cow.set(i, true)
		child.cow.set(i, true)
	}
	a.cow.attachPool(pool)
	child.cow.attachPool(pool)

	return child, true
}

func (a *Anonymous) volatileLocked(page int) bool {
	for _, pr := range a.purgeable {
		if pr.volatile && pr.contains(page) {
			return true
		}
	}
	return false
}

// HandleCowFault resolves a write fault on a Normal, CoW-marked page.
func (a *Anonymous) HandleCowFault(page int) (pfa.Frame, FaultOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cow.resolve(a.frames, a.slots, page, a.volatileLocked(page))
}

// AllocateCommittedPageFor materializes page's LazyCommitted reservation.
// It panics if page is not currently LazyCommitted or has been marked
// volatile out from under its reservation — both contract violations of
// the caller (Region's NotPresent dispatch only reaches here for that
// exact combination).
func (a *Anonymous) AllocateCommittedPageFor(page int) pfa.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.volatileLocked(page) {
		panic("vmo: AllocateCommittedPageFor called on a volatile page")
	}
	if a.slots[page].State() != pfa.LazyCommitted {
		panic("vmo: AllocateCommittedPageFor called on a non-LazyCommitted slot")
	}
	a.unusedCommitted--
	f := a.frames.AllocateCommittedFrame(true)
	a.slots[page] = f
	return f
}

// HandleZeroFault resolves a write fault on a sentinel slot (SharedZero or
// LazyCommitted): it is idempotent against a racing fault that already
// materialized the page, and otherwise allocates a fresh zero-filled
// frame, drawing from the commit reservation if one exists.
func (a *Anonymous) HandleZeroFault(page int) (pfa.Frame, FaultOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.slots[page]
	if cur.State() == pfa.Normal {
		return cur, FaultContinue
	}
	if cur.State() == pfa.LazyCommitted {
		a.unusedCommitted--
		f := a.frames.AllocateCommittedFrame(true)
		a.slots[page] = f
		return f, FaultContinue
	}
	f, ok := a.frames.AllocateUserFrame(true)
	if !ok {
		return pfa.Frame{}, FaultOutOfMemory
	}
	a.slots[page] = f
	return f, FaultContinue
}

// RegisterPurgeableRange registers [start, start+count) as reclaimable
// while volatile. The range starts non-volatile.
func (a *Anonymous) RegisterPurgeableRange(start, count int) *PurgeableRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	pr := &PurgeableRange{Start: start, Count: count}
	a.purgeable = append(a.purgeable, pr)
	return pr
}

// UnregisterPurgeableRange removes a previously registered range. Pages
// inside it keep whatever state they currently have.
func (a *Anonymous) UnregisterPurgeableRange(pr *PurgeableRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.purgeable {
		if p == pr {
			a.purgeable = append(a.purgeable[:i], a.purgeable[i+1:]...)
			return
		}
	}
}

// MarkVolatile transitions pr to volatile: any LazyCommitted page inside it
// gives its reservation back to the global commit pool and becomes a
// shared-zero page, since its materialization is no longer promised.
func (a *Anonymous) MarkVolatile(pr *PurgeableRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pr.volatile = true
	zero := a.frames.SharedZeroFrame()
	for i := pr.Start; i < pr.Start+pr.Count; i++ {
		if a.slots[i].State() == pfa.LazyCommitted {
			a.unusedCommitted--
			a.frames.Uncommit(1)
			a.slots[i] = zero
		}
	}
}

// MarkNonVolatile transitions pr back to non-volatile, atomically
// recommitting every shared-zero page inside it as LazyCommitted, except a
// page still marked CoW: that page is already accounted for by the
// committed-CoW pool it belongs to, and recommitting it here would
// double-book it against that pool's credit count. It reports false
// (leaving pr volatile) if the commit cannot be satisfied in full: a
// partial transition is never allowed.
func (a *Anonymous) MarkNonVolatile(pr *PurgeableRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := 0
	for i := pr.Start; i < pr.Start+pr.Count; i++ {
		if a.slots[i].State() == pfa.SharedZero && !a.cow.get(i) {
			need++
		}
	}
	if need > 0 && !a.frames.Commit(need) {
		return false
	}
	lazy := a.frames.LazyCommittedFrame()
	for i := pr.Start; i < pr.Start+pr.Count; i++ {
		if a.slots[i].State() == pfa.SharedZero && !a.cow.get(i) {
			a.slots[i] = lazy
		}
	}
	a.unusedCommitted += need
	pr.volatile = false
	pr.wasPurged = false
	return true
}

// Purge reclaims every Normal page inside every currently-volatile range,
// replacing each with the shared zero frame. It returns the page indices
// touched so the caller can remap the affected Regions.
func (a *Anonymous) Purge() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	zero := a.frames.SharedZeroFrame()
	var touched []int
	for _, pr := range a.purgeable {
		if !pr.volatile {
			continue
		}
		purgedAny := false
		for i := pr.Start; i < pr.Start+pr.Count; i++ {
			if a.slots[i].State() == pfa.Normal {
				a.frames.RefDown(a.slots[i])
				a.slots[i] = zero
				touched = append(touched, i)
				purgedAny = true
			}
		}
		if purgedAny {
			pr.wasPurged = true
		}
	}
	return touched
}
