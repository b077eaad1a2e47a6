// Package pfa implements the physical frame allocator: the leaf allocator
// that hands out page-sized physical frames, tracks their reference counts,
// and distinguishes the three sentinel states a frame slot can hold
// (ordinary, shared-zero, lazy-committed).
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t: a flat table of frames
// addressed by index, a singly linked free list threaded through the table
// itself, and refcounts manipulated with sync/atomic so Refup/Refdown never
// need the table lock on the fast path.
package pfa

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// PageSize is the size in bytes of a single frame. Unlike biscuit's
// PGSHIFT/PGSIZE constants (sized for one imaginary x86 machine), this is a
// package constant but the allocator's capacity is always a constructor
// parameter, so tests can build small arenas quickly.
const PageSize = 4096

// State names the three sentinel states a physical frame slot can hold.
type State int

const (
	// Normal is an ordinary, refcounted, freeable physical frame.
	Normal State = iota
	// SharedZero is the single process-wide frame of zeros. It is never
	// freed and reads as all-zero bytes.
	SharedZero
	// LazyCommitted is a placeholder denoting a commitment charged
	// against the global reserve but not yet materialized into a real
	// frame. It has no backing bytes.
	LazyCommitted
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case SharedZero:
		return "shared-zero"
	case LazyCommitted:
		return "lazy-committed"
	default:
		return "unknown"
	}
}

// Frame identifies a physical frame by its allocator-relative index and
// state. Frame is a small value type, compared by identity via Equal; the
// sentinel frames (SharedZero, LazyCommitted) are process-wide singletons
// handed out by the allocator that created them.
type Frame struct {
	state State
	index uint32
}

// State reports which of the three sentinel states this frame is in.
func (f Frame) State() State { return f.state }

// IsSentinel reports whether f is SharedZero or LazyCommitted, i.e.
// occupies a VMO slot without consuming an ordinary frame.
func (f Frame) IsSentinel() bool { return f.state != Normal }

// Equal reports whether f and g name the same frame.
func (f Frame) Equal(g Frame) bool { return f.state == g.state && f.index == g.index }

// IsZero reports whether f is the unset Frame value (no slot assigned at
// all, distinct from any of the three sentinel states).
func (f Frame) IsZero() bool { return f == Frame{} }

const freeListEnd = ^uint32(0)

type slot struct {
	refcount int32
	next     uint32
}

// Allocator is the physical frame allocator (PFA). It owns a fixed-size
// table of frames, a global commit pool, and the shared-zero sentinel.
type Allocator struct {
	mu        sync.Mutex
	slots     []slot
	arena     arena
	freeHead  uint32
	freeCount uint32
	total     uint32

	// committed is the number of pages reserved against the free pool by
	// Commit but not yet consumed by AllocateCommittedFrame.
	committed int64

	zeroIndex uint32
}

// New creates an allocator managing totalFrames page-sized frames. One
// frame is reserved permanently for the shared-zero sentinel, so the
// allocator has totalFrames-1 allocatable frames.
func New(totalFrames uint32) (*Allocator, error) {
	if totalFrames < 2 {
		return nil, fmt.Errorf("pfa: need at least 2 frames, got %d", totalFrames)
	}
	arn, err := newArena(totalFrames, PageSize)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		slots: make([]slot, totalFrames),
		arena: arn,
		total: totalFrames,
	}
	// Frame 0 is the permanent shared-zero sentinel: zeroed once, pinned,
	// never placed on the free list. Mirrors mem/dmap.go's Dmap_init,
	// which allocates Zeropg once and Refup's it forever.
	a.zeroIndex = 0
	a.arena.zero(a.zeroIndex)
	a.slots[a.zeroIndex].refcount = 1

	a.freeHead = freeListEnd
	for i := totalFrames - 1; i >= 1; i-- {
		a.slots[i].next = a.freeHead
		a.freeHead = i
		a.freeCount++
	}
	log.Printf("pfa: allocator ready: %d frames (%d allocatable)", totalFrames, a.freeCount)
	return a, nil
}

// Close releases the allocator's backing arena.
func (a *Allocator) Close() error { return a.arena.close() }

// SharedZeroFrame returns the process-wide frame of zeros.
func (a *Allocator) SharedZeroFrame() Frame { return Frame{state: SharedZero, index: a.zeroIndex} }

// LazyCommittedFrame returns the process-wide lazy-commit sentinel.
func (a *Allocator) LazyCommittedFrame() Frame { return Frame{state: LazyCommitted} }

func (a *Allocator) popFreeLocked() (uint32, bool) {
	if a.freeHead == freeListEnd {
		return 0, false
	}
	idx := a.freeHead
	a.freeHead = a.slots[idx].next
	a.freeCount--
	return idx, true
}

func (a *Allocator) pushFreeLocked(idx uint32) {
	a.slots[idx].next = a.freeHead
	a.freeHead = idx
	a.freeCount++
}

// AllocateUserFrame allocates an ordinary frame from the free pool,
// charging nothing against the commit reserve. It reports absence (the
// (value, ok bool) idiom biscuit's factories use) if the pool is exhausted.
func (a *Allocator) AllocateUserFrame(zeroFill bool) (Frame, bool) {
	a.mu.Lock()
	idx, ok := a.popFreeLocked()
	if ok {
		a.slots[idx].refcount = 1
	}
	a.mu.Unlock()
	if !ok {
		return Frame{}, false
	}
	if zeroFill {
		a.arena.zero(idx)
	}
	return Frame{state: Normal, index: idx}, true
}

// AllocateCommittedFrame allocates a frame against a reservation the caller
// already made with Commit. It never fails: a prior successful Commit(n)
// guarantees n frames are available, so a failure here is a contract
// violation (the reservation and the free pool have diverged) and panics
// rather than returning an error — this call is infallible within the
// bounds of that reservation.
func (a *Allocator) AllocateCommittedFrame(zeroFill bool) Frame {
	a.mu.Lock()
	if a.committed <= 0 {
		a.mu.Unlock()
		panic("pfa: AllocateCommittedFrame called without a prior Commit reservation")
	}
	idx, ok := a.popFreeLocked()
	if !ok {
		a.mu.Unlock()
		panic("pfa: committed pool exceeds free pool — commit accounting is broken")
	}
	a.committed--
	a.slots[idx].refcount = 1
	a.mu.Unlock()
	if zeroFill {
		a.arena.zero(idx)
	}
	return Frame{state: Normal, index: idx}
}

// Commit reserves n pages from the global pool. It fails if fewer than n
// pages are currently free and unreserved.
func (a *Allocator) Commit(n int) bool {
	if n < 0 {
		panic("pfa: negative commit")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	avail := int64(a.freeCount) - a.committed
	if int64(n) > avail {
		return false
	}
	a.committed += int64(n)
	return true
}

// Uncommit releases n pages back to the global pool.
func (a *Allocator) Uncommit(n int) {
	if n < 0 {
		panic("pfa: negative uncommit")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed -= int64(n)
	if a.committed < 0 {
		panic("pfa: uncommit exceeds outstanding commit")
	}
}

// Committed reports the number of pages currently reserved but not yet
// allocated, for accounting and testing use.
func (a *Allocator) Committed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// Free reports the number of unreserved, unallocated frames.
func (a *Allocator) Free() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.freeCount) - a.committed
}

// RefUp increments a frame's reference count. Sentinel frames are never
// refcounted (they are never freed), so RefUp on a sentinel is a no-op.
func (a *Allocator) RefUp(f Frame) {
	if f.state != Normal {
		return
	}
	if atomic.AddInt32(&a.slots[f.index].refcount, 1) <= 1 {
		panic("pfa: RefUp on a frame with no prior owner")
	}
}

// RefDown decrements a frame's reference count and returns it to the free
// pool when it reaches zero, reporting whether that happened. Sentinel
// frames are never freed and RefDown on one always reports false.
func (a *Allocator) RefDown(f Frame) bool {
	if f.state != Normal {
		return false
	}
	c := atomic.AddInt32(&a.slots[f.index].refcount, -1)
	if c < 0 {
		panic("pfa: refcount went negative")
	}
	if c != 0 {
		return false
	}
	a.mu.Lock()
	a.pushFreeLocked(f.index)
	a.mu.Unlock()
	return true
}

// Refcount reports a frame's current reference count. SharedZero is
// reported with its permanently pinned count (1); LazyCommitted, having no
// backing frame, reports 0.
func (a *Allocator) Refcount(f Frame) int32 {
	switch f.state {
	case Normal, SharedZero:
		return atomic.LoadInt32(&a.slots[f.index].refcount)
	default:
		return 0
	}
}

// Bytes returns the PAGE_SIZE bytes backing f. It panics for
// LazyCommitted, which by definition has no backing storage yet.
func (a *Allocator) Bytes(f Frame) []byte {
	switch f.state {
	case Normal, SharedZero:
		return a.arena.slice(f.index)
	default:
		panic("pfa: Bytes on a lazy-committed sentinel frame")
	}
}
