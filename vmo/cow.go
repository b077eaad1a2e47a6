package vmo

import (
	"log"
	"sync"

	"github.com/johnsmith5c12/pranaos/pfa"
)

// cowPool is the CommittedCowPages pool created on a clone: it tracks how
// many of the cloned pages still owe a copy-or-reclaim decision, and
// carries the frame commitment that backs that decision, so a clone can
// never itself trigger a commit failure at fault time. Shared by pointer
// between the parent and the child VM Object.
type cowPool struct {
	mu          sync.Mutex
	frames      *pfa.Allocator
	outstanding int
}

func newCowPool(frames *pfa.Allocator, n int) *cowPool {
	return &cowPool{frames: frames, outstanding: n}
}

func (p *cowPool) drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding <= 0
}

// returnCredit accounts for a page that turned out not to need a copy (the
// single-sharer reclaim-in-place case): the reservation for it is given
// back to the global commit pool.
func (p *cowPool) returnCredit() {
	p.mu.Lock()
	if p.outstanding <= 0 {
		p.mu.Unlock()
		panic("vmo: cowPool.returnCredit on a drained pool")
	}
	p.outstanding--
	p.mu.Unlock()
	p.frames.Uncommit(1)
}

// consume accounts for a page that does need a copy, and hands back the
// already-reserved frame for it.
func (p *cowPool) consume() pfa.Frame {
	p.mu.Lock()
	if p.outstanding <= 0 {
		p.mu.Unlock()
		panic("vmo: cowPool.consume on a drained pool")
	}
	p.outstanding--
	p.mu.Unlock()
	return p.frames.AllocateCommittedFrame(false)
}

// cowState is the copy-on-write bitmap plus optional pool shared by the
// Anonymous VM Object and the Private Inode VM Object. Every method here
// assumes the owner's lock is already held.
type cowState struct {
	bitmap []bool
	pool   *cowPool
}

func newCowState(n int) *cowState {
	return &cowState{bitmap: make([]bool, n)}
}

func (c *cowState) get(page int) bool { return c.bitmap[page] }

func (c *cowState) set(page int, v bool) { c.bitmap[page] = v }

func (c *cowState) setAll(v bool) {
	for i := range c.bitmap {
		c.bitmap[i] = v
	}
}

func (c *cowState) attachPool(p *cowPool) { c.pool = p }

// resolve implements the four cases a copy-on-write fault can resolve to:
//  1. refcount 1: no one else shares the frame, reclaim it in place.
//  2. refcount >1, a pool exists and page is non-volatile: consume a
//     pre-reserved frame and copy.
//  3. refcount >1, no pool, or page is volatile: allocate fresh (unpooled
//     CoW, e.g. a shared VM Object written by a thread sharing it without
//     a fork-style clone, or a page TryClone never reserved pool credit for
//     because it was volatile at clone time).
//  4. the copy's source read fails: the fault cannot be resolved.
//
// volatile reports whether page currently lies in a volatile purgeable
// range: TryClone's pool-sizing pass excludes volatile pages (see
// Anonymous.TryClone), so consuming pool credit for one here would drift
// the pool's outstanding count out of sync with what was actually reserved.
func (c *cowState) resolve(frames *pfa.Allocator, slots []pfa.Frame, page int, volatile bool) (pfa.Frame, FaultOutcome) {
	cur := slots[page]
	if cur.State() != pfa.Normal {
		panic("vmo: cowState.resolve called on a non-Normal slot")
	}
	// The pool is shared with the other side of the clone, which may have
	// drained it; a drained pool is treated as no pool at all.
	if c.pool != nil && c.pool.drained() {
		c.pool = nil
	}

	if frames.Refcount(cur) == 1 {
		c.bitmap[page] = false
		if c.pool != nil && !volatile {
			c.pool.returnCredit()
			if c.pool.drained() {
				c.pool = nil
			}
		}
		return cur, FaultContinue
	}

	var fresh pfa.Frame
	if c.pool != nil && !volatile {
		fresh = c.pool.consume()
		if c.pool.drained() {
			c.pool = nil
		}
	} else {
		var ok bool
		fresh, ok = frames.AllocateUserFrame(false)
		if !ok {
			return pfa.Frame{}, FaultOutOfMemory
		}
	}

	if err := copyPage(frames.Bytes(fresh), frames.Bytes(cur)); err != nil {
		log.Printf("vmo: cow copy of page %d failed reading its source: %v", page, err)
		frames.RefDown(fresh)
		return pfa.Frame{}, FaultShouldCrash
	}
	frames.RefDown(cur)
	slots[page] = fresh
	c.bitmap[page] = false
	return fresh, FaultContinue
}
