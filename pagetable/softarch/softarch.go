// Package softarch is a pure-Go reference implementation of the
// pagetable.Table/Entry interfaces. It flattens a multi-level hardware page
// table into fixed-size blocks of 512 entries — the same fan-out an x86-64
// PML4/PDPT/PD/PT level uses — so EnsureEntry/ReleaseEntry still exercise
// real "allocate a table page on first touch, free it once empty" behavior
// without requiring an actual CPU or assembly.
package softarch

import (
	"sync"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/pfa"
)

// entriesPerBlock mirrors the 512 entries-per-level fan-out of an x86-64
// page table, purely so block math reads the same as the hardware case
// this is standing in for.
const entriesPerBlock = 512

const blockShift = 12 + 9 // page offset bits + log2(entriesPerBlock)

type rawEntry struct {
	present bool
	mapping pagetable.Mapping
}

type block struct {
	tableFrame pfa.Frame
	entries    [entriesPerBlock]rawEntry
	live       int
}

// Table is a software-simulated page table. It requires a pfa.Allocator to
// source frames for its own table-page levels, exactly as a real
// architecture layer's pmap_walk consumes frames from the PFA for
// intermediate page-table pages (biscuit's pmap_walk -> Physmem.Pmap_new).
type Table struct {
	mu       sync.Mutex
	frames   *pfa.Allocator
	features pagetable.Features
	blocks   map[uint64]*block
}

// New creates a Table backed by frames, honoring the given Features (e.g.
// whether the simulated CPU supports NX).
func New(frames *pfa.Allocator, features pagetable.Features) *Table {
	return &Table{
		frames:   frames,
		features: features,
		blocks:   make(map[uint64]*block),
	}
}

func blockID(vaddr uintptr) uint64   { return uint64(vaddr) >> blockShift }
func slotIndex(vaddr uintptr) uint32 { return uint32(uintptr(vaddr)>>12) % entriesPerBlock }

// boundEntry binds one rawEntry slot within a block to the Entry
// interface.
type boundEntry struct {
	t   *Table
	b   *block
	idx uint32
}

func (e *boundEntry) Present() bool { return e.b.entries[e.idx].present }

func (e *boundEntry) Mapping() pagetable.Mapping { return e.b.entries[e.idx].mapping }

func (e *boundEntry) Install(m pagetable.Mapping) {
	if !e.t.features.SupportsNX() {
		m.Executable = true
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	if !e.b.entries[e.idx].present {
		e.b.live++
	}
	e.b.entries[e.idx] = rawEntry{present: true, mapping: m}
}

func (e *boundEntry) Clear() {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	if e.b.entries[e.idx].present {
		e.b.live--
		e.b.entries[e.idx] = rawEntry{}
	}
}

// EnsureEntry lazily instantiates the table level holding vaddr, allocating
// a frame to back it on first touch.
func (t *Table) EnsureEntry(vaddr uintptr) (pagetable.Entry, bool) {
	id := blockID(vaddr)
	t.mu.Lock()
	b, ok := t.blocks[id]
	if !ok {
		t.mu.Unlock()
		f, allocated := t.frames.AllocateUserFrame(true)
		if !allocated {
			return nil, false
		}
		t.mu.Lock()
		if b, ok = t.blocks[id]; !ok {
			b = &block{tableFrame: f}
			t.blocks[id] = b
		} else {
			// another goroutine instantiated this level first; give our
			// frame back.
			t.mu.Unlock()
			t.frames.RefDown(f)
			t.mu.Lock()
		}
	}
	t.mu.Unlock()
	return &boundEntry{t: t, b: b, idx: slotIndex(vaddr)}, true
}

// Lookup returns the Entry for vaddr without instantiating a missing table
// level.
func (t *Table) Lookup(vaddr uintptr) (pagetable.Entry, bool) {
	t.mu.Lock()
	b, ok := t.blocks[blockID(vaddr)]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &boundEntry{t: t, b: b, idx: slotIndex(vaddr)}, true
}

// ReleaseEntry clears the entry at vaddr and, if last is true and the
// table level it lived in is now empty, frees that level's frame back to
// the allocator and drops the level entirely.
func (t *Table) ReleaseEntry(vaddr uintptr, last bool) {
	id := blockID(vaddr)
	t.mu.Lock()
	b, ok := t.blocks[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	(&boundEntry{t: t, b: b, idx: slotIndex(vaddr)}).Clear()

	if !last {
		return
	}
	t.mu.Lock()
	empty := b.live == 0
	if empty {
		delete(t.blocks, id)
	}
	t.mu.Unlock()
	if empty {
		t.frames.RefDown(b.tableFrame)
	}
}
