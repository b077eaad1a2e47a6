package pfa

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestSharedZeroFrameIsPinnedAndNeverFreed(t *testing.T) {
	a, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	z := a.SharedZeroFrame()
	if z.State() != SharedZero {
		t.Fatalf("state = %v, want SharedZero", z.State())
	}
	if !z.IsSentinel() {
		t.Fatal("SharedZero should be a sentinel")
	}
	if got := a.RefDown(z); got {
		t.Fatal("RefDown on SharedZero must never report freed")
	}
	for _, b := range a.Bytes(z) {
		if b != 0 {
			t.Fatal("shared-zero frame must read as all zero")
		}
	}
}

func TestLazyCommittedHasNoBackingBytes(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	lc := a.LazyCommittedFrame()
	if lc.State() != LazyCommitted {
		t.Fatalf("state = %v, want LazyCommitted", lc.State())
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Bytes on LazyCommitted should panic")
		}
	}()
	a.Bytes(lc)
}

func TestAllocateUserFrameExhaustion(t *testing.T) {
	a, err := New(3) // 1 reserved for shared-zero, 2 allocatable
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	f1, ok := a.AllocateUserFrame(true)
	if !ok {
		t.Fatal("expected first allocation to succeed")
	}
	f2, ok := a.AllocateUserFrame(true)
	if !ok {
		t.Fatal("expected second allocation to succeed")
	}
	if f1.Equal(f2) {
		t.Fatal("two allocations returned the same frame")
	}
	if _, ok := a.AllocateUserFrame(true); ok {
		t.Fatal("expected allocator to be exhausted")
	}
}

func TestCommitUncommitRoundTrip(t *testing.T) {
	a, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	free0 := a.Free()
	if !a.Commit(3) {
		t.Fatal("commit(3) should succeed with 7 free frames")
	}
	if a.Committed() != 3 {
		t.Fatalf("committed = %d, want 3", a.Committed())
	}
	a.Uncommit(3)
	if a.Committed() != 0 {
		t.Fatalf("committed after uncommit = %d, want 0", a.Committed())
	}
	if a.Free() != free0 {
		t.Fatalf("free = %d, want %d (commit/uncommit must be a no-op on the pool)", a.Free(), free0)
	}
}

func TestCommitFailsWhenPoolExhausted(t *testing.T) {
	a, err := New(4) // 3 allocatable
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if !a.Commit(3) {
		t.Fatal("commit(3) should succeed exactly at capacity")
	}
	if a.Commit(1) {
		t.Fatal("commit beyond the free pool must fail")
	}
}

func TestAllocateCommittedFrameNeverFailsWithinReservation(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if !a.Commit(2) {
		t.Fatal("commit should succeed")
	}
	a.AllocateCommittedFrame(true)
	a.AllocateCommittedFrame(true)
	if a.Committed() != 0 {
		t.Fatalf("committed = %d, want 0 after consuming the reservation", a.Committed())
	}
}

func TestAllocateCommittedFrameWithoutReservationPanics(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling AllocateCommittedFrame without a reservation")
		}
	}()
	a.AllocateCommittedFrame(false)
}

func TestRefcountReturnsFrameToFreeList(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	f, ok := a.AllocateUserFrame(true)
	if !ok {
		t.Fatal("allocation failed")
	}
	a.RefUp(f)
	if rc := a.Refcount(f); rc != 2 {
		t.Fatalf("refcount = %d, want 2", rc)
	}
	if freed := a.RefDown(f); freed {
		t.Fatal("first RefDown should not free (refcount still 1)")
	}
	if freed := a.RefDown(f); !freed {
		t.Fatal("second RefDown should free the frame")
	}

	g, ok := a.AllocateUserFrame(true)
	if !ok {
		t.Fatal("allocation after free should succeed")
	}
	if !g.Equal(f) {
		t.Fatalf("expected the freed frame to be reused; got %v want %v", g, f)
	}
}

// TestConcurrentAllocationNeverDoubleHandsOutAFrame simulates several CPUs
// racing to allocate from the same pool: the race must be tolerated and
// never double-allocate a frame.
func TestConcurrentAllocationNeverDoubleHandsOutAFrame(t *testing.T) {
	const frames = 65
	a, err := New(frames)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	allocatable := int(frames) - 1
	results := make([]Frame, allocatable)
	oks := make([]bool, allocatable)

	var g errgroup.Group
	for i := 0; i < allocatable; i++ {
		i := i
		g.Go(func() error {
			f, ok := a.AllocateUserFrame(true)
			results[i] = f
			oks[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	seen := map[Frame]bool{}
	for i, ok := range oks {
		if !ok {
			t.Fatalf("allocation %d failed even though exactly %d frames were available", i, allocatable)
		}
		if seen[results[i]] {
			t.Fatalf("frame %v handed out twice", results[i])
		}
		seen[results[i]] = true
	}
	if _, ok := a.AllocateUserFrame(true); ok {
		t.Fatal("pool should be fully exhausted after allocatable concurrent allocations")
	}
}
