package mm

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/johnsmith5c12/pranaos/pagetable"
	"github.com/johnsmith5c12/pranaos/pagetable/softarch"
	"github.com/johnsmith5c12/pranaos/pfa"
	"github.com/johnsmith5c12/pranaos/rangealloc"
	"github.com/johnsmith5c12/pranaos/region"
	"github.com/johnsmith5c12/pranaos/vmo"
)

func newTestFrames(t *testing.T, n uint32) *pfa.Allocator {
	t.Helper()
	f, err := pfa.New(n)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestPD(t *testing.T, m *Manager, frames *pfa.Allocator) *PageDirectory {
	t.Helper()
	table := softarch.New(frames, softarch.StaticFeatures{NX: true})
	userRA, err := rangealloc.New(0x1000, 0x10000, pfa.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	identityRA, err := rangealloc.New(0x100000, 0x10000, pfa.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	return m.NewPageDirectory(table, userRA, identityRA)
}

func TestCommitAccounting(t *testing.T) {
	frames := newTestFrames(t, 32)
	m := NewManager(frames, 2)

	if !m.CommitUserPhysicalPages(4) {
		t.Fatal("commit should succeed with frames available")
	}
	if frames.Committed() != 4 {
		t.Fatalf("committed = %d, want 4", frames.Committed())
	}
	m.UncommitUserPhysicalPages(4)
	if frames.Committed() != 0 {
		t.Fatal("uncommit should release the reservation")
	}
}

func TestHandleFaultDispatchesToOwningRegion(t *testing.T) {
	frames := newTestFrames(t, 32)
	m := NewManager(frames, 2)
	pd := newTestPD(t, m, frames)

	a, ok := vmo.CreateAnonymousWithSize(frames, 1, vmo.Reserve)
	if !ok {
		t.Fatal("CreateAnonymousWithSize failed")
	}
	rng, ok := pd.UserRangeAllocator().Reserve(pfa.PageSize)
	if !ok {
		t.Fatal("reserve failed")
	}
	r, ok := region.TryCreateUser(rng, a, 0, "heap", pagetable.Access{Read: true, Write: true}, true, false)
	if !ok {
		t.Fatal("TryCreateUser failed")
	}
	r.Map(pd, region.FlushImmediate)
	m.RegisterRegion(pd, r)

	outcome := m.HandleFault(pd, rng.Base, region.NotPresent, pagetable.Access{Write: true})
	if outcome != region.FaultContinue {
		t.Fatalf("outcome = %v, want continue", outcome)
	}
}

func TestHandleFaultOutsideAnyRegionCrashes(t *testing.T) {
	frames := newTestFrames(t, 32)
	m := NewManager(frames, 2)
	pd := newTestPD(t, m, frames)

	outcome := m.HandleFault(pd, 0x9999000, region.NotPresent, pagetable.Access{Read: true})
	if outcome != region.FaultShouldCrash {
		t.Fatalf("outcome = %v, want should-crash", outcome)
	}
}

type recordingShooter struct {
	calls []bool // crossCPU per call
}

func (s *recordingShooter) ShootdownRange(pd *PageDirectory, r rangealloc.VirtualRange, crossCPU bool) {
	s.calls = append(s.calls, crossCPU)
}

func TestFlushRangeDistinguishesLocalFromCrossCPU(t *testing.T) {
	frames := newTestFrames(t, 32)
	m := NewManager(frames, 2)
	shooter := &recordingShooter{}
	m.SetTLBShooter(shooter)

	pd1 := newTestPD(t, m, frames)
	m.FlushRange(pd1, rangealloc.VirtualRange{Base: 0x1000, Size: pfa.PageSize})
	if len(shooter.calls) != 1 || shooter.calls[0] {
		t.Fatal("flush with a single PageDirectory in play should be the local fast path")
	}

	_ = newTestPD(t, m, frames)
	m.FlushRange(pd1, rangealloc.VirtualRange{Base: 0x1000, Size: pfa.PageSize})
	if len(shooter.calls) != 2 || !shooter.calls[1] {
		t.Fatal("flush with more than one PageDirectory in play should be cross-CPU")
	}
}

func TestConcurrentZeroFaultsOnSharedPageConverge(t *testing.T) {
	frames := newTestFrames(t, 32)
	m := NewManager(frames, 2)
	pd := newTestPD(t, m, frames)

	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.None)
	rng, ok := pd.UserRangeAllocator().Reserve(pfa.PageSize)
	if !ok {
		t.Fatal("reserve failed")
	}
	r, ok := region.TryCreateUser(rng, a, 0, "shared", pagetable.Access{Read: true, Write: true}, true, true)
	if !ok {
		t.Fatal("TryCreateUser failed")
	}
	r.Map(pd, region.FlushImmediate)
	m.RegisterRegion(pd, r)

	const faulters = 8
	var g errgroup.Group
	for i := 0; i < faulters; i++ {
		g.Go(func() error {
			outcome := m.HandleFault(pd, rng.Base, region.ProtectionViolation, pagetable.Access{Write: true})
			if outcome != region.FaultContinue {
				return errConcurrentFaultFailed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if a.Slot(0).State() != pfa.Normal {
		t.Fatal("the shared page should have materialized exactly one real frame")
	}
}

type concurrentFaultError struct{}

func (concurrentFaultError) Error() string { return "concurrent fault did not resolve" }

var errConcurrentFaultFailed = concurrentFaultError{}
