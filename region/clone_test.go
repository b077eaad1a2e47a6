package region

import (
	"testing"

	"github.com/johnsmith5c12/pranaos/vmo"
)

func TestCloneSharedRegionAliasesSameVMObject(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.AllocateNow)
	rng := newTestRange(t, 1)
	r, _ := TryCreateUser(rng, a, 0, "shared", rw(), true, true)

	child, ok := r.Clone()
	if !ok {
		t.Fatal("Clone failed")
	}
	if child.VMObject() != r.VMObject() {
		t.Fatal("a shared region's clone must alias the same VM Object")
	}
}

func TestClonePrivateRegionDeepCopiesVMObject(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.AllocateNow)
	rng := newTestRange(t, 1)
	r, _ := TryCreateUser(rng, a, 0, "priv", rw(), true, false)

	child, ok := r.Clone()
	if !ok {
		t.Fatal("Clone failed")
	}
	if child.VMObject() == r.VMObject() {
		t.Fatal("a private region's clone must get a distinct VM Object")
	}
	if !a.ShouldCow(0, false) {
		t.Fatal("cloning a private region should mark the parent's page CoW")
	}
}

func TestCloneRemapsParentPTEReadOnly(t *testing.T) {
	frames := newTestFrames(t, 32)
	a, _ := vmo.CreateAnonymousWithSize(frames, 1, vmo.AllocateNow)
	rng := newTestRange(t, 1)
	r, _ := TryCreateUser(rng, a, 0, "priv", rw(), true, false)
	pd := newFakePD(t, frames)

	if !r.Map(pd, FlushImmediate) {
		t.Fatal("Map failed")
	}
	entry, ok := pd.table.Lookup(rng.Base)
	if !ok || !entry.Mapping().Writable {
		t.Fatal("expected the parent's page to be mapped writable before Clone")
	}

	if _, ok := r.Clone(); !ok {
		t.Fatal("Clone failed")
	}

	entry, ok = pd.table.Lookup(rng.Base)
	if !ok || !entry.Present() {
		t.Fatal("Clone must not unmap the parent's page")
	}
	if entry.Mapping().Writable {
		t.Fatal("Clone must remap the parent read-only once TryClone marks the page CoW")
	}
}
