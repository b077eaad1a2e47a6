package mm

import "github.com/johnsmith5c12/pranaos/rangealloc"

// TLBShooter performs the actual hardware invalidation FlushRange decides
// is needed. crossCPU distinguishes biscuit's Tlbshoot fast path
// (false: only the calling CPU has pd loaded, a local invalidate
// suffices) from its slow path (true: other CPUs may have pd loaded and
// must be interrupted to invalidate their own TLB). This module has no
// real CPU to interrupt; production integration installs a shooter that
// does, via SetTLBShooter.
type TLBShooter interface {
	ShootdownRange(pd *PageDirectory, r rangealloc.VirtualRange, crossCPU bool)
}

type noopShooter struct{}

func (noopShooter) ShootdownRange(*PageDirectory, rangealloc.VirtualRange, bool) {}
