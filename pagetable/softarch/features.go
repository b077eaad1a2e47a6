package softarch

// StaticFeatures is a pagetable.Features implementation with a fixed NX
// capability, standing in for Processor::current().has_feature(NX) in a
// process that has no real CPUID to consult.
type StaticFeatures struct {
	NX bool
}

// SupportsNX reports the configured NX capability.
func (f StaticFeatures) SupportsNX() bool { return f.NX }
