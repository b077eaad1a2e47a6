package region

import "github.com/johnsmith5c12/pranaos/vmo"

// Clone implements fork's per-Region half of address-space duplication. A
// Shared Region's clone maps the same VM Object directly — every mapper of
// a shared region genuinely shares one VM Object, so there is nothing to
// copy. A private Region's clone calls the VM Object's own TryClone, which
// performs the CoW bookkeeping, and maps the result instead.
//
// The caller is responsible for installing the returned Region into the
// child address space's PageDirectory (Map); Clone itself decides which VM
// Object the child maps, builds the Region value around it, and on the
// private path remaps the parent Region.
func (r *Region) Clone() (*Region, bool) {
	r.mu.Lock()
	obj := r.vmo
	rng := r.Range
	offset := r.OffsetPages
	name := r.Name
	access := r.access
	cacheable := r.Cacheable
	shared := r.Shared
	tags := r.Tags
	kernel := r.kernel
	r.mu.Unlock()

	var childObj vmo.Object
	if shared {
		childObj = obj
	} else {
		clone, ok := obj.TryClone()
		if !ok {
			return nil, false
		}
		childObj = clone
		// TryClone just marked the parent's shared pages CoW; the parent's
		// already-installed PTEs are still writable until remapped, which
		// would let it write straight through to a frame the child now
		// also points at. Remap before the child can be observed.
		if !r.Remap() {
			return nil, false
		}
	}

	child, ok := tryCreate(rng, childObj, offset, name, access, cacheable, shared, kernel)
	if !ok {
		return nil, false
	}
	child.Tags = tags
	return child, true
}
