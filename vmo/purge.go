package vmo

// PurgeableRange is a registered [Start, Start+Count) page span of an
// Anonymous VM Object that the owner has marked as reclaimable while
// volatile — the Go analogue of macOS's VM_PURGABLE / Android's ashmem.
type PurgeableRange struct {
	Start     int
	Count     int
	volatile  bool
	wasPurged bool
}

func (pr *PurgeableRange) contains(page int) bool {
	return page >= pr.Start && page < pr.Start+pr.Count
}

// WasPurged reports whether the kernel reclaimed any page in this range
// since it was last marked non-volatile. The flag is cleared by a
// successful MarkNonVolatile transition.
func (pr *PurgeableRange) WasPurged() bool { return pr.wasPurged }
