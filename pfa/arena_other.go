//go:build !unix

package pfa

// heapArena is the portable fallback arena for platforms without unix mmap
// (e.g. Windows). Semantically identical to mmapArena; only the backing
// allocation differs.
type heapArena struct {
	mem []byte
}

func newArena(totalFrames uint32, pageSize int) (arena, error) {
	return &heapArena{mem: make([]byte, int(totalFrames)*pageSize)}, nil
}

func (a *heapArena) slice(index uint32) []byte {
	off := int(index) * PageSize
	return a.mem[off : off+PageSize]
}

func (a *heapArena) zero(index uint32) {
	b := a.slice(index)
	for i := range b {
		b[i] = 0
	}
}

func (a *heapArena) close() error {
	a.mem = nil
	return nil
}
