//go:build unix

package pfa

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapArena backs frame storage with a single anonymous mmap region, the
// same technique other_examples/google-periph's pmem.Alloc and gvisor's
// pgalloc_linux.go MemoryFile use for a user-space view of "physical"
// memory: one large mapping sliced per frame instead of one allocation per
// page.
type mmapArena struct {
	mem []byte
}

func newArena(totalFrames uint32, pageSize int) (arena, error) {
	size := int(totalFrames) * pageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pfa: mmap arena of %d frames: %w", totalFrames, err)
	}
	return &mmapArena{mem: mem}, nil
}

func (a *mmapArena) slice(index uint32) []byte {
	off := int(index) * PageSize
	return a.mem[off : off+PageSize]
}

func (a *mmapArena) zero(index uint32) {
	b := a.slice(index)
	for i := range b {
		b[i] = 0
	}
}

func (a *mmapArena) close() error {
	return unix.Munmap(a.mem)
}
