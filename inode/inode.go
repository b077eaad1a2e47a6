// Package inode declares the narrow contract the virtual memory subsystem
// needs from the filesystem layer, matching the inbound interface biscuit's
// vm package consumes from fs.Inode_t: read enough bytes to satisfy one
// page's worth of a file-backed fault, nothing more.
package inode

// Reader is satisfied by anything that can serve random-access reads for
// an inode-backed VM Object: a real filesystem inode, or (in tests) a
// fixture backed by an in-memory byte slice.
type Reader interface {
	// ReadBytes reads into buf starting at offset, returning the number
	// of bytes actually read. A short read past end-of-file is not an
	// error; the caller zero-fills the remainder of the page.
	ReadBytes(offset int64, buf []byte) (int, error)
}
