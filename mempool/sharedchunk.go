package mempool

import (
	"sync/atomic"
	"unsafe"

	ipcchunk "github.com/shmipc/shmipc/chunk"
)

// SharedChunk is a reference-counted handle to a claimed chunk. While
// any handle derived from the same claim exists, the chunk is not
// returned to its pool; Release on the last outstanding reference
// reclaims it. Acquire/Release use acquire-release ordering so a
// payload write on one thread happens-before a reader's access after
// observing the released reference, per spec.md §5.
type SharedChunk struct {
	header *ipcchunk.Header
	pool   *Pool
	refs   *int32
}

func newSharedChunk(header *ipcchunk.Header, pool *Pool) *SharedChunk {
	n := int32(1)
	return &SharedChunk{header: header, pool: pool, refs: &n}
}

// Header returns the backing ChunkHeader.
func (c *SharedChunk) Header() *ipcchunk.Header { return c.header }

// Payload returns the user payload pointer.
func (c *SharedChunk) Payload() unsafe.Pointer { return c.header.Payload() }

// Clone increments the reference count and returns a new handle sharing
// ownership of the same chunk.
func (c *SharedChunk) Clone() *SharedChunk {
	atomic.AddInt32(c.refs, 1)
	return &SharedChunk{header: c.header, pool: c.pool, refs: c.refs}
}

// Release decrements the reference count, returning the chunk to its
// pool when the last reference is dropped. Release is not idempotent:
// call it at most once per handle (calling it twice on the same handle
// double-frees, matching the ownership contract of a C++ unique/shared
// pointer deleter).
func (c *SharedChunk) Release() error {
	if atomic.AddInt32(c.refs, -1) == 0 {
		chunkStart := unsafe.Pointer(c.header)
		return c.pool.freeChunk(chunkStart)
	}
	return nil
}

// RefCount returns the current reference count, for diagnostics and
// tests only.
func (c *SharedChunk) RefCount() int32 {
	return atomic.LoadInt32(c.refs)
}
