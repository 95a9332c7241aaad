// Package mempool implements the fixed-size chunk pools and the
// MemoryManager that selects among them, plus the reference-counted
// SharedChunk handle claimed chunks are returned to callers as.
package mempool

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted is returned by GetChunk when a pool has no free
	// chunks left. Per spec.md §4.8, the MemoryManager never promotes
	// this request to a larger pool.
	ErrPoolExhausted = errors.New("mempool: pool out of chunks")
	// ErrNotOwned is returned by freeChunk when the given pointer does
	// not belong to this pool's chunk storage.
	ErrNotOwned = errors.New("mempool: pointer does not belong to this pool")
)

// Pool is a fixed-size-chunk free list over a contiguous chunk storage
// region. The free list itself is a LIFO stack of chunk indices kept in
// a slice guarded by a mutex: spec.md §9 leaves the exact concurrency
// discipline of the free list unspecified (atomic-CAS vs. serialized);
// this module picks a single mutex, which keeps the P5 conservation
// invariant trivially true under any interleaving of getChunk and
// freeChunk from arbitrary threads, at the cost of not being lock-free.
type Pool struct {
	chunkSize uint64
	base      unsafe.Pointer

	mu       sync.Mutex
	free     []uint32
	count    uint32
	usedCnt  uint32
	minFree  uint32
}

// newPool constructs a Pool over count chunks of chunkSize bytes each,
// starting at base. Every chunk index begins free.
func newPool(chunkSize uint64, count uint32, base unsafe.Pointer) *Pool {
	free := make([]uint32, count)
	for i := range free {
		free[i] = uint32(i)
	}
	return &Pool{
		chunkSize: chunkSize,
		base:      base,
		free:      free,
		count:     count,
		minFree:   count,
	}
}

// ChunkSize returns the fixed size of chunks served by this pool.
func (p *Pool) ChunkSize() uint64 { return p.chunkSize }

// ChunkCount returns the total number of chunks this pool manages.
func (p *Pool) ChunkCount() uint32 { return p.count }

// UsedCount returns the number of chunks currently claimed.
func (p *Pool) UsedCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedCnt
}

// FreeCount returns the number of chunks currently available.
func (p *Pool) FreeCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.free))
}

// MinFreeCount returns the historic low-water mark of free chunks.
func (p *Pool) MinFreeCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minFree
}

// getChunk claims one chunk, returning its raw start address.
func (p *Pool) getChunk() (unsafe.Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	top := len(p.free) - 1
	idx := p.free[top]
	p.free = p.free[:top]
	p.usedCnt++
	if uint32(len(p.free)) < p.minFree {
		p.minFree = uint32(len(p.free))
	}
	return unsafe.Add(p.base, uintptr(idx)*uintptr(p.chunkSize)), nil
}

// freeChunk returns a previously claimed chunk to the pool.
func (p *Pool) freeChunk(ptr unsafe.Pointer) error {
	offset := uintptr(ptr) - uintptr(p.base)
	if offset%uintptr(p.chunkSize) != 0 {
		return ErrNotOwned
	}
	idx := uint32(offset / uintptr(p.chunkSize))
	if idx >= p.count {
		return ErrNotOwned
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, idx)
	p.usedCnt--
	return nil
}

// owns reports whether ptr falls within this pool's chunk storage.
func (p *Pool) owns(ptr unsafe.Pointer) bool {
	offset := uintptr(ptr) - uintptr(p.base)
	return offset < uintptr(p.count)*uintptr(p.chunkSize)
}
