// Package bump implements a linear (bump-pointer) allocator serving
// aligned sub-regions of a single raw memory block. During
// MemoryManager configuration it carves mempool bookkeeping out of
// process-local memory and chunk storage out of a segment's shared
// mapping.
package bump

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrRequestedZeroSize is returned by Allocate when size == 0.
	ErrRequestedZeroSize = errors.New("bump: requested allocation of zero size")
	// ErrOutOfMemory is returned by Allocate when the block cannot
	// satisfy the (aligned) request.
	ErrOutOfMemory = errors.New("bump: out of memory")
	// ErrInvalidAlignment is returned when align is not a power of two.
	ErrInvalidAlignment = errors.New("bump: alignment must be a power of two")
)

// Allocator is a monotonic allocator over [start, start+length). There
// is no per-allocation free; Deallocate resets the whole block at once.
// Safe for concurrent use.
type Allocator struct {
	start  uintptr
	length uintptr

	mu     sync.Mutex
	cursor uintptr
}

// New creates an Allocator over the memory beginning at start and
// extending for length bytes. The caller retains ownership of that
// memory; the Allocator never frees it.
func New(start unsafe.Pointer, length uint64) *Allocator {
	return &Allocator{start: uintptr(start), length: uintptr(length)}
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Allocate reserves size bytes aligned to align (which must be a power
// of two), advancing the cursor past the returned region. Successive
// calls return strictly increasing addresses.
func (a *Allocator) Allocate(size uint64, align uint64) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrRequestedZeroSize
	}
	if !isPowerOfTwo(align) {
		return nil, ErrInvalidAlignment
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	alignedCursor := alignUp(a.start+a.cursor, uintptr(align)) - a.start
	end := alignedCursor + uintptr(size)
	if end < alignedCursor || end > a.length {
		return nil, ErrOutOfMemory
	}
	a.cursor = end
	return unsafe.Pointer(a.start + alignedCursor), nil
}

// Deallocate resets the cursor to zero, reclaiming the entire block in
// one step. There is no way to free a single allocation.
func (a *Allocator) Deallocate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursor = 0
}

// Used returns the number of bytes currently allocated.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.cursor)
}

// Capacity returns the total size of the underlying block.
func (a *Allocator) Capacity() uint64 {
	return uint64(a.length)
}

// Remaining returns Capacity()-Used().
func (a *Allocator) Remaining() uint64 {
	return a.Capacity() - a.Used()
}
