// Package sample implements C12: a scoped, unique owner of a loaned
// chunk. A Sample releases its chunk back to the pool when dropped
// unless Publish was called first, which instead transfers ownership to
// the backing publisher.Port and sends it. Grounded on the original
// implementation's publisher_interface.hpp/base_publisher.hpp Sample
// type.
package sample

import (
	"unsafe"

	"github.com/pkg/errors"

	ipcchunk "github.com/shmipc/shmipc/chunk"
	"github.com/shmipc/shmipc/mempool"
	"github.com/shmipc/shmipc/publisher"
)

// ErrAlreadyPublished is returned by Publish when called on a Sample
// that has already been published or was never holding a chunk (spec.md
// §9 records this as an open question — the original logs but does not
// return an error; this module chooses to surface it as an explicit
// result, consistent with §7's "every fallible operation returns a
// result" policy).
var ErrAlreadyPublished = errors.New("sample: publish called on an empty sample")

// Sample is the unique owner of at most one claimed chunk.
type Sample struct {
	chunk *mempool.SharedChunk
	port  *publisher.Port // nil for a consumer-side Sample
}

// NewProducer constructs a producer-side Sample wrapping chunk, whose
// eventual Publish (or drop-without-publish release) goes through port.
func NewProducer(chunk *mempool.SharedChunk, port *publisher.Port) *Sample {
	return &Sample{chunk: chunk, port: port}
}

// NewConsumer constructs a consumer-side Sample: it owns chunk but has
// no port, so Publish is never valid and a drop always releases.
func NewConsumer(chunk *mempool.SharedChunk) *Sample {
	return &Sample{chunk: chunk}
}

// IsEmpty reports whether this Sample currently owns a chunk.
func (s *Sample) IsEmpty() bool { return s.chunk == nil }

// Get returns the payload pointer, or nil if the Sample is empty.
func (s *Sample) Get() unsafe.Pointer {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Payload()
}

// GetUserHeader returns a pointer to the user header region, or nil if
// the Sample is empty or its chunk was constructed without one.
func (s *Sample) GetUserHeader() unsafe.Pointer {
	if s.chunk == nil {
		return nil
	}
	h := s.chunk.Header()
	if h.UserHeaderSize == 0 {
		return nil
	}
	// The user header sits directly before the payload offset field (if
	// present) or directly before the payload itself; its address is
	// payload - payload_offset + sizeof(ChunkHeader), i.e. immediately
	// after the fixed ChunkHeader prefix.
	base := uintptr(unsafe.Pointer(h)) + uintptr(ipcchunk.HeaderSize)
	return unsafe.Pointer(base)
}

// GetChunkHeader returns the backing ChunkHeader, or nil if empty.
func (s *Sample) GetChunkHeader() *ipcchunk.Header {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Header()
}

// Publish transfers ownership of the held chunk to the port (which
// sends it to subscribers and history) and empties the Sample. Publish
// is producer-side only and requires the Sample to be non-empty.
func (s *Sample) Publish() error {
	if s.chunk == nil || s.port == nil {
		return ErrAlreadyPublished
	}
	header := s.chunk.Header()
	s.port.SendChunk(header)
	// The port now owns the chunk; release our SharedChunk reference
	// without returning it to the pool (the port's history/subscriber
	// queues hold the authoritative reference until release_chunk is
	// called downstream).
	s.chunk = nil
	return nil
}

// Release drops ownership of the held chunk, returning it to its pool
// if this was the last outstanding reference. It is equivalent to what
// happens automatically when a Sample goes out of scope in the
// original's RAII model; Go has no destructors, so callers that do not
// Publish must call Release explicitly (typically via defer) to avoid
// leaking the chunk.
func (s *Sample) Release() error {
	if s.chunk == nil {
		return nil
	}
	err := s.chunk.Release()
	s.chunk = nil
	return err
}
