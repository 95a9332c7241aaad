// Package chunk computes the size and alignment arithmetic for the
// on-disk (on-shared-memory) layout of a chunk:
//
//	| ChunkHeader | padding | [UserHeader | padding | offset] Payload ... |
//
// and provides the ChunkHeader type itself plus the pointer conversions
// between a chunk header and the user payload it carries.
package chunk

import (
	"unsafe"

	"github.com/pkg/errors"
)

// offsetT is the fixed-width type of the stored user_payload_offset
// field. required_chunk_size is guaranteed (by Settings.Validate) to
// fit in 32 bits, so a uint32 is large enough to record any valid
// offset.
type offsetT = uint32

const offsetTSize = uint64(unsafe.Sizeof(offsetT(0)))
const offsetTAlign = uint64(unsafe.Alignof(offsetT(0)))

// Header is the fixed-layout prefix of every chunk living in shared
// memory. Every field is a fixed-width integer so the layout is stable
// across processes built from the same module.
type Header struct {
	ChunkSize         uint32
	UserPayloadAlign  uint32
	UserHeaderSize    uint32
	UserHeaderAlign   uint32
	UserPayloadOffset uint32
	// PoolIndex records which pool within the owning MemoryManager this
	// chunk was drawn from, so release can route it back without a
	// second size lookup. -1 means "not yet claimed".
	PoolIndex int32
	UserPayloadSize uint64
}

// HeaderSize and HeaderAlign describe Header's own footprint.
var (
	HeaderSize  = uint64(unsafe.Sizeof(Header{}))
	HeaderAlign = uint64(unsafe.Alignof(Header{}))
)

// Named constants for the common "no user header" / "default payload
// alignment" cases, mirroring the original implementation's
// memory_configs.hpp presets.
const (
	DefaultPayloadAlign = uint64(8)
	NoUserHeaderSize    = uint64(0)
	NoUserHeaderAlign   = uint64(1)
)

// Settings describes the shape of a single chunk request: the user
// payload's size and alignment, and an optional user-header's size and
// alignment.
type Settings struct {
	PayloadSize     uint64
	PayloadAlign    uint64
	UserHeaderSize  uint64
	UserHeaderAlign uint64

	// RequiredChunkSize is computed by Validate and cached here.
	RequiredChunkSize uint64
}

var (
	// ErrInvalidAlignment is returned when an alignment is not a power
	// of two.
	ErrInvalidAlignment = errors.New("chunk: alignment must be a power of two")
	// ErrUserHeaderAlignTooLarge is returned when UserHeaderAlign
	// exceeds HeaderAlign.
	ErrUserHeaderAlignTooLarge = errors.New("chunk: user header alignment exceeds ChunkHeader alignment")
	// ErrUserHeaderSizeMisaligned is returned when UserHeaderSize is not
	// a multiple of UserHeaderAlign.
	ErrUserHeaderSizeMisaligned = errors.New("chunk: user header size is not a multiple of its alignment")
	// ErrChunkTooLarge is returned when the computed required size
	// would not fit in a uint32.
	ErrChunkTooLarge = errors.New("chunk: required chunk size exceeds uint32 range")
)

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Validate checks s's invariants and computes RequiredChunkSize.
func (s *Settings) Validate() error {
	if !isPowerOfTwo(s.PayloadAlign) {
		return errors.Wrap(ErrInvalidAlignment, "payload alignment")
	}
	if s.UserHeaderSize > 0 || s.UserHeaderAlign > 0 {
		if !isPowerOfTwo(s.UserHeaderAlign) {
			return errors.Wrap(ErrInvalidAlignment, "user header alignment")
		}
		if s.UserHeaderAlign > HeaderAlign {
			return ErrUserHeaderAlignTooLarge
		}
		if s.UserHeaderSize%s.UserHeaderAlign != 0 {
			return ErrUserHeaderSizeMisaligned
		}
	}

	// The fixed-distance fast path (no stored recovery offset, header
	// always exactly HeaderSize before the payload) is only valid when
	// there is no user header AND the payload needs no more alignment
	// than the header already provides: a pool's raw chunk start is
	// only guaranteed HeaderAlign bytes aligned, so any PayloadAlign
	// beyond that can still shift the payload away from that fixed
	// distance and needs a stored offset to recover, exactly like the
	// user-header case below.
	var required uint64
	if s.UserHeaderSize == 0 && s.PayloadAlign <= HeaderAlign {
		required = HeaderSize + s.PayloadSize
	} else {
		headerEnd := HeaderSize + s.UserHeaderSize
		prePayload := alignUp(headerEnd, offsetTAlign)
		maxPad := maxU64(offsetTSize, s.PayloadAlign)
		required = prePayload + maxPad + s.PayloadSize
	}

	if required > uint64(^uint32(0)) {
		return ErrChunkTooLarge
	}
	s.RequiredChunkSize = required
	return nil
}

// ConstructHeader initializes a Header in place at the start of a raw
// chunk region of at least s.RequiredChunkSize bytes, and returns a
// pointer to the user payload (not the header). s must already be
// Validate()'d.
func ConstructHeader(chunkStart unsafe.Pointer, s Settings, poolIndex int32) unsafe.Pointer {
	h := (*Header)(chunkStart)
	*h = Header{
		ChunkSize:        uint32(s.RequiredChunkSize),
		UserPayloadSize:  s.PayloadSize,
		UserPayloadAlign: uint32(s.PayloadAlign),
		UserHeaderSize:   uint32(s.UserHeaderSize),
		UserHeaderAlign:  uint32(s.UserHeaderAlign),
		PoolIndex:        poolIndex,
	}

	base := uintptr(chunkStart)

	if s.UserHeaderSize == 0 && s.PayloadAlign <= HeaderAlign {
		payloadAddr := base + uintptr(HeaderSize)
		h.UserPayloadOffset = uint32(payloadAddr - base)
		return unsafe.Pointer(payloadAddr)
	}

	prePayloadAddr := alignUp(uint64(base)+HeaderSize+s.UserHeaderSize, offsetTAlign)
	payloadAddrAbs := alignUp(prePayloadAddr+offsetTSize, s.PayloadAlign)
	payloadAddr := uintptr(payloadAddrAbs)

	offset := uint32(payloadAddr - base)
	h.UserPayloadOffset = offset
	offsetField := (*offsetT)(unsafe.Pointer(payloadAddr - uintptr(offsetTSize)))
	*offsetField = offset

	return unsafe.Pointer(payloadAddr)
}

// FromUserPayload recovers the Header that owns a payload pointer
// previously returned by ConstructHeader, per spec.md §4.7. payloadAlign
// must be the same PayloadAlign the chunk was constructed with: it (and
// hasUserHeader) determine whether ConstructHeader took the fixed-
// distance fast path (header always exactly HeaderSize before the
// payload, no user header and PayloadAlign no larger than HeaderAlign)
// or stored a recovery offset just before the payload, which every
// other combination requires since a pool's raw chunk start is only
// guaranteed HeaderAlign bytes aligned.
func FromUserPayload(payload unsafe.Pointer, hasUserHeader bool, payloadAlign uint64) *Header {
	if !hasUserHeader && payloadAlign <= HeaderAlign {
		return (*Header)(unsafe.Pointer(uintptr(payload) - uintptr(HeaderSize)))
	}
	offsetField := (*offsetT)(unsafe.Pointer(uintptr(payload) - uintptr(offsetTSize)))
	offset := *offsetField
	return (*Header)(unsafe.Pointer(uintptr(payload) - uintptr(offset)))
}

// Payload returns the user payload pointer for a header that has
// already been constructed.
func (h *Header) Payload() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(h.UserPayloadOffset))
}
