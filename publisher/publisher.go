// Package publisher implements C11: the publisher port's offer state
// machine, chunk allocation/release, and send path (subscriber delivery
// plus a bounded history), grounded on the original implementation's
// entity/publisher_port_user.cc and entity/base_publisher.hpp.
package publisher

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	ipcchunk "github.com/shmipc/shmipc/chunk"
	"github.com/shmipc/shmipc/mempool"
)

// AllocationError enumerates try_allocate_chunk's failure modes.
type AllocationError int

const (
	AllocationErrorNone AllocationError = iota
	AllocationErrorRunningOutOfChunks
	AllocationErrorInvalidChunkSettings
)

func (e AllocationError) Error() string {
	switch e {
	case AllocationErrorRunningOutOfChunks:
		return "publisher: running out of chunks"
	case AllocationErrorInvalidChunkSettings:
		return "publisher: invalid chunk settings"
	default:
		return "publisher: unknown allocation error"
	}
}

// defaultHistoryCapacity mirrors the original's default history depth
// for fields/late-joiner semantics where no explicit capacity is given.
const defaultHistoryCapacity = 4

// Queue is the delivery endpoint a subscriber exposes to a Port. A real
// subscriber would implement this over a shared-memory SPSC ring
// addressed by relptr.Pointer (explicitly out of this module's scope
// per spec.md §1, which lists "SPSC queue sketches" as an external
// collaborator); Port only depends on this narrow push contract, so
// tests and in-process subscribers can satisfy it directly with a Go
// channel.
type Queue interface {
	// Push delivers h to the subscriber. A full or closed queue must
	// return an error but must never block the publisher: per spec.md
	// §4.11, a slow subscriber misses samples rather than stalling send.
	Push(h *ipcchunk.Header) error
}

// Port is the send-side state machine: offer/stopOffer, chunk
// allocation via a MemoryManager, send-with-history, and subscriber
// delivery.
type Port struct {
	id      uuid.UUID
	manager *mempool.Manager

	offeringRequested atomic.Bool

	mu         sync.Mutex
	history    []*ipcchunk.Header
	historyCap int
	subscribers map[uuid.UUID]Queue
}

// New returns a Port backed by manager for chunk allocation, with
// offering initially false (NotOffered), matching the original's
// default-constructed PublisherPortData.
func New(manager *mempool.Manager) *Port {
	return &Port{
		id:          uuid.New(),
		manager:     manager,
		historyCap:  defaultHistoryCapacity,
		subscribers: make(map[uuid.UUID]Queue),
	}
}

// UniqueID returns the port's identity, distinct from any SegmentID.
func (p *Port) UniqueID() uuid.UUID { return p.id }

// Offer transitions the port to the Offered state. Idempotent.
func (p *Port) Offer() { p.offeringRequested.Store(true) }

// StopOffer transitions the port back to NotOffered. Idempotent.
func (p *Port) StopOffer() { p.offeringRequested.Store(false) }

// IsOffered reports the current offer state.
func (p *Port) IsOffered() bool { return p.offeringRequested.Load() }

// HasSubscribers reports whether any subscriber queue is currently
// attached.
func (p *Port) HasSubscribers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers) > 0
}

// Subscribe attaches q under id, so future SendChunk calls deliver to
// it while the port is offered. Subscriber attachment/detachment in the
// real system is mediated by a process outside this module (RouDi in
// the original); this module exposes the narrow mechanism the port
// itself needs.
func (p *Port) Subscribe(id uuid.UUID, q Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[id] = q
}

// Unsubscribe detaches a previously attached queue. Idempotent.
func (p *Port) Unsubscribe(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, id)
}

// TryAllocateChunk claims a chunk of the requested shape from the
// port's MemoryManager.
func (p *Port) TryAllocateChunk(payloadSize, payloadAlign, userHeaderSize, userHeaderAlign uint64) (*mempool.SharedChunk, error) {
	settings := ipcchunk.Settings{
		PayloadSize:     payloadSize,
		PayloadAlign:    payloadAlign,
		UserHeaderSize:  userHeaderSize,
		UserHeaderAlign: userHeaderAlign,
	}
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(AllocationErrorInvalidChunkSettings, err.Error())
	}

	chunk, err := p.manager.GetChunk(settings)
	if err != nil {
		return nil, AllocationErrorRunningOutOfChunks
	}
	return chunk, nil
}

// ReleaseChunk returns a chunk directly to its owning pool, bypassing
// SharedChunk refcounting; used for chunks that arrived at a subscriber
// (and therefore are represented only by their raw *chunk.Header) being
// handed back to the publisher side's MemoryManager.
func (p *Port) ReleaseChunk(h *ipcchunk.Header) error {
	return p.manager.Release(h)
}

// SendChunk implements spec.md §4.11's send semantics: while offered,
// deliver (release-ordered, via each Queue's own synchronization) to
// every attached subscriber and push to history; while not offered,
// push to history only. Per-subscriber delivery failure (a full or
// detached queue) does not abort delivery to the rest, and never blocks
// the publisher — P11.
func (p *Port) SendChunk(h *ipcchunk.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offeringRequested.Load() {
		for _, q := range p.subscribers {
			_ = q.Push(h)
		}
	}
	p.pushToHistoryLocked(h)
}

func (p *Port) pushToHistoryLocked(h *ipcchunk.Header) {
	if p.historyCap <= 0 {
		return
	}
	p.history = append(p.history, h)
	if len(p.history) > p.historyCap {
		p.history = p.history[len(p.history)-p.historyCap:]
	}
}

// TryGetPreviousChunk returns the most recently sent chunk, if any, for
// field-style (get-current-value) subscriber APIs.
func (p *Port) TryGetPreviousChunk() (*ipcchunk.Header, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return nil, false
	}
	return p.history[len(p.history)-1], true
}

// SetHistoryCapacity changes how many chunks pushToHistory retains.
// Must be called before any SendChunk if a non-default depth is
// required; existing history is truncated to the new capacity.
func (p *Port) SetHistoryCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCap = n
	if n >= 0 && len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
}
