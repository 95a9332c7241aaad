package mempool

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/shmipc/shmipc/bump"
	ipcchunk "github.com/shmipc/shmipc/chunk"
)

var (
	// ErrNoMempoolsAvailable is returned by Configure when called with
	// zero pool configs, and by GetChunk if Configure was never called.
	ErrNoMempoolsAvailable = errors.New("mempool: no mempools configured")
	// ErrNoMempoolForRequestedChunkSize is returned by GetChunk when no
	// configured pool's chunk size is large enough.
	ErrNoMempoolForRequestedChunkSize = errors.New("mempool: no pool large enough for requested chunk size")
	// ErrAlreadyConfigured is returned by Configure if called more than
	// once on the same MemoryManager.
	ErrAlreadyConfigured = errors.New("mempool: manager already configured")
	// ErrNotOrdered is returned by Configure when pool configs are not
	// strictly increasing by chunk size.
	ErrNotOrdered = errors.New("mempool: pool configs must be strictly increasing by chunk size, no duplicates")
)

// PoolConfig describes one pool to materialize: chunkSize chunks,
// count of them.
type PoolConfig struct {
	ChunkSize uint64
	Count     uint32
}

// defaultChunkAlign is the alignment every chunk's start address is
// carved out to, matching ipcchunk.HeaderAlign so a ChunkHeader can
// always be constructed in place.
var defaultChunkAlign = ipcchunk.HeaderAlign

// Manager holds an ordered sequence of Pools, strictly increasing by
// chunk size, and selects among them to satisfy chunk requests.
type Manager struct {
	pools       []*Pool
	configured  bool
}

// NewManager returns an unconfigured Manager. Configure must be called
// exactly once before GetChunk is used.
func NewManager() *Manager {
	return &Manager{}
}

// RequiredManagementMemorySize returns the bookkeeping bytes Configure
// will need from mgmtAlloc for the given pool configs (the free-list
// arrays; Pool structs themselves are ordinary Go heap allocations).
func RequiredManagementMemorySize(configs []PoolConfig) uint64 {
	var total uint64
	for _, c := range configs {
		total += uint64(c.Count) * 4 // one uint32 index per chunk slot
	}
	return total
}

// RequiredChunkMemorySize returns the chunk-storage bytes Configure
// will need from chunkAlloc for the given pool configs.
func RequiredChunkMemorySize(configs []PoolConfig) uint64 {
	var total uint64
	for _, c := range configs {
		// Conservatively assume worst-case alignment padding per pool.
		total += c.ChunkSize*uint64(c.Count) + defaultChunkAlign
	}
	return total
}

// Configure materializes one Pool per entry in configs, in order,
// drawing chunk storage from chunkAlloc and (nominal) bookkeeping from
// mgmtAlloc. Configure may be called exactly once.
func (m *Manager) Configure(configs []PoolConfig, mgmtAlloc, chunkAlloc *bump.Allocator) error {
	if m.configured {
		return ErrAlreadyConfigured
	}
	if len(configs) == 0 {
		return ErrNoMempoolsAvailable
	}
	for i := 1; i < len(configs); i++ {
		if configs[i].ChunkSize <= configs[i-1].ChunkSize {
			return ErrNotOrdered
		}
	}

	pools := make([]*Pool, 0, len(configs))
	for _, c := range configs {
		// The free-list bookkeeping is carved from the management
		// allocator even though Pool keeps it as a Go slice today: the
		// allocation call below reserves (and accounts for) the bytes
		// so RequiredManagementMemorySize stays an honest upper bound
		// if Pool's free list moves into shared memory in the future.
		if _, err := mgmtAlloc.Allocate(uint64(c.Count)*4, 4); err != nil {
			return errors.Wrapf(err, "reserving management memory for pool chunkSize=%d", c.ChunkSize)
		}

		base, err := chunkAlloc.Allocate(c.ChunkSize*uint64(c.Count), defaultChunkAlign)
		if err != nil {
			return errors.Wrapf(err, "reserving chunk memory for pool chunkSize=%d", c.ChunkSize)
		}
		pools = append(pools, newPool(c.ChunkSize, c.Count, base))
	}

	m.pools = pools
	m.configured = true
	return nil
}

// GetChunk selects the smallest configured pool whose chunk size is
// >= settings.RequiredChunkSize, claims one chunk from it, and
// constructs a ChunkHeader in place.
func (m *Manager) GetChunk(settings ipcchunk.Settings) (*SharedChunk, error) {
	if !m.configured {
		return nil, ErrNoMempoolsAvailable
	}

	for i, p := range m.pools {
		if p.ChunkSize() < settings.RequiredChunkSize {
			continue
		}
		raw, err := p.getChunk()
		if err != nil {
			return nil, err
		}
		payload := ipcchunk.ConstructHeader(raw, settings, int32(i))
		header := ipcchunk.FromUserPayload(payload, settings.UserHeaderSize > 0, settings.PayloadAlign)
		return newSharedChunk(header, p), nil
	}
	return nil, ErrNoMempoolForRequestedChunkSize
}

// Pools returns the configured pools in ascending chunk-size order, for
// diagnostics and SegmentManager memory-size calculations.
func (m *Manager) Pools() []*Pool {
	return m.pools
}

// Release returns a chunk directly to the pool recorded in its header's
// PoolIndex, bypassing SharedChunk ref-counting. Used by
// publisher.Port.ReleaseChunk which operates on raw *chunk.Header
// values received from subscriber queues.
func (m *Manager) Release(h *ipcchunk.Header) error {
	if !m.configured {
		return ErrNoMempoolsAvailable
	}
	idx := int(h.PoolIndex)
	if idx < 0 || idx >= len(m.pools) {
		return ErrNoMempoolForRequestedChunkSize
	}
	return m.pools[idx].freeChunk(unsafe.Pointer(h))
}
