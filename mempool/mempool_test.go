package mempool

import (
	"testing"
	"unsafe"

	"github.com/shmipc/shmipc/bump"
	ipcchunk "github.com/shmipc/shmipc/chunk"
)

func newTestManager(t *testing.T, configs []PoolConfig) (*Manager, *bump.Allocator, *bump.Allocator) {
	t.Helper()
	mgmtBuf := make([]byte, RequiredManagementMemorySize(configs)+4096)
	chunkBuf := make([]byte, RequiredChunkMemorySize(configs)+4096)
	mgmt := bump.New(unsafe.Pointer(&mgmtBuf[0]), uint64(len(mgmtBuf)))
	chunks := bump.New(unsafe.Pointer(&chunkBuf[0]), uint64(len(chunkBuf)))

	m := NewManager()
	if err := m.Configure(configs, mgmt, chunks); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return m, mgmt, chunks
}

// TestMempoolExhaustion mirrors spec.md §8 scenario 3: one pool of
// 128x100, drain it, confirm the 101st claim fails and that releasing
// one chunk makes room for exactly one more claim.
func TestMempoolExhaustion(t *testing.T) {
	configs := []PoolConfig{{ChunkSize: 128, Count: 100}}
	m, _, _ := newTestManager(t, configs)

	settings := ipcchunk.Settings{PayloadSize: 64, PayloadAlign: 8}
	if err := settings.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	chunks := make([]*SharedChunk, 0, 100)
	for i := 0; i < 100; i++ {
		c, err := m.GetChunk(settings)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		chunks = append(chunks, c)
	}

	if _, err := m.GetChunk(settings); err != ErrPoolExhausted {
		t.Fatalf("101st claim: got %v, want ErrPoolExhausted", err)
	}

	if got := m.Pools()[0].UsedCount(); got != 100 {
		t.Fatalf("UsedCount = %d, want 100", got)
	}

	if err := chunks[0].Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := m.Pools()[0].UsedCount(); got != 99 {
		t.Fatalf("UsedCount after release = %d, want 99", got)
	}

	if _, err := m.GetChunk(settings); err != nil {
		t.Fatalf("re-claim after release: %v", err)
	}
	if got := m.Pools()[0].UsedCount(); got != 100 {
		t.Fatalf("UsedCount after re-claim = %d, want 100", got)
	}
}

// TestCrossPoolMissDoesNotConsumeLargerPool mirrors spec.md §8 scenario
// 4: draining the 64-byte pool must not silently fall through to the
// 128-byte pool.
func TestCrossPoolMissDoesNotConsumeLargerPool(t *testing.T) {
	configs := []PoolConfig{
		{ChunkSize: 32, Count: 100},
		{ChunkSize: 64, Count: 100},
		{ChunkSize: 128, Count: 100},
		{ChunkSize: 256, Count: 100},
	}
	m, _, _ := newTestManager(t, configs)

	settings64 := ipcchunk.Settings{PayloadSize: 8, PayloadAlign: 8}
	if err := settings64.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if settings64.RequiredChunkSize > 64 || settings64.RequiredChunkSize <= 32 {
		t.Fatalf("test setup: required size %d must land strictly in the 64-byte pool", settings64.RequiredChunkSize)
	}

	for i := 0; i < 100; i++ {
		if _, err := m.GetChunk(settings64); err != nil {
			t.Fatalf("drain claim %d: %v", i, err)
		}
	}

	if _, err := m.GetChunk(settings64); err != ErrPoolExhausted {
		t.Fatalf("drained 64-byte pool claim: got %v, want ErrPoolExhausted", err)
	}

	if got := m.Pools()[2].UsedCount(); got != 0 {
		t.Fatalf("128-byte pool UsedCount = %d, want 0 (must not be consumed as a fallback)", got)
	}
}

// TestGetChunkNoUserHeaderLargePayloadAlignAcrossChunks mirrors
// spec.md P4 through the primary allocation path: claiming several
// chunks from a pool whose per-chunk stride isn't itself a multiple of
// PayloadAlign makes successive claims alternate between two
// raw-chunk-start residues, neither of which may ever produce a Header() the package
// can't recover from the returned payload.
func TestGetChunkNoUserHeaderLargePayloadAlignAcrossChunks(t *testing.T) {
	const chunkSize = 112 // not a multiple of PayloadAlign below: 112 mod 32 = 16, so successive chunks' raw starts alternate between two residues mod 32, 16 bytes apart
	configs := []PoolConfig{{ChunkSize: chunkSize, Count: 4}}
	m, _, _ := newTestManager(t, configs)

	settings := ipcchunk.Settings{PayloadSize: 16, PayloadAlign: 32}
	if err := settings.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if settings.RequiredChunkSize > chunkSize {
		t.Fatalf("test setup: required size %d must fit in the %d-byte pool", settings.RequiredChunkSize, chunkSize)
	}

	for i := 0; i < 4; i++ {
		c, err := m.GetChunk(settings)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if uintptr(c.Payload())%32 != 0 {
			t.Fatalf("claim %d: payload %p not aligned to 32", i, c.Payload())
		}
		if c.Header().Payload() != c.Payload() {
			t.Fatalf("claim %d: Header().Payload() = %p, want %p", i, c.Header().Payload(), c.Payload())
		}
	}
}
