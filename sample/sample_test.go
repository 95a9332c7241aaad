package sample

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/shmipc/shmipc/bump"
	ipcchunk "github.com/shmipc/shmipc/chunk"
	"github.com/shmipc/shmipc/mempool"
	"github.com/shmipc/shmipc/publisher"
)

func newTestManager(t *testing.T) *mempool.Manager {
	t.Helper()
	configs := []mempool.PoolConfig{{ChunkSize: 128, Count: 4}}
	mgmtBuf := make([]byte, 256)
	chunkBuf := make([]byte, 128*4+int(ipcchunk.HeaderAlign))

	mgr := mempool.NewManager()
	mgmtAlloc := bump.New(unsafe.Pointer(&mgmtBuf[0]), uint64(len(mgmtBuf)))
	chunkAlloc := bump.New(unsafe.Pointer(&chunkBuf[0]), uint64(len(chunkBuf)))
	if err := mgr.Configure(configs, mgmtAlloc, chunkAlloc); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return mgr
}

func TestSampleGetAndPublish(t *testing.T) {
	mgr := newTestManager(t)
	port := publisher.New(mgr)
	port.Offer()

	chunk, err := port.TryAllocateChunk(16, 8, 0, 0)
	require.NoError(t, err)

	s := NewProducer(chunk, port)
	require.False(t, s.IsEmpty(), "freshly loaned sample should not be empty")
	require.NotNil(t, s.Get())

	require.NoError(t, s.Publish())
	require.True(t, s.IsEmpty(), "expected sample to be empty after Publish")

	prev, ok := port.TryGetPreviousChunk()
	require.True(t, ok)
	require.Equal(t, chunk.Header(), prev)
}

func TestSamplePublishTwiceFails(t *testing.T) {
	mgr := newTestManager(t)
	port := publisher.New(mgr)

	chunk, err := port.TryAllocateChunk(16, 8, 0, 0)
	require.NoError(t, err)
	s := NewProducer(chunk, port)

	require.NoError(t, s.Publish())
	require.Equal(t, ErrAlreadyPublished, s.Publish())
}

func TestSampleReleaseOnDropReturnsChunkToPool(t *testing.T) {
	mgr := newTestManager(t)
	port := publisher.New(mgr)

	chunk, err := port.TryAllocateChunk(16, 8, 0, 0)
	require.NoError(t, err)
	pool := mgr.Pools()[0]
	usedBefore := pool.UsedCount()

	s := NewProducer(chunk, port)
	require.NoError(t, s.Release())
	require.Equal(t, usedBefore-1, pool.UsedCount())
	require.True(t, s.IsEmpty(), "expected sample to be empty after Release")
}

func TestConsumerSamplePublishFails(t *testing.T) {
	mgr := newTestManager(t)
	chunk, err := mgr.GetChunk(testSettings())
	require.NoError(t, err)
	s := NewConsumer(chunk)
	require.Equal(t, ErrAlreadyPublished, s.Publish())
	require.NoError(t, s.Release())
}

func testSettings() ipcchunk.Settings {
	s := ipcchunk.Settings{PayloadSize: 16, PayloadAlign: 8}
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}
