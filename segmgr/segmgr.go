// Package segmgr implements C10: a registry of Segments and, per user,
// the set of segments that user can reach plus the (at most one)
// segment that user may write to. Grounded on the original
// implementation's memory/segment_manager.hpp.
package segmgr

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/shmipc/shmipc/mempool"
	"github.com/shmipc/shmipc/relptr"
	"github.com/shmipc/shmipc/segment"
	"github.com/shmipc/shmipc/shmuser"
)

// Mapping describes one segment's visibility to a particular user, the
// Go analogue of the original's SegmentMapping.
type Mapping struct {
	Name        string
	Size        uint64
	IsWritable  bool
	SegmentID   relptr.SegmentID
}

// Manager owns a set of Segments, constructed once at startup from a
// list of per-group pool configs, and answers per-user reachability
// queries against it.
type Manager struct {
	segments []*segment.Segment
}

// Entry describes one segment to create under a Manager.
type Entry struct {
	Pools       []mempool.PoolConfig
	ReaderGroup shmuser.Group
	WriterGroup shmuser.Group
}

// New builds one Segment per entry and returns the Manager owning them
// all. If any entry fails to construct, every previously constructed
// segment is closed before returning the error, so a failed New leaks
// no shared-memory objects.
func New(entries []Entry, registry *relptr.Registry) (*Manager, error) {
	m := &Manager{}
	for i, e := range entries {
		seg, err := segment.New(segment.Config{
			Pools:       e.Pools,
			ReaderGroup: e.ReaderGroup,
			WriterGroup: e.WriterGroup,
			Registry:    registry,
		})
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "segmgr: constructing segment %d (writer group %q)", i, e.WriterGroup)
		}
		m.segments = append(m.segments, seg)
	}
	return m, nil
}

// Close tears down every owned segment, best-effort, returning the
// first error encountered (if any) after attempting all of them.
func (m *Manager) Close() error {
	var first error
	for _, seg := range m.segments {
		if err := seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.segments = nil
	return first
}

// SegmentMappingsFor returns, for every segment whose reader or writer
// group contains user, a Mapping describing its visibility.
func (m *Manager) SegmentMappingsFor(user shmuser.User) []Mapping {
	var out []Mapping
	for _, seg := range m.segments {
		isReader := userInGroup(user, seg.ReaderGroup())
		isWriter := userInGroup(user, seg.WriterGroup())
		if !isReader && !isWriter {
			continue
		}
		out = append(out, Mapping{
			Name:       string(seg.WriterGroup()),
			Size:       seg.Size(),
			IsWritable: isWriter,
			SegmentID:  seg.SegmentID(),
		})
	}
	return out
}

// SegmentWithWriteAccessFor returns the MemoryManager of the unique
// segment whose writer group contains user. Per spec.md §9's open
// question, the source does not define behaviour for a user matching
// multiple writer groups; this implementation keeps the source's own
// policy (first match wins) and documents it here rather than treating
// it as an error, since rejecting it outright would be a behaviour
// change the spec does not ask for.
func (m *Manager) SegmentWithWriteAccessFor(user shmuser.User) (*mempool.Manager, relptr.SegmentID, bool) {
	for _, seg := range m.segments {
		if userInGroup(user, seg.WriterGroup()) {
			return seg.MemoryManager(), seg.SegmentID(), true
		}
	}
	return nil, -1, false
}

func userInGroup(user shmuser.User, group shmuser.Group) bool {
	return user.IsMember(group)
}

// EnumerateAll runs fn once per owned segment, bounded to at most
// maxConcurrency concurrent invocations via a weighted semaphore. This
// is an in-process fan-out helper only (diagnostics / introspection
// style enumeration across many segments); it has no relation to the
// inter-process UnnamedSemaphore the fabric's publisher/subscriber path
// uses, which must live inside shared memory and therefore cannot be
// built on golang.org/x/sync/semaphore.
func (m *Manager) EnumerateAll(ctx context.Context, maxConcurrency int64, fn func(*segment.Segment) error) error {
	sem := semaphore.NewWeighted(maxConcurrency)
	errs := make(chan error, len(m.segments))

	for _, seg := range m.segments {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(s *segment.Segment) {
			defer sem.Release(1)
			errs <- fn(s)
		}(seg)
	}

	if err := sem.Acquire(ctx, maxConcurrency); err != nil {
		return err
	}
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RequiredManagementMemorySize sums the per-segment management memory
// requirement across every entry.
func RequiredManagementMemorySize(entries []Entry) uint64 {
	var total uint64
	for _, e := range entries {
		total += mempool.RequiredManagementMemorySize(e.Pools)
	}
	return total
}

// RequiredChunkMemorySize sums the per-segment chunk memory requirement
// across every entry.
func RequiredChunkMemorySize(entries []Entry) uint64 {
	var total uint64
	for _, e := range entries {
		total += mempool.RequiredChunkMemorySize(e.Pools)
	}
	return total
}

// RequiredFullMemorySize is the sum of management and chunk memory
// across every entry.
func RequiredFullMemorySize(entries []Entry) uint64 {
	return RequiredManagementMemorySize(entries) + RequiredChunkMemorySize(entries)
}
