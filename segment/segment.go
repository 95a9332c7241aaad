// Package segment implements C9: one shared-memory object bound to one
// mempool MemoryManager, with reader/writer POSIX group access control,
// grounded on the original implementation's memory/segment.hpp.
package segment

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shmipc/shmipc/access"
	"github.com/shmipc/shmipc/aclperm"
	"github.com/shmipc/shmipc/bump"
	"github.com/shmipc/shmipc/mempool"
	"github.com/shmipc/shmipc/relptr"
	"github.com/shmipc/shmipc/shmobj"
	"github.com/shmipc/shmipc/shmuser"
)

// permissions mirrors the original's SEGMENT_PERMISSIONS constant:
// owner rw, group rw, others none.
const permissions = access.Rights(0o660)

// Segment binds a single named shared-memory object to a configured
// mempool.Manager, and records which groups may read or write it.
type Segment struct {
	readerGroup shmuser.Group
	writerGroup shmuser.Group

	obj       *shmobj.Object
	manager   *mempool.Manager
	registry  *relptr.Registry
	segmentID relptr.SegmentID
	size      uint64
}

// Config describes how to build one Segment.
type Config struct {
	Pools       []mempool.PoolConfig
	ReaderGroup shmuser.Group
	WriterGroup shmuser.Group
	Registry    *relptr.Registry // nil uses relptr.Default
	Logger      logrus.FieldLogger
}

// New constructs a Segment per spec.md §4.9:
//  1. compute required chunk memory from the pool configs
//  2. create a PurgeAndCreate shared-memory object named after the
//     writer group, with owner/group rw permissions
//  3. apply POSIX ACLs granting the reader group read access (omitted
//     if reader and writer groups are the same)
//  4. register the mapping with the relative-pointer registry
//  5. build a bump allocator over the mapping and configure the
//     mempool manager
//
// If registration or mempool configuration fails, the steps already
// completed are rolled back in reverse order and no Segment is
// returned. A failure to apply the ACL (step 3) is logged as a warning
// and does not stop construction: the object then carries its
// file-mode permissions only.
func New(cfg Config) (*Segment, error) {
	registry := cfg.Registry
	if registry == nil {
		registry = relptr.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	chunkSize := mempool.RequiredChunkMemorySize(cfg.Pools)
	mgmtSize := mempool.RequiredManagementMemorySize(cfg.Pools)
	totalSize := int64(chunkSize)

	obj, err := shmobj.New(shmobj.Config{
		Name:     access.Name(cfg.WriterGroup),
		OpenMode: access.PurgeAndCreate,
		Access:   access.ReadWrite,
		Size:     totalSize,
		Perms:    permissions,
		ZeroInit: true,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "segment: creating shared memory object")
	}

	if aclErr := applyACL(obj, cfg.ReaderGroup, cfg.WriterGroup); aclErr != nil {
		logger.WithError(aclErr).Warn("segment: failed to apply POSIX ACL, falling back to file-mode permissions only")
	}

	segID, err := registry.Register(obj.Base(), uint64(obj.Size()))
	if err != nil {
		_ = obj.Close()
		return nil, errors.Wrap(err, "segment: registering relative pointer mapping")
	}

	// Bookkeeping memory is ordinary process-local Go memory (it never
	// needs to be visible to other processes, only the chunk storage
	// does); chunk storage is carved directly out of the mapped segment.
	if mgmtSize == 0 {
		mgmtSize = 1
	}
	mgmtMem := make([]byte, mgmtSize)
	mgmtAllocator := bump.New(unsafe.Pointer(&mgmtMem[0]), mgmtSize)
	chunkAllocator := bump.New(obj.Base(), uint64(obj.Size()))

	mgr := mempool.NewManager()
	if err := mgr.Configure(cfg.Pools, mgmtAllocator, chunkAllocator); err != nil {
		registry.Unregister(segID)
		_ = obj.Close()
		return nil, errors.Wrap(err, "segment: configuring mempool manager")
	}

	return &Segment{
		readerGroup: cfg.ReaderGroup,
		writerGroup: cfg.WriterGroup,
		obj:         obj,
		manager:     mgr,
		registry:    registry,
		segmentID:   segID,
		size:        uint64(obj.Size()),
	}, nil
}

func applyACL(obj *shmobj.Object, reader, writer shmuser.Group) error {
	set := aclperm.New(aclperm.PermReadWrite, aclperm.PermReadWrite, aclperm.PermNone)
	if reader != writer && reader != "" {
		gid, err := shmuser.GroupID(reader)
		if err != nil {
			return err
		}
		set.AddGroup(gid, aclperm.PermRead)
		set.WithMask(aclperm.PermReadWrite)
	}
	return set.ApplyToFD(obj.FD())
}

// ReaderGroup returns the group granted read access.
func (s *Segment) ReaderGroup() shmuser.Group { return s.readerGroup }

// WriterGroup returns the group granted read+write access.
func (s *Segment) WriterGroup() shmuser.Group { return s.writerGroup }

// MemoryManager returns the mempool manager backing this segment's
// chunk storage.
func (s *Segment) MemoryManager() *mempool.Manager { return s.manager }

// SegmentID returns the relptr registry id this segment's mapping was
// registered under.
func (s *Segment) SegmentID() relptr.SegmentID { return s.segmentID }

// Size returns the segment's shared-memory object size in bytes.
func (s *Segment) Size() uint64 { return s.size }

// Close tears down the segment's shared-memory object, unlinking it
// (this process always owns segments it creates) and deregistering its
// relative-pointer mapping.
func (s *Segment) Close() error {
	s.registry.Unregister(s.segmentID)
	return s.obj.Close()
}
