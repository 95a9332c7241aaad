// Package shmobj implements the lifecycle of a single named POSIX
// shared-memory object: open-or-create, truncate-to-size, map, optional
// SIGBUS-guarded zero-init, and teardown. It is the module's C4
// component, grounded on the teacher's shm.go (open/attach/detach/close
// lifecycle shape) but rebuilt on golang.org/x/sys/unix's POSIX
// shm_open/mmap primitives instead of SysV shmget/shmat, since the rest
// of the fabric (relptr, chunk, mempool) all assume mmap-style
// fixed-address-per-process mappings rather than shmid-indexed SysV
// segments.
package shmobj

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shmipc/shmipc/access"
	"github.com/shmipc/shmipc/oscall"
	"github.com/shmipc/shmipc/sigguard"
)

// ErrorKind enumerates every failure this package reports, mirroring
// spec.md §4.4's construction error taxonomy.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorEmptyName
	ErrorInvalidFileName
	ErrorInsufficientPermissions
	ErrorDoesExist
	ErrorDoesNotExist
	ErrorProcessOpenFilesLimit
	ErrorSystemOpenFilesLimit
	ErrorNotEnoughMemory
	ErrorRequestedMemoryExceedsMax
	ErrorPathIsDirectory
	ErrorTooManySymlinks
	ErrorNoResizeSupport
	ErrorInvalidFileDescriptor
	ErrorIncompatibleOpenAndAccessMode
	ErrorMappingFailed
	ErrorRequestedSizeExceedsActualSize
	ErrorUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorEmptyName:
		return "EmptyName"
	case ErrorInvalidFileName:
		return "InvalidFileName"
	case ErrorInsufficientPermissions:
		return "InsufficientPermissions"
	case ErrorDoesExist:
		return "DoesExist"
	case ErrorDoesNotExist:
		return "DoesNotExist"
	case ErrorProcessOpenFilesLimit:
		return "ProcessOpenFilesLimit"
	case ErrorSystemOpenFilesLimit:
		return "SystemOpenFilesLimit"
	case ErrorNotEnoughMemory:
		return "NotEnoughMemory"
	case ErrorRequestedMemoryExceedsMax:
		return "RequestedMemoryExceedsMax"
	case ErrorPathIsDirectory:
		return "PathIsDirectory"
	case ErrorTooManySymlinks:
		return "TooManySymlinks"
	case ErrorNoResizeSupport:
		return "NoResizeSupport"
	case ErrorInvalidFileDescriptor:
		return "InvalidFileDescriptor"
	case ErrorIncompatibleOpenAndAccessMode:
		return "IncompatibleOpenAndAccessMode"
	case ErrorMappingFailed:
		return "MappingFailed"
	case ErrorRequestedSizeExceedsActualSize:
		return "RequestedSizeExceedsActualSize"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind with the underlying errno, when one exists.
type Error struct {
	Kind  ErrorKind
	Errno unix.Errno
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return "shmobj: " + e.Kind.String() + ": " + e.Errno.Error()
	}
	return "shmobj: " + e.Kind.String()
}

func classifyOpenErrno(errno unix.Errno) ErrorKind {
	switch errno {
	case unix.EACCES, unix.EPERM:
		return ErrorInsufficientPermissions
	case unix.EEXIST:
		return ErrorDoesExist
	case unix.ENOENT:
		return ErrorDoesNotExist
	case unix.EMFILE:
		return ErrorProcessOpenFilesLimit
	case unix.ENFILE:
		return ErrorSystemOpenFilesLimit
	case unix.EISDIR:
		return ErrorPathIsDirectory
	case unix.ELOOP:
		return ErrorTooManySymlinks
	case unix.ENAMETOOLONG, unix.EINVAL:
		return ErrorInvalidFileName
	default:
		return ErrorUnknown
	}
}

// Object is a mapped POSIX shared-memory object: a file descriptor
// obtained from shm_open, resized with ftruncate, and mapped with mmap.
// Construction follows spec.md §4.4's non-destructible-until-complete
// pattern: New only returns a usable *Object once every step
// (open, truncate, size verification, map, optional zero-init) has
// succeeded; any failure along the way tears down whatever was already
// created and returns nil.
type Object struct {
	name        access.Name
	fd          int
	size        int64
	mode        access.Mode
	data        []byte
	isOwner     bool // true if this process created (and should unlink) the object
	destructible bool
}

// Config describes how to construct an Object.
type Config struct {
	Name      access.Name
	OpenMode  access.OpenMode
	Access    access.Mode
	Size      int64
	Perms     access.Rights
	// ZeroInit requests that newly-truncated memory be explicitly
	// zeroed (under a SIGBUS guard) rather than relying on the kernel's
	// own zero-fill-on-extend behaviour, matching spec.md §4.4 step 7.
	ZeroInit bool
	Logger   logrus.FieldLogger
}

func openFlags(om access.OpenMode, mode access.Mode) (int, error) {
	if mode == access.ReadOnly && om.IsCreating() {
		return 0, &Error{Kind: ErrorIncompatibleOpenAndAccessMode}
	}

	var flag int
	switch mode {
	case access.ReadOnly:
		flag = unix.O_RDONLY
	case access.ReadWrite, access.WriteOnly:
		flag = unix.O_RDWR
	default:
		return 0, &Error{Kind: ErrorIncompatibleOpenAndAccessMode}
	}

	switch om {
	case access.ExclusiveCreate:
		flag |= unix.O_CREAT | unix.O_EXCL
	case access.PurgeAndCreate:
		flag |= unix.O_CREAT
	case access.OpenOrCreate:
		// First attempted as O_CREAT|O_EXCL; on EEXIST openObject
		// retries with the OpenExisting flag set instead.
		flag |= unix.O_CREAT | unix.O_EXCL
	case access.OpenExisting:
		// no O_CREAT
	}
	return flag, nil
}

// openObject opens path with cfg's requested mode, returning the fd and
// whether this call created the object. OpenOrCreate implements
// spec.md §4.4 step 3's attempt/retry: first try O_CREAT|O_EXCL, and on
// EEXIST retry as a plain open of the pre-existing object so this
// process never mistakenly claims ownership (and never ftruncates)
// something another process created.
func openObject(path string, cfg Config, flags int, perm uint32, logger logrus.FieldLogger) (fd int, didCreate bool, err error) {
	call := oscall.New("shm_open", func() (uintptr, unix.Errno) {
		fd, errno := shmOpen(path, flags, perm)
		return uintptr(fd), errno
	}).WithLogger(logger).ExpectFailure(^uintptr(0))

	res, callErr := call.Evaluate()
	if callErr == nil {
		return int(res.Value), cfg.OpenMode.IsCreating(), nil
	}

	if cfg.OpenMode != access.OpenOrCreate || res.Errno != unix.EEXIST {
		return 0, false, &Error{Kind: classifyOpenErrno(res.Errno), Errno: res.Errno}
	}

	existingFlags, flagErr := openFlags(access.OpenExisting, cfg.Access)
	if flagErr != nil {
		return 0, false, flagErr
	}
	retry := oscall.New("shm_open", func() (uintptr, unix.Errno) {
		fd, errno := shmOpen(path, existingFlags, perm)
		return uintptr(fd), errno
	}).WithLogger(logger).ExpectFailure(^uintptr(0))

	res, retryErr := retry.Evaluate()
	if retryErr != nil {
		return 0, false, &Error{Kind: classifyOpenErrno(res.Errno), Errno: res.Errno}
	}
	return int(res.Value), false, nil
}

// New constructs (or opens) a shared-memory object per cfg, following
// spec.md §4.4 steps 1-8:
//  1. validate the name
//  2. if PurgeAndCreate, unlink any existing instance first
//  3. shm_open with flags derived from OpenMode/Access
//  4. if creating, ftruncate to cfg.Size
//  5. fstat and verify the resulting size is >= cfg.Size (OpenExisting
//     against a too-small pre-existing object is an error, not a
//     silent truncation)
//  6. mmap the full size
//  7. if cfg.ZeroInit and this call created the object, zero the
//     mapping under a SIGBUS guard
//  8. mark the Object destructible
func New(cfg Config) (*Object, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.Name == "" {
		return nil, &Error{Kind: ErrorEmptyName}
	}
	if err := cfg.Name.Validate(); err != nil {
		return nil, &Error{Kind: ErrorInvalidFileName}
	}
	if cfg.Size < 0 {
		return nil, &Error{Kind: ErrorRequestedMemoryExceedsMax}
	}

	path := cfg.Name.Path()

	if cfg.OpenMode == access.PurgeAndCreate {
		_ = unix.Unlink("/dev/shm" + path) // best-effort; ENOENT is fine
	}

	flags, err := openFlags(cfg.OpenMode, cfg.Access)
	if err != nil {
		return nil, err
	}

	var perm uint32 = 0600
	if cfg.Perms != 0 && !cfg.Perms.IsUnknown() {
		perm = cfg.Perms.Perm()
	}

	// shm_open returns the fd (>=0) on success and -1 on failure; -1 as
	// a uintptr is the one value ExpectFailure needs to reject.
	// didCreate reflects what actually happened, not merely what
	// cfg.OpenMode requested: OpenOrCreate may fall back to opening a
	// pre-existing object (see openObject), in which case this process
	// does not own it.
	fd, didCreate, err := openObject(path, cfg, flags, perm, logger)
	if err != nil {
		return nil, err
	}

	obj := &Object{name: cfg.Name, fd: fd, mode: cfg.Access, isOwner: didCreate}

	if didCreate {
		if err := unix.Ftruncate(fd, cfg.Size); err != nil {
			obj.closeFD()
			_ = unix.Unlink("/dev/shm" + path)
			return nil, classifyTruncateError(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		obj.closeFD()
		if didCreate {
			_ = unix.Unlink("/dev/shm" + path)
		}
		return nil, &Error{Kind: ErrorInvalidFileDescriptor, Errno: err.(unix.Errno)}
	}
	if st.Size < cfg.Size {
		obj.closeFD()
		if didCreate {
			_ = unix.Unlink("/dev/shm" + path)
		}
		return nil, &Error{Kind: ErrorRequestedSizeExceedsActualSize}
	}
	obj.size = st.Size

	prot := mmapProt(cfg.Access)
	data, err := unix.Mmap(fd, 0, int(obj.size), prot, unix.MAP_SHARED)
	if err != nil {
		obj.closeFD()
		if didCreate {
			_ = unix.Unlink("/dev/shm" + path)
		}
		return nil, &Error{Kind: ErrorMappingFailed, Errno: err.(unix.Errno)}
	}
	obj.data = data

	if cfg.ZeroInit && didCreate {
		if guardErr := sigguard.Run(func() {
			for i := range obj.data {
				obj.data[i] = 0
			}
		}); guardErr != nil {
			_ = obj.tearDown()
			_ = unix.Unlink("/dev/shm" + path)
			return nil, errors.Wrap(guardErr, "shmobj: zero-init faulted")
		}
	}

	obj.destructible = true
	return obj, nil
}

func classifyTruncateError(err error) error {
	errno, _ := err.(unix.Errno)
	switch errno {
	case unix.ENOSPC:
		return &Error{Kind: ErrorNotEnoughMemory, Errno: errno}
	case unix.EINVAL:
		return &Error{Kind: ErrorNoResizeSupport, Errno: errno}
	default:
		return &Error{Kind: ErrorUnknown, Errno: errno}
	}
}

func mmapProt(mode access.Mode) int {
	switch mode {
	case access.ReadOnly:
		return unix.PROT_READ
	case access.WriteOnly:
		return unix.PROT_WRITE
	default:
		return unix.PROT_READ | unix.PROT_WRITE
	}
}

func (o *Object) closeFD() {
	if o.fd >= 0 {
		_ = unix.Close(o.fd)
		o.fd = -1
	}
}

// Base returns a pointer to the start of the mapping.
func (o *Object) Base() unsafe.Pointer {
	if len(o.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&o.data[0])
}

// Size returns the mapping's size in bytes.
func (o *Object) Size() int64 { return o.size }

// Bytes exposes the mapping as a byte slice for callers (such as bump
// allocators) that prefer slice indexing over raw pointer arithmetic.
func (o *Object) Bytes() []byte { return o.data }

// Name returns the object's POSIX name.
func (o *Object) Name() access.Name { return o.name }

// FD returns the underlying file descriptor, for callers (such as
// aclperm) that need to apply fd-scoped metadata like extended
// attributes. The descriptor remains owned by the Object; callers must
// not close it.
func (o *Object) FD() int { return o.fd }

// IsOwner reports whether this process created (rather than merely
// opened) the underlying object, and is therefore responsible for
// unlinking it on teardown.
func (o *Object) IsOwner() bool { return o.isOwner }

func (o *Object) tearDown() error {
	var first error
	if o.data != nil {
		if err := unix.Munmap(o.data); err != nil && first == nil {
			first = err
		}
		o.data = nil
	}
	o.closeFD()
	return first
}

// Close unmaps the object and closes its descriptor. If this process
// owns the object (created rather than merely opened it), Close also
// unlinks it so the name is released once the last mapping closes.
func (o *Object) Close() error {
	if !o.destructible {
		return nil
	}
	err := o.tearDown()
	if o.isOwner {
		if unlinkErr := unix.Unlink("/dev/shm" + o.name.Path()); unlinkErr != nil && err == nil {
			err = unlinkErr
		}
	}
	o.destructible = false
	return err
}

// Unlink removes the object's name from the filesystem namespace
// without affecting any existing mappings (matching shm_unlink(3)
// semantics: already-open references stay valid until the last one
// closes).
func Unlink(name access.Name) error {
	if err := unix.Unlink("/dev/shm" + name.Path()); err != nil {
		return &Error{Kind: classifyOpenErrno(err.(unix.Errno)), Errno: err.(unix.Errno)}
	}
	return nil
}

// Exists reports whether a shared-memory object with the given name
// currently exists.
func Exists(name access.Name) bool {
	var st unix.Stat_t
	return unix.Stat("/dev/shm"+name.Path(), &st) == nil
}
