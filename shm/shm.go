// Package shm exposes a seekable byte-stream view over a POSIX shared
// memory mapping. The teacher package this module started from wrapped
// SysV shared memory (shmget/shmat) through a small cgo shim, offering
// callers a Segment type that satisfied io.Reader, io.Writer and
// io.Seeker over a numeric SHMID. SysV's use here has been supplanted
// for the same reason the teacher's own doc comment called out: POSIX
// shared memory and mmap cover the same ground without a C dependency,
// and the rest of this module (shmobj, segment, mempool) is already
// built on POSIX mappings. This package keeps the teacher's Segment
// shape and io semantics, but wraps a shmobj.Object rather than a
// SysV shmid, so existing diagnostic tooling written against the
// io.Reader/io.Writer/io.Seeker trio keeps working unchanged.
package shm

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/shmipc/shmipc/access"
	"github.com/shmipc/shmipc/shmobj"
)

// Segment is a seekable byte-stream view over one shmobj.Object's
// mapping. It does not assume ownership beyond what the underlying
// Object already tracks: Destroy simply forwards to Object.Close.
type Segment struct {
	obj    *shmobj.Object
	Size   int64
	offset int64
}

// Create allocates a new, uniquely-named POSIX shared-memory mapping
// of the given size (in bytes) and wraps it in a Segment. The size is
// used as given: neither this package nor shmobj.New rounds it to a
// page boundary, so Segment.Size equals size.
func Create(size int) (*Segment, error) {
	name := access.Name(fmt.Sprintf("shm-diag-%s", uuid.New().String()))
	obj, err := shmobj.New(shmobj.Config{
		Name:     name,
		OpenMode: access.PurgeAndCreate,
		Access:   access.ReadWrite,
		Size:     int64(size),
		ZeroInit: true,
	})
	if err != nil {
		return nil, err
	}
	return Open(obj), nil
}

// Open wraps an already-constructed shmobj.Object in a Segment,
// starting the read/write cursor at offset zero.
func Open(obj *shmobj.Object) *Segment {
	return &Segment{obj: obj, Size: obj.Size()}
}

// Read implements io.Reader, reading from the current cursor position
// and advancing it by the number of bytes read.
func (s *Segment) Read(p []byte) (int, error) {
	if s.obj == nil {
		return 0, fmt.Errorf("shm: segment has no backing mapping")
	}
	if s.offset >= s.Size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if length+s.offset > s.Size {
		length = s.Size - s.offset
	}

	n := copy(p[:length], s.obj.Bytes()[s.offset:s.offset+length])
	s.offset += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer, writing at the current cursor position
// and advancing it by the number of bytes written.
func (s *Segment) Write(p []byte) (int, error) {
	if s.obj == nil {
		return 0, fmt.Errorf("shm: segment has no backing mapping")
	}
	if s.offset >= s.Size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if length+s.offset > s.Size {
		length = s.Size - s.offset
	}

	n := copy(s.obj.Bytes()[s.offset:s.offset+length], p[:length])
	s.offset += int64(n)
	return n, nil
}

// Reset rewinds the cursor to the start of the mapping, without
// altering its contents.
func (s *Segment) Reset() {
	s.offset = 0
}

// Seek implements io.Seeker. whence follows the teacher's original
// convention (0 = absolute, 1 = relative to the current position, 2 =
// relative to the end), rather than the io.SeekStart/Current/End
// constants, to keep existing callers working unmodified.
func (s *Segment) Seek(offset int64, whence int) (int64, error) {
	var computed int64

	switch whence {
	case 1:
		computed = s.offset + offset
	case 2:
		computed = s.Size - offset
	default:
		computed = offset
	}

	if computed < 0 {
		return 0, fmt.Errorf("shm: cannot seek to a position before the start of the segment")
	}

	s.offset = computed
	return s.offset, nil
}

// Position returns the current position of the read/write cursor.
func (s *Segment) Position() int64 {
	return s.offset
}

// Destroy tears down the underlying mapping, unlinking it if this
// process owns it.
func (s *Segment) Destroy() error {
	if s.obj == nil {
		return nil
	}
	return s.obj.Close()
}
