// Package aclperm applies the per-group POSIX ACL entries a Segment
// needs (writer group rw, reader group r, everyone else nothing)
// without linking libacl: it writes the `system.posix_acl_access`
// extended attribute directly, using the binary layout the kernel's
// acl_to_xattr/xattr_to_acl conversion functions define, grounded on
// the original implementation's utils/acl.hpp (which composes the same
// entry list via `acl_*` and writes it with `acl_set_fd`).
package aclperm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Permission is a 3-bit rwx mask, matching ACL_READ/ACL_WRITE/ACL_EXECUTE.
type Permission uint16

const (
	PermNone  Permission = 0
	PermRead  Permission = 4
	PermWrite Permission = 2
	PermReadWrite Permission = PermRead | PermWrite
)

// Linux's in-kernel/xattr ACL representation (linux/posix_acl_xattr.h).
const (
	aclXattrVersion = 2
	xattrName       = "system.posix_acl_access"

	tagUserObj  = 0x01
	tagUser     = 0x02
	tagGroupObj = 0x04
	tagGroup    = 0x08
	tagMask     = 0x10
	tagOther    = 0x20

	undefinedID = 0xFFFFFFFF
)

type entry struct {
	tag  uint16
	perm Permission
	id   uint32
}

// Set describes the full set of ACL entries to apply to a file. Every
// valid ACL needs exactly one each of UserObj/GroupObj/Other; Mask is
// required whenever any named user/group entry is present.
type Set struct {
	entries []entry
	haveNamedEntry bool
}

// New starts building an ACL with the mandatory owning-user,
// owning-group, and others entries.
func New(ownerPerm, groupPerm, otherPerm Permission) *Set {
	return &Set{entries: []entry{
		{tag: tagUserObj, perm: ownerPerm, id: undefinedID},
		{tag: tagGroupObj, perm: groupPerm, id: undefinedID},
		{tag: tagOther, perm: otherPerm, id: undefinedID},
	}}
}

// AddGroup grants perm to the named group (by gid). Per spec.md §4.9,
// Segment construction omits this entry entirely when the reader and
// writer groups coincide.
func (s *Set) AddGroup(gid uint32, perm Permission) *Set {
	s.entries = append(s.entries, entry{tag: tagGroup, perm: perm, id: gid})
	s.haveNamedEntry = true
	return s
}

// AddUser grants perm to the named user (by uid).
func (s *Set) AddUser(uid uint32, perm Permission) *Set {
	s.entries = append(s.entries, entry{tag: tagUser, perm: perm, id: uid})
	s.haveNamedEntry = true
	return s
}

// ErrMaskRequired is returned by Encode if named user/group entries are
// present without an explicit mask entry having been added.
var ErrMaskRequired = errors.New("aclperm: a mask entry is required when named user/group entries are present")

// WithMask adds the ACL_MASK entry required whenever a named user or
// group entry is present; it caps the effective permissions of every
// named entry and the owning group entry.
func (s *Set) WithMask(perm Permission) *Set {
	s.entries = append(s.entries, entry{tag: tagMask, perm: perm, id: undefinedID})
	return s
}

// Encode serialises the ACL into the kernel's posix_acl_xattr binary
// form: a 4-byte version header followed by one 8-byte record per
// entry (tag uint16, perm uint16, id uint32), entries sorted by tag
// then id as the kernel's own acl_to_xattr does.
func (s *Set) Encode() ([]byte, error) {
	if s.haveNamedEntry {
		hasMask := false
		for _, e := range s.entries {
			if e.tag == tagMask {
				hasMask = true
			}
		}
		if !hasMask {
			return nil, ErrMaskRequired
		}
	}

	sorted := make([]entry, len(s.entries))
	copy(sorted, s.entries)
	orderOf := func(tag uint16) int {
		switch tag {
		case tagUserObj:
			return 0
		case tagUser:
			return 1
		case tagGroupObj:
			return 2
		case tagGroup:
			return 3
		case tagMask:
			return 4
		case tagOther:
			return 5
		default:
			return 6
		}
	}
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			a, b := sorted[j-1], sorted[j]
			if orderOf(a.tag) > orderOf(b.tag) || (orderOf(a.tag) == orderOf(b.tag) && a.id > b.id) {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			} else {
				break
			}
		}
	}

	buf := make([]byte, 4+8*len(sorted))
	binary.LittleEndian.PutUint32(buf[0:4], aclXattrVersion)
	for i, e := range sorted {
		off := 4 + 8*i
		binary.LittleEndian.PutUint16(buf[off:], e.tag)
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(e.perm))
		binary.LittleEndian.PutUint32(buf[off+4:], e.id)
	}
	return buf, nil
}

// ApplyToFD writes the encoded ACL to fd's system.posix_acl_access
// extended attribute, mirroring acl_set_fd's effect without linking
// libacl.
func (s *Set) ApplyToFD(fd int) error {
	buf, err := s.Encode()
	if err != nil {
		return err
	}
	if err := unix.Fsetxattr(fd, xattrName, buf, 0); err != nil {
		return errors.Wrap(err, "aclperm: fsetxattr system.posix_acl_access")
	}
	return nil
}
