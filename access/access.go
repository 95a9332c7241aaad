// Package access defines the small value types shared by every component
// that opens or maps a POSIX shared-memory object: access modes, open
// modes, permission bitsets, and shared-memory object names.
package access

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode describes how a mapping will be used once opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	WriteOnly
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "ReadOnly"
	case ReadWrite:
		return "ReadWrite"
	case WriteOnly:
		return "WriteOnly"
	default:
		return "Unknown"
	}
}

// OpenMode describes the creation semantics requested for a named
// shared-memory object.
type OpenMode int

const (
	// ExclusiveCreate fails if the object already exists.
	ExclusiveCreate OpenMode = iota
	// PurgeAndCreate unlinks any existing instance first, then creates.
	PurgeAndCreate
	// OpenOrCreate creates the object if absent, opens it otherwise.
	OpenOrCreate
	// OpenExisting fails unless the object already exists.
	OpenExisting
)

func (m OpenMode) String() string {
	switch m {
	case ExclusiveCreate:
		return "ExclusiveCreate"
	case PurgeAndCreate:
		return "PurgeAndCreate"
	case OpenOrCreate:
		return "OpenOrCreate"
	case OpenExisting:
		return "OpenExisting"
	default:
		return "Unknown"
	}
}

// IsCreating reports whether this open mode may create the object.
func (m OpenMode) IsCreating() bool {
	switch m {
	case ExclusiveCreate, PurgeAndCreate, OpenOrCreate:
		return true
	default:
		return false
	}
}

// Rights is a 16-bit POSIX permission bitset. The low 12 bits hold the
// standard rwx triplet for owner/group/other (mask 07777); bit 0x8000 is
// a reserved UNKNOWN sentinel that never overlaps the permission mask.
type Rights uint16

const (
	permMask = 07777
	// Unknown marks a Rights value whose permission bits could not be
	// determined (e.g. a failed fstat); it never aliases a real mode bit.
	Unknown Rights = 0x8000
)

// Sanitized returns r with any bits outside the permission mask and the
// UNKNOWN sentinel cleared.
func (r Rights) Sanitized() Rights {
	return r & (permMask | Unknown)
}

// IsUnknown reports whether the UNKNOWN sentinel is set.
func (r Rights) IsUnknown() bool {
	return r&Unknown != 0
}

// Perm returns the raw POSIX permission bits (0-07777), masking out
// UNKNOWN.
func (r Rights) Perm() uint32 {
	return uint32(r) & permMask
}

// FromPerm builds a Rights value from raw POSIX permission bits.
func FromPerm(perm uint32) Rights {
	return Rights(perm & permMask)
}

// Name validation for shared-memory object names, mirroring the POSIX
// shm_open(3) constraints: non-empty, printable ASCII drawn from
// letters, digits, and "-._:", never "." or "..", never trailing '.'.
// The leading '/' POSIX requires is not carried in Name; Path adds it.
type Name string

// ErrInvalidName is returned by Validate for any rule violation.
var ErrInvalidName = errors.New("invalid shared memory name")

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == ':':
		return true
	default:
		return false
	}
}

// Validate checks n against the shared-memory name grammar.
func (n Name) Validate() error {
	s := string(n)
	if s == "" {
		return errors.Wrap(ErrInvalidName, "empty name")
	}
	if s == "." || s == ".." {
		return errors.Wrapf(ErrInvalidName, "reserved name %q", s)
	}
	if strings.HasSuffix(s, ".") {
		return errors.Wrapf(ErrInvalidName, "trailing dot in %q", s)
	}
	for i := 0; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return errors.Wrapf(ErrInvalidName, "invalid character %q at offset %d", s[i], i)
		}
	}
	return nil
}

// Path returns the name prefixed with the POSIX leading slash.
func (n Name) Path() string {
	return "/" + string(n)
}
