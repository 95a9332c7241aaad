// Package shmuser resolves the OS-level identity (uid and group
// memberships) consumed by SegmentManager to decide which segments a
// caller can reach, grounded on the original implementation's
// shm/user.cc (getpwnam/getgrouplist-based resolution) and expressed
// here with os/user (passwd entry and supplementary group list) plus
// golang.org/x/sys/unix for geteuid.
package shmuser

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Group names the writer/reader groups a Segment is created for.
type Group string

// User is the resolved identity of a caller: its own uid plus every
// group (by gid) it belongs to, primary and supplementary alike.
type User struct {
	UID    uint32
	Groups []uint32
}

// Self resolves the identity of the calling process via geteuid plus
// the effective uid's full group list.
func Self() (User, error) {
	return ForUID(uint32(unix.Geteuid()))
}

// ForUID resolves the identity of an arbitrary uid, looking up its
// passwd entry and full supplementary group list the way getpwuid +
// getgrouplist do.
func ForUID(uid uint32) (User, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return User{}, errors.Wrapf(err, "shmuser: lookup uid %d", uid)
	}

	gids, err := u.GroupIds()
	if err != nil {
		return User{}, errors.Wrapf(err, "shmuser: group list for uid %d", uid)
	}

	groups := make([]uint32, 0, len(gids))
	for _, g := range gids {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(n))
	}
	return User{UID: uid, Groups: groups}, nil
}

// GroupID resolves a group name to its gid.
func GroupID(name Group) (uint32, error) {
	g, err := user.LookupGroup(string(name))
	if err != nil {
		return 0, errors.Wrapf(err, "shmuser: lookup group %q", name)
	}
	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "shmuser: parse gid for group %q", name)
	}
	return uint32(gid), nil
}

// IsMember reports whether u belongs to the group named name.
func (u User) IsMember(name Group) bool {
	gid, err := GroupID(name)
	if err != nil {
		return false
	}
	for _, g := range u.Groups {
		if g == gid {
			return true
		}
	}
	return false
}
