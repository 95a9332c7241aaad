//go:build linux

package shmobj

import "golang.org/x/sys/unix"

// shmOpen implements POSIX shm_open(3) semantics the way glibc itself
// does on Linux: shared-memory objects are just regular files backed by
// tmpfs under /dev/shm, so shm_open is open(2) against that directory
// with O_NOFOLLOW/O_CLOEXEC added for the same reasons glibc adds them
// (refuse to follow a symlink planted at the shm path; don't leak the
// descriptor across exec).
func shmOpen(path string, flags int, perm uint32) (int, unix.Errno) {
	fd, err := unix.Open("/dev/shm"+path, flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, perm)
	if err != nil {
		return -1, err.(unix.Errno)
	}
	return fd, 0
}
