//go:build !linux

package shmobj

import "golang.org/x/sys/unix"

// Only Linux's /dev/shm-backed shm_open emulation is implemented; other
// platforms report ENOTSUP rather than silently using a different
// backing store, matching the module's Linux-only stance (spec.md §1).
func shmOpen(path string, flags int, perm uint32) (int, unix.Errno) {
	return -1, unix.ENOTSUP
}
