//go:build !linux

package syncprim

import (
	"golang.org/x/sys/unix"
)

// Process-shared futex-backed synchronisation is a Linux-specific
// facility; on other platforms every wait/wake reports ENOTSUP rather
// than silently degrading to process-local semantics, matching the
// module's "no cross-host / no degraded addressing" stance (spec.md §1
// Non-goals).
func futexWait(addr *uint32, expected uint32, timeout *unix.Timespec) error {
	return unix.ENOTSUP
}

func futexWake(addr *uint32, n int) error {
	return unix.ENOTSUP
}
