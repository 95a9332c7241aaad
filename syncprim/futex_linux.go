//go:build linux

package syncprim

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks while *addr == expected, per FUTEX_WAIT(2) semantics.
// A nil timeout blocks indefinitely; EINTR and EAGAIN (the value
// changed between the caller's check and the kernel's) are treated as
// ordinary, retriable outcomes rather than errors.
func futexWait(addr *uint32, expected uint32, timeout *unix.Timespec) error {
	for {
		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			uintptr(unix.FUTEX_WAIT),
			uintptr(expected),
			uintptr(unsafe.Pointer(timeout)),
			0, 0,
		)
		switch errno {
		case 0, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT:
			return unix.ETIMEDOUT
		default:
			return errno
		}
	}
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
