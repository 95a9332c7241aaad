package syncprim

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/shmipc/shmipc/duration"
)

// MaxSemaphoreValue is the largest value an UnnamedSemaphore may hold,
// per spec.md §4.3 (2^31 - 1, matching POSIX SEM_VALUE_MAX on Linux).
const MaxSemaphoreValue = 1<<31 - 1

var (
	// ErrSemaphoreOverflow is returned by Post if incrementing would
	// exceed MaxSemaphoreValue.
	ErrSemaphoreOverflow = errors.New("semaphore: value would exceed SEM_VALUE_MAX")
)

// WaitOutcome is the result of TimedWait.
type WaitOutcome int

const (
	NoTimeout WaitOutcome = iota
	Timeout
)

// semState is the raw word an UnnamedSemaphore lives in; like Mutex it
// is designed to be constructed in place inside a caller-provided
// (possibly shared-memory) slot.
type semState struct {
	value uint32
}

// SemaphoreSize is the number of bytes an UnnamedSemaphore needs.
const SemaphoreSize = int(unsafe.Sizeof(semState{}))

// UnnamedSemaphore is a counting semaphore built in place in a
// caller-supplied uninitialised slot, so it can live inside shared
// memory and be waited on from multiple processes.
type UnnamedSemaphore struct {
	state *semState
}

// NewUnnamedSemaphore constructs a semaphore at mem (at least
// SemaphoreSize bytes) with the given initial value.
func NewUnnamedSemaphore(mem unsafe.Pointer, initial uint32) (*UnnamedSemaphore, error) {
	if initial > MaxSemaphoreValue {
		return nil, ErrSemaphoreOverflow
	}
	s := &UnnamedSemaphore{state: (*semState)(mem)}
	s.state.value = initial
	return s, nil
}

// Post increments the semaphore's value and wakes one waiter if any.
func (s *UnnamedSemaphore) Post() error {
	for {
		cur := atomic.LoadUint32(&s.state.value)
		if cur >= MaxSemaphoreValue {
			return ErrSemaphoreOverflow
		}
		if atomic.CompareAndSwapUint32(&s.state.value, cur, cur+1) {
			_ = futexWake(&s.state.value, 1)
			return nil
		}
	}
}

// Wait blocks until the semaphore's value is > 0, then decrements it.
func (s *UnnamedSemaphore) Wait() error {
	for {
		cur := atomic.LoadUint32(&s.state.value)
		if cur > 0 {
			if atomic.CompareAndSwapUint32(&s.state.value, cur, cur-1) {
				return nil
			}
			continue
		}
		if err := futexWait(&s.state.value, 0, nil); err != nil && err != unix.EAGAIN {
			return err
		}
	}
}

// TryWait attempts to decrement without blocking. It returns false
// (not an error) if the semaphore's value was already zero, matching
// the spec's "EAGAIN ignored" contract.
func (s *UnnamedSemaphore) TryWait() (bool, error) {
	for {
		cur := atomic.LoadUint32(&s.state.value)
		if cur == 0 {
			return false, nil
		}
		if atomic.CompareAndSwapUint32(&s.state.value, cur, cur-1) {
			return true, nil
		}
	}
}

// TimedWait blocks until the semaphore's value is > 0 or the deadline
// d (converted to an absolute realtime timespec) passes, whichever is
// first.
func (s *UnnamedSemaphore) TimedWait(d duration.Duration) (WaitOutcome, error) {
	deadline := d.ToTimespec(duration.RealtimeEpoch)

	for {
		cur := atomic.LoadUint32(&s.state.value)
		if cur > 0 {
			if atomic.CompareAndSwapUint32(&s.state.value, cur, cur-1) {
				return NoTimeout, nil
			}
			continue
		}

		var now unix.Timespec
		_ = unix.ClockGettime(unix.CLOCK_REALTIME, &now)
		remaining := subTimespec(deadline, now)
		if remaining == nil {
			return Timeout, nil
		}

		err := futexWait(&s.state.value, 0, remaining)
		if err == unix.ETIMEDOUT {
			return Timeout, nil
		}
		if err != nil && err != unix.EAGAIN {
			return NoTimeout, err
		}
	}
}

// Value returns the current semaphore value, for diagnostics/tests.
func (s *UnnamedSemaphore) Value() uint32 {
	return atomic.LoadUint32(&s.state.value)
}

// subTimespec returns deadline-now as a relative timespec, or nil if
// the deadline has already passed.
func subTimespec(deadline, now unix.Timespec) *unix.Timespec {
	sec := deadline.Sec - now.Sec
	nsec := deadline.Nsec - now.Nsec
	if nsec < 0 {
		nsec += 1_000_000_000
		sec--
	}
	if sec < 0 || (sec == 0 && nsec <= 0) {
		return nil
	}
	return &unix.Timespec{Sec: sec, Nsec: nsec}
}
