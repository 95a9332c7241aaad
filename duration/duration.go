// Package duration implements a saturating, monotonic-safe duration
// type used throughout the IPC fabric wherever a timeout must be
// converted into an absolute timespec for a blocking syscall
// (sem_timedwait and friends).
package duration

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

const nanosPerSecond = 1_000_000_000

// Max is the largest representable Duration.
var Max = Duration{seconds: math.MaxUint64, nanos: nanosPerSecond - 1}

// Zero is the additive identity.
var Zero = Duration{}

// Duration is a (seconds, nanoseconds) pair, always kept normalized so
// that 0 <= nanos < 1e9. All arithmetic saturates instead of wrapping
// or panicking: this type is used on paths (signal handlers, lock
// timeouts) where a panic is not an acceptable failure mode.
type Duration struct {
	seconds uint64
	nanos   uint32
}

// FromNanos builds a Duration from a nanosecond count.
func FromNanos(n uint64) Duration {
	return Duration{seconds: n / nanosPerSecond, nanos: uint32(n % nanosPerSecond)}
}

// FromMicros builds a Duration from a microsecond count.
func FromMicros(u uint64) Duration {
	return mulSaturating(u, 1_000)
}

// FromMillis builds a Duration from a millisecond count.
func FromMillis(m uint64) Duration {
	return mulSaturating(m, 1_000_000)
}

// FromSeconds builds a Duration from a whole second count.
func FromSeconds(s uint64) Duration {
	return Duration{seconds: s}
}

func mulSaturating(units, nanosPerUnit uint64) Duration {
	seconds := units / (nanosPerSecond / nanosPerUnit)
	rem := units % (nanosPerSecond / nanosPerUnit)
	nanos := rem * nanosPerUnit
	return Duration{seconds: seconds, nanos: uint32(nanos)}
}

// Seconds returns the whole-second component.
func (d Duration) Seconds() uint64 { return d.seconds }

// Nanos returns the sub-second nanosecond component, always < 1e9.
func (d Duration) Nanos() uint32 { return d.nanos }

// IsZero reports whether d is the zero duration.
func (d Duration) IsZero() bool { return d.seconds == 0 && d.nanos == 0 }

// Add returns d+o, saturating at Max instead of overflowing.
func (d Duration) Add(o Duration) Duration {
	nanos := uint64(d.nanos) + uint64(o.nanos)
	carry := nanos / nanosPerSecond
	nanos %= nanosPerSecond

	secs := d.seconds + o.seconds
	if secs < d.seconds {
		// overflowed uint64
		return Max
	}
	secs2 := secs + carry
	if secs2 < secs {
		return Max
	}
	return Duration{seconds: secs2, nanos: uint32(nanos)}
}

// Sub returns d-o, saturating at Zero instead of going negative.
func (d Duration) Sub(o Duration) Duration {
	if d.Less(o) {
		return Zero
	}
	secs := d.seconds - o.seconds
	var nanos int64 = int64(d.nanos) - int64(o.nanos)
	if nanos < 0 {
		nanos += nanosPerSecond
		secs--
	}
	return Duration{seconds: secs, nanos: uint32(nanos)}
}

// Less reports whether d < o.
func (d Duration) Less(o Duration) bool {
	if d.seconds != o.seconds {
		return d.seconds < o.seconds
	}
	return d.nanos < o.nanos
}

// Equal reports whether d == o.
func (d Duration) Equal(o Duration) bool {
	return d.seconds == o.seconds && d.nanos == o.nanos
}

// ToDuration converts to the standard library's time.Duration,
// saturating at math.MaxInt64 nanoseconds (~292 years) if d does not
// fit, rather than wrapping.
func (d Duration) ToDuration() time.Duration {
	total := d.seconds
	if total > uint64(math.MaxInt64)/nanosPerSecond {
		return time.Duration(math.MaxInt64)
	}
	n := total*nanosPerSecond + uint64(d.nanos)
	if n > uint64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n)
}

// Reference selects what a Duration is measured relative to when
// converted to an absolute timespec.
type Reference int

const (
	// None treats the Duration itself as an absolute timespec value
	// (a direct cast, no clock read).
	None Reference = iota
	// RealtimeEpoch adds the duration to CLOCK_REALTIME.
	RealtimeEpoch
	// Monotonic adds the duration to CLOCK_MONOTONIC.
	Monotonic
)

// ToTimespec converts d into an absolute unix.Timespec suitable for
// sem_timedwait and friends. With ref == None, d is reinterpreted
// directly as a timespec (no clock is read). Otherwise the duration is
// added to a fresh reading of the requested clock. On overflow of
// time_t the seconds field saturates at math.MaxInt64 rather than
// wrapping; this function never returns an error.
func (d Duration) ToTimespec(ref Reference) unix.Timespec {
	if ref == None {
		return unix.Timespec{Sec: saturatingInt64(d.seconds), Nsec: int64(d.nanos)}
	}

	var clockID int32
	switch ref {
	case RealtimeEpoch:
		clockID = unix.CLOCK_REALTIME
	case Monotonic:
		clockID = unix.CLOCK_MONOTONIC
	default:
		clockID = unix.CLOCK_REALTIME
	}

	var now unix.Timespec
	// ClockGettime failing here (invalid clock id, which cannot happen
	// for the two values above) would be a programming error; we fall
	// back to the zero time rather than panic, consistent with this
	// type's never-panics contract.
	_ = unix.ClockGettime(clockID, &now)

	base := Duration{seconds: uint64(now.Sec), nanos: uint32(now.Nsec)}
	sum := base.Add(d)
	return unix.Timespec{Sec: saturatingInt64(sum.seconds), Nsec: int64(sum.nanos)}
}

// FromTimespec is the inverse of ToTimespec(None): it reinterprets an
// absolute timespec as a Duration. Negative fields clamp to zero.
func FromTimespec(ts unix.Timespec) Duration {
	if ts.Sec < 0 {
		return Zero
	}
	nsec := ts.Nsec
	if nsec < 0 {
		nsec = 0
	}
	return Duration{seconds: uint64(ts.Sec), nanos: uint32(nsec)}
}

func saturatingInt64(v uint64) int64 {
	if v > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(v)
}
