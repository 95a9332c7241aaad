// Package syncprim implements the two inter-process synchronisation
// primitives the fabric relies on: a robust mutex and an unnamed
// semaphore, both embeddable directly inside shared memory so they can
// be acquired across process boundaries.
//
// Neither primitive can be built on sync.Mutex/sync.Cond (those are
// only valid within a single process's address space); both are built
// directly on Linux futex syscalls via golang.org/x/sys/unix, the same
// dependency the teacher and github.com/nesv/yawal already carry.
package syncprim

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/shmipc/shmipc/duration"
)

// MutexType selects pthread-mutex-like recursion semantics.
type MutexType int

const (
	Normal MutexType = iota
	Recursive
	ErrorCheck
)

// Priority selects the priority-inheritance protocol requested for the
// mutex. Go's goroutine scheduler does not expose OS-thread priorities
// the way pthreads does, so Inherit/Protect are accepted and recorded
// for API compatibility but are not enforced at Lock time; see
// DESIGN.md for the rationale.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityInherit
	PriorityProtect
)

// Termination selects what a dead owner leaves behind: Stall (no
// recovery, matching a regular pthread mutex) or Release (robust:
// surviving lockers observe LockAcquiredButInconsistent).
type Termination int

const (
	Stall Termination = iota
	Release
)

// LockError is the error kind taxonomy for Lock, per spec.md §4.3.
type LockError int

const (
	LockErrorNone LockError = iota
	LockErrorPriorityMismatch
	LockErrorMaxRecursiveLocksExceeded
	LockErrorDeadlock
	LockErrorAcquiredButInconsistent
	LockErrorUnknown
)

func (e LockError) Error() string {
	switch e {
	case LockErrorPriorityMismatch:
		return "mutex: priority mismatch"
	case LockErrorMaxRecursiveLocksExceeded:
		return "mutex: max recursive locks exceeded"
	case LockErrorDeadlock:
		return "mutex: deadlock detected"
	case LockErrorAcquiredButInconsistent:
		return "mutex: lock acquired but state is inconsistent"
	default:
		return "mutex: unknown error"
	}
}

// UnlockError is the error kind taxonomy for Unlock.
type UnlockError int

const (
	UnlockErrorNone UnlockError = iota
	UnlockErrorNotOwnedByThread
	UnlockErrorUnknown
)

func (e UnlockError) Error() string {
	if e == UnlockErrorNotOwnedByThread {
		return "mutex: not owned by calling thread"
	}
	return "mutex: unknown error"
}

const maxRecursiveLocks = 1 << 20

// mutexState holds the fields of Mutex that must live inside the raw
// memory block (shared memory or otherwise); separated out so Builder
// can construct it in place with unsafe.Pointer arithmetic.
//
// Ownership is (ownerPID, ownerGID): the PID alone only identifies the
// owning process, and every goroutine in that process shares it, so
// two goroutines racing for the same Recursive/ErrorCheck mutex would
// otherwise both read "owner == self" and take the recursion/deadlock
// branch instead of blocking. ownerGID disambiguates goroutines within
// one process; ownerPID alone is still what's used to detect a dead
// owner for the Release termination policy, since a goroutine ID means
// nothing once its process has exited.
type mutexState struct {
	ownerGID     int64  // goroutine id of the current owner, 0 if unheld
	word         uint32 // 0 = unlocked, 1 = locked, 2 = locked+contended
	ownerPID     int32
	recursions   uint32
	inconsistent uint32 // 0 = consistent, 1 = inconsistent
}

// Mutex is a builder-configured, optionally inter-process mutex.
// Construction follows a two-phase pattern: Build first marks the
// instance non-destructible, applies configuration, and only flips it
// destructible on success, so a failed Build never tears down storage
// it did not finish initialising.
type Mutex struct {
	state *mutexState

	typ           MutexType
	priority      Priority
	ceiling       int
	termination   Termination
	destructible  bool
}

// Size is the number of bytes a Mutex needs in the backing memory.
const Size = int(unsafe.Sizeof(mutexState{}))

// Builder configures a Mutex before construction.
type Builder struct {
	ipc         bool
	typ         MutexType
	priority    Priority
	ceiling     int
	termination Termination
}

// NewBuilder returns a Builder with sensible non-IPC, non-robust
// defaults; call WithIPC/WithType/... then Build.
func NewBuilder() *Builder {
	return &Builder{typ: Normal, priority: PriorityNone, termination: Stall}
}

func (b *Builder) WithIPC(v bool) *Builder                { b.ipc = v; return b }
func (b *Builder) WithType(t MutexType) *Builder           { b.typ = t; return b }
func (b *Builder) WithPriority(p Priority, ceiling int) *Builder {
	b.priority = p
	b.ceiling = ceiling
	return b
}
func (b *Builder) WithTermination(t Termination) *Builder { b.termination = t; return b }

// ErrPriorityMismatch is returned by Build when PriorityProtect is
// requested with an invalid ceiling.
var ErrPriorityMismatch = errors.New("mutex: invalid priority ceiling")

// Build constructs a Mutex in place at mem, which must point to at
// least Size bytes of zeroed memory (shared or process-local). The
// returned Mutex is only marked destructible once construction fully
// succeeds.
func (b *Builder) Build(mem unsafe.Pointer) (*Mutex, error) {
	if b.priority == PriorityProtect && b.ceiling < 0 {
		return nil, ErrPriorityMismatch
	}

	m := &Mutex{
		state:        (*mutexState)(mem),
		typ:          b.typ,
		priority:     b.priority,
		ceiling:      b.ceiling,
		termination:  b.termination,
		destructible: false,
	}
	*m.state = mutexState{}
	m.destructible = true
	return m, nil
}

func selfPID() int32 { return int32(unix.Getpid()) }

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 123 [running]:"), the same trick
// restic's internal/debug package uses to tag log lines per-goroutine.
// Go gives no supported API for this; parsing runtime.Stack is the
// established workaround and is only needed here to disambiguate
// intra-process mutex ownership, never to schedule or preempt.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id int64
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

func ownerAlive(pid int32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// owner is the identity Lock/TryLock/Unlock compare against the
// mutex's recorded owner: process id for cross-process liveness
// checks, goroutine id to tell apart two goroutines in one process.
type owner struct {
	pid int32
	gid int64
}

func selfOwner() owner { return owner{pid: selfPID(), gid: goroutineID()} }

func (m *Mutex) loadOwner() owner {
	return owner{
		pid: atomic.LoadInt32(&m.state.ownerPID),
		gid: atomic.LoadInt64(&m.state.ownerGID),
	}
}

func (m *Mutex) storeOwner(o owner) {
	atomic.StoreInt32(&m.state.ownerPID, o.pid)
	atomic.StoreInt64(&m.state.ownerGID, o.gid)
}

// Lock acquires the mutex, blocking until it is available. If the
// previous owner died while holding it and Termination == Release, the
// lock is still acquired but LockErrorAcquiredButInconsistent is
// returned; the caller must repair shared state and call
// MakeConsistent.
func (m *Mutex) Lock() error {
	self := selfOwner()

	for {
		if atomic.CompareAndSwapUint32(&m.state.word, 0, 1) {
			m.storeOwner(self)
			return nil
		}

		held := m.loadOwner()
		if held == self {
			switch m.typ {
			case Recursive:
				if atomic.LoadUint32(&m.state.recursions) >= maxRecursiveLocks {
					return LockErrorMaxRecursiveLocksExceeded
				}
				atomic.AddUint32(&m.state.recursions, 1)
				return nil
			case ErrorCheck:
				return LockErrorDeadlock
			default:
				// Normal: blocks forever on self-relock, matching
				// PTHREAD_MUTEX_NORMAL semantics; callers should prefer
				// ErrorCheck or Recursive to avoid this.
			}
		}

		if m.termination == Release && held.pid != 0 && !ownerAlive(held.pid) {
			atomic.StoreUint32(&m.state.word, 1)
			m.storeOwner(self)
			atomic.StoreUint32(&m.state.inconsistent, 1)
			return LockErrorAcquiredButInconsistent
		}

		// Mark contended and sleep until woken or the state changes.
		atomic.CompareAndSwapUint32(&m.state.word, 1, 2)
		_ = futexWait(&m.state.word, 2, nil)
	}
}

// TryLock attempts to acquire the mutex without blocking, returning
// (true, nil) on success and (false, nil) if it is currently held by
// someone else still alive.
func (m *Mutex) TryLock() (bool, error) {
	self := selfOwner()
	if atomic.CompareAndSwapUint32(&m.state.word, 0, 1) {
		m.storeOwner(self)
		return true, nil
	}

	held := m.loadOwner()
	if held == self && m.typ == Recursive {
		if atomic.LoadUint32(&m.state.recursions) >= maxRecursiveLocks {
			return false, LockErrorMaxRecursiveLocksExceeded
		}
		atomic.AddUint32(&m.state.recursions, 1)
		return true, nil
	}

	if m.termination == Release && held.pid != 0 && !ownerAlive(held.pid) {
		atomic.StoreUint32(&m.state.word, 1)
		m.storeOwner(self)
		atomic.StoreUint32(&m.state.inconsistent, 1)
		return true, LockErrorAcquiredButInconsistent
	}
	return false, nil
}

// Unlock releases the mutex. It must be called by the same goroutine,
// in the same process, that acquired it.
func (m *Mutex) Unlock() error {
	self := selfOwner()
	held := m.loadOwner()
	if held != self {
		return UnlockErrorNotOwnedByThread
	}

	if m.typ == Recursive && atomic.LoadUint32(&m.state.recursions) > 0 {
		atomic.AddUint32(&m.state.recursions, ^uint32(0)) // -1
		return nil
	}

	m.storeOwner(owner{})
	old := atomic.SwapUint32(&m.state.word, 0)
	if old == 2 {
		_ = futexWake(&m.state.word, 1)
	}
	return nil
}

// IsInconsistent reports whether a prior owner died while holding the
// lock and MakeConsistent has not yet been called.
func (m *Mutex) IsInconsistent() bool {
	return atomic.LoadUint32(&m.state.inconsistent) != 0
}

// MakeConsistent clears the inconsistent flag. It is idempotent.
func (m *Mutex) MakeConsistent() {
	atomic.StoreUint32(&m.state.inconsistent, 0)
}

// durationToFutexTimeout converts a relative Duration into the
// **relative** timespec the futex(2) FUTEX_WAIT operation expects (as
// opposed to sem_timedwait's absolute deadline).
func durationToFutexTimeout(d duration.Duration) *unix.Timespec {
	ts := d.ToTimespec(duration.None)
	return &ts
}
