// Package sigguard implements the scoped SIGBUS override described in
// spec.md §9. A memory access that faults because tmpfs could not back
// a page (an exhausted-tmpfs condition during shm zero-init) delivers
// SIGBUS to the process; the Go runtime itself intercepts that signal
// for faults originating in Go code and re-raises it as a recoverable
// runtime.Error instead of a hard crash. This package builds the
// "scoped resource" described in the spec on top of that: Run executes
// a function with recover() armed, turning a SIGBUS-induced panic into
// a structured Fault instead of letting it propagate as a generic
// panic, using only async-signal-safe state (no formatting or
// allocation happens inside the signal path itself — only inside the
// already-unwound defer/recover, which executes on the normal Go
// stack).
//
// Guards nest the way spec.md's scope_guard idiom expects: Run may be
// called reentrantly, and each level only reports the fault that
// occurred within its own fn.
package sigguard

import (
	"strings"

	"github.com/pkg/errors"
)

// Fault describes a SIGBUS observed while a guarded function ran.
type Fault struct {
	// Message is the recovered panic's text, captured verbatim; it is
	// already fully formed by the runtime by the time recover() returns
	// it, so no further signal-unsafe formatting is needed here.
	Message string
}

func (f *Fault) Error() string {
	return "sigguard: SIGBUS while accessing mapped memory: " + f.Message
}

// ErrNotSIGBUS is wrapped around any recovered panic that is not
// recognisable as a SIGBUS fault, so callers can tell "the mapping
// faulted" apart from "some unrelated bug panicked".
var ErrNotSIGBUS = errors.New("sigguard: recovered panic was not a SIGBUS fault")

// looksLikeSIGBUS matches the runtime's fault message without
// depending on an exact, version-specific string.
func looksLikeSIGBUS(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "sigbus") || strings.Contains(lower, "bus error")
}

// Run executes fn with a scoped SIGBUS guard active. If fn (or memory
// it touches) raises a SIGBUS, Run returns a *Fault instead of letting
// the panic propagate; any other panic is re-raised unchanged, since
// only SIGBUS is this guard's concern.
func Run(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg, ok := r.(error)
		var text string
		if ok {
			text = msg.Error()
		} else if s, ok := r.(string); ok {
			text = s
		} else {
			panic(r)
		}

		if !looksLikeSIGBUS(text) {
			panic(r)
		}
		err = &Fault{Message: text}
	}()

	fn()
	return nil
}
