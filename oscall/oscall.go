// Package oscall provides a uniform, fluent wrapper around raw OS calls:
// every blocking or fallible syscall in this module goes through it so
// EINTR retry, errno classification, and structured logging stay in one
// place instead of drifting call-site by call-site.
package oscall

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Result is the (return value, errno) pair produced by a raw call.
type Result struct {
	Value  uintptr
	Errno  unix.Errno
	Call   string
}

// maxRetries bounds the total number of attempts (the first one
// included) a call gets while it keeps failing with EINTR.
const maxRetries = 5

// Call is a builder describing one OS-call invocation: the function to
// run, how to decide success, and which errnos to treat specially.
type Call struct {
	name     string
	fn       func() (uintptr, unix.Errno)
	success  func(Result) bool
	ignore   map[unix.Errno]struct{}
	silence  map[unix.Errno]struct{}
	logger   logrus.FieldLogger
}

// New starts building a call named name (used only for logging) that
// invokes fn. fn must perform exactly one attempt and report its raw
// return value together with the errno golang.org/x/sys/unix reports
// for it (0 on success).
func New(name string, fn func() (uintptr, unix.Errno)) *Call {
	return &Call{
		name:    name,
		fn:      fn,
		ignore:  map[unix.Errno]struct{}{},
		silence: map[unix.Errno]struct{}{},
		success: func(r Result) bool { return r.Errno == 0 },
	}
}

// WithLogger attaches a logger used to report unsilenced failures.
func (c *Call) WithLogger(l logrus.FieldLogger) *Call {
	c.logger = l
	return c
}

// ExpectSuccess declares that the call succeeds iff its return value is
// one of vals (errno is ignored for the success decision, but is still
// captured and reported on failure).
func (c *Call) ExpectSuccess(vals ...uintptr) *Call {
	set := make(map[uintptr]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	c.success = func(r Result) bool {
		_, ok := set[r.Value]
		return ok
	}
	return c
}

// ExpectFailure declares that the call succeeds iff its return value is
// NOT one of vals.
func (c *Call) ExpectFailure(vals ...uintptr) *Call {
	set := make(map[uintptr]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	c.success = func(r Result) bool {
		_, bad := set[r.Value]
		return !bad
	}
	return c
}

// ReturnIsErrno declares that the raw return value itself is an errno:
// zero means success, anything else is a failure with that errno.
func (c *Call) ReturnIsErrno() *Call {
	fn := c.fn
	c.fn = func() (uintptr, unix.Errno) {
		val, errno := fn()
		if errno == 0 && val != 0 {
			errno = unix.Errno(val)
		}
		return val, errno
	}
	c.success = func(r Result) bool { return r.Value == 0 }
	return c
}

// IgnoreErrnos marks errnos that should not be treated as call failures
// at all: evaluate() still returns them in the Result, but as part of
// the success path.
func (c *Call) IgnoreErrnos(errs ...unix.Errno) *Call {
	for _, e := range errs {
		c.ignore[e] = struct{}{}
	}
	return c
}

// SilenceErrnos marks errnos that, while still treated as failures,
// should not be logged.
func (c *Call) SilenceErrnos(errs ...unix.Errno) *Call {
	for _, e := range errs {
		c.silence[e] = struct{}{}
	}
	return c
}

// Evaluate performs the call, retrying transparently on EINTR for at
// most maxRetries attempts in total, and returns the Result on success or as the error
// value on failure.
func (c *Call) Evaluate() (Result, error) {
	var res Result
	for attempt := 0; attempt < maxRetries; attempt++ {
		val, errno := c.fn()
		res = Result{Value: val, Errno: errno, Call: c.name}

		if errno == unix.EINTR {
			continue
		}
		if _, ignored := c.ignore[errno]; ignored {
			return res, nil
		}
		if c.success(res) {
			return res, nil
		}

		c.logFailure(res)
		return res, res
	}
	// Exhausted retries while still seeing EINTR; surface it.
	c.logFailure(res)
	return res, res
}

func (c *Call) logFailure(r Result) {
	if _, silenced := c.silence[r.Errno]; silenced {
		return
	}
	logger := c.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"syscall": r.Call,
		"errno":   int(r.Errno),
	}).Errorf("%s failed: %s", r.Call, r.Errno.Error())
}

// Error implements the error interface so a Result can be returned
// directly as the error value of Evaluate.
func (r Result) Error() string {
	if r.Errno == 0 {
		return r.Call + ": ok"
	}
	return r.Call + ": " + r.Errno.Error()
}
