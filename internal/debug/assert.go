package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. It is used for internal invariants
// that indicate a bug in this library, never for conditions a caller can
// trigger; those return errors.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		fail(fmt.Sprintf("assertion failed(%s)", msg))
	}
}

// Assertf is Assert with a formatted message.
func Assertf(truth bool, format string, args ...any) {
	if !truth {
		fail(fmt.Sprintf("assertion failed(%s)", fmt.Sprintf(format, args...)))
	}
}

func fail(msg string) {
	// include the assertion location; due to panic recovery it is
	// otherwise buried in the middle of the panicking stack.
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
