package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. It guards invariants the program itself
// is responsible for (buffer sizes it computed, states it transitioned to),
// never input that came from the network; that is validated and rejected
// with an error instead.
//
// NOTE: adapted from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}

	text := "assertion failed"
	if len(msg) == 1 {
		text += ": " + msg[0]
	}
	// the caller's location would otherwise be buried in the middle of the
	// panicking stack.
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}
