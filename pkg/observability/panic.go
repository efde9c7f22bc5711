package observability

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrPanic marks errors produced from a recovered panic
var ErrPanic = errors.New("panic")

// PanicError converts a recovered value to an error carrying the stack of
// the panicking goroutine. It returns nil when r is nil and must be called
// from the deferred function that recovered.
func PanicError(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: %w\n%s", ErrPanic, err, debug.Stack())
	}
	return fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
}
