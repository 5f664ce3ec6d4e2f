package hotjit

import (
	"errors"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
)

// VerboseMode enables diagnostic output on stderr.
// Set from the HOTJIT_VERBOSE environment variable at init.
var VerboseMode = env.Bool("HOTJIT_VERBOSE")

// ErrUnimplemented marks an operation that the active architecture variant
// does not implement yet. Reaching one is a deliberate hard stop, not a
// recoverable condition: falling through would miscompile.
var ErrUnimplemented = errors.New("not implemented on this architecture")

// ErrCorruptCache marks an internal invariant violation: the code cache can
// no longer be trusted to keep executing.
var ErrCorruptCache = errors.New("code cache invariant violated")

// FatalError is the panic payload for unimplemented operations and internal
// invariant violations. It is not meant to be recovered by ordinary callers;
// an unrecovered FatalError aborts the process, which is the intended
// behavior when the code cache is suspect.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	return e.Msg + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// unimplemented aborts: the active back end does not support this operation.
func unimplemented(op string) {
	panic(&FatalError{Msg: op, Err: ErrUnimplemented})
}

// fatalf aborts on a corrupted-cache invariant violation.
func fatalf(format string, args ...interface{}) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...), Err: ErrCorruptCache})
}

// verbosef prints diagnostics to stderr when VerboseMode is enabled.
func verbosef(format string, args ...interface{}) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
