package hotjit

// NumFreeLocalsHelpers is the number of unrolled local-release entry points.
// Functions with more locals enter through FreeManyLocalsHelper, which loops
// down to this count and falls through into the unrolled tail.
const NumFreeLocalsHelpers = 7

// freeLocalsSizeBudget bounds the emitted size of the release helper cluster
// in cache lines. The release path runs on every function return; a size
// regression here slows the whole program, so exceeding the budget is fatal
// at stub-emission time.
const freeLocalsSizeBudgetLines = 4

// UniqueStubs records the entry addresses of the shared helper routines.
// It is populated exactly once, single-threaded, during warm-up — before any
// translation executes — and is immutable afterwards: once published, a
// stub's address never changes for the life of the process.
type UniqueStubs struct {
	// FunctionEnterHelper invokes the host function-call hook with
	// (frame, argc), preserving the full calling convention around it.
	// FunctionEnterHelperReturn is the continuation after the hook call;
	// unwinders use it to recognize frames parked in the helper.
	FunctionEnterHelper       TCA
	FunctionEnterHelperReturn TCA

	// DecRefHelper releases a single value slot: decrement if the count is
	// above one, destroy at exactly one, no-op otherwise. Cache-line
	// aligned; the hottest path in the system.
	DecRefHelper TCA

	// FreeLocalsHelpers[i] releases exactly i+1 locals without a loop.
	// FreeManyLocalsHelper handles larger counts by looping down to the
	// unrolled entries. All entries converge on one shared return.
	FreeLocalsHelpers    [NumFreeLocalsHelpers]TCA
	FreeManyLocalsHelper TCA

	// CallToExit is the boundary stub for a top-level re-entry into
	// translated code: a bare control transfer back to the host caller.
	CallToExit TCA

	// EndCatchHelper handles an exception propagating into translated
	// code; EndCatchHelperPast marks the instruction past its native-resume
	// call, so unwinders can recognize frames parked in the helper.
	EndCatchHelper     TCA
	EndCatchHelperPast TCA
}

// FreeLocalsHelper returns the entry point for releasing n locals.
func (us *UniqueStubs) FreeLocalsHelper(n int) TCA {
	if n <= 0 {
		fatalf("freeLocalsHelper: invalid local count %d", n)
	}
	if n <= NumFreeLocalsHelpers {
		return us.FreeLocalsHelpers[n-1]
	}
	return us.FreeManyLocalsHelper
}
