package hotjit

import "fmt"

// Capability bits advertise which operation groups the active architecture
// variant implements. Calling an operation outside the advertised set aborts
// via unimplemented(); the bits exist so callers can ask first instead of
// finding out the hard way during an incremental port.
type Capability uint32

const (
	CapSmashable Capability = 1 << iota
	CapFuncPrologueGuards
	CapServiceRequests
	CapUniqueStubs
)

// ServiceRequest identifies an out-of-line request to the translator:
// generated code bundles the request and its arguments and transfers to a
// shared handler instead of carrying full fallback logic inline.
type ServiceRequest uint8

const (
	ReqBindJmp ServiceRequest = iota
	ReqRetranslate
	ReqInterpret
	ReqPostDebuggerRet
)

// String returns the request name
func (r ServiceRequest) String() string {
	switch r {
	case ReqBindJmp:
		return "REQ_BIND_JMP"
	case ReqRetranslate:
		return "REQ_RETRANSLATE"
	case ReqInterpret:
		return "REQ_INTERPRET"
	case ReqPostDebuggerRet:
		return "REQ_POST_DEBUGGER_RET"
	default:
		return "REQ_UNKNOWN"
	}
}

// HostHooks carries the native entry points the unique stubs call out to.
// All of them are invoked with the platform calling convention from inside
// generated code.
type HostHooks struct {
	// FunctionEnter is bool(*)(frame, argc): true means intercept.
	FunctionEnter TCA
	// UnwindResume is (catchTrace, correctedFP)(*)(frame); a null catch
	// trace means the exception keeps propagating natively.
	UnwindResume TCA
	// NativeUnwindResume re-enters the platform unwinder (_Unwind_Resume).
	NativeUnwindResume TCA
	// DestructorTable is a type-indexed table of destructor entry points.
	DestructorTable TCA
	// ServiceReqHandler receives all service requests.
	ServiceReqHandler TCA
	// EnterTCExit is the host-side return path out of translated code.
	EnterTCExit TCA
	// UnwinderDebuggerReturnSPOff and UnwinderExnOff are byte offsets from
	// the thread-local base register to the debugger-return stack slot and
	// the propagating-exception slot.
	UnwinderDebuggerReturnSPOff int32
	UnwinderExnOff              int32
}

// BackEnd is the per-architecture capability contract. One implementation
// is selected at process start and bound for the process lifetime; instances
// are stateless beyond architecture constants and own no code.
type BackEnd interface {
	Machine() Machine
	ABI() ABI
	CacheLineSize() int
	Capabilities() Capability

	// Prologue and guard operations. EmitFuncPrologue emits a prologue with
	// an argument-count guard whose failure path is a smashable conditional
	// jump to redispatch. The guard is a two-state machine per prologue:
	// FuncPrologueSmashGuard performs the single one-way transition to the
	// unguarded state.
	EmitFuncPrologue(cb *CodeBlock, fx *Fixups, argc int, redispatch TCA) TCA
	FuncPrologueHasGuard(prologue TCA) bool
	FuncPrologueToGuard(prologue TCA) TCA
	FuncPrologueSmashGuard(prologue TCA)

	// Service-request emission.
	EmitServiceReq(cb *CodeBlock, fx *Fixups, req ServiceRequest, args []uint64, handler TCA) TCA
	EmitInterpReq(cb *CodeBlock, fx *Fixups, spOff int64, handler TCA) TCA

	// Smashable call-site protocol (see smashable encodings per back end).
	EmitSmashableJmp(cb *CodeBlock, fx *Fixups, target TCA) TCA
	EmitSmashableCall(cb *CodeBlock, fx *Fixups, target TCA) TCA
	EmitSmashableJcc(cb *CodeBlock, fx *Fixups, cc ConditionCode, target TCA) TCA
	SmashJmp(jmp, dest TCA)
	SmashCall(call, dest TCA)
	SmashJcc(jcc, dest TCA)
	JmpTarget(jmp TCA) TCA
	CallTarget(call TCA) TCA
	JccTarget(jcc TCA) TCA
	JccCondCode(jcc TCA) ConditionCode
	SmashableCallFromReturn(retAddr TCA) TCA

	// Unique stub emission; runs once during warm-up.
	EmitUniqueStubs(cb *CodeBlock, fx *Fixups, hooks HostHooks) *UniqueStubs
}

// NewBackEnd selects the back end for the running CPU. The choice is made
// once; callers hold the returned handle for the process lifetime.
func NewBackEnd() (BackEnd, error) {
	machine, err := CurrentMachine()
	if err != nil {
		return nil, err
	}
	return newBackEndFor(machine)
}

func newBackEndFor(machine Machine) (BackEnd, error) {
	switch machine {
	case MachineX86_64:
		return newX86_64BackEnd(), nil
	case MachineARM64:
		return newARM64BackEnd(), nil
	default:
		return nil, fmt.Errorf("no back end for machine %v", machine)
	}
}
