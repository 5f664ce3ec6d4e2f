package hotjit

import (
	"sync"
	"sync/atomic"
	"testing"
)

func newX64ForTest(t *testing.T) (*x86_64BackEnd, *CodeBlock, *Fixups) {
	t.Helper()
	return newX86_64BackEnd(), NewCodeBlock("test", 4096), &Fixups{}
}

func TestSmashableJmpLayout(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	target := cb.Base() + 256

	jmp := x.EmitSmashableJmp(cb, fx, target)

	if peek(jmp) != 0xE9 {
		t.Fatalf("expected jmp opcode E9, got %02X", peek(jmp))
	}
	if uintptr(jmp+1)%4 != 0 {
		t.Errorf("displacement at %#x is not 4-byte aligned", jmp+1)
	}
	if got := x.JmpTarget(jmp); got != target {
		t.Errorf("expected target %#x, got %#x", target, got)
	}
	if len(fx.Smashables) != 1 {
		t.Errorf("expected 1 smashable record, got %d", len(fx.Smashables))
	}
}

func TestSmashableCallLayout(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	target := cb.Base() + 512

	call := x.EmitSmashableCall(cb, fx, target)

	if peek(call) != 0xE8 {
		t.Fatalf("expected call opcode E8, got %02X", peek(call))
	}
	if uintptr(call+1)%4 != 0 {
		t.Errorf("displacement at %#x is not 4-byte aligned", call+1)
	}
	if got := x.CallTarget(call); got != target {
		t.Errorf("expected target %#x, got %#x", target, got)
	}
	if got := x.SmashableCallFromReturn(call + smashCallLen); got != call {
		t.Errorf("expected call site %#x from return address, got %#x", call, got)
	}
}

func TestSmashableJccLayout(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	target := cb.Base() + 1024

	jcc := x.EmitSmashableJcc(cb, fx, CondNE, target)

	if peek(jcc) != 0x0F || peek(jcc+1) != 0x85 {
		t.Fatalf("expected jne opcode 0F 85, got %02X %02X", peek(jcc), peek(jcc+1))
	}
	if uintptr(jcc+2)%4 != 0 {
		t.Errorf("displacement at %#x is not 4-byte aligned", jcc+2)
	}
	if got := x.JccTarget(jcc); got != target {
		t.Errorf("expected target %#x, got %#x", target, got)
	}
	if got := x.JccCondCode(jcc); got != CondNE {
		t.Errorf("expected condition ne, got %v", got)
	}
}

// Smashing must change the target and nothing else about the instruction.
func TestSmashPreservesEncoding(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	t1 := cb.Base() + 100
	t2 := cb.Base() + 2000

	jmp := x.EmitSmashableJmp(cb, fx, t1)
	call := x.EmitSmashableCall(cb, fx, t1)
	jcc := x.EmitSmashableJcc(cb, fx, CondE, t1)

	x.SmashJmp(jmp, t2)
	x.SmashCall(call, t2)
	x.SmashJcc(jcc, t2)

	if peek(jmp) != 0xE9 || peek(call) != 0xE8 || peek(jcc) != 0x0F || peek(jcc+1) != 0x84 {
		t.Fatal("smash changed an opcode byte")
	}
	if x.JmpTarget(jmp) != t2 || x.CallTarget(call) != t2 || x.JccTarget(jcc) != t2 {
		t.Error("smash did not retarget all sites")
	}
	if x.JccCondCode(jcc) != CondE {
		t.Error("smash changed the jcc condition")
	}
}

func TestSmashRejectsWrongOpcode(t *testing.T) {
	x, cb, _ := newX64ForTest(t)
	cb.Emit([]byte{0x90, 0x90, 0x90, 0x90, 0x90})

	defer func() {
		if recover() == nil {
			t.Fatal("expected smash of a non-smashable site to abort")
		}
	}()
	x.SmashJmp(cb.Base(), cb.Base()+64)
}

// A reader racing a smash must only ever observe the old or the new target.
func TestSmashConcurrentReaderSeesOnlyValidTargets(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	t1 := cb.Base() + 100
	t2 := cb.Base() + 2000

	jmp := x.EmitSmashableJmp(cb, fx, t1)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			got := x.JmpTarget(jmp)
			if got != t1 && got != t2 {
				t.Errorf("reader observed torn target %#x", got)
				return
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		if i%2 == 0 {
			x.SmashJmp(jmp, t2)
		} else {
			x.SmashJmp(jmp, t1)
		}
	}
	stop.Store(true)
	wg.Wait()
}

func TestPrologueGuardLifecycle(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	redispatch := cb.Base() + 2048

	prologue := x.EmitFuncPrologue(cb, fx, 3, redispatch)

	if !x.FuncPrologueHasGuard(prologue) {
		t.Fatal("fresh prologue should have a live guard")
	}
	guard := x.FuncPrologueToGuard(prologue)
	if got := x.JccTarget(guard); got != redispatch {
		t.Errorf("expected guard target %#x, got %#x", redispatch, got)
	}
	if got := x.JccCondCode(guard); got != CondNE {
		t.Errorf("expected guard condition ne, got %v", got)
	}

	x.FuncPrologueSmashGuard(prologue)

	if x.FuncPrologueHasGuard(prologue) {
		t.Error("smashed guard still reports as live")
	}
	if got := x.JccTarget(guard); got != guard+smashJccLen {
		t.Errorf("smashed guard should target its fall-through %#x, got %#x",
			guard+smashJccLen, got)
	}
}

func TestServiceReqEncodesRequestCode(t *testing.T) {
	x, cb, fx := newX64ForTest(t)
	handler := TCA(0x7000_0000_1000)

	req := x.EmitServiceReq(cb, fx, ReqRetranslate, []uint64{42, 7}, handler)

	// mov edi, imm32 with the request code
	if peek(req) != 0xB8+7 {
		t.Fatalf("expected mov edi opcode BF, got %02X", peek(req))
	}
	code := uint32(peek(req+1)) | uint32(peek(req+2))<<8 |
		uint32(peek(req+3))<<16 | uint32(peek(req+4))<<24
	if code != uint32(ReqRetranslate) {
		t.Errorf("expected request code %d, got %d", ReqRetranslate, code)
	}
	if len(fx.AddressImmediates) != 1 {
		t.Errorf("expected handler address recorded, got %d immediates",
			len(fx.AddressImmediates))
	}
}

func TestServiceReqRejectsTooManyArgs(t *testing.T) {
	x, cb, fx := newX64ForTest(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected too many service-request args to abort")
		}
	}()
	x.EmitServiceReq(cb, fx, ReqBindJmp, []uint64{1, 2, 3, 4}, 0x1000)
}
