package hotjit

import (
	"errors"
	"testing"

	"github.com/xyproto/env/v2"
)

func TestBackEndSelection(t *testing.T) {
	tests := []struct {
		machine Machine
		caps    Capability
	}{
		{MachineX86_64, CapSmashable | CapFuncPrologueGuards | CapServiceRequests | CapUniqueStubs},
		{MachineARM64, CapSmashable},
	}
	for _, tt := range tests {
		t.Run(tt.machine.String(), func(t *testing.T) {
			be, err := newBackEndFor(tt.machine)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if be.Machine() != tt.machine {
				t.Errorf("expected machine %v, got %v", tt.machine, be.Machine())
			}
			if be.Capabilities() != tt.caps {
				t.Errorf("expected capabilities %b, got %b", tt.caps, be.Capabilities())
			}
		})
	}
}

func TestBackEndSelectionFromEnv(t *testing.T) {
	// env/v2 snapshots the environment at package init; pick up the override
	// here and drop it again once the test's env restore has run.
	t.Cleanup(env.Load)
	t.Setenv("HOTJIT_ARCH", "aarch64")
	env.Load()
	be, err := NewBackEnd()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if be.Machine() != MachineARM64 {
		t.Errorf("expected arm64 from HOTJIT_ARCH, got %v", be.Machine())
	}

	t.Setenv("HOTJIT_ARCH", "vax")
	env.Load()
	if _, err := NewBackEnd(); err == nil {
		t.Error("expected an error for an unsupported architecture")
	}
}

func TestX86ABI(t *testing.T) {
	abi := newX86_64BackEnd().ABI()
	if abi.SP != regRSP || abi.FP != regRBP || abi.TLSBase != regR12 {
		t.Errorf("unexpected register roles: sp=%d fp=%d tls=%d", abi.SP, abi.FP, abi.TLSBase)
	}
	if abi.RetAddrReg != dwarfX64RIP {
		t.Errorf("expected return-address column %d, got %d", dwarfX64RIP, abi.RetAddrReg)
	}
	for _, r := range []Reg{regRBX, regRBP, regR12, regR13, regR14, regR15} {
		if !abi.CalleeSaved.Contains(r) {
			t.Errorf("register %d missing from callee-saved set", r)
		}
	}
	if abi.CalleeSaved.Contains(regRAX) {
		t.Error("rax must not be callee-saved")
	}
}

func TestARM64ABI(t *testing.T) {
	abi := newARM64BackEnd().ABI()
	if abi.SP != regSP || abi.FP != regFP || abi.TLSBase != regX28 {
		t.Errorf("unexpected register roles: sp=%d fp=%d tls=%d", abi.SP, abi.FP, abi.TLSBase)
	}
	if abi.RetAddrReg != dwarfARM64LR {
		t.Errorf("expected return-address column %d, got %d", dwarfARM64LR, abi.RetAddrReg)
	}
	for r := regX19; r <= regX28; r++ {
		if !abi.CalleeSaved.Contains(r) {
			t.Errorf("x%d missing from callee-saved set", r)
		}
	}
}

// Operations outside the advertised capability set must abort with the
// distinguished unimplemented error, never emit anything.
func TestARM64UnportedOperationsAbort(t *testing.T) {
	a := newARM64BackEnd()
	cb := NewCodeBlock("test", 256)
	fx := &Fixups{}

	calls := []struct {
		name string
		op   func()
	}{
		{"EmitFuncPrologue", func() { a.EmitFuncPrologue(cb, fx, 1, 0x1000) }},
		{"FuncPrologueHasGuard", func() { a.FuncPrologueHasGuard(0x1000) }},
		{"EmitServiceReq", func() { a.EmitServiceReq(cb, fx, ReqBindJmp, nil, 0x1000) }},
		{"EmitInterpReq", func() { a.EmitInterpReq(cb, fx, 0, 0x1000) }},
		{"EmitUniqueStubs", func() { a.EmitUniqueStubs(cb, fx, HostHooks{}) }},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			before := cb.Len()
			defer func() {
				v := recover()
				if v == nil {
					t.Fatal("expected the unported operation to abort")
				}
				err, ok := v.(*FatalError)
				if !ok || !errors.Is(err, ErrUnimplemented) {
					t.Fatalf("expected an unimplemented fatal, got %v", v)
				}
				if cb.Len() != before {
					t.Error("aborted operation emitted bytes")
				}
			}()
			c.op()
		})
	}
}

func TestARM64SmashableJmp(t *testing.T) {
	a := newARM64BackEnd()
	cb := NewCodeBlock("test", 1024)
	fx := &Fixups{}
	t1 := TCA(0x7000_0000_1000)
	t2 := TCA(0x7000_0000_2000)

	jmp := a.EmitSmashableJmp(cb, fx, t1)

	if uintptr(jmp)%8 != 0 {
		t.Fatalf("jmp site %#x not 8-byte aligned", jmp)
	}
	if load32(jmp) != a64LdrLit17(8) || load32(jmp+4) != a64BrX17 {
		t.Fatalf("unexpected jmp words %08X %08X", load32(jmp), load32(jmp+4))
	}
	if got := a.JmpTarget(jmp); got != t1 {
		t.Errorf("expected target %#x, got %#x", t1, got)
	}

	a.SmashJmp(jmp, t2)
	if got := a.JmpTarget(jmp); got != t2 {
		t.Errorf("expected smashed target %#x, got %#x", t2, got)
	}
	if load32(jmp) != a64LdrLit17(8) || load32(jmp+4) != a64BrX17 {
		t.Error("smash changed an instruction word")
	}
}

func TestARM64SmashableCall(t *testing.T) {
	a := newARM64BackEnd()
	cb := NewCodeBlock("test", 1024)
	fx := &Fixups{}
	target := TCA(0x7000_0000_3000)

	call := a.EmitSmashableCall(cb, fx, target)

	if got := a.CallTarget(call); got != target {
		t.Errorf("expected target %#x, got %#x", target, got)
	}
	if got := a.SmashableCallFromReturn(call + a64SmashCallLen); got != call {
		t.Errorf("expected call site %#x from return address, got %#x", call, got)
	}
	a.SmashCall(call, target+64)
	if got := a.CallTarget(call); got != target+64 {
		t.Errorf("expected smashed target %#x, got %#x", target+64, got)
	}
}

func TestARM64SmashableJcc(t *testing.T) {
	a := newARM64BackEnd()
	cb := NewCodeBlock("test", 1024)
	fx := &Fixups{}
	target := TCA(0x7000_0000_4000)

	for _, cc := range []ConditionCode{CondE, CondNE, CondL, CondA} {
		jcc := a.EmitSmashableJcc(cb, fx, cc, target)
		if got := a.JccTarget(jcc); got != target {
			t.Errorf("%v: expected target %#x, got %#x", cc, target, got)
		}
		if got := a.JccCondCode(jcc); got != cc {
			t.Errorf("expected condition %v back, got %v", cc, got)
		}
		a.SmashJcc(jcc, target+128)
		if got := a.JccTarget(jcc); got != target+128 {
			t.Errorf("%v: expected smashed target %#x, got %#x", cc, target+128, got)
		}
	}
}

func TestARM64ParityConditionAborts(t *testing.T) {
	a := newARM64BackEnd()
	cb := NewCodeBlock("test", 256)

	defer func() {
		v := recover()
		if v == nil {
			t.Fatal("expected parity condition to abort")
		}
		err, ok := v.(*FatalError)
		if !ok || !errors.Is(err, ErrUnimplemented) {
			t.Fatalf("expected an unimplemented fatal, got %v", v)
		}
	}()
	a.EmitSmashableJcc(cb, &Fixups{}, CondP, 0x1000)
}
