package hotjit

// x86-64 back end. Variable-length instructions; smashable sites keep their
// 4-byte displacement naturally aligned so a single 32-bit store retargets
// them while other cores execute through the site.

// x86-64 register encodings
const (
	regRAX Reg = 0
	regRCX Reg = 1
	regRDX Reg = 2
	regRBX Reg = 3
	regRSP Reg = 4
	regRBP Reg = 5
	regRSI Reg = 6
	regRDI Reg = 7
	regR12 Reg = 12
	regR13 Reg = 13
	regR14 Reg = 14
	regR15 Reg = 15
)

type x86_64BackEnd struct{}

func newX86_64BackEnd() *x86_64BackEnd {
	return &x86_64BackEnd{}
}

func (x *x86_64BackEnd) Machine() Machine { return MachineX86_64 }

func (x *x86_64BackEnd) ABI() ABI {
	return ABI{
		SP:         regRSP,
		FP:         regRBP,
		TLSBase:    regR12,
		RetAddrReg: dwarfX64RIP,
		CalleeSaved: RegSet(0).
			Add(regRBX).Add(regRBP).
			Add(regR12).Add(regR13).Add(regR14).Add(regR15),
	}
}

func (x *x86_64BackEnd) CacheLineSize() int { return 64 }

func (x *x86_64BackEnd) Capabilities() Capability {
	return CapSmashable | CapFuncPrologueGuards | CapServiceRequests | CapUniqueStubs
}

// ===== Raw instruction emission =====

// movabs reg, imm64: REX.W B8+r imm64
func (x *x86_64BackEnd) emitMovImm64(cb *CodeBlock, reg Reg, imm uint64) {
	rex := uint8(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	cb.Byte(rex)
	cb.Byte(0xB8 + uint8(reg&7))
	cb.Word64(imm)
}

// movAddr loads an absolute code/data address, recording the immediate for
// relocation.
func (x *x86_64BackEnd) emitMovAddr(cb *CodeBlock, fx *Fixups, reg Reg, addr TCA) {
	rex := uint8(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	cb.Byte(rex)
	cb.Byte(0xB8 + uint8(reg&7))
	fx.addAddressImmediate(cb.Len())
	cb.Word64(uint64(addr))
}

// mov r32, imm32: B8+r imm32
func (x *x86_64BackEnd) emitMovImm32(cb *CodeBlock, reg Reg, imm uint32) {
	if reg >= 8 {
		cb.Byte(0x41)
	}
	cb.Byte(0xB8 + uint8(reg&7))
	cb.Word32(imm)
}

// call reg: FF /2
func (x *x86_64BackEnd) emitCallReg(cb *CodeBlock, reg Reg) {
	if reg >= 8 {
		cb.Byte(0x41)
	}
	cb.Byte(0xFF)
	cb.Byte(0xD0 + uint8(reg&7))
}

// jmp reg: FF /4
func (x *x86_64BackEnd) emitJmpReg(cb *CodeBlock, reg Reg) {
	if reg >= 8 {
		cb.Byte(0x41)
	}
	cb.Byte(0xFF)
	cb.Byte(0xE0 + uint8(reg&7))
}

// call rel32, recording the displacement site
func (x *x86_64BackEnd) emitCallRel(cb *CodeBlock, fx *Fixups, target TCA) {
	cb.Byte(0xE8)
	dispOff := cb.Len()
	rel := int64(target) - int64(cb.Frontier()) - 4
	if !fitsInt32(rel) {
		fatalf("call displacement %d does not fit in rel32", rel)
	}
	fx.addRelSite(dispOff, dispOff+4)
	cb.Word32(uint32(int32(rel)))
}

func (x *x86_64BackEnd) emitRet(cb *CodeBlock) { cb.Byte(0xC3) }
func (x *x86_64BackEnd) emitUD2(cb *CodeBlock) {
	cb.Byte(0x0F)
	cb.Byte(0x0B)
}

func fitsInt32(v int64) bool {
	return v >= -0x80000000 && v <= 0x7FFFFFFF
}

// ===== Smashable call-site protocol =====

// Layouts (opcode and length never change after emission):
//
//   jmp:  E9 <rel32>          5 bytes, rel32 4-byte aligned
//   call: E8 <rel32>          5 bytes, rel32 4-byte aligned
//   jcc:  0F 8x <rel32>       6 bytes, rel32 4-byte aligned
//
// A naturally aligned 4-byte field never crosses a cache line and is
// written with a single atomic store, so a concurrent fetch observes either
// the old or the new displacement and always decodes the same instruction.

const (
	smashJmpLen  = 5
	smashCallLen = 5
	smashJccLen  = 6
)

// padForSmash pads with single-byte NOPs until frontier+dispOff is 4-aligned.
func padForSmash(cb *CodeBlock, dispOff int) {
	for (uintptr(cb.Frontier())+uintptr(dispOff))%4 != 0 {
		cb.Byte(0x90)
	}
}

func (x *x86_64BackEnd) EmitSmashableJmp(cb *CodeBlock, fx *Fixups, target TCA) TCA {
	padForSmash(cb, 1)
	start := cb.Frontier()
	cb.Byte(0xE9)
	rel := int64(target) - int64(start) - smashJmpLen
	if !fitsInt32(rel) {
		fatalf("smashable jmp target %#x out of rel32 range from %#x", target, start)
	}
	fx.addSmashable(cb.Len() - 1)
	fx.addRelSite(cb.Len(), cb.Len()+4)
	cb.Word32(uint32(int32(rel)))
	return start
}

func (x *x86_64BackEnd) EmitSmashableCall(cb *CodeBlock, fx *Fixups, target TCA) TCA {
	padForSmash(cb, 1)
	start := cb.Frontier()
	cb.Byte(0xE8)
	rel := int64(target) - int64(start) - smashCallLen
	if !fitsInt32(rel) {
		fatalf("smashable call target %#x out of rel32 range from %#x", target, start)
	}
	fx.addSmashable(cb.Len() - 1)
	fx.addRelSite(cb.Len(), cb.Len()+4)
	cb.Word32(uint32(int32(rel)))
	return start
}

func (x *x86_64BackEnd) EmitSmashableJcc(cb *CodeBlock, fx *Fixups, cc ConditionCode, target TCA) TCA {
	padForSmash(cb, 2)
	start := cb.Frontier()
	cb.Byte(0x0F)
	cb.Byte(0x80 + uint8(cc))
	rel := int64(target) - int64(start) - smashJccLen
	if !fitsInt32(rel) {
		fatalf("smashable jcc target %#x out of rel32 range from %#x", target, start)
	}
	fx.addSmashable(cb.Len() - 2)
	fx.addRelSite(cb.Len(), cb.Len()+4)
	cb.Word32(uint32(int32(rel)))
	return start
}

// smashDisp atomically retargets the rel32 field at dispAddr, which belongs
// to an instruction ending at instrEnd.
func smashDisp(dispAddr, instrEnd, dest TCA) {
	if uintptr(dispAddr)%4 != 0 {
		fatalf("smash site %#x: displacement not 4-byte aligned", dispAddr)
	}
	rel := int64(dest) - int64(instrEnd)
	if !fitsInt32(rel) {
		fatalf("smash target %#x out of rel32 range from %#x", dest, instrEnd)
	}
	store32(dispAddr, uint32(int32(rel)))
}

func (x *x86_64BackEnd) SmashJmp(jmp, dest TCA) {
	if peek(jmp) != 0xE9 {
		fatalf("smashJmp at %#x: not a smashable jmp (opcode %#x)", jmp, peek(jmp))
	}
	smashDisp(jmp+1, jmp+smashJmpLen, dest)
}

func (x *x86_64BackEnd) SmashCall(call, dest TCA) {
	if peek(call) != 0xE8 {
		fatalf("smashCall at %#x: not a smashable call (opcode %#x)", call, peek(call))
	}
	smashDisp(call+1, call+smashCallLen, dest)
}

func (x *x86_64BackEnd) SmashJcc(jcc, dest TCA) {
	if peek(jcc) != 0x0F || peek(jcc+1)&0xF0 != 0x80 {
		fatalf("smashJcc at %#x: not a smashable jcc", jcc)
	}
	smashDisp(jcc+2, jcc+smashJccLen, dest)
}

func (x *x86_64BackEnd) JmpTarget(jmp TCA) TCA {
	if peek(jmp) != 0xE9 {
		return 0
	}
	return jmp + smashJmpLen + TCA(int32(load32(jmp+1)))
}

func (x *x86_64BackEnd) CallTarget(call TCA) TCA {
	if peek(call) != 0xE8 {
		return 0
	}
	return call + smashCallLen + TCA(int32(load32(call+1)))
}

func (x *x86_64BackEnd) JccTarget(jcc TCA) TCA {
	if peek(jcc) != 0x0F || peek(jcc+1)&0xF0 != 0x80 {
		return 0
	}
	return jcc + smashJccLen + TCA(int32(load32(jcc+2)))
}

func (x *x86_64BackEnd) JccCondCode(jcc TCA) ConditionCode {
	if peek(jcc) != 0x0F || peek(jcc+1)&0xF0 != 0x80 {
		fatalf("jccCondCode at %#x: not a smashable jcc", jcc)
	}
	return ConditionCode(peek(jcc+1) & 0x0F)
}

func (x *x86_64BackEnd) SmashableCallFromReturn(retAddr TCA) TCA {
	call := retAddr - smashCallLen
	if peek(call) != 0xE8 {
		return 0
	}
	return call
}

// ===== Function prologue guard =====

// A guarded prologue checks the passed argument count before the body:
//
//   cmp edi, <argc>        81 FF imm32
//   jne <redispatch>       smashable jcc
//   <body>
//
// The guard is removed by retargeting the jcc at its own fall-through, which
// is a one-way transition: the comparison still executes but the branch can
// no longer be taken.

func (x *x86_64BackEnd) EmitFuncPrologue(cb *CodeBlock, fx *Fixups, argc int, redispatch TCA) TCA {
	// Leave the guard jcc's displacement aligned regardless of where the
	// prologue itself starts.
	padForSmash(cb, 6+2)
	start := cb.Frontier()
	cb.Byte(0x81) // cmp edi, imm32
	cb.Byte(0xFF)
	cb.Word32(uint32(argc))
	x.EmitSmashableJcc(cb, fx, CondNE, redispatch)
	return start
}

// guard address: the jcc directly follows the 6-byte cmp
func (x *x86_64BackEnd) FuncPrologueToGuard(prologue TCA) TCA {
	if peek(prologue) != 0x81 || peek(prologue+1) != 0xFF {
		fatalf("prologue at %#x has no argument-count guard", prologue)
	}
	return prologue + 6
}

func (x *x86_64BackEnd) FuncPrologueHasGuard(prologue TCA) bool {
	if peek(prologue) != 0x81 || peek(prologue+1) != 0xFF {
		return false
	}
	guard := prologue + 6
	// Smashed guards point at their own fall-through.
	return x.JccTarget(guard) != guard+smashJccLen
}

func (x *x86_64BackEnd) FuncPrologueSmashGuard(prologue TCA) {
	guard := x.FuncPrologueToGuard(prologue)
	x.SmashJcc(guard, guard+smashJccLen)
}

// ===== Service requests =====

// Argument registers for service requests, after the request code in edi.
var x64ServiceReqArgRegs = []Reg{regRSI, regRDX, regRCX}

// EmitServiceReq emits a trampoline that materializes the request code and
// arguments and transfers to the shared handler.
func (x *x86_64BackEnd) EmitServiceReq(cb *CodeBlock, fx *Fixups, req ServiceRequest, args []uint64, handler TCA) TCA {
	if len(args) > len(x64ServiceReqArgRegs) {
		fatalf("service request %v: %d args exceed %d argument registers",
			req, len(args), len(x64ServiceReqArgRegs))
	}
	start := cb.Frontier()
	x.emitMovImm32(cb, regRDI, uint32(req))
	for i, arg := range args {
		x.emitMovImm64(cb, x64ServiceReqArgRegs[i], arg)
	}
	x.emitMovAddr(cb, fx, regRAX, handler)
	x.emitJmpReg(cb, regRAX)
	verbosef("emitted %v service request at %#x -> handler %#x\n", req, start, handler)
	return start
}

func (x *x86_64BackEnd) EmitInterpReq(cb *CodeBlock, fx *Fixups, spOff int64, handler TCA) TCA {
	return x.EmitServiceReq(cb, fx, ReqInterpret, []uint64{uint64(spOff)}, handler)
}
