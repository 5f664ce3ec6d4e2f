package hotjit

// ARM64 back end. Fixed-width instructions rule out rel32 smashing; every
// smashable site loads its target from an 8-byte inline literal instead, and
// retargeting is a single atomic 8-byte store to that literal. The decoded
// instructions never change after emission.
//
// This port is incomplete: only the smashable call-site protocol is
// implemented. The remaining operations abort through unimplemented() so an
// accidental call can never emit wrong code silently.

// ARM64 register encodings
const (
	regX17 Reg = 17 // intra-procedure scratch, free at every smash site
	regX19 Reg = 19
	regX28 Reg = 28
	regFP  Reg = 29
	regLR  Reg = 30
	regSP  Reg = 31
)

// a64Nop is the canonical NOP word, used as alignment filler.
const a64Nop = 0xD503201F

type arm64BackEnd struct{}

func newARM64BackEnd() *arm64BackEnd {
	return &arm64BackEnd{}
}

func (a *arm64BackEnd) Machine() Machine { return MachineARM64 }

func (a *arm64BackEnd) ABI() ABI {
	cs := RegSet(0).Add(regFP)
	for r := regX19; r <= regX28; r++ {
		cs = cs.Add(r)
	}
	return ABI{
		SP:          regSP,
		FP:          regFP,
		TLSBase:     regX28,
		RetAddrReg:  dwarfARM64LR,
		CalleeSaved: cs,
	}
}

func (a *arm64BackEnd) CacheLineSize() int { return 64 }

func (a *arm64BackEnd) Capabilities() Capability {
	return CapSmashable
}

// ===== Instruction words =====

// ldr x17, #off (literal): 0x58000000 | imm19<<5 | rt
func a64LdrLit17(byteOff int32) uint32 {
	if byteOff%4 != 0 || byteOff < -(1<<20) || byteOff >= 1<<20 {
		fatalf("ldr literal offset %d out of range", byteOff)
	}
	imm19 := uint32(byteOff/4) & 0x7FFFF
	return 0x58000000 | imm19<<5 | uint32(regX17)
}

const (
	a64BrX17  = 0xD61F0220 // br x17
	a64BlrX17 = 0xD63F0220 // blr x17
)

// b #off: 0x14000000 | imm26
func a64B(byteOff int32) uint32 {
	return 0x14000000 | (uint32(byteOff/4) & 0x3FFFFFF)
}

// b.<cond> #off: 0x54000000 | imm19<<5 | cond
func a64BCond(byteOff int32, cond uint8) uint32 {
	return 0x54000000 | (uint32(byteOff/4)&0x7FFFF)<<5 | uint32(cond&0xF)
}

// a64Cond translates a condition code to the ARM64 condition field. Parity
// conditions have no ARM64 equivalent; emitting one aborts.
func a64Cond(cc ConditionCode) uint8 {
	switch cc {
	case CondO:
		return 0x6 // vs
	case CondNO:
		return 0x7 // vc
	case CondB:
		return 0x3 // lo
	case CondAE:
		return 0x2 // hs
	case CondE:
		return 0x0 // eq
	case CondNE:
		return 0x1 // ne
	case CondBE:
		return 0x9 // ls
	case CondA:
		return 0x8 // hi
	case CondS:
		return 0x4 // mi
	case CondNS:
		return 0x5 // pl
	case CondL:
		return 0xB // lt
	case CondGE:
		return 0xA // ge
	case CondLE:
		return 0xD // le
	case CondG:
		return 0xC // gt
	}
	unimplemented("condition code " + cc.String() + " on arm64")
	return 0
}

// a64CondToCC is the inverse of a64Cond.
func a64CondToCC(cond uint8) ConditionCode {
	table := map[uint8]ConditionCode{
		0x0: CondE, 0x1: CondNE, 0x2: CondAE, 0x3: CondB,
		0x4: CondS, 0x5: CondNS, 0x6: CondO, 0x7: CondNO,
		0x8: CondA, 0x9: CondBE, 0xA: CondGE, 0xB: CondL,
		0xC: CondG, 0xD: CondLE,
	}
	cc, ok := table[cond&0xF]
	if !ok {
		fatalf("arm64 condition field %#x has no translation", cond)
	}
	return cc
}

// ===== Smashable call-site protocol =====

// Layouts (the 8-byte literal is naturally aligned; the instruction words
// never change after emission):
//
//	jmp, 16 bytes, literal at +8:
//	    ldr  x17, [pc, #8]
//	    br   x17
//	    .quad target
//
//	call, 24 bytes, literal at +8, returns to call+24:
//	    b    +16
//	    nop
//	    .quad target
//	    ldr  x17, [pc, #-8]
//	    blr  x17
//
//	jcc, 24 bytes, literal at +16:
//	    b.<inverted cc> +24
//	    ldr  x17, [pc, #12]
//	    br   x17
//	    nop
//	    .quad target

const (
	a64SmashJmpLen  = 16
	a64SmashCallLen = 24
	a64SmashJccLen  = 24

	a64JmpLiteralOff  = 8
	a64CallLiteralOff = 8
	a64JccLiteralOff  = 16
)

func (a *arm64BackEnd) EmitSmashableJmp(cb *CodeBlock, fx *Fixups, target TCA) TCA {
	cb.Align32(8, a64Nop)
	start := cb.Frontier()
	cb.Word32(a64LdrLit17(8))
	cb.Word32(a64BrX17)
	fx.addSmashable(cb.Len() - 8)
	fx.addAddressImmediate(cb.Len())
	cb.Word64(uint64(target))
	return start
}

func (a *arm64BackEnd) EmitSmashableCall(cb *CodeBlock, fx *Fixups, target TCA) TCA {
	cb.Align32(8, a64Nop)
	start := cb.Frontier()
	cb.Word32(a64B(16))
	cb.Word32(a64Nop)
	fx.addSmashable(cb.Len() - 8)
	fx.addAddressImmediate(cb.Len())
	cb.Word64(uint64(target))
	cb.Word32(a64LdrLit17(-8))
	cb.Word32(a64BlrX17)
	return start
}

func (a *arm64BackEnd) EmitSmashableJcc(cb *CodeBlock, fx *Fixups, cc ConditionCode, target TCA) TCA {
	cb.Align32(8, a64Nop)
	start := cb.Frontier()
	// Inverting the condition lets the taken path run the literal load.
	cb.Word32(a64BCond(24, a64Cond(cc)^1))
	cb.Word32(a64LdrLit17(12))
	cb.Word32(a64BrX17)
	cb.Word32(a64Nop)
	fx.addSmashable(cb.Len() - 16)
	fx.addAddressImmediate(cb.Len())
	cb.Word64(uint64(target))
	return start
}

// a64SmashLiteral atomically retargets the inline literal at addr.
func a64SmashLiteral(addr TCA, dest TCA) {
	if uintptr(addr)%8 != 0 {
		fatalf("smash site %#x: literal not 8-byte aligned", addr)
	}
	store64(addr, uint64(dest))
}

func a64IsJmp(jmp TCA) bool {
	return load32(jmp) == a64LdrLit17(8) && load32(jmp+4) == a64BrX17
}

func a64IsCall(call TCA) bool {
	return load32(call) == a64B(16) && load32(call+16) == a64LdrLit17(-8) &&
		load32(call+20) == a64BlrX17
}

func a64IsJcc(jcc TCA) bool {
	return load32(jcc)&^0xF == a64BCond(24, 0) &&
		load32(jcc+4) == a64LdrLit17(12) && load32(jcc+8) == a64BrX17
}

func (a *arm64BackEnd) SmashJmp(jmp, dest TCA) {
	if !a64IsJmp(jmp) {
		fatalf("smashJmp at %#x: not a smashable jmp", jmp)
	}
	a64SmashLiteral(jmp+a64JmpLiteralOff, dest)
}

func (a *arm64BackEnd) SmashCall(call, dest TCA) {
	if !a64IsCall(call) {
		fatalf("smashCall at %#x: not a smashable call", call)
	}
	a64SmashLiteral(call+a64CallLiteralOff, dest)
}

func (a *arm64BackEnd) SmashJcc(jcc, dest TCA) {
	if !a64IsJcc(jcc) {
		fatalf("smashJcc at %#x: not a smashable jcc", jcc)
	}
	a64SmashLiteral(jcc+a64JccLiteralOff, dest)
}

func (a *arm64BackEnd) JmpTarget(jmp TCA) TCA {
	if !a64IsJmp(jmp) {
		return 0
	}
	return TCA(load64(jmp + a64JmpLiteralOff))
}

func (a *arm64BackEnd) CallTarget(call TCA) TCA {
	if !a64IsCall(call) {
		return 0
	}
	return TCA(load64(call + a64CallLiteralOff))
}

func (a *arm64BackEnd) JccTarget(jcc TCA) TCA {
	if !a64IsJcc(jcc) {
		return 0
	}
	return TCA(load64(jcc + a64JccLiteralOff))
}

func (a *arm64BackEnd) JccCondCode(jcc TCA) ConditionCode {
	if !a64IsJcc(jcc) {
		fatalf("jccCondCode at %#x: not a smashable jcc", jcc)
	}
	// The emitted branch carries the inverted condition.
	return a64CondToCC(uint8(load32(jcc)&0xF) ^ 1)
}

func (a *arm64BackEnd) SmashableCallFromReturn(retAddr TCA) TCA {
	call := retAddr - a64SmashCallLen
	if !a64IsCall(call) {
		return 0
	}
	return call
}

// ===== Unported operations =====

func (a *arm64BackEnd) EmitFuncPrologue(cb *CodeBlock, fx *Fixups, argc int, redispatch TCA) TCA {
	unimplemented("EmitFuncPrologue on arm64")
	return 0
}

func (a *arm64BackEnd) FuncPrologueHasGuard(prologue TCA) bool {
	unimplemented("FuncPrologueHasGuard on arm64")
	return false
}

func (a *arm64BackEnd) FuncPrologueToGuard(prologue TCA) TCA {
	unimplemented("FuncPrologueToGuard on arm64")
	return 0
}

func (a *arm64BackEnd) FuncPrologueSmashGuard(prologue TCA) {
	unimplemented("FuncPrologueSmashGuard on arm64")
}

func (a *arm64BackEnd) EmitServiceReq(cb *CodeBlock, fx *Fixups, req ServiceRequest, args []uint64, handler TCA) TCA {
	unimplemented("EmitServiceReq on arm64")
	return 0
}

func (a *arm64BackEnd) EmitInterpReq(cb *CodeBlock, fx *Fixups, spOff int64, handler TCA) TCA {
	unimplemented("EmitInterpReq on arm64")
	return 0
}

func (a *arm64BackEnd) EmitUniqueStubs(cb *CodeBlock, fx *Fixups, hooks HostHooks) *UniqueStubs {
	unimplemented("EmitUniqueStubs on arm64")
	return nil
}
