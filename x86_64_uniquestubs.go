package hotjit

// x86-64 unique stub bodies. Emission runs once, single-threaded, during
// warm-up; every encoding here bakes in the value-slot layout constants from
// refcount.go and the register roles from ABI().

// EmitUniqueStubs emits the full helper set into cb and returns the
// populated, immutable stub table.
func (x *x86_64BackEnd) EmitUniqueStubs(cb *CodeBlock, fx *Fixups, hooks HostHooks) *UniqueStubs {
	us := &UniqueStubs{}
	x.emitFunctionEnterHelper(cb, fx, hooks, us)
	x.emitFreeLocalsHelpers(cb, fx, hooks, us)
	x.emitCallToExit(cb, fx, hooks, us)
	x.emitEndCatchHelper(cb, fx, hooks, us)
	verbosef("unique stubs emitted: %d bytes in %q\n", cb.Len(), cb.Name())
	return us
}

// Function-enter trampoline. Reached by call from every translated
// prologue, with the frame in rbp and the argument count already in esi.
//
//	sub rsp, 24              ; fixed frame size, realigns the stack
//	mov rdi, rbp             ; frame argument
//	movabs rax, <hook>
//	call rax
//	test eax, eax
//	jnz intercept
//	add rsp, 24
//	ret                      ; resume normal dispatch in the translation
//	intercept:
//	add rsp, 32              ; drop frame and the dispatch return address
//	ret                      ; return to the designated continuation
func (x *x86_64BackEnd) emitFunctionEnterHelper(cb *CodeBlock, fx *Fixups, hooks HostHooks, us *UniqueStubs) {
	cb.Align(16, 0x90)
	us.FunctionEnterHelper = cb.Frontier()

	cb.Emit([]byte{0x48, 0x83, 0xEC, 0x18}) // sub rsp, 24
	cb.Emit([]byte{0x48, 0x89, 0xEF})       // mov rdi, rbp
	x.emitMovAddr(cb, fx, regRAX, hooks.FunctionEnter)
	x.emitCallReg(cb, regRAX)

	us.FunctionEnterHelperReturn = cb.Frontier()
	fx.addSyncPoint(cb.Len())

	cb.Emit([]byte{0x85, 0xC0})             // test eax, eax
	cb.Emit([]byte{0x75, 0x05})             // jnz +5 (to intercept)
	cb.Emit([]byte{0x48, 0x83, 0xC4, 0x18}) // add rsp, 24
	x.emitRet(cb)
	cb.Emit([]byte{0x48, 0x83, 0xC4, 0x20}) // add rsp, 32
	x.emitRet(cb)
}

// Single-slot release routine plus the unrolled and looping entry points.
//
// Protocol: rsi holds the address of the first slot to release, rdx the
// address of the last slot handled by the loop, ecx the slot's type tag.
// rdi is clobbered (it carries the data pointer into the release routine and
// the destructor).
func (x *x86_64BackEnd) emitFreeLocalsHelpers(cb *CodeBlock, fx *Fixups, hooks HostHooks, us *UniqueStubs) {
	// The release routine is very hot; keep it cache-aligned.
	cb.Align(x.CacheLineSize(), 0x90)
	release := cb.Frontier()
	us.DecRefHelper = release

	cb.Emit([]byte{0x48, 0x8B, 0x3E})                   // mov rdi, [rsi]
	cb.Emit([]byte{0x83, 0x7F, RefCountOff, 0x01})      // cmp dword [rdi+RefCountOff], 1
	jlDone := cb.Len() + 1                              //
	cb.Emit([]byte{0x7C, 0x00})                         // jl done (static value)
	jneDecr := cb.Len() + 1                             //
	cb.Emit([]byte{0x75, 0x00})                         // jne decr (count > 1)
	cb.Byte(0x56)                                       // push rsi
	cb.Byte(0x52)                                       // push rdx
	x.emitMovAddr(cb, fx, regRAX, hooks.DestructorTable)
	cb.Emit([]byte{0x48, 0x63, 0xC9}) // movsxd rcx, ecx
	cb.Emit([]byte{0xFF, 0x14, 0xC8}) // call [rax+rcx*8]
	fx.addSyncPoint(cb.Len())
	cb.Byte(0x5A) // pop rdx
	cb.Byte(0x5E) // pop rsi
	x.emitRet(cb)

	decr := cb.Len()
	cb.PatchByte(jneDecr, byte(decr-(jneDecr+1)))
	cb.Emit([]byte{0xFF, 0x4F, RefCountOff}) // dec dword [rdi+RefCountOff]

	done := cb.Len()
	cb.PatchByte(jlDone, byte(done-(jlDone+1)))
	x.emitRet(cb)

	// decrefLocal: release the slot at rsi if its type is refcounted.
	decrefLocal := func() {
		cb.Emit([]byte{0x48, 0x63, 0x4E, ValueTypeOff})      // movsxd rcx, dword [rsi+ValueTypeOff]
		cb.Emit([]byte{0x83, 0xF9, byte(KindRefCountThreshold)}) // cmp ecx, threshold
		cb.Emit([]byte{0x7E, 0x05})                          // jle +5 (skip the call)
		x.emitCallRel(cb, fx, release)                       // call release
	}
	nextLocal := func() {
		cb.Emit([]byte{0x48, 0x83, 0xC6, ValueSlotSize}) // add rsi, 16
	}

	cb.Align(16, 0x90)

	// Looping entry for functions with more than NumFreeLocalsHelpers
	// locals: release slots until rsi reaches the last loop-handled slot,
	// then fall through into the unrolled entries.
	us.FreeManyLocalsHelper = cb.Frontier()
	lastOff := int32(-(NumFreeLocalsHelpers) * ValueSlotSize)
	cb.Emit([]byte{0x48, 0x8D, 0x95}) // lea rdx, [rbp+disp32]
	cb.Word32(uint32(lastOff))
	loop := cb.Len()
	decrefLocal()
	nextLocal()
	cb.Emit([]byte{0x48, 0x39, 0xD6}) // cmp rsi, rdx
	rel := loop - (cb.Len() + 2)
	cb.Emit([]byte{0x75, byte(int8(rel))}) // jne loop

	// Unrolled entries: entry i releases i+1 locals, each falling through
	// into the next.
	for i := NumFreeLocalsHelpers - 1; i >= 0; i-- {
		us.FreeLocalsHelpers[i] = cb.Frontier()
		decrefLocal()
		if i != 0 {
			nextLocal()
		}
	}

	// All entry points share this return.
	x.emitRet(cb)

	// Build-time size invariant: the whole cluster must stay within a small
	// multiple of the cache line, or every function return in the program
	// slows down.
	if size := int(cb.Frontier() - release); size > freeLocalsSizeBudgetLines*x.CacheLineSize() {
		fatalf("free-locals helpers are %d bytes, budget is %d",
			size, freeLocalsSizeBudgetLines*x.CacheLineSize())
	}
}

// Boundary stub for leaving translated code: a bare transfer back to the
// host-side exit path.
func (x *x86_64BackEnd) emitCallToExit(cb *CodeBlock, fx *Fixups, hooks HostHooks, us *UniqueStubs) {
	cb.Align(16, 0x90)
	us.CallToExit = cb.Frontier()
	x.emitMovAddr(cb, fx, regRAX, hooks.EnterTCExit)
	x.emitJmpReg(cb, regRAX)
}

// End-catch helper: an exception has propagated into translated code.
//
// The debugger-return path and the native-resume path are emitted first,
// out of the hot line; the entry point branches on the thread-local
// debugger-return slot, then calls the host resume routine exactly once and
// branches solely on whether the returned catch trace is null.
func (x *x86_64BackEnd) emitEndCatchHelper(cb *CodeBlock, fx *Fixups, hooks HostHooks, us *UniqueStubs) {
	udrspo := uint32(hooks.UnwinderDebuggerReturnSPOff)

	// debuggerReturn: restore the saved stack pointer, clear the slot, and
	// request a post-debugger-return service.
	debuggerReturn := cb.Frontier()
	cb.Emit([]byte{0x49, 0x8B, 0xA4, 0x24}) // mov rsp, [r12+udrspo]
	cb.Word32(udrspo)
	cb.Emit([]byte{0x49, 0xC7, 0x84, 0x24}) // mov qword [r12+udrspo], 0
	cb.Word32(udrspo)
	cb.Word32(0)
	x.EmitServiceReq(cb, fx, ReqPostDebuggerRet, nil, hooks.ServiceReqHandler)

	// resumeNativeUnwind: hand the propagating exception back to the
	// platform unwinder.
	resumeNative := cb.Frontier()
	cb.Emit([]byte{0x49, 0x8B, 0xBC, 0x24}) // mov rdi, [r12+unwinderExnOff]
	cb.Word32(uint32(hooks.UnwinderExnOff))
	x.emitMovAddr(cb, fx, regRAX, hooks.NativeUnwindResume)
	x.emitCallReg(cb, regRAX)
	us.EndCatchHelperPast = cb.Frontier()
	x.emitUD2(cb) // the native unwinder does not return

	cb.Align(16, 0x90)
	us.EndCatchHelper = cb.Frontier()

	cb.Emit([]byte{0x49, 0x83, 0xBC, 0x24}) // cmp qword [r12+udrspo], 0
	cb.Word32(udrspo)
	cb.Byte(0x00)
	x.emitJccRel(cb, fx, CondNE, debuggerReturn)

	// Normal end-catch: call the host resume routine, which returns the
	// catch trace (or null) in rax and the corrected frame pointer in rdx.
	cb.Emit([]byte{0x48, 0x89, 0xEF}) // mov rdi, rbp
	x.emitMovAddr(cb, fx, regRAX, hooks.UnwindResume)
	x.emitCallReg(cb, regRAX)
	fx.addSyncPoint(cb.Len())
	cb.Emit([]byte{0x48, 0x89, 0xD5}) // mov rbp, rdx
	cb.Emit([]byte{0x48, 0x85, 0xC0}) // test rax, rax
	x.emitJccRel(cb, fx, CondE, resumeNative)
	x.emitJmpReg(cb, regRAX) // resume inside the translated catch trace
}

// jcc rel32 to a known target, recording the displacement site
func (x *x86_64BackEnd) emitJccRel(cb *CodeBlock, fx *Fixups, cc ConditionCode, target TCA) {
	cb.Byte(0x0F)
	cb.Byte(0x80 + uint8(cc))
	dispOff := cb.Len()
	rel := int64(target) - int64(cb.Frontier()) - 4
	if !fitsInt32(rel) {
		fatalf("jcc displacement %d does not fit in rel32", rel)
	}
	fx.addRelSite(dispOff, dispOff+4)
	cb.Word32(uint32(int32(rel)))
}
