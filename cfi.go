package hotjit

import "encoding/binary"

// DWARF call-frame information for runtime-generated code. The writer builds
// a raw .eh_frame buffer (one CIE followed by FDEs) that the platform
// unwinder can consume directly; registration hands the buffer to an
// Unwinder and yields a refcounted handle (see unwinder.go).

// DWARF register columns. These are unwinder column numbers, not hardware
// encodings; on x86-64 the two disagree.
const (
	dwarfX64RBP = 6
	dwarfX64RSP = 7
	dwarfX64RIP = 16

	dwarfARM64FP = 29
	dwarfARM64LR = 30
	dwarfARM64SP = 31
)

// Call-frame instruction opcodes
const (
	dwCFANop              = 0x00
	dwCFAAdvanceLoc       = 0x40 // high 2 bits; low 6 are the delta
	dwCFAOffset           = 0x80 // high 2 bits; low 6 are the register
	dwCFARestore          = 0xC0 // high 2 bits; low 6 are the register
	dwCFASameValue        = 0x08
	dwCFADefCFA           = 0x0C
	dwCFADefCFARegister   = 0x0D
	dwCFADefCFAOffset     = 0x0E
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11
)

// Expression opcodes
const (
	dwOpDeref  = 0x06
	dwOpConsts = 0x11
	dwOpPlus   = 0x22
	dwOpBregx  = 0x92
)

// Pointer encodings for the augmentation data
const dwEHPEAbsptr = 0x00

// EHFrameWriter builds one .eh_frame buffer: a CIE, then FDEs covering
// regions of generated code. Records carry a leading length field that is
// only known at the end, so Begin/End pairs backpatch it.
type EHFrameWriter struct {
	buf []byte

	cieOff int // offset of the open or finished CIE, -1 before BeginCIE
	fdeOff int // offset of the open FDE, -1 when none
	pcOff  int // offset of the last FDE's 8-byte initial-PC field
}

// NewEHFrameWriter returns an empty writer.
func NewEHFrameWriter() *EHFrameWriter {
	return &EHFrameWriter{cieOff: -1, fdeOff: -1, pcOff: -1}
}

// Bytes returns the buffer built so far.
func (w *EHFrameWriter) Bytes() []byte { return w.buf }

// PCOff returns the buffer offset of the most recent FDE's initial-PC field,
// for carrying the covered address forward across relocation.
func (w *EHFrameWriter) PCOff() int { return w.pcOff }

func (w *EHFrameWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *EHFrameWriter) word32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *EHFrameWriter) word64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *EHFrameWriter) uleb(v uint64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.byte(b)
		if v == 0 {
			return
		}
	}
}

func (w *EHFrameWriter) sleb(v int64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			w.byte(b)
			return
		}
		w.byte(b | 0x80)
	}
}

// BeginCIE opens the common information entry. retReg is the DWARF column of
// the return address; a nonzero personality adds a "P" augmentation carrying
// the absolute routine address. Code alignment is 1 and data alignment -8,
// matching 8-byte stack slots.
func (w *EHFrameWriter) BeginCIE(retReg uint8, personality TCA) {
	if w.cieOff != -1 {
		fatalf("eh-frame writer: CIE already written")
	}
	w.cieOff = len(w.buf)
	w.word32(0) // length, patched by EndCIE
	w.word32(0) // CIE id

	w.byte(1) // version
	if personality != 0 {
		w.byte('z')
		w.byte('P')
		w.byte('R')
		w.byte(0)
	} else {
		w.byte('z')
		w.byte('R')
		w.byte(0)
	}
	w.uleb(1)  // code alignment factor
	w.sleb(-8) // data alignment factor
	w.uleb(uint64(retReg))

	if personality != 0 {
		w.uleb(2 + 8) // augmentation data length
		w.byte(dwEHPEAbsptr)
		w.word64(uint64(personality))
	} else {
		w.uleb(1)
	}
	w.byte(dwEHPEAbsptr) // FDE pointer encoding
}

// EndCIE pads the entry to an 8-byte boundary and patches its length.
func (w *EHFrameWriter) EndCIE() {
	w.endRecord(w.cieOff)
}

// BeginFDE opens a frame description entry covering code starting at start.
// The range is patched in by EndFDE.
func (w *EHFrameWriter) BeginFDE(start TCA) {
	if w.cieOff == -1 {
		fatalf("eh-frame writer: FDE before CIE")
	}
	if w.fdeOff != -1 {
		fatalf("eh-frame writer: FDE already open")
	}
	w.fdeOff = len(w.buf)
	w.word32(0) // length, patched by EndFDE
	// CIE pointer: distance from this field back to the CIE.
	w.word32(uint32(len(w.buf) - w.cieOff))
	w.pcOff = len(w.buf)
	w.word64(uint64(start))
	w.word64(0) // address range, patched by EndFDE
	w.uleb(0)   // augmentation data length
}

// EndFDE closes the open FDE, recording the size of the covered region.
func (w *EHFrameWriter) EndFDE(size uint64) {
	if w.fdeOff == -1 {
		fatalf("eh-frame writer: no open FDE")
	}
	binary.LittleEndian.PutUint64(w.buf[w.pcOff+8:], size)
	w.endRecord(w.fdeOff)
	w.fdeOff = -1
}

// NullFDE writes the zero-length terminator record.
func (w *EHFrameWriter) NullFDE() {
	w.word32(0)
}

// endRecord pads with DW_CFA_nop to 8 bytes and backpatches the length field
// at off. The length excludes the field itself.
func (w *EHFrameWriter) endRecord(off int) {
	for (len(w.buf)-off)%8 != 0 {
		w.byte(dwCFANop)
	}
	binary.LittleEndian.PutUint32(w.buf[off:], uint32(len(w.buf)-off-4))
}

// ===== Call-frame instructions =====

// DefCFA sets the canonical frame address to reg+off.
func (w *EHFrameWriter) DefCFA(reg uint8, off uint64) {
	w.byte(dwCFADefCFA)
	w.uleb(uint64(reg))
	w.uleb(off)
}

// DefCFARegister moves the CFA to a new register, keeping the offset.
func (w *EHFrameWriter) DefCFARegister(reg uint8) {
	w.byte(dwCFADefCFARegister)
	w.uleb(uint64(reg))
}

// DefCFAOffset changes the CFA offset, keeping the register.
func (w *EHFrameWriter) DefCFAOffset(off uint64) {
	w.byte(dwCFADefCFAOffset)
	w.uleb(off)
}

// AdvanceLoc moves the current location forward by delta code bytes.
func (w *EHFrameWriter) AdvanceLoc(delta uint8) {
	if delta >= 0x40 {
		fatalf("eh-frame writer: advance_loc delta %d too large", delta)
	}
	w.byte(dwCFAAdvanceLoc | delta)
}

// Offset records reg as saved at CFA minus off data-alignment units.
func (w *EHFrameWriter) Offset(reg uint8, off uint64) {
	if reg >= 0x40 {
		fatalf("eh-frame writer: register %d needs offset_extended", reg)
	}
	w.byte(dwCFAOffset | reg)
	w.uleb(off)
}

// OffsetExtendedSF records reg as saved at a signed factored offset.
func (w *EHFrameWriter) OffsetExtendedSF(reg uint8, off int64) {
	w.byte(dwCFAOffsetExtendedSF)
	w.uleb(uint64(reg))
	w.sleb(off)
}

// SameValue records that reg still holds its caller value.
func (w *EHFrameWriter) SameValue(reg uint8) {
	w.byte(dwCFASameValue)
	w.uleb(uint64(reg))
}

// Restore resets reg to its CIE rule.
func (w *EHFrameWriter) Restore(reg uint8) {
	if reg >= 0x40 {
		fatalf("eh-frame writer: register %d needs restore_extended", reg)
	}
	w.byte(dwCFARestore | reg)
}

// ===== Expressions =====

// An expression rule computes a register's saved location with a small
// DWARF program. The length prefix is a single uleb byte patched by
// EndExpression, which caps the program at 127 bytes.

type expressionMark int

// BeginExpression opens an expression rule for reg.
func (w *EHFrameWriter) BeginExpression(reg uint8) expressionMark {
	w.byte(dwCFAExpression)
	w.uleb(uint64(reg))
	mark := expressionMark(len(w.buf))
	w.byte(0) // length, patched by EndExpression
	return mark
}

// EndExpression closes the expression opened at mark.
func (w *EHFrameWriter) EndExpression(mark expressionMark) {
	n := len(w.buf) - int(mark) - 1
	if n >= 0x80 {
		fatalf("eh-frame writer: expression of %d bytes exceeds one-byte length", n)
	}
	w.buf[mark] = byte(n)
}

// OpBregx pushes reg's value plus a signed offset.
func (w *EHFrameWriter) OpBregx(reg uint8, off int64) {
	w.byte(dwOpBregx)
	w.uleb(uint64(reg))
	w.sleb(off)
}

// OpDeref replaces the top of stack with the value it points at.
func (w *EHFrameWriter) OpDeref() { w.byte(dwOpDeref) }

// OpConsts pushes a signed constant.
func (w *EHFrameWriter) OpConsts(v int64) {
	w.byte(dwOpConsts)
	w.sleb(v)
}

// OpPlus adds the top two stack entries.
func (w *EHFrameWriter) OpPlus() { w.byte(dwOpPlus) }

// ===== Registration =====

// RegisterAndRelease hands the finished buffer to the unwinder and returns a
// refcounted handle; the writer must not be reused afterwards. The buffer
// stays registered until the last handle reference is released.
func (w *EHFrameWriter) RegisterAndRelease(unw Unwinder) *EHFrameHandle {
	if w.fdeOff != -1 {
		fatalf("eh-frame writer: registering with an open FDE")
	}
	buf := w.buf
	w.buf = nil
	return registerEHFrame(unw, buf)
}
