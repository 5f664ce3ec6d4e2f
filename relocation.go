package hotjit

import "encoding/binary"

// Relocation moves a finished region of machine code to a new address and
// repairs everything that baked the old address in: absolute immediates,
// PC-relative displacements, unwind records, and smashable sites elsewhere
// that still branch into the old range.
//
// The adjustment passes are idempotent. Absolute immediates and unwind
// records key off the value found at the site, so re-running the pass leaves
// them alone. A rewritten rel32 displacement is indistinguishable from an
// unadjusted one, so the fixup table instead remembers the relocation last
// applied to it and a repeat application is skipped outright.

// RelocationInfo describes one completed move: the old range and where its
// first byte now lives.
type RelocationInfo struct {
	SrcStart TCA
	SrcEnd   TCA
	DstStart TCA
}

// Delta is the signed distance the region moved.
func (ri *RelocationInfo) Delta() int64 {
	return int64(ri.DstStart) - int64(ri.SrcStart)
}

// ContainsSrc reports whether addr lies inside the moved range.
func (ri *RelocationInfo) ContainsSrc(addr TCA) bool {
	return addr >= ri.SrcStart && addr < ri.SrcEnd
}

// Adjust maps an address through the move: addresses inside the old range
// shift by the delta, everything else passes through unchanged.
func (ri *RelocationInfo) Adjust(addr TCA) TCA {
	if ri.ContainsSrc(addr) {
		return TCA(int64(addr) + ri.Delta())
	}
	return addr
}

// Relocator performs moves between code blocks it owns. Ownership is the
// safety boundary: handing it an address outside its blocks means some other
// component's code would be rewritten, which is treated as cache corruption.
type Relocator struct {
	be     BackEnd
	blocks []*CodeBlock
}

// NewRelocator returns a relocator for the given back end with no owned
// blocks.
func NewRelocator(be BackEnd) *Relocator {
	return &Relocator{be: be}
}

// Own registers a code block as relocatable by this relocator.
func (r *Relocator) Own(cb *CodeBlock) {
	r.blocks = append(r.blocks, cb)
}

// owns returns the owned block containing addr, or aborts.
func (r *Relocator) owns(addr TCA) *CodeBlock {
	for _, cb := range r.blocks {
		if cb.Contains(addr) {
			return cb
		}
	}
	fatalf("relocation touches unowned address %#x", addr)
	return nil
}

func (r *Relocator) ownsBlock(cb *CodeBlock) {
	for _, b := range r.blocks {
		if b == cb {
			return
		}
	}
	fatalf("relocation touches unowned block %q", cb.Name())
}

// Relocate copies the emitted contents of src to the frontier of dst and
// repairs the copy in place. It returns the move descriptor and the fixup
// table for the new copy; offsets in the returned table are relative to
// RelocationInfo.DstStart. The source bytes are left untouched so code still
// executing there keeps running until the caller retires it.
func (r *Relocator) Relocate(src *CodeBlock, fx *Fixups, dst *CodeBlock) (*RelocationInfo, *Fixups) {
	if src.Len() == 0 {
		fatalf("relocating empty block %q", src.Name())
	}
	r.ownsBlock(src)
	r.ownsBlock(dst)
	dstStart := dst.Frontier()
	dst.Emit(src.Bytes())

	ri := &RelocationInfo{SrcStart: src.Base(), SrcEnd: src.Frontier(), DstStart: dstStart}
	dstFx := fx.Clone()
	// Unwind records are shared buffers; the copy gets its own.
	for i, f := range dstFx.EHFrames {
		dstFx.EHFrames[i].Frame = append([]byte(nil), f.Frame...)
	}
	r.AdjustForRelocation(dst, dstStart, dstFx, ri)
	verbosef("relocated %q: %#x..%#x -> %#x (delta %d)\n",
		src.Name(), ri.SrcStart, ri.SrcEnd, ri.DstStart, ri.Delta())
	return ri, dstFx
}

// AdjustForRelocation repairs one region's address-sensitive sites after a
// move. cb holds the region, start is its first byte, and fx lists the sites
// relative to start. Calling it again with the same relocation is a no-op;
// a different relocation (a later move) applies normally.
func (r *Relocator) AdjustForRelocation(cb *CodeBlock, start TCA, fx *Fixups, ri *RelocationInfo) {
	r.owns(start)
	if fx.adjusted == ri {
		return
	}
	base := cb.OffsetOf(start)
	mem := cb.Bytes()

	// Absolute 8-byte immediates shift with the region they point into.
	for _, off := range fx.AddressImmediates {
		v := TCA(binary.LittleEndian.Uint64(mem[base+off:]))
		if adj := ri.Adjust(v); adj != v {
			cb.Patch64(base+off, uint64(adj))
		}
	}

	// PC-relative displacements: a target inside the moved range keeps its
	// displacement (both ends moved together); an external target needs the
	// displacement recomputed from the new instruction address, with an
	// indirect trampoline appended when the distance no longer fits.
	for _, site := range fx.RelSites {
		disp := int64(int32(binary.LittleEndian.Uint32(mem[base+site.Off:])))
		oldEnd := ri.SrcStart + TCA(site.End)
		target := TCA(int64(oldEnd) + disp)
		if ri.ContainsSrc(target) {
			continue
		}
		newEnd := start + TCA(site.End)
		rel := int64(target) - int64(newEnd)
		if !fitsInt32(rel) {
			tramp := r.emitTrampoline(cb, start, fx, target)
			rel = int64(tramp) - int64(newEnd)
			if !fitsInt32(rel) {
				fatalf("trampoline at %#x still out of range of %#x", tramp, newEnd)
			}
		}
		cb.Patch32(base+site.Off, uint32(int32(rel)))
	}

	// Smashable sites rely on naturally aligned operands; a move that breaks
	// the alignment would make later smashes non-atomic.
	for _, off := range fx.Smashables {
		r.verifySmashAlignment(start + TCA(off))
	}

	// Carry the unwind records' covered PC forward.
	for _, f := range fx.EHFrames {
		pc := TCA(binary.LittleEndian.Uint64(f.Frame[f.PCOff:]))
		if adj := ri.Adjust(pc); adj != pc {
			binary.LittleEndian.PutUint64(f.Frame[f.PCOff:], uint64(adj))
		}
	}

	fx.adjusted = ri
}

// verifySmashAlignment aborts if the smashable site at addr no longer has a
// naturally aligned operand.
func (r *Relocator) verifySmashAlignment(site TCA) {
	switch r.be.Machine() {
	case MachineX86_64:
		var dispAddr TCA
		switch peek(site) {
		case 0xE9, 0xE8:
			dispAddr = site + 1
		case 0x0F:
			dispAddr = site + 2
		default:
			fatalf("smashable site at %#x does not decode", site)
		}
		if uintptr(dispAddr)%4 != 0 {
			fatalf("relocation misaligned smashable operand at %#x", dispAddr)
		}
	case MachineARM64:
		if uintptr(site)%8 != 0 {
			fatalf("relocation misaligned smashable site %#x", site)
		}
	}
}

// emitTrampoline appends an indirect jump to target at the block frontier and
// returns its address. The landing quad is registered as an address immediate
// (relative to the region start) so a later move of this block adjusts it too.
func (r *Relocator) emitTrampoline(cb *CodeBlock, start TCA, fx *Fixups, target TCA) TCA {
	switch r.be.Machine() {
	case MachineX86_64:
		cb.Align(8, 0x90)
		tramp := cb.Frontier()
		cb.Emit([]byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}) // jmp [rip+0]
		fx.addAddressImmediate(int(cb.Frontier() - start))
		cb.Word64(uint64(target))
		return tramp
	default:
		// ARM64 smashable sites use absolute literals, never rel32 fields,
		// so relocation cannot run out of displacement range there.
		unimplemented("relocation trampoline on " + r.be.Machine().String())
		return 0
	}
}

// RetargetSmashed repairs one published smashable site that lives outside the
// moved range but branches into it. The site is decoded in place; sites whose
// target did not move are left alone.
func (r *Relocator) RetargetSmashed(site TCA, ri *RelocationInfo) {
	r.owns(site)
	if t := r.be.JmpTarget(site); t != 0 {
		if adj := ri.Adjust(t); adj != t {
			r.be.SmashJmp(site, adj)
		}
		return
	}
	if t := r.be.CallTarget(site); t != 0 {
		if adj := ri.Adjust(t); adj != t {
			r.be.SmashCall(site, adj)
		}
		return
	}
	if t := r.be.JccTarget(site); t != 0 {
		if adj := ri.Adjust(t); adj != t {
			r.be.SmashJcc(site, adj)
		}
		return
	}
	fatalf("retarget at %#x: not a smashable site", site)
}
