package hotjit

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// TCA is a translation-cache address: the runtime address of a byte of
// emitted machine code.
type TCA uintptr

// Atomic loads and stores into live code. Smashing relies on these being
// single-copy atomic for naturally aligned operands; the emitters guarantee
// the alignment.

func load32(addr TCA) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
}

func store32(addr TCA, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), v)
}

func load64(addr TCA) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

func store64(addr TCA, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), v)
}

func peek(addr TCA) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

// CodeBlock is a contiguous, append-only emission buffer with a frontier.
// The backing memory never moves (fixed capacity, no reallocation), so
// frontier addresses handed out during emission stay valid: published code
// is modified only through the smashing protocol or the relocation engine.
type CodeBlock struct {
	name string
	mem  []byte
	n    int
}

// NewCodeBlock allocates a block with a fixed capacity.
func NewCodeBlock(name string, capacity int) *CodeBlock {
	if capacity <= 0 {
		fatalf("code block %q: capacity %d", name, capacity)
	}
	return &CodeBlock{name: name, mem: make([]byte, capacity)}
}

// blockOver wraps caller-owned memory (an executable page) in a CodeBlock.
func blockOver(name string, mem []byte) *CodeBlock {
	return &CodeBlock{name: name, mem: mem}
}

// Name returns the block's name, used in diagnostics.
func (cb *CodeBlock) Name() string { return cb.name }

// Base returns the address of the first byte of the block.
func (cb *CodeBlock) Base() TCA {
	return TCA(uintptr(unsafe.Pointer(&cb.mem[0])))
}

// Frontier returns the address where the next emitted byte will land.
func (cb *CodeBlock) Frontier() TCA {
	return cb.Base() + TCA(cb.n)
}

// Len returns the number of bytes emitted so far.
func (cb *CodeBlock) Len() int { return cb.n }

// Capacity returns the fixed capacity of the block.
func (cb *CodeBlock) Capacity() int { return len(cb.mem) }

// Bytes returns the emitted bytes. The slice aliases live code.
func (cb *CodeBlock) Bytes() []byte { return cb.mem[:cb.n] }

// Contains reports whether addr falls inside the emitted part of the block.
func (cb *CodeBlock) Contains(addr TCA) bool {
	return addr >= cb.Base() && addr < cb.Frontier()
}

// OffsetOf translates a block-internal address to a byte offset.
func (cb *CodeBlock) OffsetOf(addr TCA) int {
	if addr < cb.Base() || addr > cb.Frontier() {
		fatalf("address %#x not in code block %q", addr, cb.name)
	}
	return int(addr - cb.Base())
}

func (cb *CodeBlock) grow(n int) []byte {
	if cb.n+n > len(cb.mem) {
		fatalf("code block %q overflow: frontier %d + %d > capacity %d",
			cb.name, cb.n, n, len(cb.mem))
	}
	b := cb.mem[cb.n : cb.n+n]
	cb.n += n
	return b
}

// Byte appends one byte at the frontier.
func (cb *CodeBlock) Byte(b byte) {
	cb.grow(1)[0] = b
}

// Emit appends raw bytes at the frontier.
func (cb *CodeBlock) Emit(bs []byte) {
	copy(cb.grow(len(bs)), bs)
}

// Word32 appends a little-endian 32-bit value at the frontier.
func (cb *CodeBlock) Word32(v uint32) {
	binary.LittleEndian.PutUint32(cb.grow(4), v)
}

// Word64 appends a little-endian 64-bit value at the frontier.
func (cb *CodeBlock) Word64(v uint64) {
	binary.LittleEndian.PutUint64(cb.grow(8), v)
}

// PatchByte rewrites one already-emitted byte. Only used before a region is
// published; live code is modified through the smashing protocol instead.
func (cb *CodeBlock) PatchByte(off int, b byte) {
	if off < 0 || off >= cb.n {
		fatalf("patch offset %d outside emitted range of %q", off, cb.name)
	}
	cb.mem[off] = b
}

// Patch32 rewrites an already-emitted little-endian 32-bit field.
func (cb *CodeBlock) Patch32(off int, v uint32) {
	if off < 0 || off+4 > cb.n {
		fatalf("patch offset %d outside emitted range of %q", off, cb.name)
	}
	binary.LittleEndian.PutUint32(cb.mem[off:], v)
}

// Patch64 rewrites an already-emitted little-endian 64-bit field.
func (cb *CodeBlock) Patch64(off int, v uint64) {
	if off < 0 || off+8 > cb.n {
		fatalf("patch offset %d outside emitted range of %q", off, cb.name)
	}
	binary.LittleEndian.PutUint64(cb.mem[off:], v)
}

// Align pads with fill bytes until the frontier address is a multiple of n.
func (cb *CodeBlock) Align(n int, fill byte) {
	for uintptr(cb.Frontier())%uintptr(n) != 0 {
		cb.Byte(fill)
	}
}

// Align32 pads with a 32-bit filler word (an architecture NOP) until the
// frontier is a multiple of n. n and the current frontier must be
// word-aligned.
func (cb *CodeBlock) Align32(n int, fill uint32) {
	if uintptr(cb.Frontier())%4 != 0 {
		fatalf("code block %q: frontier not word-aligned", cb.name)
	}
	for uintptr(cb.Frontier())%uintptr(n) != 0 {
		cb.Word32(fill)
	}
}
