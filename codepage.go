//go:build unix

package hotjit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CodePage is an mmap'd region of executable memory backing one or more
// code blocks. Pages start writable+executable so warm-up can emit directly;
// MakeExecutable drops the write permission once the contents are published.
type CodePage struct {
	mem  []byte
	size int
}

// AllocateCodePage maps size bytes (rounded up to the page size) of
// anonymous read/write/execute memory.
func AllocateCodePage(size int) (*CodePage, error) {
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %v", err)
	}

	verbosef("allocated %d byte code page at %#x\n", allocSize, &mem[0])

	return &CodePage{mem: mem, size: allocSize}, nil
}

// Block wraps the page in a CodeBlock for emission.
func (p *CodePage) Block(name string) *CodeBlock {
	return blockOver(name, p.mem)
}

// Size returns the mapped size in bytes.
func (p *CodePage) Size() int { return p.size }

// MakeExecutable drops write permission. On architectures without coherent
// instruction fetch the protection change also forces the kernel's cache
// maintenance, so callers use it as the post-smash synchronization step.
func (p *CodePage) MakeExecutable() error {
	if err := unix.Mprotect(p.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect failed: %v", err)
	}
	return nil
}

// MakeWritable restores write permission for patching.
func (p *CodePage) MakeWritable() error {
	if err := unix.Mprotect(p.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect failed: %v", err)
	}
	return nil
}

// Free unmaps the page. No code in it may be executing.
func (p *CodePage) Free() error {
	if p.mem == nil {
		return nil
	}
	if err := unix.Munmap(p.mem); err != nil {
		return fmt.Errorf("munmap failed: %v", err)
	}
	p.mem = nil
	return nil
}
