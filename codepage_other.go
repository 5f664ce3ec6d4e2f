//go:build !unix

package hotjit

import "fmt"

// CodePage stubs for platforms without mmap'd executable memory.
type CodePage struct {
	size int
}

func AllocateCodePage(size int) (*CodePage, error) {
	return nil, fmt.Errorf("executable code pages not supported on this platform")
}

func (p *CodePage) Block(name string) *CodeBlock {
	return nil
}

func (p *CodePage) Size() int {
	return 0
}

func (p *CodePage) MakeExecutable() error {
	return fmt.Errorf("executable code pages not supported on this platform")
}

func (p *CodePage) MakeWritable() error {
	return fmt.Errorf("executable code pages not supported on this platform")
}

func (p *CodePage) Free() error {
	return nil
}
