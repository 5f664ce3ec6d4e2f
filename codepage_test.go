//go:build unix

package hotjit

import "testing"

func TestCodePageLifecycle(t *testing.T) {
	page, err := AllocateCodePage(100)
	if err != nil {
		t.Skipf("cannot map executable memory here: %v", err)
	}
	defer page.Free()

	if page.Size()%4096 != 0 {
		t.Errorf("page size %d not page-rounded", page.Size())
	}

	cb := page.Block("main")
	x := newX86_64BackEnd()
	x.emitRet(cb)

	if err := page.MakeExecutable(); err != nil {
		t.Fatalf("make executable: %v", err)
	}
	if err := page.MakeWritable(); err != nil {
		t.Fatalf("make writable: %v", err)
	}

	// Smashing into a live page goes through the same atomics as heap-backed
	// blocks.
	fx := &Fixups{}
	jmp := x.EmitSmashableJmp(cb, fx, cb.Base())
	x.SmashJmp(jmp, cb.Base()+4)
	if got := x.JmpTarget(jmp); got != cb.Base()+4 {
		t.Errorf("expected target %#x, got %#x", cb.Base()+4, got)
	}
}

func TestCodePageDoubleFree(t *testing.T) {
	page, err := AllocateCodePage(64)
	if err != nil {
		t.Skipf("cannot map executable memory here: %v", err)
	}
	if err := page.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := page.Free(); err != nil {
		t.Errorf("second free should be a no-op, got %v", err)
	}
}
