//go:build linux || darwin

package hotjit

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// SystemUnwinder registers generated unwind records with the platform
// unwinder, so native exception propagation and profilers can walk through
// generated frames. The registration entry points live in the system unwind
// library and are called through purego.
type SystemUnwinder struct {
	registerFrame   uintptr
	deregisterFrame uintptr
}

// NewSystemUnwinder locates __register_frame and __deregister_frame in the
// platform unwind library.
func NewSystemUnwinder() (*SystemUnwinder, error) {
	lib := "libgcc_s.so.1"
	if runtime.GOOS == "darwin" {
		lib = "/usr/lib/system/libunwind.dylib"
	}
	h, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %v", lib, err)
	}
	reg, err := purego.Dlsym(h, "__register_frame")
	if err != nil {
		return nil, fmt.Errorf("resolving __register_frame: %v", err)
	}
	dereg, err := purego.Dlsym(h, "__deregister_frame")
	if err != nil {
		return nil, fmt.Errorf("resolving __deregister_frame: %v", err)
	}
	return &SystemUnwinder{registerFrame: reg, deregisterFrame: dereg}, nil
}

// RegisterFrame hands a raw .eh_frame buffer to the platform unwinder. The
// caller keeps the buffer alive until deregistration; the refcounted handle
// from RegisterAndRelease takes care of that.
func (u *SystemUnwinder) RegisterFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty eh-frame buffer")
	}
	purego.SyscallN(u.registerFrame, uintptr(unsafe.Pointer(&frame[0])))
	return nil
}

// DeregisterFrame removes a previously registered buffer.
func (u *SystemUnwinder) DeregisterFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty eh-frame buffer")
	}
	purego.SyscallN(u.deregisterFrame, uintptr(unsafe.Pointer(&frame[0])))
	return nil
}
