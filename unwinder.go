package hotjit

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Unwinder consumes raw .eh_frame buffers. The system implementation in
// unwinder_unix.go feeds the platform unwinder; FrameRegistry is an
// in-process implementation used standalone and in tests.
type Unwinder interface {
	RegisterFrame(frame []byte) error
	DeregisterFrame(frame []byte) error
}

// EHFrameHandle keeps one registered .eh_frame buffer alive. Handles are
// refcounted across goroutines; the buffer is deregistered exactly once, when
// the last reference is released. A released handle must not be used again.
type EHFrameHandle struct {
	unw   Unwinder
	frame []byte
	refs  int32
}

func registerEHFrame(unw Unwinder, frame []byte) *EHFrameHandle {
	if len(frame) == 0 {
		fatalf("registering empty eh-frame buffer")
	}
	if err := unw.RegisterFrame(frame); err != nil {
		fatalf("eh-frame registration failed: %v", err)
	}
	return &EHFrameHandle{unw: unw, frame: frame, refs: 1}
}

// Frame returns the registered buffer.
func (h *EHFrameHandle) Frame() []byte { return h.frame }

// Retain adds a reference and returns the handle.
func (h *EHFrameHandle) Retain() *EHFrameHandle {
	if atomic.AddInt32(&h.refs, 1) <= 1 {
		fatalf("retain of released eh-frame handle")
	}
	return h
}

// Release drops a reference, deregistering the buffer when the count hits
// zero.
func (h *EHFrameHandle) Release() {
	n := atomic.AddInt32(&h.refs, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		fatalf("release of released eh-frame handle")
	}
	if err := h.unw.DeregisterFrame(h.frame); err != nil {
		fatalf("eh-frame deregistration failed: %v", err)
	}
}

// FrameRegistry is an in-process Unwinder: it tracks registered buffers and
// answers covering-FDE queries without involving the platform runtime.
type FrameRegistry struct {
	mu     sync.Mutex
	frames map[*byte][]byte
}

// NewFrameRegistry returns an empty registry.
func NewFrameRegistry() *FrameRegistry {
	return &FrameRegistry{frames: make(map[*byte][]byte)}
}

// RegisterFrame adds a buffer. Registering the same buffer twice aborts.
func (r *FrameRegistry) RegisterFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := &frame[0]
	if _, dup := r.frames[key]; dup {
		fatalf("eh-frame buffer registered twice")
	}
	r.frames[key] = frame
	return nil
}

// DeregisterFrame removes a previously registered buffer.
func (r *FrameRegistry) DeregisterFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := &frame[0]
	if _, ok := r.frames[key]; !ok {
		fatalf("deregistering unknown eh-frame buffer")
	}
	delete(r.frames, key)
	return nil
}

// Size returns the number of registered buffers.
func (r *FrameRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// FindFDE returns the registered buffer and record offset of the FDE whose
// range covers pc, or (nil, 0, false).
func (r *FrameRegistry) FindFDE(pc TCA) ([]byte, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, frame := range r.frames {
		off := 0
		for off+4 <= len(frame) {
			length := int(binary.LittleEndian.Uint32(frame[off:]))
			if length == 0 { // terminator
				break
			}
			next := off + 4 + length
			if next > len(frame) {
				fatalf("eh-frame record at %d overruns buffer", off)
			}
			// CIE pointer zero marks a CIE; anything else is an FDE with
			// an 8-byte initial PC and range.
			if binary.LittleEndian.Uint32(frame[off+4:]) != 0 {
				start := TCA(binary.LittleEndian.Uint64(frame[off+8:]))
				size := binary.LittleEndian.Uint64(frame[off+16:])
				if pc >= start && pc < start+TCA(size) {
					return frame, off, true
				}
			}
			off = next
		}
	}
	return nil, 0, false
}
