package hotjit

// Value-slot layout shared between the host runtime and generated code.
// A local is a 16-byte slot: a data pointer followed by a 32-bit type tag.
// Refcounted heap values keep their count in a 32-bit header field.
// The stub emitters bake these constants into instruction encodings, so
// changing them is an ABI break.
const (
	ValueSlotSize = 16
	ValueDataOff  = 0
	ValueTypeOff  = 8

	// Offset of the refcount within a heap value's header.
	RefCountOff = 8
)

// DataType tags a value slot. Types above KindRefCountThreshold are
// refcounted; the rest are plain bits and releasing them is a no-op.
type DataType int32

const (
	KindUninit DataType = iota
	KindNull
	KindBool
	KindInt
	KindDouble
	KindString
	KindArray
	KindObject
)

// KindRefCountThreshold separates plain values from refcounted ones.
const KindRefCountThreshold = KindDouble

// IsRefCounted reports whether values of this type carry a refcount.
func (t DataType) IsRefCounted() bool {
	return t > KindRefCountThreshold
}

// HeapValue is the Go view of a refcounted heap value header. Generated
// code reaches the Count field through RefCountOff.
type HeapValue struct {
	Data  uint64 // payload word, opaque here
	Count int32
	Kind  DataType
}

// TypedValue is the Go view of one value slot.
type TypedValue struct {
	Data *HeapValue
	Kind DataType
}

// ReleaseValue is the reference semantics for the local-release helpers:
// plain types are left alone; a count above one is decremented; a count of
// exactly one destroys the value through destroy. The emitted DecRefHelper
// must match this behavior instruction for instruction.
func ReleaseValue(tv *TypedValue, destroy func(*HeapValue)) {
	if !tv.Kind.IsRefCounted() {
		return
	}
	if tv.Data.Count > 1 {
		tv.Data.Count--
		return
	}
	if tv.Data.Count == 1 {
		destroy(tv.Data)
	}
	// Counts below one mark static values; nothing to do.
}

// ReleaseLocals releases count locals starting at the given slot, in slot
// order. This is what the unrolled stubs and the looping helper compute.
func ReleaseLocals(locals []TypedValue, count int, destroy func(*HeapValue)) {
	for i := 0; i < count; i++ {
		ReleaseValue(&locals[i], destroy)
	}
}
