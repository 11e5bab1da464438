package heap

import (
	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/types"
)

// Object describes live heap object.
type Object struct {
	Address types.Address

	// Kind is one of event.NewObject, event.NewArray and event.NewPrimitiveArray.
	Kind event.Kind

	// Size is the number of words of instance or the length of array.
	Size uint64
}

// Reference is the reference slot of live object.
type Reference struct {
	// Offset is the byte offset of the slot from the start of the object.
	Offset uint64
	Value  types.Address
}

// ObjectIterator walks live heap.
type ObjectIterator interface {
	Objects() func(func(Object) bool)
}

// RootEnumerator enumerates GC roots.
type RootEnumerator interface {
	Roots() []types.Address
}

// Layout describes object layouts.
type Layout interface {
	// ReferenceOffsets returns byte offsets of reference fields declared by the class of the instance.
	ReferenceOffsets(addr types.Address) ([]uint64, bool)

	// ArrayBaseOffset returns byte offset of the first array element.
	ArrayBaseOffset() uint64
}

// ReferenceReader reads reference slots of live objects.
type ReferenceReader interface {
	References(obj Object) []Reference
}

// Forwarder resolves forwarding pointers left by moving collector.
type Forwarder interface {
	Forwardee(addr types.Address) (types.Address, bool)
}

// Marker exposes collector mark bits.
type Marker interface {
	IsMarked(addr types.Address) bool
}

// Bounds returns the reserved heap range.
type Bounds interface {
	Bounds() (low, high types.Address)
}

// Heap is the set of capabilities required from the collector.
type Heap interface {
	ObjectIterator
	RootEnumerator
	Layout
	ReferenceReader
	Forwarder
	Marker
	Bounds
}

// Extent returns the number of bytes occupied by the object.
func Extent(kind event.Kind, size, arrayBaseOffset uint64) uint64 {
	if kind == event.NewObject {
		return size * types.WordSize
	}
	return arrayBaseOffset + size*types.WordSize
}
