package event

import (
	"fmt"
	"unsafe"
)

// Kind is the type of heap event.
type Kind uint64

// Kind values. The order defines the wire tag and must not change.
const (
	FieldSet Kind = iota
	NewObject
	NewArray
	ArrayElemSet
	CopyObject
	CopyArray
	CopyArrayOffsets
	CopyArrayLength
	MoveObject
	ClearContiguousSpace
	NewPrimitiveArray
	CopySameArray
	NewObjectSizeInBits
	FieldSetWithNewObject
	CopyNewObject
	CopyNewArray
	CopyNewArrayOfSameLength
	None
	Dummy
)

const (
	// TagBits is the number of low bits of Dst used to store the kind.
	TagBits = 15

	tagMask = 1<<TagBits - 1
)

// Size is the number of bytes taken by one event slot.
const Size = uint64(unsafe.Sizeof(Event{}))

var kindNames = [...]string{
	FieldSet:                 "FieldSet",
	NewObject:                "NewObject",
	NewArray:                 "NewArray",
	ArrayElemSet:             "ArrayElemSet",
	CopyObject:               "CopyObject",
	CopyArray:                "CopyArray",
	CopyArrayOffsets:         "CopyArrayOffsets",
	CopyArrayLength:          "CopyArrayLength",
	MoveObject:               "MoveObject",
	ClearContiguousSpace:     "ClearContiguousSpace",
	NewPrimitiveArray:        "NewPrimitiveArray",
	CopySameArray:            "CopySameArray",
	NewObjectSizeInBits:      "NewObjectSizeInBits",
	FieldSetWithNewObject:    "FieldSetWithNewObject",
	CopyNewObject:            "CopyNewObject",
	CopyNewArray:             "CopyNewArray",
	CopyNewArrayOfSameLength: "CopyNewArrayOfSameLength",
	None:                     "None",
	Dummy:                    "Dummy",
}

func (k Kind) String() string {
	if k < Kind(len(kindNames)) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint64(k))
}

// IsAllocation tells if event of this kind creates a shadow node.
func (k Kind) IsAllocation() bool {
	switch k {
	case NewObject, NewArray, NewPrimitiveArray, NewObjectSizeInBits, FieldSetWithNewObject, CopyNewObject,
		CopyNewArray, CopyNewArrayOfSameLength:
		return true
	default:
		return false
	}
}

// IsPaired tells if event of this kind is followed by the operand slot.
func (k Kind) IsPaired() bool {
	switch k {
	case FieldSetWithNewObject, CopyArray, CopySameArray, CopyNewArray:
		return true
	default:
		return false
	}
}

// Event is the 16-byte record stored in the log.
type Event struct {
	Src uint64
	Dst uint64
}

// Encode packs kind into the low bits of Dst.
// FieldSet is left unencoded because it is the hot path.
func Encode(kind Kind, e Event) Event {
	if kind == FieldSet {
		return e
	}
	return Event{Src: e.Src, Dst: uint64(kind) | e.Dst<<TagBits}
}

// DecodeKind extracts kind from encoded event.
func DecodeKind(e Event) Kind {
	return Kind(e.Dst & tagMask)
}

// Decode removes the kind tag from the event.
func Decode(e Event) Event {
	return Event{Src: e.Src, Dst: e.Dst >> TagBits}
}

// IsRawFieldSet recognizes unencoded field-set records.
// It is a heuristic: an encoded record whose Dst happens to fall into [heapLow, heapHigh) is misclassified.
func IsRawFieldSet(e Event, heapLow, heapHigh uint64) bool {
	if e.Dst < heapLow || e.Dst >= heapHigh {
		return false
	}
	return e.Src == 0 || (e.Src >= heapLow && e.Src < heapHigh)
}

// Classify returns kind and decoded payload of the stored event.
func Classify(e Event, heapLow, heapHigh uint64) (Kind, Event) {
	if IsRawFieldSet(e, heapLow, heapHigh) {
		return FieldSet, e
	}
	return DecodeKind(e), Decode(e)
}
