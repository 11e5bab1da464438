package heap

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/types"
)

// MemoryArrayBaseOffset is the size of array header used by in-memory heap.
const MemoryArrayBaseOffset = 2 * types.WordSize

// NewMemory creates in-memory heap occupying [low, high).
func NewMemory(low, high types.Address) *Memory {
	return &Memory{
		low:        low,
		high:       high,
		next:       low,
		objects:    map[types.Address]*memoryObject{},
		forwarding: map[types.Address]types.Address{},
		marks:      map[types.Address]struct{}{},
	}
}

type memoryObject struct {
	kind             event.Kind
	size             uint64
	referenceOffsets []uint64
	slots            map[uint64]types.Address
}

// Memory is the heap kept in go maps. It implements Heap and is used as the reference collaborator.
type Memory struct {
	low, high  types.Address
	next       types.Address
	objects    map[types.Address]*memoryObject
	forwarding map[types.Address]types.Address
	marks      map[types.Address]struct{}
	roots      []types.Address
}

// AllocateObject allocates instance of size words having reference fields at provided byte offsets.
func (m *Memory) AllocateObject(size uint64, referenceOffsets ...uint64) (types.Address, error) {
	for _, offset := range referenceOffsets {
		if offset%types.WordSize != 0 || offset >= size*types.WordSize {
			return 0, errors.Errorf("reference offset %d is invalid for object of %d words", offset, size)
		}
	}
	return m.allocate(event.NewObject, size, slices.Clone(referenceOffsets))
}

// AllocateArray allocates array of references.
func (m *Memory) AllocateArray(length uint64) (types.Address, error) {
	return m.allocate(event.NewArray, length, nil)
}

// AllocatePrimitiveArray allocates array of primitive values.
func (m *Memory) AllocatePrimitiveArray(length uint64) (types.Address, error) {
	return m.allocate(event.NewPrimitiveArray, length, nil)
}

// Place puts object at the address. Address range must be free.
func (m *Memory) Place(addr types.Address, kind event.Kind, size uint64, referenceOffsets ...uint64) error {
	extent := types.Address(Extent(kind, size, MemoryArrayBaseOffset))
	if addr < m.low || addr+extent > m.high {
		return errors.Errorf("object [%#x, %#x) is outside the heap", addr, addr+extent)
	}
	for a, obj := range m.objects {
		if a < addr+extent && addr < a+types.Address(Extent(obj.kind, obj.size, MemoryArrayBaseOffset)) {
			return errors.Errorf("object [%#x, %#x) overlaps object at %#x", addr, addr+extent, a)
		}
	}
	m.objects[addr] = &memoryObject{
		kind:             kind,
		size:             size,
		referenceOffsets: slices.Clone(referenceOffsets),
		slots:            map[uint64]types.Address{},
	}
	if addr+extent > m.next {
		m.next = addr + extent
	}
	return nil
}

// Set stores reference in the slot of object.
func (m *Memory) Set(addr types.Address, offset uint64, value types.Address) error {
	obj, err := m.object(addr)
	if err != nil {
		return err
	}
	if !obj.isReferenceSlot(offset) {
		return errors.Errorf("offset %d of object %#x is not a reference slot", offset, addr)
	}
	obj.slots[offset] = value
	return nil
}

// Get returns reference stored in the slot of object.
func (m *Memory) Get(addr types.Address, offset uint64) (types.Address, error) {
	obj, err := m.object(addr)
	if err != nil {
		return 0, err
	}
	return obj.slots[offset], nil
}

// Move relocates object and leaves forwarding pointer behind.
func (m *Memory) Move(src, dst types.Address) error {
	obj, err := m.object(src)
	if err != nil {
		return err
	}
	delete(m.objects, src)
	if err := m.Place(dst, obj.kind, obj.size, obj.referenceOffsets...); err != nil {
		m.objects[src] = obj
		return err
	}
	m.objects[dst].slots = obj.slots
	m.forwarding[src] = dst
	if _, marked := m.marks[src]; marked {
		delete(m.marks, src)
		m.marks[dst] = struct{}{}
	}
	return nil
}

// Remove frees the object.
func (m *Memory) Remove(addr types.Address) {
	delete(m.objects, addr)
	delete(m.marks, addr)
}

// Mark sets mark bit of the object.
func (m *Memory) Mark(addr types.Address) {
	m.marks[addr] = struct{}{}
}

// AddRoot adds GC root.
func (m *Memory) AddRoot(addr types.Address) {
	m.roots = append(m.roots, addr)
}

// Objects iterates over live objects in address order.
func (m *Memory) Objects() func(func(Object) bool) {
	return func(yield func(Object) bool) {
		addrs := lo.Keys(m.objects)
		slices.Sort(addrs)
		for _, addr := range addrs {
			obj := m.objects[addr]
			if !yield(Object{Address: addr, Kind: obj.kind, Size: obj.size}) {
				return
			}
		}
	}
}

// Roots returns GC roots.
func (m *Memory) Roots() []types.Address {
	return slices.Clone(m.roots)
}

// ReferenceOffsets returns byte offsets of reference fields of the instance.
func (m *Memory) ReferenceOffsets(addr types.Address) ([]uint64, bool) {
	obj, exists := m.objects[addr]
	if !exists || obj.kind != event.NewObject {
		return nil, false
	}
	return obj.referenceOffsets, true
}

// ArrayBaseOffset returns byte offset of the first array element.
func (m *Memory) ArrayBaseOffset() uint64 {
	return MemoryArrayBaseOffset
}

// References returns reference slots of the object.
func (m *Memory) References(obj Object) []Reference {
	o, exists := m.objects[obj.Address]
	if !exists {
		return nil
	}

	switch o.kind {
	case event.NewObject:
		return lo.Map(o.referenceOffsets, func(offset uint64, _ int) Reference {
			return Reference{Offset: offset, Value: o.slots[offset]}
		})
	case event.NewArray:
		refs := make([]Reference, 0, o.size)
		for i := range o.size {
			offset := MemoryArrayBaseOffset + i*types.WordSize
			refs = append(refs, Reference{Offset: offset, Value: o.slots[offset]})
		}
		return refs
	default:
		return nil
	}
}

// Forwardee returns the forwarding target of the address.
func (m *Memory) Forwardee(addr types.Address) (types.Address, bool) {
	dst, exists := m.forwarding[addr]
	return dst, exists
}

// IsMarked tells if the mark bit of the object is set.
func (m *Memory) IsMarked(addr types.Address) bool {
	_, marked := m.marks[addr]
	return marked
}

// Bounds returns the reserved heap range.
func (m *Memory) Bounds() (types.Address, types.Address) {
	return m.low, m.high
}

func (m *Memory) allocate(kind event.Kind, size uint64, referenceOffsets []uint64) (types.Address, error) {
	addr := m.next
	extent := types.Address(Extent(kind, size, MemoryArrayBaseOffset))
	if extent == 0 {
		extent = types.WordSize
	}
	if addr+extent > m.high {
		return 0, errors.New("out of space")
	}
	m.objects[addr] = &memoryObject{
		kind:             kind,
		size:             size,
		referenceOffsets: referenceOffsets,
		slots:            map[uint64]types.Address{},
	}
	m.next = addr + extent
	return addr, nil
}

func (m *Memory) object(addr types.Address) (*memoryObject, error) {
	obj, exists := m.objects[addr]
	if !exists {
		return nil, errors.Errorf("object %#x does not exist", addr)
	}
	return obj, nil
}

func (o *memoryObject) isReferenceSlot(offset uint64) bool {
	switch o.kind {
	case event.NewObject:
		return lo.Contains(o.referenceOffsets, offset)
	case event.NewArray:
		return offset >= MemoryArrayBaseOffset && offset%types.WordSize == 0 &&
			(offset-MemoryArrayBaseOffset)/types.WordSize < o.size
	default:
		return false
	}
}
