package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/types"
)

const (
	heapLow  types.Address = 0x10000000
	heapHigh types.Address = 0x10010000
)

func TestExtent(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(uint64(24), Extent(event.NewObject, 3, 16))
	requireT.Equal(uint64(48), Extent(event.NewArray, 4, 16))
	requireT.Equal(uint64(16), Extent(event.NewPrimitiveArray, 0, 16))
}

func TestAllocate(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(heapLow, heapHigh)
	obj, err := m.AllocateObject(3, 0, 16)
	requireT.NoError(err)
	arr, err := m.AllocateArray(2)
	requireT.NoError(err)
	prim, err := m.AllocatePrimitiveArray(5)
	requireT.NoError(err)

	requireT.Equal(heapLow, obj)
	requireT.Equal(heapLow+24, arr)
	requireT.Equal(heapLow+24+32, prim)

	objects := []Object{}
	for o := range m.Objects() {
		objects = append(objects, o)
	}
	requireT.Equal([]Object{
		{Address: obj, Kind: event.NewObject, Size: 3},
		{Address: arr, Kind: event.NewArray, Size: 2},
		{Address: prim, Kind: event.NewPrimitiveArray, Size: 5},
	}, objects)

	_, err = m.AllocateObject(3, 12)
	requireT.Error(err)
	_, err = m.AllocateArray(uint64(heapHigh - heapLow))
	requireT.Error(err)
}

func TestReferences(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(heapLow, heapHigh)
	obj, err := m.AllocateObject(3, 0, 16)
	requireT.NoError(err)
	arr, err := m.AllocateArray(2)
	requireT.NoError(err)
	prim, err := m.AllocatePrimitiveArray(2)
	requireT.NoError(err)

	requireT.NoError(m.Set(obj, 16, arr))
	requireT.Error(m.Set(obj, 8, arr))
	requireT.NoError(m.Set(arr, MemoryArrayBaseOffset+8, obj))
	requireT.Error(m.Set(arr, MemoryArrayBaseOffset+16, obj))
	requireT.Error(m.Set(prim, MemoryArrayBaseOffset, obj))

	requireT.Equal([]Reference{
		{Offset: 0, Value: 0},
		{Offset: 16, Value: arr},
	}, m.References(Object{Address: obj}))
	requireT.Equal([]Reference{
		{Offset: MemoryArrayBaseOffset, Value: 0},
		{Offset: MemoryArrayBaseOffset + 8, Value: obj},
	}, m.References(Object{Address: arr}))
	requireT.Empty(m.References(Object{Address: prim}))

	offsets, ok := m.ReferenceOffsets(obj)
	requireT.True(ok)
	requireT.Equal([]uint64{0, 16}, offsets)
	_, ok = m.ReferenceOffsets(arr)
	requireT.False(ok)
}

func TestMove(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(heapLow, heapHigh)
	obj, err := m.AllocateObject(3, 0)
	requireT.NoError(err)
	requireT.NoError(m.Set(obj, 0, obj))
	m.Mark(obj)

	dst := heapLow + 0x1000
	requireT.NoError(m.Move(obj, dst))

	fwd, ok := m.Forwardee(obj)
	requireT.True(ok)
	requireT.Equal(dst, fwd)
	requireT.True(m.IsMarked(dst))
	requireT.False(m.IsMarked(obj))

	value, err := m.Get(dst, 0)
	requireT.NoError(err)
	requireT.Equal(obj, value)

	_, err = m.Get(obj, 0)
	requireT.Error(err)

	// Destination overlapping live object.
	other, err := m.AllocateObject(1)
	requireT.NoError(err)
	requireT.Error(m.Move(other, dst+8))
	_, err = m.Get(other, 0)
	requireT.NoError(err)
}

func TestRootsAndBounds(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(heapLow, heapHigh)
	m.AddRoot(heapLow)
	requireT.Equal([]types.Address{heapLow}, m.Roots())

	low, high := m.Bounds()
	requireT.Equal(heapLow, low)
	requireT.Equal(heapHigh, high)
	requireT.Equal(uint64(MemoryArrayBaseOffset), m.ArrayBaseOffset())
}
