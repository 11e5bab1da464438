package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
)

const (
	heapLow  types.Address = 0x10000000
	heapHigh types.Address = 0x10100000
)

func newContext() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

func TestMatchingGraph(t *testing.T) {
	requireT := require.New(t)

	m := heap.NewMemory(heapLow, heapHigh)
	obj, err := m.AllocateObject(3, 0, 16)
	requireT.NoError(err)
	arr, err := m.AllocateArray(2)
	requireT.NoError(err)
	requireT.NoError(m.Set(obj, 0, arr))
	requireT.NoError(m.Set(arr, heap.MemoryArrayBaseOffset+8, obj))

	table := shadow.NewTable(heap.MemoryArrayBaseOffset)
	table.Insert(obj, event.NewObject, 3).SetField(0, arr)
	table.Insert(arr, event.NewArray, 2).SetField(heap.MemoryArrayBaseOffset+8, obj)

	report := New(m).Validate(newContext(), table)
	requireT.Equal(Report{ObjectsFound: 2, FieldsFound: 2}, report)
	requireT.True(report.Valid())
	requireT.Equal(uint64(4), report.Found())
}

func TestForwardingTolerance(t *testing.T) {
	requireT := require.New(t)

	m := heap.NewMemory(heapLow, heapHigh)
	holder, err := m.AllocateObject(1, 0)
	requireT.NoError(err)
	target, err := m.AllocateObject(1)
	requireT.NoError(err)

	forwarded := heapLow + 0x1000
	requireT.NoError(m.Move(target, forwarded))
	requireT.NoError(m.Set(holder, 0, forwarded))

	table := shadow.NewTable(heap.MemoryArrayBaseOffset)
	table.Insert(holder, event.NewObject, 1).SetField(0, target)
	table.Insert(forwarded, event.NewObject, 1)

	report := New(m).Validate(newContext(), table)
	requireT.Zero(report.Mismatches())
	requireT.Equal(uint64(1), report.FieldsFound)
	requireT.True(report.Valid())
}

func TestProblemsAreCounted(t *testing.T) {
	requireT := require.New(t)

	m := heap.NewMemory(heapLow, heapHigh)
	untracked, err := m.AllocateObject(1)
	requireT.NoError(err)
	resized, err := m.AllocateArray(3)
	requireT.NoError(err)
	holder, err := m.AllocateObject(3, 0, 8, 16)
	requireT.NoError(err)

	requireT.NoError(m.Set(holder, 0, untracked))
	requireT.NoError(m.Set(holder, 8, resized))

	table := shadow.NewTable(heap.MemoryArrayBaseOffset)
	table.Insert(resized, event.NewArray, 2)
	n := table.Insert(holder, event.NewObject, 3)
	n.SetField(8, untracked)
	n.SetField(16, untracked)

	report := New(m).Validate(newContext(), table)
	requireT.Equal(Report{
		ObjectsFound:    2,
		ObjectsNotFound: 1,
		SizeMismatches:  1,
		FieldsNotFound:  1,
		FieldMismatches: 2,
	}, report)
	requireT.False(report.Valid())
	requireT.Equal(uint64(2), report.NotFound())
	requireT.Equal(uint64(3), report.Mismatches())
}

func TestValidatorDoesNotModifyTable(t *testing.T) {
	requireT := require.New(t)

	m := heap.NewMemory(heapLow, heapHigh)
	_, err := m.AllocateObject(1)
	requireT.NoError(err)

	table := shadow.NewTable(heap.MemoryArrayBaseOffset)
	table.Insert(heapLow+0x1000, event.NewObject, 1).SetField(0, heapLow)
	digest := table.Digest()

	New(m).Validate(newContext(), table)
	requireT.Equal(digest, table.Digest())
}

func TestManyProblems(t *testing.T) {
	requireT := require.New(t)

	m := heap.NewMemory(heapLow, heapHigh)
	for range 2 * MaxDiagnostics {
		_, err := m.AllocateObject(1)
		requireT.NoError(err)
	}

	report := New(m).Validate(newContext(), shadow.NewTable(heap.MemoryArrayBaseOffset))
	requireT.Equal(uint64(2*MaxDiagnostics), report.ObjectsNotFound)
}
