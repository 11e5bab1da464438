package replay

import (
	"github.com/pkg/errors"

	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
)

const (
	copyNewObjectSizeMask = 0xFFFF
	copyNewObjectSrcShift = 16
)

// Config stores reconstructor configuration.
type Config struct {
	HeapLow       types.Address
	HeapHigh      types.Address
	Layout        heap.Layout
	MaxCopyLength uint64
}

// Stats summarizes single replay.
type Stats struct {
	Events              uint64
	Nodes               uint64
	Edges               uint64
	Unrecognized        uint64
	UnresolvedFieldSets uint64
	UnresolvedCopies    uint64
	Moves               uint64
	Cleared             uint64
}

// New creates new reconstructor.
func New(config Config) *Reconstructor {
	return &Reconstructor{
		config: config,
	}
}

// Reconstructor rebuilds shadow graph from recorded events.
type Reconstructor struct {
	config Config
}

// Replay applies events to the table. Segments are replayed in order, each one in full.
func (r *Reconstructor) Replay(table *shadow.Table, segments [][]event.Event) Stats {
	var stats Stats
	for _, events := range segments {
		stats.Events += uint64(len(events))
		for f := range r.frames(events) {
			r.allocate(table, f)
		}
	}

	relocations := map[types.Address]types.Address{}
	for _, events := range segments {
		for f := range r.frames(events) {
			r.apply(table, f, relocations, &stats)
		}
	}
	table.Retarget(relocations)

	stats.Nodes = table.Len()
	stats.Edges = table.Edges()
	return stats
}

func (r *Reconstructor) frames(events []event.Event) func(func(event.Frame) bool) {
	return event.Frames(events, uint64(r.config.HeapLow), uint64(r.config.HeapHigh))
}

func (r *Reconstructor) allocate(table *shadow.Table, f event.Frame) {
	e := f.Event
	switch f.Kind {
	case event.NewObject, event.NewArray, event.NewPrimitiveArray:
		table.Insert(types.Address(e.Dst), f.Kind, e.Src)
	case event.NewObjectSizeInBits:
		table.Insert(types.Address(e.Dst), event.NewObject, e.Src/8)
	case event.FieldSetWithNewObject:
		if f.Next == nil {
			return
		}
		size := f.Next.Src
		if size%8 == 0 {
			size /= 8
		}
		table.Insert(types.Address(e.Src), event.NewObject, size)
	case event.CopyNewObject:
		// Size is stored in bytes in the low 16 bits, unlike the bit count of NewObjectSizeInBits.
		table.Insert(types.Address(e.Dst), event.NewObject, (e.Src&copyNewObjectSizeMask)/8)
	case event.CopyNewArray:
		if f.Next == nil {
			return
		}
		table.Insert(types.Address(e.Dst), event.NewArray, 0)
	case event.CopyNewArrayOfSameLength:
		table.Insert(types.Address(e.Dst), event.NewArray, 0)
	}
}

func (r *Reconstructor) apply(
	table *shadow.Table,
	f event.Frame,
	relocations map[types.Address]types.Address,
	stats *Stats,
) {
	e := f.Event
	switch f.Kind {
	case event.NewObject, event.NewArray, event.NewPrimitiveArray, event.NewObjectSizeInBits:
		// Applied by the first pass.
	case event.FieldSet, event.ArrayElemSet:
		r.setField(table, types.Address(e.Dst), types.Address(e.Src), stats)
	case event.FieldSetWithNewObject:
		if f.Next == nil {
			stats.Unrecognized++
			return
		}
		r.setField(table, types.Address(e.Dst), types.Address(e.Src), stats)
	case event.CopyObject:
		r.copyObject(table, types.Address(e.Src), types.Address(e.Dst), stats)
	case event.CopyNewObject:
		r.copyObject(table, types.Address(e.Src>>copyNewObjectSrcShift), types.Address(e.Dst), stats)
	case event.CopyArray:
		if f.Next == nil {
			stats.Unrecognized++
			return
		}
		r.copyArrayElements(table, types.Address(e.Src), types.Address(e.Dst), f.Next.Src, stats)
	case event.CopySameArray:
		if f.Next == nil {
			stats.Unrecognized++
			return
		}
		r.copySameArray(table, types.Address(e.Src), e.Dst, f.Next.Src, f.Next.Dst, stats)
	case event.CopyNewArray:
		if f.Next == nil {
			stats.Unrecognized++
			return
		}
		r.copyNewArray(table, types.Address(e.Src), types.Address(e.Dst), f.Next.Src, f.Next.Dst, stats)
	case event.CopyNewArrayOfSameLength:
		r.copyNewArrayOfSameLength(table, types.Address(e.Src), types.Address(e.Dst), stats)
	case event.MoveObject:
		table.Relocate(types.Address(e.Src), types.Address(e.Dst))
		relocations[types.Address(e.Src)] = types.Address(e.Dst)
		stats.Moves++
	case event.ClearContiguousSpace:
		stats.Cleared += table.Clear(types.Address(e.Src), types.Address(e.Dst))
	default:
		stats.Unrecognized++
	}
}

func (r *Reconstructor) setField(table *shadow.Table, field, value types.Address, stats *Stats) {
	n, exists := table.Lookup(field)
	if !exists {
		stats.UnresolvedFieldSets++
		return
	}
	n.SetField(uint64(field-n.Address), value)
}

func (r *Reconstructor) copyObject(table *shadow.Table, src, dst types.Address, stats *Stats) {
	srcNode, srcExists := table.Get(src)
	dstNode, dstExists := table.Get(dst)
	if !srcExists || !dstExists {
		stats.UnresolvedCopies++
		return
	}

	var offsets []uint64
	var ok bool
	if r.config.Layout != nil {
		offsets, ok = r.config.Layout.ReferenceOffsets(src)
	}
	if !ok {
		offsets = make([]uint64, 0, len(srcNode.Fields))
		for offset := range srcNode.Fields {
			offsets = append(offsets, offset)
		}
	}
	extent := table.Extent(dstNode)
	for _, offset := range offsets {
		if offset >= extent {
			continue
		}
		copyEdge(srcNode, dstNode, offset, offset)
	}
}

func (r *Reconstructor) copyArrayElements(
	table *shadow.Table,
	srcStart, dstStart types.Address,
	length uint64,
	stats *Stats,
) {
	srcNode, srcExists := table.Lookup(srcStart)
	dstNode, dstExists := table.Lookup(dstStart)
	if !srcExists || !dstExists {
		stats.UnresolvedCopies++
		return
	}
	r.copyArray(srcNode, dstNode, uint64(srcStart-srcNode.Address), uint64(dstStart-dstNode.Address), length)
}

func (r *Reconstructor) copySameArray(
	table *shadow.Table,
	array types.Address,
	length, srcIndex, dstIndex uint64,
	stats *Stats,
) {
	n, exists := table.Get(array)
	if !exists {
		stats.UnresolvedCopies++
		return
	}
	base := table.ArrayBaseOffset()
	r.copyArray(n, n, base+srcIndex*types.WordSize, base+dstIndex*types.WordSize, length)
}

func (r *Reconstructor) copyNewArray(
	table *shadow.Table,
	src, dst types.Address,
	length, srcIndex uint64,
	stats *Stats,
) {
	srcNode, srcExists := table.Get(src)
	dstNode, dstExists := table.Get(dst)
	if !srcExists || !dstExists {
		stats.UnresolvedCopies++
		return
	}
	dstNode.Size = length
	base := table.ArrayBaseOffset()
	r.copyArray(srcNode, dstNode, base+srcIndex*types.WordSize, base, length)
}

func (r *Reconstructor) copyNewArrayOfSameLength(table *shadow.Table, src, dst types.Address, stats *Stats) {
	srcNode, srcExists := table.Get(src)
	dstNode, dstExists := table.Get(dst)
	if !srcExists || !dstExists {
		stats.UnresolvedCopies++
		return
	}
	dstNode.Size = srcNode.Size
	base := table.ArrayBaseOffset()
	r.copyArray(srcNode, dstNode, base, base, srcNode.Size)
}

// copyArray copies length elements starting at byte offsets srcOffset and dstOffset.
func (r *Reconstructor) copyArray(srcNode, dstNode *shadow.ObjectNode, srcOffset, dstOffset, length uint64) {
	if r.config.MaxCopyLength > 0 && length > r.config.MaxCopyLength {
		panic(errors.Errorf("array copy length %d exceeds limit %d", length, r.config.MaxCopyLength))
	}

	if srcNode == dstNode && srcOffset < dstOffset && dstOffset < srcOffset+length*types.WordSize {
		for i := length; i > 0; i-- {
			copyEdge(srcNode, dstNode, srcOffset+(i-1)*types.WordSize, dstOffset+(i-1)*types.WordSize)
		}
		return
	}
	for i := range length {
		copyEdge(srcNode, dstNode, srcOffset+i*types.WordSize, dstOffset+i*types.WordSize)
	}
}

// copyEdge copies the edge. Destination edge is dropped if source slot is untracked.
func copyEdge(srcNode, dstNode *shadow.ObjectNode, srcOffset, dstOffset uint64) {
	edge, exists := srcNode.Field(srcOffset)
	if !exists {
		// Stale destination edge is not kept, so the destination mirrors memmove of the source range.
		delete(dstNode.Fields, dstOffset)
		return
	}
	dstNode.SetField(dstOffset, edge.Value)
}
