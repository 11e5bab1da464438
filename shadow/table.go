package shadow

import (
	"slices"

	"github.com/cespare/xxhash"
	"github.com/google/btree"
	"github.com/samber/lo"

	"github.com/outofforest/mass"
	"github.com/outofforest/photon"
	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/types"
)

const (
	btreeDegree   = 32
	nodesPerChunk = 1024
)

// FieldEdge is the reference observed in the slot of the object.
type FieldEdge struct {
	Offset uint64
	Value  types.Address
}

// ObjectNode is the shadow record of the object.
type ObjectNode struct {
	Address types.Address
	Size    uint64
	Kind    event.Kind
	Fields  map[uint64]FieldEdge
}

// SetField upserts the edge at offset.
func (n *ObjectNode) SetField(offset uint64, value types.Address) {
	n.Fields[offset] = FieldEdge{Offset: offset, Value: value}
}

// Field returns the edge at offset.
func (n *ObjectNode) Field(offset uint64) (FieldEdge, bool) {
	edge, exists := n.Fields[offset]
	return edge, exists
}

// NewTable creates new shadow table.
func NewTable(arrayBaseOffset uint64) *Table {
	return &Table{
		arrayBaseOffset: arrayBaseOffset,
		tree: btree.NewG[*ObjectNode](btreeDegree, func(a, b *ObjectNode) bool {
			return a.Address < b.Address
		}),
		massNode: mass.New[ObjectNode](nodesPerChunk),
		probe:    &ObjectNode{},
	}
}

// Table is the shadow object table ordered by address.
type Table struct {
	arrayBaseOffset uint64
	tree            *btree.BTreeG[*ObjectNode]
	massNode        *mass.Mass[ObjectNode]
	probe           *ObjectNode

	// free holds removed nodes. Their fields are dropped and the nodes are reused by Insert.
	free []*ObjectNode
}

// ArrayBaseOffset returns byte offset of the first array element.
func (t *Table) ArrayBaseOffset() uint64 {
	return t.arrayBaseOffset
}

// Extent returns the number of bytes covered by the node.
func (t *Table) Extent(n *ObjectNode) uint64 {
	return heap.Extent(n.Kind, n.Size, t.arrayBaseOffset)
}

// Insert creates node at the address. Node existing there is evicted.
func (t *Table) Insert(addr types.Address, kind event.Kind, size uint64) *ObjectNode {
	var n *ObjectNode
	if last := len(t.free) - 1; last >= 0 {
		n = t.free[last]
		t.free[last] = nil
		t.free = t.free[:last]
	} else {
		n = t.massNode.New()
	}
	n.Address = addr
	n.Kind = kind
	n.Size = size
	n.Fields = map[uint64]FieldEdge{}
	t.replace(n)
	return n
}

// Get returns node starting at the address.
func (t *Table) Get(addr types.Address) (*ObjectNode, bool) {
	t.probe.Address = addr
	return t.tree.Get(t.probe)
}

// Lookup returns node covering the address.
func (t *Table) Lookup(addr types.Address) (*ObjectNode, bool) {
	var found *ObjectNode
	t.probe.Address = addr
	t.tree.DescendLessOrEqual(t.probe, func(n *ObjectNode) bool {
		found = n
		return false
	})
	if found == nil {
		return nil, false
	}
	if found.Address == addr || uint64(addr-found.Address) < t.Extent(found) {
		return found, true
	}
	return nil, false
}

// Delete removes node starting at the address. Node must not be used after it is deleted.
func (t *Table) Delete(addr types.Address) bool {
	n, exists := t.remove(addr)
	if exists {
		t.release(n)
	}
	return exists
}

// Relocate moves node from src to dst keeping its size, kind and edges. Node existing at dst is evicted.
func (t *Table) Relocate(src, dst types.Address) bool {
	n, exists := t.remove(src)
	if !exists {
		return false
	}
	n.Address = dst
	t.replace(n)
	return true
}

// Free returns the number of removed nodes waiting for reuse.
func (t *Table) Free() uint64 {
	return uint64(len(t.free))
}

func (t *Table) remove(addr types.Address) (*ObjectNode, bool) {
	t.probe.Address = addr
	return t.tree.Delete(t.probe)
}

func (t *Table) replace(n *ObjectNode) {
	if evicted, exists := t.tree.ReplaceOrInsert(n); exists {
		t.release(evicted)
	}
}

func (t *Table) release(n *ObjectNode) {
	n.Fields = nil
	t.free = append(t.free, n)
}

// Clear removes nodes starting in [start, end). If start equals end, only the node starting at start
// is removed.
func (t *Table) Clear(start, end types.Address) uint64 {
	if start == end {
		if t.Delete(start) {
			return 1
		}
		return 0
	}
	if start > end {
		return 0
	}

	addrs := []types.Address{}
	t.tree.AscendRange(&ObjectNode{Address: start}, &ObjectNode{Address: end}, func(n *ObjectNode) bool {
		addrs = append(addrs, n.Address)
		return true
	})
	for _, addr := range addrs {
		t.Delete(addr)
	}
	return uint64(len(addrs))
}

// Len returns the number of nodes.
func (t *Table) Len() uint64 {
	return uint64(t.tree.Len())
}

// Edges returns the number of edges.
func (t *Table) Edges() uint64 {
	var edges uint64
	t.tree.Ascend(func(n *ObjectNode) bool {
		edges += uint64(len(n.Fields))
		return true
	})
	return edges
}

// Nodes iterates over nodes in address order.
func (t *Table) Nodes() func(func(*ObjectNode) bool) {
	return func(yield func(*ObjectNode) bool) {
		t.tree.Ascend(func(n *ObjectNode) bool {
			return yield(n)
		})
	}
}

// Retarget replaces edge values found in the relocation map.
func (t *Table) Retarget(relocations map[types.Address]types.Address) {
	if len(relocations) == 0 {
		return
	}
	t.tree.Ascend(func(n *ObjectNode) bool {
		for offset, edge := range n.Fields {
			if dst, exists := relocations[edge.Value]; exists {
				n.Fields[offset] = FieldEdge{Offset: offset, Value: dst}
			}
		}
		return true
	})
}

// Reset removes all the nodes.
func (t *Table) Reset() {
	t.tree.Clear(false)
	t.massNode = mass.New[ObjectNode](nodesPerChunk)
	t.free = nil
}

// Digest returns the hash of the table content.
func (t *Table) Digest() uint64 {
	h := xxhash.New()
	t.tree.Ascend(func(n *ObjectNode) bool {
		header := [3]uint64{uint64(n.Address), n.Size, uint64(n.Kind)}
		_, _ = h.Write(photon.NewFromValue(&header).B)

		offsets := lo.Keys(n.Fields)
		slices.Sort(offsets)
		for _, offset := range offsets {
			edge := n.Fields[offset]
			_, _ = h.Write(photon.NewFromValue(&edge).B)
		}
		return true
	})
	return h.Sum64()
}
