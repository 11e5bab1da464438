package liveness

import (
	"slices"

	"github.com/samber/lo"

	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
)

// Heap is the part of collaborator used by the liveness marker.
type Heap interface {
	heap.ObjectIterator
	heap.Marker
}

// Diff lists differences between shadow reachability and collector marks.
type Diff struct {
	MarkedNotReached []types.Address
	ReachedNotMarked []types.Address
}

// Empty tells if there are no differences.
func (d Diff) Empty() bool {
	return len(d.MarkedNotReached) == 0 && len(d.ReachedNotMarked) == 0
}

// Mark returns shadow nodes reachable from roots following shadow edges only.
// Address might be enqueued many times but its edges are followed once.
func Mark(table *shadow.Table, roots []types.Address) map[types.Address]struct{} {
	reached := map[types.Address]struct{}{}
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]

		if _, visited := reached[addr]; visited {
			continue
		}
		n, exists := table.Get(addr)
		if !exists {
			continue
		}
		reached[addr] = struct{}{}

		for _, edge := range n.Fields {
			if edge.Value != 0 {
				queue = append(queue, edge.Value)
			}
		}
	}
	return reached
}

// Compare compares reached set with collector mark bits.
func Compare(reached map[types.Address]struct{}, h Heap) Diff {
	diff := Diff{
		MarkedNotReached: []types.Address{},
		ReachedNotMarked: []types.Address{},
	}
	for obj := range h.Objects() {
		if _, exists := reached[obj.Address]; !exists && h.IsMarked(obj.Address) {
			diff.MarkedNotReached = append(diff.MarkedNotReached, obj.Address)
		}
	}
	for _, addr := range lo.Keys(reached) {
		if !h.IsMarked(addr) {
			diff.ReachedNotMarked = append(diff.ReachedNotMarked, addr)
		}
	}

	slices.Sort(diff.MarkedNotReached)
	slices.Sort(diff.ReachedNotMarked)
	return diff
}
