package test

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
)

// Edge is the field edge of shadow graph identified by its slot.
type Edge struct {
	Object types.Address
	Offset uint64
	Value  types.Address
}

// CollectNodes collects addresses of nodes available in shadow table.
func CollectNodes(table *shadow.Table) []types.Address {
	nodes := []types.Address{}
	for node := range table.Nodes() {
		nodes = append(nodes, node.Address)
	}

	slices.Sort(nodes)
	return nodes
}

// CollectEdges collects field edges available in shadow table.
func CollectEdges(table *shadow.Table) []Edge {
	edges := []Edge{}
	for node := range table.Nodes() {
		edges = append(edges, lo.MapToSlice(node.Fields, func(offset uint64, edge shadow.FieldEdge) Edge {
			return Edge{
				Object: node.Address,
				Offset: offset,
				Value:  edge.Value,
			}
		})...)
	}

	slices.SortFunc(edges, func(a, b Edge) int {
		if a.Object != b.Object {
			return cmp.Compare(a.Object, b.Object)
		}
		return cmp.Compare(a.Offset, b.Offset)
	})
	return edges
}
