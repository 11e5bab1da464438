package validate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
)

// MaxDiagnostics is the maximum number of logged problems of each kind.
const MaxDiagnostics = 100

// Heap is the part of collaborator used by the validator.
type Heap interface {
	heap.ObjectIterator
	heap.ReferenceReader
	heap.Forwarder
}

// Report aggregates validation results.
type Report struct {
	ObjectsFound    uint64
	ObjectsNotFound uint64
	SizeMismatches  uint64
	FieldsFound     uint64
	FieldsNotFound  uint64
	FieldMismatches uint64
}

// Found returns the number of objects and fields found in shadow graph.
func (r Report) Found() uint64 {
	return r.ObjectsFound + r.FieldsFound
}

// NotFound returns the number of objects and fields missing in shadow graph.
func (r Report) NotFound() uint64 {
	return r.ObjectsNotFound + r.FieldsNotFound
}

// Mismatches returns the number of sizes and fields differing from live heap.
func (r Report) Mismatches() uint64 {
	return r.SizeMismatches + r.FieldMismatches
}

// Valid tells if shadow graph matches live heap.
func (r Report) Valid() bool {
	return r.NotFound() == 0 && r.Mismatches() == 0
}

// New creates new validator.
func New(h Heap) *Validator {
	return &Validator{
		heap: h,
	}
}

// Validator cross-checks shadow graph against live heap.
type Validator struct {
	heap Heap
}

// Validate walks live heap once and compares every object with its shadow node.
func (v *Validator) Validate(ctx context.Context, table *shadow.Table) Report {
	log := logger.Get(ctx)

	var report Report
	for obj := range v.heap.Objects() {
		n, exists := table.Get(obj.Address)
		if !exists {
			report.ObjectsNotFound++
			if report.ObjectsNotFound <= MaxDiagnostics {
				log.Warn("Object not found in shadow graph",
					zap.String("address", hex(obj.Address)),
					zap.Stringer("kind", obj.Kind),
					zap.Uint64("size", obj.Size))
			}
			continue
		}

		report.ObjectsFound++
		if n.Size != obj.Size {
			report.SizeMismatches++
			if report.SizeMismatches <= MaxDiagnostics {
				log.Warn("Object size mismatch",
					zap.String("address", hex(obj.Address)),
					zap.Stringer("kind", obj.Kind),
					zap.Uint64("size", obj.Size),
					zap.Uint64("shadowSize", n.Size))
			}
		}

		for _, ref := range v.heap.References(obj) {
			edge, exists := n.Field(ref.Offset)
			switch {
			case !exists:
				if ref.Value == 0 {
					continue
				}
				report.FieldsNotFound++
				if report.FieldsNotFound <= MaxDiagnostics {
					log.Warn("Field not found in shadow graph",
						zap.String("address", hex(obj.Address)),
						zap.Uint64("offset", ref.Offset),
						zap.String("value", hex(ref.Value)))
				}
			case v.matches(ref.Value, edge.Value):
				report.FieldsFound++
			default:
				report.FieldMismatches++
				if report.FieldMismatches <= MaxDiagnostics {
					log.Warn("Field value mismatch",
						zap.String("address", hex(obj.Address)),
						zap.Uint64("offset", ref.Offset),
						zap.String("value", hex(ref.Value)),
						zap.String("shadowValue", hex(edge.Value)))
				}
			}
		}
	}

	log.Info("Shadow graph validated",
		zap.Uint64("objectsFound", report.ObjectsFound),
		zap.Uint64("objectsNotFound", report.ObjectsNotFound),
		zap.Uint64("sizeMismatches", report.SizeMismatches),
		zap.Uint64("fieldsFound", report.FieldsFound),
		zap.Uint64("fieldsNotFound", report.FieldsNotFound),
		zap.Uint64("fieldMismatches", report.FieldMismatches))

	return report
}

func (v *Validator) matches(live, recorded types.Address) bool {
	if live == recorded {
		return true
	}
	forwardee, exists := v.heap.Forwardee(recorded)
	return exists && live == forwardee
}

func hex(addr types.Address) string {
	return fmt.Sprintf("%#x", uint64(addr))
}
