package event

// Frame is the decoded record consuming one or two slots.
type Frame struct {
	Kind  Kind
	Event Event

	// Next is the decoded operand slot of paired kinds. It is nil for single-slot kinds and for
	// pairs truncated by the end of the log.
	Next *Event

	// Index is the position of the first slot in the log.
	Index uint64
}

// Frames iterates over frames stored in events.
func Frames(events []Event, heapLow, heapHigh uint64) func(func(Frame) bool) {
	return func(yield func(Frame) bool) {
		for i := uint64(0); i < uint64(len(events)); i++ {
			kind, e := Classify(events[i], heapLow, heapHigh)
			f := Frame{
				Kind:  kind,
				Event: e,
				Index: i,
			}
			if kind.IsPaired() && i+1 < uint64(len(events)) {
				i++
				next := Decode(events[i])
				f.Next = &next
			}
			if !yield(f) {
				return
			}
		}
	}
}
