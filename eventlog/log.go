package eventlog

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"
	"github.com/outofforest/shadowheap/alloc"
	"github.com/outofforest/shadowheap/event"
)

// New creates new event log able to store at least capacity events in each half.
// Locker serializes appends against readers of the log. Mutex is used if it is nil.
func New(capacity uint64, locker sync.Locker) (*Log, func(), error) {
	if capacity == 0 {
		return nil, nil, errors.New("log capacity must be positive")
	}

	pageSize := alloc.PageSize()
	halfBytes := halfSize(capacity)
	data, deallocFunc, err := alloc.Map(2*halfBytes + 2*pageSize)
	if err != nil {
		return nil, nil, err
	}

	if locker == nil {
		locker = &sync.Mutex{}
	}

	l := &Log{
		Locker:    locker,
		data:      data,
		halfBytes: halfBytes,
		capacity:  halfBytes/event.Size - 1,
		offsets:   [2]uint64{0, halfBytes + pageSize},
	}
	for i, offset := range l.offsets {
		l.bases[i] = unsafe.Pointer(&data[offset])
		l.counters[i] = photon.FromPointer[uint64](l.bases[i])
	}

	if err := l.protect(); err != nil {
		deallocFunc()
		return nil, nil, err
	}

	return l, deallocFunc, nil
}

// Capacity returns the number of events fitting in one half of the log created for requested capacity.
func Capacity(requested uint64) uint64 {
	return halfSize(requested)/event.Size - 1
}

func halfSize(capacity uint64) uint64 {
	return alloc.RoundUp((capacity + 1) * event.Size)
}

// Log is the per-mutator event log. Region is laid out as [half0][guard][half1][guard].
// Slot 0 of each half is the event counter. Only the active half is writable so the first store
// past its capacity hits the read-only page following it.
type Log struct {
	sync.Locker

	data      []byte
	halfBytes uint64
	capacity  uint64
	offsets   [2]uint64
	bases     [2]unsafe.Pointer
	counters  [2]*uint64
	active    uint64
	sealed    bool
	closed    bool
}

// Capacity returns the number of events fitting in one half.
func (l *Log) Capacity() uint64 {
	return l.capacity
}

// Count returns the number of events stored in the active half.
func (l *Log) Count() uint64 {
	return atomic.LoadUint64(l.counters[l.active])
}

// Pending returns the number of events not drained yet.
func (l *Log) Pending() uint64 {
	count := l.Count()
	if l.sealed {
		count += atomic.LoadUint64(l.counters[1-l.active])
	}
	return count
}

// Sealed tells if the inactive half still holds undrained events.
func (l *Log) Sealed() bool {
	return l.sealed
}

// Append stores event in the active half. Capacity is not checked.
func (l *Log) Append(e event.Event) {
	counter := l.counters[l.active]
	v := atomic.LoadUint64(counter) + 1
	*photon.FromPointer[event.Event](unsafe.Add(l.bases[l.active], v*event.Size)) = e
	atomic.StoreUint64(counter, v)
}

// AppendPair stores two events in the active half. Counter is updated once both are stored.
func (l *Log) AppendPair(e1, e2 event.Event) {
	counter := l.counters[l.active]
	v := atomic.LoadUint64(counter) + 1
	*photon.FromPointer[event.Event](unsafe.Add(l.bases[l.active], v*event.Size)) = e1
	*photon.FromPointer[event.Event](unsafe.Add(l.bases[l.active], (v+1)*event.Size)) = e2
	atomic.StoreUint64(counter, v+1)
}

// Flip seals the active half and opens the other one with empty counter.
// Events sealed by the previous flip and not drained since are discarded.
func (l *Log) Flip() error {
	next := 1 - l.active
	if err := alloc.Protect(l.data, l.offsets[l.active], l.halfBytes, false); err != nil {
		return err
	}
	if err := alloc.Protect(l.data, l.offsets[next], l.halfBytes, true); err != nil {
		return err
	}
	atomic.StoreUint64(l.counters[next], 0)
	l.active = next
	l.sealed = true
	return nil
}

// Reset drains both halves.
func (l *Log) Reset() {
	if l.closed {
		return
	}
	atomic.StoreUint64(l.counters[l.active], 0)
	l.sealed = false
}

// Active returns events stored in the active half.
func (l *Log) Active() []event.Event {
	return l.half(l.active)
}

// Segments returns undrained events, sealed half first. Closed log has no segments.
func (l *Log) Segments() [][]event.Event {
	if l.closed {
		return nil
	}
	if l.sealed {
		return [][]event.Event{l.half(1 - l.active), l.half(l.active)}
	}
	return [][]event.Event{l.half(l.active)}
}

// Close marks the log as closed. It must be called with the lock held, before the region is unmapped.
// Readers holding the log pointer check Closed after taking the lock.
func (l *Log) Close() {
	l.closed = true
}

// Closed tells if the log was closed.
func (l *Log) Closed() bool {
	return l.closed
}

// Owns tells if address belongs to the region of the log.
func (l *Log) Owns(addr uintptr) bool {
	start := uintptr(unsafe.Pointer(&l.data[0]))
	return addr >= start && addr < start+uintptr(len(l.data))
}

// GuardAddress returns the address of the first byte past the active half.
func (l *Log) GuardAddress() uintptr {
	return uintptr(l.bases[l.active]) + uintptr(l.halfBytes)
}

// Clone creates new log holding the same events and the same active half.
func (l *Log) Clone() (*Log, func(), error) {
	clone, deallocFunc, err := New(l.capacity, nil)
	if err != nil {
		return nil, nil, err
	}

	if err := alloc.Protect(clone.data, 0, uint64(len(clone.data)), true); err != nil {
		deallocFunc()
		return nil, nil, err
	}
	copy(clone.data, l.data)
	clone.active = l.active
	clone.sealed = l.sealed
	if err := clone.protect(); err != nil {
		deallocFunc()
		return nil, nil, err
	}

	return clone, deallocFunc, nil
}

func (l *Log) half(index uint64) []event.Event {
	count := atomic.LoadUint64(l.counters[index])
	if count == 0 {
		return nil
	}
	return photon.SliceFromPointer[event.Event](unsafe.Add(l.bases[index], event.Size), int(count))
}

func (l *Log) protect() error {
	pageSize := alloc.PageSize()
	for i, offset := range l.offsets {
		if err := alloc.Protect(l.data, offset, l.halfBytes, uint64(i) == l.active); err != nil {
			return err
		}
		if err := alloc.Protect(l.data, offset+l.halfBytes, pageSize, false); err != nil {
			return err
		}
	}
	return nil
}
