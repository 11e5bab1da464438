package offload

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/photon"
	"github.com/outofforest/shadowheap/event"
)

// Checksum is the checksum of transferred events.
type Checksum [32]byte

// Device is the consumer of offloaded events.
type Device interface {
	// Transfer copies events into the fixed buffer assigned to the log.
	Transfer(buffer uint64, events []event.Event) error

	// Copy copies events into the staging buffer. Nobody waits for its completion.
	Copy(events []event.Event) error
}

// NewHostDevice creates device keeping buffers in host memory. Each buffer stores up to capacity events.
func NewHostDevice(capacity uint64) *HostDevice {
	return &HostDevice{
		capacity: capacity,
		buffers:  map[uint64]*buffer{},
		staging:  &buffer{events: make([]event.Event, 0, capacity)},
	}
}

type buffer struct {
	events   []event.Event
	checksum Checksum
}

// HostDevice is the device emulated in host memory.
type HostDevice struct {
	mu        sync.Mutex
	capacity  uint64
	buffers   map[uint64]*buffer
	staging   *buffer
	transfers uint64
	copies    uint64
}

// Transfer copies events into the fixed buffer assigned to the log.
func (d *HostDevice) Transfer(id uint64, events []event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, exists := d.buffers[id]
	if !exists {
		b = &buffer{events: make([]event.Event, 0, d.capacity)}
		d.buffers[id] = b
	}
	if err := d.store(b, events); err != nil {
		return err
	}
	d.transfers++
	return nil
}

// Copy copies events into the staging buffer.
func (d *HostDevice) Copy(events []event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store(d.staging, events); err != nil {
		return err
	}
	d.copies++
	return nil
}

// Buffer returns content and checksum of the buffer.
func (d *HostDevice) Buffer(id uint64) ([]event.Event, Checksum, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, exists := d.buffers[id]
	if !exists {
		return nil, Checksum{}, false
	}
	return append([]event.Event{}, b.events...), b.checksum, true
}

// Staging returns content and checksum of the staging buffer.
func (d *HostDevice) Staging() ([]event.Event, Checksum) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]event.Event{}, d.staging.events...), d.staging.checksum
}

// Stats returns the number of transfers and copies done.
func (d *HostDevice) Stats() (transfers, copies uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.transfers, d.copies
}

func (d *HostDevice) store(b *buffer, events []event.Event) error {
	if uint64(len(events)) > d.capacity {
		return errors.Errorf("%d events exceed device buffer capacity %d", len(events), d.capacity)
	}
	b.events = append(b.events[:0], events...)
	b.checksum = ComputeChecksum(b.events)
	return nil
}

// ComputeChecksum computes checksum of events.
func ComputeChecksum(events []event.Event) Checksum {
	if len(events) == 0 {
		return blake3.Sum256(nil)
	}
	return blake3.Sum256(photon.SliceFromPointer[byte](unsafe.Pointer(&events[0]),
		len(events)*int(event.Size)))
}
