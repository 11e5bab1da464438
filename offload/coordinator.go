package offload

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/eventlog"
	"github.com/outofforest/shadowheap/registry"
)

// Slot is the single shared transfer descriptor.
type Slot struct {
	Events []event.Event
	Length uint64
}

// Config stores coordinator configuration.
type Config struct {
	BuildGraphOnDevice bool
	Registry           *registry.Registry
	Device             Device
}

// New creates new offload coordinator.
func New(config Config) *Coordinator {
	return &Coordinator{
		config:      config,
		workReady:   make(chan struct{}, 1),
		transferred: make(chan struct{}),
		buffers:     map[*eventlog.Log]uint64{},
	}
}

// Coordinator hands events over to the device from the dedicated goroutine.
type Coordinator struct {
	config    Config
	workReady chan struct{}

	mu      sync.Mutex
	slot    Slot
	buffers map[*eventlog.Log]uint64

	// signalled is the generation of the last signal and completed is the last generation covered by
	// transfer. Transferred is closed and replaced each time completed advances.
	signalled   uint64
	completed   uint64
	transferred chan struct{}
}

// Signal publishes events in the slot and wakes up the offload goroutine. It returns the generation
// to wait for. Slot published before and not consumed yet is overwritten.
func (c *Coordinator) Signal(events []event.Event) uint64 {
	c.mu.Lock()
	c.slot = Slot{Events: events, Length: uint64(len(events))}
	c.signalled++
	generation := c.signalled
	c.mu.Unlock()

	select {
	case c.workReady <- struct{}{}:
	default:
	}
	return generation
}

// WaitTransfer waits until logs are transferred to the device by the transfer started after the
// signal of the generation.
func (c *Coordinator) WaitTransfer(ctx context.Context, generation uint64) error {
	for {
		c.mu.Lock()
		completed := c.completed
		transferred := c.transferred
		c.mu.Unlock()

		if completed >= generation {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-transferred:
		}
	}
}

// Run runs the offload goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("offload", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-c.workReady:
				}

				if !c.config.BuildGraphOnDevice {
					if err := c.copySlot(); err != nil {
						log.Error("Copying events to device failed", zap.Error(err))
					}
					continue
				}

				c.mu.Lock()
				generation := c.signalled
				c.mu.Unlock()

				if err := c.transferLogs(); err != nil {
					return err
				}

				c.mu.Lock()
				c.completed = generation
				close(c.transferred)
				c.transferred = make(chan struct{})
				c.mu.Unlock()
			}
		})
		return nil
	})
}

func (c *Coordinator) copySlot() error {
	c.mu.Lock()
	slot := c.slot
	c.mu.Unlock()

	return c.config.Device.Copy(slot.Events[:slot.Length])
}

func (c *Coordinator) transferLogs() error {
	for _, log := range c.config.Registry.Logs() {
		if err := c.transferLog(log); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) transferLog(log *eventlog.Log) error {
	c.mu.Lock()
	id, exists := c.buffers[log]
	if !exists {
		id = uint64(len(c.buffers))
		c.buffers[log] = id
	}
	c.mu.Unlock()

	log.Lock()
	defer log.Unlock()

	if log.Closed() {
		return nil
	}
	return c.config.Device.Transfer(id, log.Segments()[0])
}

// Buffer returns device buffer assigned to the log.
func (c *Coordinator) Buffer(log *eventlog.Log) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, exists := c.buffers[log]
	return id, exists
}
