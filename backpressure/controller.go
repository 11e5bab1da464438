package backpressure

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/shadowheap/alloc"
	"github.com/outofforest/shadowheap/eventlog"
	"github.com/outofforest/shadowheap/registry"
)

// Drainer consumes events sealed by the flip.
type Drainer interface {
	Drain(log *eventlog.Log) error
}

// New creates new backpressure controller.
func New(registry *registry.Registry, drainer Drainer) *Controller {
	return &Controller{
		registry: registry,
		drainer:  drainer,
		pageSize: uintptr(alloc.PageSize()),
	}
}

// Controller converts stores hitting guard pages into drains.
type Controller struct {
	registry *registry.Registry
	drainer  Drainer
	pageSize uintptr
	handled  atomic.Uint64
}

// HandleOverflow handles the fault at addr. It returns false if no registered log owns the guard page
// containing addr. Otherwise the full half is sealed, the next one is opened, events are drained and
// the faulting store may be retried.
func (c *Controller) HandleOverflow(addr uintptr) bool {
	log, exists := c.registry.Find(addr)
	if !exists {
		return false
	}

	log.Lock()
	if log.Closed() || addr-addr%c.pageSize != log.GuardAddress() {
		log.Unlock()
		return false
	}
	err := log.Flip()
	log.Unlock()

	if err != nil {
		panic(errors.WithStack(err))
	}
	if err := c.drainer.Drain(log); err != nil {
		panic(errors.WithStack(err))
	}

	c.handled.Add(1)
	return true
}

// Handled returns the number of handled overflows.
func (c *Controller) Handled() uint64 {
	return c.handled.Load()
}
