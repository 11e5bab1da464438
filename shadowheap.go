package shadowheap

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/logger"
	"github.com/outofforest/shadowheap/backpressure"
	"github.com/outofforest/shadowheap/capture"
	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/eventlog"
	"github.com/outofforest/shadowheap/heap"
	"github.com/outofforest/shadowheap/liveness"
	"github.com/outofforest/shadowheap/offload"
	"github.com/outofforest/shadowheap/persistent"
	"github.com/outofforest/shadowheap/registry"
	"github.com/outofforest/shadowheap/replay"
	"github.com/outofforest/shadowheap/shadow"
	"github.com/outofforest/shadowheap/types"
	"github.com/outofforest/shadowheap/validate"
)

// Verifier verifies subsystem owned by the collaborator.
type Verifier func(ctx context.Context) error

// Result is the result of verification cycle.
type Result struct {
	Replay   replay.Stats
	Report   validate.Report
	Liveness liveness.Diff
	Digest   uint64
	Verified types.Subsystem
}

// NewContext creates the process-wide context.
func NewContext(ctx context.Context, config Config, h heap.Heap) (*Context, error) {
	if config.LogCapacity == 0 {
		return nil, errors.New("log capacity must be positive")
	}
	if config.BuildGraphOnDevice && config.CheckAgainstLiveHeap {
		return nil, errors.New("building graph on device requires checking against live heap to be disabled")
	}

	device := config.Device
	if device == nil {
		device = offload.NewHostDevice(eventlog.Capacity(config.LogCapacity))
	}

	low, high := h.Bounds()
	r := registry.New()
	c := &Context{
		ctx:      ctx,
		config:   config,
		heap:     h,
		registry: r,
		table:    shadow.NewTable(h.ArrayBaseOffset()),
		reconstructor: replay.New(replay.Config{
			HeapLow:       low,
			HeapHigh:      high,
			Layout:        h,
			MaxCopyLength: config.MaxCopyLength,
		}),
		validator: validate.New(h),
		coordinator: offload.New(offload.Config{
			BuildGraphOnDevice: config.BuildGraphOnDevice,
			Registry:           r,
			Device:             device,
		}),
		verifiers: map[types.Subsystem][]Verifier{},
	}
	c.controller = backpressure.New(r, c)
	return c, nil
}

// Context holds the state shared by all the mutators.
type Context struct {
	ctx           context.Context
	config        Config
	heap          heap.Heap
	registry      *registry.Registry
	table         *shadow.Table
	reconstructor *replay.Reconstructor
	validator     *validate.Validator
	controller    *backpressure.Controller
	coordinator   *offload.Coordinator

	verifyMu  sync.Mutex
	verifiers map[types.Subsystem][]Verifier
}

// NewRecorder creates the log of new mutator and registers it.
func (c *Context) NewRecorder() (*Recorder, error) {
	var locker sync.Locker = &sync.Mutex{}
	if !c.config.CheckAgainstLiveHeap {
		locker = &capture.SpinLock{}
	}

	log, deallocFunc, err := eventlog.New(c.config.LogCapacity, locker)
	if err != nil {
		return nil, err
	}
	c.registry.Register(log)

	return &Recorder{
		Recorder: capture.NewRecorder(log, capture.Config{
			Instrument:   c.config.InstrumentHeapEvents,
			Policy:       c.config.overflowPolicy(),
			Drainer:      c,
			FaultHandler: c.controller,
		}),
		registry:    c.registry,
		deallocFunc: deallocFunc,
	}, nil
}

// RegisterVerifier registers verifier of the subsystem.
func (c *Context) RegisterVerifier(subsystem types.Subsystem, verifier Verifier) {
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	c.verifiers[subsystem] = append(c.verifiers[subsystem], verifier)
}

// VerifyHeapGraph replays all the logs and cross-checks the shadow graph with live heap.
// Caller must guarantee that the heap is not mutated concurrently.
func (c *Context) VerifyHeapGraph() (Result, error) {
	return c.cycle(true)
}

// HandleOverflow handles segmentation fault. It returns false if fault was not caused by the guard
// page of any registered log.
func (c *Context) HandleOverflow(sig unix.Signal, addr uintptr) bool {
	if sig != unix.SIGSEGV && sig != unix.SIGBUS {
		return false
	}
	return c.controller.HandleOverflow(addr)
}

// Overflows returns the number of overflows handled by guard pages.
func (c *Context) Overflows() uint64 {
	return c.controller.Handled()
}

// Run runs offload goroutine.
func (c *Context) Run(ctx context.Context) error {
	if c.config.CheckAgainstLiveHeap {
		<-ctx.Done()
		return errors.WithStack(ctx.Err())
	}
	return c.coordinator.Run(ctx)
}

// Exit runs final verification.
func (c *Context) Exit() (Result, error) {
	return c.cycle(true)
}

// Close releases log snapshots.
func (c *Context) Close() {
	c.registry.Close()
}

// Table returns the shadow graph. It must not be accessed concurrently with verification.
func (c *Context) Table() *shadow.Table {
	return c.table
}

// Dump stores undrained events of all the logs in the file.
func (c *Context) Dump(path string) (uuid.UUID, error) {
	logs, unlock := c.lockLogs()
	defer unlock()

	return persistent.Save(path, collectEvents(logs))
}

// Capture copies undrained events of all the logs into memory. Logs are not drained.
func (c *Context) Capture() (*persistent.Dump, func(), error) {
	logs, unlock := c.lockLogs()
	defer unlock()

	return persistent.Capture(collectEvents(logs))
}

// lockLogs locks registered logs and returns those which are not closed.
func (c *Context) lockLogs() ([]*eventlog.Log, func()) {
	logs := c.registry.Logs()
	for _, log := range logs {
		log.Lock()
	}

	unlock := func() {
		for _, log := range logs {
			log.Unlock()
		}
	}
	return lo.Filter(logs, func(log *eventlog.Log, _ int) bool {
		return !log.Closed()
	}), unlock
}

func collectEvents(logs []*eventlog.Log) [][]event.Event {
	events := make([][]event.Event, 0, len(logs))
	for _, log := range logs {
		var logEvents []event.Event
		for _, segment := range log.Segments() {
			logEvents = append(logEvents, segment...)
		}
		events = append(events, logEvents)
	}
	return events
}

// Drain consumes events of the full log.
func (c *Context) Drain(log *eventlog.Log) error {
	if c.config.CheckAgainstLiveHeap {
		_, err := c.cycle(!c.config.VerifyOnlyBeforeExit)
		return err
	}

	log.Lock()
	generation := c.coordinator.Signal(log.Segments()[0])
	if !c.config.BuildGraphOnDevice {
		log.Reset()
		log.Unlock()
		return nil
	}
	log.Unlock()

	if err := c.coordinator.WaitTransfer(c.ctx, generation); err != nil {
		return err
	}

	log.Lock()
	defer log.Unlock()

	log.Reset()
	return nil
}

func (c *Context) cycle(verify bool) (Result, error) {
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	logs, unlock := c.lockLogs()
	defer unlock()

	segments := make([][]event.Event, 0, 2*len(logs))
	for _, log := range logs {
		segments = append(segments, log.Segments()...)
	}
	result := Result{
		Replay: c.reconstructor.Replay(c.table, segments),
	}
	for _, log := range logs {
		if !c.registry.Release(log) {
			log.Reset()
		}
	}

	lg := logger.Get(c.ctx)
	lg.Info("Shadow graph reconstructed",
		zap.Int("logs", len(logs)),
		zap.Uint64("events", result.Replay.Events),
		zap.Uint64("nodes", result.Replay.Nodes),
		zap.Uint64("edges", result.Replay.Edges),
		zap.Uint64("unrecognized", result.Replay.Unrecognized),
		zap.Uint64("unresolvedFieldSets", result.Replay.UnresolvedFieldSets),
		zap.Uint64("unresolvedCopies", result.Replay.UnresolvedCopies),
		zap.Uint64("moves", result.Replay.Moves),
		zap.Uint64("cleared", result.Replay.Cleared))

	result.Digest = c.table.Digest()
	if !verify {
		return result, nil
	}

	if c.config.VerifySubsystems.Has(types.SubsystemHeap) {
		result.Report = c.validator.Validate(c.ctx, c.table)
		result.Verified |= types.SubsystemHeap
	}
	if c.config.VerifySubsystems.Has(types.SubsystemThreads) {
		result.Liveness = liveness.Compare(liveness.Mark(c.table, c.heap.Roots()), c.heap)
		result.Verified |= types.SubsystemThreads
		lg.Info("Shadow graph liveness compared",
			zap.Int("markedNotReached", len(result.Liveness.MarkedNotReached)),
			zap.Int("reachedNotMarked", len(result.Liveness.ReachedNotMarked)))
	}

	for subsystem := types.SubsystemSymbolTable; subsystem <= types.SubsystemStringDedup; subsystem <<= 1 {
		if !c.config.VerifySubsystems.Has(subsystem) {
			continue
		}
		for _, verifier := range c.verifiers[subsystem] {
			if err := verifier(c.ctx); err != nil {
				return result, errors.Wrapf(err, "verification of subsystem %s failed", subsystem)
			}
		}
		if len(c.verifiers[subsystem]) > 0 {
			result.Verified |= subsystem
		}
	}

	return result, nil
}

// Recorder is the capture API of single mutator.
type Recorder struct {
	*capture.Recorder

	registry    *registry.Registry
	deallocFunc func()
}

// Close preserves events recorded by the mutator and releases its log.
func (r *Recorder) Close() error {
	log := r.Log()
	log.Lock()
	_, err := r.registry.SnapshotAndAppend(log)
	r.registry.Unregister(log)
	log.Close()
	log.Unlock()

	r.deallocFunc()
	return err
}

// LoadAndReplay replays events stored in the dump file into new shadow table.
func LoadAndReplay(path string, config replay.Config, arrayBaseOffset uint64) (*shadow.Table, replay.Stats, error) {
	dump, deallocFunc, err := persistent.Load(path)
	if err != nil {
		return nil, replay.Stats{}, err
	}
	defer deallocFunc()

	table, stats := ReplayDump(dump, config, arrayBaseOffset)
	return table, stats, nil
}

// ReplayDump replays events of the dump into new shadow table.
func ReplayDump(dump *persistent.Dump, config replay.Config, arrayBaseOffset uint64) (*shadow.Table, replay.Stats) {
	table := shadow.NewTable(arrayBaseOffset)
	return table, replay.New(config).Replay(table, dump.Segments())
}
