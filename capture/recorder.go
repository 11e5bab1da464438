package capture

import (
	"runtime/debug"

	"github.com/pkg/errors"

	"github.com/outofforest/shadowheap/event"
	"github.com/outofforest/shadowheap/eventlog"
)

// OverflowPolicy defines how full log is detected.
type OverflowPolicy int

// Overflow policies.
const (
	// OverflowGuardPage relies on the fault raised by the store hitting the guard page.
	OverflowGuardPage OverflowPolicy = iota

	// OverflowCheckBefore drains the log before the append which would not fit.
	OverflowCheckBefore

	// OverflowCheckAfter drains the log after the append leaving no room for another pair.
	OverflowCheckAfter
)

// Drainer consumes events of the full log.
// It is called without the capture lock held.
type Drainer interface {
	Drain(log *eventlog.Log) error
}

// FaultHandler handles stores hitting the guard page of the log.
type FaultHandler interface {
	HandleOverflow(addr uintptr) bool
}

// Config stores recorder configuration.
type Config struct {
	Instrument   bool
	Policy       OverflowPolicy
	Drainer      Drainer
	FaultHandler FaultHandler
}

// NewRecorder creates new recorder appending to the log.
func NewRecorder(log *eventlog.Log, config Config) *Recorder {
	return &Recorder{
		log:    log,
		config: config,
	}
}

// Recorder is the capture API used by single mutator.
type Recorder struct {
	log    *eventlog.Log
	config Config
}

// Log returns the log of the recorder.
func (r *Recorder) Log() *eventlog.Log {
	return r.log
}

// Record records heap event.
func (r *Recorder) Record(kind event.Kind, e event.Event) {
	if !r.config.Instrument {
		return
	}
	r.store(event.Encode(kind, e), event.Event{}, 1)
}

// RecordPair records two heap events occupying consecutive slots.
func (r *Recorder) RecordPair(kind1 event.Kind, e1 event.Event, kind2 event.Kind, e2 event.Event) {
	if !r.config.Instrument {
		return
	}
	r.store(event.Encode(kind1, e1), event.Encode(kind2, e2), 2)
}

func (r *Recorder) store(e1, e2 event.Event, n uint64) {
	if r.config.Policy == OverflowGuardPage {
		r.storeGuarded(e1, e2, n)
		return
	}

	r.log.Lock()
	for r.log.Capacity()-r.log.Count() < n {
		r.log.Unlock()
		r.drain()
		r.log.Lock()
	}
	appendEvents(r.log, e1, e2, n)
	full := r.config.Policy == OverflowCheckAfter && r.log.Capacity()-r.log.Count() < 2
	r.log.Unlock()

	if full {
		r.drain()
	}
}

func (r *Recorder) storeGuarded(e1, e2 event.Event, n uint64) {
	r.log.Lock()
	fault := tryAppend(r.log, e1, e2, n)
	r.log.Unlock()

	if fault == nil {
		return
	}
	if r.config.FaultHandler == nil || !r.config.FaultHandler.HandleOverflow(fault.Addr()) {
		panic(fault)
	}

	r.log.Lock()
	defer r.log.Unlock()

	appendEvents(r.log, e1, e2, n)
}

func (r *Recorder) drain() {
	if err := r.config.Drainer.Drain(r.log); err != nil {
		panic(errors.WithStack(err))
	}
	if r.log.Capacity()-r.log.Count() < 2 {
		panic(errors.New("drained log is still full"))
	}
}

// Fault is the runtime error raised by the access to protected memory.
type Fault interface {
	error
	Addr() uintptr
}

func tryAppend(log *eventlog.Log, e1, e2 event.Event, n uint64) (fault Fault) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if fault, ok = r.(Fault); !ok {
				panic(r)
			}
		}
	}()

	appendEvents(log, e1, e2, n)
	return nil
}

func appendEvents(log *eventlog.Log, e1, e2 event.Event, n uint64) {
	if n == 1 {
		log.Append(e1)
		return
	}
	log.AppendPair(e1, e2)
}
