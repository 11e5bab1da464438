package shadowheap

import (
	"github.com/outofforest/shadowheap/capture"
	"github.com/outofforest/shadowheap/offload"
	"github.com/outofforest/shadowheap/types"
)

// Config stores configuration of the recorder and verifier.
type Config struct {
	// InstrumentHeapEvents enables recording of heap events.
	InstrumentHeapEvents bool

	// CheckAgainstLiveHeap selects strict mode: full logs trigger synchronous reconstruction and
	// verification. Otherwise events are offloaded to the device.
	CheckAgainstLiveHeap bool

	// BuildGraphOnDevice makes offload goroutine transfer all the logs to per-log device buffers
	// and makes producers wait for the transfer.
	BuildGraphOnDevice bool

	// UseGuardPageOverflow detects full logs by faults on guard pages instead of explicit checks.
	UseGuardPageOverflow bool

	// VerifyOnlyBeforeExit limits cross-checking with live heap to Exit. Full logs are still replayed.
	VerifyOnlyBeforeExit bool

	// LogCapacity is the minimum number of events stored in each half of the per-mutator log.
	LogCapacity uint64

	// OverflowCheck is used when UseGuardPageOverflow is off.
	OverflowCheck capture.OverflowPolicy

	// VerifySubsystems selects subsystems verified by VerifyHeapGraph.
	VerifySubsystems types.Subsystem

	// MaxCopyLength is the maximum length of replayed array copy. Zero means no limit.
	MaxCopyLength uint64

	// Device receives offloaded events. Host device is used if it is nil.
	Device offload.Device
}

// DefaultConfig is the default configuration.
var DefaultConfig = Config{
	InstrumentHeapEvents: true,
	CheckAgainstLiveHeap: true,
	LogCapacity:          1 << 20,
	OverflowCheck:        capture.OverflowCheckBefore,
	VerifySubsystems:     types.SubsystemAll,
	MaxCopyLength:        1 << 24,
}

func (c Config) overflowPolicy() capture.OverflowPolicy {
	if c.UseGuardPageOverflow {
		return capture.OverflowGuardPage
	}
	return c.OverflowCheck
}
