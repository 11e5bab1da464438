package registry

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/outofforest/shadowheap/eventlog"
)

// New creates new log registry.
func New() *Registry {
	return &Registry{
		snapshots: map[*eventlog.Log]func(){},
	}
}

// Registry is the process-wide set of event logs.
type Registry struct {
	mu        sync.Mutex
	logs      []*eventlog.Log
	snapshots map[*eventlog.Log]func()
}

// Register adds log to the registry.
func (r *Registry) Register(log *eventlog.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, log)
}

// Unregister removes log from the registry. It returns false if log was not registered.
func (r *Registry) Unregister(log *eventlog.Log) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := lo.IndexOf(r.logs, log)
	if index < 0 {
		return false
	}
	r.logs = slices.Delete(r.logs, index, index+1)
	return true
}

// SnapshotAndAppend duplicates events of the log into new mapping and registers the copy.
// Registry owns the copy until it is closed.
func (r *Registry) SnapshotAndAppend(log *eventlog.Log) (*eventlog.Log, error) {
	snapshot, deallocFunc, err := log.Clone()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, snapshot)
	r.snapshots[snapshot] = deallocFunc
	return snapshot, nil
}

// Release unregisters, closes and unmaps the snapshot once its events are drained.
// Caller must hold the lock of the snapshot. It returns false if log is not a snapshot owned by the registry.
func (r *Registry) Release(log *eventlog.Log) bool {
	r.mu.Lock()
	deallocFunc, exists := r.snapshots[log]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.snapshots, log)
	if index := lo.IndexOf(r.logs, log); index >= 0 {
		r.logs = slices.Delete(r.logs, index, index+1)
	}
	r.mu.Unlock()

	log.Close()
	deallocFunc()
	return true
}

// Logs returns registered logs, oldest first.
func (r *Registry) Logs() []*eventlog.Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.logs)
}

// Find returns the log owning the address.
func (r *Registry) Find(addr uintptr) (*eventlog.Log, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Find(r.logs, func(log *eventlog.Log) bool {
		return log.Owns(addr)
	})
}

// Len returns the number of registered logs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.logs)
}

// Close releases snapshots created by the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	snapshots := r.snapshots
	r.snapshots = map[*eventlog.Log]func(){}
	r.logs = nil
	r.mu.Unlock()

	for log, deallocFunc := range snapshots {
		log.Lock()
		log.Close()
		log.Unlock()
		deallocFunc()
	}
}
