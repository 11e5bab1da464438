package capture

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is the lock busy-waiting for the owner to release it.
type SpinLock struct {
	state atomic.Bool
}

// Lock locks the lock.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock unlocks the lock.
func (l *SpinLock) Unlock() {
	l.state.Store(false)
}
