// Package sync provides a spinlock synchronization primitive.
package sync

import "sync/atomic"

var (
	yieldFn func()
)

// SetYieldFunc installs the function archAcquireSpinlock calls once it has
// busy-waited past its attempt budget. Package sched wires in its own Yield
// once the scheduler is up; until then a lock held elsewhere just spins.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock busy-waits for state to go from 0 to 1, spinning for
// up to attemptsBeforeYielding attempts before giving up the CPU via yieldFn
// (if one is installed) and resetting its attempt count.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	attempts := uint32(0)
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		attempts++
		if attempts >= attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
