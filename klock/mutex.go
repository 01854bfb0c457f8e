// Package klock implements two sleepable locks -- Mutex[T] and
// RwSem[T] -- both built directly on
// waitq.WaitQueue's wait_until protocol rather than any bespoke
// spin-then-queue dance of their own, generalizing the teacher's
// nsync.Mu/nsync.CV (nsync/mu.go, nsync/cv.go) to a generic protected
// payload.
package klock

import (
	"context"
	"sync/atomic"
	"time"

	"synccore/spinlock"
	"synccore/task"
	"synccore/waitq"
)

// Mutex is a sleepable, non-reentrant mutex guarding a value of type T.
// There is no owner tracking: recursive locking from the same caller
// deadlocks, exactly as nsync.Mu specifies.
type Mutex[T any] struct {
	locked atomic.Bool
	wq     *waitq.WaitQueue
	value  T
}

// NewMutex returns an unlocked Mutex guarding value.
func NewMutex[T any](value T) *Mutex[T] {
	return &Mutex[T]{wq: waitq.New(), value: value}
}

// MutexGuard grants access to the value protected by a Mutex while it
// is held. Unlock must be called exactly once.
type MutexGuard[T any] struct {
	m *Mutex[T]
}

// Get returns a pointer to the guarded value.
func (g *MutexGuard[T]) Get() *T {
	return &g.m.value
}

// Unlock releases the mutex and wakes at most one waiter, mirroring
// nsync.Mu.Unlock's single CAS-and-wake.
func (g *MutexGuard[T]) Unlock() {
	g.m.locked.Store(false)
	g.m.wq.WakeOne()
}

func (m *Mutex[T]) tryLock() (*MutexGuard[T], bool) {
	if m.locked.CompareAndSwap(false, true) {
		return &MutexGuard[T]{m: m}, true
	}
	return nil, false
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex[T]) TryLock() (*MutexGuard[T], bool) {
	return m.tryLock()
}

// Lock blocks until the mutex is acquired.
func (m *Mutex[T]) Lock() *MutexGuard[T] {
	g, _ := waitq.WaitUntil(m.wq, m.tryLock)
	return g
}

// LockContext is Lock with cancellation: ctx.Done() unparks the caller
// with kerr.Interrupted, the idiomatic analogue of
// wait_until_interruptible.
func (m *Mutex[T]) LockContext(ctx context.Context) (*MutexGuard[T], error) {
	return waitq.WaitUntilContext(ctx, m.wq, m.tryLock)
}

// LockTimeout is Lock with a deadline, returning kerr.TimedOut if it
// passes before the mutex is acquired.
func (m *Mutex[T]) LockTimeout(deadline time.Time) (*MutexGuard[T], error) {
	return waitq.WaitUntilTimeout(m.wq, m.tryLock, deadline)
}

// LockTask is Lock bound to a real scheduled task: while blocked, t is
// Interruptible and reported via sched's run-queue rather than only
// parking the calling goroutine, so a scheduler driving t can see it go
// to sleep and be woken the same way spec.md 4.6 describes for a task
// blocked on a contended lock.
func (m *Mutex[T]) LockTask(t *task.Task, sched waitq.Scheduler) *MutexGuard[T] {
	g, _ := waitq.WaitUntilTask(t, sched, m.wq, m.tryLock)
	return g
}

// SleepUnlockMutex enqueues the caller on wq and releases g in a single
// atomic step, then parks -- the sleep_unlock_mutex convenience,
// closing the lost-wakeup window between "decide to
// sleep on a condition guarded by m" and "release m".
func SleepUnlockMutex[T any](wq *waitq.WaitQueue, g *MutexGuard[T]) {
	waitq.SleepUnlock(wq, g.Unlock)
}

// SleepUnlockSpinlock is SleepUnlockMutex's counterpart for a raw
// spinlock guard, the sleep_unlock_spinlock convenience.
func SleepUnlockSpinlock[T any](wq *waitq.WaitQueue, g *spinlock.Guard[T]) {
	waitq.SleepUnlock(wq, g.Unlock)
}
