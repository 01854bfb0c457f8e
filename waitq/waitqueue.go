// Package waitq implements WaitQueue, the FIFO sleep/wake-up primitive
// spec.md section 4.3 builds every sleepable lock from. It is adapted
// from the teacher nsync package's nsync.Mu/nsync.CV waiter-queue
// machinery (nsync/waiter.go's dll + waiter, nsync/mu.go's
// muWaiting-gated queue, nsync/cv.go's WaitWithDeadline), generalized
// from "a queue embedded in one specific lock/condvar" into the spec's
// standalone, reusable WaitQueue + Waiter/Waker split.
package waitq

import (
	"context"
	"sync/atomic"
	"time"

	"synccore/kerr"
	"synccore/klog"
	"synccore/spinlock"
	"synccore/task"
)

// WaitQueue is a FIFO of shared Waker handles protected by a spinlock,
// plus an atomic count for a lock-free emptiness check, per spec.md 3.
type WaitQueue struct {
	mu      spinlock.RawSpinLock
	waiters ring
	count   atomic.Uint32
	dead    atomic.Bool
}

// New returns an empty WaitQueue.
func New() *WaitQueue {
	wq := &WaitQueue{}
	wq.waiters.init()
	return wq
}

// Len returns the number of currently enqueued waiters.
func (wq *WaitQueue) Len() int {
	return int(wq.count.Load())
}

// IsEmpty reports whether the queue currently has no waiters.
func (wq *WaitQueue) IsEmpty() bool {
	return wq.count.Load() == 0
}

// The queue lock itself has no single natural "current task" -- it
// protects a FIFO shared across whichever goroutines happen to be
// enqueuing or draining at a given moment, unlike a run-queue's
// self-lock which is always held on behalf of that CPU's current
// task -- so these internal calls pass no task and get no
// preempt-disable accounting.
func (wq *WaitQueue) enqueue(w *Waker) *node {
	wq.mu.Lock(nil)
	n := wq.waiters.pushBack(w)
	wq.count.Add(1)
	wq.mu.Unlock(nil)
	return n
}

// removeIfPresent removes n from the queue if it is still linked there,
// decrementing count exactly when a removal actually happened. It is
// safe to call even after n has already been popped by wake_one/
// wake_all, matching spec.md 4.3's cancellation note that a removal
// racing a concurrent wake silently drains instead of double-counting.
func (wq *WaitQueue) removeIfPresent(n *node) {
	wq.mu.Lock(nil)
	if n.linked {
		wq.waiters.unlink(n)
		wq.count.Add(^uint32(0))
	}
	wq.mu.Unlock(nil)
}

// WakeOne wakes at most one waiter. It returns true if a waiter was
// actually woken (as opposed to the queue being empty, or every queued
// waker having already been independently consumed).
func (wq *WaitQueue) WakeOne() bool {
	for {
		if wq.count.Load() == 0 {
			return false
		}
		wq.mu.Lock(nil)
		n := wq.waiters.popFront()
		if n == nil {
			wq.mu.Unlock(nil)
			return false
		}
		wq.count.Add(^uint32(0))
		wq.mu.Unlock(nil)
		if n.w.Wake() {
			return true
		}
		// Already consumed (e.g. its task raced a cancellation); try
		// the next one, per spec.md 4.3's wake_one fallback.
	}
}

// WakeAll wakes every currently enqueued waiter. Concurrent waiters
// observe consistent state because the whole list is detached under the
// queue lock before any individual Wake() call runs.
func (wq *WaitQueue) WakeAll() {
	wq.mu.Lock(nil)
	toWake := wq.waiters.drain()
	wq.count.Store(0)
	wq.mu.Unlock(nil)
	for _, w := range toWake {
		w.Wake()
	}
}

// MarkDead irreversibly closes the queue: it drains and wakes every
// currently enqueued waiter, and causes every future WaitUntil call to
// return kerr.Interrupted immediately, per spec.md section 7.
func (wq *WaitQueue) MarkDead() {
	wq.dead.Store(true)
	n := wq.Len()
	wq.WakeAll()
	klog.VI(1).Infof("waitq: marked dead, drained %d waiter(s)", n)
}

// WaitUntil is the core wait_until(cond) primitive of spec.md 4.3,
// implemented as a free function (rather than a WaitQueue method)
// because Go methods cannot be generic: cond is a restartable predicate
// returning (result, true) the instant the awaited resource is
// available.
//
// The algorithm is the teacher's lost-wakeup-proof dance generalized
// from nsync.Mu.lockSlow/nsync.CV.WaitWithDeadline: fast check, enqueue,
// re-check (closing the window between the first check and the
// enqueue), then park.
func WaitUntil[R any](wq *WaitQueue, cond func() (R, bool)) (R, error) {
	return waitUntilDeadline(wq, cond, nil, context.Background(), nil, nil)
}

// WaitUntilContext is WaitUntil with cancellation: if ctx is done before
// cond succeeds, it returns kerr.Interrupted (the idiomatic Go
// replacement for spec.md's signal-pending check).
func WaitUntilContext[R any](ctx context.Context, wq *WaitQueue, cond func() (R, bool)) (R, error) {
	return waitUntilDeadline(wq, cond, nil, ctx, nil, nil)
}

// WaitUntilTimeout is WaitUntil with an absolute deadline: if cond has
// not succeeded by deadline, it returns kerr.TimedOut.
func WaitUntilTimeout[R any](wq *WaitQueue, cond func() (R, bool), deadline time.Time) (R, error) {
	return waitUntilDeadline(wq, cond, &deadline, context.Background(), nil, nil)
}

// WaitUntilTask is WaitUntil bound to a real scheduled task: t is put
// into Interruptible before parking and back to Running once parking
// ends, and wake-ups are driven through sched.WakeUp -- so a waiter
// parked on behalf of t is resumed as spec.md 4.3/4.6 describe
// wait_until_interruptible/wake_up acting on a real task, rather than
// only resuming the calling goroutine.
func WaitUntilTask[R any](t *task.Task, sched Scheduler, wq *WaitQueue, cond func() (R, bool)) (R, error) {
	return waitUntilDeadline(wq, cond, nil, context.Background(), t, sched)
}

// WaitUntilTaskContext is WaitUntilTask with cancellation.
func WaitUntilTaskContext[R any](ctx context.Context, t *task.Task, sched Scheduler, wq *WaitQueue, cond func() (R, bool)) (R, error) {
	return waitUntilDeadline(wq, cond, nil, ctx, t, sched)
}

// waitUntilDeadline is the shared implementation behind every
// WaitUntil* entry point. t/sched are nil for the plain,
// scheduler-unaware variants; when both are non-nil, the parking step
// additionally transitions t's run-state and routes wake-ups through
// sched, per spec.md 4.6's task-sleep integration.
func waitUntilDeadline[R any](wq *WaitQueue, cond func() (R, bool), deadline *time.Time, ctx context.Context, t *task.Task, sched Scheduler) (R, error) {
	// Step 1: fast check.
	if r, ok := cond(); ok {
		return r, nil
	}
	if wq.dead.Load() {
		var zero R
		return zero, kerr.Interrupted
	}
	if t != nil && t.Signals.SignalPending() {
		var zero R
		return zero, kerr.Interrupted
	}

	// Step 2: allocate the one-shot waiter/waker pair.
	var w *Waiter
	if t != nil && sched != nil {
		w = newTaskWaiter(t, sched)
	} else {
		w = newWaiter()
	}

	var deadlineTimer *time.Timer
	if deadline != nil {
		deadlineTimer = time.NewTimer(time.Until(*deadline))
		defer deadlineTimer.Stop()
	}

	for {
		// Step 3a: enqueue under the queue lock.
		elem := wq.enqueue(w.waker)

		// Step 3b: re-check. This closes the lost-wakeup window between
		// the fast check above and the enqueue: any wake-up that fired
		// in between is now guaranteed to be visible here, or to arrive
		// after enqueue and hit the parked waiter.
		if r, ok := cond(); ok {
			wq.removeIfPresent(elem)
			return r, nil
		}
		if wq.dead.Load() {
			wq.removeIfPresent(elem)
			var zero R
			return zero, kerr.Interrupted
		}
		// wait_until_interruptible's signal check (spec.md 4.3/section
		// 6): only the task-bound variants carry a t to ask, and only
		// they are interruptible in the first place -- ParkTask's
		// Uninterruptible sleep never consults SignalSource at all.
		if t != nil && t.Signals.SignalPending() {
			wq.removeIfPresent(elem)
			var zero R
			return zero, kerr.Interrupted
		}

		// Step 3c: park, unless a wake already landed between enqueue
		// and here, in which case consume it and loop immediately
		// without sleeping, per spec.md 4.3's consume_wake check.
		if w.waker.ConsumeWoken() {
			continue
		}
		if t != nil {
			t.SetState(task.Interruptible)
		}
		outcome := w.waker.sem.PWithContext(ctx, deadlineTimer)
		if t != nil {
			t.SetState(task.Running)
		}
		switch outcome {
		case semWoken:
			// The flag is consumed here too, so that if cond is still
			// false next iteration we genuinely park again instead of
			// re-triggering this branch forever on the same stale flag.
			w.waker.ConsumeWoken()
			continue
		case semExpired, semCancelled:
			// A timeout/cancellation raced a real wake-up. Re-check
			// cond one last time: if the resource is actually available
			// now, prefer that over reporting a spurious failure.
			if r, ok := cond(); ok {
				wq.removeIfPresent(elem)
				return r, nil
			}
			wq.removeIfPresent(elem)
			var zero R
			if outcome == semExpired {
				return zero, kerr.TimedOut
			}
			return zero, kerr.Interrupted
		}
	}
}

// ParkTask parks t on wq exactly once, with no condition to re-check:
// it returns true if some caller of wq.WakeOne/WakeAll released it
// (which also drives t through sched.WakeUp as a side effect of that
// wake, via the Waker's task/sched fields) before dur elapses, false on
// timeout. It is the low-level primitive behind Dispatcher.
// ScheduleTimeout, the scheduler variant of a sleep where there is no
// predicate to retry against -- just "block until woken or the timer
// fires". t is held Uninterruptible, matching spec.md 4.1's distinction
// between a sleep a signal can cut short and one only an explicit
// wake-up or timeout ends.
func ParkTask(wq *WaitQueue, t *task.Task, sched Scheduler, dur time.Duration) bool {
	if wq.dead.Load() {
		return false
	}
	w := newTaskWaiter(t, sched)
	elem := wq.enqueue(w.waker)

	if w.waker.ConsumeWoken() {
		wq.removeIfPresent(elem)
		return true
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()

	t.SetState(task.Uninterruptible)
	outcome := w.waker.sem.PWithContext(context.Background(), timer)
	t.SetState(task.Running)
	wq.removeIfPresent(elem)
	return outcome == semWoken
}

// SleepUnlock atomically enqueues the caller as a waiter on wq and then
// invokes unlock, closing the lost-wakeup window between "decide to
// sleep" and "release the lock protecting the condition" -- the
// sleep_unlock_spinlock/sleep_unlock_mutex convenience of spec.md
// section 6. It parks until a WakeOne or WakeAll on wq wakes its
// Waker. It returns nothing and has no deadline or cancellation.
func SleepUnlock(wq *WaitQueue, unlock func()) {
	w := newWaiter()
	elem := wq.enqueue(w.waker)
	unlock()
	if !w.waker.ConsumeWoken() {
		w.waker.sem.P()
	}
	wq.removeIfPresent(elem)
}
