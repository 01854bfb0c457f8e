package waitq

import (
	"sync/atomic"

	"synccore/task"
)

// Scheduler is the subset of the dispatcher's wake_up entry point a
// Waker needs: transition a parked task back to Running and enqueue it
// on its owning CPU's run-queue. It is declared here, rather than
// imported from the scheduler package, so that waitq has no import
// dependency on sched -- sched.Dispatcher satisfies this interface
// structurally.
type Scheduler interface {
	WakeUp(t *task.Task) bool
}

// Waker is a shareable, single-consumption one-shot signal that resumes
// exactly one Waiter. It generalizes the "waiting" flag the teacher ties
// directly to a CV/Mu waiter struct (nsync/waiter.go) into a standalone
// handle other packages (klock.Mutex, klock.RwSem, and the scheduler's
// task-sleep integration) can hold independently of the queue node.
//
// When a Waker is bound to a real task and scheduler (via the *Task
// entry points in waitqueue.go), Wake both releases the local
// semaphore the parked goroutine is blocked on and drives the task's
// run-state/run-queue transition through Scheduler.WakeUp, so a waiter
// parked on behalf of a scheduled task is resumed the same way
// spec.md's wake_up describes: not just "this goroutine may proceed"
// but "this task is Running and enqueued again."
//
// Cloning is cheap (copy the pointer); dropping the last handle is
// harmless, matching spec.md 3's Waker invariants.
type Waker struct {
	hasWoken atomic.Bool
	sem      *binarySemaphore

	task  *task.Task
	sched Scheduler
}

// Wake attempts to resume the associated Waiter. Only the first call
// across all holders of this Waker returns true; subsequent calls are
// no-ops returning false, satisfying the "single-consumption" invariant.
func (w *Waker) Wake() bool {
	if w.hasWoken.Swap(true) {
		return false
	}
	if w.task != nil && w.sched != nil {
		w.sched.WakeUp(w.task)
	}
	w.sem.V()
	return true
}

// ConsumeWoken reports whether Wake has already been called since the
// last ConsumeWoken, clearing the flag in the same operation. The
// parking loop uses this (rather than a plain load) so that a wake
// landing between re-enqueue and park is taken back and the same Waker
// can legitimately be woken again on a later loop iteration; a
// non-resetting read would latch true forever once woken once, and the
// loop would spin tightly instead of ever parking again whenever cond
// is still false (e.g. another waiter won the race for the resource).
func (w *Waker) ConsumeWoken() bool {
	return w.hasWoken.CompareAndSwap(true, false)
}

// Waiter is the task-local, non-shareable companion to a Waker. A
// Waiter must never be migrated to another goroutine, and its lifetime
// is confined to a single WaitUntil invocation, per spec.md 3.
type Waiter struct {
	waker *Waker
}

func newWaiter() *Waiter {
	return &Waiter{waker: &Waker{sem: newBinarySemaphore()}}
}

// newTaskWaiter is newWaiter's task-bound counterpart: the resulting
// Waker's Wake() additionally drives t through sched's run-state/
// run-queue transition, not just the local semaphore.
func newTaskWaiter(t *task.Task, sched Scheduler) *Waiter {
	return &Waiter{waker: &Waker{sem: newBinarySemaphore(), task: t, sched: sched}}
}
