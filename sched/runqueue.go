package sched

import (
	"synccore/spinlock"
	"synccore/task"
	"synccore/waitq"
)

// RunQueue is one CPU's scheduling state: its own self-lock (never a
// global scheduler lock, per spec.md section 9), an RT sub-queue, a
// CFS sub-queue, pointers to the currently running and idle tasks, and
// a wait queue backing ScheduleTimeout's Uninterruptible sleeps.
type RunQueue struct {
	CPU int

	self spinlock.RawSpinLock

	rt  *rtQueue
	cfs *cfsQueue

	current *task.Task
	idle    *task.Task

	sleepq *waitq.WaitQueue
}

// NewRunQueue returns an empty RunQueue for the given CPU, with idle as
// the task to run when nothing else is Running-and-enqueued.
func NewRunQueue(cpu int, idle *task.Task) *RunQueue {
	idle.CPU = cpu
	return &RunQueue{
		CPU:     cpu,
		rt:      newRTQueue(),
		cfs:     newCFSQueue(),
		current: idle,
		idle:    idle,
		sleepq:  waitq.New(),
	}
}

// Current returns the task currently running on this CPU (the idle
// task if nothing else is runnable).
func (rq *RunQueue) Current() *task.Task {
	return rq.current
}

// lockSelf/unlockSelf take/release the run-queue's own spinlock; every
// scheduling decision on this CPU happens under it, per spec.md
// section 9's "every run-queue carries its own lock" policy. The
// preempt-disable counter is charged to whichever task is current on
// this CPU at lock time; lockSelf returns it so the matching
// unlockSelf call (even after rq.current has since been reassigned,
// as Schedule does) credits the same task that was charged.
func (rq *RunQueue) lockSelf() *task.Task {
	cur := rq.current
	rq.self.Lock(cur)
	return cur
}

func (rq *RunQueue) unlockSelf(cur *task.Task) {
	rq.self.Unlock(cur)
}

// enqueue inserts t into the sub-queue for its class. woken marks
// whether this is a wake-up (as opposed to a voluntary re-enqueue of a
// still-Running task), which matters only to the CFS entity-placement
// heuristic of spec.md 4.7.
func (rq *RunQueue) enqueue(t *task.Task, woken bool) {
	t.CPU = rq.CPU
	switch t.Class {
	case task.FIFO, task.RR:
		rq.rt.enqueue(t)
	default:
		rq.cfs.enqueue(t, woken)
	}
}

// depth returns the total number of runnable tasks currently enqueued
// across both sub-queues (excludes the currently running task and the
// idle task), for the run-queue-depth metric.
func (rq *RunQueue) depth() int {
	return rq.rt.length() + rq.cfs.length()
}

// pickNext implements spec.md 4.6 step 4: RT beats CFS; if both
// sub-queues are empty, idle runs.
func (rq *RunQueue) pickNext() *task.Task {
	if t := rq.rt.pick(); t != nil {
		return t
	}
	if t := rq.cfs.pick(); t != nil {
		return t
	}
	return rq.idle
}

// dynamicPriorityBeats reports whether candidate's dynamic priority
// exceeds current's on this run-queue -- RT always beats CFS; within
// the same class, RT compares numeric priority (lower wins) and CFS
// compares virtual runtime (lower wins), per spec.md 4.6's wake_up
// NEED_RESCHED rule.
func dynamicPriorityBeats(candidate, current *task.Task) bool {
	candidateRT := candidate.Class == task.FIFO || candidate.Class == task.RR
	currentRT := current.Class == task.FIFO || current.Class == task.RR
	switch {
	case candidateRT && !currentRT:
		return true
	case !candidateRT && currentRT:
		return false
	case candidateRT && currentRT:
		return higherPriorityThan(candidate.RT.Priority, current.RT.Priority)
	default:
		return candidate.Fair.VirtualRuntime < current.Fair.VirtualRuntime
	}
}
