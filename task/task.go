// Package task implements Task, a process-control block, and the small
// set of interfaces the scheduler
// uses to reach outside the concurrency core into the parts of a real
// kernel (address spaces, pending signals) this module does not model.
package task

import (
	"sync/atomic"
)

// Class is a task's scheduling class.
type Class int

const (
	Normal Class = iota // CFS
	FIFO                // real-time, no time-slice expiry
	RR                  // real-time, round-robin time-slice
)

func (c Class) String() string {
	switch c {
	case Normal:
		return "NORMAL"
	case FIFO:
		return "FIFO"
	case RR:
		return "RR"
	default:
		return "unknown"
	}
}

// State is a task's run-state, mutated only by the task itself except
// for wakers transitioning Interruptible/Uninterruptible to Running
// under IRQ-disabled context.
type State int32

const (
	Running State = iota
	Interruptible
	Uninterruptible
	Zombie
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Interruptible:
		return "interruptible"
	case Uninterruptible:
		return "uninterruptible"
	case Zombie:
		return "zombie"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SignalSource reports whether a task has a pending signal. The default
// Task never has one; tests may install a fake to exercise
// wait_until_interruptible's Interrupted path deterministically.
type SignalSource interface {
	SignalPending() bool
}

type noSignals struct{}

func (noSignals) SignalPending() bool { return false }

// AddrSpaceSwitcher models switch_mm: swapping the active address space
// when the scheduler context-switches between two tasks. Memory
// management is out of scope here, so the default is a
// no-op; it exists so the dispatcher's contract point is preserved and
// a caller embedding this module in something with real address spaces
// has somewhere to plug in.
type AddrSpaceSwitcher interface {
	Switch(from, to *Task)
}

type noopAddrSpaceSwitcher struct{}

func (noopAddrSpaceSwitcher) Switch(*Task, *Task) {}

// NoopAddrSpaceSwitcher is the default AddrSpaceSwitcher: it does
// nothing.
var NoopAddrSpaceSwitcher AddrSpaceSwitcher = noopAddrSpaceSwitcher{}

// FairEntity is a NORMAL task's CFS scheduling state.
type FairEntity struct {
	VirtualRuntime int64
	Weight         int64 // derived from nice; NICE_0_WEIGHT for nice 0
}

// RTEntity is a FIFO/RR task's real-time scheduling state.
type RTEntity struct {
	Priority  int // 0-99, lower numeric value wins
	TimeSlice int64
}

// Task is the process-control block: identity,
// scheduling class and priority, run-state, affinity, and per-class
// scheduling entities. Only a subset of fields (State, PreemptCount,
// NeedResched) are mutated concurrently; the rest are effectively
// immutable after creation or owned by the run-queue that currently
// holds the task.
type Task struct {
	Pid      int64
	Class    Class
	Affinity uint64
	CPU      int

	state        atomic.Int32
	PreemptCount atomic.Int32
	NeedResched  atomic.Bool

	Fair FairEntity
	RT   RTEntity

	// AddrSpace is opaque to this module -- memory management is a
	// Non-goal -- but is threaded through so an embedding caller's
	// AddrSpaceSwitcher has something to switch.
	AddrSpace any

	Signals SignalSource

	// seq breaks ties between equal-vruntime fair entities so the CFS
	// heap has a total order (container/heap requires Less to be a
	// strict weak ordering); it is assigned by the run-queue on
	// enqueue.
	seq uint64
}

// New returns a Task with the given pid and class, in the Running
// state, with no pending signals.
func New(pid int64, class Class) *Task {
	t := &Task{Pid: pid, Class: class, CPU: -1, Signals: noSignals{}}
	t.state.Store(int32(Running))
	if class == Normal {
		t.Fair.Weight = NiceZeroWeight
	} else {
		t.RT.Priority = 49
	}
	return t
}

// NiceZeroWeight is the CFS weight assigned to nice-0 tasks; every
// other nice level's weight is scaled relative to this in the
// virtual-runtime formula.
const NiceZeroWeight = 1024

// State returns the task's current run-state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// SetState unconditionally sets the task's run-state. Only the task
// itself should call this except to transition out of
// Interruptible/Uninterruptible, which is Wake's job.
func (t *Task) SetState(s State) {
	t.state.Store(int32(s))
}

// Wake transitions the task from Interruptible/Uninterruptible to
// Running; it is a no-op (returns false) if the task was not sleeping,
// matching wake_up's usual precondition.
func (t *Task) Wake() bool {
	for {
		old := State(t.state.Load())
		if old != Interruptible && old != Uninterruptible {
			return false
		}
		if t.state.CompareAndSwap(int32(old), int32(Running)) {
			return true
		}
	}
}

// IncPreempt/DecPreempt bump the preempt-disable counter a held
// spinlock (or an explicit critical section) maintains; NEED_RESCHED is
// only honored at IRQ-exit when this counter is zero.
func (t *Task) IncPreempt() { t.PreemptCount.Add(1) }
func (t *Task) DecPreempt() { t.PreemptCount.Add(-1) }

// PreemptDisabled reports whether this task currently forbids
// involuntary preemption.
func (t *Task) PreemptDisabled() bool {
	return t.PreemptCount.Load() != 0
}

// CFSSeq and SetCFSSeq expose the tie-breaking sequence number the
// fair run-queue assigns on enqueue, giving its heap a strict weak
// ordering when two entities share a virtual runtime.
func (t *Task) CFSSeq() uint64     { return t.seq }
func (t *Task) SetCFSSeq(s uint64) { t.seq = s }
