package sched

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"synccore/kerr"
	"synccore/klog"
	"synccore/task"
	"synccore/waitq"
)

// Mode is the scheduling mode a schedule() call is entered with.
type Mode int

const (
	// ModeNone ("SM_NONE"): the current task voluntarily suspended (it
	// already moved itself off Running before calling in) and must not
	// be re-enqueued.
	ModeNone Mode = iota
	// ModePreempt ("SM_Preempt"): the current task was preempted while
	// still Running and must be re-enqueued in its class, preserving
	// its remaining time-slice/virtual runtime.
	ModePreempt
)

func (m Mode) String() string {
	if m == ModePreempt {
		return "preempt"
	}
	return "none"
}

// defaultRRQuantum is the number of ticks an RR task runs before its
// time-slice expires (e.g. 100ms worth of ticks).
const defaultRRQuantum = 100

// defaultCFSGranularity is the scheduling-latency threshold: the
// current CFS task is marked NEED_RESCHED once its virtual runtime
// exceeds the queue minimum by more than this.
const defaultCFSGranularity = 4 * vsliceHalf

// Dispatcher is the single schedule()/tick()/wake_up() entry point,
// fanned out across a fixed set of per-CPU RunQueues. It
// owns no global lock: every decision is made under the target CPU's
// own RunQueue.self, following a "no global scheduler
// lock" policy.
type Dispatcher struct {
	rqs      []*RunQueue
	metrics  []*Metrics
	switcher ContextSwitcher
	addrsp   task.AddrSpaceSwitcher

	rrQuantum      int64
	cfsGranularity int64
}

// NewDispatcher returns a Dispatcher with one RunQueue per entry in
// idles (idles[cpu] is the idle task for CPU cpu). switcher performs
// the architecture-specific context switch; reg (may be nil) receives
// this dispatcher's per-CPU metrics.
func NewDispatcher(idles []*task.Task, switcher ContextSwitcher, reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		switcher:       switcher,
		addrsp:         task.NoopAddrSpaceSwitcher,
		rrQuantum:      defaultRRQuantum,
		cfsGranularity: defaultCFSGranularity,
	}
	for cpu, idle := range idles {
		d.rqs = append(d.rqs, NewRunQueue(cpu, idle))
		d.metrics = append(d.metrics, NewMetrics(cpu, reg))
	}
	return d
}

// NumCPU returns the number of CPUs this dispatcher was constructed
// with.
func (d *Dispatcher) NumCPU() int {
	return len(d.rqs)
}

// RunQueue returns the RunQueue backing cpu, for tests and callers that
// need to inspect per-CPU state directly.
func (d *Dispatcher) RunQueue(cpu int) *RunQueue {
	return d.rqs[cpu]
}

// SetRRQuantum overrides the number of ticks an RR task runs before its
// time-slice expires (default defaultRRQuantum).
func (d *Dispatcher) SetRRQuantum(ticks int64) {
	d.rrQuantum = ticks
}

// SetAddrSpaceSwitcher installs the switch_mm collaborator invoked on
// every context switch. The default is a no-op (memory management is
// out of scope here).
func (d *Dispatcher) SetAddrSpaceSwitcher(s task.AddrSpaceSwitcher) {
	d.addrsp = s
}

// SchedEnqueue places t on its owning CPU's run-queue without itself
// invoking the dispatcher, the sched_enqueue entry point. It does not
// mark the target CPU's current task
// NEED_RESCHED; use WakeUp for that.
func (d *Dispatcher) SchedEnqueue(t *task.Task) {
	rq := d.rqs[t.CPU]
	holder := rq.lockSelf()
	rq.enqueue(t, true)
	d.metrics[t.CPU].RunQueueDepth.Set(float64(rq.depth()))
	rq.unlockSelf(holder)
}

// Schedule is the schedule(mode) entry point:
//  1. take the run-queue's self-lock,
//  2. clear the current task's NEED_RESCHED,
//  3. if mode is ModePreempt and current is still Running, re-enqueue it,
//  4. pick next (RT, then CFS, then idle),
//  5. if next is current, release and return,
//  6. otherwise switch memory maps and context-switch to next.
//
// The self-lock protects the run-queue's bookkeeping (steps 1-4); it is
// released before the (possibly blocking) context switch itself so that
// the incoming task's own future Schedule call on this same CPU is
// never forced to wait on a goroutine parked mid-switch -- a deviation
// from holding the lock across the literal switch that only matters
// because this module simulates the hardware context switch with
// blocking goroutines rather than a register save/restore (see
// ContextSwitcher's doc comment).
func (d *Dispatcher) Schedule(cpu int, mode Mode) {
	rq := d.rqs[cpu]
	holder := rq.lockSelf()
	cur := rq.current
	cur.NeedResched.Store(false)

	preempted := false
	if mode == ModePreempt && cur.State() == task.Running && cur != rq.idle {
		rq.enqueue(cur, false)
		preempted = true
	}

	next := rq.pickNext()
	d.metrics[cpu].RunQueueDepth.Set(float64(rq.depth()))

	if next == cur {
		rq.unlockSelf(holder)
		return
	}
	rq.current = next
	rq.unlockSelf(holder)

	klog.VI(1).Infof("sched: cpu %d switch pid %d -> pid %d (mode=%v)", cpu, cur.Pid, next.Pid, mode)
	d.metrics[cpu].ContextSwitches.Inc()
	switch {
	case preempted:
		d.metrics[cpu].InvoluntarySwitches.Inc()
	case mode == ModeNone:
		d.metrics[cpu].VoluntarySwitches.Inc()
	}
	d.addrsp.Switch(cur, next)
	d.switcher.Switch(cur, next)
}

// Tick runs from the timer IRQ: it accounts delta of
// runtime to the current task (RT: decrement time-slice for RR only;
// CFS: increment virtual runtime scaled by weight), and on IRQ exit,
// if NEED_RESCHED is set and the task's preempt-disable counter is
// zero, calls Schedule(ModePreempt).
func (d *Dispatcher) Tick(cpu int, delta time.Duration) {
	rq := d.rqs[cpu]
	holder := rq.lockSelf()
	cur := rq.current
	resched := false

	switch cur.Class {
	case task.Normal:
		cur.Fair.VirtualRuntime += int64(delta) * task.NiceZeroWeight / cur.Fair.Weight
		if cur != rq.idle && cur.Fair.VirtualRuntime-rq.cfs.peekMinVruntime() > d.cfsGranularity {
			resched = true
		}
	case task.RR:
		cur.RT.TimeSlice--
		if cur.RT.TimeSlice <= 0 {
			cur.RT.TimeSlice = d.rrQuantum
			resched = true
		}
	case task.FIFO:
		// time_slice unused; FIFO never expires on its own.
	}
	if resched {
		cur.NeedResched.Store(true)
	}
	rq.unlockSelf(holder)

	if cur.NeedResched.Load() && !cur.PreemptDisabled() {
		d.Schedule(cpu, ModePreempt)
	}
}

// WakeUp transitions t to Running and enqueues it on its owning CPU's
// run-queue, a wake_up implementation. If t's dynamic priority exceeds
// the current task's on that CPU, the current task is marked
// NEED_RESCHED so the next IRQ-exit (or an explicit Schedule call)
// preempts it -- this models an "RT task arriving preempts CFS
// immediately" contract without forcing a synchronous context switch
// from inside the waker's own call stack.
func (d *Dispatcher) WakeUp(t *task.Task) bool {
	if !t.Wake() {
		return false
	}
	cpu := t.CPU
	if cpu < 0 || cpu >= len(d.rqs) {
		cpu = 0
		t.CPU = cpu
	}
	rq := d.rqs[cpu]
	holder := rq.lockSelf()
	rq.enqueue(t, true)
	d.metrics[cpu].RunQueueDepth.Set(float64(rq.depth()))
	cur := rq.current
	preempts := cur != rq.idle && dynamicPriorityBeats(t, cur)
	rq.unlockSelf(holder)

	if preempts {
		cur.NeedResched.Store(true)
		klog.VI(2).Infof("sched: cpu %d pid %d marked NEED_RESCHED by wake of pid %d", cpu, cur.Pid, t.Pid)
	}
	return true
}

// ScheduleTimeout is schedule_timeout: t, already current on its owning
// CPU's run-queue, parks Uninterruptible on that run-queue's internal
// sleep queue until either WakeTimeout(t.CPU) releases it or dur
// elapses.
// It reports whether t was actually woken (false on timeout), and is
// the collaborator-facing counterpart to WaitUntilTask for callers with
// no condition to re-check against -- just "sleep for a while, or until
// someone wakes me." It does not itself pick a new current task; a
// caller that wants another task to actually run while t sleeps must
// still call Schedule, the same division of labor WaitUntilTask already
// assumes.
func (d *Dispatcher) ScheduleTimeout(t *task.Task, dur time.Duration) bool {
	rq := d.rqs[t.CPU]
	return waitq.ParkTask(rq.sleepq, t, d, dur)
}

// WakeTimeout releases the longest-parked ScheduleTimeout sleeper on
// cpu's run-queue, the wake_up counterpart to ScheduleTimeout -- FIFO
// over that run-queue's sleep queue, same as every other WaitQueue in
// this module; a caller with several tasks concurrently parked in
// ScheduleTimeout on the same CPU only gets to pick "the one that's
// been waiting longest," not an arbitrary specific task, per spec.md
// 3's WaitQueue contract.
func (d *Dispatcher) WakeTimeout(cpu int) bool {
	return d.rqs[cpu].sleepq.WakeOne()
}

// YieldNow puts the calling task (cpu's current task) at the tail of
// its class's queue and reschedules immediately.
func (d *Dispatcher) YieldNow(cpu int) {
	d.Schedule(cpu, ModePreempt)
}

// SetFifoPolicy changes t's scheduling class to FIFO at the given
// priority (0-99, lower wins), a runtime policy change. It validates
// only the priority range, returning kerr.InvalidArgument otherwise; it
// does not check that t is a kernel thread and never returns
// kerr.PermissionDenied.
func SetFifoPolicy(t *task.Task, priority int) (err error) {
	defer klog.LogCall(t.Pid, priority)(&err)
	if priority < 0 || priority >= numRTPriorities {
		return kerr.InvalidArgument
	}
	t.Class = task.FIFO
	t.RT.Priority = priority
	t.RT.TimeSlice = 0
	return nil
}

// SetRoundRobinPolicy is SetFifoPolicy's RR counterpart, arming the
// task's time-slice to the dispatcher's configured quantum.
func (d *Dispatcher) SetRoundRobinPolicy(t *task.Task, priority int) (err error) {
	defer klog.LogCall(t.Pid, priority)(&err)
	if priority < 0 || priority >= numRTPriorities {
		return kerr.InvalidArgument
	}
	t.Class = task.RR
	t.RT.Priority = priority
	t.RT.TimeSlice = d.rrQuantum
	return nil
}
