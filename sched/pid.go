package sched

import "synccore/spinlock"

// PidAllocator is a pid counter: a private spinlock-protected cell
// with an alloc()/free() API -- the one piece of process-wide mutable
// state in the core besides the per-CPU run-queue array.
type PidAllocator struct {
	state *spinlock.SpinLock[pidState]
}

type pidState struct {
	next int64
	free []int64
}

// NewPidAllocator returns an allocator that hands out pids starting at
// 1.
func NewPidAllocator() *PidAllocator {
	return &PidAllocator{state: spinlock.New(pidState{next: 1})}
}

// Alloc returns a previously-freed pid if one is available, otherwise
// the next unused pid. Allocation happens before the new task exists,
// so there is no task to charge preempt-disable accounting to.
func (a *PidAllocator) Alloc() int64 {
	g := a.state.Lock(nil)
	defer g.Unlock()
	s := g.Get()
	if n := len(s.free); n > 0 {
		pid := s.free[n-1]
		s.free = s.free[:n-1]
		return pid
	}
	pid := s.next
	s.next++
	return pid
}

// Free returns pid to the pool for reuse, mirroring a real allocator's
// behavior once a task's parent reaps it out of Zombie.
func (a *PidAllocator) Free(pid int64) {
	g := a.state.Lock(nil)
	defer g.Unlock()
	s := g.Get()
	s.free = append(s.free, pid)
}
