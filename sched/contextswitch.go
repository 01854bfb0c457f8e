package sched

import (
	"sync"

	"synccore/task"
)

// ContextSwitcher performs the architecture-specific context switch
// the last step of schedule() hands off to: swap memory maps, call the
// architecture-specific context-switch primitive. The old task's
// resumption point is inside the same schedule() call. Go has no
// registers or real context switch to perform; GoroutineSwitcher models
// the same contract with a goroutine-per-task body plus a pair of
// resumption channels, so a caller's Schedule() call really does block
// until this CPU's self-lock hands control back to it, and the "old
// task resumes inside the same call" property holds for code built on
// top of this package (e.g. a test body running as the switched-away
// task).
type ContextSwitcher interface {
	// Switch blocks the caller (representing "from"'s resumption
	// point) until "to" yields the CPU back, via whatever means this
	// switcher uses to run to's body.
	Switch(from, to *task.Task)
}

// GoroutineSwitcher is the default ContextSwitcher: each task's
// resumption is modeled as unblocking a dedicated channel registered
// for that task, and Switch blocks on from's own channel until it is
// next chosen to run. Tasks that have never run are started as a fresh
// goroutine the first time they are switched to. Register/Switch run
// concurrently whenever more than one CPU's Dispatcher.Schedule call is
// in flight at once, so the two maps are guarded by mu.
type GoroutineSwitcher struct {
	mu     sync.Mutex
	resume map[int64]chan struct{}
	runner map[int64]func()
}

// NewGoroutineSwitcher returns a GoroutineSwitcher with no registered
// tasks.
func NewGoroutineSwitcher() *GoroutineSwitcher {
	return &GoroutineSwitcher{
		resume: make(map[int64]chan struct{}),
		runner: make(map[int64]func()),
	}
}

// Register associates body with t: the first time t is switched to, a
// goroutine running body is started. body must itself cooperate by
// calling back into the dispatcher (e.g. Dispatcher.Schedule) at its
// own suspension points; it is never force-preempted by this switcher.
func (s *GoroutineSwitcher) Register(t *task.Task, body func()) {
	s.mu.Lock()
	s.runner[t.Pid] = body
	s.resume[t.Pid] = make(chan struct{}, 1)
	s.mu.Unlock()
}

// Switch implements ContextSwitcher.
func (s *GoroutineSwitcher) Switch(from, to *task.Task) {
	s.mu.Lock()
	toCh, hasTo := s.resume[to.Pid]
	body, hasBody := s.runner[to.Pid]
	if hasBody && to.State() == task.Running {
		delete(s.runner, to.Pid) // started at most once
	}
	var fromCh chan struct{}
	if from != nil {
		fromCh = s.resume[from.Pid]
	}
	s.mu.Unlock()

	// A freshly started body gets no resume token: a stale token would
	// let its first switch-away return at once instead of blocking.
	if hasBody && to.State() == task.Running {
		go body()
	} else if hasTo {
		select {
		case toCh <- struct{}{}:
		default:
		}
	}
	// A Zombie task has exited for good and will never be chosen again,
	// so there is no future Switch(_, from) call that would ever deliver
	// on fromCh; blocking here would leak this goroutine permanently.
	if fromCh != nil && from.State() != task.Zombie {
		<-fromCh
	}
}
