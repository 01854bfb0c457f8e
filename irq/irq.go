// Package irq models the scoped save-and-disable/restore of a CPU's
// interrupt flag that spec.md assumes as a collaborator primitive from
// the CPU. User-space Go has no interrupt flag, so a Counter instead
// tracks a nesting depth of conceptually-disabled IRQs; the caller owns
// the Counter and passes it explicitly (spinlock.SpinLock.LockIRQSave
// takes one), and no real hardware IRQs are involved.
//
// Guard is not safe to share across goroutines: like a real IRQ flag, it
// is scoped to whichever thread of control saved it.
package irq

import "sync/atomic"

// Guard represents a saved interrupt state. Restore() must be called
// exactly once, typically via defer immediately after Save().
type Guard struct {
	counter *atomic.Int32
	armed   bool
}

// perGoroutineDepth would be the idiomatic spot for a goroutine-local
// variable; Go has none, so callers that need IRQ-disable semantics
// thread a *Counter explicitly (see spinlock.SpinLock.LockIRQSave,
// which takes the Counter as an argument rather than a global flag).

// Counter is an IRQ-disable nesting counter. A nonzero value means IRQs
// are (conceptually) disabled. It is safe for concurrent use, mirroring
// the per-task preempt-disable counter described in spec.md section 3.
type Counter struct {
	depth atomic.Int32
}

// Save disables IRQs (increments the nesting depth) and returns a Guard
// whose Restore() call re-enables them (decrements the depth). Nested
// Save/Restore pairs compose correctly.
func (c *Counter) Save() Guard {
	c.Inc()
	return Guard{counter: &c.depth, armed: true}
}

// Inc bumps the nesting depth by one without producing a Guard. Paired
// with Dec, it brackets a critical section whose entry and exit are two
// distinct call sites rather than one lexical scope.
func (c *Counter) Inc() {
	c.depth.Add(1)
}

// Dec drops the nesting depth by one. Panics if it would go negative.
func (c *Counter) Dec() {
	if c.depth.Add(-1) < 0 {
		panic("irq: unbalanced Dec")
	}
}

// Restore re-enables IRQs saved by the matching Save call. Calling
// Restore more than once on the same Guard panics, matching the "fatal
// errors... panic in debug builds" contract of spec.md section 7 for
// programmer errors.
func (g *Guard) Restore() {
	if !g.armed {
		panic("irq: Guard.Restore called twice")
	}
	g.armed = false
	if g.counter.Add(-1) < 0 {
		panic("irq: unbalanced Restore")
	}
}

// Disabled reports whether IRQs are currently (conceptually) disabled on
// this counter, i.e. whether the nesting depth is nonzero.
func (c *Counter) Disabled() bool {
	return c.depth.Load() != 0
}
