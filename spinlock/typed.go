package spinlock

import (
	"synccore/irq"
	"synccore/task"
)

// SpinLock wraps a RawSpinLock around a protected value of type T,
// generalizing the teacher's pattern of a lock guarding specific fields
// (see nsync.Mu's doc comment example guarding p.a/p.b) into a reusable
// generic container.
type SpinLock[T any] struct {
	raw   RawSpinLock
	value T
}

// Guard grants exclusive access to the value protected by a SpinLock.
// It is not safe to share across goroutines, and must not be retained
// past the call to Unlock.
type Guard[T any] struct {
	lock *SpinLock[T]
	cur  *task.Task
	irqg *irq.Guard
}

// New returns a SpinLock protecting value.
func New[T any](value T) *SpinLock[T] {
	return &SpinLock[T]{value: value}
}

// Lock acquires the lock and returns a guard for the protected value.
// cur is the calling task (may be nil), whose preempt-disable counter
// is bumped while the guard is held.
func (l *SpinLock[T]) Lock(cur *task.Task) *Guard[T] {
	l.raw.Lock(cur)
	return &Guard[T]{lock: l, cur: cur}
}

// TryLock attempts to acquire the lock without blocking.
func (l *SpinLock[T]) TryLock(cur *task.Task) (*Guard[T], bool) {
	if !l.raw.TryLock(cur) {
		return nil, false
	}
	return &Guard[T]{lock: l, cur: cur}, true
}

// LockIRQSave additionally disables IRQs (via c) before taking the raw
// lock, and restores them after releasing it, matching spec.md 4.1's
// lock_irqsave. The IRQ-disable nesting counter (c) is a distinct
// concern from the preempt-disable counter bumped on cur.
func (l *SpinLock[T]) LockIRQSave(c *irq.Counter, cur *task.Task) *Guard[T] {
	g := c.Save()
	l.raw.Lock(cur)
	return &Guard[T]{lock: l, cur: cur, irqg: &g}
}

// Get returns a pointer to the protected value. Valid only while the
// guard is held.
func (g *Guard[T]) Get() *T {
	return &g.lock.value
}

// Unlock releases the lock (and restores IRQs if this guard was taken
// via LockIRQSave). The guard must not be used afterward.
func (g *Guard[T]) Unlock() {
	g.lock.raw.Unlock(g.cur)
	if g.irqg != nil {
		g.irqg.Restore()
	}
}
