package klock

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"synccore/task"
	"synccore/waitq"
)

// RwSem packs {writer, upgradeable-reader, being-upgraded, overflow}
// flag bits above a 28-bit reader count into a single uint32, read and
// mutated with CAS loops the way the teacher packs nsync.CV's
// cvSpinlock/cvNonEmpty bits into one word (nsync/cv.go), scaled up to
// a richer rwsem state space supporting read/write/upgradeable access.
type RwSem[T any] struct {
	word  atomic.Uint32
	wq    *waitq.WaitQueue
	value T
}

const (
	rwWriterBit      uint32 = 1 << 31
	rwUpgradeableBit uint32 = 1 << 30
	rwBeingUpgraded  uint32 = 1 << 29
	rwOverflowBit    uint32 = 1 << 28
	rwReaderMask     uint32 = rwOverflowBit - 1
)

// NewRwSem returns an unheld RwSem guarding value.
func NewRwSem[T any](value T) *RwSem[T] {
	return &RwSem[T]{wq: waitq.New(), value: value}
}

// RwSemReadGuard grants shared read access to the protected value.
type RwSemReadGuard[T any] struct {
	rw *RwSem[T]
}

// Get returns a pointer to the guarded value. Callers must not write
// through it while only holding a read guard.
func (g *RwSemReadGuard[T]) Get() *T { return &g.rw.value }

// Unlock releases one reader slot, waking a blocked writer if this was
// the last reader and no upgradeable reader is pending.
func (g *RwSemReadGuard[T]) Unlock() {
	rw := g.rw
	for {
		old := rw.word.Load()
		n := old - 1
		if n&rwOverflowBit != 0 && n&rwReaderMask != rwReaderMask {
			n &^= rwOverflowBit
		}
		if rw.word.CompareAndSwap(old, n) {
			if n&rwReaderMask == 0 && n&(rwUpgradeableBit|rwWriterBit) == 0 {
				rw.wq.WakeOne()
			}
			return
		}
	}
}

// RwSemWriteGuard grants exclusive access to the protected value.
type RwSemWriteGuard[T any] struct {
	rw *RwSem[T]
}

// Get returns a pointer to the guarded value.
func (g *RwSemWriteGuard[T]) Get() *T { return &g.rw.value }

// Unlock releases the write lock and wakes every waiter: readers and
// one winning writer race for the freed word via CAS.
func (g *RwSemWriteGuard[T]) Unlock() {
	g.rw.word.Store(0)
	g.rw.wq.WakeAll()
}

// Downgrade atomically converts a write guard into an upgradeable-
// reader guard without ever releasing the lock entirely. A CAS loop
// absorbs spurious failure; no wake is needed because
// waiting readers are released only when the returned guard itself is
// later dropped.
func (g *RwSemWriteGuard[T]) Downgrade() *RwSemUpgradeableGuard[T] {
	rw := g.rw
	for !rw.word.CompareAndSwap(rwWriterBit, rwUpgradeableBit) {
	}
	return &RwSemUpgradeableGuard[T]{rw: rw}
}

// RwSemUpgradeableGuard grants read access plus the exclusive right to
// later become a writer without releasing in between.
type RwSemUpgradeableGuard[T any] struct {
	rw *RwSem[T]
}

// Get returns a pointer to the guarded value.
func (g *RwSemUpgradeableGuard[T]) Get() *T { return &g.rw.value }

// Unlock releases the upgradeable-reader slot. If it was also the last
// reader, it wakes every waiter -- a waiting writer or upread caller
// may now be able to proceed.
func (g *RwSemUpgradeableGuard[T]) Unlock() {
	rw := g.rw
	for {
		old := rw.word.Load()
		n := old &^ (rwUpgradeableBit | rwBeingUpgraded)
		if rw.word.CompareAndSwap(old, n) {
			if n&rwReaderMask == 0 {
				rw.wq.WakeAll()
			}
			return
		}
	}
}

// Upgrade blocks until every existing reader has drained, then
// atomically converts this upgradeable-reader guard into a write
// guard. It never sleeps: since only the sole upgradeable-reader may
// call Upgrade, contention is bounded by the reader population at the
// time of the call, so a bounded CAS spin with a
// runtime.Gosched yield (the userspace analogue of cpu_relax) is
// sufficient rather than parking on the wait-queue.
func (g *RwSemUpgradeableGuard[T]) Upgrade() *RwSemWriteGuard[T] {
	rw := g.rw
	for {
		old := rw.word.Load()
		if old&rwBeingUpgraded != 0 || rw.word.CompareAndSwap(old, old|rwBeingUpgraded) {
			break
		}
	}
	for {
		old := rw.word.Load()
		if old&rwReaderMask == 0 {
			if rw.word.CompareAndSwap(old, rwWriterBit) {
				return &RwSemWriteGuard[T]{rw: rw}
			}
		}
		runtime.Gosched()
	}
}

func (rw *RwSem[T]) tryRead() (*RwSemReadGuard[T], bool) {
	n := rw.word.Add(1)
	if n&(rwWriterBit|rwBeingUpgraded|rwOverflowBit) != 0 {
		rw.word.Add(^uint32(0))
		return nil, false
	}
	if n&rwReaderMask == rwReaderMask {
		for {
			old := rw.word.Load()
			if old&rwOverflowBit != 0 || rw.word.CompareAndSwap(old, old|rwOverflowBit) {
				break
			}
		}
	}
	return &RwSemReadGuard[T]{rw: rw}, true
}

func (rw *RwSem[T]) tryWrite() (*RwSemWriteGuard[T], bool) {
	if rw.word.CompareAndSwap(0, rwWriterBit) {
		return &RwSemWriteGuard[T]{rw: rw}, true
	}
	return nil, false
}

func (rw *RwSem[T]) tryUpread() (*RwSemUpgradeableGuard[T], bool) {
	for {
		old := rw.word.Load()
		if old&(rwUpgradeableBit|rwWriterBit) != 0 {
			return nil, false
		}
		if rw.word.CompareAndSwap(old, old|rwUpgradeableBit) {
			return &RwSemUpgradeableGuard[T]{rw: rw}, true
		}
	}
}

// TryRead attempts to take a read guard without blocking.
func (rw *RwSem[T]) TryRead() (*RwSemReadGuard[T], bool) { return rw.tryRead() }

// TryWrite attempts to take a write guard without blocking.
func (rw *RwSem[T]) TryWrite() (*RwSemWriteGuard[T], bool) { return rw.tryWrite() }

// TryUpread attempts to take an upgradeable-reader guard without
// blocking.
func (rw *RwSem[T]) TryUpread() (*RwSemUpgradeableGuard[T], bool) { return rw.tryUpread() }

// Read blocks until a read guard can be taken.
func (rw *RwSem[T]) Read() *RwSemReadGuard[T] {
	g, _ := waitq.WaitUntil(rw.wq, rw.tryRead)
	return g
}

// Write blocks until a write guard can be taken.
func (rw *RwSem[T]) Write() *RwSemWriteGuard[T] {
	g, _ := waitq.WaitUntil(rw.wq, rw.tryWrite)
	return g
}

// Upread blocks until an upgradeable-reader guard can be taken.
func (rw *RwSem[T]) Upread() *RwSemUpgradeableGuard[T] {
	g, _ := waitq.WaitUntil(rw.wq, rw.tryUpread)
	return g
}

// ReadContext is Read with cancellation.
func (rw *RwSem[T]) ReadContext(ctx context.Context) (*RwSemReadGuard[T], error) {
	return waitq.WaitUntilContext(ctx, rw.wq, rw.tryRead)
}

// WriteContext is Write with cancellation.
func (rw *RwSem[T]) WriteContext(ctx context.Context) (*RwSemWriteGuard[T], error) {
	return waitq.WaitUntilContext(ctx, rw.wq, rw.tryWrite)
}

// UpreadContext is Upread with cancellation.
func (rw *RwSem[T]) UpreadContext(ctx context.Context) (*RwSemUpgradeableGuard[T], error) {
	return waitq.WaitUntilContext(ctx, rw.wq, rw.tryUpread)
}

// ReadTimeout is Read with a deadline.
func (rw *RwSem[T]) ReadTimeout(deadline time.Time) (*RwSemReadGuard[T], error) {
	return waitq.WaitUntilTimeout(rw.wq, rw.tryRead, deadline)
}

// WriteTimeout is Write with a deadline.
func (rw *RwSem[T]) WriteTimeout(deadline time.Time) (*RwSemWriteGuard[T], error) {
	return waitq.WaitUntilTimeout(rw.wq, rw.tryWrite, deadline)
}

// UpreadTimeout is Upread with a deadline.
func (rw *RwSem[T]) UpreadTimeout(deadline time.Time) (*RwSemUpgradeableGuard[T], error) {
	return waitq.WaitUntilTimeout(rw.wq, rw.tryUpread, deadline)
}
