package waitq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"synccore/kerr"
	"synccore/task"
	"synccore/waitq"
)

// fakeScheduler records every task WakeUp was called for, standing in
// for sched.Dispatcher so waitq's task-bound entry points are testable
// without importing sched (which would create an import cycle).
type fakeScheduler struct {
	mu    sync.Mutex
	woken []int64
}

func (s *fakeScheduler) WakeUp(t *task.Task) bool {
	s.mu.Lock()
	s.woken = append(s.woken, t.Pid)
	s.mu.Unlock()
	return t.Wake()
}

// TestWakeOneUnblocksWaiter exercises the basic producer/consumer path:
// a waiter blocked in WaitUntil is released once another goroutine sets
// the flag it is waiting on and calls WakeOne.
func TestWakeOneUnblocksWaiter(t *testing.T) {
	wq := waitq.New()
	var ready atomic.Bool
	done := make(chan struct{})

	go func() {
		_, err := waitq.WaitUntil(wq, func() (struct{}, bool) {
			if ready.Load() {
				return struct{}{}, true
			}
			return struct{}{}, false
		})
		if err != nil {
			t.Errorf("WaitUntil: %v", err)
		}
		close(done)
	}()

	// Give the waiter a chance to enqueue before we wake it.
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	ready.Store(true)
	if !wq.WakeOne() {
		t.Fatalf("WakeOne returned false, want a waiter to have been woken")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never returned")
	}
}

// TestLostWakeupAvoidance mirrors spec.md section 8's lost-wakeup
// scenario: a producer sets ready then calls WakeOne, racing a consumer
// that has not parked yet. WaitUntil's re-check-after-enqueue must
// guarantee the consumer still observes ready and returns, rather than
// parking forever on a wake-up that already happened.
func TestLostWakeupAvoidance(t *testing.T) {
	for i := 0; i < 500; i++ {
		wq := waitq.New()
		var ready atomic.Bool
		done := make(chan struct{})

		go func() {
			_, _ = waitq.WaitUntil(wq, func() (struct{}, bool) {
				if ready.Load() {
					return struct{}{}, true
				}
				return struct{}{}, false
			})
			close(done)
		}()

		ready.Store(true)
		wq.WakeOne()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: waiter never returned (lost wakeup)", i)
		}
	}
}

// TestWakeAllUnblocksEveryWaiter checks that WakeAll releases every
// currently queued waiter, not just one.
func TestWakeAllUnblocksEveryWaiter(t *testing.T) {
	wq := waitq.New()
	var ready atomic.Bool
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = waitq.WaitUntil(wq, func() (struct{}, bool) {
				if ready.Load() {
					return struct{}{}, true
				}
				return struct{}{}, false
			})
		}()
	}
	for wq.Len() < n {
		time.Sleep(time.Millisecond)
	}
	ready.Store(true)
	wq.WakeAll()

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("not all waiters returned after WakeAll")
	}
}

// TestWaitUntilTimeout checks that a waiter whose condition never
// becomes true returns kerr.TimedOut once the deadline passes, and is
// removed from the queue afterward.
func TestWaitUntilTimeout(t *testing.T) {
	wq := waitq.New()
	_, err := waitq.WaitUntilTimeout(wq, func() (struct{}, bool) {
		return struct{}{}, false
	}, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, kerr.TimedOut) {
		t.Fatalf("err = %v, want kerr.TimedOut", err)
	}
	if wq.Len() != 0 {
		t.Fatalf("queue len = %d after timeout, want 0", wq.Len())
	}
}

// TestWaitUntilContextCancel checks that cancelling ctx unparks the
// waiter with kerr.Interrupted.
func TestWaitUntilContextCancel(t *testing.T) {
	wq := waitq.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := waitq.WaitUntilContext(ctx, wq, func() (struct{}, bool) {
			return struct{}{}, false
		})
		done <- err
	}()
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, kerr.Interrupted) {
			t.Fatalf("err = %v, want kerr.Interrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never returned after ctx cancel")
	}
}

// TestMarkDeadWakesEveryoneAndRejectsNewWaits checks that MarkDead both
// releases waiters parked at the time of the call, and makes every
// subsequent WaitUntil call return immediately without blocking.
func TestMarkDeadWakesEveryoneAndRejectsNewWaits(t *testing.T) {
	wq := waitq.New()
	done := make(chan error, 1)
	go func() {
		_, err := waitq.WaitUntil(wq, func() (struct{}, bool) {
			return struct{}{}, false
		})
		done <- err
	}()
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	wq.MarkDead()

	select {
	case err := <-done:
		if !errors.Is(err, kerr.Interrupted) {
			t.Fatalf("err = %v, want kerr.Interrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never returned after MarkDead")
	}

	if _, err := waitq.WaitUntil(wq, func() (struct{}, bool) { return struct{}{}, false }); !errors.Is(err, kerr.Interrupted) {
		t.Fatalf("err = %v, want kerr.Interrupted on a dead queue", err)
	}
}

// TestSleepUnlock checks the lost-wakeup-proof enqueue-then-unlock
// convenience: the wake must not be missed even though it can race the
// unlock call.
func TestSleepUnlock(t *testing.T) {
	wq := waitq.New()
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		mu.Lock()
		waitq.SleepUnlock(wq, mu.Unlock)
		close(done)
	}()
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	wq.WakeOne()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SleepUnlock never returned")
	}
}

// TestWakeOneAfterATimedOutWaiterLeaves checks that a waiter which time
// out cleanly removes itself from the queue, so a later WakeOne still
// reaches the next real waiter rather than being swallowed by a stale
// entry.
func TestWakeOneAfterATimedOutWaiterLeaves(t *testing.T) {
	wq := waitq.New()
	var readyA, readyB atomic.Bool
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	go func() {
		_, _ = waitq.WaitUntilTimeout(wq, func() (struct{}, bool) {
			if readyA.Load() {
				return struct{}{}, true
			}
			return struct{}{}, false
		}, time.Now().Add(10*time.Millisecond))
		close(doneA)
	}()
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	go func() {
		_, _ = waitq.WaitUntil(wq, func() (struct{}, bool) {
			if readyB.Load() {
				return struct{}{}, true
			}
			return struct{}{}, false
		})
		close(doneB)
	}()
	for wq.Len() < 2 {
		time.Sleep(time.Millisecond)
	}

	<-doneA // let the first waiter time out and remove its own node

	readyB.Store(true)
	if !wq.WakeOne() {
		t.Fatalf("WakeOne returned false, want the second waiter to have been woken")
	}
	select {
	case <-doneB:
	case <-time.After(5 * time.Second):
		t.Fatal("second waiter never returned")
	}
}

// TestLostWakeupAvoidanceBoundedFanout is TestLostWakeupAvoidance at much
// higher iteration count, with concurrently in-flight producer/consumer
// pairs bounded by a semaphore.Weighted (the scheduling-flavored admission
// control the retrieved zoekt scheduler itself reaches for) instead of
// running every iteration sequentially -- this exercises the same
// lost-wakeup invariant under actual goroutine concurrency rather than one
// race at a time.
func TestLostWakeupAvoidanceBoundedFanout(t *testing.T) {
	const iterations = 4000
	const maxInFlight = 64

	sem := semaphore.NewWeighted(maxInFlight)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < iterations; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			t.Fatalf("iteration %d: semaphore acquire: %v", i, err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			wq := waitq.New()
			var ready atomic.Bool
			done := make(chan struct{})

			go func() {
				_, _ = waitq.WaitUntil(wq, func() (struct{}, bool) {
					if ready.Load() {
						return struct{}{}, true
					}
					return struct{}{}, false
				})
				close(done)
			}()

			ready.Store(true)
			wq.WakeOne()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("iteration %d: waiter never returned (lost wakeup)", i)
			}
		}(i)
	}
	wg.Wait()
}

// alwaysPending is a task.SignalSource that always reports a pending
// signal, exercising wait_until_interruptible's signal-check path
// deterministically.
type alwaysPending struct{}

func (alwaysPending) SignalPending() bool { return true }

// TestWaitUntilTaskSignalPendingInterrupts checks that a task-bound wait
// returns kerr.Interrupted immediately when its SignalSource reports a
// pending signal, even though cond would never become true on its own.
func TestWaitUntilTaskSignalPendingInterrupts(t *testing.T) {
	wq := waitq.New()
	tk := task.New(1, task.Normal)
	tk.Signals = alwaysPending{}
	sched := &fakeScheduler{}

	_, err := waitq.WaitUntilTask(tk, sched, wq, func() (struct{}, bool) {
		return struct{}{}, false
	})
	if !errors.Is(err, kerr.Interrupted) {
		t.Fatalf("err = %v, want kerr.Interrupted", err)
	}
	if wq.Len() != 0 {
		t.Fatalf("queue len = %d after signal-interrupted wait, want 0", wq.Len())
	}
}

// TestWaitUntilTaskNoSignalStillWaits checks that a task whose
// SignalSource never reports pending still blocks normally and is woken
// through WakeOne like any other waiter.
func TestWaitUntilTaskNoSignalStillWaits(t *testing.T) {
	wq := waitq.New()
	tk := task.New(2, task.Normal)
	sched := &fakeScheduler{}
	var ready atomic.Bool
	done := make(chan struct{})

	go func() {
		_, err := waitq.WaitUntilTask(tk, sched, wq, func() (struct{}, bool) {
			if ready.Load() {
				return struct{}{}, true
			}
			return struct{}{}, false
		})
		if err != nil {
			t.Errorf("WaitUntilTask: %v", err)
		}
		close(done)
	}()

	for tk.State() != task.Interruptible {
		time.Sleep(time.Millisecond)
	}
	ready.Store(true)
	if !wq.WakeOne() {
		t.Fatal("WakeOne returned false, want the task-bound waiter to have been woken")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task-bound waiter never returned")
	}
}

// TestParkTaskTimesOut checks that ParkTask reports false and leaves
// the queue empty once dur elapses with no wake.
func TestParkTaskTimesOut(t *testing.T) {
	wq := waitq.New()
	tk := task.New(1, task.Normal)
	sched := &fakeScheduler{}

	if waitq.ParkTask(wq, tk, sched, 10*time.Millisecond) {
		t.Fatal("expected ParkTask to report false on timeout")
	}
	if wq.Len() != 0 {
		t.Fatalf("queue len = %d after ParkTask timeout, want 0", wq.Len())
	}
}

// TestParkTaskWokenByWakeOne checks that ParkTask reports true and
// drives the task through the Scheduler's WakeUp when released by
// WakeOne before its deadline.
func TestParkTaskWokenByWakeOne(t *testing.T) {
	wq := waitq.New()
	tk := task.New(7, task.Normal)
	sched := &fakeScheduler{}
	result := make(chan bool, 1)

	go func() {
		result <- waitq.ParkTask(wq, tk, sched, 5*time.Second)
	}()
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !wq.WakeOne() {
		t.Fatal("WakeOne returned false, want the parked task to have been woken")
	}

	select {
	case woken := <-result:
		if !woken {
			t.Fatal("ParkTask reported timeout, want an early wake")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ParkTask never returned after WakeOne")
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.woken) != 1 || sched.woken[0] != tk.Pid {
		t.Fatalf("sched.woken = %v, want [%d]", sched.woken, tk.Pid)
	}
}
