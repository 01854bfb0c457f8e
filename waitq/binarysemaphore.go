package waitq

import (
	"context"
	"time"
)

// binarySemaphore is a binary semaphore (values 0 and 1), lifted
// directly from the teacher's nsync/binary_semaphore.go: a
// channel of capacity 1 standing in for the "block this goroutine until
// woken" primitive a real kernel would implement with a run-queue
// removal and a context switch.
type binarySemaphore struct {
	ch chan struct{}
}

func newBinarySemaphore() *binarySemaphore {
	return &binarySemaphore{ch: make(chan struct{}, 1)}
}

// P waits until the semaphore count is 1 and decrements it to 0.
func (s *binarySemaphore) P() {
	<-s.ch
}

// semOutcome mirrors nsync's OK/Expired/Cancelled trio from cv.go,
// generalized to a context.Context deadline/cancellation instead of a
// raw channel, since that is the idiomatic Go cancellation primitive.
type semOutcome int

const (
	semWoken semOutcome = iota
	semExpired
	semCancelled
)

// PWithContext waits until one of: the semaphore becomes available (in
// which case it is decremented and semWoken is returned); deadlineTimer
// (if non-nil) fires, returning semExpired; or ctx is done, returning
// semCancelled.
func (s *binarySemaphore) PWithContext(ctx context.Context, deadlineTimer *time.Timer) semOutcome {
	var deadlineChan <-chan time.Time
	if deadlineTimer != nil {
		deadlineChan = deadlineTimer.C
	}
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	if deadlineTimer == nil && done == nil {
		<-s.ch
		return semWoken
	}
	select {
	case <-s.ch:
		return semWoken
	case <-deadlineChan:
		return semExpired
	case <-done:
		return semCancelled
	}
}

// V ensures the semaphore count is 1, without blocking if it already is.
func (s *binarySemaphore) V() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}
