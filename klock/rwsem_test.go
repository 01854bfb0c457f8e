package klock_test

import (
	"testing"
	"time"

	"synccore/klock"
)

func TestRwSemTryReadWrite(t *testing.T) {
	rw := klock.NewRwSem(0)

	r1, ok := rw.TryRead()
	if !ok {
		t.Fatalf("TryRead on free sem failed")
	}
	if _, ok := rw.TryWrite(); ok {
		t.Fatalf("TryWrite succeeded while a reader holds the sem")
	}
	r1.Unlock()

	w, ok := rw.TryWrite()
	if !ok {
		t.Fatalf("TryWrite on free sem failed")
	}
	if _, ok := rw.TryRead(); ok {
		t.Fatalf("TryRead succeeded while a writer holds the sem")
	}
	w.Unlock()
}

func TestRwSemMultipleReaders(t *testing.T) {
	rw := klock.NewRwSem(0)
	r1, ok := rw.TryRead()
	if !ok {
		t.Fatal("first TryRead failed")
	}
	r2, ok := rw.TryRead()
	if !ok {
		t.Fatal("second TryRead failed")
	}
	r1.Unlock()
	r2.Unlock()
	if _, ok := rw.TryWrite(); !ok {
		t.Fatal("TryWrite failed after all readers dropped")
	}
}

// TestRwSemWriterPreferenceThroughUpgrade exercises an
// upgrade-under-contention race: readers R1, R2 hold read guards on a
// RwSem initialized to 100. U calls upread() (succeeds), reads 100,
// calls upgrade() -- blocks. R3 arrives at read() and blocks because
// being-upgraded is set. R1, R2 drop. U's upgrade succeeds; U writes
// 200, downgrades, drops. R3 eventually acquires and reads 200.
func TestRwSemWriterPreferenceThroughUpgrade(t *testing.T) {
	rw := klock.NewRwSem(100)

	r1, ok := rw.TryRead()
	if !ok {
		t.Fatal("R1 TryRead failed")
	}
	r2, ok := rw.TryRead()
	if !ok {
		t.Fatal("R2 TryRead failed")
	}

	u, ok := rw.TryUpread()
	if !ok {
		t.Fatal("U TryUpread failed")
	}
	if got := *u.Get(); got != 100 {
		t.Fatalf("U observed %d, want 100", got)
	}

	upgraded := make(chan *klock.RwSemWriteGuard[int], 1)
	go func() { upgraded <- u.Upgrade() }()

	// R3 must block: being-upgraded is set once Upgrade() has started.
	r3Done := make(chan int, 1)
	go func() {
		r3 := rw.Read()
		r3Done <- *r3.Get()
		r3.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-r3Done:
		t.Fatal("R3 acquired a read guard before the upgrade completed")
	default:
	}

	r1.Unlock()
	r2.Unlock()

	var wg *klock.RwSemWriteGuard[int]
	select {
	case wg = <-upgraded:
	case <-time.After(5 * time.Second):
		t.Fatal("U's upgrade never completed after readers drained")
	}
	*wg.Get() = 200
	ug := wg.Downgrade()
	ug.Unlock()

	select {
	case got := <-r3Done:
		if got != 200 {
			t.Fatalf("R3 observed %d, want 200", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("R3 never acquired a read guard after the downgrade")
	}
}

func TestRwSemWriteTimeoutExpires(t *testing.T) {
	rw := klock.NewRwSem(0)
	r, _ := rw.TryRead()
	defer r.Unlock()

	_, err := rw.WriteTimeout(time.Now().Add(20 * time.Millisecond))
	if err == nil {
		t.Fatal("WriteTimeout succeeded while a reader holds the sem")
	}
}
