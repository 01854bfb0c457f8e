package sched

import (
	"container/heap"

	"synccore/task"
)

// cfsQueue orders NORMAL tasks by virtual runtime, picking the minimum
// in the set, per spec.md 4.7. It is a container/heap over a slice of
// *task.Task, grounded in the teacher pack's use of container/heap for
// priority scheduling (other_examples' zoekt shard scheduler keeps a
// similar min-heap of pending work).
type cfsQueue struct {
	h           cfsHeap
	nextSeq     uint64
	minVruntime int64
}

func newCFSQueue() *cfsQueue {
	q := &cfsQueue{}
	heap.Init(&q.h)
	return q
}

func (q *cfsQueue) empty() bool {
	return q.h.Len() == 0
}

// length returns the number of fair entities currently queued.
func (q *cfsQueue) length() int {
	return q.h.Len()
}

// enqueue inserts t keyed by its current virtual runtime. Per spec.md
// 4.7, a newly woken entity (one whose vruntime predates the queue's
// current minimum) is clamped to min_vruntime - vslice/2 so it cannot
// starve already-queued tasks by exploiting a stale, very old vruntime,
// while still getting a modest head start over the pack.
func (q *cfsQueue) enqueue(t *task.Task, woken bool) {
	if woken && t.Fair.VirtualRuntime < q.minVruntime-vsliceHalf {
		t.Fair.VirtualRuntime = q.minVruntime - vsliceHalf
	}
	q.nextSeq++
	t.SetCFSSeq(q.nextSeq)
	heap.Push(&q.h, t)
}

// pick removes and returns the task with the smallest virtual runtime.
func (q *cfsQueue) pick() *task.Task {
	if q.empty() {
		return nil
	}
	t := heap.Pop(&q.h).(*task.Task)
	q.minVruntime = t.Fair.VirtualRuntime
	return t
}

// peekMinVruntime returns the smallest virtual runtime currently
// queued, or the queue's last known minimum if empty.
func (q *cfsQueue) peekMinVruntime() int64 {
	if q.empty() {
		return q.minVruntime
	}
	return q.h[0].Fair.VirtualRuntime
}

// vsliceHalf is half of the scheduling latency target sliced across a
// typical runqueue, used only for the newly-woken-entity placement
// heuristic of spec.md 4.7.
const vsliceHalf = 1_000_000 // nanoseconds

type cfsHeap []*task.Task

func (h cfsHeap) Len() int { return len(h) }
func (h cfsHeap) Less(i, j int) bool {
	if h[i].Fair.VirtualRuntime != h[j].Fair.VirtualRuntime {
		return h[i].Fair.VirtualRuntime < h[j].Fair.VirtualRuntime
	}
	return h[i].CFSSeq() < h[j].CFSSeq()
}
func (h cfsHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cfsHeap) Push(x any)   { *h = append(*h, x.(*task.Task)) }
func (h *cfsHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
