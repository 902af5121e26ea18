/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

import (
	"container/heap"

	"github.com/google/uuid"
)

// TimerHandle identifies a scheduled one-shot action so callers can
// cancel or re-arm it (spec.md §5 "Cancellation and timeouts").
type TimerHandle string

// NewTimerHandle returns a fresh opaque handle.
func NewTimerHandle() TimerHandle {
	return TimerHandle(uuid.NewString())
}

type timerEntry struct {
	at     int64 // logical fire time, monotonic nanoseconds
	handle TimerHandle
	fn     func()
	index  int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is an in-core priority queue of cancellable one-shot
// callbacks, driven by an explicit logical clock rather than wall-clock
// goroutines -- consistent with spec.md §5's single-threaded cooperative
// core ("Timers are represented as scheduled callbacks in an in-core
// priority queue, cancellable by handle").
type Scheduler struct {
	h       timerHeap
	byHand  map[TimerHandle]*timerEntry
	nowNano int64
}

// NewScheduler returns an empty scheduler with its logical clock at 0.
func NewScheduler() *Scheduler {
	return &Scheduler{byHand: map[TimerHandle]*timerEntry{}}
}

// Advance moves the logical clock forward by deltaNanos.
func (s *Scheduler) Advance(deltaNanos int64) {
	s.nowNano += deltaNanos
}

// Now returns the current logical time in nanoseconds.
func (s *Scheduler) Now() int64 { return s.nowNano }

// Schedule arms fn to run deltaNanos from now, returning a handle that
// can be passed to Cancel.
func (s *Scheduler) Schedule(deltaNanos int64, fn func()) TimerHandle {
	handle := NewTimerHandle()
	e := &timerEntry{at: s.nowNano + deltaNanos, handle: handle, fn: fn}
	heap.Push(&s.h, e)
	s.byHand[handle] = e
	return handle
}

// Cancel removes a scheduled callback if it hasn't fired yet. It is a
// no-op if the handle is unknown or already fired.
func (s *Scheduler) Cancel(handle TimerHandle) {
	e, ok := s.byHand[handle]
	if !ok {
		return
	}
	delete(s.byHand, handle)
	heap.Remove(&s.h, e.index)
}

// Fire runs (and removes) every callback whose fire time has passed.
func (s *Scheduler) Fire() {
	for s.h.Len() > 0 && s.h[0].at <= s.nowNano {
		e := heap.Pop(&s.h).(*timerEntry)
		delete(s.byHand, e.handle)
		e.fn()
	}
}
