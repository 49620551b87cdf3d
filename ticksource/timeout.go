package ticksource

import (
	"container/heap"
)

// Timeout is a pending registration on the source's tick timeout list.
// Delayed work items and other tick-bounded primitives register a deadline
// and a callback; the callback is invoked, in interrupt context, once the
// announced tick total reaches the deadline.
type Timeout struct {
	s  *Source
	fn func()

	// guarded by s.mu
	at      uint64
	index   int
	fired   bool
	aborted bool
}

// AddTimeout registers fn to fire once delayTicks ticks have been
// announced. A delay of 0 fires on the next announcement. The callback runs
// in interrupt context: it must be non-blocking and bounded.
func (s *Source) AddTimeout(delayTicks uint32, fn func()) *Timeout {
	t := &Timeout{s: s, fn: fn}
	s.mu.Lock()
	t.at = s.nowTicks + uint64(delayTicks)
	heap.Push(&s.timeouts, t)
	s.mu.Unlock()
	return t
}

// Abort removes the registration. It reports whether the timeout was
// removed before firing; false means the callback already ran or is about
// to run, and the caller must reconcile with it.
func (t *Timeout) Abort() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.aborted {
		return false
	}
	t.aborted = true
	heap.Remove(&t.s.timeouts, t.index)
	return true
}

// Remaining returns the ticks left until the timeout fires, or 0 if it has
// fired or been aborted. Advisory: it may be stale by the time it returns.
func (t *Timeout) Remaining() uint32 {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.aborted || t.at <= t.s.nowTicks {
		return 0
	}
	return uint32(t.at - t.s.nowTicks)
}

// timeoutHeap is a min-heap of tick timeouts keyed by absolute deadline,
// with index maintenance for O(log n) removal on abort.
type timeoutHeap []*Timeout

func (h timeoutHeap) Len() int           { return len(h) }
func (h timeoutHeap) Less(i, j int) bool { return h[i].at < h[j].at }

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	t := x.(*Timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// popMin removes and returns the earliest timeout. Callers hold s.mu.
func (h *timeoutHeap) popMin() *Timeout {
	return heap.Pop(h).(*Timeout)
}
