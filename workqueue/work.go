package workqueue

import (
	"sync/atomic"

	"github.com/joeycumines/go-rtkernel/ticksource"
)

// WorkState is the explicit state of a work item.
//
// State Machine:
//
//	StateIdle → StateQueued          [Submit / SubmitDelayed]
//	StateQueued → StateRunning       [worker dequeues]
//	StateQueued → StateCancelled     [Cancel / CancelDelayed]
//	StateRunning → StateIdle         [callback returns]
//	StateCancelled → StateIdle       [cancellation completes]
//
// Transitions into StateQueued use TryTransition (CAS) so a double
// submission is detected rather than silently absorbed.
type WorkState uint32

const (
	// StateIdle indicates the item is not owned by any queue and may be
	// submitted.
	StateIdle WorkState = iota
	// StateQueued indicates the item is pending on a queue, or armed to
	// become pending when its delay fires.
	StateQueued
	// StateRunning indicates the worker is currently invoking the
	// callback. The item is no longer on any pending list.
	StateRunning
	// StateCancelled is the transient state between unlinking a cancelled
	// item and returning it to StateIdle.
	StateCancelled
)

// String returns a human-readable representation of the state.
func (s WorkState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateQueued:
		return "Queued"
	case StateRunning:
		return "Running"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// workState is a lock-free state word.
type workState struct {
	v atomic.Uint32
}

func (s *workState) Load() WorkState    { return WorkState(s.v.Load()) }
func (s *workState) Store(st WorkState) { s.v.Store(uint32(st)) }

func (s *workState) TryTransition(from, to WorkState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// Work is a unit of deferred, callback-based work. A Work value may be
// resubmitted once it returns to StateIdle, but is present in at most one
// queue at a time.
type Work struct {
	fn    func()
	state workState

	// owner is a back-reference to the queue the item was last submitted
	// to; guarded by that queue's lock. It confers no ownership.
	owner *Queue
}

// NewWork creates a work item that invokes fn when processed.
func NewWork(fn func()) *Work {
	return &Work{fn: fn}
}

// State returns the item's current state. Advisory under concurrency.
func (w *Work) State() WorkState { return w.state.Load() }

// Delayed is a work item whose submission is armed on the tick source's
// timeout list and deferred until a deadline fires. Its effective
// submission order is its fire time, not the SubmitDelayed call time.
type Delayed struct {
	Work

	// guarded by the owning queue's lock
	armed   bool
	timeout *ticksource.Timeout
}

// NewDelayed creates a delayed work item that invokes fn when processed.
func NewDelayed(fn func()) *Delayed {
	return &Delayed{Work: Work{fn: fn}}
}
