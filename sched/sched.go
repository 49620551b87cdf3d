// Package sched defines the boundary between the kernel's blocking
// primitives and the thread scheduler.
//
// The synchronization primitives in this repository (semaphores, work
// queues) never perform context switches themselves. They decide *when* a
// thread of control should suspend or resume, and delegate the mechanics to
// a Scheduler. The package also provides TickScheduler, a goroutine-parking
// reference implementation whose timeout bookkeeping is driven entirely by
// the logical tick stream, so tests never depend on the wall clock.
package sched

// WakeReason reports why a blocked thread was woken.
type WakeReason uint32

const (
	// Released indicates ownership of the awaited resource was handed
	// directly to the waiter.
	Released WakeReason = iota
	// TimedOut indicates the wait deadline elapsed before the resource
	// became available.
	TimedOut
	// Reset indicates the waiter was forcibly released, e.g. because the
	// primitive it was pending on was reset.
	Reset
)

// String returns a human-readable representation of the wake reason.
func (r WakeReason) String() string {
	switch r {
	case Released:
		return "Released"
	case TimedOut:
		return "TimedOut"
	case Reset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// Timeout bounds a blocking operation, measured in logical ticks.
//
// The zero value is NoWait. Use Forever to block indefinitely, or Ticks to
// block for at most the given number of ticks.
type Timeout struct {
	ticks int64
}

var (
	// NoWait makes a blocking operation fail immediately instead of
	// suspending the caller.
	NoWait = Timeout{0}

	// Forever blocks with no deadline.
	Forever = Timeout{-1}
)

// Ticks returns a Timeout that elapses after n logical ticks.
// Ticks(0) is equivalent to NoWait.
func Ticks(n uint32) Timeout { return Timeout{int64(n)} }

// IsNoWait reports whether the timeout forbids suspension.
func (t Timeout) IsNoWait() bool { return t.ticks == 0 }

// IsForever reports whether the timeout never elapses.
func (t Timeout) IsForever() bool { return t.ticks < 0 }

// TickCount returns the timeout duration in ticks. It is only meaningful
// when neither IsNoWait nor IsForever holds.
func (t Timeout) TickCount() uint32 { return uint32(t.ticks) }

// Thread identifies a thread of control to the scheduler and to the
// primitives that order waiters by priority.
//
// Go goroutines carry no ambient priority, so the handle is explicit: each
// logical kernel thread is represented by a Thread value passed to blocking
// operations performed on its behalf.
type Thread struct {
	// Name tags log entries and is otherwise uninterpreted.
	Name string

	// Priority orders waiters. Larger values are more urgent.
	Priority int

	// Domain is the memory-domain tag the thread belongs to. It is carried
	// as an opaque value for the benefit of the access-control subsystem
	// and is never read by this module.
	Domain any
}

// Scheduler is the block/wake capability consumed by the synchronization
// primitives. Implementations must make MakeReady and AnnounceTicks safe to
// call from interrupt context (non-blocking, bounded time).
type Scheduler interface {
	// Block suspends the calling goroutine until its token is claimed,
	// either by MakeReady or by the timeout elapsing, and returns the wake
	// reason. Must not be called with any primitive's lock held, and must
	// not be called from interrupt context.
	Block(tok *Token, timeout Timeout) WakeReason

	// MakeReady transitions the waiter parked on tok to runnable, handing
	// it the resource it was waiting for. It reports whether this call won
	// the claim; false means the waiter already resolved (timed out or was
	// woken by someone else) and the caller must not assume the hand-off
	// took effect.
	MakeReady(tok *Token, reason WakeReason) bool

	// AnnounceTicks informs the scheduler that n logical ticks have
	// elapsed, driving its timeout bookkeeping.
	AnnounceTicks(n uint32)
}
