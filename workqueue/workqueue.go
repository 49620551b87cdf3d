// Package workqueue implements a deferred-work engine: a dedicated worker
// context that serializes callback execution, with delayed (timer-armed)
// submission and cancellation with well-defined outcomes when the work is
// already running or already finished.
//
// Items are processed strictly FIFO by submission order; a delayed item's
// effective submission order is its fire time. The engine deliberately has
// no priority ordering within one queue; applications needing preemption
// between deferred actions run multiple queues at different worker
// priorities.
package workqueue

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-rtkernel/sched"
	"github.com/joeycumines/go-rtkernel/semaphore"
	"github.com/joeycumines/go-rtkernel/ticksource"
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// Standard errors.
var (
	// ErrInvalidConfig is returned by New when the configuration is
	// malformed (missing scheduler).
	ErrInvalidConfig = errors.New("workqueue: invalid configuration")

	// ErrInvalidWork is returned when submitting a nil or uninitialized
	// work item.
	ErrInvalidWork = errors.New("workqueue: work item not initialized")

	// ErrAlreadyQueued is returned when submitting an item that is already
	// queued, armed, or running. A programming error, surfaced immediately.
	ErrAlreadyQueued = errors.New("workqueue: work item is already queued or running")

	// ErrInProgress is returned by Cancel when the callback is mid-flight;
	// cancellation cannot preempt it, and it runs to completion.
	ErrInProgress = errors.New("workqueue: work item is running")

	// ErrNeverSubmitted is returned by Cancel when there is nothing to
	// cancel: the item is not pending on this queue.
	ErrNeverSubmitted = errors.New("workqueue: work item is not pending on this queue")

	// ErrStopped is returned when submitting to a stopped queue.
	ErrStopped = errors.New("workqueue: queue has been stopped")

	// ErrNoTickSource is returned by SubmitDelayed on a queue constructed
	// without a tick source.
	ErrNoTickSource = errors.New("workqueue: queue has no tick source for delayed work")
)

// Config holds the construction parameters for a Queue.
type Config struct {
	// Name tags log entries and the worker thread.
	// **Defaults to "workqueue" if empty.**
	Name string

	// WorkerPriority is the priority of the worker thread context.
	WorkerPriority int

	// Scheduler provides the worker's block/wake capability. Required.
	Scheduler sched.Scheduler

	// Source provides tick deadlines for delayed submissions. Optional;
	// required only by SubmitDelayed.
	Source *ticksource.Source

	// Logger receives structured diagnostics. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Queue is a deferred-work engine with one worker context. The pending
// list is FIFO; the worker blocks on a counting semaphore whose count
// mirrors the pending items, so the dequeue-or-block step is itself built
// on the kernel's own primitive.
type Queue struct {
	name      string
	scheduler sched.Scheduler
	source    *ticksource.Source
	logger    *logiface.Logger[logiface.Event]

	workerThread *sched.Thread
	pendSem      *semaphore.Sem

	mu      sync.Mutex
	pending []*Work
	running *Work

	stopped atomic.Bool
	done    chan struct{}
}

// New creates a queue and starts its worker context at the configured
// priority.
func New(cfg Config) (*Queue, error) {
	if cfg.Scheduler == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Name == "" {
		cfg.Name = "workqueue"
	}

	pendSem, err := semaphore.New(cfg.Scheduler, 0, math.MaxUint32,
		semaphore.WithName(cfg.Name+".pending"),
		semaphore.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		name:      cfg.Name,
		scheduler: cfg.Scheduler,
		source:    cfg.Source,
		logger:    cfg.Logger,
		workerThread: &sched.Thread{
			Name:     cfg.Name + ".worker",
			Priority: cfg.WorkerPriority,
		},
		pendSem: pendSem,
		done:    make(chan struct{}),
	}

	go q.run()

	q.logger.Info().
		Str("queue", q.name).
		Int("priority", cfg.WorkerPriority).
		Log("work queue started")

	return q, nil
}

// Submit appends the item to the pending list and wakes the worker if it
// is idle-blocked. Fails with ErrAlreadyQueued unless the item is idle.
// Non-blocking and bounded: safe from interrupt context.
func (q *Queue) Submit(w *Work) error {
	if w == nil || w.fn == nil {
		return ErrInvalidWork
	}
	if q.stopped.Load() {
		return ErrStopped
	}
	if !w.state.TryTransition(StateIdle, StateQueued) {
		return ErrAlreadyQueued
	}

	q.mu.Lock()
	w.owner = q
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	q.pendSem.Release()
	return nil
}

// SubmitDelayed arms the item to be submitted once delayTicks ticks have
// been announced. A zero delay submits immediately. The item occupies its
// queued state from the moment it is armed, so a second submission fails
// with ErrAlreadyQueued.
func (q *Queue) SubmitDelayed(d *Delayed, delayTicks uint32) error {
	if d == nil || d.fn == nil {
		return ErrInvalidWork
	}
	if delayTicks == 0 {
		return q.Submit(&d.Work)
	}
	if q.source == nil {
		return ErrNoTickSource
	}
	if q.stopped.Load() {
		return ErrStopped
	}
	if !d.state.TryTransition(StateIdle, StateQueued) {
		return ErrAlreadyQueued
	}

	q.mu.Lock()
	d.owner = q
	d.armed = true
	d.timeout = q.source.AddTimeout(delayTicks, func() { q.fireDelayed(d) })
	q.mu.Unlock()
	return nil
}

// fireDelayed runs in interrupt context when a delayed item's deadline
// fires: the item transitions to pending exactly as if Submit were called
// at that instant.
func (q *Queue) fireDelayed(d *Delayed) {
	q.mu.Lock()
	if !d.armed || q.stopped.Load() {
		q.mu.Unlock()
		return
	}
	d.armed = false
	q.pending = append(q.pending, &d.Work)
	q.mu.Unlock()

	q.pendSem.Release()
}

// Cancel removes a queued item before the worker reaches it. Outcomes:
//
//   - nil: the item was pending and never started; it is removed and idle.
//   - ErrInProgress: the callback is running and will complete exactly
//     once; the caller may synchronize on a completion signal if needed.
//   - ErrNeverSubmitted: nothing to cancel.
func (q *Queue) Cancel(w *Work) error {
	if w == nil {
		return ErrInvalidWork
	}
	q.mu.Lock()
	if q.running == w {
		q.mu.Unlock()
		return ErrInProgress
	}
	if w.owner == q && w.state.Load() == StateQueued {
		if i := slices.Index(q.pending, w); i >= 0 {
			q.pending = slices.Delete(q.pending, i, i+1)
			w.state.Store(StateCancelled)
			w.state.Store(StateIdle)
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()
	return ErrNeverSubmitted
}

// CancelDelayed cancels a delayed item. An item still armed is disarmed
// and returned to idle; an item whose deadline already fired is handled
// exactly like Cancel.
func (q *Queue) CancelDelayed(d *Delayed) error {
	if d == nil {
		return ErrInvalidWork
	}
	q.mu.Lock()
	if d.armed {
		d.armed = false
		to := d.timeout
		d.state.Store(StateCancelled)
		d.state.Store(StateIdle)
		q.mu.Unlock()
		to.Abort()
		return nil
	}
	q.mu.Unlock()
	return q.Cancel(&d.Work)
}

// Remaining returns the ticks left before a delayed item fires, or 0 if it
// is already pending, running, or idle.
func (q *Queue) Remaining(d *Delayed) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.armed {
		return d.timeout.Remaining()
	}
	return 0
}

// Len returns the number of pending items. Advisory only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop rejects further submissions, waits for the in-flight callback (if
// any) to finish, drains the remaining pending items, and stops the
// worker. Armed delayed items that fire after Stop are dropped. Safe to
// call more than once.
func (q *Queue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		<-q.done
		return
	}
	// One extra credit guarantees the worker observes the stop flag: it is
	// either woken from its idle block, or finds the credit on its next
	// dequeue attempt.
	q.pendSem.Release()
	<-q.done

	q.logger.Info().
		Str("queue", q.name).
		Log("work queue stopped")
}

// run is the worker context: dequeue-or-block, mark running, invoke, mark
// idle, repeat.
func (q *Queue) run() {
	defer close(q.done)
	for {
		err := q.pendSem.Acquire(q.workerThread, sched.Forever)
		if err != nil || q.stopped.Load() {
			q.drain()
			return
		}
		q.runOne()
	}
}

// runOne processes at most one pending item. An empty list is normal: a
// cancelled item leaves its semaphore credit behind.
func (q *Queue) runOne() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	w := q.pending[0]
	q.pending = q.pending[1:]
	q.running = w
	q.mu.Unlock()

	w.state.Store(StateRunning)
	q.invoke(w)
	w.state.Store(StateIdle)

	q.mu.Lock()
	q.running = nil
	q.mu.Unlock()
}

// drain executes whatever is still pending, then returns.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		w := q.pending[0]
		q.pending = q.pending[1:]
		q.running = w
		q.mu.Unlock()

		w.state.Store(StateRunning)
		q.invoke(w)
		w.state.Store(StateIdle)

		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
	}
}

// invoke executes the callback with panic recovery, so one misbehaving
// item cannot take down the worker context.
func (q *Queue) invoke(w *Work) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Err().
				Str("queue", q.name).
				Any("panic", r).
				Log("work callback panicked")
		}
	}()
	w.fn()
}
