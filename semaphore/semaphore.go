// Package semaphore implements a counting semaphore with a priority-ordered
// wait queue, the primitive every time-bounded blocking operation in this
// kernel builds on.
//
// Waiters are ordered by (priority descending, arrival ascending): a higher
// priority waiter is always woken first regardless of arrival time, and
// equal-priority waiters are served strictly FIFO. Release hands ownership
// directly to the head waiter instead of incrementing the count, which
// closes the race where a third acquirer could steal the unit between the
// release and the wakeup.
package semaphore

import (
	"errors"
	"sync"

	"github.com/joeycumines/go-rtkernel/sched"
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// Standard errors.
var (
	// ErrInvalidArgument is returned by New for malformed parameters:
	// a zero limit, an initial count above the limit, or a nil scheduler.
	ErrInvalidArgument = errors.New("semaphore: invalid argument")

	// ErrWouldBlock is returned by a no-wait Acquire on an empty semaphore.
	ErrWouldBlock = errors.New("semaphore: would block")

	// ErrTimedOut is returned when the deadline elapses before a release
	// transfers ownership. A normal outcome, not an exceptional one.
	ErrTimedOut = errors.New("semaphore: timed out")

	// ErrReset is returned to waiters forcibly released by Reset,
	// distinctly from ErrTimedOut so callers can tell "nothing arrived"
	// from "the wait was cancelled out from under me".
	ErrReset = errors.New("semaphore: reset while waiting")
)

// Option configures a Sem.
type Option interface {
	applySem(*semOptions) error
}

type semOptions struct {
	logger *logiface.Logger[logiface.Event]
	name   string
}

type semOptionImpl struct {
	f func(*semOptions) error
}

func (x *semOptionImpl) applySem(opts *semOptions) error { return x.f(opts) }

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &semOptionImpl{func(opts *semOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName tags the semaphore's log entries.
func WithName(name string) Option {
	return &semOptionImpl{func(opts *semOptions) error {
		opts.name = name
		return nil
	}}
}

// Sem is a counting semaphore. The count and the waiter list share one
// lock, held only for short bounded sections; calls into the scheduler are
// made after releasing it.
type Sem struct {
	scheduler sched.Scheduler
	logger    *logiface.Logger[logiface.Event]
	name      string
	limit     uint32

	mu      sync.Mutex
	count   uint32
	waiters []*waiter
	seq     uint64
}

// waiter is one blocked acquirer. linked tracks list membership so removal
// happens exactly once even when a timeout and a release race.
type waiter struct {
	tok    *sched.Token
	prio   int
	seq    uint64
	linked bool
}

// New creates a semaphore with the given initial count and limit.
// Fails with ErrInvalidArgument if limit == 0 or initial > limit.
func New(scheduler sched.Scheduler, initial, limit uint32, options ...Option) (*Sem, error) {
	if scheduler == nil || limit == 0 || initial > limit {
		return nil, ErrInvalidArgument
	}
	var cfg semOptions
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt.applySem(&cfg); err != nil {
			return nil, err
		}
	}
	return &Sem{
		scheduler: scheduler,
		logger:    cfg.logger,
		name:      cfg.name,
		limit:     limit,
		count:     initial,
	}, nil
}

// Acquire takes one unit, blocking the calling thread until a unit is
// available or the timeout elapses. A NoWait timeout fails immediately with
// ErrWouldBlock instead of blocking. Returns ErrTimedOut if the deadline
// passes first, and ErrReset if the semaphore was reset while waiting.
//
// t supplies the waiter's priority (nil is treated as priority 0). Must not
// be called from interrupt context.
func (s *Sem) Acquire(t *sched.Thread, timeout sched.Timeout) error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	if timeout.IsNoWait() {
		s.mu.Unlock()
		return ErrWouldBlock
	}

	w := &waiter{
		tok:    sched.NewToken(t),
		seq:    s.seq,
		linked: true,
	}
	if t != nil {
		w.prio = t.Priority
	}
	s.seq++
	s.insertLocked(w)
	s.mu.Unlock()

	switch r := s.scheduler.Block(w.tok, timeout); r {
	case sched.Released:
		// Ownership was transferred directly; the releaser already
		// unlinked us and left the count untouched.
		return nil
	case sched.Reset:
		return ErrReset
	default: // sched.TimedOut
		s.mu.Lock()
		if w.linked {
			if i := slices.Index(s.waiters, w); i >= 0 {
				s.waiters = slices.Delete(s.waiters, i, i+1)
			}
			w.linked = false
		}
		s.mu.Unlock()
		return ErrTimedOut
	}
}

// Release returns one unit. If a waiter exists, ownership transfers
// directly to the head of the queue; otherwise the count is incremented,
// silently clamped at the limit. Non-blocking and bounded: safe from
// interrupt context.
func (s *Sem) Release() {
	for {
		s.mu.Lock()
		if len(s.waiters) == 0 {
			if s.count < s.limit {
				s.count++
			}
			s.mu.Unlock()
			return
		}
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.linked = false
		s.mu.Unlock()

		if s.scheduler.MakeReady(w.tok, sched.Released) {
			return
		}
		// The waiter resolved concurrently (timeout or reset won the
		// claim); the unit goes to the next waiter, or back to the count.
	}
}

// Count returns the current count. Advisory: it may be stale the instant
// it returns under concurrent Release/Acquire.
func (s *Sem) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Limit returns the maximum count, fixed at creation.
func (s *Sem) Limit() uint32 { return s.limit }

// Waiters returns the number of blocked acquirers. Advisory only.
func (s *Sem) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Reset sets the count to 0 and wakes every waiter with ErrReset. The
// waiter list is emptied atomically with the count change; the wakeups
// happen after the lock is dropped.
func (s *Sem) Reset() {
	s.mu.Lock()
	ws := s.waiters
	s.waiters = nil
	s.count = 0
	for _, w := range ws {
		w.linked = false
	}
	s.mu.Unlock()

	for _, w := range ws {
		s.scheduler.MakeReady(w.tok, sched.Reset)
	}
	if len(ws) > 0 {
		s.logger.Debug().
			Str("sem", s.name).
			Int("waiters", len(ws)).
			Log("reset released waiters")
	}
}

// insertLocked places w at the position determined by (priority descending,
// arrival ascending): after every waiter of equal or higher priority,
// before the first strictly lower one.
func (s *Sem) insertLocked(w *waiter) {
	i := len(s.waiters)
	for i > 0 && s.waiters[i-1].prio < w.prio {
		i--
	}
	s.waiters = slices.Insert(s.waiters, i, w)
}
