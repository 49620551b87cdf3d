package sched

import (
	"container/heap"
	"sync"

	"github.com/joeycumines/logiface"
)

// TickScheduler is the reference Scheduler implementation. Blocked waiters
// are parked goroutines; deadlines are kept on a min-heap keyed by absolute
// tick, advanced only by AnnounceTicks. It has no relationship with the
// wall clock at all, which keeps tests deterministic.
//
// Tokens released before their deadline are removed lazily: the stale heap
// entry is discarded when it surfaces, because its claim has already been
// won by the releaser.
type TickScheduler struct {
	logger *logiface.Logger[logiface.Event]

	mu        sync.Mutex
	now       uint64
	deadlines deadlineHeap
}

// TickSchedulerOption configures a TickScheduler.
type TickSchedulerOption interface {
	applyTickScheduler(*tickSchedulerOptions) error
}

type tickSchedulerOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type tickSchedulerOptionImpl struct {
	f func(*tickSchedulerOptions) error
}

func (x *tickSchedulerOptionImpl) applyTickScheduler(opts *tickSchedulerOptions) error {
	return x.f(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) TickSchedulerOption {
	return &tickSchedulerOptionImpl{func(opts *tickSchedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewTickScheduler creates a scheduler with an empty deadline heap at tick 0.
func NewTickScheduler(options ...TickSchedulerOption) (*TickScheduler, error) {
	var cfg tickSchedulerOptions
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt.applyTickScheduler(&cfg); err != nil {
			return nil, err
		}
	}
	return &TickScheduler{logger: cfg.logger}, nil
}

// Now returns the scheduler's current tick count.
func (s *TickScheduler) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Block implements Scheduler.
func (s *TickScheduler) Block(tok *Token, timeout Timeout) WakeReason {
	switch {
	case timeout.IsForever():
		// No deadline to register.
	case timeout.IsNoWait():
		// The caller cannot suspend; resolve the token immediately unless
		// it was already claimed by a concurrent wake.
		if tok.claim() {
			return TimedOut
		}
		return <-tok.wake
	default:
		s.mu.Lock()
		heap.Push(&s.deadlines, deadline{at: s.now + uint64(timeout.TickCount()), tok: tok})
		s.mu.Unlock()
	}

	r := <-tok.wake
	s.logger.Debug().
		Stringer("reason", r).
		Str("thread", threadName(tok.thread)).
		Log("waiter woken")
	return r
}

// MakeReady implements Scheduler. Safe from interrupt context: it performs
// one CAS and one buffered channel send.
func (s *TickScheduler) MakeReady(tok *Token, reason WakeReason) bool {
	if !tok.claim() {
		return false
	}
	tok.wake <- reason
	return true
}

// AnnounceTicks implements Scheduler. Expired waiters are claimed with
// TimedOut; entries whose token was already claimed are discarded.
func (s *TickScheduler) AnnounceTicks(n uint32) {
	if n == 0 {
		return
	}

	var due []*Token
	s.mu.Lock()
	s.now += uint64(n)
	for len(s.deadlines) > 0 && s.deadlines[0].at <= s.now {
		d := heap.Pop(&s.deadlines).(deadline)
		due = append(due, d.tok)
	}
	s.mu.Unlock()

	for _, tok := range due {
		if s.MakeReady(tok, TimedOut) {
			s.logger.Debug().
				Str("thread", threadName(tok.thread)).
				Log("wait deadline elapsed")
		}
	}
}

func threadName(t *Thread) string {
	if t == nil {
		return ""
	}
	return t.Name
}

type deadline struct {
	at  uint64
	tok *Token
}

// deadlineHeap is a min-heap of pending wait deadlines.
type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = deadline{}
	*h = old[:n-1]
	return x
}
