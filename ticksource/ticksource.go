// Package ticksource turns two hardware counters into the kernel's time
// base: a monotonic cycle value read from a free-running system counter,
// and a logical tick stream announced to the scheduler, produced by arming
// an always-on event counter.
//
// The split exists because the two counters fail in complementary ways. The
// system counter is precise (one count per core cycle) but its clock gates
// during deep low-power states; the event counter is coarse (32768 Hz) but
// never stops. In tickless mode the source reconciles the two on every
// event-counter expiry: it measures the cycle delta since the last
// announcement and reports the whole batch of elapsed ticks at once.
package ticksource

import (
	"errors"
	"math"
	"sync"

	"github.com/joeycumines/logiface"
	"golang.org/x/exp/constraints"
)

// Standard errors.
var (
	// ErrInvalidConfig is returned by New when the configuration is
	// malformed (missing counters, zero frequencies).
	ErrInvalidConfig = errors.New("ticksource: invalid configuration")

	// ErrClockNotReady is returned by New when the event counter's clock
	// source selection does not settle within the bounded spin.
	ErrClockNotReady = errors.New("ticksource: event counter clock selection did not settle")

	// ErrEnableNotConfirmed is returned when enabling the event counter is
	// not confirmed within the bounded spin.
	ErrEnableNotConfirmed = errors.New("ticksource: event counter enable was not confirmed")
)

// Forever arms the event counter with the maximum representable duration,
// i.e. a timeout that never fires in practice.
const Forever int32 = -1

const (
	maxEventCycles = math.MaxUint32

	// enableConfirmMaxSpins bounds the poll-until-set confirmation after
	// enabling the event counter. The enable normally takes effect within
	// one source-clock period (~30.5us at 32768 Hz); the bound exists so a
	// wedged counter surfaces as an error rather than a hang.
	enableConfirmMaxSpins = 1 << 20

	// clockSelectMaxSpins bounds the wait for the event counter's clock
	// source selection at initialization.
	clockSelectMaxSpins = 1 << 20
)

// Announcer receives the logical tick stream. Satisfied by
// sched.Scheduler implementations.
type Announcer interface {
	AnnounceTicks(n uint32)
}

// Config holds the construction parameters for a Source.
type Config struct {
	// System is the free-running system counter. Required.
	System SystemCounter

	// Event is the always-on event counter. Required.
	Event EventCounter

	// Clocks enables the counters' clock domains at initialization.
	// Optional; when nil, Domains is ignored.
	Clocks ClockControl

	// Domains lists the clock domains to enable before touching the
	// counters.
	Domains []string

	// Scheduler receives tick announcements. Optional, but a source
	// without one is only useful for cycle reads.
	Scheduler Announcer

	// SysCyclesPerSec is the system counter frequency.
	// **Defaults to 16,000,000 if 0.**
	SysCyclesPerSec uint64

	// EvtCyclesPerSec is the event counter frequency.
	// **Defaults to 32,768 if 0.**
	EvtCyclesPerSec uint64

	// TicksPerSec is the logical tick rate.
	// **Defaults to 100 if 0.** Must divide SysCyclesPerSec.
	TicksPerSec uint64

	// Tickless selects deferred announcement mode. When false the source
	// runs tick-driven: it re-arms itself every logical tick and announces
	// exactly one tick per expiry.
	Tickless bool

	// Logger receives structured diagnostics. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Source is the dual time base. All mutable tick-accounting state
// (announced cycles, the tick count, the timeout list) shares one lock,
// modeling the short interrupt-masking critical section of the original
// driver. Arming the event counter is serialized separately so that two
// re-arms can never interleave their disable/reload/enable sequences.
type Source struct {
	sys    SystemCounter
	evt    EventCounter
	sched  Announcer
	logger *logiface.Logger[logiface.Event]

	cyclesPerTick   uint64
	evtCyclesPerSec uint64
	ticksPerSec     uint64
	tickless        bool

	mu        sync.Mutex
	announced uint64 // cycle value at the last announcement
	nowTicks  uint64 // announced tick total
	timeouts  timeoutHeap

	armMu           sync.Mutex
	pendingEvtCycle uint32 // armed duration of the event counter
}

// New initializes the time base: enables the counters' clock domains,
// waits (bounded) for the event counter's clock selection, registers the
// expiry handler, and, in tick-driven mode, arms the first tick.
func New(cfg Config) (*Source, error) {
	if cfg.System == nil || cfg.Event == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.SysCyclesPerSec == 0 {
		cfg.SysCyclesPerSec = 16_000_000
	}
	if cfg.EvtCyclesPerSec == 0 {
		cfg.EvtCyclesPerSec = 32_768
	}
	if cfg.TicksPerSec == 0 {
		cfg.TicksPerSec = 100
	}
	if cfg.SysCyclesPerSec%cfg.TicksPerSec != 0 {
		return nil, ErrInvalidConfig
	}

	s := &Source{
		sys:             cfg.System,
		evt:             cfg.Event,
		sched:           cfg.Scheduler,
		logger:          cfg.Logger,
		cyclesPerTick:   cfg.SysCyclesPerSec / cfg.TicksPerSec,
		evtCyclesPerSec: cfg.EvtCyclesPerSec,
		ticksPerSec:     cfg.TicksPerSec,
		tickless:        cfg.Tickless,
	}

	if cfg.Clocks != nil {
		for _, domain := range cfg.Domains {
			if err := cfg.Clocks.EnableDomain(domain); err != nil {
				s.logger.Err().
					Err(err).
					Str("domain", domain).
					Log("failed to enable counter clock domain")
				return nil, err
			}
		}
	}

	// The low-frequency clock selection needs a settling delay before the
	// event counter is usable. Modeled as a bounded poll.
	settled := false
	for i := 0; i < clockSelectMaxSpins; i++ {
		if s.evt.ClockSelected() {
			settled = true
			break
		}
	}
	if !settled {
		return nil, ErrClockNotReady
	}

	s.evt.SetExpiryHandler(s.onEventExpiry)

	if !s.tickless {
		if err := s.armEventCounter(1); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Uint64("cycles_per_tick", s.cyclesPerTick).
		Bool("tickless", s.tickless).
		Log("tick source initialized")

	return s, nil
}

// Cycles returns the current free-running cycle count. The two halves are
// read with the high/low/high retry protocol so a carry between the two
// registers can never produce a torn value. Never blocks; safe from any
// context.
func (s *Source) Cycles() uint64 {
	for {
		hi := s.sys.CountHigh()
		lo := s.sys.CountLow()
		if s.sys.CountHigh() == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// Elapsed returns the number of ticks that have passed since the last
// announcement. In tick-driven mode this is always 0: ticks are announced
// eagerly and never accumulate.
func (s *Source) Elapsed() uint32 {
	if !s.tickless {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32((s.Cycles() - s.announced) / s.cyclesPerTick)
}

// Now returns the announced tick total. Deadlines registered via AddTimeout
// are absolute values on this scale.
func (s *Source) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowTicks
}

// SetTimeout programs the event counter to fire after the given number of
// ticks. ticks <= 0 is clamped to 1, the minimum schedulable interval;
// Forever arms the maximum representable duration. No-op in tick-driven
// mode, where the source re-arms itself one tick at a time.
func (s *Source) SetTimeout(ticks int32) error {
	if !s.tickless {
		return nil
	}
	return s.armEventCounter(ticks)
}

// armEventCounter converts ticks to event-counter cycles (rounding up to
// the next tick boundary, clamped to the counter width) and performs the
// disable/reload/enable sequence. The enable must be confirmed before
// returning because the event clock is asynchronous to the core clock.
// Only one arm may be in flight at a time.
func (s *Source) armEventCounter(ticks int32) error {
	var cycles uint32
	if ticks == Forever {
		cycles = maxEventCycles
	} else {
		if ticks <= 0 {
			ticks = 1
		}
		c := ceilDiv(uint64(ticks)*s.evtCyclesPerSec, s.ticksPerSec)
		if c > maxEventCycles {
			c = maxEventCycles
		}
		cycles = uint32(c)
	}

	s.armMu.Lock()
	defer s.armMu.Unlock()

	s.mu.Lock()
	s.pendingEvtCycle = cycles
	s.mu.Unlock()

	if s.evt.Enabled() {
		s.evt.Disable()
	}

	load := cycles - 1
	if load < 1 {
		load = 1
	}
	s.evt.SetLoad(load)

	s.evt.Enable()
	for i := 0; !s.evt.Enabled(); i++ {
		if i >= enableConfirmMaxSpins {
			s.logger.Err().
				Uint64("cycles", uint64(cycles)).
				Log("event counter enable was not confirmed")
			return ErrEnableNotConfirmed
		}
	}
	return nil
}

// onEventExpiry is the event counter's expiry handler, invoked in interrupt
// context. It performs only the minimal critical-section update and then
// announces; anything heavier belongs on a work queue.
func (s *Source) onEventExpiry() {
	s.evt.Disable()
	s.evt.ClearTimeout()

	if s.tickless {
		s.mu.Lock()
		delta := uint32((s.Cycles() - s.announced) / s.cyclesPerTick)
		s.announced = s.Cycles()
		s.mu.Unlock()
		s.announce(delta)
	} else {
		// Re-arm for exactly one tick, then report it.
		_ = s.armEventCounter(1)
		s.announce(1)
	}
}

// announce advances the tick total, delivers the announcement to the
// scheduler, and fires any tick timeouts that became due. Timeout callbacks
// run outside the shared lock.
func (s *Source) announce(n uint32) {
	var due []*Timeout
	s.mu.Lock()
	s.nowTicks += uint64(n)
	for len(s.timeouts) > 0 && s.timeouts[0].at <= s.nowTicks {
		t := s.timeouts.popMin()
		t.fired = true
		due = append(due, t)
	}
	s.mu.Unlock()

	if s.sched != nil {
		s.sched.AnnounceTicks(n)
	}
	for _, t := range due {
		t.fn()
	}
}

// ceilDiv divides n by d, rounding up.
func ceilDiv[T constraints.Unsigned](n, d T) T {
	return (n + d - 1) / d
}
