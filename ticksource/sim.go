package ticksource

import (
	"sync"
)

// SimCounters is an in-memory stand-in for the two hardware counters and
// their clock control, advanced manually by tests. Expiry handlers run
// synchronously on the goroutine calling Advance, which is the simulation's
// "interrupt context".
//
// Gating models a deep low-power state: the system counter freezes while
// the event counter keeps counting. Ungate applies the platform's resume
// compensation, crediting the system counter with the cycles it missed, so
// tick reconciliation behaves as if the clock had never stopped.
type SimCounters struct {
	mu sync.Mutex

	sysPerEvt uint64 // system cycles per event cycle

	sys      uint64
	gated    bool
	gatedEvt uint64 // event cycles elapsed while gated

	load      uint32
	remaining uint32
	enabled   bool
	status    bool
	expiry    func()

	// enable/clock-select latency, in polls
	enablePending   bool
	enablePollsLeft int
	enableLatency   int
	selectPollsLeft int

	domains    []string
	failDomain string
}

// NewSimCounters creates simulated counters. sysPerEvt is the ratio of the
// system counter frequency to the event counter frequency and must be
// non-zero.
func NewSimCounters(sysPerEvt uint64) *SimCounters {
	if sysPerEvt == 0 {
		sysPerEvt = 1
	}
	return &SimCounters{sysPerEvt: sysPerEvt}
}

// --- SystemCounter ---

// CountHigh implements SystemCounter.
func (c *SimCounters) CountHigh() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.sys >> 32)
}

// CountLow implements SystemCounter.
func (c *SimCounters) CountLow() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.sys)
}

// --- EventCounter ---

// SetLoad implements EventCounter. The counter counts down from the load
// value through zero inclusive, so a load of N expires after N+1 cycles.
func (c *SimCounters) SetLoad(cycles uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load = cycles
	c.remaining = cycles + 1
}

// Enable implements EventCounter. The enable takes effect only after
// Enabled has been polled the configured number of times, modeling the
// asynchronous clock boundary.
func (c *SimCounters) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	c.enablePending = true
	c.enablePollsLeft = c.enableLatency
}

// Enabled implements EventCounter.
func (c *SimCounters) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enablePending {
		if c.enablePollsLeft > 0 {
			c.enablePollsLeft--
			return false
		}
		c.enablePending = false
		c.enabled = true
	}
	return c.enabled
}

// Disable implements EventCounter.
func (c *SimCounters) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.enablePending = false
}

// ClearTimeout implements EventCounter.
func (c *SimCounters) ClearTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = false
}

// ClockSelected implements EventCounter.
func (c *SimCounters) ClockSelected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectPollsLeft > 0 {
		c.selectPollsLeft--
		return false
	}
	return true
}

// SetExpiryHandler implements EventCounter.
func (c *SimCounters) SetExpiryHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiry = fn
}

// --- ClockControl ---

// EnableDomain implements ClockControl.
func (c *SimCounters) EnableDomain(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDomain != "" && c.failDomain == name {
		return ErrInvalidConfig
	}
	c.domains = append(c.domains, name)
	return nil
}

// --- test controls ---

// Advance moves simulated time forward by evtCycles event-counter cycles.
// The system counter advances in lockstep (sysPerEvt cycles each) unless
// gated. Expiry handlers fire synchronously, possibly several times if the
// handler re-arms the counter within the advanced interval.
func (c *SimCounters) Advance(evtCycles uint64) {
	remaining := evtCycles
	for remaining > 0 {
		c.mu.Lock()
		step := remaining
		counting := c.enabled && c.remaining > 0
		if counting && uint64(c.remaining) < step {
			step = uint64(c.remaining)
		}
		if c.gated {
			c.gatedEvt += step
		} else {
			c.sys += step * c.sysPerEvt
		}
		var fire func()
		if counting {
			c.remaining -= uint32(step)
			if c.remaining == 0 {
				c.status = true
				fire = c.expiry
			}
		}
		c.mu.Unlock()

		remaining -= step
		if fire != nil {
			fire()
		}
	}
}

// Gate freezes the system counter, as entering a deep low-power state does.
func (c *SimCounters) Gate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gated = true
	c.gatedEvt = 0
}

// Ungate resumes the system counter and applies the resume compensation:
// the cycles the system counter missed while gated, derived from the
// always-on event clock, are credited back.
func (c *SimCounters) Ungate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gated {
		return
	}
	c.gated = false
	c.sys += c.gatedEvt * c.sysPerEvt
	c.gatedEvt = 0
}

// SetEnableLatency configures how many Enabled polls an enable request
// takes to be confirmed.
func (c *SimCounters) SetEnableLatency(polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableLatency = polls
}

// SetClockSelectLatency configures how many ClockSelected polls the clock
// selection takes to settle.
func (c *SimCounters) SetClockSelectLatency(polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectPollsLeft = polls
}

// FailDomain makes EnableDomain fail for the named clock domain.
func (c *SimCounters) FailDomain(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDomain = name
}

// SysCount returns the raw system counter value.
func (c *SimCounters) SysCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sys
}

// Load returns the most recently uploaded countdown value.
func (c *SimCounters) Load() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load
}

// Status returns the expiry status flag.
func (c *SimCounters) Status() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Domains returns the clock domains enabled so far.
func (c *SimCounters) Domains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.domains...)
}
