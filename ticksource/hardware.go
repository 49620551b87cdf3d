package ticksource

// SystemCounter is the register surface of the free-running system counter:
// a wide up-counter clocked by the main system clock. The count is exposed
// as two 32-bit registers, so a consistent 64-bit read requires the
// high/low/high retry protocol implemented by Source.Cycles.
//
// The counter's clock may be gated while the system is in a deep low-power
// state; the platform is expected to compensate the count on resume.
type SystemCounter interface {
	// CountHigh returns the high 32 bits of the counter.
	CountHigh() uint32
	// CountLow returns the low 32 bits of the counter.
	CountLow() uint32
}

// EventCounter is the register surface of the event counter: a 32-bit
// down-counter clocked by an always-on low-frequency clock, used to raise
// the tick/timeout interrupt. Because its clock is asynchronous to the core
// clock, Enable takes effect only after a bounded number of source-clock
// periods; callers confirm by polling Enabled.
type EventCounter interface {
	// SetLoad uploads the countdown value used the next time the counter
	// is enabled.
	SetLoad(cycles uint32)
	// Enable requests the counter to start. The request takes effect
	// asynchronously.
	Enable()
	// Enabled reports whether the enable request has taken effect.
	Enabled() bool
	// Disable stops the counter. Takes effect immediately.
	Disable()
	// ClearTimeout clears the expiry status flag.
	ClearTimeout()
	// ClockSelected reports whether the low-frequency clock source
	// selection has settled. Consulted once, during initialization.
	ClockSelected() bool
	// SetExpiryHandler registers the routine invoked, in interrupt
	// context, when the countdown reaches zero.
	SetExpiryHandler(fn func())
}

// ClockControl enables the clock domains feeding the hardware counters.
// Consulted once at initialization and never again.
type ClockControl interface {
	EnableDomain(name string) error
}
