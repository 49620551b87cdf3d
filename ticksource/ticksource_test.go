package ticksource

import (
	"errors"
	"math"
	"testing"
)

// Test frequencies chosen so every ratio is integral: 25,600 system cycles
// per tick, 256 event cycles per tick, 100 system cycles per event cycle.
const (
	testSysCyclesPerSec = 3_276_800
	testEvtCyclesPerSec = 32_768
	testTicksPerSec     = 128

	testEvtCyclesPerTick = testEvtCyclesPerSec / testTicksPerSec
	testSysPerEvt        = testSysCyclesPerSec / testEvtCyclesPerSec
)

// announceRecorder collects the announced tick batches. The simulation
// delivers announcements synchronously on the goroutine calling Advance, so
// no locking is needed.
type announceRecorder struct {
	batches []uint32
}

func (a *announceRecorder) AnnounceTicks(n uint32) {
	a.batches = append(a.batches, n)
}

func (a *announceRecorder) total() uint64 {
	var t uint64
	for _, n := range a.batches {
		t += uint64(n)
	}
	return t
}

func newTestSource(t *testing.T, tickless bool) (*Source, *SimCounters, *announceRecorder) {
	t.Helper()
	sim := NewSimCounters(testSysPerEvt)
	rec := &announceRecorder{}
	src, err := New(Config{
		System:          sim,
		Event:           sim,
		Clocks:          sim,
		Domains:         []string{"itim32", "itim64"},
		Scheduler:       rec,
		SysCyclesPerSec: testSysCyclesPerSec,
		EvtCyclesPerSec: testEvtCyclesPerSec,
		TicksPerSec:     testTicksPerSec,
		Tickless:        tickless,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return src, sim, rec
}

func TestNewValidation(t *testing.T) {
	sim := NewSimCounters(testSysPerEvt)

	if _, err := New(Config{Event: sim}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing system counter: got %v", err)
	}
	if _, err := New(Config{System: sim}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing event counter: got %v", err)
	}
	if _, err := New(Config{
		System:          sim,
		Event:           sim,
		SysCyclesPerSec: 1000,
		TicksPerSec:     128, // does not divide 1000
	}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("non-integral cycles per tick: got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	sim := NewSimCounters(1)
	src, err := New(Config{System: sim, Event: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// 16 MHz / 100 Hz
	if src.cyclesPerTick != 160_000 {
		t.Errorf("cyclesPerTick = %d, want 160000", src.cyclesPerTick)
	}
}

func TestNewEnablesClockDomains(t *testing.T) {
	_, sim, _ := newTestSource(t, true)
	got := sim.Domains()
	if len(got) != 2 || got[0] != "itim32" || got[1] != "itim64" {
		t.Errorf("enabled domains = %v", got)
	}
}

func TestNewDomainFailurePropagates(t *testing.T) {
	sim := NewSimCounters(testSysPerEvt)
	sim.FailDomain("itim64")
	_, err := New(Config{
		System:  sim,
		Event:   sim,
		Clocks:  sim,
		Domains: []string{"itim32", "itim64"},
	})
	if err == nil {
		t.Fatal("expected an error from the failing clock domain")
	}
}

func TestNewWaitsForClockSelection(t *testing.T) {
	sim := NewSimCounters(testSysPerEvt)
	sim.SetClockSelectLatency(3)
	if _, err := New(Config{System: sim, Event: sim}); err != nil {
		t.Fatalf("New should tolerate a settling delay: %v", err)
	}
}

func TestNewClockSelectionNeverSettles(t *testing.T) {
	sim := NewSimCounters(testSysPerEvt)
	sim.SetClockSelectLatency(clockSelectMaxSpins + 8)
	if _, err := New(Config{System: sim, Event: sim}); !errors.Is(err, ErrClockNotReady) {
		t.Fatalf("expected ErrClockNotReady, got %v", err)
	}
}

func TestCyclesCombinesHalves(t *testing.T) {
	src, sim, _ := newTestSource(t, true)
	sim.Advance(7)
	if got := src.Cycles(); got != 7*testSysPerEvt {
		t.Errorf("Cycles() = %d, want %d", got, 7*testSysPerEvt)
	}
}

// carrySystemCounter simulates a carry between the low and high registers:
// the first high read is stale, forcing the torn-read retry.
type carrySystemCounter struct {
	highReads int
}

func (c *carrySystemCounter) CountHigh() uint32 {
	c.highReads++
	if c.highReads == 1 {
		return 0 // stale: the carry has not been observed yet
	}
	return 1
}

func (c *carrySystemCounter) CountLow() uint32 { return 5 }

func TestCyclesRetriesTornRead(t *testing.T) {
	sim := NewSimCounters(testSysPerEvt)
	carry := &carrySystemCounter{}
	src, err := New(Config{
		System:          carry,
		Event:           sim,
		SysCyclesPerSec: testSysCyclesPerSec,
		EvtCyclesPerSec: testEvtCyclesPerSec,
		TicksPerSec:     testTicksPerSec,
		Tickless:        true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := src.Cycles(); got != 1<<32|5 {
		t.Errorf("Cycles() = %#x, want %#x", got, uint64(1<<32|5))
	}
	// first attempt read high twice and disagreed, the retry read it twice
	// more
	if carry.highReads != 4 {
		t.Errorf("high register read %d times, want 4", carry.highReads)
	}
}

func TestTickDrivenAnnouncesOneTickPerExpiry(t *testing.T) {
	src, sim, rec := newTestSource(t, false)

	// New armed the first tick already.
	if got := sim.Load(); got != testEvtCyclesPerTick-1 {
		t.Fatalf("initial load = %d, want %d", got, testEvtCyclesPerTick-1)
	}

	for i := 0; i < 4; i++ {
		sim.Advance(testEvtCyclesPerTick)
	}

	if len(rec.batches) != 4 {
		t.Fatalf("announced %d batches, want 4: %v", len(rec.batches), rec.batches)
	}
	for i, n := range rec.batches {
		if n != 1 {
			t.Errorf("batch %d = %d, want 1", i, n)
		}
	}
	if got := src.Now(); got != 4 {
		t.Errorf("Now() = %d, want 4", got)
	}
	if got := src.Elapsed(); got != 0 {
		t.Errorf("Elapsed() = %d, want 0 in tick-driven mode", got)
	}
}

func TestTicklessAnnouncesElapsedBatch(t *testing.T) {
	src, sim, rec := newTestSource(t, true)

	if err := src.SetTimeout(4); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if got := sim.Load(); got != 4*testEvtCyclesPerTick-1 {
		t.Fatalf("load = %d, want %d", got, 4*testEvtCyclesPerTick-1)
	}

	sim.Advance(4 * testEvtCyclesPerTick)

	if len(rec.batches) != 1 || rec.batches[0] != 4 {
		t.Fatalf("announced batches = %v, want [4]", rec.batches)
	}
	if got := src.Now(); got != 4 {
		t.Errorf("Now() = %d, want 4", got)
	}
	// Expiry status was acknowledged and the counter stays disarmed until
	// the next SetTimeout.
	if sim.Status() {
		t.Error("expiry status should be cleared")
	}
	sim.Advance(16 * testEvtCyclesPerTick)
	if len(rec.batches) != 1 {
		t.Errorf("disarmed counter announced again: %v", rec.batches)
	}
}

func TestTicklessElapsedAccumulates(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	sim.Advance(2 * testEvtCyclesPerTick)
	if got := src.Elapsed(); got != 2 {
		t.Errorf("Elapsed() = %d, want 2", got)
	}
	// A partial tick does not count.
	sim.Advance(testEvtCyclesPerTick / 2)
	if got := src.Elapsed(); got != 2 {
		t.Errorf("Elapsed() = %d, want 2 after a half tick more", got)
	}
	sim.Advance(testEvtCyclesPerTick / 2)
	if got := src.Elapsed(); got != 3 {
		t.Errorf("Elapsed() = %d, want 3", got)
	}
}

func TestSetTimeoutClampsShortDelays(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	for _, ticks := range []int32{0, -7} {
		if err := src.SetTimeout(ticks); err != nil {
			t.Fatalf("SetTimeout(%d) failed: %v", ticks, err)
		}
		if got := sim.Load(); got != testEvtCyclesPerTick-1 {
			t.Errorf("SetTimeout(%d): load = %d, want %d", ticks, got, testEvtCyclesPerTick-1)
		}
	}
}

func TestSetTimeoutForeverAndOverflow(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	if err := src.SetTimeout(Forever); err != nil {
		t.Fatalf("SetTimeout(Forever) failed: %v", err)
	}
	if got := sim.Load(); got != math.MaxUint32-1 {
		t.Errorf("Forever: load = %#x, want %#x", got, uint32(math.MaxUint32-1))
	}

	// A delay whose cycle conversion exceeds the counter width saturates.
	if err := src.SetTimeout(math.MaxInt32); err != nil {
		t.Fatalf("SetTimeout(MaxInt32) failed: %v", err)
	}
	if got := sim.Load(); got != math.MaxUint32-1 {
		t.Errorf("overflow: load = %#x, want %#x", got, uint32(math.MaxUint32-1))
	}
}

func TestSetTimeoutIgnoredWhenTickDriven(t *testing.T) {
	src, sim, _ := newTestSource(t, false)
	if err := src.SetTimeout(10); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if got := sim.Load(); got != testEvtCyclesPerTick-1 {
		t.Errorf("load = %d, want the one-tick arm to stand", got)
	}
}

func TestSetTimeoutReplacesPendingArm(t *testing.T) {
	src, sim, rec := newTestSource(t, true)

	if err := src.SetTimeout(100); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	// Shorten before the first expiry; the reload must win.
	if err := src.SetTimeout(1); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(testEvtCyclesPerTick)
	if len(rec.batches) != 1 || rec.batches[0] != 1 {
		t.Fatalf("announced batches = %v, want [1]", rec.batches)
	}
}

func TestSetTimeoutEnableNotConfirmed(t *testing.T) {
	src, sim, _ := newTestSource(t, true)
	sim.SetEnableLatency(enableConfirmMaxSpins + 8)
	if err := src.SetTimeout(1); !errors.Is(err, ErrEnableNotConfirmed) {
		t.Fatalf("expected ErrEnableNotConfirmed, got %v", err)
	}
}

// TestGatedClockCompensation covers the deep low-power path: the system
// counter freezes while gated, expiries during that window announce nothing,
// and the resume compensation restores the missing ticks on the next
// reconciliation.
func TestGatedClockCompensation(t *testing.T) {
	src, sim, rec := newTestSource(t, true)

	if err := src.SetTimeout(2); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Gate()
	sim.Advance(2 * testEvtCyclesPerTick)

	// The expiry fired, but the frozen system counter yields a zero delta.
	if got := rec.total(); got != 0 {
		t.Fatalf("announced %d ticks while gated, want 0", got)
	}

	sim.Ungate()
	if got := src.Elapsed(); got != 2 {
		t.Fatalf("Elapsed() = %d after resume compensation, want 2", got)
	}

	if err := src.SetTimeout(1); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(testEvtCyclesPerTick)

	// The batch includes both the compensated ticks and the new one.
	if got := rec.total(); got != 3 {
		t.Errorf("announced total = %d, want 3", got)
	}
	if got := src.Now(); got != 3 {
		t.Errorf("Now() = %d, want 3", got)
	}
}

func TestAddTimeoutFiresAtDeadline(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	var fired []string
	src.AddTimeout(2, func() { fired = append(fired, "b") })
	src.AddTimeout(1, func() { fired = append(fired, "a") })
	src.AddTimeout(3, func() { fired = append(fired, "c") })

	for i := 0; i < 3; i++ {
		if err := src.SetTimeout(1); err != nil {
			t.Fatalf("SetTimeout failed: %v", err)
		}
		sim.Advance(testEvtCyclesPerTick)
	}

	if len(fired) != 3 || fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Errorf("fired = %v, want [a b c]", fired)
	}
}

func TestAddTimeoutZeroDelayFiresNextAnnouncement(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	fired := false
	src.AddTimeout(0, func() { fired = true })

	if err := src.SetTimeout(1); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(testEvtCyclesPerTick)
	if !fired {
		t.Error("zero-delay timeout did not fire on the next announcement")
	}
}

func TestTimeoutAbortAndRemaining(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	fired := false
	to := src.AddTimeout(5, func() { fired = true })
	if got := to.Remaining(); got != 5 {
		t.Errorf("Remaining() = %d, want 5", got)
	}

	if err := src.SetTimeout(2); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(2 * testEvtCyclesPerTick)
	if got := to.Remaining(); got != 3 {
		t.Errorf("Remaining() = %d, want 3", got)
	}

	if !to.Abort() {
		t.Fatal("Abort should succeed before firing")
	}
	if to.Abort() {
		t.Error("second Abort should report failure")
	}
	if got := to.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d after abort, want 0", got)
	}

	if err := src.SetTimeout(3); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(3 * testEvtCyclesPerTick)
	if fired {
		t.Error("aborted timeout fired")
	}
}

func TestTimeoutAbortAfterFire(t *testing.T) {
	src, sim, _ := newTestSource(t, true)

	to := src.AddTimeout(1, func() {})
	if err := src.SetTimeout(1); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	sim.Advance(testEvtCyclesPerTick)

	if to.Abort() {
		t.Error("Abort should report failure once the callback ran")
	}
}

func TestTimeoutCallbackMayRearm(t *testing.T) {
	src, sim, rec := newTestSource(t, true)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			src.AddTimeout(1, tick)
			_ = src.SetTimeout(1)
		}
	}
	src.AddTimeout(1, tick)

	if err := src.SetTimeout(1); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	// One Advance spans all three periods; the handler re-arms mid-advance.
	sim.Advance(3 * testEvtCyclesPerTick)

	if count != 3 {
		t.Errorf("periodic callback ran %d times, want 3", count)
	}
	if got := rec.total(); got != 3 {
		t.Errorf("announced total = %d, want 3", got)
	}
}
