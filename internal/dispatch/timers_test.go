package dispatch

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerRegistryFires(t *testing.T) {
	reg := NewTimerRegistry()
	fired := make(chan struct{})

	reg.Arm(1, 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending() = %d after firing, want 0", reg.Pending())
	}
}

func TestTimerRegistryCancel(t *testing.T) {
	reg := NewTimerRegistry()
	var fired atomic.Bool

	reg.Arm(1, 20*time.Millisecond, func() { fired.Store(true) })
	if !reg.Cancel(1) {
		t.Fatal("Cancel() = false for an armed timer")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}
	if reg.Cancel(1) {
		t.Error("Cancel() = true for an already-cancelled timer")
	}
}

func TestTimerRegistryRearmReplaces(t *testing.T) {
	reg := NewTimerRegistry()
	var first, second atomic.Bool

	reg.Arm(7, 20*time.Millisecond, func() { first.Store(true) })
	reg.Arm(7, 40*time.Millisecond, func() { second.Store(true) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() {
		t.Error("replaced timer fired")
	}
	if !second.Load() {
		t.Error("replacement timer did not fire")
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", reg.Pending())
	}
}

func TestTimerRegistryIndependentRides(t *testing.T) {
	reg := NewTimerRegistry()
	var fired atomic.Int32

	reg.Arm(1, 10*time.Millisecond, func() { fired.Add(1) })
	reg.Arm(2, 10*time.Millisecond, func() { fired.Add(1) })
	reg.Cancel(1)

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d timers, want 1", got)
	}
}
