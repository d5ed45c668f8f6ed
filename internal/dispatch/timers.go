package dispatch

import (
	"sync"
	"time"
)

// TimerRegistry tracks one cancellable timer per ride. Arming a ride that
// already has a timer replaces it, and a fired or cancelled timer removes
// itself, so a late callback can never run against a ride that resolved
// early.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[uint]*time.Timer
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[uint]*time.Timer)}
}

// Arm schedules fn to run after d unless the ride's timer is cancelled
// or re-armed first.
func (r *TimerRegistry) Arm(rideID uint, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[rideID]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.timers[rideID] == timer {
			delete(r.timers, rideID)
		}
		r.mu.Unlock()
		fn()
	})
	r.timers[rideID] = timer
}

// Cancel stops the ride's timer. Returns true if one was pending.
func (r *TimerRegistry) Cancel(rideID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[rideID]
	if !ok {
		return false
	}
	delete(r.timers, rideID)
	return timer.Stop()
}

// Pending returns the number of armed timers.
func (r *TimerRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
