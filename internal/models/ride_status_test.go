package models

import "testing"

func TestCanTransitionTo(t *testing.T) {
	// Every legal edge. Any pair not listed must be rejected.
	legal := map[RideStatus][]RideStatus{
		RideStatusScheduled:         {RideStatusSearchingDriver, RideStatusCancelled},
		RideStatusSearchingDriver:   {RideStatusPendingAcceptance, RideStatusDriverAccepted, RideStatusCancelled},
		RideStatusPendingAcceptance: {RideStatusDriverAccepted, RideStatusRejectedByDriver, RideStatusCancelled},
		RideStatusRejectedByDriver:  {RideStatusPendingAcceptance, RideStatusCancelled},
		RideStatusDriverAccepted:    {RideStatusDriverAtPickup, RideStatusPassengerPickedUp, RideStatusCancelled},
		RideStatusDriverAtPickup:    {RideStatusPassengerPickedUp, RideStatusStarted, RideStatusCancelled},
		RideStatusPassengerPickedUp: {RideStatusStarted, RideStatusCompleted, RideStatusCancelled},
		RideStatusStarted:           {RideStatusReachedDest, RideStatusCompleted, RideStatusCancelled},
		RideStatusReachedDest:       {RideStatusCompleted, RideStatusCancelled},
	}

	for _, from := range AllRideStatuses {
		allowed := map[RideStatus]bool{}
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range AllRideStatuses {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[RideStatus]bool{
		RideStatusCompleted: true,
		RideStatusCancelled: true,
		RideStatusTimeout:   true,
	}

	for _, status := range AllRideStatuses {
		if got := status.IsTerminal(); got != terminal[status] {
			t.Errorf("IsTerminal(%s) = %v, want %v", status, got, terminal[status])
		}
		// A terminal status must have no outbound transitions.
		if terminal[status] {
			for _, to := range AllRideStatuses {
				if status.CanTransitionTo(to) {
					t.Errorf("terminal status %s allows transition to %s", status, to)
				}
			}
		}
	}
}

func TestAssignable(t *testing.T) {
	for _, status := range AllRideStatuses {
		want := status == RideStatusSearchingDriver || status == RideStatusPendingAcceptance
		if got := status.Assignable(); got != want {
			t.Errorf("Assignable(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestStatusStringsRoundTrip(t *testing.T) {
	// Persisted enum names must survive a string round-trip unchanged.
	want := []string{
		"SCHEDULED",
		"SEARCHING_DRIVER",
		"PENDING_DRIVER_ACCEPTANCE",
		"DRIVER_ACCEPTED",
		"REJECTED_BY_DRIVER",
		"DRIVER_AT_PICKUPLOCATION",
		"DRIVER_HAS_PICKUP_PASSENGER",
		"RIDE_STARTED",
		"RIDE_REACHED_DESTINATION",
		"RIDE_COMPLETED",
		"RIDE_CANCELLED",
		"RIDE_TIMEOUT",
	}
	if len(want) != len(AllRideStatuses) {
		t.Fatalf("expected %d statuses, have %d", len(want), len(AllRideStatuses))
	}
	for i, status := range AllRideStatuses {
		if string(status) != want[i] {
			t.Errorf("status %d = %q, want %q", i, status, want[i])
		}
	}
}
