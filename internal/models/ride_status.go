package models

// RideStatus is the authoritative lifecycle status of a ride. The string
// values are persisted as-is and travel unchanged over the wire.
type RideStatus string

const (
	RideStatusScheduled         RideStatus = "SCHEDULED"
	RideStatusSearchingDriver   RideStatus = "SEARCHING_DRIVER"
	RideStatusPendingAcceptance RideStatus = "PENDING_DRIVER_ACCEPTANCE"
	RideStatusDriverAccepted    RideStatus = "DRIVER_ACCEPTED"
	RideStatusRejectedByDriver  RideStatus = "REJECTED_BY_DRIVER"
	RideStatusDriverAtPickup    RideStatus = "DRIVER_AT_PICKUPLOCATION"
	RideStatusPassengerPickedUp RideStatus = "DRIVER_HAS_PICKUP_PASSENGER"
	RideStatusStarted           RideStatus = "RIDE_STARTED"
	RideStatusReachedDest       RideStatus = "RIDE_REACHED_DESTINATION"
	RideStatusCompleted         RideStatus = "RIDE_COMPLETED"
	RideStatusCancelled         RideStatus = "RIDE_CANCELLED"
	RideStatusTimeout           RideStatus = "RIDE_TIMEOUT"
)

// rideTransitions is the legal-transition table. A status missing from the
// map is terminal.
var rideTransitions = map[RideStatus][]RideStatus{
	RideStatusScheduled: {
		RideStatusSearchingDriver, RideStatusCancelled,
	},
	RideStatusSearchingDriver: {
		RideStatusPendingAcceptance, RideStatusDriverAccepted, RideStatusCancelled,
	},
	RideStatusPendingAcceptance: {
		RideStatusDriverAccepted, RideStatusRejectedByDriver, RideStatusCancelled,
	},
	RideStatusRejectedByDriver: {
		RideStatusPendingAcceptance, RideStatusCancelled,
	},
	RideStatusDriverAccepted: {
		RideStatusDriverAtPickup, RideStatusPassengerPickedUp, RideStatusCancelled,
	},
	RideStatusDriverAtPickup: {
		RideStatusPassengerPickedUp, RideStatusStarted, RideStatusCancelled,
	},
	RideStatusPassengerPickedUp: {
		RideStatusStarted, RideStatusCompleted, RideStatusCancelled,
	},
	RideStatusStarted: {
		RideStatusReachedDest, RideStatusCompleted, RideStatusCancelled,
	},
	RideStatusReachedDest: {
		RideStatusCompleted, RideStatusCancelled,
	},
}

// AllRideStatuses lists every status, useful for exhaustive checks.
var AllRideStatuses = []RideStatus{
	RideStatusScheduled,
	RideStatusSearchingDriver,
	RideStatusPendingAcceptance,
	RideStatusDriverAccepted,
	RideStatusRejectedByDriver,
	RideStatusDriverAtPickup,
	RideStatusPassengerPickedUp,
	RideStatusStarted,
	RideStatusReachedDest,
	RideStatusCompleted,
	RideStatusCancelled,
	RideStatusTimeout,
}

// CanTransitionTo reports whether target is a legal next status.
func (s RideStatus) CanTransitionTo(target RideStatus) bool {
	for _, t := range rideTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outbound transitions.
func (s RideStatus) IsTerminal() bool {
	switch s {
	case RideStatusCompleted, RideStatusCancelled, RideStatusTimeout:
		return true
	}
	return false
}

// Assignable reports whether a driver may still claim the ride. A driver
// reference is only ever set while the ride sits in this range.
func (s RideStatus) Assignable() bool {
	return s == RideStatusSearchingDriver || s == RideStatusPendingAcceptance
}

// AssignableStatuses is the status set used in the conditional accept
// update.
var AssignableStatuses = []string{
	string(RideStatusSearchingDriver),
	string(RideStatusPendingAcceptance),
}
