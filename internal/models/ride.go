package models

import (
	"time"

	"gorm.io/gorm"
)

// RideKind distinguishes on-demand rides from pre-booked ones.
type RideKind string

const (
	RideKindImmediate RideKind = "immediate"
	RideKindScheduled RideKind = "scheduled"
)

// CancelReasonNoDrivers is the machine-readable reason recorded when the
// broadcast search exhausts every radius without a candidate.
const CancelReasonNoDrivers = "no drivers available"

// Ride is one passenger trip from booking through completion or
// cancellation. Status is the single source of truth for assignment and
// is only mutated through conditional writes in the ride store.
type Ride struct {
	gorm.Model
	PassengerID uint  `json:"passengerId" gorm:"not null;index"`
	DriverID    *uint `json:"driverId,omitempty" gorm:"index"`

	PickupLat       float64 `json:"pickupLat" gorm:"not null"`
	PickupLng       float64 `json:"pickupLng" gorm:"not null"`
	PickupAddr      string  `json:"pickupAddress" gorm:"not null"`
	PickupLandmark  string  `json:"pickupLandmark,omitempty"`
	DropoffLat      float64 `json:"dropoffLat" gorm:"not null"`
	DropoffLng      float64 `json:"dropoffLng" gorm:"not null"`
	DropoffAddr     string  `json:"dropoffAddress" gorm:"not null"`
	DropoffLandmark string  `json:"dropoffLandmark,omitempty"`

	Kind           RideKind   `json:"kind" gorm:"not null;default:'immediate'"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	PassengerCount int        `json:"passengerCount" gorm:"not null;default:1"`
	VehicleTypeID  uint       `json:"vehicleTypeId,omitempty"` // 0 = any vehicle

	Status RideStatus `json:"status" gorm:"not null;index"`

	FareEstimate float64  `json:"fareEstimate"`
	FinalFare    *float64 `json:"finalFare,omitempty"`
	DistanceKm   float64  `json:"distance"` // pickup to dropoff, kilometers
	DurationMin  int      `json:"duration"` // estimated, minutes

	AssignedAt   *time.Time `json:"assignedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CancelledBy  string     `json:"cancelledBy,omitempty"` // passenger | driver | system

	Passenger *User `json:"passenger,omitempty" gorm:"foreignKey:PassengerID"`
	Driver    *User `json:"driver,omitempty" gorm:"foreignKey:DriverID"`
}

// TableName specifies the table name
func (Ride) TableName() string {
	return "rides"
}

// RideRating is the post-trip rating. It is the only mutation allowed on
// a completed ride.
type RideRating struct {
	gorm.Model
	RideID      uint    `json:"rideId" gorm:"not null;uniqueIndex"`
	PassengerID uint    `json:"passengerId" gorm:"not null"`
	DriverID    uint    `json:"driverId" gorm:"not null"`
	Rating      float64 `json:"rating" gorm:"not null;check:rating >= 1 AND rating <= 5"`
	Comment     string  `json:"comment,omitempty"`
}

// TableName specifies the table name
func (RideRating) TableName() string {
	return "ride_ratings"
}
