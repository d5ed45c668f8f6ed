package models

import (
	"time"

	"gorm.io/gorm"
)

// DriverStatus constants
const (
	DriverStatusOffline = "offline"
	DriverStatusOnline  = "online"
	DriverStatusBusy    = "busy"
)

// DriverLocation is a driver's last known position and availability.
// Exactly one record exists per driver and only the driver's own
// heartbeat stream writes it.
type DriverLocation struct {
	gorm.Model
	DriverID    uint    `json:"driverId" gorm:"not null;uniqueIndex"`
	Latitude    float64 `json:"lat" gorm:"not null"`
	Longitude   float64 `json:"lng" gorm:"not null"`
	Heading     float64 `json:"heading" gorm:"not null;default:0"`
	Speed       float64 `json:"speed,omitempty"`
	Accuracy    float64 `json:"accuracy,omitempty"`
	Status      string  `json:"status" gorm:"not null;default:'offline'"`
	IsAvailable bool    `json:"isAvailable" gorm:"not null;default:false"`

	LastSeen time.Time `json:"lastSeen" gorm:"not null;index"`
	Driver   *User     `json:"driver,omitempty" gorm:"foreignKey:DriverID"`
}

// TableName specifies the table name
func (DriverLocation) TableName() string {
	return "driver_locations"
}

// Fresh reports whether the record was updated within the heartbeat
// window ending at now. Stale records are excluded from matching.
func (l DriverLocation) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(l.LastSeen) <= window
}

// Matchable reports whether the driver can be offered a ride at now.
func (l DriverLocation) Matchable(now time.Time, window time.Duration) bool {
	return l.Status == DriverStatusOnline && l.IsAvailable && l.Fresh(now, window)
}
