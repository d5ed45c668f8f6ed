package models

import (
	"time"

	"gorm.io/gorm"
)

// Vehicle is a driver's registered vehicle. A driver without a verified
// vehicle is never offered rides.
type Vehicle struct {
	gorm.Model
	DriverID      uint   `json:"driverId" gorm:"not null;uniqueIndex"`
	VehicleTypeID uint   `json:"vehicleTypeId" gorm:"not null;default:1"`
	Make          string `json:"make"`
	CarModel      string `json:"model" gorm:"column:car_model"`
	Color         string `json:"color"`
	Plate         string `json:"plate" gorm:"unique"`
	Capacity      int    `json:"capacity" gorm:"not null;default:4"`
	IsVerified    bool   `json:"isVerified" gorm:"not null;default:false"`
	Driver        *User  `json:"driver,omitempty" gorm:"foreignKey:DriverID"`
}

// TableName specifies the table name
func (Vehicle) TableName() string {
	return "vehicles"
}

// DriverDocument is a compliance certificate managed by an external
// workflow. Only its validity matters here: an expired or missing
// certificate excludes the driver from matching.
type DriverDocument struct {
	gorm.Model
	DriverID  uint      `json:"driverId" gorm:"not null;index"`
	Kind      string    `json:"kind" gorm:"not null"` // e.g. roadworthiness, insurance
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null"`
	Driver    *User     `json:"driver,omitempty" gorm:"foreignKey:DriverID"`
}

// TableName specifies the table name
func (DriverDocument) TableName() string {
	return "driver_documents"
}

// Valid reports whether the certificate has not expired at the given time.
func (d DriverDocument) Valid(now time.Time) bool {
	return d.ExpiresAt.After(now)
}

// Subscription is a driver's ride-acceptance entitlement. Billing lives
// elsewhere; matching only checks that an active one exists.
type Subscription struct {
	gorm.Model
	DriverID  uint      `json:"driverId" gorm:"not null;index"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null"`
	IsActive  bool      `json:"isActive" gorm:"not null;default:true"`
	Driver    *User     `json:"driver,omitempty" gorm:"foreignKey:DriverID"`
}

// TableName specifies the table name
func (Subscription) TableName() string {
	return "subscriptions"
}

// Valid reports whether the entitlement is active at the given time.
func (s Subscription) Valid(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}
