package store

import (
	"context"
	"time"

	"github.com/velocab/dispatch-backend/internal/models"
	"gorm.io/gorm"
)

// terminalStatuses is the status set that ends a ride's lifecycle.
var terminalStatuses = []string{
	string(models.RideStatusCompleted),
	string(models.RideStatusCancelled),
	string(models.RideStatusTimeout),
}

// RideStore persists rides. Every status mutation goes through a
// conditional write (status checked in the WHERE clause) so concurrent
// accepts and cancellations resolve to exactly one winner.
type RideStore struct {
	db *gorm.DB
}

func NewRideStore(db *gorm.DB) *RideStore {
	return &RideStore{db: db}
}

// Create persists a new ride.
func (s *RideStore) Create(ctx context.Context, ride *models.Ride) error {
	return s.db.WithContext(ctx).Create(ride).Error
}

// GetByID loads a ride with its parties.
func (s *RideStore) GetByID(ctx context.Context, rideID uint) (*models.Ride, error) {
	var ride models.Ride
	err := s.db.WithContext(ctx).Preload("Passenger").Preload("Driver").First(&ride, rideID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &models.NotFoundError{Resource: "ride"}
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// inactiveStatuses is the set that does not block a new booking. A
// scheduled ride for later does not stop the passenger riding now; the
// clash window check covers scheduled overlap separately.
var inactiveStatuses = append([]string{string(models.RideStatusScheduled)}, terminalStatuses...)

// ActiveForPassenger returns the passenger's current in-progress ride,
// or nil when there is none.
func (s *RideStore) ActiveForPassenger(ctx context.Context, passengerID uint) (*models.Ride, error) {
	var ride models.Ride
	err := s.db.WithContext(ctx).
		Where("passenger_id = ? AND status NOT IN ?", passengerID, inactiveStatuses).
		Order("created_at DESC").
		First(&ride).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// HasScheduledRideBetween reports whether the passenger has a scheduled
// ride starting inside the window.
func (s *RideStore) HasScheduledRideBetween(ctx context.Context, passengerID uint, from, to time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Ride{}).
		Where("passenger_id = ? AND status = ? AND scheduled_at BETWEEN ? AND ?",
			passengerID, models.RideStatusScheduled, from, to).
		Count(&count).Error
	return count > 0, err
}

// ActiveForDriver returns the ride the driver is currently serving, or
// nil. Used to route the driver's location stream to one passenger.
func (s *RideStore) ActiveForDriver(ctx context.Context, driverID uint) (*models.Ride, error) {
	var ride models.Ride
	err := s.db.WithContext(ctx).
		Where("driver_id = ? AND status NOT IN ?", driverID, terminalStatuses).
		Order("created_at DESC").
		First(&ride).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// AssignDriver claims the ride for a driver with a single conditional
// update: it succeeds only while the ride is still assignable. The loser
// of a concurrent accept gets a ConflictError, never a stale success.
func (s *RideStore) AssignDriver(ctx context.Context, rideID, driverID uint) (*models.Ride, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Ride{}).
		Where("id = ? AND status IN ?", rideID, models.AssignableStatuses).
		Updates(map[string]interface{}{
			"driver_id":   driverID,
			"status":      models.RideStatusDriverAccepted,
			"assigned_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Either the ride does not exist or someone else got there first.
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Ride{}).Where("id = ?", rideID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, &models.NotFoundError{Resource: "ride"}
		}
		return nil, models.NewConflictError("ride is no longer available")
	}
	return s.GetByID(ctx, rideID)
}

// Transition moves the ride to a new status. The legal-transition table
// is checked first; then the write is conditioned on the status the
// caller observed, so a concurrent mutation surfaces as a conflict and
// the ride is left unmodified either way.
func (s *RideStore) Transition(ctx context.Context, ride *models.Ride, to models.RideStatus, stamps map[string]interface{}) error {
	if !ride.Status.CanTransitionTo(to) {
		return &models.StateError{From: ride.Status, To: to}
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range stamps {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.Ride{}).
		Where("id = ? AND status = ?", ride.ID, ride.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NewConflictError("ride status changed concurrently")
	}

	ride.Status = to
	return nil
}

// ListDueScheduled returns scheduled rides whose pickup time falls
// before the horizon, oldest first. The caller activates them.
func (s *RideStore) ListDueScheduled(ctx context.Context, horizon time.Time) ([]models.Ride, error) {
	var rides []models.Ride
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.RideStatusScheduled, horizon).
		Order("scheduled_at ASC").
		Find(&rides).Error
	if err != nil {
		return nil, err
	}
	return rides, nil
}

// searchStatuses is every status a ride can hold while the driver search
// is still running. It is wider than the assignable set: a targeted
// rejection parks the ride in REJECTED_BY_DRIVER until the fallback
// broadcast finds candidates, and an exhausted fallback must still be
// able to cancel from there.
var searchStatuses = append([]string{string(models.RideStatusRejectedByDriver)}, models.AssignableStatuses...)

// CancelFromSearch cancels a ride only if it is still waiting for a
// driver. Returns false when the ride moved on in the meantime, which is
// not an error for the timeout paths that call this.
func (s *RideStore) CancelFromSearch(ctx context.Context, rideID uint, reason, actor string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Ride{}).
		Where("id = ? AND status IN ?", rideID, searchStatuses).
		Updates(map[string]interface{}{
			"status":        models.RideStatusCancelled,
			"cancelled_at":  now,
			"cancel_reason": reason,
			"cancelled_by":  actor,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateDetails patches the mutable free-text fields of a non-terminal
// ride. Terminal rides are immutable except for ratings.
func (s *RideStore) UpdateDetails(ctx context.Context, rideID uint, updates map[string]interface{}) (*models.Ride, error) {
	ride, err := s.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status.IsTerminal() {
		return nil, models.NewConflictError("ride is %s and can no longer be updated", ride.Status)
	}

	res := s.db.WithContext(ctx).Model(&models.Ride{}).
		Where("id = ? AND status = ?", rideID, ride.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.NewConflictError("ride status changed concurrently")
	}
	return s.GetByID(ctx, rideID)
}

// HistoryForUser pages through a user's past rides, newest first.
func (s *RideStore) HistoryForUser(ctx context.Context, userID uint, role string, page, limit int) ([]models.Ride, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Ride{}).Where("status IN ?", terminalStatuses)
	if role == string(models.UserRoleDriver) {
		query = query.Where("driver_id = ?", userID)
	} else {
		query = query.Where("passenger_id = ?", userID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rides []models.Ride
	err := query.Preload("Passenger").Preload("Driver").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rides).Error
	if err != nil {
		return nil, 0, err
	}
	return rides, total, nil
}

// SaveRating records the post-trip rating, allowed once per ride and
// only after completion.
func (s *RideStore) SaveRating(ctx context.Context, rating *models.RideRating) error {
	ride, err := s.GetByID(ctx, rating.RideID)
	if err != nil {
		return err
	}
	if ride.Status != models.RideStatusCompleted {
		return models.NewConflictError("only completed rides can be rated")
	}

	var existing models.RideRating
	if err := s.db.WithContext(ctx).Where("ride_id = ?", rating.RideID).First(&existing).Error; err == nil {
		return models.NewConflictError("ride already rated")
	}

	return s.db.WithContext(ctx).Create(rating).Error
}
