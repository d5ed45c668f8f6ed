package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/pkg/utils"
	"gorm.io/gorm"
)

// Candidate is a driver eligible for dispatch, hydrated with the contact
// details the offer payload needs.
type Candidate struct {
	DriverID        uint    `json:"driverId"`
	Username        string  `json:"username"`
	PhoneNumber     string  `json:"phoneNumber"`
	FCMToken        string  `json:"-"`
	Latitude        float64 `json:"lat"`
	Longitude       float64 `json:"lng"`
	Heading         float64 `json:"heading"`
	DistanceKm      float64 `json:"distance"`
	VehicleCapacity int     `json:"vehicleCapacity"`
}

// UpsertOptions carries the optional heartbeat fields.
type UpsertOptions struct {
	Heading  float64
	Speed    float64
	Accuracy float64
}

// LocationStore keeps the durable driver position records in Postgres and
// mirrors online drivers into a Redis geo index for nearest-neighbor
// queries. The database row is the record of truth; the geo set is an
// index rebuilt opportunistically on every heartbeat.
type LocationStore struct {
	db              *gorm.DB
	rdb             *redis.Client
	geoKey          string
	heartbeatWindow time.Duration
}

func NewLocationStore(db *gorm.DB, rdb *redis.Client, geoKey string, heartbeatWindow time.Duration) *LocationStore {
	if geoKey == "" {
		geoKey = "drivers:geo"
	}
	if heartbeatWindow <= 0 {
		heartbeatWindow = 5 * time.Minute
	}
	return &LocationStore{db: db, rdb: rdb, geoKey: geoKey, heartbeatWindow: heartbeatWindow}
}

// HeartbeatWindow exposes the configured freshness window.
func (s *LocationStore) HeartbeatWindow() time.Duration {
	return s.heartbeatWindow
}

// Upsert writes the driver's position, stamps the heartbeat and derives
// availability from the reported status. Visible to nearby queries
// immediately.
func (s *LocationStore) Upsert(ctx context.Context, driverID uint, lat, lng float64, status string, opts UpsertOptions) (*models.DriverLocation, error) {
	if !utils.ValidCoordinates(lat, lng) {
		return nil, models.NewValidationError("coordinates out of range: (%f, %f)", lat, lng)
	}
	switch status {
	case models.DriverStatusOffline, models.DriverStatusOnline, models.DriverStatusBusy:
	default:
		return nil, models.NewValidationError("unknown driver status %q", status)
	}

	now := time.Now()

	var location models.DriverLocation
	result := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&location)

	if result.Error == gorm.ErrRecordNotFound {
		location = models.DriverLocation{
			DriverID:    driverID,
			Latitude:    lat,
			Longitude:   lng,
			Heading:     opts.Heading,
			Speed:       opts.Speed,
			Accuracy:    opts.Accuracy,
			Status:      status,
			IsAvailable: status == models.DriverStatusOnline,
			LastSeen:    now,
		}
		if err := s.db.WithContext(ctx).Create(&location).Error; err != nil {
			return nil, err
		}
	} else if result.Error != nil {
		return nil, result.Error
	} else {
		location.Latitude = lat
		location.Longitude = lng
		location.Heading = opts.Heading
		location.Speed = opts.Speed
		location.Accuracy = opts.Accuracy
		location.Status = status
		location.IsAvailable = status == models.DriverStatusOnline
		location.LastSeen = now
		if err := s.db.WithContext(ctx).Save(&location).Error; err != nil {
			return nil, err
		}
	}

	s.syncGeoIndex(ctx, &location)
	return &location, nil
}

// SetAvailability toggles whether an online driver accepts new offers.
// A driver that is not online cannot be made available.
func (s *LocationStore) SetAvailability(ctx context.Context, driverID uint, available bool) (*models.DriverLocation, error) {
	var location models.DriverLocation
	if err := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&location).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &models.NotFoundError{Resource: "driver location"}
		}
		return nil, err
	}

	if available && location.Status != models.DriverStatusOnline {
		return nil, models.NewConflictError("driver must be online to become available")
	}

	location.IsAvailable = available
	location.LastSeen = time.Now()
	if err := s.db.WithContext(ctx).Save(&location).Error; err != nil {
		return nil, err
	}

	s.syncGeoIndex(ctx, &location)
	return &location, nil
}

// MarkBusy flips a driver to busy after an accept, removing them from the
// matchable pool.
func (s *LocationStore) MarkBusy(ctx context.Context, driverID uint) error {
	err := s.db.WithContext(ctx).Model(&models.DriverLocation{}).
		Where("driver_id = ?", driverID).
		Updates(map[string]interface{}{"status": models.DriverStatusBusy, "is_available": false}).Error
	if err != nil {
		return err
	}
	if s.rdb != nil {
		s.rdb.ZRem(ctx, s.geoKey, memberFor(driverID))
	}
	return nil
}

// FreeDriver returns a driver to the matchable pool after a completed or
// cancelled ride.
func (s *LocationStore) FreeDriver(ctx context.Context, driverID uint) error {
	var location models.DriverLocation
	if err := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&location).Error; err != nil {
		return err
	}
	location.Status = models.DriverStatusOnline
	location.IsAvailable = true
	if err := s.db.WithContext(ctx).Save(&location).Error; err != nil {
		return err
	}
	s.syncGeoIndex(ctx, &location)
	return nil
}

// Snapshot returns the current record for one driver.
func (s *LocationStore) Snapshot(ctx context.Context, driverID uint) (*models.DriverLocation, error) {
	var location models.DriverLocation
	if err := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&location).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &models.NotFoundError{Resource: "driver location"}
		}
		return nil, err
	}
	return &location, nil
}

// FindEligibleNearby returns drivers within radiusKm of the origin sorted
// by ascending distance, filtered to online, available, fresh, with a
// verified vehicle of sufficient capacity, a valid compliance document
// and an active subscription. A driver missing any of those joins is
// excluded, not defaulted.
func (s *LocationStore) FindEligibleNearby(ctx context.Context, lat, lng, radiusKm float64, limit, passengerCount int, vehicleTypeID uint) ([]Candidate, error) {
	if !utils.ValidCoordinates(lat, lng) {
		return nil, models.NewValidationError("coordinates out of range: (%f, %f)", lat, lng)
	}
	if limit <= 0 {
		limit = 10
	}
	if passengerCount <= 0 {
		passengerCount = 1
	}

	records, err := s.nearbyRecords(ctx, lat, lng, radiusKm)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	now := time.Now()
	ids := make([]uint, 0, len(records))
	for _, rec := range records {
		if rec.Matchable(now, s.heartbeatWindow) {
			ids = append(ids, rec.DriverID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vehicles, err := s.verifiedVehicles(ctx, ids)
	if err != nil {
		return nil, err
	}
	certified, err := s.certifiedDrivers(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	entitled, err := s.entitledDrivers(ctx, ids, now)
	if err != nil {
		return nil, err
	}

	var drivers []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&drivers).Error; err != nil {
		return nil, err
	}
	userByID := make(map[uint]models.User, len(drivers))
	for _, u := range drivers {
		userByID[u.ID] = u
	}

	candidates := make([]Candidate, 0, len(records))
	for _, rec := range records {
		if !rec.Matchable(now, s.heartbeatWindow) {
			continue
		}
		vehicle, ok := vehicles[rec.DriverID]
		if !ok || vehicle.Capacity < passengerCount {
			continue
		}
		if vehicleTypeID != 0 && vehicle.VehicleTypeID != vehicleTypeID {
			continue
		}
		if !certified[rec.DriverID] || !entitled[rec.DriverID] {
			continue
		}
		user := userByID[rec.DriverID]
		candidates = append(candidates, Candidate{
			DriverID:        rec.DriverID,
			Username:        user.Username,
			PhoneNumber:     user.PhoneNumber,
			FCMToken:        user.FCMToken,
			Latitude:        rec.Latitude,
			Longitude:       rec.Longitude,
			Heading:         rec.Heading,
			DistanceKm:      utils.HaversineDistance(lat, lng, rec.Latitude, rec.Longitude),
			VehicleCapacity: vehicle.Capacity,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// EligibleCandidate runs the full eligibility check for one driver, used
// when a passenger asks for a specific driver. Returns nil when the
// driver is offline, stale, busy or missing a vehicle, document or
// subscription. DistanceKm is measured to the given pickup point.
func (s *LocationStore) EligibleCandidate(ctx context.Context, driverID uint, pickupLat, pickupLng float64, passengerCount int) (*Candidate, error) {
	rec, err := s.Snapshot(ctx, driverID)
	if err != nil {
		if _, ok := err.(*models.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	if !rec.Matchable(now, s.heartbeatWindow) {
		return nil, nil
	}

	ids := []uint{driverID}
	vehicles, err := s.verifiedVehicles(ctx, ids)
	if err != nil {
		return nil, err
	}
	vehicle, ok := vehicles[driverID]
	if !ok || vehicle.Capacity < passengerCount {
		return nil, nil
	}
	certified, err := s.certifiedDrivers(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	entitled, err := s.entitledDrivers(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	if !certified[driverID] || !entitled[driverID] {
		return nil, nil
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, driverID).Error; err != nil {
		return nil, err
	}

	return &Candidate{
		DriverID:        driverID,
		Username:        user.Username,
		PhoneNumber:     user.PhoneNumber,
		FCMToken:        user.FCMToken,
		Latitude:        rec.Latitude,
		Longitude:       rec.Longitude,
		Heading:         rec.Heading,
		DistanceKm:      utils.HaversineDistance(pickupLat, pickupLng, rec.Latitude, rec.Longitude),
		VehicleCapacity: vehicle.Capacity,
	}, nil
}

// CountOnline counts matchable drivers, optionally bounded to a circle.
func (s *LocationStore) CountOnline(ctx context.Context, center *utils.Point, radiusKm float64) (int, error) {
	cutoff := time.Now().Add(-s.heartbeatWindow)

	var records []models.DriverLocation
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_available = ? AND last_seen >= ?", models.DriverStatusOnline, true, cutoff).
		Find(&records).Error
	if err != nil {
		return 0, err
	}

	if center == nil {
		return len(records), nil
	}

	count := 0
	for _, rec := range records {
		if utils.IsWithinRadius(center.Lat, center.Lng, rec.Latitude, rec.Longitude, radiusKm) {
			count++
		}
	}
	return count, nil
}

// SweepStale flips records older than the threshold to offline and
// unavailable. Idempotent; safe to run on a fixed interval.
func (s *LocationStore) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)

	var stale []models.DriverLocation
	err := s.db.WithContext(ctx).
		Where("last_seen < ? AND status <> ?", cutoff, models.DriverStatusOffline).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]uint, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.DriverID)
	}

	err = s.db.WithContext(ctx).Model(&models.DriverLocation{}).
		Where("driver_id IN ?", ids).
		Updates(map[string]interface{}{"status": models.DriverStatusOffline, "is_available": false}).Error
	if err != nil {
		return 0, err
	}

	if s.rdb != nil {
		for _, id := range ids {
			s.rdb.ZRem(ctx, s.geoKey, memberFor(id))
		}
	}
	return len(ids), nil
}

// nearbyRecords resolves candidate records inside the radius, using the
// Redis geo index when possible and falling back to a table scan with
// haversine filtering when Redis is unreachable.
func (s *LocationStore) nearbyRecords(ctx context.Context, lat, lng, radiusKm float64) ([]models.DriverLocation, error) {
	if s.rdb != nil {
		locs, err := s.rdb.GeoSearchLocation(ctx, s.geoKey, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  lng,
				Latitude:   lat,
				Radius:     radiusKm,
				RadiusUnit: "km",
				Sort:       "ASC",
			},
			WithCoord: true,
			WithDist:  true,
		}).Result()
		if err == nil {
			if len(locs) == 0 {
				return nil, nil
			}
			ids := make([]uint, 0, len(locs))
			for _, g := range locs {
				id, parseErr := strconv.ParseUint(g.Name, 10, 32)
				if parseErr != nil {
					continue
				}
				ids = append(ids, uint(id))
			}
			var records []models.DriverLocation
			if err := s.db.WithContext(ctx).Where("driver_id IN ?", ids).Find(&records).Error; err != nil {
				return nil, err
			}
			return records, nil
		}
		// fall through to the table scan on Redis errors
	}

	cutoff := time.Now().Add(-s.heartbeatWindow)
	var all []models.DriverLocation
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_available = ? AND last_seen >= ?", models.DriverStatusOnline, true, cutoff).
		Find(&all).Error
	if err != nil {
		return nil, err
	}

	records := make([]models.DriverLocation, 0, len(all))
	for _, rec := range all {
		if utils.IsWithinRadius(lat, lng, rec.Latitude, rec.Longitude, radiusKm) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *LocationStore) verifiedVehicles(ctx context.Context, driverIDs []uint) (map[uint]models.Vehicle, error) {
	var vehicles []models.Vehicle
	err := s.db.WithContext(ctx).
		Where("driver_id IN ? AND is_verified = ?", driverIDs, true).
		Find(&vehicles).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]models.Vehicle, len(vehicles))
	for _, v := range vehicles {
		out[v.DriverID] = v
	}
	return out, nil
}

func (s *LocationStore) certifiedDrivers(ctx context.Context, driverIDs []uint, now time.Time) (map[uint]bool, error) {
	var docs []models.DriverDocument
	err := s.db.WithContext(ctx).
		Where("driver_id IN ? AND expires_at > ?", driverIDs, now).
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]bool, len(docs))
	for _, d := range docs {
		out[d.DriverID] = true
	}
	return out, nil
}

func (s *LocationStore) entitledDrivers(ctx context.Context, driverIDs []uint, now time.Time) (map[uint]bool, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("driver_id IN ? AND is_active = ? AND expires_at > ?", driverIDs, true, now).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]bool, len(subs))
	for _, sub := range subs {
		out[sub.DriverID] = true
	}
	return out, nil
}

func (s *LocationStore) syncGeoIndex(ctx context.Context, location *models.DriverLocation) {
	if s.rdb == nil {
		return
	}
	member := memberFor(location.DriverID)
	if location.Status == models.DriverStatusOnline && location.IsAvailable {
		s.rdb.GeoAdd(ctx, s.geoKey, &redis.GeoLocation{
			Name:      member,
			Longitude: location.Longitude,
			Latitude:  location.Latitude,
		})
	} else {
		s.rdb.ZRem(ctx, s.geoKey, member)
	}
}

func memberFor(driverID uint) string {
	return fmt.Sprintf("%d", driverID)
}
