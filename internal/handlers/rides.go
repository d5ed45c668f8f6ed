package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velocab/dispatch-backend/internal/config"
	"github.com/velocab/dispatch-backend/internal/dispatch"
	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/internal/store"
	"github.com/velocab/dispatch-backend/pkg/utils"
)

type BookRideInput struct {
	PickupLat       float64    `json:"pickupLat" binding:"required"`
	PickupLng       float64    `json:"pickupLng" binding:"required"`
	PickupAddress   string     `json:"pickupAddress" binding:"required"`
	PickupLandmark  string     `json:"pickupLandmark"`
	DropoffLat      float64    `json:"dropoffLat" binding:"required"`
	DropoffLng      float64    `json:"dropoffLng" binding:"required"`
	DropoffAddress  string     `json:"dropoffAddress" binding:"required"`
	DropoffLandmark string     `json:"dropoffLandmark"`
	Kind            string     `json:"kind" binding:"omitempty,oneof=immediate scheduled"`
	ScheduledAt     *time.Time `json:"scheduledAt"`
	PassengerCount  int        `json:"passengerCount"`
	PreferredDriver uint       `json:"preferredDriverId"`
	VehicleTypeID   uint       `json:"vehicleTypeId"`
}

// BookRide creates a ride and starts the driver search.
func BookRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		passengerID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRolePassenger) {
			c.JSON(403, gin.H{"error": "Only passengers can book rides"})
			return
		}

		var input BookRideInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		ride, err := orc.BookRide(c.Request.Context(), passengerID, dispatch.BookRequest{
			Pickup: dispatch.PointInput{
				Lat:      input.PickupLat,
				Lng:      input.PickupLng,
				Address:  input.PickupAddress,
				Landmark: input.PickupLandmark,
			},
			Dropoff: dispatch.PointInput{
				Lat:      input.DropoffLat,
				Lng:      input.DropoffLng,
				Address:  input.DropoffAddress,
				Landmark: input.DropoffLandmark,
			},
			Kind:              models.RideKind(input.Kind),
			ScheduledAt:       input.ScheduledAt,
			PassengerCount:    input.PassengerCount,
			PreferredDriverID: input.PreferredDriver,
			VehicleTypeID:     input.VehicleTypeID,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(201, gin.H{"ride": ride})
	}
}

// GetCurrentRide returns the caller's active ride, if any.
func GetCurrentRide(rides *store.RideStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		role := c.GetString("role")

		var ride *models.Ride
		var err error
		if role == string(models.UserRoleDriver) {
			ride, err = rides.ActiveForDriver(c.Request.Context(), userID)
		} else {
			ride, err = rides.ActiveForPassenger(c.Request.Context(), userID)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		if ride == nil {
			c.JSON(404, gin.H{"error": "No active ride"})
			return
		}

		c.JSON(200, gin.H{"ride": ride})
	}
}

// GetRideByID returns one ride, visible only to its parties.
func GetRideByID(rides *store.RideStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")

		rideID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		ride, err := rides.GetByID(c.Request.Context(), uint(rideID))
		if err != nil {
			respondError(c, err)
			return
		}

		if ride.PassengerID != userID && (ride.DriverID == nil || *ride.DriverID != userID) {
			c.JSON(404, gin.H{"error": "ride not found"})
			return
		}

		c.JSON(200, gin.H{"ride": ride})
	}
}

// GetRideHistory pages through the caller's finished rides.
func GetRideHistory(rides *store.RideStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		role := c.GetString("role")

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		history, total, err := rides.HistoryForUser(c.Request.Context(), userID, role, page, limit)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{
			"rides": history,
			"total": total,
			"page":  page,
			"limit": limit,
		})
	}
}

// CancelRide cancels the caller's ride.
func CancelRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		role := c.GetString("role")

		rideID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		var input struct {
			Reason string `json:"reason"`
		}
		c.ShouldBindJSON(&input) // reason is optional

		ride, err := orc.CancelRide(c.Request.Context(), uint(rideID), role, userID, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Ride cancelled successfully", "ride": ride})
	}
}

// UpdateRide patches the free-text details of a non-terminal ride.
func UpdateRide(rides *store.RideStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")

		rideID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		ride, err := rides.GetByID(c.Request.Context(), uint(rideID))
		if err != nil {
			respondError(c, err)
			return
		}
		if ride.PassengerID != userID {
			c.JSON(404, gin.H{"error": "ride not found"})
			return
		}

		var input struct {
			PickupAddress   *string `json:"pickupAddress"`
			PickupLandmark  *string `json:"pickupLandmark"`
			DropoffAddress  *string `json:"dropoffAddress"`
			DropoffLandmark *string `json:"dropoffLandmark"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		updates := map[string]interface{}{}
		if input.PickupAddress != nil {
			updates["pickup_addr"] = *input.PickupAddress
		}
		if input.PickupLandmark != nil {
			updates["pickup_landmark"] = *input.PickupLandmark
		}
		if input.DropoffAddress != nil {
			updates["dropoff_addr"] = *input.DropoffAddress
		}
		if input.DropoffLandmark != nil {
			updates["dropoff_landmark"] = *input.DropoffLandmark
		}
		if len(updates) == 0 {
			c.JSON(400, gin.H{"error": "No updatable fields provided"})
			return
		}

		updated, err := rides.UpdateDetails(c.Request.Context(), uint(rideID), updates)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"ride": updated})
	}
}

// RateRide records the passenger's post-trip rating.
func RateRide(rides *store.RideStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRolePassenger) {
			c.JSON(403, gin.H{"error": "Only passengers can rate rides"})
			return
		}

		rideID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		var input struct {
			Rating  float64 `json:"rating" binding:"required,min=1,max=5"`
			Comment string  `json:"comment"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		ride, err := rides.GetByID(c.Request.Context(), uint(rideID))
		if err != nil {
			respondError(c, err)
			return
		}
		if ride.PassengerID != userID {
			c.JSON(404, gin.H{"error": "ride not found"})
			return
		}
		if ride.DriverID == nil {
			c.JSON(409, gin.H{"error": "Ride has no driver to rate"})
			return
		}

		rating := models.RideRating{
			RideID:      uint(rideID),
			PassengerID: userID,
			DriverID:    *ride.DriverID,
			Rating:      input.Rating,
			Comment:     input.Comment,
		}
		if err := rides.SaveRating(c.Request.Context(), &rating); err != nil {
			respondError(c, err)
			return
		}

		c.JSON(201, gin.H{"rating": rating})
	}
}

// EstimateFare quotes a trip without creating a ride.
func EstimateFare(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		pickupLat, err1 := strconv.ParseFloat(c.Query("pickupLat"), 64)
		pickupLng, err2 := strconv.ParseFloat(c.Query("pickupLng"), 64)
		dropoffLat, err3 := strconv.ParseFloat(c.Query("dropoffLat"), 64)
		dropoffLng, err4 := strconv.ParseFloat(c.Query("dropoffLng"), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			c.JSON(400, gin.H{"error": "pickupLat, pickupLng, dropoffLat and dropoffLng are required"})
			return
		}

		if !utils.ValidCoordinates(pickupLat, pickupLng) || !utils.ValidCoordinates(dropoffLat, dropoffLng) {
			c.JSON(400, gin.H{"error": "Coordinates out of range"})
			return
		}

		distanceKm := utils.HaversineDistance(pickupLat, pickupLng, dropoffLat, dropoffLng)
		if distanceKm < cfg.MinTripKm || distanceKm > cfg.MaxTripKm {
			c.JSON(400, gin.H{"error": "Trip distance outside the supported range"})
			return
		}

		estimate := utils.EstimateFare(cfg.Fare, distanceKm)
		c.JSON(200, gin.H{"estimate": estimate})
	}
}

// GetNearbyDrivers lists matchable drivers around a point.
func GetNearbyDrivers(locations *services.LocationStore, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
		lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
		if err1 != nil || err2 != nil {
			c.JSON(400, gin.H{"error": "lat and lng are required"})
			return
		}
		radius, err := strconv.ParseFloat(c.DefaultQuery("radius", "5"), 64)
		if err != nil || radius <= 0 {
			c.JSON(400, gin.H{"error": "Invalid radius"})
			return
		}

		candidates, err := locations.FindEligibleNearby(c.Request.Context(), lat, lng, radius, 20, 1, 0)
		if err != nil {
			respondError(c, err)
			return
		}

		drivers := make([]gin.H, 0, len(candidates))
		for _, cand := range candidates {
			drivers = append(drivers, gin.H{
				"id":       cand.DriverID,
				"name":     cand.Username,
				"location": gin.H{"lat": cand.Latitude, "lng": cand.Longitude, "heading": cand.Heading},
				"distance": cand.DistanceKm,
				"eta":      utils.CalculateETA(cand.DistanceKm, cfg.Fare.AverageSpeedKmh),
				"capacity": cand.VehicleCapacity,
			})
		}

		c.JSON(200, gin.H{"drivers": drivers, "count": len(drivers)})
	}
}

// GetOnlineDriversCount reports how many drivers are matchable,
// optionally inside a circle around a point.
func GetOnlineDriversCount(locations *services.LocationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var center *utils.Point
		radius := 0.0

		if latStr, lngStr := c.Query("lat"), c.Query("lng"); latStr != "" && lngStr != "" {
			lat, err1 := strconv.ParseFloat(latStr, 64)
			lng, err2 := strconv.ParseFloat(lngStr, 64)
			r, err3 := strconv.ParseFloat(c.DefaultQuery("radius", "5"), 64)
			if err1 != nil || err2 != nil || err3 != nil {
				c.JSON(400, gin.H{"error": "Invalid coordinates"})
				return
			}
			center = &utils.Point{Lat: lat, Lng: lng}
			radius = r
		}

		count, err := locations.CountOnline(c.Request.Context(), center, radius)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"count": count})
	}
}
