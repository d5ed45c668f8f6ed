package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velocab/dispatch-backend/internal/ingest"
	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/internal/store"
)

type LocationUpdateInput struct {
	Lat      float64 `json:"lat" binding:"required"`
	Lng      float64 `json:"lng" binding:"required"`
	Heading  float64 `json:"heading"`
	Speed    float64 `json:"speed"`
	Accuracy float64 `json:"accuracy"`
	Status   string  `json:"status" binding:"omitempty,oneof=offline online busy"`
}

// UpdateDriverLocation handles driver heartbeat updates. The position is
// written to the location store, relayed to the passenger of the
// driver's active ride, and published to the location stream.
func UpdateDriverLocation(locations *services.LocationStore, rides *store.RideStore, hub *services.Hub, producer *ingest.LocationProducer) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRoleDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can update location"})
			return
		}

		var input LocationUpdateInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if input.Status == "" {
			input.Status = models.DriverStatusOnline
		}

		location, err := locations.Upsert(c.Request.Context(), driverID, input.Lat, input.Lng, input.Status, services.UpsertOptions{
			Heading:  input.Heading,
			Speed:    input.Speed,
			Accuracy: input.Accuracy,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		// Stream the position to the passenger of the active ride, if any.
		if ride, err := rides.ActiveForDriver(c.Request.Context(), driverID); err == nil && ride != nil {
			hub.RelayDriverLocation(ride.PassengerID, services.DriverLocationUpdate{
				DriverID: driverID,
				RideID:   ride.ID,
				Lat:      input.Lat,
				Lng:      input.Lng,
				Heading:  input.Heading,
			})
		}

		producer.Publish(c.Request.Context(), ingest.LocationEvent{
			DriverID:  driverID,
			Latitude:  input.Lat,
			Longitude: input.Lng,
			Heading:   input.Heading,
			Speed:     input.Speed,
			Status:    location.Status,
			Timestamp: time.Now(),
		})

		c.JSON(200, gin.H{
			"message": "Location updated successfully",
			"location": gin.H{
				"lat":         location.Latitude,
				"lng":         location.Longitude,
				"heading":     location.Heading,
				"status":      location.Status,
				"isAvailable": location.IsAvailable,
			},
		})
	}
}

// UpdateDriverAvailability toggles whether the driver accepts offers.
func UpdateDriverAvailability(locations *services.LocationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRoleDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can update availability"})
			return
		}

		var input struct {
			IsAvailable *bool `json:"isAvailable"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if input.IsAvailable == nil {
			c.JSON(400, gin.H{"error": "isAvailable field is required"})
			return
		}

		location, err := locations.SetAvailability(c.Request.Context(), driverID, *input.IsAvailable)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{
			"message":     "Availability updated successfully",
			"isAvailable": location.IsAvailable,
		})
	}
}

// GetDriverStatus returns the driver's own presence record.
func GetDriverStatus(locations *services.LocationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRoleDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can check status"})
			return
		}

		location, err := locations.Snapshot(c.Request.Context(), driverID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{
			"driverId":    driverID,
			"status":      location.Status,
			"isAvailable": location.IsAvailable,
			"location": gin.H{
				"lat":     location.Latitude,
				"lng":     location.Longitude,
				"heading": location.Heading,
			},
			"lastSeen": location.LastSeen,
		})
	}
}

// GetPendingRequests lets a polling driver fetch offers they may have
// missed while disconnected.
func GetPendingRequests(relay *services.RelayStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID := c.GetUint("userId")
		if c.GetString("role") != string(models.UserRoleDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can fetch pending requests"})
			return
		}

		offers, err := relay.ListOffers(c.Request.Context(), driverID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"requests": offers, "count": len(offers)})
	}
}
