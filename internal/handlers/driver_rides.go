package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/velocab/dispatch-backend/internal/dispatch"
	"github.com/velocab/dispatch-backend/internal/models"
)

func driverAndRide(c *gin.Context) (uint, uint, bool) {
	driverID := c.GetUint("userId")
	if c.GetString("role") != string(models.UserRoleDriver) {
		c.JSON(403, gin.H{"error": "Only drivers can manage rides"})
		return 0, 0, false
	}
	rideID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid ride ID"})
		return 0, 0, false
	}
	return driverID, uint(rideID), true
}

// AcceptRide claims a ride for the calling driver. Exactly one driver
// wins a contested ride; the rest get a 409.
func AcceptRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID, rideID, ok := driverAndRide(c)
		if !ok {
			return
		}

		ride, err := orc.AcceptRide(c.Request.Context(), driverID, rideID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Ride accepted successfully", "ride": ride})
	}
}

// RejectRide declines an offered ride.
func RejectRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID, rideID, ok := driverAndRide(c)
		if !ok {
			return
		}

		if err := orc.RejectRide(c.Request.Context(), driverID, rideID); err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Ride rejected"})
	}
}

func advance(orc *dispatch.Orchestrator, to models.RideStatus, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID, rideID, ok := driverAndRide(c)
		if !ok {
			return
		}

		ride, err := orc.AdvanceRide(c.Request.Context(), driverID, rideID, to)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": message, "ride": ride})
	}
}

// MarkArrived records arrival at the pickup point.
func MarkArrived(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return advance(orc, models.RideStatusDriverAtPickup, "Arrival recorded")
}

// MarkPickedUp records that the passenger is on board.
func MarkPickedUp(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return advance(orc, models.RideStatusPassengerPickedUp, "Pickup recorded")
}

// StartRide begins the trip.
func StartRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return advance(orc, models.RideStatusStarted, "Ride started")
}

// MarkReachedDestination records arrival at the dropoff point.
func MarkReachedDestination(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return advance(orc, models.RideStatusReachedDest, "Destination recorded")
}

// CompleteRide finishes the trip and settles the fare.
func CompleteRide(orc *dispatch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID, rideID, ok := driverAndRide(c)
		if !ok {
			return
		}

		var input struct {
			FinalFare *float64 `json:"finalFare"`
		}
		c.ShouldBindJSON(&input) // fare override is optional

		ride, err := orc.CompleteRide(c.Request.Context(), driverID, rideID, input.FinalFare)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Ride completed successfully", "ride": ride})
	}
}
