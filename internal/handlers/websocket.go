package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velocab/dispatch-backend/internal/dispatch"
	"github.com/velocab/dispatch-backend/internal/ingest"
	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/internal/store"
)

// HandleWebSocket upgrades an authenticated request into a live
// connection.
func HandleWebSocket(hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		role := c.GetString("role")
		services.HandleWebSocket(hub, c.Writer, c.Request, userID, role)
	}
}

// RegisterHubHandlers wires the inbound WebSocket message table to the
// dispatch layer so connected clients can do everything the REST
// endpoints do without leaving the socket.
func RegisterHubHandlers(hub *services.Hub, orc *dispatch.Orchestrator, locations *services.LocationStore, rides *store.RideStore, relay *services.RelayStore, producer *ingest.LocationProducer) {
	hub.Handle(services.EventDriverLocationUpdate, func(client *services.Client, data json.RawMessage) {
		if client.Role != string(models.UserRoleDriver) {
			client.SendError("only drivers can send location updates")
			return
		}

		var input LocationUpdateInput
		if err := json.Unmarshal(data, &input); err != nil {
			client.SendError("malformed location update")
			return
		}
		if input.Status == "" {
			input.Status = models.DriverStatusOnline
		}

		ctx := context.Background()
		location, err := locations.Upsert(ctx, client.ID, input.Lat, input.Lng, input.Status, services.UpsertOptions{
			Heading:  input.Heading,
			Speed:    input.Speed,
			Accuracy: input.Accuracy,
		})
		if err != nil {
			client.SendError(err.Error())
			return
		}

		if ride, err := rides.ActiveForDriver(ctx, client.ID); err == nil && ride != nil {
			hub.RelayDriverLocation(ride.PassengerID, services.DriverLocationUpdate{
				DriverID: client.ID,
				RideID:   ride.ID,
				Lat:      input.Lat,
				Lng:      input.Lng,
				Heading:  input.Heading,
			})
		}

		producer.Publish(ctx, ingest.LocationEvent{
			DriverID:  client.ID,
			Latitude:  input.Lat,
			Longitude: input.Lng,
			Heading:   input.Heading,
			Speed:     input.Speed,
			Status:    location.Status,
			Timestamp: time.Now(),
		})
	})

	hub.Handle(services.EventDriverResponse, func(client *services.Client, data json.RawMessage) {
		if client.Role != string(models.UserRoleDriver) {
			client.SendError("only drivers can respond to ride requests")
			return
		}

		var input struct {
			RideID   uint `json:"rideId"`
			Accepted bool `json:"accepted"`
		}
		if err := json.Unmarshal(data, &input); err != nil || input.RideID == 0 {
			client.SendError("malformed driver response")
			return
		}

		ctx := context.Background()
		if input.Accepted {
			ride, err := orc.AcceptRide(ctx, client.ID, input.RideID)
			if err != nil {
				client.SendError(err.Error())
				return
			}
			hub.SendRideStatusUpdate(client.Role, client.ID, services.RideStatusUpdate{
				RideID:   ride.ID,
				Status:   ride.Status,
				DriverID: client.ID,
			})
			return
		}
		if err := orc.RejectRide(ctx, client.ID, input.RideID); err != nil {
			client.SendError(err.Error())
		}
	})

	hub.Handle(services.EventCancelRide, func(client *services.Client, data json.RawMessage) {
		var input struct {
			RideID uint   `json:"rideId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &input); err != nil || input.RideID == 0 {
			client.SendError("malformed cancel request")
			return
		}

		if _, err := orc.CancelRide(context.Background(), input.RideID, client.Role, client.ID, input.Reason); err != nil {
			client.SendError(err.Error())
		}
	})

	hub.Handle(services.EventGetPendingRequests, func(client *services.Client, data json.RawMessage) {
		if client.Role != string(models.UserRoleDriver) {
			client.SendError("only drivers have pending requests")
			return
		}

		offers, err := relay.ListOffers(context.Background(), client.ID)
		if err != nil {
			client.SendError("could not load pending requests")
			return
		}
		hub.SendEvent(client.Role, client.ID, services.EventPendingRequests, gin.H{
			"requests": offers,
			"count":    len(offers),
		})
	})
}
