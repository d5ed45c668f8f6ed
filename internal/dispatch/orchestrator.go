package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/observability"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/pkg/utils"
)

// minScheduleLead is how far ahead a scheduled pickup must be booked, and
// the horizon at which the activator flips SCHEDULED rides into search.
const minScheduleLead = 15 * time.Minute

// scheduleClashWindow is the span around a requested pickup time inside
// which a passenger may hold only one scheduled ride.
const scheduleClashWindow = 30 * time.Minute

// RideStore is the persistence surface the orchestrator drives. All
// status mutations behind it are conditional writes.
type RideStore interface {
	Create(ctx context.Context, ride *models.Ride) error
	GetByID(ctx context.Context, rideID uint) (*models.Ride, error)
	ActiveForPassenger(ctx context.Context, passengerID uint) (*models.Ride, error)
	HasScheduledRideBetween(ctx context.Context, passengerID uint, from, to time.Time) (bool, error)
	ListDueScheduled(ctx context.Context, horizon time.Time) ([]models.Ride, error)
	AssignDriver(ctx context.Context, rideID, driverID uint) (*models.Ride, error)
	Transition(ctx context.Context, ride *models.Ride, to models.RideStatus, stamps map[string]interface{}) error
	CancelFromSearch(ctx context.Context, rideID uint, reason, actor string) (bool, error)
}

// LocationFinder answers eligibility and availability questions about
// drivers.
type LocationFinder interface {
	FindEligibleNearby(ctx context.Context, lat, lng, radiusKm float64, limit, passengerCount int, vehicleTypeID uint) ([]services.Candidate, error)
	EligibleCandidate(ctx context.Context, driverID uint, pickupLat, pickupLng float64, passengerCount int) (*services.Candidate, error)
	MarkBusy(ctx context.Context, driverID uint) error
	FreeDriver(ctx context.Context, driverID uint) error
}

// Relay is the short-lived offer and dispatch record store for clients
// that poll instead of holding a live connection.
type Relay interface {
	PutDispatch(ctx context.Context, pd services.PendingDispatch) error
	GetDispatch(ctx context.Context, rideID uint) (*services.PendingDispatch, error)
	ResolveDispatch(ctx context.Context, rideID uint, outcome services.DispatchOutcome) error
	DeleteDispatch(ctx context.Context, rideID uint)
	PushOffer(ctx context.Context, driverID uint, offer services.RideOffer) error
	RemoveOffer(ctx context.Context, driverID, rideID uint)
}

// Transport delivers events to live connections. Delivery is
// best-effort; the relay covers anyone not reachable here.
type Transport interface {
	SendRideOffer(driverID uint, offer services.RideOffer) bool
	SendRideStatusUpdate(role string, userID uint, update services.RideStatusUpdate) bool
	SendAreaBroadcast(role string, payload interface{})
}

// Config holds the matching parameters the orchestrator works with.
type Config struct {
	DispatchTimeout     time.Duration
	BroadcastRadiiKm    []float64
	MaxCandidates       int
	MaxPickupDistanceKm float64
	MinTripKm           float64
	MaxTripKm           float64
	Boundary            utils.ServiceBoundary
	Fare                utils.FareConfig
}

// Orchestrator owns the ride lifecycle: booking, driver search, the
// accept race and progression through to completion. It is the only
// writer of dispatch timers and relay records.
type Orchestrator struct {
	rides     RideStore
	locations LocationFinder
	relay     Relay
	transport Transport
	notifier  services.Notifier
	timers    *TimerRegistry
	cfg       Config
	logger    *slog.Logger
}

func NewOrchestrator(rides RideStore, locations LocationFinder, relay Relay, transport Transport, notifier services.Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if len(cfg.BroadcastRadiiKm) == 0 {
		cfg.BroadcastRadiiKm = []float64{2, 3, 4, 5, 6}
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		rides:     rides,
		locations: locations,
		relay:     relay,
		transport: transport,
		notifier:  notifier,
		timers:    NewTimerRegistry(),
		cfg:       cfg,
		logger:    logger,
	}
}

// PointInput is one end of a requested trip.
type PointInput struct {
	Lat      float64
	Lng      float64
	Address  string
	Landmark string
}

// BookRequest carries a validated-enough booking from the handler layer.
type BookRequest struct {
	Pickup            PointInput
	Dropoff           PointInput
	Kind              models.RideKind
	ScheduledAt       *time.Time
	PassengerCount    int
	PreferredDriverID uint
	VehicleTypeID     uint
}

// BookRide validates the request, persists the ride and starts the
// driver search. Scheduled rides are persisted and activated later by
// the scheduler loop.
func (o *Orchestrator) BookRide(ctx context.Context, passengerID uint, req BookRequest) (*models.Ride, error) {
	if !utils.ValidCoordinates(req.Pickup.Lat, req.Pickup.Lng) {
		return nil, models.NewValidationError("pickup coordinates out of range")
	}
	if !utils.ValidCoordinates(req.Dropoff.Lat, req.Dropoff.Lng) {
		return nil, models.NewValidationError("dropoff coordinates out of range")
	}
	if !o.cfg.Boundary.Contains(req.Pickup.Lat, req.Pickup.Lng) {
		return nil, models.NewValidationError("pickup is outside the service area")
	}
	if !o.cfg.Boundary.Contains(req.Dropoff.Lat, req.Dropoff.Lng) {
		return nil, models.NewValidationError("dropoff is outside the service area")
	}
	if req.Pickup.Address == "" || req.Dropoff.Address == "" {
		return nil, models.NewValidationError("pickup and dropoff addresses are required")
	}

	if req.PassengerCount <= 0 {
		req.PassengerCount = 1
	}
	if req.PassengerCount > 8 {
		return nil, models.NewValidationError("passenger count %d exceeds the maximum of 8", req.PassengerCount)
	}

	distanceKm := utils.HaversineDistance(req.Pickup.Lat, req.Pickup.Lng, req.Dropoff.Lat, req.Dropoff.Lng)
	if distanceKm < o.cfg.MinTripKm {
		return nil, models.NewValidationError("trip distance %.2f km is below the %.1f km minimum", distanceKm, o.cfg.MinTripKm)
	}
	if distanceKm > o.cfg.MaxTripKm {
		return nil, models.NewValidationError("trip distance %.2f km exceeds the %.0f km maximum", distanceKm, o.cfg.MaxTripKm)
	}

	if active, err := o.rides.ActiveForPassenger(ctx, passengerID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, models.NewConflictError("you already have an active ride (id %d)", active.ID)
	}

	// A scheduled pickup about to start (or inside its 15-minute grace
	// after start) blocks any new booking.
	now := time.Now()
	imminent, err := o.rides.HasScheduledRideBetween(ctx, passengerID,
		now.Add(-minScheduleLead), now.Add(scheduleClashWindow))
	if err != nil {
		return nil, err
	}
	if imminent {
		return nil, models.NewConflictError("you have a scheduled ride starting soon")
	}

	kind := req.Kind
	if kind == "" {
		kind = models.RideKindImmediate
	}
	status := models.RideStatusSearchingDriver
	if kind == models.RideKindScheduled {
		if req.ScheduledAt == nil {
			return nil, models.NewValidationError("scheduled rides require a pickup time")
		}
		if time.Until(*req.ScheduledAt) < minScheduleLead {
			return nil, models.NewValidationError("scheduled pickup must be at least %s from now", minScheduleLead)
		}
		clash, err := o.rides.HasScheduledRideBetween(ctx, passengerID,
			req.ScheduledAt.Add(-scheduleClashWindow), req.ScheduledAt.Add(scheduleClashWindow))
		if err != nil {
			return nil, err
		}
		if clash {
			return nil, models.NewConflictError("you already have a scheduled ride near that time")
		}
		status = models.RideStatusScheduled
	}

	estimate := utils.EstimateFare(o.cfg.Fare, distanceKm)

	ride := &models.Ride{
		PassengerID:     passengerID,
		PickupLat:       req.Pickup.Lat,
		PickupLng:       req.Pickup.Lng,
		PickupAddr:      req.Pickup.Address,
		PickupLandmark:  req.Pickup.Landmark,
		DropoffLat:      req.Dropoff.Lat,
		DropoffLng:      req.Dropoff.Lng,
		DropoffAddr:     req.Dropoff.Address,
		DropoffLandmark: req.Dropoff.Landmark,
		Kind:            kind,
		ScheduledAt:     req.ScheduledAt,
		PassengerCount:  req.PassengerCount,
		VehicleTypeID:   req.VehicleTypeID,
		Status:          status,
		FareEstimate:    estimate.TotalFare,
		DistanceKm:      estimate.DistanceKm,
		DurationMin:     estimate.DurationMin,
	}
	if err := o.rides.Create(ctx, ride); err != nil {
		return nil, err
	}

	o.logger.Info("ride booked",
		"rideId", ride.ID, "passengerId", passengerID,
		"kind", kind, "distanceKm", estimate.DistanceKm, "fare", estimate.TotalFare)

	if status == models.RideStatusScheduled {
		return ride, nil
	}

	o.startSearch(ctx, ride, req.PreferredDriverID)
	return ride, nil
}

// startSearch routes a searching ride to targeted or broadcast dispatch.
// The preferred driver is used only when they pass the full eligibility
// check and sit within pickup range; otherwise the search broadcasts.
func (o *Orchestrator) startSearch(ctx context.Context, ride *models.Ride, preferredDriverID uint) {
	if preferredDriverID != 0 {
		cand, err := o.locations.EligibleCandidate(ctx, preferredDriverID, ride.PickupLat, ride.PickupLng, ride.PassengerCount)
		if err != nil {
			o.logger.Error("preferred driver lookup failed", "rideId", ride.ID, "driverId", preferredDriverID, "error", err)
		}
		if cand != nil && cand.DistanceKm <= o.cfg.MaxPickupDistanceKm {
			o.dispatchTargeted(ctx, ride, *cand)
			return
		}
		o.logger.Info("preferred driver not eligible, broadcasting",
			"rideId", ride.ID, "driverId", preferredDriverID)
	}
	o.dispatchBroadcast(ctx, ride)
}

// dispatchTargeted offers the ride to a single driver and arms the
// acceptance timer. On expiry the search falls back to broadcast without
// surfacing an error to the passenger.
func (o *Orchestrator) dispatchTargeted(ctx context.Context, ride *models.Ride, cand services.Candidate) {
	if ride.Status == models.RideStatusSearchingDriver || ride.Status == models.RideStatusRejectedByDriver {
		if err := o.rides.Transition(ctx, ride, models.RideStatusPendingAcceptance, nil); err != nil {
			o.logger.Error("targeted dispatch transition failed", "rideId", ride.ID, "error", err)
			return
		}
	}

	expiresAt := time.Now().Add(o.cfg.DispatchTimeout)
	pd := services.PendingDispatch{
		RideID:         ride.ID,
		TargetDriverID: cand.DriverID,
		Outcome:        services.DispatchPending,
		CreatedAt:      time.Now(),
		ExpiresAt:      expiresAt,
	}
	if err := o.relay.PutDispatch(ctx, pd); err != nil {
		o.logger.Error("dispatch record write failed", "rideId", ride.ID, "error", err)
	}

	o.offerTo(ctx, ride, o.passengerName(ctx, ride), cand, expiresAt)
	observability.DispatchesTotal.WithLabelValues("targeted", "offered").Inc()
	o.logger.Info("targeted dispatch", "rideId", ride.ID, "driverId", cand.DriverID, "pickupKm", cand.DistanceKm)

	o.timers.Arm(ride.ID, o.cfg.DispatchTimeout, func() {
		o.handleDispatchTimeout(ride.ID)
	})
}

// dispatchBroadcast searches outward through the configured radii and
// offers the ride to the nearest candidates at the first radius that has
// any. Exhausting every radius cancels the ride.
func (o *Orchestrator) dispatchBroadcast(ctx context.Context, ride *models.Ride) {
	for _, radius := range o.cfg.BroadcastRadiiKm {
		cands, err := o.locations.FindEligibleNearby(ctx, ride.PickupLat, ride.PickupLng, radius,
			o.cfg.MaxCandidates, ride.PassengerCount, ride.VehicleTypeID)
		if err != nil {
			o.logger.Error("candidate search failed", "rideId", ride.ID, "radiusKm", radius, "error", err)
			continue
		}
		if len(cands) == 0 {
			continue
		}

		if ride.Status != models.RideStatusPendingAcceptance {
			if err := o.rides.Transition(ctx, ride, models.RideStatusPendingAcceptance, nil); err != nil {
				o.logger.Error("broadcast dispatch transition failed", "rideId", ride.ID, "error", err)
				return
			}
		}

		expiresAt := time.Now().Add(o.cfg.DispatchTimeout)
		ids := make([]uint, len(cands))
		for i, cand := range cands {
			ids[i] = cand.DriverID
		}
		pd := services.PendingDispatch{
			RideID:     ride.ID,
			Candidates: ids,
			Outcome:    services.DispatchPending,
			CreatedAt:  time.Now(),
			ExpiresAt:  expiresAt,
		}
		if err := o.relay.PutDispatch(ctx, pd); err != nil {
			o.logger.Error("dispatch record write failed", "rideId", ride.ID, "error", err)
		}

		// Resolve the passenger once here; the fan-out goroutines must
		// not all lazily load (and write) ride.Passenger.
		passengerName := o.passengerName(ctx, ride)
		for _, cand := range cands {
			go o.offerTo(context.Background(), ride, passengerName, cand, expiresAt)
		}

		observability.DispatchesTotal.WithLabelValues("broadcast", "offered").Inc()
		observability.BroadcastRadiusKm.Observe(radius)
		o.logger.Info("broadcast dispatch", "rideId", ride.ID, "radiusKm", radius, "candidates", len(ids))

		o.timers.Arm(ride.ID, o.cfg.DispatchTimeout, func() {
			o.handleDispatchTimeout(ride.ID)
		})
		return
	}

	o.failDispatch(ctx, ride)
}

// offerTo pushes one offer to a driver over every channel: the relay for
// pollers, the live connection, and a push notification.
func (o *Orchestrator) offerTo(ctx context.Context, ride *models.Ride, passengerName string, cand services.Candidate, expiresAt time.Time) {
	offer := services.RideOffer{
		RideID:           ride.ID,
		PassengerID:      ride.PassengerID,
		PassengerName:    passengerName,
		PickupLat:        ride.PickupLat,
		PickupLng:        ride.PickupLng,
		PickupAddr:       ride.PickupAddr,
		DropoffLat:       ride.DropoffLat,
		DropoffLng:       ride.DropoffLng,
		DropoffAddr:      ride.DropoffAddr,
		PassengerCount:   ride.PassengerCount,
		FareEstimate:     ride.FareEstimate,
		DistanceKm:       ride.DistanceKm,
		DurationMin:      ride.DurationMin,
		PickupDistanceKm: cand.DistanceKm,
		ExpiresAt:        expiresAt,
	}

	if err := o.relay.PushOffer(ctx, cand.DriverID, offer); err != nil {
		o.logger.Error("offer relay write failed", "rideId", ride.ID, "driverId", cand.DriverID, "error", err)
	}
	o.transport.SendRideOffer(cand.DriverID, offer)
	o.push(cand.FCMToken, "New ride request",
		fmt.Sprintf("Pickup %.1f km away at %s", cand.DistanceKm, ride.PickupAddr),
		map[string]string{"type": "ride_request", "rideId": fmt.Sprintf("%d", ride.ID)})
}

// handleDispatchTimeout fires when no driver answered in time. A
// targeted dispatch silently falls back to broadcast; an expired
// broadcast means the area is out of drivers and the ride is cancelled.
func (o *Orchestrator) handleDispatchTimeout(rideID uint) {
	ctx := context.Background()

	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil {
		o.logger.Error("timeout reload failed", "rideId", rideID, "error", err)
		return
	}
	if !ride.Status.Assignable() {
		return
	}

	pd, err := o.relay.GetDispatch(ctx, rideID)
	if err != nil {
		o.logger.Error("dispatch record read failed", "rideId", rideID, "error", err)
	}
	if err := o.relay.ResolveDispatch(ctx, rideID, services.DispatchExpired); err != nil {
		o.logger.Error("dispatch resolve failed", "rideId", rideID, "error", err)
	}

	if pd != nil && pd.Targeted() {
		o.relay.RemoveOffer(ctx, pd.TargetDriverID, rideID)
		observability.DispatchesTotal.WithLabelValues("targeted", "timeout").Inc()
		o.logger.Info("targeted dispatch timed out, broadcasting", "rideId", rideID, "driverId", pd.TargetDriverID)
		o.dispatchBroadcast(ctx, ride)
		return
	}

	if pd != nil {
		for _, driverID := range pd.Candidates {
			o.relay.RemoveOffer(ctx, driverID, rideID)
		}
	}
	observability.DispatchesTotal.WithLabelValues("broadcast", "timeout").Inc()
	o.failDispatch(ctx, ride)
}

// failDispatch ends the search with no driver found. The cancel is
// conditional, so a concurrent accept beats it cleanly.
func (o *Orchestrator) failDispatch(ctx context.Context, ride *models.Ride) {
	cancelled, err := o.rides.CancelFromSearch(ctx, ride.ID, models.CancelReasonNoDrivers, "system")
	if err != nil {
		o.logger.Error("search cancel failed", "rideId", ride.ID, "error", err)
		return
	}
	if !cancelled {
		return
	}

	o.timers.Cancel(ride.ID)
	o.relay.DeleteDispatch(ctx, ride.ID)
	observability.DispatchesTotal.WithLabelValues("broadcast", "exhausted").Inc()
	o.logger.Info("dispatch exhausted", "rideId", ride.ID)

	o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, services.RideStatusUpdate{
		RideID: ride.ID,
		Status: models.RideStatusCancelled,
		Reason: models.CancelReasonNoDrivers,
	})
	o.pushToPassenger(ctx, ride, "No drivers available",
		"We could not find a driver for your ride. Please try again.",
		map[string]string{"type": "ride_cancelled", "rideId": fmt.Sprintf("%d", ride.ID)})

	// Unserved demand signal, so busy drivers see where requests are going
	// unanswered.
	o.transport.SendAreaBroadcast(string(models.UserRoleDriver), map[string]interface{}{
		"event":     "unserved_request",
		"pickupLat": ride.PickupLat,
		"pickupLng": ride.PickupLng,
	})
}

// AcceptRide resolves the accept race through a conditional assignment.
// Exactly one driver wins; every loser gets a ConflictError.
func (o *Orchestrator) AcceptRide(ctx context.Context, driverID, rideID uint) (*models.Ride, error) {
	ride, err := o.rides.AssignDriver(ctx, rideID, driverID)
	if err != nil {
		o.relay.RemoveOffer(ctx, driverID, rideID)
		return nil, err
	}

	o.timers.Cancel(rideID)
	if err := o.relay.ResolveDispatch(ctx, rideID, services.DispatchAccepted); err != nil {
		o.logger.Error("dispatch resolve failed", "rideId", rideID, "error", err)
	}

	pd, _ := o.relay.GetDispatch(ctx, rideID)
	if pd != nil {
		o.relay.RemoveOffer(ctx, pd.TargetDriverID, rideID)
		for _, candidateID := range pd.Candidates {
			o.relay.RemoveOffer(ctx, candidateID, rideID)
			if candidateID != driverID {
				o.transport.SendRideStatusUpdate(string(models.UserRoleDriver), candidateID, services.RideStatusUpdate{
					RideID: rideID,
					Status: models.RideStatusDriverAccepted,
					Reason: "ride was taken by another driver",
				})
			}
		}
	}

	if err := o.locations.MarkBusy(ctx, driverID); err != nil {
		o.logger.Error("mark busy failed", "driverId", driverID, "error", err)
	}

	mode := "broadcast"
	if pd != nil && pd.Targeted() {
		mode = "targeted"
	}
	observability.DispatchesTotal.WithLabelValues(mode, "accepted").Inc()
	observability.DispatchLatency.Observe(time.Since(ride.CreatedAt).Seconds())
	o.logger.Info("ride accepted", "rideId", rideID, "driverId", driverID)

	o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, services.RideStatusUpdate{
		RideID:   rideID,
		Status:   models.RideStatusDriverAccepted,
		DriverID: driverID,
	})
	o.pushToPassenger(ctx, ride, "Driver found",
		"A driver accepted your ride and is on the way.",
		map[string]string{"type": "driver_accepted", "rideId": fmt.Sprintf("%d", rideID)})

	return ride, nil
}

// RejectRide records a driver's refusal. Rejecting a targeted dispatch
// immediately falls back to broadcast; in a broadcast the driver is just
// dropped from the candidate set.
func (o *Orchestrator) RejectRide(ctx context.Context, driverID, rideID uint) error {
	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil {
		return err
	}
	if !ride.Status.Assignable() {
		return models.NewConflictError("ride is no longer open for responses")
	}

	o.relay.RemoveOffer(ctx, driverID, rideID)

	pd, err := o.relay.GetDispatch(ctx, rideID)
	if err != nil {
		o.logger.Error("dispatch record read failed", "rideId", rideID, "error", err)
	}
	if pd == nil {
		return nil
	}

	if pd.Targeted() {
		if pd.TargetDriverID != driverID {
			return models.NewConflictError("ride was not offered to you")
		}
		o.timers.Cancel(rideID)
		if err := o.relay.ResolveDispatch(ctx, rideID, services.DispatchRejected); err != nil {
			o.logger.Error("dispatch resolve failed", "rideId", rideID, "error", err)
		}
		observability.DispatchesTotal.WithLabelValues("targeted", "rejected").Inc()
		o.logger.Info("targeted dispatch rejected, broadcasting", "rideId", rideID, "driverId", driverID)

		if err := o.rides.Transition(ctx, ride, models.RideStatusRejectedByDriver, nil); err != nil {
			o.logger.Error("reject transition failed", "rideId", rideID, "error", err)
			return nil
		}
		o.dispatchBroadcast(ctx, ride)
		return nil
	}

	remaining := make([]uint, 0, len(pd.Candidates))
	for _, candidateID := range pd.Candidates {
		if candidateID != driverID {
			remaining = append(remaining, candidateID)
		}
	}
	if len(remaining) == 0 {
		o.timers.Cancel(rideID)
		if err := o.relay.ResolveDispatch(ctx, rideID, services.DispatchRejected); err != nil {
			o.logger.Error("dispatch resolve failed", "rideId", rideID, "error", err)
		}
		observability.DispatchesTotal.WithLabelValues("broadcast", "rejected").Inc()
		o.failDispatch(ctx, ride)
		return nil
	}
	pd.Candidates = remaining
	if err := o.relay.PutDispatch(ctx, *pd); err != nil {
		o.logger.Error("dispatch record write failed", "rideId", rideID, "error", err)
	}
	return nil
}

// CancelRide cancels on behalf of the passenger, the assigned driver or
// the system. Terminal rides refuse with a StateError.
func (o *Orchestrator) CancelRide(ctx context.Context, rideID uint, actorRole string, actorID uint, reason string) (*models.Ride, error) {
	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}

	switch actorRole {
	case string(models.UserRolePassenger):
		if ride.PassengerID != actorID {
			return nil, &models.NotFoundError{Resource: "ride"}
		}
	case string(models.UserRoleDriver):
		if ride.DriverID == nil || *ride.DriverID != actorID {
			return nil, &models.NotFoundError{Resource: "ride"}
		}
	}

	now := time.Now()
	err = o.rides.Transition(ctx, ride, models.RideStatusCancelled, map[string]interface{}{
		"cancelled_at":  now,
		"cancel_reason": reason,
		"cancelled_by":  actorRole,
	})
	if err != nil {
		return nil, err
	}

	o.timers.Cancel(rideID)
	pd, _ := o.relay.GetDispatch(ctx, rideID)
	if pd != nil {
		if pd.TargetDriverID != 0 {
			o.relay.RemoveOffer(ctx, pd.TargetDriverID, rideID)
		}
		for _, candidateID := range pd.Candidates {
			o.relay.RemoveOffer(ctx, candidateID, rideID)
		}
	}
	o.relay.DeleteDispatch(ctx, rideID)

	if ride.DriverID != nil {
		if err := o.locations.FreeDriver(ctx, *ride.DriverID); err != nil {
			o.logger.Error("free driver failed", "driverId", *ride.DriverID, "error", err)
		}
	}

	o.logger.Info("ride cancelled", "rideId", rideID, "by", actorRole, "reason", reason)

	update := services.RideStatusUpdate{RideID: rideID, Status: models.RideStatusCancelled, Reason: reason}
	if actorRole != string(models.UserRolePassenger) {
		o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, update)
		o.pushToPassenger(ctx, ride, "Ride cancelled", "Your ride was cancelled.",
			map[string]string{"type": "ride_cancelled", "rideId": fmt.Sprintf("%d", rideID)})
	}
	if actorRole != string(models.UserRoleDriver) && ride.DriverID != nil {
		o.transport.SendRideStatusUpdate(string(models.UserRoleDriver), *ride.DriverID, update)
	}

	return ride, nil
}

// progressStamps maps a forward status to the columns it stamps.
func progressStamps(to models.RideStatus, now time.Time) map[string]interface{} {
	if to == models.RideStatusStarted {
		return map[string]interface{}{"started_at": now}
	}
	return nil
}

// AdvanceRide moves an assigned ride one step forward: at pickup, picked
// up, started, reached destination. Completion has its own path because
// it settles the fare.
func (o *Orchestrator) AdvanceRide(ctx context.Context, driverID, rideID uint, to models.RideStatus) (*models.Ride, error) {
	switch to {
	case models.RideStatusDriverAtPickup, models.RideStatusPassengerPickedUp,
		models.RideStatusStarted, models.RideStatusReachedDest:
	default:
		return nil, models.NewValidationError("unsupported ride progression %q", to)
	}

	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, models.NewConflictError("ride is assigned to another driver")
	}

	if err := o.rides.Transition(ctx, ride, to, progressStamps(to, time.Now())); err != nil {
		return nil, err
	}

	o.logger.Info("ride advanced", "rideId", rideID, "status", to)
	o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, services.RideStatusUpdate{
		RideID:   rideID,
		Status:   to,
		DriverID: driverID,
	})
	if to == models.RideStatusDriverAtPickup {
		o.pushToPassenger(ctx, ride, "Driver arrived", "Your driver is at the pickup location.",
			map[string]string{"type": "driver_arrived", "rideId": fmt.Sprintf("%d", rideID)})
	}

	return ride, nil
}

// CompleteRide settles the ride. The final fare defaults to the estimate
// when the driver app does not report a metered amount, and the driver
// returns to the matchable pool.
func (o *Orchestrator) CompleteRide(ctx context.Context, driverID, rideID uint, actualFare *float64) (*models.Ride, error) {
	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, models.NewConflictError("ride is assigned to another driver")
	}

	finalFare := ride.FareEstimate
	if actualFare != nil && *actualFare > 0 {
		finalFare = *actualFare
	}

	now := time.Now()
	err = o.rides.Transition(ctx, ride, models.RideStatusCompleted, map[string]interface{}{
		"completed_at": now,
		"final_fare":   finalFare,
	})
	if err != nil {
		return nil, err
	}
	ride.FinalFare = &finalFare
	ride.CompletedAt = &now

	if err := o.locations.FreeDriver(ctx, driverID); err != nil {
		o.logger.Error("free driver failed", "driverId", driverID, "error", err)
	}

	o.logger.Info("ride completed", "rideId", rideID, "driverId", driverID, "fare", finalFare)
	o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, services.RideStatusUpdate{
		RideID:   rideID,
		Status:   models.RideStatusCompleted,
		DriverID: driverID,
		Extra:    map[string]any{"finalFare": finalFare},
	})
	o.pushToPassenger(ctx, ride, "Ride completed",
		fmt.Sprintf("Thanks for riding. Fare: %.2f", finalFare),
		map[string]string{"type": "ride_completed", "rideId": fmt.Sprintf("%d", rideID)})

	return ride, nil
}

// ActivateScheduled flips one due scheduled ride into the driver search.
func (o *Orchestrator) ActivateScheduled(ctx context.Context, ride *models.Ride) error {
	if err := o.rides.Transition(ctx, ride, models.RideStatusSearchingDriver, nil); err != nil {
		return err
	}
	o.logger.Info("scheduled ride activated", "rideId", ride.ID, "scheduledAt", ride.ScheduledAt)
	o.transport.SendRideStatusUpdate(string(models.UserRolePassenger), ride.PassengerID, services.RideStatusUpdate{
		RideID: ride.ID,
		Status: models.RideStatusSearchingDriver,
	})
	o.dispatchBroadcast(ctx, ride)
	return nil
}

// RunScheduler activates scheduled rides as their pickup window opens.
// It returns when the context is cancelled.
func (o *Orchestrator) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := o.rides.ListDueScheduled(ctx, time.Now().Add(minScheduleLead))
			if err != nil {
				o.logger.Error("scheduled ride scan failed", "error", err)
				continue
			}
			for i := range due {
				if err := o.ActivateScheduled(ctx, &due[i]); err != nil {
					o.logger.Error("scheduled ride activation failed", "rideId", due[i].ID, "error", err)
				}
			}
		}
	}
}

func (o *Orchestrator) passengerName(ctx context.Context, ride *models.Ride) string {
	if ride.Passenger != nil {
		return ride.Passenger.Username
	}
	loaded, err := o.rides.GetByID(ctx, ride.ID)
	if err != nil || loaded.Passenger == nil {
		return ""
	}
	ride.Passenger = loaded.Passenger
	return loaded.Passenger.Username
}

func (o *Orchestrator) push(token, title, body string, data map[string]string) {
	if o.notifier == nil || token == "" {
		return
	}
	go func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := o.notifier.Notify(pushCtx, token, title, body, data); err != nil {
			o.logger.Error("push notification failed", "error", err)
		}
	}()
}

func (o *Orchestrator) pushToPassenger(ctx context.Context, ride *models.Ride, title, body string, data map[string]string) {
	if ride.Passenger == nil {
		loaded, err := o.rides.GetByID(ctx, ride.ID)
		if err != nil {
			return
		}
		ride.Passenger = loaded.Passenger
	}
	if ride.Passenger != nil {
		o.push(ride.Passenger.FCMToken, title, body, data)
	}
}
