package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/pkg/utils"
)

// --- fakes -----------------------------------------------------------------

type fakeRideStore struct {
	mu     sync.Mutex
	rides  map[uint]*models.Ride
	nextID uint
}

func newFakeRideStore() *fakeRideStore {
	return &fakeRideStore{rides: make(map[uint]*models.Ride)}
}

func clone(r *models.Ride) *models.Ride {
	c := *r
	return &c
}

func (f *fakeRideStore) Create(ctx context.Context, ride *models.Ride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ride.ID = f.nextID
	ride.CreatedAt = time.Now()
	f.rides[ride.ID] = clone(ride)
	return nil
}

func (f *fakeRideStore) GetByID(ctx context.Context, rideID uint) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rides[rideID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "ride"}
	}
	return clone(stored), nil
}

func (f *fakeRideStore) ActiveForPassenger(ctx context.Context, passengerID uint) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rides {
		if r.PassengerID == passengerID && !r.Status.IsTerminal() && r.Status != models.RideStatusScheduled {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (f *fakeRideStore) HasScheduledRideBetween(ctx context.Context, passengerID uint, from, to time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rides {
		if r.PassengerID == passengerID && r.Status == models.RideStatusScheduled &&
			r.ScheduledAt != nil && !r.ScheduledAt.Before(from) && !r.ScheduledAt.After(to) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRideStore) ListDueScheduled(ctx context.Context, horizon time.Time) ([]models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.Ride
	for _, r := range f.rides {
		if r.Status == models.RideStatusScheduled && r.ScheduledAt != nil && !r.ScheduledAt.After(horizon) {
			due = append(due, *clone(r))
		}
	}
	return due, nil
}

func (f *fakeRideStore) AssignDriver(ctx context.Context, rideID, driverID uint) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rides[rideID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "ride"}
	}
	if !stored.Status.Assignable() {
		return nil, models.NewConflictError("ride is no longer available")
	}
	now := time.Now()
	id := driverID
	stored.DriverID = &id
	stored.Status = models.RideStatusDriverAccepted
	stored.AssignedAt = &now
	return clone(stored), nil
}

func (f *fakeRideStore) Transition(ctx context.Context, ride *models.Ride, to models.RideStatus, stamps map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rides[ride.ID]
	if !ok {
		return &models.NotFoundError{Resource: "ride"}
	}
	if !ride.Status.CanTransitionTo(to) {
		return &models.StateError{From: ride.Status, To: to}
	}
	if stored.Status != ride.Status {
		return models.NewConflictError("ride status changed concurrently")
	}
	stored.Status = to
	if reason, ok := stamps["cancel_reason"].(string); ok {
		stored.CancelReason = reason
	}
	if fare, ok := stamps["final_fare"].(float64); ok {
		stored.FinalFare = &fare
	}
	ride.Status = to
	return nil
}

func (f *fakeRideStore) CancelFromSearch(ctx context.Context, rideID uint, reason, actor string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rides[rideID]
	if !ok {
		return false, nil
	}
	if !stored.Status.Assignable() && stored.Status != models.RideStatusRejectedByDriver {
		return false, nil
	}
	now := time.Now()
	stored.Status = models.RideStatusCancelled
	stored.CancelledAt = &now
	stored.CancelReason = reason
	stored.CancelledBy = actor
	return true, nil
}

func (f *fakeRideStore) get(rideID uint) *models.Ride {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.rides[rideID])
}

func (f *fakeRideStore) put(ride *models.Ride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ride.ID == 0 {
		f.nextID++
		ride.ID = f.nextID
	}
	if ride.CreatedAt.IsZero() {
		ride.CreatedAt = time.Now()
	}
	f.rides[ride.ID] = clone(ride)
}

type fakeLocations struct {
	mu           sync.Mutex
	byRadius     map[float64][]services.Candidate
	eligible     map[uint]*services.Candidate
	queried      []float64
	vehicleTypes []uint
	busy         []uint
	freed        []uint
}

func newFakeLocations() *fakeLocations {
	return &fakeLocations{
		byRadius: make(map[float64][]services.Candidate),
		eligible: make(map[uint]*services.Candidate),
	}
}

func (f *fakeLocations) FindEligibleNearby(ctx context.Context, lat, lng, radiusKm float64, limit, passengerCount int, vehicleTypeID uint) ([]services.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, radiusKm)
	f.vehicleTypes = append(f.vehicleTypes, vehicleTypeID)
	cands := f.byRadius[radiusKm]
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

func (f *fakeLocations) EligibleCandidate(ctx context.Context, driverID uint, pickupLat, pickupLng float64, passengerCount int) (*services.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligible[driverID], nil
}

func (f *fakeLocations) MarkBusy(ctx context.Context, driverID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = append(f.busy, driverID)
	return nil
}

func (f *fakeLocations) FreeDriver(ctx context.Context, driverID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed = append(f.freed, driverID)
	return nil
}

func (f *fakeLocations) radiiQueried() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.queried...)
}

func (f *fakeLocations) vehicleTypesQueried() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.vehicleTypes...)
}

func (f *fakeLocations) freedDrivers() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.freed...)
}

type fakeRelay struct {
	mu         sync.Mutex
	dispatches map[uint]services.PendingDispatch
	offers     map[uint]map[uint]services.RideOffer // driverID -> rideID -> offer
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		dispatches: make(map[uint]services.PendingDispatch),
		offers:     make(map[uint]map[uint]services.RideOffer),
	}
}

func (f *fakeRelay) PutDispatch(ctx context.Context, pd services.PendingDispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches[pd.RideID] = pd
	return nil
}

func (f *fakeRelay) GetDispatch(ctx context.Context, rideID uint) (*services.PendingDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pd, ok := f.dispatches[rideID]
	if !ok {
		return nil, nil
	}
	return &pd, nil
}

func (f *fakeRelay) ResolveDispatch(ctx context.Context, rideID uint, outcome services.DispatchOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pd, ok := f.dispatches[rideID]; ok {
		pd.Outcome = outcome
		f.dispatches[rideID] = pd
	}
	return nil
}

func (f *fakeRelay) DeleteDispatch(ctx context.Context, rideID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dispatches, rideID)
}

func (f *fakeRelay) PushOffer(ctx context.Context, driverID uint, offer services.RideOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offers[driverID] == nil {
		f.offers[driverID] = make(map[uint]services.RideOffer)
	}
	f.offers[driverID][offer.RideID] = offer
	return nil
}

func (f *fakeRelay) RemoveOffer(ctx context.Context, driverID, rideID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.offers[driverID], rideID)
}

func (f *fakeRelay) offerCount(driverID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers[driverID])
}

type sentOffer struct {
	driverID uint
	offer    services.RideOffer
}

type sentUpdate struct {
	role   string
	userID uint
	update services.RideStatusUpdate
}

type fakeTransport struct {
	mu         sync.Mutex
	offers     []sentOffer
	updates    []sentUpdate
	broadcasts []string
}

func (f *fakeTransport) SendRideOffer(driverID uint, offer services.RideOffer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sentOffer{driverID: driverID, offer: offer})
	return true
}

func (f *fakeTransport) SendRideStatusUpdate(role string, userID uint, update services.RideStatusUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, sentUpdate{role: role, userID: userID, update: update})
	return true
}

func (f *fakeTransport) SendAreaBroadcast(role string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, role)
}

func (f *fakeTransport) sentOffers() []sentOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentOffer(nil), f.offers...)
}

func (f *fakeTransport) sentUpdates() []sentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentUpdate(nil), f.updates...)
}

// --- harness ---------------------------------------------------------------

type testEnv struct {
	rides     *fakeRideStore
	locations *fakeLocations
	relay     *fakeRelay
	transport *fakeTransport
	orc       *Orchestrator
}

func newTestEnv(timeout time.Duration) *testEnv {
	env := &testEnv{
		rides:     newFakeRideStore(),
		locations: newFakeLocations(),
		relay:     newFakeRelay(),
		transport: &fakeTransport{},
	}
	env.orc = NewOrchestrator(env.rides, env.locations, env.relay, env.transport, nil, Config{
		DispatchTimeout:     timeout,
		BroadcastRadiiKm:    []float64{2, 3, 4},
		MaxCandidates:       5,
		MaxPickupDistanceKm: 20,
		MinTripKm:           0.5,
		MaxTripKm:           100,
	}, nil)
	return env
}

func validBooking() BookRequest {
	return BookRequest{
		Pickup:  PointInput{Lat: 3.1390, Lng: 101.6869, Address: "Jalan Alor 12"},
		Dropoff: PointInput{Lat: 3.2000, Lng: 101.7500, Address: "Jalan Ampang 99"},
	}
}

func candidate(driverID uint) services.Candidate {
	return services.Candidate{
		DriverID:        driverID,
		Username:        "driver",
		Latitude:        3.14,
		Longitude:       101.69,
		DistanceKm:      1.2,
		VehicleCapacity: 4,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- tests -----------------------------------------------------------------

func TestBookRideValidation(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*BookRequest)
	}{
		{"bad pickup latitude", func(r *BookRequest) { r.Pickup.Lat = 91 }},
		{"bad dropoff longitude", func(r *BookRequest) { r.Dropoff.Lng = -200 }},
		{"missing address", func(r *BookRequest) { r.Pickup.Address = "" }},
		{"trip too short", func(r *BookRequest) { r.Dropoff = r.Pickup; r.Dropoff.Address = "next door" }},
		{"trip too long", func(r *BookRequest) { r.Dropoff.Lat = 13.75; r.Dropoff.Lng = 100.50 }},
		{"too many passengers", func(r *BookRequest) { r.PassengerCount = 9 }},
		{"scheduled without time", func(r *BookRequest) { r.Kind = models.RideKindScheduled }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validBooking()
			tt.mutate(&req)
			_, err := env.orc.BookRide(ctx, 1, req)
			var vErr *models.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("BookRide() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestBookRideRejectsSecondActiveRide(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	if _, err := env.orc.BookRide(ctx, 1, validBooking()); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}

	_, err := env.orc.BookRide(ctx, 1, validBooking())
	var cErr *models.ConflictError
	if !errors.As(err, &cErr) {
		t.Errorf("second booking error = %v, want ConflictError", err)
	}
}

func TestBookRideBroadcastStopsAtFirstPopulatedRadius(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[4] = []services.Candidate{candidate(10), candidate(11)}
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	queried := env.locations.radiiQueried()
	want := []float64{2, 3, 4}
	if len(queried) != len(want) {
		t.Fatalf("queried radii %v, want %v", queried, want)
	}
	for i := range want {
		if queried[i] != want[i] {
			t.Fatalf("queried radii %v, want %v", queried, want)
		}
	}

	if env.rides.get(ride.ID).Status != models.RideStatusPendingAcceptance {
		t.Errorf("ride status = %s, want %s", env.rides.get(ride.ID).Status, models.RideStatusPendingAcceptance)
	}

	pd, _ := env.relay.GetDispatch(ctx, ride.ID)
	if pd == nil || len(pd.Candidates) != 2 {
		t.Fatalf("dispatch record = %+v, want 2 candidates", pd)
	}

	waitFor(t, func() bool { return len(env.transport.sentOffers()) == 2 },
		"offers were not sent to both candidates")
}

func TestBookRideExhaustionCancels(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	stored := env.rides.get(ride.ID)
	if stored.Status != models.RideStatusCancelled {
		t.Fatalf("ride status = %s, want %s", stored.Status, models.RideStatusCancelled)
	}
	if stored.CancelReason != models.CancelReasonNoDrivers {
		t.Errorf("cancel reason = %q, want %q", stored.CancelReason, models.CancelReasonNoDrivers)
	}

	updates := env.transport.sentUpdates()
	if len(updates) != 1 || updates[0].userID != 1 || updates[0].update.Reason != models.CancelReasonNoDrivers {
		t.Errorf("passenger was not told the search failed: %+v", updates)
	}

	env.transport.mu.Lock()
	broadcasts := append([]string(nil), env.transport.broadcasts...)
	env.transport.mu.Unlock()
	if len(broadcasts) != 1 || broadcasts[0] != string(models.UserRoleDriver) {
		t.Errorf("area broadcasts = %v, want one to drivers", broadcasts)
	}
}

func TestBookRideTargetedDispatch(t *testing.T) {
	env := newTestEnv(time.Minute)
	cand := candidate(42)
	env.locations.eligible[42] = &cand
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	pd, _ := env.relay.GetDispatch(ctx, ride.ID)
	if pd == nil || !pd.Targeted() || pd.TargetDriverID != 42 {
		t.Fatalf("dispatch record = %+v, want targeted at driver 42", pd)
	}
	if len(env.locations.radiiQueried()) != 0 {
		t.Error("targeted dispatch should not run the radius search")
	}

	offers := env.transport.sentOffers()
	if len(offers) != 1 || offers[0].driverID != 42 {
		t.Fatalf("offers = %+v, want exactly one to driver 42", offers)
	}
}

func TestBookRidePreferredDriverIneligibleFallsBack(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42 // not in the eligible map
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	pd, _ := env.relay.GetDispatch(ctx, ride.ID)
	if pd == nil || pd.Targeted() {
		t.Fatalf("dispatch record = %+v, want broadcast", pd)
	}
}

func TestAcceptRideRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10), candidate(11)}
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, driverID := range []uint{10, 11} {
		wg.Add(1)
		go func(i int, driverID uint) {
			defer wg.Done()
			_, results[i] = env.orc.AcceptRide(ctx, driverID, ride.ID)
		}(i, driverID)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var cErr *models.ConflictError
		if errors.As(err, &cErr) {
			conflicts++
		} else {
			t.Errorf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d, want exactly one of each", wins, conflicts)
	}

	stored := env.rides.get(ride.ID)
	if stored.Status != models.RideStatusDriverAccepted || stored.DriverID == nil {
		t.Fatalf("ride = %+v, want DRIVER_ACCEPTED with a driver", stored)
	}
}

func TestAcceptClearsOffersAndNotifies(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10), candidate(11)}
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}
	waitFor(t, func() bool {
		return env.relay.offerCount(10) == 1 && env.relay.offerCount(11) == 1
	}, "offers were not relayed")

	if _, err := env.orc.AcceptRide(ctx, 10, ride.ID); err != nil {
		t.Fatalf("AcceptRide() error = %v", err)
	}

	if env.relay.offerCount(10) != 0 || env.relay.offerCount(11) != 0 {
		t.Error("relay offers were not cleared after accept")
	}

	var passengerTold, loserTold bool
	for _, u := range env.transport.sentUpdates() {
		if u.role == string(models.UserRolePassenger) && u.userID == 1 && u.update.Status == models.RideStatusDriverAccepted {
			passengerTold = true
		}
		if u.role == string(models.UserRoleDriver) && u.userID == 11 {
			loserTold = true
		}
	}
	if !passengerTold {
		t.Error("passenger was not notified of the accept")
	}
	if !loserTold {
		t.Error("losing candidate was not notified")
	}

	env.locations.mu.Lock()
	busy := append([]uint(nil), env.locations.busy...)
	env.locations.mu.Unlock()
	if len(busy) != 1 || busy[0] != 10 {
		t.Errorf("busy drivers = %v, want [10]", busy)
	}
}

func TestTargetedTimeoutFallsBackToBroadcast(t *testing.T) {
	env := newTestEnv(40 * time.Millisecond)
	cand := candidate(42)
	env.locations.eligible[42] = &cand
	env.locations.byRadius[3] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	waitFor(t, func() bool {
		pd, _ := env.relay.GetDispatch(ctx, ride.ID)
		return pd != nil && !pd.Targeted() && len(pd.Candidates) == 1
	}, "targeted timeout did not fall back to broadcast")

	stored := env.rides.get(ride.ID)
	if stored.Status != models.RideStatusPendingAcceptance {
		t.Errorf("ride status = %s, want %s", stored.Status, models.RideStatusPendingAcceptance)
	}
	// The passenger is never told about the internal fallback.
	for _, u := range env.transport.sentUpdates() {
		if u.role == string(models.UserRolePassenger) {
			t.Errorf("passenger saw an update during fallback: %+v", u)
		}
	}
}

func TestBroadcastTimeoutCancels(t *testing.T) {
	env := newTestEnv(40 * time.Millisecond)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	waitFor(t, func() bool {
		return env.rides.get(ride.ID).Status == models.RideStatusCancelled
	}, "unanswered broadcast was not cancelled")

	stored := env.rides.get(ride.ID)
	if stored.CancelReason != models.CancelReasonNoDrivers {
		t.Errorf("cancel reason = %q, want %q", stored.CancelReason, models.CancelReasonNoDrivers)
	}
}

func TestRejectTargetedFallsBackToBroadcast(t *testing.T) {
	env := newTestEnv(time.Minute)
	cand := candidate(42)
	env.locations.eligible[42] = &cand
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	if err := env.orc.RejectRide(ctx, 42, ride.ID); err != nil {
		t.Fatalf("RejectRide() error = %v", err)
	}

	pd, _ := env.relay.GetDispatch(ctx, ride.ID)
	if pd == nil || pd.Targeted() || len(pd.Candidates) != 1 || pd.Candidates[0] != 10 {
		t.Fatalf("dispatch record = %+v, want broadcast to driver 10", pd)
	}
	if env.rides.get(ride.ID).Status != models.RideStatusPendingAcceptance {
		t.Errorf("ride status = %s, want %s", env.rides.get(ride.ID).Status, models.RideStatusPendingAcceptance)
	}
}

func TestRejectLastBroadcastCandidateCancels(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	ride, err := env.orc.BookRide(ctx, 1, validBooking())
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	if err := env.orc.RejectRide(ctx, 10, ride.ID); err != nil {
		t.Fatalf("RejectRide() error = %v", err)
	}

	stored := env.rides.get(ride.ID)
	if stored.Status != models.RideStatusCancelled || stored.CancelReason != models.CancelReasonNoDrivers {
		t.Errorf("ride = %+v, want cancelled with no-drivers reason", stored)
	}
}

func TestRejectTargetedWithNoFallbackCandidatesCancels(t *testing.T) {
	env := newTestEnv(time.Minute)
	cand := candidate(42)
	env.locations.eligible[42] = &cand
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	// No candidates at any radius: the fallback broadcast must still
	// cancel the ride even though the rejection already moved it out of
	// the assignable statuses.
	if err := env.orc.RejectRide(ctx, 42, ride.ID); err != nil {
		t.Fatalf("RejectRide() error = %v", err)
	}

	stored := env.rides.get(ride.ID)
	if stored.Status != models.RideStatusCancelled {
		t.Fatalf("ride status = %s, want %s", stored.Status, models.RideStatusCancelled)
	}
	if stored.CancelReason != models.CancelReasonNoDrivers {
		t.Errorf("cancel reason = %q, want %q", stored.CancelReason, models.CancelReasonNoDrivers)
	}

	// The passenger is free to book again.
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	if _, err := env.orc.BookRide(ctx, 1, validBooking()); err != nil {
		t.Errorf("rebooking after failed search error = %v, want nil", err)
	}
}

func TestRejectTargetedFallbackKeepsVehicleType(t *testing.T) {
	env := newTestEnv(time.Minute)
	cand := candidate(42)
	env.locations.eligible[42] = &cand
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	req := validBooking()
	req.PreferredDriverID = 42
	req.VehicleTypeID = 7
	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}

	if err := env.orc.RejectRide(ctx, 42, ride.ID); err != nil {
		t.Fatalf("RejectRide() error = %v", err)
	}

	types := env.locations.vehicleTypesQueried()
	if len(types) == 0 {
		t.Fatal("fallback broadcast ran no candidate search")
	}
	for _, vt := range types {
		if vt != 7 {
			t.Fatalf("candidate search vehicle types = %v, want all 7", types)
		}
	}
}

func TestBookRideEnforcesServiceBoundary(t *testing.T) {
	ctx := context.Background()

	newBoundedEnv := func() *testEnv {
		env := newTestEnv(time.Minute)
		env.locations.byRadius[2] = []services.Candidate{candidate(10)}
		env.orc.cfg.Boundary = utils.ServiceBoundary{CenterLat: 3.1390, CenterLng: 101.6869, RadiusKm: 5}
		return env
	}

	t.Run("dropoff outside", func(t *testing.T) {
		env := newBoundedEnv()
		req := validBooking() // dropoff sits ~9.7 km from the center
		_, err := env.orc.BookRide(ctx, 1, req)
		var vErr *models.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("BookRide() error = %v, want ValidationError", err)
		}
	})

	t.Run("pickup outside", func(t *testing.T) {
		env := newBoundedEnv()
		req := validBooking()
		req.Pickup.Lat = 3.30
		req.Dropoff.Lat = 3.1600
		req.Dropoff.Lng = 101.6869
		_, err := env.orc.BookRide(ctx, 1, req)
		var vErr *models.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("BookRide() error = %v, want ValidationError", err)
		}
	})

	t.Run("both inside", func(t *testing.T) {
		env := newBoundedEnv()
		req := validBooking()
		req.Dropoff.Lat = 3.1600
		req.Dropoff.Lng = 101.6869
		if _, err := env.orc.BookRide(ctx, 1, req); err != nil {
			t.Errorf("BookRide() error = %v, want nil", err)
		}
	})
}

func TestBookRideRejectsWhenScheduledRideImminent(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	soon := time.Now().Add(20 * time.Minute)
	env.rides.put(&models.Ride{
		PassengerID: 1,
		Status:      models.RideStatusScheduled,
		ScheduledAt: &soon,
	})

	_, err := env.orc.BookRide(ctx, 1, validBooking())
	var cErr *models.ConflictError
	if !errors.As(err, &cErr) {
		t.Errorf("booking with a scheduled pickup 20m out error = %v, want ConflictError", err)
	}

	// A scheduled ride hours away does not block riding now.
	later := time.Now().Add(3 * time.Hour)
	env.rides.put(&models.Ride{
		PassengerID: 2,
		Status:      models.RideStatusScheduled,
		ScheduledAt: &later,
	})
	if _, err := env.orc.BookRide(ctx, 2, validBooking()); err != nil {
		t.Errorf("booking with a distant scheduled ride error = %v, want nil", err)
	}
}

func TestBroadcastOffersCarryPassengerName(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10), candidate(11)}
	ctx := context.Background()

	ride := &models.Ride{
		PassengerID: 1,
		Passenger:   &models.User{Username: "aisha"},
		Status:      models.RideStatusSearchingDriver,
		PickupLat:   3.1390,
		PickupLng:   101.6869,
	}
	env.rides.put(ride)

	env.orc.dispatchBroadcast(ctx, ride)

	waitFor(t, func() bool { return len(env.transport.sentOffers()) == 2 },
		"both candidates should receive an offer")
	for _, sent := range env.transport.sentOffers() {
		if sent.offer.PassengerName != "aisha" {
			t.Fatalf("offer to driver %d has passenger name %q, want %q",
				sent.driverID, sent.offer.PassengerName, "aisha")
		}
	}
}

func TestCancelRideByPassengerFreesDriver(t *testing.T) {
	env := newTestEnv(time.Minute)
	driverID := uint(10)
	env.rides.put(&models.Ride{
		PassengerID: 1,
		DriverID:    &driverID,
		Status:      models.RideStatusDriverAccepted,
	})
	ctx := context.Background()

	ride, err := env.orc.CancelRide(ctx, 1, string(models.UserRolePassenger), 1, "changed my mind")
	if err != nil {
		t.Fatalf("CancelRide() error = %v", err)
	}
	if ride.Status != models.RideStatusCancelled {
		t.Errorf("ride status = %s, want %s", ride.Status, models.RideStatusCancelled)
	}

	if freed := env.locations.freedDrivers(); len(freed) != 1 || freed[0] != driverID {
		t.Errorf("freed drivers = %v, want [%d]", freed, driverID)
	}

	var driverTold bool
	for _, u := range env.transport.sentUpdates() {
		if u.role == string(models.UserRoleDriver) && u.userID == driverID {
			driverTold = true
		}
	}
	if !driverTold {
		t.Error("driver was not notified of the cancellation")
	}
}

func TestCancelRideWrongPassenger(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.rides.put(&models.Ride{PassengerID: 1, Status: models.RideStatusSearchingDriver})
	ctx := context.Background()

	_, err := env.orc.CancelRide(ctx, 1, string(models.UserRolePassenger), 2, "")
	var nfErr *models.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Errorf("CancelRide() error = %v, want NotFoundError", err)
	}
}

func TestCancelCompletedRideFails(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.rides.put(&models.Ride{PassengerID: 1, Status: models.RideStatusCompleted})
	ctx := context.Background()

	_, err := env.orc.CancelRide(ctx, 1, string(models.UserRolePassenger), 1, "")
	var sErr *models.StateError
	if !errors.As(err, &sErr) {
		t.Errorf("CancelRide() error = %v, want StateError", err)
	}
}

func TestAdvanceRideEnforcesDriverAndOrder(t *testing.T) {
	env := newTestEnv(time.Minute)
	driverID := uint(10)
	env.rides.put(&models.Ride{
		PassengerID: 1,
		DriverID:    &driverID,
		Status:      models.RideStatusDriverAccepted,
	})
	ctx := context.Background()

	if _, err := env.orc.AdvanceRide(ctx, 99, 1, models.RideStatusDriverAtPickup); err == nil {
		t.Error("a different driver advanced the ride")
	}

	ride, err := env.orc.AdvanceRide(ctx, driverID, 1, models.RideStatusDriverAtPickup)
	if err != nil {
		t.Fatalf("AdvanceRide() error = %v", err)
	}
	if ride.Status != models.RideStatusDriverAtPickup {
		t.Errorf("ride status = %s, want %s", ride.Status, models.RideStatusDriverAtPickup)
	}

	// Skipping straight to completion from DRIVER_AT_PICKUPLOCATION is
	// not a legal progression target for AdvanceRide.
	_, err = env.orc.AdvanceRide(ctx, driverID, 1, models.RideStatusCompleted)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("AdvanceRide(completed) error = %v, want ValidationError", err)
	}

	// Going backwards is an illegal transition.
	_, err = env.orc.AdvanceRide(ctx, driverID, 1, models.RideStatusDriverAtPickup)
	var sErr *models.StateError
	if !errors.As(err, &sErr) {
		t.Errorf("repeat advance error = %v, want StateError", err)
	}
}

func TestCompleteRideSettlesFareAndFreesDriver(t *testing.T) {
	env := newTestEnv(time.Minute)
	driverID := uint(10)
	env.rides.put(&models.Ride{
		PassengerID:  1,
		DriverID:     &driverID,
		Status:       models.RideStatusStarted,
		FareEstimate: 20.50,
	})
	ctx := context.Background()

	ride, err := env.orc.CompleteRide(ctx, driverID, 1, nil)
	if err != nil {
		t.Fatalf("CompleteRide() error = %v", err)
	}
	if ride.Status != models.RideStatusCompleted {
		t.Errorf("ride status = %s, want %s", ride.Status, models.RideStatusCompleted)
	}
	if ride.FinalFare == nil || *ride.FinalFare != 20.50 {
		t.Errorf("final fare = %v, want the 20.50 estimate", ride.FinalFare)
	}

	if freed := env.locations.freedDrivers(); len(freed) != 1 || freed[0] != driverID {
		t.Errorf("freed drivers = %v, want [%d]", freed, driverID)
	}
}

func TestCompleteRideWithMeteredFare(t *testing.T) {
	env := newTestEnv(time.Minute)
	driverID := uint(10)
	env.rides.put(&models.Ride{
		PassengerID:  1,
		DriverID:     &driverID,
		Status:       models.RideStatusReachedDest,
		FareEstimate: 20.50,
	})
	ctx := context.Background()

	metered := 23.75
	ride, err := env.orc.CompleteRide(ctx, driverID, 1, &metered)
	if err != nil {
		t.Fatalf("CompleteRide() error = %v", err)
	}
	if ride.FinalFare == nil || *ride.FinalFare != metered {
		t.Errorf("final fare = %v, want %f", ride.FinalFare, metered)
	}
}

func TestScheduledRideBookingAndActivation(t *testing.T) {
	env := newTestEnv(time.Minute)
	env.locations.byRadius[2] = []services.Candidate{candidate(10)}
	ctx := context.Background()

	pickupAt := time.Now().Add(time.Hour)
	req := validBooking()
	req.Kind = models.RideKindScheduled
	req.ScheduledAt = &pickupAt

	ride, err := env.orc.BookRide(ctx, 1, req)
	if err != nil {
		t.Fatalf("BookRide() error = %v", err)
	}
	if ride.Status != models.RideStatusScheduled {
		t.Fatalf("ride status = %s, want %s", ride.Status, models.RideStatusScheduled)
	}
	if len(env.locations.radiiQueried()) != 0 {
		t.Error("scheduled booking must not search for drivers immediately")
	}

	// A second scheduled ride inside the clash window is refused.
	clashAt := pickupAt.Add(10 * time.Minute)
	clashReq := validBooking()
	clashReq.Kind = models.RideKindScheduled
	clashReq.ScheduledAt = &clashAt
	_, err = env.orc.BookRide(ctx, 1, clashReq)
	var cErr *models.ConflictError
	if !errors.As(err, &cErr) {
		t.Errorf("clashing scheduled booking error = %v, want ConflictError", err)
	}

	stored := env.rides.get(ride.ID)
	if err := env.orc.ActivateScheduled(ctx, stored); err != nil {
		t.Fatalf("ActivateScheduled() error = %v", err)
	}
	if env.rides.get(ride.ID).Status != models.RideStatusPendingAcceptance {
		t.Errorf("activated ride status = %s, want %s",
			env.rides.get(ride.ID).Status, models.RideStatusPendingAcceptance)
	}
}
