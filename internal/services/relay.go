package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchOutcome tracks how an in-flight dispatch resolved.
type DispatchOutcome string

const (
	DispatchPending  DispatchOutcome = "pending"
	DispatchAccepted DispatchOutcome = "accepted"
	DispatchRejected DispatchOutcome = "rejected"
	DispatchExpired  DispatchOutcome = "expired"
)

// PendingDispatch is the transient record of an in-flight dispatch.
// TargetDriverID is set for targeted dispatch; Candidates for broadcast.
// It is advisory only: Ride.Status stays the source of truth.
type PendingDispatch struct {
	RideID         uint            `json:"rideId"`
	TargetDriverID uint            `json:"targetDriverId,omitempty"`
	Candidates     []uint          `json:"candidates,omitempty"`
	Outcome        DispatchOutcome `json:"outcome"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// Targeted reports whether this dispatch went to a single chosen driver.
func (p PendingDispatch) Targeted() bool {
	return p.TargetDriverID != 0
}

// RideOffer is the payload pushed to a driver when a ride is offered,
// both over the live connection and into the polling relay.
type RideOffer struct {
	RideID           uint      `json:"rideId"`
	PassengerID      uint      `json:"passengerId"`
	PassengerName    string    `json:"passengerName"`
	PickupLat        float64   `json:"pickupLat"`
	PickupLng        float64   `json:"pickupLng"`
	PickupAddr       string    `json:"pickupAddress"`
	DropoffLat       float64   `json:"dropoffLat"`
	DropoffLng       float64   `json:"dropoffLng"`
	DropoffAddr      string    `json:"dropoffAddress"`
	PassengerCount   int       `json:"passengerCount"`
	FareEstimate     float64   `json:"fareEstimate"`
	DistanceKm       float64   `json:"distance"`
	DurationMin      int       `json:"duration"`
	PickupDistanceKm float64   `json:"pickupDistance"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// RelayStore holds short-lived dispatch records and per-driver offers in
// Redis with a TTL, serving clients that poll instead of holding a live
// connection. Entries are written by the orchestrator only and deleted on
// resolution or expiry; it is a fallback channel, not a durable queue.
type RelayStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRelayStore(rdb *redis.Client, ttl time.Duration) *RelayStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RelayStore{rdb: rdb, ttl: ttl}
}

// TTL exposes the configured relay entry lifetime.
func (r *RelayStore) TTL() time.Duration {
	return r.ttl
}

func dispatchKey(rideID uint) string {
	return fmt.Sprintf("dispatch:ride:%d", rideID)
}

func offerKey(driverID, rideID uint) string {
	return fmt.Sprintf("offer:driver:%d:%d", driverID, rideID)
}

// PutDispatch records an in-flight dispatch, replacing any previous one
// for the same ride.
func (r *RelayStore) PutDispatch(ctx context.Context, pd PendingDispatch) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(pd)
	if err != nil {
		return err
	}
	ttl := time.Until(pd.ExpiresAt)
	if ttl <= 0 {
		ttl = r.ttl
	}
	return r.rdb.Set(ctx, dispatchKey(pd.RideID), data, ttl).Err()
}

// GetDispatch returns the in-flight dispatch for a ride, if any.
func (r *RelayStore) GetDispatch(ctx context.Context, rideID uint) (*PendingDispatch, error) {
	if r.rdb == nil {
		return nil, nil
	}
	data, err := r.rdb.Get(ctx, dispatchKey(rideID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pd PendingDispatch
	if err := json.Unmarshal([]byte(data), &pd); err != nil {
		return nil, err
	}
	return &pd, nil
}

// ResolveDispatch stamps the outcome and lets the record age out on a
// short TTL so late pollers still see how it ended.
func (r *RelayStore) ResolveDispatch(ctx context.Context, rideID uint, outcome DispatchOutcome) error {
	if r.rdb == nil {
		return nil
	}
	pd, err := r.GetDispatch(ctx, rideID)
	if err != nil || pd == nil {
		return err
	}
	pd.Outcome = outcome
	data, err := json.Marshal(pd)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, dispatchKey(rideID), data, r.ttl).Err()
}

// DeleteDispatch drops the record outright.
func (r *RelayStore) DeleteDispatch(ctx context.Context, rideID uint) {
	if r.rdb == nil {
		return
	}
	r.rdb.Del(ctx, dispatchKey(rideID))
}

// PushOffer stores an offer for a polling driver.
func (r *RelayStore) PushOffer(ctx context.Context, driverID uint, offer RideOffer) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	ttl := time.Until(offer.ExpiresAt)
	if ttl <= 0 {
		ttl = r.ttl
	}
	return r.rdb.Set(ctx, offerKey(driverID, offer.RideID), data, ttl).Err()
}

// ListOffers returns the offers currently pending for a driver.
func (r *RelayStore) ListOffers(ctx context.Context, driverID uint) ([]RideOffer, error) {
	if r.rdb == nil {
		return nil, nil
	}
	pattern := fmt.Sprintf("offer:driver:%d:*", driverID)
	keys, err := r.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	offers := make([]RideOffer, 0, len(keys))
	for _, key := range keys {
		data, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			continue // expired between KEYS and GET
		}
		var offer RideOffer
		if err := json.Unmarshal([]byte(data), &offer); err != nil {
			continue
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

// RemoveOffer drops one driver's offer for a ride, used when the ride is
// claimed by someone else or cancelled.
func (r *RelayStore) RemoveOffer(ctx context.Context, driverID, rideID uint) {
	if r.rdb == nil {
		return
	}
	r.rdb.Del(ctx, offerKey(driverID, rideID))
}
