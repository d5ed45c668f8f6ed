package utils

import (
	"math"
	"testing"
)

// lawOfCosinesDistance is an independent spherical distance computation
// used to cross-check the haversine implementation.
func lawOfCosinesDistance(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371.0
	toRad := math.Pi / 180
	return earthRadius * math.Acos(
		math.Sin(lat1*toRad)*math.Sin(lat2*toRad)+
			math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Cos((lng2-lng1)*toRad))
}

func TestHaversineDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
	}{
		{"short city hop", 3.1390, 101.6869, 3.1500, 101.7000},
		{"cross city", 3.1390, 101.6869, 3.0738, 101.5183},
		{"across the equator", 1.3521, 103.8198, -6.2088, 106.8456},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineDistance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			want := lawOfCosinesDistance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			if math.Abs(got-want) > 0.01 {
				t.Errorf("HaversineDistance() = %f, want %f (±0.01)", got, want)
			}
		})
	}
}

func TestHaversineDistanceZero(t *testing.T) {
	if d := HaversineDistance(3.1390, 101.6869, 3.1390, 101.6869); d != 0 {
		t.Errorf("distance between identical points = %f, want 0", d)
	}
}

func TestHaversineDistanceSymmetric(t *testing.T) {
	forward := HaversineDistance(3.1390, 101.6869, 3.1500, 101.7000)
	reverse := HaversineDistance(3.1500, 101.7000, 3.1390, 101.6869)
	if math.Abs(forward-reverse) > 1e-9 {
		t.Errorf("distance is not symmetric: %f vs %f", forward, reverse)
	}
}

func TestValidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"valid", 3.1390, 101.6869, true},
		{"lat boundary", 90, 0, true},
		{"lng boundary", 0, -180, true},
		{"lat too high", 90.1, 0, false},
		{"lat too low", -90.1, 0, false},
		{"lng too high", 0, 180.1, false},
		{"lng too low", 0, -180.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidCoordinates(tt.lat, tt.lng); got != tt.want {
				t.Errorf("ValidCoordinates(%f, %f) = %v, want %v", tt.lat, tt.lng, got, tt.want)
			}
		})
	}
}

func TestIsWithinRadius(t *testing.T) {
	// Roughly 1.9 km apart.
	if !IsWithinRadius(3.1390, 101.6869, 3.1500, 101.7000, 2.5) {
		t.Error("points ~1.9 km apart should be within 2.5 km")
	}
	if IsWithinRadius(3.1390, 101.6869, 3.1500, 101.7000, 1.0) {
		t.Error("points ~1.9 km apart should not be within 1 km")
	}
}

func TestCalculateETA(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		speed    float64
		want     int
	}{
		{"ten km at thirty", 10, 30, 20},
		{"minimum one minute", 0.1, 30, 1},
		{"zero speed uses default", 10, 0, 20},
		{"fifteen km at thirty", 15, 30, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateETA(tt.distance, tt.speed); got != tt.want {
				t.Errorf("CalculateETA(%f, %f) = %d, want %d", tt.distance, tt.speed, got, tt.want)
			}
		})
	}
}

func TestServiceBoundaryContains(t *testing.T) {
	boundary := ServiceBoundary{CenterLat: 3.1390, CenterLng: 101.6869, RadiusKm: 10}

	if !boundary.Contains(3.1500, 101.7000) {
		t.Error("point ~1.9 km from center should be inside a 10 km boundary")
	}
	if boundary.Contains(4.0, 102.5) {
		t.Error("point ~130 km from center should be outside a 10 km boundary")
	}

	unbounded := ServiceBoundary{}
	if !unbounded.Contains(89, 179) {
		t.Error("zero-radius boundary should accept every point")
	}
}
