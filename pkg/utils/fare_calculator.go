package utils

import (
	"math"
)

// FareConfig holds the rates used to produce a fare estimate.
type FareConfig struct {
	BaseFare        float64 `json:"baseFare"`
	PerKmRate       float64 `json:"perKmRate"`
	PerMinRate      float64 `json:"perMinRate"`
	AverageSpeedKmh float64 `json:"averageSpeedKmh"`
}

// FareEstimate contains the estimated fare and its breakdown.
type FareEstimate struct {
	TotalFare   float64 `json:"totalFare"`
	BaseFare    float64 `json:"baseFare"`
	DistanceKm  float64 `json:"distance"`
	DurationMin int     `json:"duration"`
	DistFare    float64 `json:"distanceFare"`
	TimeFare    float64 `json:"timeFare"`
}

// DefaultFareConfig returns the fare schedule used when none is configured.
func DefaultFareConfig() FareConfig {
	return FareConfig{
		BaseFare:        3.00,
		PerKmRate:       1.25,
		PerMinRate:      0.25,
		AverageSpeedKmh: 30,
	}
}

// EstimateFare computes fare = base + distance*perKm + duration*perMin,
// where duration is derived from distance at the configured average city
// speed. Monetary values are rounded to 2 decimal places.
func EstimateFare(cfg FareConfig, distanceKm float64) FareEstimate {
	duration := CalculateETA(distanceKm, cfg.AverageSpeedKmh)
	return EstimateFareForDuration(cfg, distanceKm, duration)
}

// EstimateFareForDuration computes the fare with an explicit duration
// instead of deriving it from distance.
func EstimateFareForDuration(cfg FareConfig, distanceKm float64, durationMin int) FareEstimate {
	distFare := distanceKm * cfg.PerKmRate
	timeFare := float64(durationMin) * cfg.PerMinRate
	total := cfg.BaseFare + distFare + timeFare

	return FareEstimate{
		TotalFare:   round2(total),
		BaseFare:    cfg.BaseFare,
		DistanceKm:  round2(distanceKm),
		DurationMin: durationMin,
		DistFare:    round2(distFare),
		TimeFare:    round2(timeFare),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
