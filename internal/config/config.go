package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/velocab/dispatch-backend/pkg/utils"
)

// Config captures all tunable parameters for the API process. Values come
// from environment variables with defaults that work for local runs.
type Config struct {
	Port     string
	LogLevel string

	RedisURL    string
	RedisGeoKey string

	KafkaBrokers []string
	KafkaTopic   string

	FirebaseCredentialsPath string

	// Matching parameters.
	HeartbeatWindow     time.Duration
	SweepInterval       time.Duration
	DispatchTimeout     time.Duration
	RelayTTL            time.Duration
	SessionTTL          time.Duration
	BroadcastRadiiKm    []float64
	MaxCandidates       int
	MaxPickupDistanceKm float64
	MinTripKm           float64
	MaxTripKm           float64

	Boundary utils.ServiceBoundary
	Fare     utils.FareConfig
}

func defaultConfig() Config {
	return Config{
		Port:                "8080",
		LogLevel:            "info",
		RedisURL:            "redis://localhost:6379",
		RedisGeoKey:         "drivers:geo",
		KafkaTopic:          "driver-locations",
		HeartbeatWindow:     5 * time.Minute,
		SweepInterval:       time.Minute,
		DispatchTimeout:     30 * time.Second,
		RelayTTL:            30 * time.Second,
		SessionTTL:          2 * time.Minute,
		BroadcastRadiiKm:    []float64{2, 3, 4, 5, 6},
		MaxCandidates:       5,
		MaxPickupDistanceKm: 20,
		MinTripKm:           0.5,
		MaxTripKm:           100,
		Fare:                utils.DefaultFareConfig(),
	}
}

// Load builds the Config from the environment.
func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.Port, "PORT")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.RedisURL, "REDIS_URL")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.FirebaseCredentialsPath, "FIREBASE_SERVICE_ACCOUNT_PATH")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setDurationFromEnv(&cfg.HeartbeatWindow, "HEARTBEAT_WINDOW", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.DispatchTimeout, "DISPATCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RelayTTL, "RELAY_TTL", &errs)
	setDurationFromEnv(&cfg.SessionTTL, "SESSION_TTL", &errs)

	setIntFromEnv(&cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setFloatFromEnv(&cfg.MaxPickupDistanceKm, "DISPATCH_MAX_PICKUP_KM", &errs)
	setFloatFromEnv(&cfg.MinTripKm, "TRIP_MIN_KM", &errs)
	setFloatFromEnv(&cfg.MaxTripKm, "TRIP_MAX_KM", &errs)

	if radii := os.Getenv("BROADCAST_RADII_KM"); radii != "" {
		parsed, err := parseRadii(radii)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.BroadcastRadiiKm = parsed
		}
	}

	setFloatFromEnv(&cfg.Boundary.CenterLat, "SERVICE_AREA_LAT", &errs)
	setFloatFromEnv(&cfg.Boundary.CenterLng, "SERVICE_AREA_LNG", &errs)
	setFloatFromEnv(&cfg.Boundary.RadiusKm, "SERVICE_AREA_RADIUS_KM", &errs)

	setFloatFromEnv(&cfg.Fare.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.Fare.PerKmRate, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Fare.PerMinRate, "FARE_PER_MIN", &errs)
	setFloatFromEnv(&cfg.Fare.AverageSpeedKmh, "FARE_AVG_SPEED_KMH", &errs)

	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if len(cfg.BroadcastRadiiKm) == 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_RADII_KM must list at least one radius"))
	}

	return cfg, errors.Join(errs...)
}

func parseRadii(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BROADCAST_RADII_KM entry %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
