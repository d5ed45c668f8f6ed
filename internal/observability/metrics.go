package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "dispatches_total", Help: "Dispatch attempts by mode and outcome"},
		[]string{"mode", "outcome"},
	)
	DispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dispatch", Name: "dispatch_latency_seconds", Help: "Time from booking to driver assignment"},
	)
	BroadcastRadiusKm = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "broadcast_radius_km",
			Help:      "Radius at which the broadcast search found candidates",
			Buckets:   []float64{2, 3, 4, 5, 6},
		},
	)
	DriversOnline = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Drivers currently online and fresh"},
	)
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "dispatch", Name: "ws_connections", Help: "Live WebSocket connections"},
	)
	StaleSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "stale_sweeps_total", Help: "Driver records flipped offline by the sweeper"},
	)
)
