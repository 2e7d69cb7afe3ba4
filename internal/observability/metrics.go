package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "dispatches_started_total", Help: "Dispatch attempts by outcome of the start step"},
		[]string{"result"},
	)
	CallsPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "calls_placed_total", Help: "Outbound driver calls by placement result"},
		[]string{"result"},
	)
	CandidateResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "candidate_resolutions_total", Help: "Queue candidates reaching a final status"},
		[]string{"status"},
	)
	BookingsAssigned  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "bookings_assigned_total", Help: "Bookings finalized with a driver"})
	BookingsExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "bookings_exhausted_total", Help: "Bookings that ran out of candidates"})
	StaleTransitions  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "stale_transitions_total", Help: "Candidate updates lost to a concurrent resolution"})
	TimeToAssign      = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ambulance_dispatch",
		Name:      "time_to_assign_seconds",
		Help:      "Seconds from queue creation to an accepted candidate",
		Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
	})
	ActiveTimers        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambulance_dispatch", Name: "active_timers", Help: "Fallback timers currently armed"})
	DriverStatusUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "driver_status_updates_total", Help: "Driver status updates received"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambulance_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
