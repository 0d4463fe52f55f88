package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "bookings_created_total", Help: "Total bookings created"})
	DispatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "dispatches_total", Help: "Total booking offers fanned out to workers"})
	AcceptWins       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "accept_wins_total", Help: "Accepts that won the race"})
	AcceptRaceLost   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "accept_race_lost_total", Help: "Accepts rejected because another worker committed first"})
	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "servlink", Name: "workers_online", Help: "Number of online workers"})
	SessionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "servlink", Name: "ws_sessions_active", Help: "Live websocket sessions"})
	SessionSupersede = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "ws_sessions_superseded_total", Help: "Sessions closed because the same identity reconnected"})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "notifications_delivered_total", Help: "First-time notification deliveries"})
	NotificationsDeduped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "notifications_deduped_total", Help: "Duplicate notification deliveries suppressed"})

	RouteRecalcTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "route_recalc_total", Help: "Directions provider recalculations"})
	RouteDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servlink", Name: "route_degraded_total", Help: "Tracking publishes without route geometry (provider unavailable)"})

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "servlink", Name: "bus_dropped_total", Help: "Bus deliveries dropped on full subscriber buffers"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "servlink", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servlink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
