package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "bookings_created_total", Help: "Total bookings created"})
	AssignmentsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "assignments_total", Help: "Total successful worker assignments"})
	UnassignedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "dispatch_unassigned_total", Help: "Dispatch attempts that found no candidate"})
	DispatchConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "dispatch_conflicts_total", Help: "Dispatch attempts that lost the assignment race"})
	RejectionsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "rejections_total", Help: "Total booking rejections by workers"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "field_dispatch", Name: "transitions_total", Help: "Applied booking status transitions"},
		[]string{"to"},
	)

	SettlementsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "settlements_total", Help: "Total earnings settled into worker wallets"})
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "settlement_failures_total", Help: "Settlements that failed after completion"})
	WithdrawalsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "field_dispatch", Name: "withdrawals_total", Help: "Total withdrawal requests accepted"})

	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "field_dispatch", Name: "workers_online", Help: "Workers that have reported a location"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "field_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "field_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
