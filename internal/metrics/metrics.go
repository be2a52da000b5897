// Package metrics holds the prometheus collectors for price check runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error kinds used as the "kind" label of ErrorsTotal.
const (
	KindProvider    = "provider"
	KindPersistence = "persistence"
	KindEnumerate   = "enumerate"
	KindDelivery    = "delivery"
)

var (
	RunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travelcart_runs_total",
		Help: "Total number of price check runs started.",
	})
	RunsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travelcart_runs_skipped_total",
		Help: "Runs skipped because another instance held the advisory lock.",
	})
	WatchesChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travelcart_watches_checked_total",
		Help: "Watches attempted across all runs.",
	})
	WatchesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travelcart_watches_updated_total",
		Help: "Watches whose price and signal were persisted.",
	})
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travelcart_version_conflicts_total",
		Help: "Optimistic update conflicts that triggered a retry.",
	})
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travelcart_signals_total",
		Help: "Decisions by signal and firing rule.",
	}, []string{"signal", "rule"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travelcart_notifications_sent_total",
		Help: "Notifications persisted after throttling, by type.",
	}, []string{"type"})
	NotificationsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travelcart_notifications_throttled_total",
		Help: "Candidate notifications suppressed by the throttle, by type.",
	}, []string{"type"})
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travelcart_errors_total",
		Help: "Per-watch and run errors by kind.",
	}, []string{"kind"})
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "travelcart_run_duration_seconds",
		Help:    "Duration of a full price check run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	ProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "travelcart_provider_quote_seconds",
		Help:    "Latency of fare quote calls.",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})
)
