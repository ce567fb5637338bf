// Package metrics defines Prometheus collectors for the licensing backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LicensesByStatus tracks the number of licenses in each status.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keygate",
		Name:      "licenses_by_status",
		Help:      "Number of licenses by lifecycle status.",
	}, []string{"status"})

	// LicensesIssuedTotal counts issued licenses by tier.
	LicensesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "licenses_issued_total",
		Help:      "Total licenses issued by tier.",
	}, []string{"tier"})

	// ValidationsTotal counts validation requests by outcome.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "validations_total",
		Help:      "Total license validation attempts by outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keygate",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileFailuresTotal counts billing events whose processing failed
	// after signature verification (acknowledged but logged for replay).
	ReconcileFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "reconcile_failures_total",
		Help:      "Billing events acknowledged but not fully processed.",
	}, []string{"event_type"})
)
