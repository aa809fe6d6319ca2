/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jukebox"

var (
	// IngestionTotal counts purchase events by pipeline result.
	IngestionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_total",
		Help:      "Purchase events processed, by result.",
	}, []string{"result"})

	// AdvanceTotal counts advance attempts by trigger and reason.
	AdvanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "advance_total",
		Help:      "Playback advance attempts, by trigger and outcome reason.",
	}, []string{"trigger", "reason"})

	// QueueLength tracks pending songs.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Number of pending songs.",
	})

	// NowPlaying is 1 while a song occupies the current slot.
	NowPlaying = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "now_playing",
		Help:      "1 when a song is playing, 0 when idle.",
	})

	// SubscriptionRecreations counts listener recreations by cause.
	SubscriptionRecreations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_recreations_total",
		Help:      "Event listener recreations, by cause (proactive, expired).",
	}, []string{"cause"})

	// SubscriptionErrors counts transport errors by kind.
	SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_errors_total",
		Help:      "Event transport errors, by kind.",
	}, []string{"kind"})

	// VerificationTotal counts payment verification outcomes by strategy.
	VerificationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_verification_total",
		Help:      "Payment verification outcomes, by winning strategy or failure.",
	}, []string{"strategy"})

	// ContentLookupDuration tracks validator latency.
	ContentLookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "content_lookup_duration_seconds",
		Help:      "Content validator lookup latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// LeaderElectionStatus is 1 when this instance holds leadership.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 when this instance is the scheduler leader.",
	}, []string{"instance_id"})

	// LeaderElectionChanges counts leadership transitions.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Leadership transitions, by direction.",
	}, []string{"instance_id", "direction"})

	// APIRequestDuration tracks HTTP latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})

	// APIWebSocketConnections tracks open event streams.
	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_websocket_connections",
		Help:      "Open websocket event streams.",
	})

	// DatabaseQueryDuration tracks gorm operation latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Database operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Database operation failures.",
	}, []string{"operation", "kind"})

	// DatabaseConnections tracks pool state.
	DatabaseConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections",
		Help:      "Database pool connections, by state.",
	}, []string{"state"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
