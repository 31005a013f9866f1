// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IngestMessages counts consumed bus messages by terminal state.
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Bus messages processed, by terminal state (acked, dead_lettered, nacked).",
	}, []string{"state"})

	// IngestDuplicates counts (sensor_id, time) collisions recovered as
	// no-ops.
	IngestDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_duplicates_total",
		Help: "Readings dropped because the (sensor_id, time) pair already existed.",
	})

	// DeadLetters counts messages moved to the dead-letter stream by
	// decode reason.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_dead_letters_total",
		Help: "Messages dead-lettered, by reason tag.",
	}, []string{"reason"})

	// EmptyPayloads counts shed keep-alive posts at the edge.
	EmptyPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_empty_payloads_total",
		Help: "Edge intake posts acknowledged but not forwarded (empty or identityless).",
	})

	// RingDrops counts envelopes dropped from the edge bridge ring.
	RingDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_ring_drops_total",
		Help: "Envelopes dropped from the intake ring while the bus was unreachable.",
	})

	// SlowConsumers counts events dropped from subscriber queues.
	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_slow_consumer_drops_total",
		Help: "Events dropped because a subscriber queue was full.",
	})

	// ReplicationLag tracks secondary-store writes pending reconciliation.
	ReplicationLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_replication_lag",
		Help: "Readings written to the primary store but not yet to the secondary.",
	})

	// ReadRequests counts read-API requests by endpoint class and status.
	ReadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_api_requests_total",
		Help: "Read API requests, by endpoint class and HTTP status.",
	}, []string{"endpoint", "status"})

	// RateLimited counts requests rejected with 429.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_rate_limited_total",
		Help: "Requests rejected because the key exceeded its window quota.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
