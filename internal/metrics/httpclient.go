package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP/1.1 Client Metrics
//
// These track the client's request/response cycle and the keep-alive
// connection cache.

var (
	// ClientRequestDuration tracks end-to-end request latency.
	// Labels: cause (ok, error, tasktimeout, connecttimeout,
	// writetimeout, tlssetuptimeout, tlsconnecttimeout), matching the
	// client log's cause column.
	ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpengine_client_request_duration_seconds",
			Help:    "HTTP/1.1 client request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cause"},
	)

	// ClientRequestsTotal counts completed requests by cause.
	ClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpengine_client_requests_total",
			Help: "Total number of completed HTTP/1.1 client requests",
		},
		[]string{"cause"},
	)

	// KeepAliveCacheSize reports the current entry count by state.
	// Labels: state (free, waiting, inuse).
	KeepAliveCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpengine_keepalive_cache_entries",
			Help: "Current keep-alive cache entries by state",
		},
		[]string{"state"},
	)

	// KeepAliveReuseTotal counts connection reuse outcomes.
	// Labels: result (hit, miss, stale).
	KeepAliveReuseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpengine_keepalive_reuse_total",
			Help: "Total number of keep-alive cache lookups by result",
		},
		[]string{"result"},
	)
)
