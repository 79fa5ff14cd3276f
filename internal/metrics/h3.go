package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP/3 Server Metrics
//
// These track the QUIC driver's connection/stream lifecycle and its
// pollset.

var (
	// H3ConnectionsActive is the current number of live QUIC connections.
	H3ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpengine_h3_connections_active",
			Help: "Current number of active HTTP/3 connections",
		},
	)

	// H3StreamsActive is the current number of live request streams.
	H3StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpengine_h3_streams_active",
			Help: "Current number of active HTTP/3 request streams",
		},
	)

	// H3StreamsTotal counts streams by terminal reason.
	// Labels: reason (fin, reset, conn_closed).
	H3StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpengine_h3_streams_total",
			Help: "Total number of HTTP/3 request streams by terminal reason",
		},
		[]string{"reason"},
	)

	// H3PollsetSlots reports the pollset's logical size and dead-slot count.
	// Labels: kind (live, dead).
	H3PollsetSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpengine_h3_pollset_slots",
			Help: "Current HTTP/3 pollset slot counts",
		},
		[]string{"kind"},
	)

	// H3BytesTotal counts body bytes moved through shared streams.
	// Labels: direction (rx, tx).
	H3BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpengine_h3_bytes_total",
			Help: "Total HTTP/3 request/response body bytes",
		},
		[]string{"direction"},
	)
)
