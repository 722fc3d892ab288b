package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 15, 60},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_upstream_calls_total",
			Help: "Calls to the flow-execution service",
		},
		[]string{"outcome"}, // "ok", "status", "transport"
	)

	FramesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowchat_frames_relayed_total",
			Help: "Frames written to clients by the relay",
		},
	)

	RelayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowchat_relay_errors_total",
			Help: "Relays that ended with an upstream read or decode error",
		},
	)

	// Resume metrics
	ResumeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_resume_total",
			Help: "Resume requests by outcome",
		},
		[]string{"outcome"}, // "disabled", "not_found", "live", "replayed", "empty"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowchat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowchat_store_latency_seconds",
			Help:    "Relational store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
