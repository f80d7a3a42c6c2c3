// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by provider, model, and
	// outcome ("success" or "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts failed requests by error type (the last attempt's
	// taxonomy tag, e.g. "server_error", "timeout", "circuit_breaker_open", or
	// "unknown"). The failure path records the provider label as "unknown".
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState tracks per-provider circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RouteDecisions counts routing outcomes labelled by route_name, so
	// "default" vs "fallback_no_match" frequency is visible without a log
	// query.
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_decisions_total",
			Help: "Total routing decisions by route name.",
		},
		[]string{"route_name"},
	)

	// FallbackDepth observes how many candidates were attempted (1 = no
	// fallback needed) for each completed request.
	FallbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_fallback_depth",
			Help:    "Number of candidates attempted per request.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"route_name"},
	)

	// RerankLatency observes reranker wall-clock latency in milliseconds.
	RerankLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_rerank_latency_ms",
			Help:    "RAG reranker latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"reranker_type"},
	)
)
