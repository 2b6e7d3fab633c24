// Package obsv provides an isolated metrics registry per process, per the
// "Shared mutable metrics" design note: no package-level singleton,
// counters/histograms are opaque values handed to the components that
// emit them.
package obsv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is an isolated metrics registry plus the handful of
// instrument families the pipeline needs. It is constructed once per
// process and threaded through to every component that records samples.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	PayloadSize     *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	TickDuration    *prometheus.HistogramVec
	TickResult      *prometheus.CounterVec
	ConsumerFailure *prometheus.CounterVec
	PELSize         *prometheus.GaugeVec
	WSDropped       *prometheus.CounterVec
	ParticipantErr  prometheus.Counter
}

// NewRegistry builds a fresh, isolated Registry and registers every
// instrument family against it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_requests_total",
			Help: "Total storage facade operations.",
		}, []string{"op", "adapter", "namespace", "consistency"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_request_errors_total",
			Help: "Total storage facade operation errors by code.",
		}, []string{"op", "adapter", "namespace", "code"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "storage_request_latency_seconds",
			Help: "Storage facade operation latency.",
		}, []string{"op", "adapter", "namespace"}),
		PayloadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_payload_size_bytes",
			Help:    "Payload size observed on successful reads/writes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"op", "adapter", "namespace"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache operation results.",
		}, []string{"namespace", "result"}), // result: hit|stale|miss
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "0=closed 1=half_open 2=open",
		}, []string{"name"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dispatcher_tick_duration_seconds",
			Help: "Outbox dispatcher tick duration.",
		}, []string{"stream"}),
		TickResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_tick_result_total",
			Help: "Outbox dispatcher per-row tick outcomes.",
		}, []string{"stream", "result"}), // result: sent|retry|dead|empty
		ConsumerFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_failures_total",
			Help: "Consumer-side failures by reason.",
		}, []string{"reason"}),
		PELSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consumer_pel_size",
			Help: "Pending-entry-list size observed at last hygiene pass.",
		}, []string{"stream", "group"}),
		WSDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_dropped_total",
			Help: "Events dropped from a per-conversation backpressure queue.",
		}, []string{"reason", "policy"}),
		ParticipantErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "participant_cache_errors_total",
			Help: "Errors resolving participants during authorization.",
		}),
	}

	reg.MustRegister(
		r.RequestsTotal, r.RequestErrors, r.RequestLatency, r.PayloadSize,
		r.CacheHits, r.BreakerState, r.TickDuration, r.TickResult,
		r.ConsumerFailure, r.PELSize, r.WSDropped, r.ParticipantErr,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an operator to
// wire into whatever HTTP exposition layer they choose. Wiring that
// endpoint is explicitly out of scope for this module.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
