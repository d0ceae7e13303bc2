// Package metrics holds railchat's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ChatRequestsTotal counts chat exchanges by outcome (ok, rejected, error).
	ChatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railchat",
		Subsystem: "chat",
		Name:      "requests_total",
		Help:      "Total number of chat exchanges, labeled by outcome.",
	}, []string{"outcome"})

	// ChatDurationSeconds is the time from receiving a message to the final streamed value.
	ChatDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "railchat",
		Subsystem: "chat",
		Name:      "duration_seconds",
		Help:      "End-to-end time of a chat exchange, including rails and generation.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"outcome"})

	// StreamChunksTotal counts content chunks relayed from the model daemon.
	StreamChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "railchat",
		Subsystem: "chat",
		Name:      "stream_chunks_total",
		Help:      "Total number of non-empty content chunks relayed from the model.",
	})

	// InFlight is the number of exchanges currently generating.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "railchat",
		Subsystem: "chat",
		Name:      "in_flight",
		Help:      "Current number of chat exchanges being generated.",
	})

	// RailVerdictsTotal counts rail decisions by direction (input, output), flow and result.
	RailVerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railchat",
		Subsystem: "rails",
		Name:      "verdicts_total",
		Help:      "Total number of rail decisions, labeled by direction, flow and result.",
	}, []string{"direction", "flow", "result"})

	// RailReloadsTotal counts policy reload attempts by result.
	RailReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railchat",
		Subsystem: "rails",
		Name:      "reloads_total",
		Help:      "Total number of rails policy reload attempts, labeled by result.",
	}, []string{"result"})

	// RateLimitedTotal counts chat requests refused by the per-client limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "railchat",
		Subsystem: "server",
		Name:      "rate_limited_total",
		Help:      "Total number of chat requests refused with 429.",
	})
)

// Register registers the collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ChatRequestsTotal,
			ChatDurationSeconds,
			StreamChunksTotal,
			InFlight,
			RailVerdictsTotal,
			RailReloadsTotal,
			RateLimitedTotal,
		)
	})
}
