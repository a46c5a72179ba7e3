// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chatbot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes reported by ObserveRequest.
const (
	OutcomeReply   = "reply"
	OutcomeTimeout = "timeout"
	OutcomeFault   = "fault"
)

// MetricsConfig configures the bot's Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "chatbot").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the metrics collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the collectors updated by the request channel and the
// event listener. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	Events       *prometheus.CounterVec
	Faults       *prometheus.CounterVec
	LogicalClock prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := MetricsConfig{
		Namespace: "chatbot",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "requests_total",
			Help:        "Requests sent to the broker by service and outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"service", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "request_duration_seconds",
			Help:        "Time from send to reply or failure.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"service"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "events_total",
			Help:        "Fan-out events dispatched by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "listener_faults_total",
			Help:        "Listener iterations that failed, by stage.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"stage"}),
		LogicalClock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "logical_clock",
			Help:        "Last logical clock value stamped or observed.",
			ConstLabels: cfg.ConstLabels,
		}),
	}

	if cfg.Registry != nil {
		cfg.Registry.MustRegister(m.Requests, m.Latency, m.Events, m.Faults, m.LogicalClock)
	}
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(service, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(service, outcome).Inc()
	m.Latency.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObserveEvent records one dispatched fan-out event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// ObserveFault records one failed listener iteration.
func (m *Metrics) ObserveFault(stage string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(stage).Inc()
}

// SetClock publishes the current logical clock value.
func (m *Metrics) SetClock(v int64) {
	if m == nil {
		return
	}
	m.LogicalClock.Set(float64(v))
}
