// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// bridge service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// gateway. Metrics include:
//   - Request counters (by endpoint, status)
//   - Latency histograms with the latency class as a label
//   - Admission outcomes and queue depth
//   - Session lifecycle counters and live gauges
//   - Execution outcomes and token usage
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for bridge metrics
const bridgeSubsystem = "bridge"

// BridgeMetrics holds all Prometheus metrics for the gateway.
//
// # Thread Safety
//
// All operations are thread-safe.
type BridgeMetrics struct {
	// RequestsTotal counts completed requests by endpoint and status.
	// Labels: endpoint (chat_completions, research), status (success,
	// rejected, timeout, error, forwarded)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures end-to-end request latency.
	// Labels: endpoint, class (normal, slow, very_slow)
	RequestDurationSeconds *prometheus.HistogramVec

	// AdmissionsTotal counts admission decisions.
	// Labels: outcome (admitted, rejected), reason (immediate, queued,
	// queue_full, wait_timeout, cancelled)
	AdmissionsTotal *prometheus.CounterVec

	// QueueDepth tracks the current admission queue length.
	QueueDepth prometheus.Gauge

	// ActiveExecutions tracks in-flight assistant invocations.
	ActiveExecutions prometheus.Gauge

	// ActiveSessions tracks live sessions on this instance.
	ActiveSessions prometheus.Gauge

	// SessionEventsTotal counts session lifecycle events.
	// Labels: event (created, deleted, expired)
	SessionEventsTotal *prometheus.CounterVec

	// TokensTotal counts assistant tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// ForwardsTotal counts requests relayed to sibling instances.
	// Labels: status (success, error)
	ForwardsTotal *prometheus.CounterVec

	// InstancesKnown tracks sibling instances by health state.
	// Labels: health (UP, DOWN, DEGRADED)
	InstancesKnown *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and error code.
	// Labels: endpoint, error_code (admission_rejected, session_busy,
	// execution_timeout, execution_failure, instance_unavailable)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of BridgeMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *BridgeMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *BridgeMetrics {
	DefaultMetrics = &BridgeMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"endpoint", "class"},
		),

		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "admissions_total",
				Help:      "Admission decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "queue_depth",
				Help:      "Current admission queue length",
			},
		),

		ActiveExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "active_executions",
				Help:      "In-flight assistant invocations",
			},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "active_sessions",
				Help:      "Live sessions on this instance",
			},
		),

		SessionEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "session_events_total",
				Help:      "Session lifecycle events",
			},
			[]string{"event"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "tokens_total",
				Help:      "Assistant tokens by direction and model",
			},
			[]string{"direction", "model"},
		),

		ForwardsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "forwards_total",
				Help:      "Requests relayed to sibling instances",
			},
			[]string{"status"},
		),

		InstancesKnown: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "instances_known",
				Help:      "Known sibling instances by health state",
			},
			[]string{"health"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "errors_total",
				Help:      "Errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
	}
	return DefaultMetrics
}

// RecordRequest increments the request counter and latency histogram
// if metrics are initialized.
func RecordRequest(endpoint, status, class string, seconds float64) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	DefaultMetrics.RequestDurationSeconds.WithLabelValues(endpoint, class).Observe(seconds)
}

// RecordError increments the error counter if metrics are initialized.
func RecordError(endpoint, errorCode string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ErrorsTotal.WithLabelValues(endpoint, errorCode).Inc()
}

// RecordAdmission counts one gate decision if metrics are initialized.
func RecordAdmission(outcome, reason string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.AdmissionsTotal.WithLabelValues(outcome, reason).Inc()
}

// SetQueueDepth publishes the current admission queue length.
func SetQueueDepth(n int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.QueueDepth.Set(float64(n))
}

// RecordSessionEvent counts one session lifecycle transition.
func RecordSessionEvent(event string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.SessionEventsTotal.WithLabelValues(event).Inc()
}

// SetActiveSessions publishes the live session count.
func SetActiveSessions(n int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ActiveSessions.Set(float64(n))
}

// SetInstancesKnown publishes the instance table broken down by health.
func SetInstancesKnown(up, degraded, down int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.InstancesKnown.WithLabelValues("UP").Set(float64(up))
	DefaultMetrics.InstancesKnown.WithLabelValues("DEGRADED").Set(float64(degraded))
	DefaultMetrics.InstancesKnown.WithLabelValues("DOWN").Set(float64(down))
}
