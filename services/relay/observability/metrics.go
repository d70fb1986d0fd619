// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the relay.
//
// # Description
//
// Prometheus metrics cover chat requests (by mode and status), forwarded
// deltas, latency to first delta, stream duration, active streams, errors,
// client disconnects, malformed upstream frames and session store size.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *RelayMetrics so callers and tests
// can run without metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "chatrelay"
	relaySubsystem   = "relay"
)

// RelayMetrics holds the relay's Prometheus collectors.
type RelayMetrics struct {
	// RequestsTotal counts chat requests.
	// Labels: mode (stream, buffered), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// DeltasTotal counts content deltas forwarded to callers.
	DeltasTotal prometheus.Counter

	// TimeToFirstDeltaSeconds measures latency from request to first delta.
	TimeToFirstDeltaSeconds prometheus.Histogram

	// StreamDurationSeconds measures whole streaming responses.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight streaming responses.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts failures by code.
	// Labels: code
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts callers that went away mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// KeepAlivesTotal counts keepalive comments written.
	KeepAlivesTotal prometheus.Counter

	// MalformedFramesTotal counts upstream SSE lines that failed to parse.
	MalformedFramesTotal prometheus.Counter

	// Sessions reports the number of live sessions after each eviction sweep.
	Sessions prometheus.Gauge

	// SessionsEvictedTotal counts idle sessions removed.
	SessionsEvictedTotal prometheus.Counter

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if the collectors are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *RelayMetrics {
	f := promauto.With(reg)
	return &RelayMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by mode and status",
			},
			[]string{"mode", "status"},
		),
		DeltasTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "deltas_total",
			Help:      "Total content deltas forwarded to callers",
		}),
		TimeToFirstDeltaSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "time_to_first_delta_seconds",
			Help:      "Time from request to first forwarded delta in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total streaming response duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "active_streams",
			Help:      "Number of in-flight streaming responses",
		}),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total relay errors by code",
			},
			[]string{"code"},
		),
		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total caller disconnections during streaming",
		}),
		KeepAlivesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "keepalives_total",
			Help:      "Total keepalive comments sent",
		}),
		MalformedFramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "malformed_frames_total",
			Help:      "Total upstream SSE lines skipped as malformed",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "sessions",
			Help:      "Number of live conversation sessions",
		}),
		SessionsEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "sessions_evicted_total",
			Help:      "Total idle sessions evicted",
		}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter",
		}),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Mode is the response mode of a chat request.
type Mode string

const (
	ModeStream   Mode = "stream"
	ModeBuffered Mode = "buffered"
)

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodePayloadTooLarge  ErrorCode = "payload_too_large"
	ErrorCodeUpstream         ErrorCode = "upstream"
	ErrorCodeUpstreamMidway   ErrorCode = "upstream_mid_stream"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeInternal         ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a finished chat request.
func (m *RelayMetrics) RecordRequest(mode Mode, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(mode), statusLabel(success)).Inc()
}

// RecordError records a failure.
func (m *RelayMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordDelta records one forwarded delta.
func (m *RelayMetrics) RecordDelta() {
	if m == nil {
		return
	}
	m.DeltasTotal.Inc()
}

// RecordTimeToFirstDelta records first-delta latency.
func (m *RelayMetrics) RecordTimeToFirstDelta(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstDeltaSeconds.Observe(seconds)
}

// RecordStreamDuration records a finished stream.
func (m *RelayMetrics) RecordStreamDuration(seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(statusLabel(success)).Observe(seconds)
}

// StreamStarted increments the active streams gauge.
func (m *RelayMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *RelayMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordClientDisconnect records a caller that went away mid-stream.
func (m *RelayMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
	m.ErrorsTotal.WithLabelValues(string(ErrorCodeClientDisconnect)).Inc()
}

// RecordKeepAlive records one keepalive comment.
func (m *RelayMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordMalformedFrame records a skipped upstream line.
func (m *RelayMetrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFramesTotal.Inc()
}

// RecordEviction records an eviction sweep.
func (m *RelayMetrics) RecordEviction(evicted, remaining int) {
	if m == nil {
		return
	}
	m.SessionsEvictedTotal.Add(float64(evicted))
	m.Sessions.Set(float64(remaining))
}

// SetSessions sets the live session gauge.
func (m *RelayMetrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// RecordRateLimited records a rejected request.
func (m *RelayMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
