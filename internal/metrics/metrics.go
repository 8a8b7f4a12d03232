/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the session control plane.
//
// All metrics are registered with the default registry and served by the
// shell's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - microfin_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcomes.
const (
	RefreshSucceeded = "succeeded"
	RefreshFailed    = "failed"
	RefreshNoToken   = "no_refresh_token"
	RefreshDiscarded = "discarded"
)

var (
	// RefreshTotal counts refresh flights by outcome.
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microfin_token_refresh_total",
			Help: "Total token refresh flights by outcome.",
		},
		[]string{"outcome"},
	)

	// RefreshDurationSeconds is a histogram of refresh flight duration.
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microfin_token_refresh_duration_seconds",
			Help:    "Duration of token refresh flights in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// RetriedRequestsTotal counts requests replayed after a 401.
	RetriedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microfin_retried_requests_total",
			Help: "Total API requests replayed with a refreshed token.",
		},
	)

	// SessionExpiredTotal counts forced sign-outs.
	SessionExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microfin_session_expired_total",
			Help: "Total sessions ended because the token could not be refreshed.",
		},
	)

	// GuardDecisionsTotal counts route guard decisions by resulting state.
	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microfin_guard_decisions_total",
			Help: "Total route guard decisions by state.",
		},
		[]string{"state"},
	)

	// RealtimeReconnectsTotal counts push channel (re)connect attempts.
	RealtimeReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microfin_realtime_connects_total",
			Help: "Total push channel connect attempts by result.",
		},
		[]string{"result"},
	)

	// RealtimeConnected is 1 while the push channel is open.
	RealtimeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "microfin_realtime_connected",
			Help: "Whether the push channel is currently connected.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RefreshTotal,
		RefreshDurationSeconds,
		RetriedRequestsTotal,
		SessionExpiredTotal,
		GuardDecisionsTotal,
		RealtimeReconnectsTotal,
		RealtimeConnected,
	)
}

// RecordRefresh records one completed refresh flight.
func RecordRefresh(outcome string, duration time.Duration) {
	RefreshTotal.WithLabelValues(outcome).Inc()
	RefreshDurationSeconds.Observe(duration.Seconds())
}

// RecordRetry records one replayed request.
func RecordRetry() {
	RetriedRequestsTotal.Inc()
}

// RecordSessionExpired records one forced sign-out.
func RecordSessionExpired() {
	SessionExpiredTotal.Inc()
}

// RecordGuardDecision records one route guard decision.
func RecordGuardDecision(state string) {
	GuardDecisionsTotal.WithLabelValues(state).Inc()
}

// RecordRealtimeConnect records a connect attempt and updates the gauge.
func RecordRealtimeConnect(ok bool) {
	if ok {
		RealtimeReconnectsTotal.WithLabelValues("connected").Inc()
		RealtimeConnected.Set(1)
		return
	}
	RealtimeReconnectsTotal.WithLabelValues("failed").Inc()
}

// RecordRealtimeDisconnect marks the push channel closed.
func RecordRealtimeDisconnect() {
	RealtimeConnected.Set(0)
}
