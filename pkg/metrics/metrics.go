// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the SMCP daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Packet metrics
	PacketsTotal    *prometheus.CounterVec
	DupesTotal      prometheus.Counter
	BadPacketsTotal prometheus.Counter

	// Dispatch metrics
	RequestsTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Transaction metrics
	ActiveTransactions prometheus.Gauge
	RetransmitsTotal   prometheus.Counter
	TimeoutsTotal      prometheus.Counter
	NotificationsTotal prometheus.Counter
	ObserveRestarts    prometheus.Counter

	// Rate limiter metrics
	RateLimitedPackets *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerTransitions *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "smcp"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of packets by direction and message type",
			},
			[]string{"direction", "type"},
		),
		DupesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_packets_total",
				Help:      "Total number of inbound packets matched in the duplicate ring",
			},
		),
		BadPacketsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bad_packets_total",
				Help:      "Total number of inbound packets rejected as malformed",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inbound requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one inbound packet",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"kind"},
		),
		ActiveTransactions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transactions",
				Help:      "Number of transactions in the transaction table",
			},
		),
		RetransmitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmits_total",
				Help:      "Total number of request retransmissions",
			},
		),
		TimeoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_timeouts_total",
				Help:      "Total number of transactions ended by timeout",
			},
		),
		NotificationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observe_notifications_total",
				Help:      "Total number of accepted observe notifications",
			},
		),
		ObserveRestarts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observe_restarts_total",
				Help:      "Total number of expired observations restarted",
			},
		),
		RateLimitedPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_packets_total",
				Help:      "Total number of inbound packets dropped by a rate limiter",
			},
			[]string{"limiter_type"},
		),
		BreakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_breaker_transitions_total",
				Help:      "Total number of per-peer send circuit breaker state changes",
			},
			[]string{"state"},
		),
	}
}

// PacketReceived counts an inbound packet.
func (m *Metrics) PacketReceived(msgType string) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues("in", msgType).Inc()
}

// PacketSent counts an outbound packet.
func (m *Metrics) PacketSent(msgType string) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues("out", msgType).Inc()
}

// Dupe counts a duplicate packet.
func (m *Metrics) Dupe() {
	if m == nil {
		return
	}
	m.DupesTotal.Inc()
}

// BadPacket counts a malformed packet.
func (m *Metrics) BadPacket() {
	if m == nil {
		return
	}
	m.BadPacketsTotal.Inc()
}

// Request counts a dispatched request.
func (m *Metrics) Request(method, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
}

// Retransmit counts a request retransmission.
func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.RetransmitsTotal.Inc()
}

// Timeout counts a transaction timeout.
func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.TimeoutsTotal.Inc()
}

// Notification counts an accepted observe notification.
func (m *Metrics) Notification() {
	if m == nil {
		return
	}
	m.NotificationsTotal.Inc()
}

// ObserveRestart counts an observation restarted after expiring.
func (m *Metrics) ObserveRestart() {
	if m == nil {
		return
	}
	m.ObserveRestarts.Inc()
}

// SetActiveTransactions records the size of the transaction table.
func (m *Metrics) SetActiveTransactions(n int) {
	if m == nil {
		return
	}
	m.ActiveTransactions.Set(float64(n))
}

// RateLimited counts a packet dropped by the named limiter.
func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitedPackets.WithLabelValues(limiter).Inc()
}

// BreakerTransition counts a send circuit breaker entering state.
func (m *Metrics) BreakerTransition(state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(state).Inc()
}

// ObserveDispatch times f under the given kind.
func (m *Metrics) ObserveDispatch(kind string, f func() error) error {
	if m == nil {
		return f()
	}
	start := time.Now()
	err := f()
	m.DispatchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return err
}
