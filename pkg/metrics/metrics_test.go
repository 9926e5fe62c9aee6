// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.PacketReceived("Confirmable")
	m.PacketSent("Acknowledgement")
	m.Dupe()
	m.BadPacket()
	m.Request("GET", "OK")
	m.Retransmit()
	m.Timeout()
	m.Notification()
	m.ObserveRestart()
	m.SetActiveTransactions(3)
	m.RateLimited("peer")
	m.BreakerTransition("open")

	want := errors.New("boom")
	if err := m.ObserveDispatch("request", func() error { return want }); err != want {
		t.Errorf("ObserveDispatch() = %v, want %v", err, want)
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.PacketReceived("Confirmable")
	m.PacketReceived("Confirmable")
	m.Dupe()
	m.Timeout()
	m.SetActiveTransactions(4)
	m.BreakerTransition("open")
	_ = m.ObserveDispatch("request", func() error { return nil })

	if got := testutil.ToFloat64(m.PacketsTotal.WithLabelValues("in", "Confirmable")); got != 2 {
		t.Errorf("packets_total{in,Confirmable} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DupesTotal); got != 1 {
		t.Errorf("duplicate_packets_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TimeoutsTotal); got != 1 {
		t.Errorf("transaction_timeouts_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveTransactions); got != 4 {
		t.Errorf("active_transactions = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("open")); got != 1 {
		t.Errorf("send_breaker_transitions_total{open} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.DispatchDuration); n != 1 {
		t.Errorf("dispatch_duration series = %d, want 1", n)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two daemons in one process must not collide.
	New("smcp", prometheus.NewRegistry())
	New("smcp", prometheus.NewRegistry())
}
