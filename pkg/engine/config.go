// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/hwkang0621/smcp/pkg/handler"
	"github.com/hwkang0621/smcp/pkg/metrics"
)

const (
	// DefaultBaseRTT is the initial retransmission timeout.
	DefaultBaseRTT = time.Second

	// DefaultMaxRetransmitDelay caps a single retransmission delay.
	DefaultMaxRetransmitDelay = 5 * time.Second

	// DefaultKeepaliveInterval bounds how long a keepalive transaction sleeps.
	DefaultKeepaliveInterval = 45 * time.Second

	// DefaultObserveMaxAge is the lifetime of an observation whose
	// notifications carry no Max-Age.
	DefaultObserveMaxAge = 30 * time.Second

	// DefaultDupeBufferSize is the number of remembered inbound exchanges.
	DefaultDupeBufferSize = 16

	// DefaultRequestExpiration is used by SendRequest when none is given.
	DefaultRequestExpiration = 30 * time.Second

	// DistantFuture stands in for "never" when rescheduling observations.
	DistantFuture = time.Duration(math.MaxInt32) * time.Millisecond

	dnsRecheckDelay = 100 * time.Millisecond
	maxBackoffShift = 16
)

// Config holds daemon configuration. Zero values select defaults.
type Config struct {
	// Root is the node tree requests are routed into.
	Root Node

	// Auth authorizes inbound traffic. Defaults to handler.NoopHandler.
	Auth handler.Handler

	// Logger for daemon events.
	Logger *slog.Logger

	// Metrics, if set, records daemon instrumentation.
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Rand drives message id seeding and retransmission jitter.
	Rand *rand.Rand

	// MaxTransactions bounds pool-allocated transactions. If 0, the pool
	// grows on demand.
	MaxTransactions int

	// DupeBufferSize is the duplicate ring capacity.
	DupeBufferSize int

	// MaxPacketSize bounds outbound packets.
	MaxPacketSize int

	BaseRTT            time.Duration
	MaxRetransmitDelay time.Duration
	KeepaliveInterval  time.Duration
	ObserveMaxAge      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Auth == nil {
		c.Auth = &handler.NoopHandler{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.DupeBufferSize <= 0 {
		c.DupeBufferSize = DefaultDupeBufferSize
	}
	if c.BaseRTT <= 0 {
		c.BaseRTT = DefaultBaseRTT
	}
	if c.MaxRetransmitDelay <= 0 {
		c.MaxRetransmitDelay = DefaultMaxRetransmitDelay
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ObserveMaxAge <= 0 {
		c.ObserveMaxAge = DefaultObserveMaxAge
	}
}
