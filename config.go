// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package smcp holds the environment driven configuration of an SMCP daemon.
package smcp

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hwkang0621/smcp/pkg/engine"
	"github.com/hwkang0621/smcp/pkg/server/udp"
)

// Config is the daemon configuration. Field env names are relative to the
// prefix passed to NewConfig.
type Config struct {
	Host           string `env:"HOST"            envDefault:""`
	Port           string `env:"PORT"            envDefault:"5683"`
	PortWalk       int    `env:"PORT_WALK"       envDefault:"10"`
	MulticastGroup string `env:"MULTICAST_GROUP" envDefault:""`

	// Engine
	MaxTransactions      int           `env:"MAX_TRANSACTIONS"        envDefault:"0"`
	DupeBufferSize       int           `env:"DUPE_BUFFER_SIZE"        envDefault:"16"`
	BaseRTT              time.Duration `env:"BASE_RTT"                envDefault:"1s"`
	MaxRetransmitDelay   time.Duration `env:"MAX_RETRANSMIT_DELAY"    envDefault:"5s"`
	KeepaliveInterval    time.Duration `env:"KEEPALIVE_INTERVAL"      envDefault:"45s"`
	ObserveDefaultMaxAge time.Duration `env:"OBSERVE_DEFAULT_MAX_AGE" envDefault:"30s"`
	MaxPacketSize        int           `env:"MAX_PACKET_SIZE"         envDefault:"1152"`

	// Rate Limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`
	MaxClients        int   `env:"MAX_CLIENTS"         envDefault:"10000"`

	// Send Breakers
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`

	// IdleTimeout marks the daemon degraded when no packet arrived for
	// this long.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports configuration values the daemon cannot run with.
func (c Config) Validate() error {
	if p, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	} else if p == 0 && c.MulticastGroup != "" {
		return fmt.Errorf("multicast group %s needs a fixed port", c.MulticastGroup)
	}
	if c.MulticastGroup != "" && c.Host != "" {
		if ip := net.ParseIP(c.Host); ip == nil || !ip.IsUnspecified() {
			return fmt.Errorf("multicast group %s needs a wildcard host, got %s", c.MulticastGroup, c.Host)
		}
	}
	if c.MaxTransactions < 0 {
		return fmt.Errorf("invalid max transactions %d", c.MaxTransactions)
	}
	if c.MaxPacketSize != 0 && c.MaxPacketSize < 64 {
		return fmt.Errorf("max packet size %d is too small", c.MaxPacketSize)
	}
	if c.BaseRTT < 0 || c.MaxRetransmitDelay < 0 {
		return fmt.Errorf("negative retransmission timing")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid idle timeout %s", c.IdleTimeout)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// LogLevelValue parses LogLevel. Unknown levels select info.
func (c Config) LogLevelValue() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Engine returns the daemon settings. The caller fills in the node tree,
// auth hook, logger and metrics.
func (c Config) Engine() engine.Config {
	return engine.Config{
		MaxTransactions:    c.MaxTransactions,
		DupeBufferSize:     c.DupeBufferSize,
		MaxPacketSize:      c.MaxPacketSize,
		BaseRTT:            c.BaseRTT,
		MaxRetransmitDelay: c.MaxRetransmitDelay,
		KeepaliveInterval:  c.KeepaliveInterval,
		ObserveMaxAge:      c.ObserveDefaultMaxAge,
	}
}

// Transport returns the UDP transport settings.
func (c Config) Transport() udp.Config {
	return udp.Config{
		Address:           c.Address(),
		PortWalk:          c.PortWalk,
		MulticastGroup:    c.MulticastGroup,
		RateLimitCapacity: c.RateLimitCapacity,
		RateLimitRefill:   c.RateLimitRefill,
		MaxClients:        c.MaxClients,

		BreakerMaxFailures:  c.BreakerMaxFailures,
		BreakerResetTimeout: c.BreakerResetTimeout,
	}
}
