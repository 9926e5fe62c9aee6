// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints for a
// running SMCP daemon.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hwkang0621/smcp/pkg/engine"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type entry struct {
	check    CheckFunc
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]entry
	cache  map[string]*Check
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the time source used for caching.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration, opts ...Option) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	c := &Checker{
		checks: make(map[string]entry),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a health check. A failing check degrades the overall status.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a health check whose failure makes the overall
// status unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = entry{check: check, critical: critical}
	delete(c.cache, name)
}

// Health returns the overall health status. Checks are reported in name order.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	overallStatus := StatusHealthy

	for _, name := range names {
		e := c.checks[name]

		check, ok := c.cache[name]
		if !ok || c.now().Sub(check.LastChecked) >= c.ttl {
			start := c.now()
			err := e.check(ctx)
			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				LastChecked: c.now(),
				Duration:    c.now().Sub(start),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		checks = append(checks, *check)
		if check.Status == StatusHealthy {
			continue
		}
		if e.critical {
			overallStatus = StatusUnhealthy
		} else if overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return overallStatus, checks
}

// StatsFunc returns a daemon counter snapshot. (*engine.Daemon).Stats
// satisfies it.
type StatsFunc func() engine.Stats

// TransactionCheck fails when the daemon holds more than max live
// transactions.
func TransactionCheck(stats StatsFunc, max int64) CheckFunc {
	return func(ctx context.Context) error {
		if n := stats().Transactions; n > max {
			return fmt.Errorf("too many transactions: %d > %d", n, max)
		}
		return nil
	}
}

// ActivityCheck fails when the daemon has seen no traffic for longer than
// idle. A daemon that has not seen any traffic yet is healthy.
func ActivityCheck(stats StatsFunc, idle time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		last := stats().LastActivity
		if last.IsZero() {
			return nil
		}
		if since := now().Sub(last); since > idle {
			return fmt.Errorf("no activity for %s", since.Truncate(time.Second))
		}
		return nil
	}
}

// BadPacketCheck fails when more than ratio of the received packets were
// malformed. It stays healthy until minPackets have arrived.
func BadPacketCheck(stats StatsFunc, ratio float64, minPackets uint64) CheckFunc {
	return func(ctx context.Context) error {
		s := stats()
		if s.PacketsIn < minPackets || s.PacketsIn == 0 {
			return nil
		}
		if r := float64(s.BadPackets) / float64(s.PacketsIn); r > ratio {
			return fmt.Errorf("bad packet ratio %.2f exceeds %.2f", r, ratio)
		}
		return nil
	}
}

type response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTPHandler returns an HTTP handler for health checks. A degraded daemon
// still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{Status: status, Checks: checks})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{Status: status, Checks: checks})
	}
}

// Mux returns a ServeMux exposing /health, /ready and /live.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/ready", c.ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
