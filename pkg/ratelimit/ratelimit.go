// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMaxClients bounds the number of tracked keys.
	DefaultMaxClients = 10000

	cleanupInterval = 5 * time.Minute
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Option configures a TokenBucket or Limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	now        func() time.Time
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64, opts ...Option) *TokenBucket {
	o := applyOptions(opts)
	return newTokenBucket(capacity, refillRate, o.now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		now:        now,
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
	}
}

// Allow checks if a request should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time. Partial tokens carry over
// because lastRefill only moves when a whole token is added.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= tb.capacity
}

// Limiter manages one token bucket per key, such as a peer address.
type Limiter[K comparable] struct {
	mu           sync.RWMutex
	now          func() time.Time
	limiters     map[K]*TokenBucket
	capacity     int64
	refillRate   int64
	maxClients   int
	cleanupTimer *time.Timer
}

// NewLimiter creates a new rate limiter with per-key tracking. If
// maxClients is 0, DefaultMaxClients is used.
func NewLimiter[K comparable](capacity, refillRate int64, maxClients int, opts ...Option) *Limiter[K] {
	if maxClients == 0 {
		maxClients = DefaultMaxClients
	}
	o := applyOptions(opts)

	l := &Limiter[K]{
		now:        o.now,
		limiters:   make(map[K]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
	}

	// Periodic cleanup of idle buckets
	l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)

	return l
}

// Allow checks if a request from the given key should be allowed.
func (l *Limiter[K]) Allow(key K) bool {
	return l.AllowN(key, 1)
}

// AllowN checks if N requests from the given key should be allowed. New
// keys are refused once maxClients keys are tracked.
func (l *Limiter[K]) AllowN(key K, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[key]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}

			tb = newTokenBucket(l.capacity, l.refillRate, l.now)
			l.limiters[key] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Prune drops every bucket that has refilled completely, since such a key
// behaves exactly like an unseen one. It returns how many were dropped.
func (l *Limiter[K]) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, tb := range l.limiters {
		if tb.full() {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

func (l *Limiter[K]) cleanup() {
	l.Prune()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)
	}
}

// Stats returns limiter statistics.
func (l *Limiter[K]) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter[K]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
		l.cleanupTimer = nil
	}
}
