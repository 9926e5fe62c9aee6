// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides circuit breakers guarding outbound sends, so a
// peer whose packets keep failing at the socket is skipped for a while
// instead of retried on every retransmission.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Now(),
	}
}

// Call executes fn if the circuit breaker allows it and records the result.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if cb.state != StateOpen {
		return nil
	}
	if cb.config.Now().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
		notify = cb.setState(StateHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	var notify func()
	if err != nil {
		notify = cb.onFailure()
	} else {
		notify = cb.onSuccess()
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (cb *CircuitBreaker) onFailure() func() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			return cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		return cb.setState(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() func() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed)
		}
	}
	return nil
}

// setState changes the state and returns the pending notification, which
// the caller runs after releasing the lock.
func (cb *CircuitBreaker) setState(newState State) func() {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.config.Now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(oldState, newState) }
	}
	return nil
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes. It runs on the
// goroutine that caused the change.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Group holds one circuit breaker per key.
type Group[K comparable] struct {
	mu       sync.Mutex
	config   Config
	max      int
	breakers map[K]*CircuitBreaker
	onChange func(key K, from, to State)
}

// NewGroup creates a group tracking at most max keys. When full, closed
// breakers are dropped to make room; if none are closed, new keys are not
// guarded.
func NewGroup[K comparable](config Config, max int) *Group[K] {
	config.applyDefaults()
	if max <= 0 {
		max = 10000
	}
	return &Group[K]{
		config:   config,
		max:      max,
		breakers: make(map[K]*CircuitBreaker),
	}
}

// OnStateChange registers a callback for state changes of any breaker.
// Register it before the first Call.
func (g *Group[K]) OnStateChange(fn func(key K, from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Call runs fn through the breaker for key.
func (g *Group[K]) Call(key K, fn func() error) error {
	cb := g.get(key)
	if cb == nil {
		return fn()
	}
	return cb.Call(fn)
}

// State returns the state of the breaker for key. Unknown keys are closed.
func (g *Group[K]) State(key K) State {
	g.mu.Lock()
	cb, ok := g.breakers[key]
	g.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Len returns the number of tracked keys.
func (g *Group[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.breakers)
}

func (g *Group[K]) get(key K) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	if len(g.breakers) >= g.max {
		for k, cb := range g.breakers {
			if cb.State() == StateClosed {
				delete(g.breakers, k)
			}
		}
		if len(g.breakers) >= g.max {
			return nil
		}
	}

	cb := New(g.config)
	if fn := g.onChange; fn != nil {
		cb.OnStateChange(func(from, to State) { fn(key, from, to) })
	}
	g.breakers[key] = cb
	return cb
}
