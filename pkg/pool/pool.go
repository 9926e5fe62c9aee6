// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides an arena of reusable objects. A bounded pool is
// backed by a single preallocated array and never allocates after New; an
// unbounded pool grows on demand.
package pool

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrPoolExhausted is returned when every object is in use.
	ErrPoolExhausted = errors.New("pool exhausted")
)

// Config holds pool configuration.
type Config struct {
	// MaxActive is the maximum number of objects handed out at once.
	// If 0, there is no limit and objects are allocated on demand.
	MaxActive int
}

// Pool hands out *T values and takes them back.
type Pool[T any] struct {
	mu      sync.Mutex
	config  Config
	backing []T
	idle    []*T
	owned   map[*T]struct{}
	active  int
	closed  bool
}

// New creates a pool. Objects are zeroed when returned with Put.
func New[T any](cfg Config) *Pool[T] {
	p := &Pool[T]{
		config: cfg,
		owned:  make(map[*T]struct{}),
	}
	if cfg.MaxActive > 0 {
		p.backing = make([]T, cfg.MaxActive)
		p.idle = make([]*T, 0, cfg.MaxActive)
		for i := len(p.backing) - 1; i >= 0; i-- {
			p.idle = append(p.idle, &p.backing[i])
		}
	}
	return p
}

// Get returns an idle object or allocates one if the pool is unbounded.
func (p *Pool[T]) Get() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	var v *T
	switch {
	case len(p.idle) > 0:
		v = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
	case p.config.MaxActive == 0:
		v = new(T)
	default:
		return nil, ErrPoolExhausted
	}
	p.owned[v] = struct{}{}
	p.active++
	return v, nil
}

// Put zeroes v and makes it available again. Objects that did not come from
// this pool, or were already returned, are ignored.
func (p *Pool[T]) Put(v *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.owned[v]; !ok {
		return
	}
	delete(p.owned, v)
	p.active--

	var zero T
	*v = zero
	if !p.closed {
		p.idle = append(p.idle, v)
	}
}

// Close rejects further Get calls and drops idle objects.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true
	p.idle = nil
	return nil
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
