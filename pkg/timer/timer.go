// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package timer

import (
	"time"

	"github.com/google/btree"
)

// Never is returned by NextTimeout when nothing is scheduled.
const Never time.Duration = -1

const degree = 8

// Timer is a deadline with a callback. The zero value is ready to use once
// Callback is set. A Timer belongs to at most one Scheduler at a time.
type Timer struct {
	// Callback runs when the deadline passes. The timer is no longer
	// scheduled when it runs, so it may reschedule itself.
	Callback func()

	// Cancel, if set, runs when the scheduler is released while the timer
	// is still pending.
	Cancel func()

	fireAt    time.Time
	seq       uint64
	gen       uint64
	scheduled bool
}

// FireAt returns the absolute deadline of a scheduled timer.
func (t *Timer) FireAt() time.Time {
	return t.fireAt
}

// Scheduler keeps timers ordered by deadline. It is not safe for concurrent
// use; the engine drives it from a single goroutine.
type Scheduler struct {
	now  func() time.Time
	tree *btree.BTreeG[*Timer]
	seq  uint64
	gen  uint64
}

func less(a, b *Timer) bool {
	if a.fireAt.Equal(b.fireAt) {
		return a.seq < b.seq
	}
	return a.fireAt.Before(b.fireAt)
}

// New returns an empty scheduler reading time from now. A nil now uses
// time.Now.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:  now,
		tree: btree.NewG(degree, less),
	}
}

// Schedule arms t to fire after d. A pending timer is moved.
func (s *Scheduler) Schedule(t *Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.Invalidate(t)
	s.seq++
	t.seq = s.seq
	t.fireAt = s.now().Add(d)
	t.scheduled = true
	s.tree.ReplaceOrInsert(t)
}

// Invalidate disarms t without running any of its hooks.
func (s *Scheduler) Invalidate(t *Timer) {
	s.bump(t)
	if !t.scheduled {
		return
	}
	s.tree.Delete(t)
	t.scheduled = false
}

// IsScheduled reports whether t is pending.
func (s *Scheduler) IsScheduled(t *Timer) bool {
	return t.scheduled
}

// Remaining returns the time until t fires, zero if overdue, or Never when
// t is not pending.
func (s *Scheduler) Remaining(t *Timer) time.Duration {
	if !t.scheduled {
		return Never
	}
	d := t.fireAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// NextTimeout returns how long until the earliest timer fires, or Never.
func (s *Scheduler) NextTimeout() time.Duration {
	t, ok := s.tree.Min()
	if !ok {
		return Never
	}
	d := t.fireAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

type due struct {
	t   *Timer
	gen uint64
}

// HandleTimers fires every timer whose deadline has passed and returns how
// many ran. Timers scheduled by the callbacks wait for the next call.
func (s *Scheduler) HandleTimers() int {
	now := s.now()
	var fired []due
	for {
		t, ok := s.tree.Min()
		if !ok || t.fireAt.After(now) {
			break
		}
		s.tree.DeleteMin()
		t.scheduled = false
		fired = append(fired, due{t: t, gen: t.gen})
	}

	n := 0
	for _, f := range fired {
		// Skip timers moved or disarmed by an earlier callback.
		if f.t.scheduled || f.t.gen != f.gen {
			continue
		}
		s.bump(f.t)
		n++
		if f.t.Callback != nil {
			f.t.Callback()
		}
	}
	return n
}

// bump stamps t with a generation no earlier stamp can equal, even after
// the owner zeroes and reuses the Timer.
func (s *Scheduler) bump(t *Timer) {
	s.gen++
	t.gen = s.gen
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	return s.tree.Len()
}

// Release disarms every pending timer and runs its Cancel hook.
func (s *Scheduler) Release() {
	for {
		t, ok := s.tree.DeleteMin()
		if !ok {
			return
		}
		t.scheduled = false
		s.bump(t)
		if t.Cancel != nil {
			t.Cancel()
		}
	}
}
