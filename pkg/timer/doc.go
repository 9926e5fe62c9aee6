// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timer provides the deadline scheduler that drives retransmission,
// observation lifetimes, and user periodic events.
//
// Timers are kept in a github.com/google/btree ordered by deadline, with
// ties broken by scheduling order. The scheduler never sleeps: the owner
// asks NextTimeout how long it may block, then calls HandleTimers.
package timer
