// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP transport for the SMCP engine.
//
// # Overview
//
// The transport binds one unicast socket and, optionally, a socket joined
// to a multicast group on the same port. Each socket has a reader goroutine
// that copies datagrams into a bounded queue; the engine drains the queue
// through Receive from its own goroutine, so the engine itself never
// touches a socket except to Send.
//
// # Architecture
//
//	┌─────────┐        ┌──────────────┐        ┌────────┐
//	│  Peer   │ ─UDP─→ │ reader (uni) │ ─────→ │        │
//	└─────────┘        └──────────────┘        │ queue  │ ─Receive─→ engine
//	┌─────────┐        ┌──────────────┐        │        │
//	│  Group  │ ─UDP─→ │ reader (mc)  │ ─────→ │        │
//	└─────────┘        └──────────────┘        └────────┘
//
// # Port Selection
//
// When the requested port is in use the transport tries the following
// ports, up to PortWalk of them, and logs the port it settled on. A port of
// 0 asks the system for any free port.
//
// # Rate Limiting
//
// With RateLimitCapacity set, every peer address gets a token bucket and
// datagrams beyond its budget are dropped before they reach the queue.
// Drops are counted by the rate limited metric with the "peer" label.
//
// # Send Breakers
//
// With BreakerMaxFailures set, each destination gets a circuit breaker.
// After that many consecutive socket errors, sends to the destination fail
// with breaker.ErrCircuitOpen until BreakerResetTimeout passes. The engine
// sees this as an ordinary send failure.
//
// # Example
//
//	tr, err := udp.Listen(ctx, udp.Config{
//		Address:        ":5683",
//		MulticastGroup: "224.0.1.187",
//	})
//	if err != nil {
//		return err
//	}
//	d, err := engine.New(engine.Config{Root: root}, tr)
package udp
