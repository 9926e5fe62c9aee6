// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the SMCP protocol daemon.
//
// A Daemon owns one Transport, a node tree, a transaction table, and a timer
// scheduler. Everything runs on the goroutine that calls Process or Run:
// handlers, response callbacks, and timer callbacks are never concurrent
// with each other, so none of the daemon state is locked.
//
// # Server side
//
// An inbound request is verified, fingerprinted against the duplicate
// ring, and routed through the node tree one URI-Path segment at a time.
// The resolved node's RequestHandler composes its answer with
// BeginResponse, the option and content setters, and Send. A confirmable
// request the handler leaves unanswered gets an automatic response derived
// from the handler's error. Handlers that need time call
// StartAsyncResponse, return, and later answer through BeginAsyncResponse.
//
// # Client side
//
// A Transaction pairs a ResendFunc, which composes and sends the request,
// with a ResponseFunc. Begin assigns a message id and token and arms the
// retransmission timer; retries back off exponentially until the
// expiration. FlagObserve keeps the transaction alive across notifications
// and restarts it when it lapses, and FlagAlwaysInvalidate enables Block2
// continuation. SendRequest covers the common case.
package engine
