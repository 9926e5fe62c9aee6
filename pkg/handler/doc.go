// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the authorization hook consulted by the SMCP
// engine.
//
// # Data Flow
//
//	Peer → Daemon (decode, dedup) → Handler.VerifyRequest → node tree → Peer
//	Peer → Daemon (decode, dedup) → Handler.HandleResponse → transaction callback
//
// # Context
//
// The Context struct describes the packet under consideration:
//   - DaemonID: Instance that received the packet
//   - Peer: Remote endpoint
//   - Type, Code, MessageID, Token: Header fields
//   - Path: Request URI-Path
//   - TransactionToken: Token of the matched transaction (responses)
//   - Multicast: Whether the packet arrived on a multicast group
//
// # Implementation
//
// Applications implement Handler to plug in their credential scheme. The
// NoopHandler allows everything and is the default.
//
// # Example
//
//	type ACL struct {
//		allowed map[netip.Addr]bool
//	}
//
//	func (a *ACL) VerifyRequest(ctx context.Context, hctx *handler.Context) error {
//		if !a.allowed[hctx.Peer.Addr()] {
//			return smcperr.NotAllowed
//		}
//		return nil
//	}
package handler
