// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"net/netip"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Context describes the inbound packet being authorized.
type Context struct {
	// DaemonID identifies the daemon instance handling the packet
	DaemonID string

	// Peer is the remote endpoint that sent the packet
	Peer netip.AddrPort

	// Type is the transaction type of the packet
	Type message.Type

	// Code is the request method or response code
	Code codes.Code

	// MessageID is the message id of the packet
	MessageID uint16

	// Token is the packet token (view into the packet, do not retain)
	Token []byte

	// Path is the URI-Path of a request joined with '/'; empty for responses
	Path string

	// TransactionToken is the token of the matched transaction; responses only
	TransactionToken uint16

	// Multicast is set when the packet arrived on a multicast group
	Multicast bool
}

// Handler authorizes traffic on behalf of the daemon.
//
// VerifyRequest is called before a request is routed into the node tree.
// Returning an error aborts dispatch; the error is mapped to a result code
// for the peer.
//
// HandleResponse is called before a response is delivered to a matching
// transaction. Returning an error drops the response; the transaction keeps
// waiting for a valid one.
type Handler interface {
	// VerifyRequest authorizes an inbound request.
	VerifyRequest(ctx context.Context, hctx *Context) error

	// HandleResponse authorizes an inbound response.
	HandleResponse(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all traffic.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) VerifyRequest(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) HandleResponse(ctx context.Context, hctx *Context) error {
	return nil
}
