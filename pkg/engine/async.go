// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/hwkang0621/smcp/pkg/coap"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// AsyncSnapshotSize bounds the header and options kept for a deferred
// response.
const AsyncSnapshotSize = 96

// AsyncFlags tune StartAsyncResponse.
type AsyncFlags uint8

// AsyncDontAck skips the empty ACK, for when the handler answers separately
// through another path.
const AsyncDontAck AsyncFlags = 1 << 0

// AsyncResponse remembers enough of a request to answer it after the
// handler has returned. Payloads are not kept.
type AsyncResponse struct {
	request [AsyncSnapshotSize]byte
	n       int
	peer    netip.AddrPort
}

// Peer returns the requester.
func (x *AsyncResponse) Peer() netip.AddrPort { return x.peer }

// Token returns the request token.
func (x *AsyncResponse) Token() []byte { return x.Request().Token() }

// Request returns the saved header and options.
func (x *AsyncResponse) Request() coap.Packet { return coap.Packet(x.request[:x.n]) }

// StartAsyncResponse snapshots the inbound request into x and, unless
// AsyncDontAck is given, acknowledges it with an empty ACK. It returns
// smcperr.Dupe for a retransmitted request so the handler does not start
// the same work twice.
func (d *Daemon) StartAsyncResponse(x *AsyncResponse, flags AsyncFlags) error {
	if x == nil {
		return smcperr.InvalidArgument
	}
	in := d.inbound
	if in == nil {
		return smcperr.ResponseNotAllowed
	}

	n := in.packet.HeaderAndOptionsLen()
	if n < 0 || n > AsyncSnapshotSize {
		d.logger.Warn("request too large to answer asynchronously",
			slog.String("peer", in.peer.String()),
			slog.Int("size", n))
		return smcperr.Wrap(smcperr.Failure, "request exceeds async snapshot")
	}
	x.n = copy(x.request[:], in.packet[:n])
	x.peer = in.peer

	if flags&AsyncDontAck == 0 {
		if in.fake {
			return smcperr.NotImplemented
		}
		if err := d.BeginResponse(codes.Empty); err != nil {
			return err
		}
		if err := d.Send(); err != nil {
			return err
		}
	}

	if in.dupe {
		return smcperr.Dupe
	}
	return nil
}

// BeginAsyncResponse starts composing the deferred response to x. The
// message id is fresh and the type follows the original request.
func (d *Daemon) BeginAsyncResponse(x *AsyncResponse, code codes.Code) error {
	if x == nil || x.n == 0 {
		return smcperr.InvalidArgument
	}
	in, err := d.fakeInbound(context.Background(), x)
	if err != nil {
		return err
	}
	return d.beginResponseTo(in, code)
}

// FinishAsyncResponse releases x. Nothing is held, so it only clears the
// snapshot.
func (d *Daemon) FinishAsyncResponse(x *AsyncResponse) {
	if x != nil {
		*x = AsyncResponse{}
	}
}

// Redispatch routes the saved request of x again, as if it had just
// arrived. Handlers see it through Inbound().IsFake().
func (d *Daemon) Redispatch(ctx context.Context, x *AsyncResponse) error {
	if x == nil || x.n == 0 {
		return smcperr.InvalidArgument
	}
	in, err := d.fakeInbound(ctx, x)
	if err != nil {
		return err
	}

	prev := d.inbound
	d.inbound = in
	defer func() { d.inbound = prev }()

	return d.handleRequest(in)
}

func (d *Daemon) fakeInbound(ctx context.Context, x *AsyncResponse) (*Inbound, error) {
	b := make([]byte, x.n)
	copy(b, x.request[:x.n])
	in := newInbound(ctx, b, x.peer)
	in.fake = true
	in.local = d.tr.LocalAddr()
	if err := in.scan(); err != nil {
		return nil, err
	}
	return in, nil
}
