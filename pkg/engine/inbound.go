// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/hwkang0621/smcp/pkg/coap"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/hwkang0621/smcp/pkg/handler"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Inbound is the packet currently being dispatched. It is only valid for the
// duration of the handler or callback it is passed to.
type Inbound struct {
	ctx       context.Context
	packet    coap.Packet
	peer      netip.AddrPort
	local     netip.AddrPort
	multicast bool
	fake      bool
	dupe      bool
	hash      uint32

	contentType    message.MediaType
	hasContentType bool
	block2         uint32
	observe        uint32
	hasObserve     bool
	maxAge         uint32
	content        []byte

	opts       *coap.OptionReader
	didRespond bool
}

func newInbound(ctx context.Context, b []byte, peer netip.AddrPort) *Inbound {
	p := coap.Packet(b)
	return &Inbound{
		ctx:    ctx,
		packet: p,
		peer:   peer,
		opts:   coap.NewOptionReader(p.Options()),
	}
}

// scan records the options the engine cares about and locates the payload.
func (in *Inbound) scan() error {
	r := coap.NewOptionReader(in.packet.Options())
	for {
		key, value, ok := r.Next()
		if !ok {
			break
		}
		switch key {
		case message.ContentFormat:
			in.contentType = message.MediaType(coap.DecodeUint(value))
			in.hasContentType = true
		case message.Block2:
			in.block2 = coap.DecodeUint(value)
		case message.Observe:
			in.observe = coap.DecodeUint(value)
			in.hasObserve = true
		case message.MaxAge:
			in.maxAge = coap.DecodeUint(value) + 1
			if in.maxAge < 5 {
				in.maxAge = 5
			}
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	in.content = r.Payload()
	in.opts.Reset()
	return nil
}

// Context returns the context of the Process call that delivered the packet.
func (in *Inbound) Context() context.Context { return in.ctx }

// Packet returns the raw packet view.
func (in *Inbound) Packet() coap.Packet { return in.packet }

// Peer returns the sender.
func (in *Inbound) Peer() netip.AddrPort { return in.peer }

// Type returns the transaction type.
func (in *Inbound) Type() message.Type { return in.packet.Type() }

// Code returns the method or result code.
func (in *Inbound) Code() codes.Code { return in.packet.Code() }

// MessageID returns the message id.
func (in *Inbound) MessageID() uint16 { return in.packet.MessageID() }

// Token returns the token.
func (in *Inbound) Token() []byte { return in.packet.Token() }

// Content returns the payload.
func (in *Inbound) Content() []byte { return in.content }

// ContentString returns the payload as a string.
func (in *Inbound) ContentString() string { return string(in.content) }

// ContentType returns the Content-Format and whether one was present.
func (in *Inbound) ContentType() (message.MediaType, bool) {
	return in.contentType, in.hasContentType
}

// Block2 returns the raw Block2 value, zero when absent.
func (in *Inbound) Block2() uint32 { return in.block2 }

// Observe returns the Observe sequence and whether one was present.
func (in *Inbound) Observe() (uint32, bool) { return in.observe, in.hasObserve }

// MaxAge returns the adjusted Max-Age, zero when absent.
func (in *Inbound) MaxAge() time.Duration {
	return time.Duration(in.maxAge) * time.Second
}

// IsDupe reports whether the exchange was seen recently.
func (in *Inbound) IsDupe() bool { return in.dupe }

// IsFake reports whether the packet was synthesized from an async snapshot.
func (in *Inbound) IsFake() bool { return in.fake }

// IsMulticast reports whether the packet arrived on a multicast group.
func (in *Inbound) IsMulticast() bool { return in.multicast }

// OriginIsLocal reports whether the sender is this host.
func (in *Inbound) OriginIsLocal() bool {
	a := in.peer.Addr().Unmap()
	return a.IsLoopback() || (in.local.IsValid() && a == in.local.Addr().Unmap())
}

// NextOption consumes the next unread option. After request routing the
// cursor sits on the first option the router did not consume.
func (in *Inbound) NextOption() (message.OptionID, []byte, bool) {
	return in.opts.Next()
}

// PeekOption returns the key of the next unread option.
func (in *Inbound) PeekOption() message.OptionID {
	return in.opts.Peek()
}

// ResetOptions rewinds the option cursor to the first option.
func (in *Inbound) ResetOptions() {
	in.opts.Reset()
}

// OptionEquals reports whether the next unread option has the given key and
// value. It consumes the option only when it matches.
func (in *Inbound) OptionEquals(key message.OptionID, value string) bool {
	m := in.opts.Mark()
	k, v, ok := in.opts.Next()
	if ok && k == key && string(v) == value {
		return true
	}
	in.opts.Rewind(m)
	return false
}

// Path returns every URI-Path segment joined with '/'.
func (in *Inbound) Path() string {
	r := coap.NewOptionReader(in.packet.Options())
	var segs []string
	for {
		key, value, ok := r.Next()
		if !ok || key > message.URIPath {
			break
		}
		if key == message.URIPath {
			segs = append(segs, string(value))
		}
	}
	return strings.Join(segs, "/")
}

// Queries returns every URI-Query option.
func (in *Inbound) Queries() []string {
	r := coap.NewOptionReader(in.packet.Options())
	var qs []string
	for {
		key, value, ok := r.Next()
		if !ok || key > message.URIQuery {
			break
		}
		if key == message.URIQuery {
			qs = append(qs, string(value))
		}
	}
	return qs
}

func (in *Inbound) handlerContext(d *Daemon) *handler.Context {
	hctx := &handler.Context{
		DaemonID:  d.id,
		Peer:      in.peer,
		Type:      in.Type(),
		Code:      in.Code(),
		MessageID: in.MessageID(),
		Token:     in.Token(),
		Multicast: in.multicast,
	}
	if coap.IsRequest(in.Code()) {
		hctx.Path = in.Path()
	}
	return hctx
}

// Inbound returns the packet currently being dispatched, or nil.
func (d *Daemon) Inbound() *Inbound {
	return d.inbound
}

// HandleInbound dispatches one datagram. Malformed packets, bad options
// included, are rejected before duplicate detection and never answered.
func (d *Daemon) HandleInbound(ctx context.Context, dg Datagram) error {
	d.stats.packetsIn.Add(1)
	d.touch()

	if !coap.VerifyPacket(dg.Data) {
		d.stats.badPackets.Add(1)
		d.metrics.BadPacket()
		return smcperr.New("verify", dg.Peer.String(), 0, smcperr.BadPacket)
	}

	in := newInbound(ctx, dg.Data, dg.Peer)
	in.multicast = dg.Multicast
	in.local = d.tr.LocalAddr()
	p := in.packet
	if err := in.scan(); err != nil {
		d.stats.badPackets.Add(1)
		d.metrics.BadPacket()
		return smcperr.New("options", dg.Peer.String(), p.MessageID(), err)
	}
	d.metrics.PacketReceived(p.Type().String())

	in.hash = exchangeHash(dg.Peer, p.Code(), p.MessageID())
	if d.dupes.contains(in.hash) {
		in.dupe = true
		d.stats.dupes.Add(1)
		d.metrics.Dupe()
		d.logger.Debug("duplicate packet",
			slog.String("peer", dg.Peer.String()),
			slog.Int("msg_id", int(p.MessageID())))
	}

	prev := d.inbound
	d.inbound = in
	defer func() { d.inbound = prev }()

	if in.multicast && p.Type() == message.Confirmable {
		return smcperr.New("verify", dg.Peer.String(), p.MessageID(),
			smcperr.Wrap(smcperr.Failure, "confirmable multicast"))
	}

	var ret error
	switch {
	case coap.IsRequest(p.Code()):
		ret = d.metrics.ObserveDispatch("request", func() error {
			return d.handleRequest(in)
		})
		d.metrics.Request(p.Code().String(), smcperr.StatusOf(ret).String())
	case p.Code() == codes.Empty || coap.IsResult(p.Code()):
		ret = d.metrics.ObserveDispatch("response", func() error {
			return d.handleResponse(in)
		})
	}

	if ret == nil && !in.fake && !in.dupe &&
		(p.Code() != codes.GET || (in.didRespond &&
			d.out.lastCode == codes.Empty && d.out.lastType == message.Acknowledgement)) {
		d.dupes.add(in.hash)
	}

	if !in.didRespond && p.Type() == message.Confirmable {
		ret = d.autoRespond(in, ret)
	}

	if ret != nil {
		return smcperr.New("dispatch", dg.Peer.String(), p.MessageID(), ret)
	}
	return nil
}

// autoRespond answers a confirmable packet the handlers left unanswered.
func (d *Daemon) autoRespond(in *Inbound, status error) error {
	code := in.Code()
	if coap.IsRequest(code) {
		result := coap.ResultCode(status)
		if in.dupe {
			status = nil
		}
		if status == nil {
			switch code {
			case codes.GET, codes.POST, codes.PUT, codes.DELETE:
				result = coap.MethodResultCode(code)
			}
		}
		if err := d.BeginResponse(result); err != nil {
			return err
		}
		return d.Send()
	}

	if err := d.BeginResponse(codes.Empty); err != nil {
		return err
	}
	if status != nil && !in.dupe {
		d.out.enc.SetType(message.Reset)
	} else {
		d.out.enc.SetType(message.Acknowledgement)
	}
	if err := d.out.enc.SetToken(nil); err != nil {
		return err
	}
	return d.Send()
}

// handleRequest authorizes the request, walks the node tree one URI-Path
// segment at a time, and invokes the resolved handler. An unresolved
// segment stops the walk and is left for the handler to read.
func (d *Daemon) handleRequest(in *Inbound) error {
	if err := d.auth.VerifyRequest(in.ctx, in.handlerContext(d)); err != nil {
		return err
	}

	node := d.root
	if node == nil {
		return smcperr.NotFound
	}

	in.opts.Reset()
walk:
	for {
		mark := in.opts.Mark()
		key, value, ok := in.opts.Next()
		if !ok {
			break
		}
		switch {
		case key > message.URIPath:
			in.opts.Rewind(mark)
			break walk
		case key == message.URIPath:
			next := node.Find(string(value))
			if next == nil {
				in.opts.Rewind(mark)
				break walk
			}
			node = next
		case key == message.URIHost, key == message.URIPort:
			// No virtual hosting.
		case coap.IsCritical(key):
			d.logger.Debug("unrecognized critical option",
				slog.String("peer", in.peer.String()),
				slog.Int("option", int(key)))
			return smcperr.BadOption
		}
	}

	h := node.Handler()
	if h == nil {
		h = DefaultRequestHandler
	}
	return h(&Request{
		Daemon: d,
		Node:   node,
		Method: in.Code(),
		In:     in,
	})
}
