// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/hwkang0621/smcp/pkg/coap"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// composer is the single outbound buffer of a daemon.
type composer struct {
	enc *coap.Encoder
	dst netip.AddrPort
	// in is the inbound being answered; nil when sending a request.
	in *Inbound

	lastType message.Type
	lastCode codes.Code
}

func newComposer(max int) composer {
	return composer{enc: coap.NewEncoder(max)}
}

// nextMessageID returns a fresh message id not used by any live transaction.
func (d *Daemon) nextMessageID() uint16 {
	for i := 0; i <= 0xFFFF; i++ {
		id := d.nextMsgID
		d.nextMsgID++
		if d.FindByMessageID(id) == nil {
			return id
		}
	}
	panic("engine: message id space exhausted")
}

// BeginResponse starts composing a response to the current inbound packet.
// A confirmable request is answered with a piggybacked ACK carrying its
// message id; anything else gets a fresh id and the request's own type. The
// token is echoed unless code is Empty.
func (d *Daemon) BeginResponse(code codes.Code) error {
	if d.inbound == nil {
		return smcperr.ResponseNotAllowed
	}
	return d.beginResponseTo(d.inbound, code)
}

func (d *Daemon) beginResponseTo(in *Inbound, code codes.Code) error {
	e := d.out.enc
	switch {
	case in.fake:
		e.Reset(in.Type(), code, d.nextMessageID())
	case in.Type() == message.Confirmable:
		e.Reset(message.Acknowledgement, code, in.MessageID())
	default:
		e.Reset(message.NonConfirmable, code, d.nextMessageID())
	}
	if code != codes.Empty {
		if err := e.SetToken(in.Token()); err != nil {
			return err
		}
	}
	d.out.dst = in.peer
	d.out.in = in
	return nil
}

// BeginRequest starts composing a request to dst. When t is set the packet
// carries the transaction's message id and token.
func (d *Daemon) BeginRequest(t *Transaction, dst netip.AddrPort, code codes.Code, typ message.Type) error {
	if !dst.IsValid() {
		return smcperr.Wrap(smcperr.InvalidArgument, "invalid destination")
	}
	e := d.out.enc
	if t == nil {
		e.Reset(typ, code, d.nextMessageID())
	} else {
		e.Reset(typ, code, t.msgID)
		if err := e.SetToken(t.TokenBytes()); err != nil {
			return err
		}
		t.sentCode = code
	}
	d.out.dst = dst
	d.out.in = nil
	return nil
}

// Outbound exposes the packet being composed.
func (d *Daemon) Outbound() *coap.Encoder {
	return d.out.enc
}

// SetDestination overrides where the composed packet is sent.
func (d *Daemon) SetDestination(dst netip.AddrPort) {
	d.out.dst = dst
}

// SetToken replaces the outbound token.
func (d *Daemon) SetToken(tok []byte) error {
	return d.out.enc.SetToken(tok)
}

// AddOption appends an outbound option. Keys must ascend.
func (d *Daemon) AddOption(key message.OptionID, value []byte) error {
	return d.out.enc.AddOption(key, value)
}

// AddOptionString appends a string option.
func (d *Daemon) AddOptionString(key message.OptionID, value string) error {
	return d.out.enc.AddOptionString(key, value)
}

// AddOptionUint appends an integer option.
func (d *Daemon) AddOptionUint(key message.OptionID, value uint32) error {
	return d.out.enc.AddOptionUint(key, value)
}

// SetContentFormat appends the Content-Format option.
func (d *Daemon) SetContentFormat(mt message.MediaType) error {
	return d.out.enc.AddOptionUint(message.ContentFormat, uint32(mt))
}

// AppendContent appends to the outbound payload.
func (d *Daemon) AppendContent(p []byte) error {
	return d.out.enc.AppendPayload(p)
}

// AppendContentString appends a string to the outbound payload.
func (d *Daemon) AppendContentString(s string) error {
	return d.out.enc.AppendPayload([]byte(s))
}

// Printf formats into the outbound payload.
func (d *Daemon) Printf(format string, args ...any) error {
	return d.out.enc.AppendPayload(fmt.Appendf(nil, format, args...))
}

// SetContent replaces the outbound payload.
func (d *Daemon) SetContent(p []byte) error {
	return d.out.enc.SetPayload(p)
}

// Send transmits the composed packet and marks the inbound it answers as
// responded to.
func (d *Daemon) Send() error {
	e := d.out.enc
	if err := e.Err(); err != nil {
		return err
	}

	if err := d.tr.Send(e.Bytes(), d.out.dst); err != nil {
		d.logger.Warn("failed to send packet",
			slog.String("peer", d.out.dst.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", smcperr.Errno, err)
	}

	d.out.lastType = e.Type()
	d.out.lastCode = e.Code()
	if d.out.in != nil {
		d.out.in.didRespond = true
	}
	d.stats.packetsOut.Add(1)
	d.metrics.PacketSent(e.Type().String())
	return nil
}

// tokenBytes encodes a transaction token for the wire.
func tokenBytes(tok uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], tok)
	return b[:]
}
