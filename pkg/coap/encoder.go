// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"

	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Encoder composes a single packet into a bounded buffer. The first error
// is sticky: later calls become no-ops and Err reports it.
type Encoder struct {
	buf        []byte
	max        int
	lastKey    message.OptionID
	hasOptions bool
	hasPayload bool
	err        error
}

// NewEncoder returns an encoder that never grows beyond max bytes. A max of
// zero means MaxPacketSize.
func NewEncoder(max int) *Encoder {
	if max <= 0 {
		max = MaxPacketSize
	}
	e := &Encoder{buf: make([]byte, 0, max), max: max}
	e.Reset(message.Confirmable, codes.Empty, 0)
	return e
}

// Reset discards the packet and writes a fresh header with no token.
func (e *Encoder) Reset(t message.Type, code codes.Code, msgID uint16) {
	e.buf = append(e.buf[:0], Version<<6, 0, 0, 0)
	e.lastKey = 0
	e.hasOptions = false
	e.hasPayload = false
	e.err = nil
	e.SetType(t)
	e.SetCode(code)
	e.SetMessageID(msgID)
}

// SetType sets the transaction type.
func (e *Encoder) SetType(t message.Type) {
	e.buf[0] = e.buf[0]&^0x30 | byte(t&0x03)<<4
}

// SetCode sets the method or result code.
func (e *Encoder) SetCode(c codes.Code) {
	e.buf[1] = byte(c)
}

// SetMessageID sets the message id.
func (e *Encoder) SetMessageID(id uint16) {
	e.buf[2] = byte(id >> 8)
	e.buf[3] = byte(id)
}

// Type returns the transaction type in the header.
func (e *Encoder) Type() message.Type { return Packet(e.buf).Type() }

// Code returns the code in the header.
func (e *Encoder) Code() codes.Code { return Packet(e.buf).Code() }

// MessageID returns the message id in the header.
func (e *Encoder) MessageID() uint16 { return Packet(e.buf).MessageID() }

// Token returns the token written so far.
func (e *Encoder) Token() []byte { return Packet(e.buf).Token() }

// SetToken writes the token. It must be called before any option or
// payload is added.
func (e *Encoder) SetToken(tok []byte) error {
	if e.err != nil {
		return e.err
	}
	if len(tok) > MaxTokenSize {
		return e.fail(smcperr.Wrap(smcperr.InvalidArgument, "token too long"))
	}
	if e.hasOptions || e.hasPayload {
		return e.fail(smcperr.Wrap(smcperr.Failure, "token set after options"))
	}
	e.buf = append(e.buf[:HeaderSize], tok...)
	e.buf[0] = e.buf[0]&^0x0F | byte(len(tok))
	return nil
}

// AddOption appends an option. Keys must be added in non-decreasing order.
func (e *Encoder) AddOption(key message.OptionID, value []byte) error {
	if e.err != nil {
		return e.err
	}
	if e.hasPayload {
		return e.fail(smcperr.Wrap(smcperr.Failure, "option after payload"))
	}
	if key < e.lastKey {
		return e.fail(smcperr.Wrap(smcperr.InvalidArgument, fmt.Sprintf("option %d added after %d", key, e.lastKey)))
	}
	if key >= OptionInvalid {
		return e.fail(smcperr.Wrap(smcperr.InvalidArgument, "option key out of range"))
	}

	delta := int(key - e.lastKey)
	need := 1 + nibbleExtLen(delta) + nibbleExtLen(len(value)) + len(value)
	if len(e.buf)+need > e.max {
		return e.fail(smcperr.MessageTooBig)
	}

	dn, dext := splitNibble(delta)
	ln, lext := splitNibble(len(value))
	e.buf = append(e.buf, byte(dn<<4|ln))
	e.buf = append(e.buf, dext...)
	e.buf = append(e.buf, lext...)
	e.buf = append(e.buf, value...)

	e.lastKey = key
	e.hasOptions = true
	return nil
}

// AddOptionString appends an option with a string value.
func (e *Encoder) AddOptionString(key message.OptionID, value string) error {
	return e.AddOption(key, []byte(value))
}

// AddOptionUint appends an option with a minimally encoded integer value.
func (e *Encoder) AddOptionUint(key message.OptionID, value uint32) error {
	var scratch [4]byte
	return e.AddOption(key, EncodeUint(scratch[:0], value))
}

// AppendPayload appends to the payload, writing the marker first if needed.
func (e *Encoder) AppendPayload(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if len(p) == 0 {
		return nil
	}
	need := len(p)
	if !e.hasPayload {
		need++
	}
	if len(e.buf)+need > e.max {
		return e.fail(smcperr.MessageTooBig)
	}
	if !e.hasPayload {
		e.buf = append(e.buf, PayloadMarker)
		e.hasPayload = true
	}
	e.buf = append(e.buf, p...)
	return nil
}

// SetPayload replaces the payload.
func (e *Encoder) SetPayload(p []byte) error {
	if e.err != nil {
		return e.err
	}
	if e.hasPayload {
		i := len(e.buf) - len(e.Payload()) - 1
		e.buf = e.buf[:i]
		e.hasPayload = false
	}
	return e.AppendPayload(p)
}

// Payload returns the payload written so far.
func (e *Encoder) Payload() []byte {
	if !e.hasPayload {
		return nil
	}
	return PacketPayload(e.buf)
}

// Available returns how many more payload bytes fit.
func (e *Encoder) Available() int {
	n := e.max - len(e.buf)
	if !e.hasPayload {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// Bytes returns the encoded packet. The slice is reused by the next Reset.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the encoded size.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Err returns the first error encountered.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) fail(err error) error {
	e.err = err
	return err
}

// PacketPayload returns the payload of a well formed packet, or nil.
func PacketPayload(b []byte) []byte {
	if !VerifyPacket(b) {
		return nil
	}
	r := NewOptionReader(Packet(b).Options())
	for {
		if _, _, ok := r.Next(); !ok {
			break
		}
	}
	return r.Payload()
}

func nibbleExtLen(v int) int {
	switch {
	case v < 13:
		return 0
	case v < 269:
		return 1
	}
	return 2
}

func splitNibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	}
	v -= 269
	return 14, []byte{byte(v >> 8), byte(v)}
}
