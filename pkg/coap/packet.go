// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Packet is a read-only view over a datagram. All accessors assume the
// packet passed VerifyPacket.
type Packet []byte

// VerifyPacket checks the minimum size, the version field, and that the
// token fits in the buffer.
func VerifyPacket(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	if b[0]>>6 != Version {
		return false
	}
	tkl := int(b[0] & 0x0F)
	return tkl <= MaxTokenSize && len(b) >= HeaderSize+tkl
}

// Version returns the version field.
func (p Packet) Version() uint8 {
	return p[0] >> 6
}

// Type returns the transaction type.
func (p Packet) Type() message.Type {
	return message.Type((p[0] >> 4) & 0x03)
}

// TokenLength returns the token length field.
func (p Packet) TokenLength() int {
	return int(p[0] & 0x0F)
}

// Code returns the method or result code.
func (p Packet) Code() codes.Code {
	return codes.Code(p[1])
}

// MessageID returns the message id.
func (p Packet) MessageID() uint16 {
	return uint16(p[2])<<8 | uint16(p[3])
}

// Token returns a view of the token bytes.
func (p Packet) Token() []byte {
	return p[HeaderSize : HeaderSize+p.TokenLength()]
}

// Options returns everything after the token, starting with the first
// option and including the payload marker and payload.
func (p Packet) Options() []byte {
	return p[HeaderSize+p.TokenLength():]
}

// IsEmpty reports whether the packet is an empty message.
func (p Packet) IsEmpty() bool {
	return p.Code() == codes.Empty
}

// HeaderAndOptionsLen returns the size of the packet without its payload.
// It returns -1 when the options are malformed.
func (p Packet) HeaderAndOptionsLen() int {
	r := NewOptionReader(p.Options())
	for {
		if _, _, ok := r.Next(); !ok {
			break
		}
	}
	if r.Err() != nil {
		return -1
	}
	return len(p) - len(r.Rest())
}

// DecodeOption consumes one option from b. prev is the key of the previous
// option. At the payload marker, at the end of b, or on a malformed option
// it returns OptionInvalid, a nil value, and b unchanged.
func DecodeOption(b []byte, prev message.OptionID) (message.OptionID, []byte, []byte) {
	if len(b) == 0 || b[0] == PayloadMarker {
		return OptionInvalid, nil, b
	}

	delta := int(b[0] >> 4)
	length := int(b[0] & 0x0F)
	i := 1

	var ok bool
	if delta, i, ok = extendNibble(b, delta, i); !ok {
		return OptionInvalid, nil, b
	}
	if length, i, ok = extendNibble(b, length, i); !ok {
		return OptionInvalid, nil, b
	}

	if i+length > len(b) {
		return OptionInvalid, nil, b
	}
	key := int(prev) + delta
	if key >= int(OptionInvalid) {
		return OptionInvalid, nil, b
	}
	return message.OptionID(key), b[i : i+length], b[i+length:]
}

func extendNibble(b []byte, v, i int) (int, int, bool) {
	switch v {
	case 13:
		if i+1 > len(b) {
			return 0, i, false
		}
		return int(b[i]) + 13, i + 1, true
	case 14:
		if i+2 > len(b) {
			return 0, i, false
		}
		return (int(b[i])<<8 | int(b[i+1])) + 269, i + 2, true
	case 15:
		return 0, i, false
	}
	return v, i, true
}
