// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	// Version is the only protocol version understood.
	Version = 1

	// HeaderSize is the size of the fixed header.
	HeaderSize = 4

	// MaxTokenSize is the largest token a packet may carry.
	MaxTokenSize = 8

	// MaxPacketSize bounds every packet built or accepted by the engine.
	MaxPacketSize = 1152

	// PayloadMarker separates the options from the payload.
	PayloadMarker = 0xFF

	// OptionInvalid is returned by the decoder at the end of the options or
	// when an option is malformed.
	OptionInvalid message.OptionID = 0xFFFF
)

// CodeOK is the generic 2.00 success result.
const CodeOK codes.Code = 0x40

// AppFormURLEncoded is the content format used for key/value variable bodies.
const AppFormURLEncoded message.MediaType = 205

// IsRequest reports whether c is a method code.
func IsRequest(c codes.Code) bool {
	return c >= 1 && c < 32
}

// IsResult reports whether c is a response code.
func IsResult(c codes.Code) bool {
	return c >= 64
}

// IsCritical reports whether option key must be understood by the receiver.
func IsCritical(key message.OptionID) bool {
	return key&1 == 1
}

// DecodeUint decodes a variable length big-endian unsigned option value.
func DecodeUint(v []byte) uint32 {
	var n uint32
	for _, b := range v {
		n = n<<8 | uint32(b)
	}
	return n
}

// EncodeUint appends the minimal big-endian encoding of n to b.
func EncodeUint(b []byte, n uint32) []byte {
	switch {
	case n == 0:
		return b
	case n <= 0xFF:
		return append(b, byte(n))
	case n <= 0xFFFF:
		return append(b, byte(n>>8), byte(n))
	case n <= 0xFFFFFF:
		return append(b, byte(n>>16), byte(n>>8), byte(n))
	}
	return append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// ResultCode maps an engine outcome to the result code sent to the peer.
func ResultCode(err error) codes.Code {
	switch smcperr.StatusOf(err) {
	case smcperr.OK:
		return CodeOK
	case smcperr.NotFound:
		return codes.NotFound
	case smcperr.NotImplemented:
		return codes.NotImplemented
	case smcperr.NotAllowed:
		return codes.MethodNotAllowed
	case smcperr.BadNodeType, smcperr.UnsupportedURI:
		return codes.BadRequest
	case smcperr.BadOption:
		return codes.BadOption
	}
	return codes.InternalServerError
}

// MethodResultCode returns the success code for a request method.
func MethodResultCode(method codes.Code) codes.Code {
	switch method {
	case codes.GET:
		return codes.Content
	case codes.POST, codes.PUT:
		return codes.Changed
	case codes.DELETE:
		return codes.Deleted
	}
	return CodeOK
}

// Block2 helpers. The value packs NUM<<4 | M<<3 | SZX.
const (
	block2More = 1 << 3
	block2Num  = 1 << 4
)

// Block2HasMore reports whether the more-blocks bit is set.
func Block2HasMore(v uint32) bool {
	return v&block2More != 0
}

// Block2Next returns the block value to request after v.
func Block2Next(v uint32) uint32 {
	return v + block2Num
}

// Block2Num returns the block index of v.
func Block2Num(v uint32) uint32 {
	return v >> 4
}

// Block2Size returns the block size in bytes encoded by v.
func Block2Size(v uint32) int {
	return 1 << ((v & 7) + 4)
}
