// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the wire codec used by the SMCP engine.
//
// # Framing
//
// A packet is a 4-byte header (version, type, token length, code, message
// id), an optional token of up to eight bytes, a sequence of options sorted
// by key and encoded as deltas from the previous key, and an optional
// payload introduced by the 0xFF marker.
//
// # Decoding
//
// Packet is a zero-copy view over a received datagram and OptionReader walks
// its options. Neither allocates; every value returned is a slice of the
// input buffer. DecodeOption signals the end of the options, and any
// malformed option, with the OptionInvalid key.
//
// # Encoding
//
// Encoder builds one packet at a time into a bounded buffer. Options must be
// added in ascending key order after the token and before the payload. The
// first failure is sticky, so a composition can be checked once at the end.
//
// Types and constants for message types, option numbers, content formats,
// and codes come from github.com/plgd-dev/go-coap/v3.
package coap
