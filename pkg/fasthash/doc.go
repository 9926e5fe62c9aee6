// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fasthash implements a small rolling non-cryptographic hash used to
// fingerprint inbound datagrams for duplicate detection.
//
// Bytes are packed little-endian into 32-bit blocks. Each block is mixed with
// the running byte count and folded into the state with a linear congruential
// step. Narrower digests take the high bits of the 32-bit state.
package fasthash
