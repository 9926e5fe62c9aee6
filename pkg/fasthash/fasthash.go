// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fasthash

import "hash"

// Size is the size of a fasthash checksum in bytes.
const Size = 4

var _ hash.Hash32 = (*Hasher)(nil)

// Hasher accumulates bytes four at a time into a 32-bit linear
// congruential state. It is not safe for concurrent use.
type Hasher struct {
	salt  uint32
	next  uint32
	bytes uint32
	hash  uint32
}

// New returns a Hasher seeded with salt.
func New(salt uint32) *Hasher {
	h := &Hasher{}
	h.Start(salt)
	return h
}

// Start clears the state and feeds salt as the first block.
func (h *Hasher) Start(salt uint32) {
	*h = Hasher{salt: salt}
	h.feedBlock(salt)
}

func (h *Hasher) feedBlock(blk uint32) {
	blk ^= h.bytes >> 2
	h.hash ^= blk
	h.hash = h.hash*1664525 + 1013904223
}

// FeedByte adds a single byte.
func (h *Hasher) FeedByte(b byte) {
	h.next |= uint32(b) << (8 * (h.bytes & 3))
	h.bytes++
	if h.bytes&3 == 0 {
		h.feedBlock(h.next)
		h.next = 0
	}
}

// Feed adds every byte of data.
func (h *Hasher) Feed(data []byte) {
	for _, b := range data {
		h.FeedByte(b)
	}
}

// Write implements io.Writer. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	h.Feed(p)
	return len(p), nil
}

// Finish flushes any partial block and returns the 32-bit hash.
func (h *Hasher) Finish() uint32 {
	if h.bytes&3 != 0 {
		h.feedBlock(h.next)
		h.next = 0
		h.bytes = 0
	}
	return h.hash
}

// Sum32 is Finish.
func (h *Hasher) Sum32() uint32 {
	return h.Finish()
}

// Sum16 returns the upper 16 bits of the finished hash.
func (h *Hasher) Sum16() uint16 {
	return uint16(h.Finish() >> 16)
}

// Sum8 returns the upper 8 bits of the finished hash.
func (h *Hasher) Sum8() uint8 {
	return uint8(h.Finish() >> 24)
}

// Sum appends the big-endian 32-bit hash to b.
func (h *Hasher) Sum(b []byte) []byte {
	s := h.Finish()
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

// Reset restarts the hasher with its original salt.
func (h *Hasher) Reset() {
	h.Start(h.salt)
}

// Size implements hash.Hash.
func (h *Hasher) Size() int { return Size }

// BlockSize implements hash.Hash.
func (h *Hasher) BlockSize() int { return 4 }

// Sum32Of hashes data with the given salt in one call.
func Sum32Of(salt uint32, data ...[]byte) uint32 {
	var h Hasher
	h.Start(salt)
	for _, d := range data {
		h.Feed(d)
	}
	return h.Finish()
}
