// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"net/netip"

	"github.com/hwkang0621/smcp/pkg/fasthash"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type dupeEntry struct {
	hash uint32
	used bool
}

// dupeRing remembers the most recent accepted exchanges. Lookup is a linear
// scan and insertion overwrites the oldest entry.
type dupeRing struct {
	entries []dupeEntry
	next    int
}

func newDupeRing(n int) dupeRing {
	return dupeRing{entries: make([]dupeEntry, n)}
}

func (r *dupeRing) contains(h uint32) bool {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].used && r.entries[i].hash == h {
			return true
		}
	}
	return false
}

func (r *dupeRing) add(h uint32) {
	r.entries[r.next] = dupeEntry{hash: h, used: true}
	r.next = (r.next + 1) % len(r.entries)
}

// exchangeHash fingerprints an inbound exchange by peer, code, and message id.
func exchangeHash(peer netip.AddrPort, code codes.Code, msgID uint16) uint32 {
	var h fasthash.Hasher
	h.Start(0)
	addr := peer.Addr().As16()
	h.Feed(addr[:])
	port := peer.Port()
	h.FeedByte(byte(port >> 8))
	h.FeedByte(byte(port))
	h.FeedByte(byte(code))
	h.FeedByte(byte(msgID >> 8))
	h.FeedByte(byte(msgID))
	return h.Finish()
}
