// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
)

// OptionReader walks the options of a packet in order. Values returned by
// Next and Peek are views into the underlying buffer.
type OptionReader struct {
	start []byte
	pos   []byte
	key   message.OptionID
	err   error
}

// NewOptionReader returns a reader positioned at the first option of opts.
func NewOptionReader(opts []byte) *OptionReader {
	return &OptionReader{start: opts, pos: opts}
}

// Next decodes the next option. It returns false at the payload marker, at
// the end of the buffer, or on a malformed option; Err tells them apart.
func (r *OptionReader) Next() (message.OptionID, []byte, bool) {
	if r.err != nil {
		return OptionInvalid, nil, false
	}
	key, value, rest := DecodeOption(r.pos, r.key)
	if key == OptionInvalid {
		if len(r.pos) > 0 && r.pos[0] != PayloadMarker {
			r.err = smcperr.BadPacket
		}
		return OptionInvalid, nil, false
	}
	r.key = key
	r.pos = rest
	return key, value, true
}

// Peek returns the key of the next option without consuming it.
func (r *OptionReader) Peek() message.OptionID {
	if r.err != nil {
		return OptionInvalid
	}
	key, _, _ := DecodeOption(r.pos, r.key)
	return key
}

// Find advances to the next option with the given key and returns its value.
// It stops at the first option with a greater key, leaving it unread.
func (r *OptionReader) Find(key message.OptionID) ([]byte, bool) {
	for {
		next := r.Peek()
		if next == OptionInvalid || next > key {
			return nil, false
		}
		k, v, _ := r.Next()
		if k == key {
			return v, true
		}
	}
}

// Reset rewinds to the first option.
func (r *OptionReader) Reset() {
	r.pos = r.start
	r.key = 0
	r.err = nil
}

// Mark captures the current position so it can be restored with Rewind.
type Mark struct {
	pos []byte
	key message.OptionID
}

// Mark returns the current position.
func (r *OptionReader) Mark() Mark {
	return Mark{pos: r.pos, key: r.key}
}

// Rewind restores a position previously returned by Mark.
func (r *OptionReader) Rewind(m Mark) {
	r.pos = m.pos
	r.key = m.key
}

// Key returns the key of the last option read.
func (r *OptionReader) Key() message.OptionID {
	return r.key
}

// Rest returns the unread bytes, beginning at the payload marker once all
// options have been consumed.
func (r *OptionReader) Rest() []byte {
	return r.pos
}

// Payload returns the bytes after the payload marker, or nil when the reader
// has not reached it.
func (r *OptionReader) Payload() []byte {
	if len(r.pos) > 0 && r.pos[0] == PayloadMarker {
		return r.pos[1:]
	}
	return nil
}

// Err returns smcperr.BadPacket when a malformed option was encountered.
func (r *OptionReader) Err() error {
	return r.err
}
