// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/hwkang0621/smcp/pkg/coap"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestListLeafNode(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{desc: "</>;title=\"root\""})

	err := deliver(t, d, buildPacket(t, message.Confirmable, codes.GET, 0x100, []byte{1}, nil))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}

	p := tr.last(t).packet()
	if p.Type() != message.Acknowledgement || p.Code() != codes.Content || p.MessageID() != 0x100 {
		t.Fatalf("response header = (%v, %v, %#x)", p.Type(), p.Code(), p.MessageID())
	}
	if !bytes.Equal(p.Token(), []byte{1}) {
		t.Errorf("Token() = %x, want 01", p.Token())
	}
	cf, ok := findOption(p, message.ContentFormat)
	if !ok || coap.DecodeUint(cf) != uint32(message.AppLinkFormat) {
		t.Errorf("Content-Format = %v, %v", cf, ok)
	}
	if got := string(coap.PacketPayload(p)); got != "</>;title=\"root\"" {
		t.Errorf("payload = %q", got)
	}
	if tr.last(t).dst != testPeer {
		t.Errorf("sent to %v, want %v", tr.last(t).dst, testPeer)
	}
}

func TestListChildren(t *testing.T) {
	root := &testNode{children: []Node{
		&testNode{name: "a"},
		&testNode{name: "b c", children: []Node{&testNode{name: "x"}}},
	}}
	d, tr, _ := newTestDaemon(t, root)

	if err := deliver(t, d, buildPacket(t, message.Confirmable, codes.GET, 2, nil, nil)); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if got := string(coap.PacketPayload(tr.last(t).packet())); got != "<a>,<b%20c/>" {
		t.Errorf("payload = %q", got)
	}
}

func TestRouting(t *testing.T) {
	var got string
	leaf := &testNode{name: "leaf", handler: func(r *Request) error {
		got = r.Node.Name()
		if seg, ok := r.NextSegment(); ok {
			got += "+" + seg
		}
		return nil
	}}
	root := &testNode{children: []Node{&testNode{name: "dir", children: []Node{leaf}}}}

	tests := []struct {
		name   string
		method codes.Code
		path   []string
		want   string
		code   codes.Code
	}{
		{name: "resolved", method: codes.GET, path: []string{"dir", "leaf"}, want: "leaf", code: codes.Content},
		{name: "trailing segment", method: codes.PUT, path: []string{"dir", "leaf", "extra"}, want: "leaf+extra", code: codes.Changed},
		{name: "post", method: codes.POST, path: []string{"dir", "leaf"}, want: "leaf", code: codes.Changed},
		{name: "delete", method: codes.DELETE, path: []string{"dir", "leaf"}, want: "leaf", code: codes.Deleted},
		{name: "not found", method: codes.GET, path: []string{"missing"}, code: codes.NotFound},
		{name: "not allowed", method: codes.POST, path: []string{"dir"}, code: codes.MethodNotAllowed},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = ""
			d, tr, _ := newTestDaemon(t, root)
			b := buildPacket(t, message.Confirmable, tt.method, uint16(0x300+i), []byte{7}, nil, pathOpts(tt.path...)...)
			_ = deliver(t, d, b)

			if got != tt.want {
				t.Errorf("handler saw %q, want %q", got, tt.want)
			}
			p := tr.last(t).packet()
			if p.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", p.Code(), tt.code)
			}
			if p.Type() != message.Acknowledgement || p.MessageID() != uint16(0x300+i) {
				t.Errorf("header = (%v, %#x)", p.Type(), p.MessageID())
			}
		})
	}
}

func TestNonConfirmableRequestGetsNonResponse(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{desc: "x"})

	if err := deliver(t, d, buildPacket(t, message.NonConfirmable, codes.GET, 0x55, []byte{3}, nil)); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	p := tr.last(t).packet()
	if p.Type() != message.NonConfirmable {
		t.Errorf("Type() = %v, want NonConfirmable", p.Type())
	}
	if p.MessageID() == 0x55 {
		t.Error("NON response reused the request message id")
	}
}

func TestUnhandledNonConfirmableIsSilent(t *testing.T) {
	root := &testNode{handler: func(*Request) error { return smcperr.NotFound }}
	d, tr, _ := newTestDaemon(t, root)

	err := deliver(t, d, buildPacket(t, message.NonConfirmable, codes.GET, 1, nil, nil))
	if !smcperr.Is(err, smcperr.NotFound) {
		t.Errorf("HandleInbound() error = %v, want NotFound", err)
	}
	if len(tr.sent) != 0 {
		t.Errorf("sent %d packets, want 0", len(tr.sent))
	}
}

func TestBadPacket(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "short", data: []byte{0x40, 0x01}},
		{name: "version", data: []byte{0x80, 0x01, 0x00, 0x01}},
		{name: "token length", data: []byte{0x49, 0x01, 0x00, 0x01}},
		{name: "reserved nibble", data: []byte{0x40, 0x01, 0x00, 0x01, 0xF1, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := deliver(t, d, tt.data); !smcperr.Is(err, smcperr.BadPacket) {
				t.Errorf("HandleInbound() error = %v, want BadPacket", err)
			}
		})
	}
	if len(tr.sent) != 0 {
		t.Errorf("bad packets were answered: %d", len(tr.sent))
	}
	if got := d.Stats().BadPackets; got != uint64(len(tests)) {
		t.Errorf("BadPackets = %d, want %d", got, len(tests))
	}
}

func TestMalformedOptionsNotCountedAsDupe(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{})

	// Option delta nibble 15 without the payload marker value.
	b := []byte{0x40, 0x01, 0x12, 0x34, 0xF1, 0x00}
	for range 2 {
		if err := deliver(t, d, b); !smcperr.Is(err, smcperr.BadPacket) {
			t.Fatalf("HandleInbound() error = %v, want BadPacket", err)
		}
	}
	s := d.Stats()
	if s.Dupes != 0 {
		t.Errorf("Dupes = %d, want 0", s.Dupes)
	}
	if s.BadPackets != 2 {
		t.Errorf("BadPackets = %d, want 2", s.BadPackets)
	}
	if len(tr.sent) != 0 {
		t.Errorf("sent %d packets, want 0", len(tr.sent))
	}
}

func TestUnknownCriticalOption(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{})

	b := buildPacket(t, message.Confirmable, codes.GET, 9, nil, nil, testOption{message.OptionID(9), []byte{1}})
	if err := deliver(t, d, b); !smcperr.Is(err, smcperr.BadOption) {
		t.Errorf("HandleInbound() error = %v, want BadOption", err)
	}
	if got := tr.last(t).packet().Code(); got != codes.BadOption {
		t.Errorf("Code() = %v, want BadOption", got)
	}
}

func TestUnknownElectiveOptionIgnored(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{desc: "ok"})

	b := buildPacket(t, message.Confirmable, codes.GET, 9, nil, nil, testOption{message.OptionID(10), []byte{1}})
	if err := deliver(t, d, b); err != nil {
		t.Errorf("HandleInbound() error = %v", err)
	}
	if got := tr.last(t).packet().Code(); got != codes.Content {
		t.Errorf("Code() = %v, want Content", got)
	}
}

func TestConfirmableMulticastRejected(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{})

	err := d.HandleInbound(context.Background(), Datagram{
		Data:      buildPacket(t, message.Confirmable, codes.GET, 1, nil, nil),
		Peer:      testPeer,
		Multicast: true,
	})
	if !smcperr.Is(err, smcperr.Failure) {
		t.Errorf("HandleInbound() error = %v, want Failure", err)
	}
	if len(tr.sent) != 0 {
		t.Errorf("sent %d packets, want 0", len(tr.sent))
	}
}

func TestDuplicateDetection(t *testing.T) {
	var dupes []bool
	root := &testNode{handler: func(r *Request) error {
		dupes = append(dupes, r.In.IsDupe())
		return nil
	}}
	d, tr, _ := newTestDaemon(t, root)

	post := func(mid uint16) {
		t.Helper()
		if err := deliver(t, d, buildPacket(t, message.Confirmable, codes.POST, mid, nil, nil)); err != nil {
			t.Fatalf("HandleInbound(%#x) error = %v", mid, err)
		}
	}

	post(0x1000)
	post(0x1000)
	if len(dupes) != 2 || dupes[0] || !dupes[1] {
		t.Fatalf("dupe flags = %v, want [false true]", dupes)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("duplicate was not re-acknowledged: sent %d", len(tr.sent))
	}
	if got := tr.sent[1].packet().Code(); got != codes.Changed {
		t.Errorf("duplicate answered with %v, want Changed", got)
	}

	for i := 1; i < DefaultDupeBufferSize; i++ {
		post(0x1000 + uint16(i))
	}
	dupes = nil
	post(0x1000)
	if len(dupes) != 1 || !dupes[0] {
		t.Fatalf("entry evicted too early: %v", dupes)
	}

	post(0x2000)
	dupes = nil
	post(0x1000)
	if len(dupes) != 1 || dupes[0] {
		t.Errorf("entry not evicted after %d newer exchanges", DefaultDupeBufferSize)
	}
	if d.Stats().Dupes != 2 {
		t.Errorf("Dupes = %d, want 2", d.Stats().Dupes)
	}
}

func TestFailedRequestNotRemembered(t *testing.T) {
	d, _, _ := newTestDaemon(t, &testNode{})

	b := buildPacket(t, message.Confirmable, codes.GET, 0x42, nil, nil, pathOpts("missing")...)
	if err := deliver(t, d, b); !smcperr.Is(err, smcperr.NotFound) {
		t.Fatalf("HandleInbound() error = %v, want NotFound", err)
	}
	_ = deliver(t, d, b)
	if d.Stats().Dupes != 0 {
		t.Errorf("failed exchange was recorded as seen")
	}
}

func TestOptionAccessors(t *testing.T) {
	var (
		path, query string
		ct          message.MediaType
		hasCT       bool
		content     string
	)
	root := &testNode{handler: func(r *Request) error {
		path = r.In.Path()
		if qs := r.In.Queries(); len(qs) > 0 {
			query = qs[0]
		}
		ct, hasCT = r.In.ContentType()
		content = r.In.ContentString()
		return nil
	}}
	d, _, _ := newTestDaemon(t, root)

	opts := append(pathOpts("a", "b"),
		uintOpt(message.ContentFormat, uint32(message.TextPlain)),
		testOption{message.URIQuery, []byte("v=1")})
	b := buildPacket(t, message.Confirmable, codes.PUT, 1, nil, []byte("body"), opts...)
	if err := deliver(t, d, b); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}

	if path != "a/b" || query != "v=1" || !hasCT || ct != message.TextPlain || content != "body" {
		t.Errorf("accessors = (%q, %q, %v, %v, %q)", path, query, ct, hasCT, content)
	}
}

func TestResetUnknownResponse(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{})

	b := buildPacket(t, message.Confirmable, codes.Content, 0x777, []byte{1, 2}, []byte("x"))
	if err := deliver(t, d, b); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(tr.sent))
	}
	p := tr.sent[0].packet()
	if p.Type() != message.Reset || p.Code() != codes.Empty || p.MessageID() != 0x777 || len(p.Token()) != 0 {
		t.Errorf("reset = (%v, %v, %#x, %x)", p.Type(), p.Code(), p.MessageID(), p.Token())
	}
}

func TestBeginResponseWithoutInbound(t *testing.T) {
	d, _, _ := newTestDaemon(t, &testNode{})
	if err := d.BeginResponse(codes.Content); !smcperr.Is(err, smcperr.ResponseNotAllowed) {
		t.Errorf("BeginResponse() error = %v, want ResponseNotAllowed", err)
	}
}

func TestSendFailureIsErrno(t *testing.T) {
	d, tr, _ := newTestDaemon(t, &testNode{desc: "x"})
	tr.sendErr = context.DeadlineExceeded

	err := deliver(t, d, buildPacket(t, message.Confirmable, codes.GET, 1, nil, nil))
	if !smcperr.Is(err, smcperr.Errno) {
		t.Errorf("HandleInbound() error = %v, want Errno", err)
	}
}
