// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/hwkang0621/smcp/pkg/coap"
	"github.com/hwkang0621/smcp/pkg/engine"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var peer = netip.MustParseAddrPort("198.51.100.7:5683")

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) Receive(context.Context, time.Duration) (engine.Datagram, error) {
	return engine.Datagram{}, os.ErrDeadlineExceeded
}

func (f *fakeTransport) Send(b []byte, _ netip.AddrPort) error {
	f.sent = append(f.sent, bytes.Clone(b))
	return nil
}

func (f *fakeTransport) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:5683")
}

func (f *fakeTransport) Close() error { return nil }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newDaemon(t *testing.T, root engine.Node) (*engine.Daemon, *fakeTransport, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1700000000, 0)}
	tr := &fakeTransport{}
	d, err := engine.New(engine.Config{
		Root:   root,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clk.Now,
	}, tr)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	return d, tr, clk
}

var nextMID uint16

// request sends a confirmable request and returns the response.
func request(t *testing.T, d *engine.Daemon, tr *fakeTransport, method codes.Code, path []string, query string, body string) coap.Packet {
	t.Helper()
	nextMID++
	e := coap.NewEncoder(0)
	e.Reset(message.Confirmable, method, nextMID)
	for _, s := range path {
		if err := e.AddOptionString(message.URIPath, s); err != nil {
			t.Fatal(err)
		}
	}
	if query != "" {
		if err := e.AddOptionString(message.URIQuery, query); err != nil {
			t.Fatal(err)
		}
	}
	if body != "" {
		if err := e.AppendPayload([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	n := len(tr.sent)
	_ = d.HandleInbound(context.Background(), engine.Datagram{Data: bytes.Clone(e.Bytes()), Peer: peer})
	if len(tr.sent) != n+1 {
		t.Fatalf("%v %v: sent %d packets, want 1", method, path, len(tr.sent)-n)
	}
	return coap.Packet(tr.sent[len(tr.sent)-1])
}

func TestTreeOperations(t *testing.T) {
	root := New("")
	dev := New("dev")
	if err := root.Add(dev); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := root.Add(New("dev")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Add(duplicate) error = %v", err)
	}
	if err := root.Add(New("a/b")); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Add(a/b) error = %v", err)
	}
	if err := dev.Add(StringVariable("name", func() string { return "x" })); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := root.Add(New("alpha")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if got := root.Find("dev"); got != dev {
		t.Errorf("Find(dev) = %v", got)
	}
	if got := root.Find("none"); got != nil {
		t.Errorf("Find(none) = %v, want nil", got)
	}
	if got := root.Lookup("/dev/name"); got == nil || got.Name() != "name" {
		t.Errorf("Lookup(/dev/name) = %v", got)
	}
	if got := root.Lookup("dev/none"); got != nil {
		t.Errorf("Lookup(dev/none) = %v, want nil", got)
	}

	children := root.Children()
	if len(children) != 2 || children[0].Name() != "alpha" || children[1].Name() != "dev" {
		t.Errorf("Children() not ordered by name: %v", children)
	}
	if !root.Remove("alpha") || root.Remove("alpha") || root.Len() != 1 {
		t.Error("Remove() did not detach exactly once")
	}
}

func TestListing(t *testing.T) {
	root := New("")
	root.SetDescription(`</>;rt="smcp"`)
	dev := New("dev")
	_ = dev.Add(StringVariable("name", func() string { return "x" }))
	_ = root.Add(dev)
	_ = root.Add(New("empty"))
	d, tr, _ := newDaemon(t, root)

	p := request(t, d, tr, codes.GET, nil, "", "")
	if p.Code() != codes.Content {
		t.Fatalf("Code() = %v", p.Code())
	}
	if got := string(coap.PacketPayload(p)); got != `</>;rt="smcp",<dev/>,<empty>` {
		t.Errorf("listing = %q", got)
	}

	p = request(t, d, tr, codes.GET, []string{"dev", "missing"}, "", "")
	if p.Code() != codes.NotFound {
		t.Errorf("Code() = %v, want NotFound", p.Code())
	}
}

func TestVariable(t *testing.T) {
	var stored string
	v := NewVariable("value",
		func(*engine.Request) ([]byte, message.MediaType, error) {
			return []byte(stored), message.TextPlain, nil
		},
		func(_ *engine.Request, value []byte, ct message.MediaType) error {
			if ct != message.TextPlain {
				return errors.New("unexpected content format")
			}
			stored = string(value)
			return nil
		})
	ro := StringVariable("ro", func() string { return "fixed" })
	root := New("")
	_ = root.Add(v)
	_ = root.Add(ro)
	d, tr, _ := newDaemon(t, root)

	if p := request(t, d, tr, codes.PUT, []string{"value"}, "", "42"); p.Code() != codes.Changed {
		t.Fatalf("PUT Code() = %v, want Changed", p.Code())
	}
	p := request(t, d, tr, codes.GET, []string{"value"}, "", "")
	if p.Code() != codes.Content || string(coap.PacketPayload(p)) != "42" {
		t.Errorf("GET = (%v, %q)", p.Code(), coap.PacketPayload(p))
	}
	if p := request(t, d, tr, codes.POST, []string{"ro"}, "", "1"); p.Code() != codes.MethodNotAllowed {
		t.Errorf("POST read-only Code() = %v, want MethodNotAllowed", p.Code())
	}
	if p := request(t, d, tr, codes.DELETE, []string{"value"}, "", ""); p.Code() != codes.MethodNotAllowed {
		t.Errorf("DELETE Code() = %v, want MethodNotAllowed", p.Code())
	}
	if p := request(t, d, tr, codes.GET, []string{"value", "x"}, "", ""); p.Code() != codes.NotFound {
		t.Errorf("GET trailing Code() = %v, want NotFound", p.Code())
	}
}
