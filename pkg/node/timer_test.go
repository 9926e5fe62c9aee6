// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"strings"
	"testing"
	"time"

	"github.com/hwkang0621/smcp/pkg/coap"
	"github.com/hwkang0621/smcp/pkg/timer"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestTimerLifecycle(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	s := timer.New(clk.Now)
	tm := NewTimer("t", s)
	tm.SetPeriod(time.Second)

	fired := 0
	tm.OnFire = func(*Timer) { fired++ }
	var changes []string
	tm.OnChange = func(_ *Timer, name, value string) { changes = append(changes, name+"="+value) }

	if tm.Running() {
		t.Fatal("new timer is running")
	}
	tm.Start()
	clk.now = clk.now.Add(400 * time.Millisecond)
	tm.Stop()
	if got := tm.Remaining(); got != 600*time.Millisecond {
		t.Errorf("Remaining() after stop = %v, want 600ms", got)
	}

	tm.Start()
	clk.now = clk.now.Add(600 * time.Millisecond)
	s.HandleTimers()
	if fired != 1 || !tm.Running() {
		t.Fatalf("fired = %d, Running() = %v", fired, tm.Running())
	}
	if got := tm.Remaining(); got != time.Second {
		t.Errorf("Remaining() after autorestart = %v, want 1s", got)
	}

	tm.SetAutorestart(false)
	clk.now = clk.now.Add(time.Second)
	s.HandleTimers()
	if fired != 2 || tm.Running() || tm.Remaining() != 0 {
		t.Errorf("after final fire: fired = %d, Running() = %v, Remaining() = %v", fired, tm.Running(), tm.Remaining())
	}

	want := "running=1,running=0,running=1,autorestart=0,running=0"
	if got := strings.Join(changes, ","); got != want {
		t.Errorf("changes = %s, want %s", got, want)
	}
}

func TestTimerResetAndToggle(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	s := timer.New(clk.Now)
	tm := NewTimer("t", s)
	tm.SetPeriod(time.Second)

	tm.Reset()
	if !tm.Running() {
		t.Fatal("Reset() of an elapsed timer did not start it")
	}
	tm.Toggle()
	if tm.Running() {
		t.Fatal("Toggle() did not stop")
	}
	clk.now = clk.now.Add(time.Hour)
	tm.Reset()
	if tm.Running() || tm.Remaining() != time.Second {
		t.Errorf("Reset() of paused timer: Running() = %v, Remaining() = %v", tm.Running(), tm.Remaining())
	}
	tm.Toggle()
	if !tm.Running() {
		t.Error("Toggle() did not start")
	}
}

func TestTimerNodeRequests(t *testing.T) {
	root := New("")
	d, tr, clk := newDaemon(t, root)
	tm := NewTimer("timer", d.Timers())
	tm.SetPeriod(2 * time.Second)
	_ = root.Add(tm)

	p := request(t, d, tr, codes.GET, []string{"timer"}, "", "")
	if p.Code() != codes.Content || !strings.HasPrefix(string(coap.PacketPayload(p)), "<running>") {
		t.Fatalf("listing = (%v, %q)", p.Code(), coap.PacketPayload(p))
	}

	if p := request(t, d, tr, codes.POST, []string{"timer", "running"}, "v=1", ""); p.Code() != codes.Changed {
		t.Fatalf("start Code() = %v", p.Code())
	}
	if !tm.Running() {
		t.Fatal("timer not running after v=1")
	}

	p = request(t, d, tr, codes.GET, []string{"timer", "running"}, "", "")
	if got := string(coap.PacketPayload(p)); got != "v=1" {
		t.Errorf("running = %q", got)
	}

	clk.now = clk.now.Add(500 * time.Millisecond)
	p = request(t, d, tr, codes.GET, []string{"timer", "remaining"}, "", "")
	if got := string(coap.PacketPayload(p)); got != "v=1500" {
		t.Errorf("remaining = %q, want v=1500", got)
	}

	_ = request(t, d, tr, codes.PUT, []string{"timer", "period"}, "", "v=250")
	if tm.Period() != 250*time.Millisecond {
		t.Errorf("Period() = %v after form body", tm.Period())
	}

	if p := request(t, d, tr, codes.POST, []string{"timer", "period"}, "v=0", ""); p.Code() != codes.InternalServerError {
		t.Errorf("zero period Code() = %v", p.Code())
	}
	tm.SetPeriod(0)
	if tm.Period() != 250*time.Millisecond {
		t.Errorf("Period() = %v after zero period", tm.Period())
	}

	_ = request(t, d, tr, codes.POST, []string{"timer", "running"}, "v=!v", "")
	if tm.Running() {
		t.Error("toggle did not stop the timer")
	}

	_ = request(t, d, tr, codes.POST, []string{"timer", "autorestart"}, "v=0", "")
	if tm.Autorestart() {
		t.Error("autorestart still set")
	}

	if p := request(t, d, tr, codes.POST, []string{"timer"}, "bogus", ""); p.Code() != codes.MethodNotAllowed {
		t.Errorf("bogus action Code() = %v", p.Code())
	}
	if p := request(t, d, tr, codes.POST, []string{"timer", "!fire"}, "", ""); p.Code() != codes.MethodNotAllowed {
		t.Errorf("!fire Code() = %v", p.Code())
	}
	if p := request(t, d, tr, codes.GET, []string{"timer", "nope"}, "", ""); p.Code() != codes.NotFound {
		t.Errorf("unknown variable Code() = %v", p.Code())
	}
}
