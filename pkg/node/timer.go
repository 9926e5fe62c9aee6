// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hwkang0621/smcp/pkg/coap"
	"github.com/hwkang0621/smcp/pkg/engine"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/hwkang0621/smcp/pkg/timer"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultTimerPeriod is the period of a new timer node.
const DefaultTimerPeriod = 5 * time.Second

const timerLinks = `<running>;rel="var";ct=205,` +
	`<running?v=1>;rel="action";n="Start",` +
	`<running?v=0>;rel="action";n="Stop",` +
	`<running?v=!v>;rel="action";n="Toggle",` +
	`<?reset>;rel="action",` +
	`<?restart>;rel="action",` +
	`<!fire>;rel="event",` +
	`<period>;rel="var";ct=205,` +
	`<remaining>;rel="var";ct=205,` +
	`<autorestart>;rel="var";ct=205`

// Timer is a node wrapping a countdown on the daemon scheduler. Its state is
// exposed as the virtual children running, period, remaining, and
// autorestart, each read with GET and written with PUT or POST as v=<n>.
// Durations are in milliseconds on the wire.
type Timer struct {
	name        string
	sched       *timer.Scheduler
	timer       timer.Timer
	period      time.Duration
	remaining   time.Duration
	autorestart bool

	// OnFire runs every time the countdown elapses.
	OnFire func(t *Timer)

	// OnChange runs when running or autorestart changes, with the
	// variable name and its new value.
	OnChange func(t *Timer, name, value string)
}

var _ engine.Node = (*Timer)(nil)

// NewTimer returns a stopped, auto-restarting timer node scheduled on s.
func NewTimer(name string, s *timer.Scheduler) *Timer {
	t := &Timer{
		name:        name,
		sched:       s,
		period:      DefaultTimerPeriod,
		autorestart: true,
	}
	t.timer.Callback = t.fired
	return t
}

// Name implements engine.Node.
func (t *Timer) Name() string { return t.name }

// Find implements engine.Node. The variables are handled as trailing
// segments rather than child nodes.
func (t *Timer) Find(string) engine.Node { return nil }

// Handler implements engine.Node.
func (t *Timer) Handler() engine.RequestHandler { return t.handle }

// Running reports whether the countdown is active.
func (t *Timer) Running() bool { return t.sched.IsScheduled(&t.timer) }

// Period returns the countdown length.
func (t *Timer) Period() time.Duration { return t.period }

// SetPeriod changes the countdown length used by the next start. A
// non-positive period is ignored.
func (t *Timer) SetPeriod(d time.Duration) {
	if d > 0 {
		t.period = d
	}
}

// Autorestart reports whether the countdown restarts after firing.
func (t *Timer) Autorestart() bool { return t.autorestart }

// SetAutorestart sets whether the countdown restarts after firing.
func (t *Timer) SetAutorestart(v bool) {
	t.autorestart = v
	t.changed("autorestart", v)
}

// Remaining returns the time left, or the time that was left when the
// countdown was stopped.
func (t *Timer) Remaining() time.Duration {
	if t.Running() {
		return t.sched.Remaining(&t.timer)
	}
	return t.remaining
}

// SetRemaining changes the time left, rescheduling a running countdown.
func (t *Timer) SetRemaining(d time.Duration) {
	t.remaining = d
	if t.Running() {
		t.sched.Schedule(&t.timer, d)
	}
}

// Start resumes the countdown from the remaining time, or from the full
// period if nothing remains.
func (t *Timer) Start() {
	if t.Running() {
		return
	}
	d := t.remaining
	if d == 0 {
		d = t.period
	}
	t.sched.Schedule(&t.timer, d)
	t.changed("running", true)
}

// Stop pauses the countdown, keeping the remaining time.
func (t *Timer) Stop() {
	if !t.Running() {
		return
	}
	t.remaining = t.sched.Remaining(&t.timer)
	t.sched.Invalidate(&t.timer)
	t.changed("running", false)
}

// Toggle starts a stopped countdown and stops a running one.
func (t *Timer) Toggle() {
	if t.Running() {
		t.Stop()
		return
	}
	t.Start()
}

// Restart begins a full period, starting the countdown if needed.
func (t *Timer) Restart() {
	wasRunning := t.Running()
	if wasRunning {
		t.Stop()
	}
	t.remaining = t.period
	if !wasRunning {
		t.Start()
		return
	}
	t.sched.Schedule(&t.timer, t.period)
	t.changed("running", true)
}

// Reset refills the countdown. A running or elapsed countdown restarts; a
// paused one stays paused with a full period.
func (t *Timer) Reset() {
	if t.Running() || t.remaining == 0 {
		t.Restart()
		return
	}
	t.remaining = t.period
}

func (t *Timer) fired() {
	if t.OnFire != nil {
		t.OnFire(t)
	}
	if t.autorestart {
		t.sched.Schedule(&t.timer, t.period)
		return
	}
	t.remaining = 0
	t.changed("running", false)
}

func (t *Timer) changed(name string, v bool) {
	if t.OnChange == nil {
		return
	}
	value := "0"
	if v {
		value = "1"
	}
	t.OnChange(t, name, value)
}

// form returns the request's form: the first URI-Query, or a
// form-urlencoded body.
func form(r *engine.Request) string {
	if qs := r.In.Queries(); len(qs) > 0 {
		return qs[0]
	}
	ct, ok := r.In.ContentType()
	if !ok || ct == coap.AppFormURLEncoded {
		return r.In.ContentString()
	}
	return ""
}

func formValue(r *engine.Request) (string, bool) {
	vals, err := url.ParseQuery(form(r))
	if err != nil || !vals.Has("v") {
		return "", false
	}
	return vals.Get("v"), true
}

func parseMillis(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < 0 {
		return 0, smcperr.Wrap(smcperr.InvalidArgument, "bad duration")
	}
	return time.Duration(n) * time.Millisecond, nil
}

func replyValue(r *engine.Request, n int64) error {
	d := r.Daemon
	if err := d.BeginResponse(codes.Content); err != nil {
		return err
	}
	if err := d.SetContentFormat(coap.AppFormURLEncoded); err != nil {
		return err
	}
	if err := d.Printf("v=%d", n); err != nil {
		return err
	}
	return d.Send()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (t *Timer) handle(r *engine.Request) error {
	seg, _ := r.NextSegment()
	write := r.Method == codes.PUT || r.Method == codes.POST
	if !write && r.Method != codes.GET {
		return smcperr.NotAllowed
	}

	switch seg {
	case "":
		if write {
			switch q := form(r); {
			case strings.HasPrefix(q, "reset"):
				t.Reset()
			case q == "restart":
				t.Restart()
			default:
				return smcperr.NotAllowed
			}
			return nil
		}
		d := r.Daemon
		if err := d.BeginResponse(codes.Content); err != nil {
			return err
		}
		if err := d.SetContentFormat(message.AppLinkFormat); err != nil {
			return err
		}
		if err := d.AppendContentString(timerLinks); err != nil {
			return err
		}
		return d.Send()

	case "running":
		if !write {
			return replyValue(r, boolInt(t.Running()))
		}
		v, ok := formValue(r)
		if !ok {
			return nil
		}
		if v == "!v" {
			t.Toggle()
			return nil
		}
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return smcperr.Wrap(smcperr.InvalidArgument, "bad running value")
		}
		if n != 0 {
			t.Start()
		} else {
			t.Stop()
		}
		return nil

	case "period":
		if !write {
			return replyValue(r, t.period.Milliseconds())
		}
		if v, ok := formValue(r); ok {
			d, err := parseMillis(v)
			if err != nil {
				return err
			}
			if d == 0 {
				return smcperr.Wrap(smcperr.InvalidArgument, "zero period")
			}
			t.period = d
		}
		return nil

	case "remaining":
		if !write {
			return replyValue(r, t.Remaining().Milliseconds())
		}
		if v, ok := formValue(r); ok {
			d, err := parseMillis(v)
			if err != nil {
				return err
			}
			t.SetRemaining(d)
		}
		return nil

	case "autorestart":
		if !write {
			return replyValue(r, boolInt(t.autorestart))
		}
		if v, ok := formValue(r); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return smcperr.Wrap(smcperr.InvalidArgument, "bad autorestart value")
			}
			t.SetAutorestart(n != 0)
		}
		return nil

	case "!fire":
		return smcperr.NotAllowed
	}
	return smcperr.NotFound
}
