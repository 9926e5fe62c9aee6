// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/hwkang0621/smcp/pkg/coap"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/hwkang0621/smcp/pkg/pool"
	"github.com/hwkang0621/smcp/pkg/timer"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Flags configure how a transaction reacts to responses and timeouts.
type Flags uint8

const (
	// FlagObserve keeps the transaction alive across responses and
	// restarts it when it expires.
	FlagObserve Flags = 1 << iota
	// FlagKeepalive wakes the transaction at least every keepalive
	// interval.
	FlagKeepalive
	// FlagDelayStart jitters the first transmission by 10 to 299ms.
	FlagDelayStart
	// FlagAlwaysInvalidate keeps the callback installed after it fires and
	// enables block-wise continuation.
	FlagAlwaysInvalidate
)

// State is the position of a transaction in its lifecycle.
type State uint8

const (
	// StatePending is awaiting a response and retransmitting.
	StatePending State = iota
	// StateAwaitingAsync got an empty ACK and waits for a separate response.
	StateAwaitingAsync
	// StateObserving received at least one notification.
	StateObserving
	// StateCompleted has left the table.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingAsync:
		return "awaiting-async"
	case StateObserving:
		return "observing"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// ResendFunc composes and sends the transaction's request. It runs for the
// first transmission and every retransmission.
type ResendFunc func(d *Daemon, t *Transaction) error

// ResponseFunc receives the outcome of a transaction. For a response in is
// set and err is nil, or smcperr.Reset when the peer reset the exchange.
// Otherwise in is nil and err is smcperr.Timeout,
// smcperr.TransactionInvalidated, or the resend failure.
type ResponseFunc func(d *Daemon, t *Transaction, in *Inbound, err error) error

// Transaction tracks one request and its responses. The message id changes
// on renewal and block continuation; the token stays fixed.
type Transaction struct {
	msgID       uint16
	token       uint16
	flags       Flags
	state       State
	active      bool
	pooled      bool
	expiration  time.Time
	attempts    int
	lastObserve uint32
	hasObserved bool
	nextBlock2  uint32
	sentCode    codes.Code

	timer    timer.Timer
	resend   ResendFunc
	callback ResponseFunc

	// Context is left untouched by the engine.
	Context any
}

// MessageID returns the current message id.
func (t *Transaction) MessageID() uint16 { return t.msgID }

// Token returns the stable token.
func (t *Transaction) Token() uint16 { return t.token }

// TokenBytes returns the token as sent on the wire.
func (t *Transaction) TokenBytes() []byte { return tokenBytes(t.token) }

// Flags returns the configuration flags.
func (t *Transaction) Flags() Flags { return t.flags }

// State returns the lifecycle state.
func (t *Transaction) State() State { return t.state }

// Active reports whether the transaction is in the table.
func (t *Transaction) Active() bool { return t.active }

// Attempts returns how many transmissions were counted toward backoff.
func (t *Transaction) Attempts() int { return t.attempts }

// Expiration returns the absolute deadline.
func (t *Transaction) Expiration() time.Time { return t.expiration }

// LastObserve returns the last accepted observe sequence.
func (t *Transaction) LastObserve() uint32 { return t.lastObserve }

// NextBlock2 returns the Block2 value to request, zero for none.
func (t *Transaction) NextBlock2() uint32 { return t.nextBlock2 }

func (t *Transaction) waitingForAsync() bool {
	return t.state == StateAwaitingAsync || t.state == StateObserving
}

func lessMsgID(a, b *Transaction) bool {
	return a.msgID < b.msgID
}

// InitTransaction prepares a caller-owned transaction.
func InitTransaction(t *Transaction, flags Flags, resend ResendFunc, cb ResponseFunc) *Transaction {
	*t = Transaction{
		flags:    flags,
		resend:   resend,
		callback: cb,
		state:    StatePending,
	}
	return t
}

// NewTransaction draws a transaction from the daemon pool. It goes back to
// the pool when it ends.
func (d *Daemon) NewTransaction(flags Flags, resend ResendFunc, cb ResponseFunc) (*Transaction, error) {
	t, err := d.txPool.Get()
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			return nil, smcperr.Wrap(smcperr.MallocFailure, err.Error())
		}
		return nil, smcperr.Wrap(smcperr.Failure, err.Error())
	}
	InitTransaction(t, flags, resend, cb)
	t.pooled = true
	return t, nil
}

// FindByMessageID returns the live transaction using id.
func (d *Daemon) FindByMessageID(id uint16) *Transaction {
	t, ok := d.txs.Get(&Transaction{msgID: id})
	if !ok {
		return nil
	}
	return t
}

// FindByToken returns the first live transaction with token tok.
func (d *Daemon) FindByToken(tok uint16) *Transaction {
	var found *Transaction
	d.txs.Ascend(func(t *Transaction) bool {
		if t.token == tok {
			found = t
			return false
		}
		return true
	})
	return found
}

// Transactions returns the number of live transactions.
func (d *Daemon) Transactions() int {
	return d.txs.Len()
}

// Current returns the transaction whose callback is running, or nil.
func (d *Daemon) Current() *Transaction {
	return d.current
}

// Begin activates t with a fresh message id and token. A transaction with a
// resend function transmits right away, or after a short random delay with
// FlagDelayStart; one without waits for its expiration.
func (d *Daemon) Begin(t *Transaction, expiration time.Duration) error {
	if t == nil {
		return smcperr.InvalidArgument
	}
	if t.active {
		d.txs.Delete(t)
		d.timers.Invalidate(&t.timer)
	}

	t.token = d.nextMessageID()
	t.msgID = t.token
	t.state = StatePending
	t.attempts = 0
	t.lastObserve = 0
	t.hasObserved = false
	t.nextBlock2 = 0
	t.active = true
	t.expiration = d.now().Add(expiration)

	delay := expiration
	if t.resend != nil {
		delay = 0
		if t.flags&FlagDelayStart != 0 {
			delay = d.startDelay()
		}
	}
	delay = d.keepalive(t, delay)

	t.timer.Callback = func() { d.transactionTimeout(t) }
	t.timer.Cancel = nil
	d.timers.Schedule(&t.timer, delay)
	d.txs.ReplaceOrInsert(t)
	d.tableChanged()

	d.logger.Debug("transaction started",
		slog.Int("msg_id", int(t.msgID)),
		slog.Int("pending", d.txs.Len()))
	return nil
}

// End removes t from the table and disarms its timer. A callback still
// installed is told smcperr.TransactionInvalidated. Pool-drawn transactions
// must not be touched afterwards.
func (d *Daemon) End(t *Transaction) error {
	if t == nil {
		return smcperr.InvalidArgument
	}
	if d.current == t {
		d.current = nil
	}
	if t.active {
		t.active = false
		d.txs.Delete(t)
		d.timers.Invalidate(&t.timer)
		d.tableChanged()
	}
	t.state = StateCompleted

	if cb := t.callback; cb != nil {
		t.callback = nil
		_ = cb(d, t, nil, smcperr.TransactionInvalidated)
	}
	if t.pooled {
		d.txPool.Put(t)
	}
	return nil
}

// Tickle makes t fire immediately.
func (d *Daemon) Tickle(t *Transaction) {
	d.timers.Schedule(&t.timer, 0)
}

// InvalidateByID ends the transaction using id as message id or token.
func (d *Daemon) InvalidateByID(id uint16) {
	t := d.FindByMessageID(id)
	if t == nil {
		t = d.FindByToken(id)
	}
	if t != nil {
		d.End(t)
	}
}

// RetransmitDelay returns the backoff before transmission attempt+1: the
// base RTT doubled per attempt, scaled by a random factor in [0.85, 1.0],
// capped at the maximum retransmit delay.
func (d *Daemon) RetransmitDelay(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := d.cfg.BaseRTT << attempt
	delay = delay * time.Duration(850+d.rand.IntN(151)) / 1000
	if delay > d.cfg.MaxRetransmitDelay {
		delay = d.cfg.MaxRetransmitDelay
	}
	return delay
}

func (d *Daemon) startDelay() time.Duration {
	return time.Duration(10+d.rand.IntN(290)) * time.Millisecond
}

func (d *Daemon) keepalive(t *Transaction, delay time.Duration) time.Duration {
	if t.flags&FlagKeepalive != 0 && delay > d.cfg.KeepaliveInterval {
		return d.cfg.KeepaliveInterval
	}
	return delay
}

// renewMessageID moves t to a fresh message id, keeping the table ordered.
func (d *Daemon) renewMessageID(t *Transaction) {
	if !t.active {
		return
	}
	d.txs.Delete(t)
	id := d.nextMessageID()
	if d.FindByMessageID(id) != nil {
		panic("engine: message id reused by a live transaction")
	}
	t.msgID = id
	d.txs.ReplaceOrInsert(t)
}

func (d *Daemon) tableChanged() {
	n := d.txs.Len()
	d.stats.transactions.Store(int64(n))
	d.metrics.SetActiveTransactions(n)
}

// transactionTimeout runs when the transaction timer fires.
func (d *Daemon) transactionTimeout(t *Transaction) {
	prev := d.current
	d.current = t
	defer func() {
		if d.current == t || d.current == nil {
			d.current = prev
		}
	}()

	var status error = smcperr.Timeout
	remaining := t.expiration.Sub(d.now())

	switch {
	case remaining > 0:
		delay := d.keepalive(t, remaining)

		if t.waitingForAsync() && t.flags&FlagKeepalive == 0 {
			status = nil
		}

		if status != nil && t.resend != nil {
			if t.attempts > 0 {
				d.stats.retransmits.Add(1)
				d.metrics.Retransmit()
			}
			d.out.in = nil
			err := t.resend(d, t)
			switch {
			case err == nil:
				status = nil
				if d.out.lastType != message.NonConfirmable || t.attempts < 2 {
					delay = min(delay, d.RetransmitDelay(t.attempts))
					t.attempts++
				}
			case smcperr.Is(err, smcperr.WaitForDNS):
				delay = dnsRecheckDelay
				status = nil
			default:
				status = err
			}
		}
		d.timers.Schedule(&t.timer, delay)

	case t.flags&FlagObserve != 0:
		d.logger.Debug("observation expired, starting over",
			slog.Int("token", int(t.token)))
		d.metrics.ObserveRestart()

		t.state = StatePending
		t.attempts = 0
		t.lastObserve = 0
		t.hasObserved = false
		t.nextBlock2 = 0
		d.renewMessageID(t)
		t.expiration = d.now().Add(d.cfg.ObserveMaxAge)

		var delay time.Duration
		if t.resend != nil && t.flags&FlagDelayStart != 0 {
			delay = d.startDelay()
		}
		delay = d.keepalive(t, delay)
		d.timers.Schedule(&t.timer, delay)
		status = nil
	}

	if status == nil {
		return
	}

	if smcperr.Is(status, smcperr.Timeout) {
		d.stats.timeouts.Add(1)
		d.metrics.Timeout()
	}

	cb := t.callback
	if t.flags&FlagAlwaysInvalidate == 0 {
		t.callback = nil
	}
	if cb != nil {
		_ = cb(d, t, nil, status)
	}
	if d.current != t {
		return
	}
	d.End(t)
}

// ObserveAccepted reports whether an observe sequence seq is newer than
// last under 24-bit wraparound.
func ObserveAccepted(last, seq uint32) bool {
	return !(seq <= last && ((last-seq)&0xFFFFFF) > 0x7FFFFF)
}

// handleResponse matches a response to its transaction and delivers it.
func (d *Daemon) handleResponse(in *Inbound) error {
	t := d.FindByMessageID(in.MessageID())
	if t == nil && len(in.Token()) == 2 {
		if c := d.FindByToken(binary.BigEndian.Uint16(in.Token())); c != nil && c.waitingForAsync() {
			t = c
		}
	}

	prev := d.current
	d.current = t
	defer func() {
		if d.current == t || d.current == nil {
			d.current = prev
		}
	}()

	switch {
	case t == nil:
		if in.Type() == message.Confirmable || in.Type() == message.NonConfirmable {
			d.logger.Debug("unknown response, sending reset",
				slog.String("peer", in.peer.String()),
				slog.Int("msg_id", int(in.MessageID())))
			if err := d.BeginResponse(codes.Empty); err != nil {
				return err
			}
			d.out.enc.SetType(message.Reset)
			d.out.enc.SetMessageID(in.MessageID())
			return d.Send()
		}
		return nil

	case (in.Type() == message.Acknowledgement || in.Type() == message.NonConfirmable) &&
		in.Code() == codes.Empty && !coap.IsResult(t.sentCode):
		d.logger.Debug("request acknowledged, awaiting separate response",
			slog.Int("token", int(t.token)))
		t.state = StateAwaitingAsync
		return nil

	case t.callback != nil:
		hctx := in.handlerContext(d)
		hctx.TransactionToken = t.token
		if err := d.auth.HandleResponse(in.ctx, hctx); err != nil {
			return err
		}
		in.ResetOptions()
		return d.deliverResponse(t, in)
	}
	return nil
}

// deliverResponse runs the callback of t for in and decides whether t
// continues. t must not be touched once it has ended.
func (d *Daemon) deliverResponse(t *Transaction, in *Inbound) error {
	msgID := t.msgID

	var status error
	if in.Type() == message.Reset {
		status = smcperr.Reset
	}

	if t.flags&FlagObserve != 0 && in.hasObserve {
		if in.dupe || (t.hasObserved && (in.observe == t.lastObserve || !ObserveAccepted(t.lastObserve, in.observe))) {
			d.logger.Debug("skipping stale observation",
				slog.Uint64("seq", uint64(in.observe)),
				slog.Uint64("last", uint64(t.lastObserve)))
			return smcperr.Dupe
		}

		t.lastObserve = in.observe
		t.hasObserved = true
		d.metrics.Notification()

		err := t.callback(d, t, in, status)
		if d.current != t || msgID != t.msgID || !t.active {
			return err
		}

		t.state = StateObserving
		t.attempts = 0
		d.timers.Invalidate(&t.timer)
		d.scheduleRenewal(t, in)
		if err != nil {
			d.End(t)
		}
		return err
	}

	cb := t.callback
	if t.flags&(FlagAlwaysInvalidate|FlagObserve) == 0 {
		t.callback = nil
	}
	err := cb(d, t, in, status)
	if d.current != t {
		return err
	}

	t.attempts = 0
	t.state = StatePending
	if !t.active || msgID != t.msgID {
		return err
	}

	switch {
	case err == nil && coap.Block2HasMore(in.block2) && t.flags&FlagAlwaysInvalidate != 0:
		d.logger.Debug("requesting next block",
			slog.Uint64("block", uint64(coap.Block2Num(in.block2)+1)))
		t.nextBlock2 = coap.Block2Next(in.block2)
		d.renewMessageID(t)
		d.timers.Schedule(&t.timer, 0)
	case t.flags&FlagObserve == 0:
		t.resend = nil
		d.End(t)
		return err
	default:
		t.nextBlock2 = 0
		d.timers.Invalidate(&t.timer)
		d.scheduleRenewal(t, in)
	}
	if err != nil {
		d.End(t)
	}
	return err
}

// scheduleRenewal sets the expiration of an observation from the Max-Age of
// its latest response.
func (d *Daemon) scheduleRenewal(t *Transaction, in *Inbound) {
	delay := in.MaxAge()
	if delay == 0 {
		if in.hasObserve {
			delay = DistantFuture
		} else {
			delay = d.cfg.ObserveMaxAge
		}
	}
	t.expiration = d.now().Add(delay)
	d.timers.Schedule(&t.timer, d.keepalive(t, delay))
}
