// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/hwkang0621/smcp/pkg/handler"
	"github.com/hwkang0621/smcp/pkg/metrics"
	"github.com/hwkang0621/smcp/pkg/pool"
	"github.com/hwkang0621/smcp/pkg/timer"
)

// Datagram is one packet delivered by a Transport.
type Datagram struct {
	Data      []byte
	Peer      netip.AddrPort
	Multicast bool
}

// Transport moves datagrams for a Daemon.
type Transport interface {
	// Receive waits up to timeout for one datagram. A negative timeout
	// waits until ctx is done. On timeout it returns an error wrapping
	// os.ErrDeadlineExceeded.
	Receive(ctx context.Context, timeout time.Duration) (Datagram, error)

	// Send transmits b to dst.
	Send(b []byte, dst netip.AddrPort) error

	// LocalAddr returns the bound address.
	LocalAddr() netip.AddrPort

	// Close releases the transport.
	Close() error
}

// Stats is a snapshot of daemon counters.
type Stats struct {
	PacketsIn    uint64
	PacketsOut   uint64
	Dupes        uint64
	BadPackets   uint64
	Retransmits  uint64
	Timeouts     uint64
	Transactions int64
	LastActivity time.Time
}

type stats struct {
	packetsIn    atomic.Uint64
	packetsOut   atomic.Uint64
	dupes        atomic.Uint64
	badPackets   atomic.Uint64
	retransmits  atomic.Uint64
	timeouts     atomic.Uint64
	transactions atomic.Int64
	lastActivity atomic.Int64
}

// Daemon is one protocol engine instance. All methods except Stats and ID
// must be called from the goroutine driving Process.
type Daemon struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tr      Transport
	root    Node
	auth    handler.Handler
	now     func() time.Time
	rand    *rand.Rand

	timers    *timer.Scheduler
	txs       *btree.BTreeG[*Transaction]
	txPool    *pool.Pool[Transaction]
	nextMsgID uint16

	dupes dupeRing

	inbound *Inbound
	current *Transaction
	out     composer

	stats  stats
	closed bool
}

// New creates a daemon speaking over tr.
func New(cfg Config, tr Transport) (*Daemon, error) {
	if tr == nil {
		return nil, smcperr.Wrap(smcperr.InvalidArgument, "nil transport")
	}
	cfg.applyDefaults()

	id := uuid.NewString()
	d := &Daemon{
		id:      id,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("daemon", id)),
		metrics: cfg.Metrics,
		tr:      tr,
		root:    cfg.Root,
		auth:    cfg.Auth,
		now:     cfg.Now,
		rand:    cfg.Rand,
		timers:  timer.New(cfg.Now),
		txs:     btree.NewG(8, lessMsgID),
		txPool:  pool.New[Transaction](pool.Config{MaxActive: cfg.MaxTransactions}),
		dupes:   newDupeRing(cfg.DupeBufferSize),
		out:     newComposer(cfg.MaxPacketSize),
	}
	d.nextMsgID = uint16(d.rand.Uint32())

	return d, nil
}

// ID returns the daemon instance id.
func (d *Daemon) ID() string {
	return d.id
}

// Logger returns the daemon logger.
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Root returns the root node.
func (d *Daemon) Root() Node {
	return d.root
}

// SetRoot replaces the root node.
func (d *Daemon) SetRoot(n Node) {
	d.root = n
}

// Now returns the daemon clock.
func (d *Daemon) Now() time.Time {
	return d.now()
}

// Timers returns the scheduler so nodes can register their own timers.
func (d *Daemon) Timers() *timer.Scheduler {
	return d.timers
}

// LocalAddr returns the transport address.
func (d *Daemon) LocalAddr() netip.AddrPort {
	return d.tr.LocalAddr()
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (d *Daemon) Stats() Stats {
	s := Stats{
		PacketsIn:    d.stats.packetsIn.Load(),
		PacketsOut:   d.stats.packetsOut.Load(),
		Dupes:        d.stats.dupes.Load(),
		BadPackets:   d.stats.badPackets.Load(),
		Retransmits:  d.stats.retransmits.Load(),
		Timeouts:     d.stats.timeouts.Load(),
		Transactions: d.stats.transactions.Load(),
	}
	if ns := d.stats.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

// NextTimeout returns how long the daemon may sleep before a timer is due,
// or timer.Never.
func (d *Daemon) NextTimeout() time.Duration {
	return d.timers.NextTimeout()
}

// ErrTransport marks a Process error caused by the transport failing to
// receive, as opposed to a failure handling one packet.
var ErrTransport = errors.New("transport failure")

// Process waits for at most one datagram, handles it, then fires any due
// timers. It blocks no longer than timeout or the next timer deadline; a
// negative timeout means only the timers bound the wait.
func (d *Daemon) Process(ctx context.Context, timeout time.Duration) error {
	if d.closed {
		return smcperr.Wrap(smcperr.Failure, "daemon closed")
	}

	wait := d.timers.NextTimeout()
	if timeout >= 0 && (wait < 0 || timeout < wait) {
		wait = timeout
	}

	var ret error
	dg, err := d.tr.Receive(ctx, wait)
	switch {
	case err == nil:
		ret = d.HandleInbound(ctx, dg)
		if ret != nil {
			d.logger.Debug("inbound packet not handled",
				slog.String("peer", dg.Peer.String()),
				slog.String("error", ret.Error()))
		}
	case errors.Is(err, os.ErrDeadlineExceeded):
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %w: %w", ErrTransport, smcperr.Errno, err)
	}

	d.timers.HandleTimers()
	return ret
}

// Run drives Process until ctx is done or the transport fails. Errors from
// handling a single packet, failed sends included, are logged and dropped.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon started", slog.String("address", d.tr.LocalAddr().String()))
	for !d.closed {
		err := d.Process(ctx, -1)
		if ctx.Err() != nil {
			d.logger.Info("daemon stopped")
			return nil
		}
		if errors.Is(err, ErrTransport) {
			d.logger.Error("daemon stopped", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// Close ends every transaction, releases timers, and closes the transport.
func (d *Daemon) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var live []*Transaction
	d.txs.Ascend(func(t *Transaction) bool {
		live = append(live, t)
		return true
	})
	for _, t := range live {
		d.End(t)
	}
	d.timers.Release()
	_ = d.txPool.Close()
	return d.tr.Close()
}

func (d *Daemon) touch() {
	d.stats.lastActivity.Store(d.now().UnixNano())
}
