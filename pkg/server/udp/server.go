// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hwkang0621/smcp/pkg/breaker"
	"github.com/hwkang0621/smcp/pkg/coap"
	"github.com/hwkang0621/smcp/pkg/engine"
	"github.com/hwkang0621/smcp/pkg/metrics"
	"github.com/hwkang0621/smcp/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPort is the standard CoAP port.
	DefaultPort = 5683

	// DefaultPortWalk is how many successive ports are tried when the
	// requested one is in use.
	DefaultPortWalk = 10

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = coap.MaxPacketSize

	// DefaultQueueSize is the number of datagrams buffered between the
	// socket readers and the engine.
	DefaultQueueSize = 64
)

// ErrClosed is returned by Receive once the transport is closed.
var ErrClosed = net.ErrClosed

// Config holds the UDP transport configuration.
type Config struct {
	// Address is the listen address (host:port). An empty port means
	// DefaultPort.
	Address string

	// PortWalk is how many ports after the requested one are tried on
	// EADDRINUSE. If 0, uses DefaultPortWalk; negative disables the walk.
	// A requested port of 0 never walks.
	PortWalk int

	// MulticastGroup, if set, is joined on the listening socket, which
	// must then be bound to a wildcard host. The group family selects the
	// socket family. Datagrams addressed to the group are flagged as
	// multicast.
	MulticastGroup string

	// MulticastInterface names the interface for the group. Empty lets
	// the system choose.
	MulticastInterface string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// QueueSize bounds received datagrams waiting for the engine. When
	// full, new datagrams are dropped.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// RateLimitCapacity and RateLimitRefill configure a per-peer token
	// bucket on inbound datagrams. A zero capacity disables limiting.
	RateLimitCapacity int64
	RateLimitRefill   int64

	// MaxClients bounds the peers tracked by the rate limiter and the send
	// breakers.
	MaxClients int

	// BreakerMaxFailures is the number of consecutive send errors to one
	// peer after which sends to it fail fast with breaker.ErrCircuitOpen.
	// Zero disables the breakers.
	BreakerMaxFailures int

	// BreakerResetTimeout is how long a peer's breaker stays open before
	// a probe send is let through.
	BreakerResetTimeout time.Duration

	// Logger for transport events
	Logger *slog.Logger

	// Metrics, if set, counts rate limited datagrams.
	Metrics *metrics.Metrics
}

// Transport is an engine.Transport over UDP sockets. Reader goroutines fill
// a bounded queue that Receive drains.
type Transport struct {
	config     Config
	conn       *net.UDPConn
	readFrom   readFunc
	local      netip.AddrPort
	limiter    *ratelimit.Limiter[netip.Addr]
	breakers   *breaker.Group[netip.AddrPort]
	bufferPool *sync.Pool
	packetCh   chan engine.Datagram
	done       chan struct{}
	cancel     context.CancelFunc
	group      *errgroup.Group
	closeOnce  sync.Once
	closeErr   error
}

var _ engine.Transport = (*Transport)(nil)

// Listen binds the transport and starts its readers. ctx bounds the
// readers' lifetime in addition to Close.
func Listen(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PortWalk == 0 {
		cfg.PortWalk = DefaultPortWalk
	}

	network := "udp"
	var group netip.Addr
	if cfg.MulticastGroup != "" {
		var err error
		if group, err = netip.ParseAddr(cfg.MulticastGroup); err != nil || !group.IsMulticast() {
			return nil, fmt.Errorf("invalid multicast group %q", cfg.MulticastGroup)
		}
		network = "udp6"
		if group.Is4() {
			network = "udp4"
		}
	}

	conn, err := listenWalk(cfg, network)
	if err != nil {
		return nil, err
	}

	// Configure socket buffer sizes if specified
	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			cfg.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if cfg.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
			cfg.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	t := &Transport{
		config:   cfg,
		conn:     conn,
		readFrom: unicastReader(conn),
		local:    netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		bufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
		packetCh: make(chan engine.Datagram, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	if group.IsValid() {
		if !t.local.Addr().IsUnspecified() {
			conn.Close()
			return nil, fmt.Errorf("multicast group %s needs a wildcard listen address, got %s", group, t.local.Addr())
		}
		var ifi *net.Interface
		if cfg.MulticastInterface != "" {
			if ifi, err = net.InterfaceByName(cfg.MulticastInterface); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to find interface %s: %w", cfg.MulticastInterface, err)
			}
		}
		if t.readFrom, err = joinGroup(conn, group, ifi); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if cfg.RateLimitCapacity > 0 {
		t.limiter = ratelimit.NewLimiter[netip.Addr](cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.MaxClients)
	}

	if cfg.BreakerMaxFailures > 0 {
		t.breakers = breaker.NewGroup[netip.AddrPort](breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		}, cfg.MaxClients)
		t.breakers.OnStateChange(func(peer netip.AddrPort, from, to breaker.State) {
			cfg.Logger.Warn("send breaker state changed",
				slog.String("peer", peer.String()),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			cfg.Metrics.BreakerTransition(to.String())
		})
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.group, ctx = errgroup.WithContext(ctx)
	t.group.Go(func() error { return t.read(ctx) })
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	cfg.Logger.Info("UDP transport started",
		slog.String("address", t.local.String()),
		slog.String("multicast_group", cfg.MulticastGroup),
		slog.Int("buffer_size", cfg.BufferSize))

	return t, nil
}

// listenWalk binds the requested port, moving to the next one while the
// port is in use.
func listenWalk(cfg Config, network string) (*net.UDPConn, error) {
	host, portStr, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %s: %w", cfg.Address, err)
	}
	port := DefaultPort
	if portStr != "" {
		if port, err = strconv.Atoi(portStr); err != nil || port < 0 || port > 0xFFFF {
			return nil, fmt.Errorf("invalid port in address %s", cfg.Address)
		}
	}

	attempts := 1
	if port != 0 && cfg.PortWalk > 0 {
		attempts += cfg.PortWalk
	}

	for i := 0; i < attempts && port+i <= 0xFFFF; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		udpAddr, err := net.ResolveUDPAddr(network, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve address %s: %w", addr, err)
		}
		conn, err := net.ListenUDP(network, udpAddr)
		if err == nil {
			if i > 0 {
				cfg.Logger.Warn("requested port in use, bound to next free port",
					slog.Int("requested", port),
					slog.Int("bound", port+i))
			}
			return conn, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}
	return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, syscall.EADDRINUSE)
}

// read copies datagrams from the socket into the queue until it closes.
func (t *Transport) read(ctx context.Context) error {
	for {
		bufPtr := t.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, from, multicast, err := t.readFrom(buffer)
		if err != nil {
			t.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return nil
			case <-t.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		peer := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if t.limiter != nil && !t.limiter.Allow(peer.Addr()) {
			t.bufferPool.Put(bufPtr)
			t.config.Metrics.RateLimited("peer")
			t.config.Logger.Debug("rate limit exceeded, dropping packet",
				slog.String("client", peer.String()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		t.bufferPool.Put(bufPtr)

		select {
		case t.packetCh <- engine.Datagram{Data: datagram, Peer: peer, Multicast: multicast}:
		case <-ctx.Done():
			return nil
		default:
			t.config.Logger.Warn("receive queue full, dropping packet",
				slog.String("client", peer.String()))
		}
	}
}

// Receive implements engine.Transport.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (engine.Datagram, error) {
	if timeout == 0 {
		select {
		case dg := <-t.packetCh:
			return dg, nil
		case <-t.done:
			return engine.Datagram{}, ErrClosed
		default:
			return engine.Datagram{}, os.ErrDeadlineExceeded
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case dg := <-t.packetCh:
		return dg, nil
	case <-expired:
		return engine.Datagram{}, os.ErrDeadlineExceeded
	case <-t.done:
		return engine.Datagram{}, ErrClosed
	case <-ctx.Done():
		return engine.Datagram{}, ctx.Err()
	}
}

// Send implements engine.Transport.
func (t *Transport) Send(b []byte, dst netip.AddrPort) error {
	if t.breakers == nil {
		return t.write(b, dst)
	}
	if err := t.breakers.Call(dst, func() error { return t.write(b, dst) }); err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return fmt.Errorf("failed to send to %s: %w", dst, err)
		}
		return err
	}
	return nil
}

func (t *Transport) write(b []byte, dst netip.AddrPort) error {
	if _, err := t.conn.WriteToUDPAddrPort(b, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	return nil
}

// LocalAddr implements engine.Transport.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.local
}

// Close stops the readers and closes the sockets. It is safe to call more
// than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		if err := t.conn.Close(); err != nil {
			t.closeErr = err
		}
		if err := t.group.Wait(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
		if t.limiter != nil {
			t.limiter.Close()
		}
		t.config.Logger.Info("UDP transport stopped", slog.String("address", t.local.String()))
	})
	return t.closeErr
}
