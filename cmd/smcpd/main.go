// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs an SMCP daemon over UDP with Prometheus metrics and
// health endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hwkang0621/smcp"
	"github.com/hwkang0621/smcp/examples/simple"
	"github.com/hwkang0621/smcp/pkg/engine"
	"github.com/hwkang0621/smcp/pkg/health"
	"github.com/hwkang0621/smcp/pkg/metrics"
	"github.com/hwkang0621/smcp/pkg/node"
	"github.com/hwkang0621/smcp/pkg/server/udp"
	"github.com/joho/godotenv"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "SMCP_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := smcp.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	m := metrics.New("smcp", nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	tcfg := cfg.Transport()
	tcfg.Logger = logger
	tcfg.Metrics = m
	tr, err := udp.Listen(ctx, tcfg)
	if err != nil {
		logger.Error("Failed to listen", slog.String("address", tcfg.Address), slog.String("error", err.Error()))
		os.Exit(1)
	}

	ecfg := cfg.Engine()
	ecfg.Logger = logger
	ecfg.Metrics = m
	ecfg.Auth = simple.New(logger)
	d, err := engine.New(ecfg, tr)
	if err != nil {
		logger.Error("Failed to create daemon", slog.String("error", err.Error()))
		_ = tr.Close()
		os.Exit(1)
	}

	root, err := buildTree(d, logger)
	if err != nil {
		logger.Error("Failed to build node tree", slog.String("error", err.Error()))
		_ = d.Close()
		os.Exit(1)
	}
	d.SetRoot(root)

	checker := health.NewChecker(10 * time.Second)
	checker.RegisterCritical("transactions", health.TransactionCheck(d.Stats, int64(maxLive(cfg))))
	checker.Register("bad_packets", health.BadPacketCheck(d.Stats, 0.5, 100))
	checker.Register("activity", health.ActivityCheck(d.Stats, cfg.IdleTimeout, d.Now))

	g.Go(func() error {
		defer d.Close()
		return d.Run(ctx)
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), cfg.ShutdownTimeout, logger)
	})

	logger.Info("SMCP daemon listening",
		slog.String("address", d.LocalAddr().String()),
		slog.String("daemon", d.ID()))

	if err := g.Wait(); err != nil {
		logger.Error("SMCP daemon terminated", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

// maxLive is the transaction count above which the daemon reports unhealthy.
func maxLive(cfg smcp.Config) int {
	if cfg.MaxTransactions > 0 {
		return cfg.MaxTransactions
	}
	return 10000
}

// buildTree creates the demo resource tree:
//
//	/sys/hostname     read-only
//	/sys/uptime       read-only, seconds
//	/sys/stats        read-only daemon counters
//	/name             read-write string
//	/heartbeat        timer node
func buildTree(d *engine.Daemon, logger *slog.Logger) (*node.Node, error) {
	start := d.Now()
	root := node.New("")

	sys := node.New("sys").SetDescription(`rel="sys"`)
	hostname, _ := os.Hostname()
	vars := []*node.Variable{
		node.StringVariable("hostname", func() string { return hostname }),
		node.StringVariable("uptime", func() string {
			return strconv.FormatInt(int64(d.Now().Sub(start)/time.Second), 10)
		}),
		node.StringVariable("stats", func() string {
			s := d.Stats()
			return fmt.Sprintf("in=%d out=%d dupes=%d bad=%d retransmits=%d timeouts=%d transactions=%d",
				s.PacketsIn, s.PacketsOut, s.Dupes, s.BadPackets, s.Retransmits, s.Timeouts, s.Transactions)
		}),
	}
	for _, v := range vars {
		if err := sys.Add(v); err != nil {
			return nil, err
		}
	}
	if err := root.Add(sys); err != nil {
		return nil, err
	}

	name := hostname
	nameVar := node.NewVariable("name",
		func(*engine.Request) ([]byte, message.MediaType, error) {
			return []byte(name), message.TextPlain, nil
		},
		func(_ *engine.Request, value []byte, _ message.MediaType) error {
			name = string(value)
			return nil
		},
	).SetDescription(`ct=0`)
	if err := root.Add(nameVar); err != nil {
		return nil, err
	}

	hb := node.NewTimer("heartbeat", d.Timers())
	hb.OnFire = func(*node.Timer) {
		logger.Debug("heartbeat", slog.String("daemon", d.ID()))
	}
	hb.OnChange = func(_ *node.Timer, variable, value string) {
		logger.Info("heartbeat changed", slog.String(variable, value))
	}
	if err := root.Add(hb); err != nil {
		return nil, err
	}

	return root, nil
}

// setupLogger creates a structured logger with the configured level and format.
func setupLogger(cfg smcp.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevelValue(),
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an HTTP server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, timeout time.Duration, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
