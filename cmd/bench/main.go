// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides a garbage-collection benchmark for the epochgc engine.
//
// The tool drives update-heavy workloads against an in-memory engine and
// reports how quickly the collector keeps up: how many transactions it
// reclaimed, how many tuple slots it recycled and reused, and how much
// variable-length storage is still held. It is useful for tuning worker
// counts, epoch intervals and grace periods before embedding the engine.
//
// # Key Features
//
//   - Update-heavy workers that pick keys with an xorshift generator
//   - Mixed read/update workloads at several concurrency levels
//   - A pinned-reader scenario showing how a long snapshot holds garbage back
//   - Optional admin endpoint serving Prometheus metrics and a JSON snapshot
//   - Jsonnet configuration, identical to the one the REPL accepts
//
// # Usage
//
// Run with defaults:
//
//	go run ./cmd/bench
//
// Use a config file and expose metrics while the run is in progress:
//
//	go run ./cmd/bench -config gc.jsonnet -metrics-addr :9090
//
// While running, the admin endpoint serves:
//
//	GET /metrics     Prometheus exposition format
//	GET /stats       JSON snapshot of collector counters
//	GET /-/healthy   liveness probe
//
// # Interpreting Results
//
//   - **Throughput**: committed updates per second (higher is better)
//   - **Conflicts**: write-write conflicts that aborted a transaction
//   - **Released**: transaction contexts reclaimed by the collector
//   - **Recycled / Reused**: slots handed back to tables and taken again
//   - **Varlen**: bytes of tuple payload still allocated
//
// A growing gap between commits and released contexts means the collector
// is falling behind. Raise gc.workers or shorten gc.gracePeriod.
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: The update workloads allocate quickly and can use a lot of memory.
//   - **Pinned Readers**: The pinned scenario deliberately blocks reclamation until its reader ends.
//   - **Port Binding**: -metrics-addr binds a listener on every interface unless a host is given.
//   - **Shared Registry**: Prometheus collectors are registered on the default registry.
//
// # See Also
//
// For interactive exploration of visibility and collection, see the REPL tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kianostad/epochgc/internal/config"
	"github.com/kianostad/epochgc/internal/core"
)

type options struct {
	configPath  string
	metricsAddr string
	goroutines  []int
	keys        int
	ops         int
	pin         bool
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	opts := options{}
	levels := fs.String("goroutines", "1,2,4,8", "comma separated concurrency levels")
	fs.StringVar(&opts.configPath, "config", "", "path to a jsonnet configuration file")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /stats on this address")
	fs.IntVar(&opts.keys, "keys", 10000, "number of rows to preload")
	fs.IntVar(&opts.ops, "ops", 5000, "operations per goroutine")
	fs.BoolVar(&opts.pin, "pin", true, "run the pinned reader scenario")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	for _, s := range strings.Split(*levels, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid concurrency level %q", s)
		}
		opts.goroutines = append(opts.goroutines, n)
	}
	if opts.keys <= 0 || opts.ops <= 0 {
		return opts, errors.New("keys and ops must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.LoadFile(opts.configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.EnablePrometheus = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := core.New(ctx, cfg, core.WithLogger(logger))
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: newAdminRouter(engine), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	fmt.Println("epochgc collector benchmark")
	fmt.Println("===========================")

	b, err := newBench(ctx, engine, opts.keys)
	if err != nil {
		logger.Error("failed to preload rows", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nPreloaded %d rows\n", opts.keys)

	fmt.Println("\n1. Update-heavy workload")
	for _, n := range opts.goroutines {
		b.report(os.Stdout, n, b.run(ctx, n, opts.ops, 0))
	}

	fmt.Println("\n2. Mixed workload (80% reads, 20% updates)")
	for _, n := range opts.goroutines {
		b.report(os.Stdout, n, b.run(ctx, n, opts.ops, 80))
	}

	if opts.pin {
		fmt.Println("\n3. Pinned reader")
		if err := b.pinned(ctx, os.Stdout, opts.goroutines[len(opts.goroutines)-1], opts.ops); err != nil {
			logger.Error("pinned scenario failed", "error", err)
		}
	}

	b.summary(os.Stdout)
}
