// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fdpi is a local HTTP CONNECT proxy that fragments the TLS ClientHello of
// every tunnel and sends part of the fragments with a low hop limit, so that
// middleboxes filtering on the server name see an incomplete handshake.
//
// Point the HTTPS proxy of your browser or system at the listen address:
//
//	fdpi -port 8080 -b 1 -s 3 -ttl 3 -esni
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/fdpi-proxy/fdpi/config"
	"github.com/fdpi-proxy/fdpi/disorder"
	"github.com/fdpi-proxy/fdpi/dns"
	"github.com/fdpi-proxy/fdpi/httpproxy"
	"github.com/fdpi-proxy/fdpi/metrics"
	"github.com/fdpi-proxy/fdpi/transport"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// How long to let running sessions finish after a shutdown signal.
const shutdownTimeout = 5 * time.Second

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.NoLog {
		return slog.New(slog.DiscardHandler)
	}
	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
}

func main() {
	cfg, err := config.FromArgs(path.Base(os.Args[0]), os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(&cfg)
	slog.SetDefault(logger)

	plan, err := cfg.Plan()
	if err != nil {
		logger.Error("Invalid fragmentation plan", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, m := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, registry, logger); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	worker := dns.NewWorker(dns.NewSetup(cfg.Resolver()), cfg.DNSTimeout(), logger, m)
	go func() {
		if err := worker.Run(ctx); err != nil {
			// Sessions keep failing in the resolving state from now on.
			logger.Error("Resolution worker stopped", "error", err)
		}
	}()

	engine := disorder.NewEngine(plan, logger, m)
	handler := httpproxy.NewHandler(worker, &transport.TCPDialer{}, httpproxy.TCPOptions, engine, logger)
	server := httpproxy.NewServer(handler, logger, m)
	logger.Info("Starting proxy", "body", plan.Body, "sni", plan.SNI, "ttl", plan.FakeTTL, "esni", plan.EditSNI, "dns", cfg.DNS.Transport)
	if err := server.ListenAndServe(ctx, cfg.ListenAddress()); err != nil {
		logger.Error("Proxy stopped", "error", err)
		os.Exit(1)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(waitCtx); err != nil {
		logger.Warn("Sessions still running", "live", server.Live(), "error", err)
	}
	logger.Info("Shutting down", "live", server.Live())
}
