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

// Package metrics exports proxy counters to Prometheus.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fdpi"

// Metrics holds the proxy collectors. A nil *Metrics records nothing.
type Metrics struct {
	live      prometheus.Gauge
	sessions  *prometheus.CounterVec
	lookups   *prometheus.CounterVec
	fragments *prometheus.CounterVec
	hellos    *prometheus.CounterVec
}

// New creates the proxy collectors and registers them with reg, if not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_live",
			Help:      "Client connections currently being handled.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished client sessions by the state they ended in.",
		}, []string{"state"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "Resolution worker lookups by result.",
		}, []string{"result"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hello_fragments_total",
			Help:      "Handshake fragments written upstream by hop limit.",
		}, []string{"ttl"}),
		hellos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hellos_total",
			Help:      "Handshakes spliced, by whether a server name was located.",
		}, []string{"sni"}),
	}
	if reg != nil {
		reg.MustRegister(m.live, m.sessions, m.lookups, m.fragments, m.hellos)
	}
	return m
}

// ConnectionOpened marks a client connection as live.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.live.Inc()
}

// ConnectionClosed drops a live connection and counts the session by its outcome.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.live.Dec()
}

// SessionEnded counts a session ending in state, such as "closed" or
// "failed_resolving".
func (m *Metrics) SessionEnded(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Inc()
}

// LookupDone counts a resolution with result "resolved" or "failed".
func (m *Metrics) LookupDone(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

// FragmentSent counts a handshake fragment written with the fake or the original hop limit.
func (m *Metrics) FragmentSent(fake bool) {
	if m == nil {
		return
	}
	ttl := "original"
	if fake {
		ttl = "fake"
	}
	m.fragments.WithLabelValues(ttl).Inc()
}

// HelloSpliced counts a spliced handshake by whether its server name was found.
func (m *Metrics) HelloSpliced(sniFound bool) {
	if m == nil {
		return
	}
	sni := "missing"
	if sniFound {
		sni = "found"
	}
	m.hellos.WithLabelValues(sni).Inc()
}

// NewRegistry returns a registry with the Go runtime and process collectors
// and the proxy collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, New(registry)
}

// Serve exposes gatherer on /metrics at addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics listening", "addr", listener.Addr().String())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
