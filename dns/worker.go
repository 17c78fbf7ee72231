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

package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/fdpi-proxy/fdpi/metrics"
)

// QueueSize is the number of requests that can wait for the [Worker].
const QueueSize = 16

// DefaultTimeout bounds a single lookup performed by the [Worker].
const DefaultTimeout = 10 * time.Second

// ErrUnavailable is returned when the [Worker] is not running anymore.
var ErrUnavailable = errors.New("resolution worker unavailable")

// SetupFunc creates the [Lookuper] used by a [Worker].
type SetupFunc func() (Lookuper, error)

// Request asks the [Worker] to resolve Domain. The answer is sent once on Reply,
// which must have room for it. The zero [netip.Addr] means no address was found.
type Request struct {
	Domain string
	Reply  chan<- netip.Addr
}

// Worker serializes lookups through a single goroutine.
type Worker struct {
	setup    SetupFunc
	timeout  time.Duration
	requests chan Request
	done     chan struct{}
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewWorker creates a [Worker]. It does nothing until [Worker.Run] is called.
// A non-positive timeout selects [DefaultTimeout].
func NewWorker(setup SetupFunc, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		setup:    setup,
		timeout:  timeout,
		requests: make(chan Request, QueueSize),
		done:     make(chan struct{}),
		log:      logger,
		metrics:  m,
	}
}

// Run builds the resolver and answers requests in arrival order until ctx is done.
// Setup failures are returned, after which every submission fails with [ErrUnavailable].
// Run must be called at most once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	lookuper, err := w.setup()
	if err != nil {
		w.log.Error("failed to set up resolver", "error", err)
		return fmt.Errorf("failed to set up resolver: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.requests:
			addr := w.resolve(ctx, lookuper, req.Domain)
			select {
			case req.Reply <- addr:
			default:
				w.log.Debug("dropping abandoned reply", "domain", req.Domain)
			}
		}
	}
}

func (w *Worker) resolve(ctx context.Context, lookuper Lookuper, domain string) netip.Addr {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	addrs, err := lookuper.LookupIPv4(ctx, domain)
	if err != nil || len(addrs) == 0 {
		w.log.Info("domain not resolved", "domain", domain, "error", err)
		w.metrics.LookupDone("failed")
		return netip.Addr{}
	}
	w.log.Debug("domain resolved", "domain", domain, "addr", addrs[0])
	w.metrics.LookupDone("resolved")
	return addrs[0]
}

// Submit enqueues req, waiting while the queue is full.
func (w *Worker) Submit(ctx context.Context, req Request) error {
	select {
	case <-w.done:
		return ErrUnavailable
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup resolves domain through the worker and waits for the answer.
// It returns [ErrNoAddress] if the worker found no address.
func (w *Worker) Lookup(ctx context.Context, domain string) (netip.Addr, error) {
	reply := make(chan netip.Addr, 1)
	if err := w.Submit(ctx, Request{Domain: domain, Reply: reply}); err != nil {
		return netip.Addr{}, err
	}
	select {
	case addr := <-reply:
		return checkReply(domain, addr)
	case <-w.done:
		select {
		case addr := <-reply:
			return checkReply(domain, addr)
		default:
			return netip.Addr{}, ErrUnavailable
		}
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}

func checkReply(domain string, addr netip.Addr) (netip.Addr, error) {
	if !addr.IsValid() {
		return addr, fmt.Errorf("%v: %w", domain, ErrNoAddress)
	}
	return addr, nil
}
