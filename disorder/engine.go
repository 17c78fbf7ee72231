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

// Package disorder splits the first bytes a client sends through the proxy,
// normally a TLS ClientHello, into several TCP segments, and sends some of
// them with a hop limit too low to reach the server.
//
// A middlebox on the path sees the low hop limit segments, or sees the
// handshake cut in pieces, while the server only gets the segments that the
// kernel retransmits with the original hop limit, and reassembles them into
// the complete hello.
//
// Setting the hop limit of a connected socket only works with the Linux
// kernel. On other systems every segment carries the original value.
package disorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fdpi-proxy/fdpi/metrics"
	"github.com/fdpi-proxy/fdpi/sockopt"
	"github.com/fdpi-proxy/fdpi/transport/tlsfrag"
)

// HelloBufferSize is the most the engine reads from the client in one go.
const HelloBufferSize = 516

// Engine splices a client handshake into fragments on an upstream socket according to a Plan.
type Engine struct {
	plan    *Plan
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine returns an engine sending handshakes as described by plan.
// logger and m may be nil.
func NewEngine(plan *Plan, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{plan: plan, log: logger, metrics: m}
}

// Splice reads once from client and writes what it got to upstream in
// fragments. opts must be the options of the upstream socket.
//
// The hop limit and the coalescing of small writes are restored before
// Splice returns, also when nothing was read. Any write or socket option
// error is returned.
func (e *Engine) Splice(client io.Reader, upstream io.Writer, opts sockopt.TCPOptions) (err error) {
	buf := make([]byte, HelloBufferSize)
	n, err := client.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read the hello: %w", err)
	}
	hello := buf[:n]

	ttl, err := opts.HopLimit()
	if err != nil {
		return fmt.Errorf("failed to get the hop limit: %w", err)
	}
	if err := opts.SetNoDelay(true); err != nil {
		return fmt.Errorf("failed to disable coalescing: %w", err)
	}
	defer func() {
		if restoreErr := opts.SetHopLimit(ttl); restoreErr != nil && err == nil {
			err = fmt.Errorf("failed to restore the hop limit %d: %w", ttl, restoreErr)
		}
		if restoreErr := opts.SetNoDelay(false); restoreErr != nil && err == nil {
			err = fmt.Errorf("failed to restore coalescing: %w", restoreErr)
		}
	}()

	var sni *tlsfrag.Location
	if loc, ok := tlsfrag.LocateSNI(hello); ok {
		sni = &loc
		if e.plan.EditSNI {
			EditServerName(hello, loc)
		}
		e.log.Info("hello", "sni", string(hello[loc.Start:loc.End]))
	} else {
		e.log.Debug("no server name in hello", "bytes", n)
	}
	e.metrics.HelloSpliced(sni != nil)

	fragments, rest := e.plan.Fragments(hello, sni)
	for i, fragment := range fragments {
		fake := e.plan.IsFake(i)
		hopLimit := ttl
		if fake {
			hopLimit = e.plan.FakeTTL
		}
		if err := opts.SetHopLimit(hopLimit); err != nil {
			return fmt.Errorf("failed to set the hop limit to %d: %w", hopLimit, err)
		}
		if err := e.write(upstream, opts, fragment); err != nil {
			return err
		}
		e.metrics.FragmentSent(fake)
	}

	if err := opts.SetHopLimit(ttl); err != nil {
		return fmt.Errorf("failed to set the hop limit to %d: %w", ttl, err)
	}
	return e.write(upstream, opts, rest)
}

// write sends one segment and, where the OS can tell, waits until the kernel
// has put it on the wire so the next hop limit change does not apply to it.
func (e *Engine) write(upstream io.Writer, opts sockopt.TCPOptions, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := upstream.Write(data); err != nil {
		return fmt.Errorf("failed to write %d bytes upstream: %w", len(data), err)
	}
	if !opts.OsSupportsWaitingUntilBytesAreSent() {
		return nil
	}
	if err := opts.WaitUntilBytesAreSent(); err != nil {
		e.log.Debug("segment may be coalesced", "error", err)
	}
	return nil
}
