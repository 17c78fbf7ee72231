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

package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fdpi-proxy/fdpi/metrics"
)

// Written to every client when its session ends, whatever the outcome.
const closeNotice = "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n"

const maxAcceptDelay = time.Second

// Server accepts clients and runs a [Handler] session for each of them.
type Server struct {
	handler *Handler
	log     *slog.Logger
	metrics *metrics.Metrics

	live     atomic.Int64
	sessions sync.WaitGroup
}

// NewServer creates a [Server] that serves clients with handler.
func NewServer(handler *Handler, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{handler: handler, log: logger, metrics: m}
}

// Live returns the number of sessions that have been accepted and not finished yet.
func (s *Server) Live() int64 {
	return s.live.Load()
}

// ListenAndServe listens on the TCP address addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	s.log.Info("proxy listening", "address", listener.Addr().String())
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, which closes the listener
// and returns nil. Transient accept errors are retried with backoff. Any other accept
// error closes the listener and is returned. Running sessions are not interrupted.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isTransientAcceptError(err) {
				return fmt.Errorf("accept failed: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.log.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		s.live.Add(1)
		s.metrics.ConnectionOpened()
		s.sessions.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Wait blocks until all sessions have finished.
func (s *Server) Wait() {
	s.sessions.Wait()
}

// Shutdown waits like [Server.Wait] until all sessions have finished or ctx is done,
// in which case it returns the context error. It does not stop accepting; cancel the
// context given to [Server.Serve] first.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	defer func() {
		conn.Write([]byte(closeNotice))
		conn.Close()
		s.metrics.ConnectionClosed()
		s.log.Debug("count opened sockets", "live", s.live.Add(-1))
	}()

	err := s.handler.Handle(ctx, conn)
	if err == nil {
		s.metrics.SessionEnded(StateClosed.String())
		return
	}
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		s.metrics.SessionEnded("failed_" + sessionErr.State.String())
	} else {
		s.metrics.SessionEnded("failed")
	}
	s.log.Info("session failed", "client", conn.RemoteAddr().String(), "error", err)
}

func isTransientAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ECONNABORTED)
}
