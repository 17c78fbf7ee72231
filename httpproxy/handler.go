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
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/fdpi-proxy/fdpi/disorder"
	"github.com/fdpi-proxy/fdpi/sockopt"
	"github.com/fdpi-proxy/fdpi/transport"
)

// ErrLoopback is returned when the target resolves to a loopback address.
var ErrLoopback = errors.New("target resolves to a loopback address")

const (
	// Size of the buffer for the CONNECT request.
	requestBufferSize = 1024
	// Size of each relay buffer. Small on purpose, so relayed writes stay small too.
	relayBufferSize = 128
)

const establishedTrailer = " 200 Connection Established\r\n\r\n"

// State is the phase a session is in.
type State int

const (
	// StateReading reads the request head from the client.
	StateReading State = iota
	// StateParsed parses the request head.
	StateParsed
	// StateResolving looks up the destination name.
	StateResolving
	// StateConnected dials the destination and configures the socket.
	StateConnected
	// StateHandshakeSpliced answers the client and splices its handshake.
	StateHandshakeSpliced
	// StateRelaying copies bytes both ways until either side closes.
	StateRelaying
	// StateClosed ended without error.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateParsed:
		return "parsed"
	case StateResolving:
		return "resolving"
	case StateConnected:
		return "connected"
	case StateHandshakeSpliced:
		return "handshake_spliced"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionError reports the state in which a session failed.
type SessionError struct {
	State State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session failed while %v: %v", e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// AddrResolver resolves a domain to a single IPv4 address.
type AddrResolver interface {
	Lookup(ctx context.Context, domain string) (netip.Addr, error)
}

// FuncAddrResolver is an [AddrResolver] that uses the given function.
type FuncAddrResolver func(ctx context.Context, domain string) (netip.Addr, error)

// Lookup implements [AddrResolver].
func (f FuncAddrResolver) Lookup(ctx context.Context, domain string) (netip.Addr, error) {
	return f(ctx, domain)
}

// OptionsFunc returns the socket options of a connection to a target.
type OptionsFunc func(conn transport.StreamConn) (sockopt.TCPOptions, error)

// TCPOptions is the [OptionsFunc] for connections created by [transport.TCPDialer].
func TCPOptions(conn transport.StreamConn) (sockopt.TCPOptions, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("target connection is %T, not TCP", conn)
	}
	return sockopt.NewTCPOptions(tcpConn)
}

// Handler serves a single client connection at a time. It is safe for concurrent use.
type Handler struct {
	resolver AddrResolver
	dialer   transport.StreamDialer
	options  OptionsFunc
	engine   *disorder.Engine
	log      *slog.Logger
}

// NewHandler creates a [Handler]. Connections from dialer must be accepted by options.
func NewHandler(resolver AddrResolver, dialer transport.StreamDialer, options OptionsFunc, engine *disorder.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		resolver: resolver,
		dialer:   dialer,
		options:  options,
		engine:   engine,
		log:      logger,
	}
}

// Handle runs a session on client until the relay ends. It returns nil when the
// session ends in [StateClosed] and a [*SessionError] otherwise.
// It does not close client.
func (h *Handler) Handle(ctx context.Context, client net.Conn) error {
	state := StateReading
	fail := func(err error) error {
		return &SessionError{State: state, Err: err}
	}

	buf := make([]byte, requestBufferSize)
	n, err := client.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			h.log.Debug("client sent nothing")
			return nil
		}
		return fail(err)
	}

	state = StateParsed
	head, err := ParseConnect(buf[:n])
	if err != nil {
		return fail(err)
	}
	h.log.Info("http head", "domain", head.Domain, "port", head.Port, "method", head.Method)

	state = StateResolving
	addr, err := h.resolver.Lookup(ctx, head.Domain)
	if err != nil {
		return fail(err)
	}
	if addr.IsLoopback() {
		return fail(fmt.Errorf("%v -> %v: %w", head.Domain, addr, ErrLoopback))
	}

	state = StateConnected
	upstream, err := h.dialer.DialStream(ctx, netip.AddrPortFrom(addr, head.Port).String())
	if err != nil {
		return fail(err)
	}
	defer upstream.Close()
	opts, err := h.options(upstream)
	if err != nil {
		return fail(err)
	}

	state = StateHandshakeSpliced
	if _, err := client.Write([]byte(head.Method + establishedTrailer)); err != nil {
		return fail(err)
	}
	if err := h.engine.Splice(client, upstream, opts); err != nil {
		return fail(err)
	}

	state = StateRelaying
	h.log.Debug("relaying", "domain", head.Domain, "addr", addr)
	relay(client, upstream, h.log)
	h.log.Info("socket close", "domain", head.Domain)
	return nil
}

// relay copies in both directions until the target stops sending.
// The client read deadline is moved to now afterwards, to stop the client to target copy
// while leaving the client writable.
func relay(client net.Conn, upstream transport.StreamConn, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := copyBuffer(upstream, client); err != nil {
			logger.Debug("client to target copy ended", "error", err)
			upstream.Close()
			return
		}
		upstream.CloseWrite()
	}()
	if _, err := copyBuffer(client, upstream); err != nil {
		logger.Debug("target to client copy ended", "error", err)
	}
	client.SetReadDeadline(time.Now())
	<-done
}

// copyBuffer copies with a fixed relayBufferSize buffer. The wrappers hide
// ReaderFrom and WriterTo so the buffer is always used.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
}
