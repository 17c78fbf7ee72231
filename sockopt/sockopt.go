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

// Package sockopt exposes the TCP socket options the disorder engine toggles
// while it writes a handshake: the IP hop limit, Nagle's algorithm and the
// kernel send queue.
package sockopt

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type HasWaitUntilBytesAreSent interface {
	// Wait until all bytes are sent to the socket.
	// Returns ErrUnsupported if the platform doesn't support it.
	// May return a different error.
	WaitUntilBytesAreSent() error
	// Checks if the OS supports waiting until the bytes are sent
	OsSupportsWaitingUntilBytesAreSent() bool
}

type HasHopLimit interface {
	// HopLimit returns the hop limit field value for outgoing packets.
	HopLimit() (int, error)
	// SetHopLimit sets the hop limit field value for future outgoing packets.
	SetHopLimit(hoplim int) error
}

// HasNoDelay is implemented by connections that can toggle Nagle's algorithm.
type HasNoDelay interface {
	// SetNoDelay controls whether the OS delays small writes to coalesce
	// them (Nagle's algorithm). noDelay true sends every write as soon as
	// possible.
	SetNoDelay(noDelay bool) error
}

// TCPOptions is the set of options of a connected TCP socket.
type TCPOptions interface {
	HasWaitUntilBytesAreSent
	HasHopLimit
	HasNoDelay
}

type hopLimitOption struct {
	hopLimit    func() (int, error)
	setHopLimit func(hoplim int) error
}

func (o *hopLimitOption) HopLimit() (int, error) {
	return o.hopLimit()
}

func (o *hopLimitOption) SetHopLimit(hoplim int) error {
	return o.setHopLimit(hoplim)
}

var _ HasHopLimit = (*hopLimitOption)(nil)

type tcpOptions struct {
	hopLimitOption

	conn *net.TCPConn

	// Timeout after which we return an error
	waitingTimeout time.Duration
	// Delay between checking the socket
	waitingDelay time.Duration
}

var _ TCPOptions = (*tcpOptions)(nil)

func (o *tcpOptions) SetNoDelay(noDelay bool) error {
	return o.conn.SetNoDelay(noDelay)
}

func (o *tcpOptions) SetWaitingTimeout(timeout time.Duration) {
	o.waitingTimeout = timeout
}

func (o *tcpOptions) SetWaitingDelay(delay time.Duration) {
	o.waitingDelay = delay
}

func (o *tcpOptions) OsSupportsWaitingUntilBytesAreSent() bool {
	return isConnectionSendingBytesImplemented()
}

// ErrWaitTimeout is returned by WaitUntilBytesAreSent when the kernel still
// holds unsent bytes after the waiting timeout.
var ErrWaitTimeout = errors.New("waiting for socket to send all bytes: timeout exceeded")

func (o *tcpOptions) WaitUntilBytesAreSent() error {
	startTime := time.Now()
	for time.Since(startTime) < o.waitingTimeout {
		isSendingBytes, err := isConnectionSendingBytes(o.conn)
		if err != nil {
			return err
		}
		if !isSendingBytes {
			return nil
		}

		time.Sleep(o.waitingDelay)
	}
	return ErrWaitTimeout
}

func newHopLimit(conn net.Conn) (*hopLimitOption, error) {
	addr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	opt := &hopLimitOption{}
	switch {
	case addr.Addr().Is4() || addr.Addr().Is4In6():
		ipConn := ipv4.NewConn(conn)
		opt.hopLimit = ipConn.TTL
		opt.setHopLimit = ipConn.SetTTL
	case addr.Addr().Is6():
		ipConn := ipv6.NewConn(conn)
		opt.hopLimit = ipConn.HopLimit
		opt.setHopLimit = ipConn.SetHopLimit
	default:
		return nil, fmt.Errorf("address is not IPv4 or IPv6 (%v)", addr.Addr().String())
	}
	return opt, nil
}

// NewTCPOptions returns the options of conn. The hop limit option is IP_TTL
// for IPv4 sockets and IPV6_UNICAST_HOPS for IPv6 sockets.
func NewTCPOptions(conn *net.TCPConn) (TCPOptions, error) {
	hopLimit, err := newHopLimit(conn)
	if err != nil {
		return nil, err
	}
	return &tcpOptions{
		hopLimitOption: *hopLimit,
		conn:           conn,
		waitingTimeout: 10 * time.Millisecond,
		waitingDelay:   100 * time.Microsecond,
	}, nil
}
