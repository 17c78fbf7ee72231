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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"

	"github.com/fdpi-proxy/fdpi/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// ErrNoAddress is returned when a name resolves to no IPv4 address.
var ErrNoAddress = errors.New("no IPv4 address found")

// Lookuper resolves host names to IPv4 addresses.
type Lookuper interface {
	LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error)
}

// FuncLookuper is a [Lookuper] that uses the given function.
type FuncLookuper func(ctx context.Context, host string) ([]netip.Addr, error)

// LookupIPv4 implements [Lookuper].
func (f FuncLookuper) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// Resolver is a [Lookuper] that issues A queries over a [RoundTripper].
type Resolver struct {
	rt RoundTripper
}

var _ Lookuper = (*Resolver)(nil)

// NewResolver creates a [Resolver] that sends its queries to rt.
func NewResolver(rt RoundTripper) *Resolver {
	return &Resolver{rt: rt}
}

// LookupIPv4 implements [Lookuper]. IP literals are returned without a query.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, fmt.Errorf("%v: %w", host, ErrNoAddress)
		}
		return []netip.Addr{ip}, nil
	}
	q, err := NewQuestion(host, dnsmessage.TypeA)
	if err != nil {
		return nil, err
	}
	msg, err := r.rt.RoundTrip(ctx, *q)
	if err != nil {
		return nil, err
	}
	if msg.RCode != dnsmessage.RCodeSuccess {
		return nil, fmt.Errorf("%v: got response code %v: %w", host, msg.RCode, ErrNoAddress)
	}
	var addrs []netip.Addr
	for _, answer := range msg.Answers {
		if a, ok := answer.Body.(*dnsmessage.AResource); ok {
			addrs = append(addrs, netip.AddrFrom4(a.A))
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%v: %w", host, ErrNoAddress)
	}
	return addrs, nil
}

// Transport names accepted by [ServerConfig].
const (
	TransportHTTPS = "https"
	TransportTLS   = "tls"
)

// ServerConfig selects the encrypted resolver to use.
type ServerConfig struct {
	// Transport is [TransportHTTPS] or [TransportTLS].
	Transport string
	// Server is the DoH URL, or the TLS server name for DoT.
	Server string
	// Address is the host:port to connect to.
	Address string
}

// NewSetup returns a [SetupFunc] that builds a cached [Resolver] for the given server.
// TLS 1.3 is required and certificates are verified against the system roots.
func NewSetup(cfg ServerConfig) SetupFunc {
	return func() (Lookuper, error) {
		roots, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system roots: %w", err)
		}
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS13, RootCAs: roots}
		var rt RoundTripper
		switch cfg.Transport {
		case TransportHTTPS:
			rt = NewHTTPSRoundTripper(&transport.TCPDialer{}, cfg.Address, cfg.Server, tlsConfig)
		case TransportTLS:
			rt = NewTLSRoundTripper(cfg.Address, cfg.Server, tlsConfig)
		default:
			return nil, fmt.Errorf("unsupported DNS transport %q", cfg.Transport)
		}
		cached, err := NewCacheRoundTripper(rt, CacheSize)
		if err != nil {
			return nil, err
		}
		return NewResolver(cached), nil
	}
}
