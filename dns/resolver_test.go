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
	"net/netip"
	"testing"

	"github.com/fdpi-proxy/fdpi/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestResolver_IPLiteral(t *testing.T) {
	rt := &countingRoundTripper{}
	resolver := NewResolver(rt)

	addrs, err := resolver.LookupIPv4(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)

	_, err = resolver.LookupIPv4(context.Background(), "2001:db8::1")
	require.ErrorIs(t, err, ErrNoAddress)
	require.Equal(t, 0, rt.calls)
}

func TestResolver_Answers(t *testing.T) {
	rt := &countingRoundTripper{resp: answerWithTTL(300)}
	addrs, err := NewResolver(rt).LookupIPv4(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("5.6.7.8")}, addrs)
}

func TestResolver_OnlyARecords(t *testing.T) {
	rt := &countingRoundTripper{resp: func(q dnsmessage.Question) (*dnsmessage.Message, error) {
		return &dnsmessage.Message{
			Header:    dnsmessage.Header{Response: true},
			Questions: []dnsmessage.Question{q},
			Answers: []dnsmessage.Resource{{
				Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeCNAME, Class: dnsmessage.ClassINET, TTL: 60},
				Body:   &dnsmessage.CNAMEResource{CNAME: dnsmessage.MustNewName("alias.example.")},
			}},
		}, nil
	}}
	_, err := NewResolver(rt).LookupIPv4(context.Background(), "example.com")
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestResolver_NameError(t *testing.T) {
	rt := &countingRoundTripper{resp: func(q dnsmessage.Question) (*dnsmessage.Message, error) {
		return &dnsmessage.Message{Header: dnsmessage.Header{Response: true, RCode: dnsmessage.RCodeNameError}, Questions: []dnsmessage.Question{q}}, nil
	}}
	_, err := NewResolver(rt).LookupIPv4(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestResolver_TransportError(t *testing.T) {
	failure := errors.New("unreachable")
	rt := &countingRoundTripper{resp: func(dnsmessage.Question) (*dnsmessage.Message, error) { return nil, failure }}
	_, err := NewResolver(rt).LookupIPv4(context.Background(), "example.com")
	require.ErrorIs(t, err, failure)
}

func TestResolver_BadName(t *testing.T) {
	rt := &countingRoundTripper{}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NewResolver(rt).LookupIPv4(context.Background(), string(long))
	require.Error(t, err)
	require.Equal(t, 0, rt.calls)
}

func TestResolver_OverHTTPS(t *testing.T) {
	server := newDoHServer(t)
	rt, err := NewCacheRoundTripper(NewHTTPSRoundTripper(&transport.TCPDialer{}, server.Listener.Addr().String(), server.URL, serverTLSConfig(server)), CacheSize)
	require.NoError(t, err)

	resolver := NewResolver(rt)
	addrs, err := resolver.LookupIPv4(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)

	_, err = resolver.LookupIPv4(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestNewSetup_UnknownTransport(t *testing.T) {
	_, err := NewSetup(ServerConfig{Transport: "udp", Server: "x", Address: "127.0.0.1:53"})()
	require.Error(t, err)
}

func TestNewSetup(t *testing.T) {
	for _, name := range []string{TransportHTTPS, TransportTLS} {
		lookuper, err := NewSetup(ServerConfig{Transport: name, Server: "cloudflare-dns.com", Address: "1.1.1.1:853"})()
		if err != nil {
			t.Skipf("system roots unavailable: %v", err)
		}
		require.IsType(t, &Resolver{}, lookuper)
	}
}
