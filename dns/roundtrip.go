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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fdpi-proxy/fdpi/transport"
	mdns "github.com/miekg/dns"
	"golang.org/x/net/dns/dnsmessage"
)

// RoundTripper is an interface representing the ability to execute a
// single DNS transaction, obtaining the Response for a given Request.
// This abstraction helps hide the underlying transport protocol.
type RoundTripper interface {
	RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncRoundTripper is a [RoundTripper] that uses the given function for the round trip.
type FuncRoundTripper func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

// RoundTrip implements the [RoundTripper] interface.
func (f FuncRoundTripper) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion is a convenience function to create a [dnsmessage.Question].
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	name, err := dnsmessage.NewName(domain)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return &dnsmessage.Question{
		Name:  name,
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}, nil
}

// Maximum DNS packet size.
// Value taken from https://dnsflagday.net/2020/.
const maxDNSPacketSize = 1232

func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		a := x.Data[i]
		b := y.Data[i]
		if 'A' <= a && a <= 'Z' {
			a += 0x20
		}
		if 'A' <= b && b <= 'Z' {
			b += 0x20
		}
		if a != b {
			return false
		}
	}
	return true
}

func checkResponse(reqID uint16, reqQues dnsmessage.Question, respHdr dnsmessage.Header, respQs []dnsmessage.Question) error {
	if !respHdr.Response {
		return errors.New("response bit not set")
	}

	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.3
	if reqID != respHdr.ID {
		return fmt.Errorf("message id does not match. Expected %v, got %v", reqID, respHdr.ID)
	}

	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.2
	if len(respQs) == 0 {
		return errors.New("no questions in response")
	}
	respQ := respQs[0]
	if reqQues.Type != respQ.Type || reqQues.Class != respQ.Class || !equalASCIIName(reqQues.Name, respQ.Name) {
		return errors.New("response question doesn't match request")
	}

	return nil
}

// Creates a DNS request using the id and question and appends the bytes to buf.
// The request advertises EDNS0 with a [maxDNSPacketSize] payload.
func appendRequest(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}

	// Accept packets up to maxDNSPacketSize.  RFC 6891.
	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	var rh dnsmessage.ResourceHeader
	if err := rh.SetEDNS0(maxDNSPacketSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, err
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// NewTLSRoundTripper creates a [RoundTripper] that implements the [DNS-over-TLS] protocol.
// It connects to resolverAddr and verifies the resolver certificate against resolverName.
// It creates a new connection to the resolver for every request.
//
// [DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
func NewTLSRoundTripper(resolverAddr string, resolverName string, tlsConfig *tls.Config) RoundTripper {
	cfg := &tls.Config{}
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	}
	cfg.ServerName = resolverName
	client := &mdns.Client{Net: "tcp-tls", TLSConfig: cfg}
	return FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		req := new(mdns.Msg)
		req.SetQuestion(q.Name.String(), uint16(q.Type))
		req.Question[0].Qclass = uint16(q.Class)
		req.SetEdns0(maxDNSPacketSize, false)
		resp, _, err := client.ExchangeContext(ctx, req, resolverAddr)
		if err != nil {
			return nil, fmt.Errorf("DNS-over-TLS exchange failed: %w", err)
		}
		packed, err := resp.Pack()
		if err != nil {
			return nil, fmt.Errorf("failed to pack DNS response: %w", err)
		}
		var msg dnsmessage.Message
		if err = msg.Unpack(packed); err != nil {
			return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
		}
		if err := checkResponse(req.Id, q, msg.Header, msg.Questions); err != nil {
			return nil, fmt.Errorf("invalid response: %w", err)
		}
		return &msg, nil
	})
}

// NewHTTPSRoundTripper creates a [RoundTripper] that implements the [DNS-over-HTTPS] protocol, using a [transport.StreamDialer]
// to connect to the resolverAddr the url as the DoH template URI.
// It uses an internal HTTP client that reuses connections when possible.
//
// [DNS-over-HTTPS]: https://datatracker.ietf.org/doc/html/rfc8484
func NewHTTPSRoundTripper(sd transport.StreamDialer, resolverAddr string, url string, tlsConfig *tls.Config) RoundTripper {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return sd.DialStream(ctx, resolverAddr)
	}
	httpClient := http.Client{
		Transport: &http.Transport{
			DialContext:           dialContext,
			TLSClientConfig:       tlsConfig,
			ForceAttemptHTTP2:     true,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 20 * time.Second,
		},
	}
	return FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		buf, err := appendRequest(0, q, make([]byte, 0, 512))
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(buf))
		if err != nil {
			return nil, err
		}
		const mimetype = "application/dns-message"
		httpReq.Header.Add("Accept", mimetype)
		httpReq.Header.Add("Content-Type", mimetype)
		httpResp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("got HTTP status %v", httpResp.StatusCode)
		}
		response, err := io.ReadAll(io.LimitReader(httpResp.Body, 65535))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		var msg dnsmessage.Message
		if err = msg.Unpack(response); err != nil {
			return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
		}
		if err := checkResponse(0, q, msg.Header, msg.Questions); err != nil {
			return nil, fmt.Errorf("invalid response: %w", err)
		}
		return &msg, nil
	})
}
