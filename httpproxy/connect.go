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
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotConnect is returned for request lines that are not CONNECT requests.
	ErrNotConnect = errors.New("not a CONNECT request")
	// ErrBadPort is returned when the authority port is not a valid 16-bit number.
	ErrBadPort = errors.New("invalid port")
	// ErrMalformed is returned when the request line is missing a token.
	ErrMalformed = errors.New("malformed request line")
)

const defaultPort = 443

// Head is the parsed CONNECT request line. The fields are copies, so a Head
// may outlive the buffer it was parsed from.
type Head struct {
	Command string
	Domain  string
	Port    uint16
	// Method is the version token echoed back in the success reply, like "HTTP/1.1".
	Method string
}

// ParseConnect parses the request line at the start of buf:
//
//	CONNECT <host>[:<port>] <version>\r\n
//
// The port defaults to 443. Tokens past the version and anything after the first
// carriage return are ignored.
func ParseConnect(buf []byte) (*Head, error) {
	line, _, _ := bytes.Cut(buf, []byte{'\r'})
	tokens := bytes.Split(line, []byte{' '})
	if string(tokens[0]) != "CONNECT" {
		return nil, fmt.Errorf("%w: %q", ErrNotConnect, tokens[0])
	}
	if len(tokens) < 3 || len(tokens[2]) == 0 {
		return nil, ErrMalformed
	}
	host, portText, hasPort := bytes.Cut(tokens[1], []byte{':'})
	if len(host) == 0 {
		return nil, ErrMalformed
	}
	port := uint64(defaultPort)
	if hasPort {
		var err error
		port, err = strconv.ParseUint(string(portText), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadPort, portText)
		}
	}
	return &Head{
		Command: string(tokens[0]),
		Domain:  string(host),
		Port:    uint16(port),
		Method:  string(tokens[2]),
	}, nil
}
