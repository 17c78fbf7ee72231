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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConnect(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *Head
	}{
		{
			name:  "explicit port",
			input: "CONNECT example.com:8443 HTTP/1.1\r\nHost: example.com:8443\r\n\r\n",
			want:  &Head{Command: "CONNECT", Domain: "example.com", Port: 8443, Method: "HTTP/1.1"},
		},
		{
			name:  "default port",
			input: "CONNECT example.com HTTP/1.1\r\n\r\n",
			want:  &Head{Command: "CONNECT", Domain: "example.com", Port: 443, Method: "HTTP/1.1"},
		},
		{
			name:  "no line end",
			input: "CONNECT example.com:80 HTTP/1.0",
			want:  &Head{Command: "CONNECT", Domain: "example.com", Port: 80, Method: "HTTP/1.0"},
		},
		{
			name:  "ip literal",
			input: "CONNECT 93.184.216.34:443 HTTP/1.1\r\n\r\n",
			want:  &Head{Command: "CONNECT", Domain: "93.184.216.34", Port: 443, Method: "HTTP/1.1"},
		},
		{
			name:  "max port",
			input: "CONNECT example.com:65535 HTTP/1.1\r\n",
			want:  &Head{Command: "CONNECT", Domain: "example.com", Port: 65535, Method: "HTTP/1.1"},
		},
		{
			name:  "trailing tokens",
			input: "CONNECT example.com:443 HTTP/1.1 junk more\r\n\r\n",
			want:  &Head{Command: "CONNECT", Domain: "example.com", Port: 443, Method: "HTTP/1.1"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			head, err := ParseConnect([]byte(tc.input))
			require.NoError(t, err)
			require.Equal(t, tc.want, head)
		})
	}
}

func TestParseConnect_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"get", "GET / HTTP/1.1\r\n\r\n", ErrNotConnect},
		{"lowercase", "connect example.com:443 HTTP/1.1\r\n", ErrNotConnect},
		{"tls hello", "\x16\x03\x01\x02\x00", ErrNotConnect},
		{"empty", "", ErrNotConnect},
		{"only line end", "\r\n", ErrNotConnect},
		{"leading space", " CONNECT example.com:443 HTTP/1.1\r\n", ErrNotConnect},
		{"command only", "CONNECT\r\n", ErrMalformed},
		{"no version", "CONNECT example.com:443\r\n", ErrMalformed},
		{"empty version", "CONNECT example.com:443 \r\n", ErrMalformed},
		{"empty host", "CONNECT :443 HTTP/1.1\r\n", ErrMalformed},
		{"port overflow", "CONNECT example.com:65536 HTTP/1.1\r\n", ErrBadPort},
		{"port text", "CONNECT example.com:https HTTP/1.1\r\n", ErrBadPort},
		{"empty port", "CONNECT example.com: HTTP/1.1\r\n", ErrBadPort},
		{"negative port", "CONNECT example.com:-1 HTTP/1.1\r\n", ErrBadPort},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			head, err := ParseConnect([]byte(tc.input))
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, head)
		})
	}
}

func TestParseConnect_DoesNotAlias(t *testing.T) {
	buf := []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	head, err := ParseConnect(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 'x'
	}
	require.Equal(t, "example.com", head.Domain)
	require.Equal(t, "HTTP/1.1", head.Method)
}
