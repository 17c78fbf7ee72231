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

package tlsfrag

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// ClientHello for www.wikipedia.org, as a hex string.
const wikipediaHelloHex = "1603010200010001fc0303168cafd33e2cde2db2c48f3e3ec1d32567c362e7c42f3f865768e2602e6bdeb020457210ccbdbe991fd206ff8481bfab5e7f2099038b48ec1a5220f03d2d574d7100222a2a130113021303c02bc02fc02cc030cca9cca8c013c014009c009d002f0035000a010001914a4a00000000001600140000117777772e77696b6970656469612e6f726700170000ff01000100000a000a0008caca001d00170018000b00020100002300000010000e000c02683208687474702f312e31000500050100000000000d00140012040308040401050308050501080606010201001200000033002b0029caca000100001d00202a9dfacdd81fa3a4c7300bdb6ee5d98e9774eb75c3fe7878d8a2b1802e092f6e002d00020101002b000b0a1a1a0304030303020301001b00030200020a0a000100001500c700000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

func wikipediaHello(t testing.TB) []byte {
	hello, err := hex.DecodeString(wikipediaHelloHex)
	require.NoError(t, err)
	return hello
}

func TestLocateSNI(t *testing.T) {
	hello := wikipediaHello(t)
	loc, ok := LocateSNI(hello)
	require.True(t, ok)
	require.Equal(t, bytes.Index(hello, []byte("www.wikipedia.org")), loc.Start)
	require.Equal(t, len("www.wikipedia.org"), loc.Len())
	require.Equal(t, "www.wikipedia.org", string(hello[loc.Start:loc.End]))
}

func TestLocateSNI_ReadBuffer(t *testing.T) {
	// The proxy reads the hello into a larger buffer and slices it.
	buf := make([]byte, 1024)
	n := copy(buf[10:], wikipediaHello(t))
	hello := buf[10 : 10+n]
	loc, ok := LocateSNI(hello)
	require.True(t, ok)
	require.Equal(t, "www.wikipedia.org", string(hello[loc.Start:loc.End]))
}

func TestLocateSNI_Truncated(t *testing.T) {
	hello := wikipediaHello(t)
	full, ok := LocateSNI(hello)
	require.True(t, ok)

	// A short read that still covers the name.
	loc, ok := LocateSNI(hello[:full.End])
	require.True(t, ok)
	require.Equal(t, full, loc)

	// Cut inside the name.
	_, ok = LocateSNI(hello[:full.End-1])
	require.False(t, ok)

	// Only the first 64 bytes, before the extensions.
	_, ok = LocateSNI(hello[:64])
	require.False(t, ok)
}

func TestLocateSNI_Long(t *testing.T) {
	// Extra bytes past the record are ignored.
	hello := append(wikipediaHello(t), make([]byte, 100)...)
	loc, ok := LocateSNI(hello)
	require.True(t, ok)
	require.Equal(t, "www.wikipedia.org", string(hello[loc.Start:loc.End]))
}

func TestLocateSNI_NotHandshake(t *testing.T) {
	for _, input := range [][]byte{
		nil,
		{},
		[]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		{0x17, 0x03, 0x03, 0x00, 0x01, 0x00},
		{0x16, 0x09, 0x09, 0x00, 0x01, 0x01},
	} {
		_, ok := LocateSNI(input)
		require.False(t, ok, "input %x", input)
	}
}

func TestLocateSNI_ServerHello(t *testing.T) {
	hello := wikipediaHello(t)
	hello[5] = 2
	_, ok := LocateSNI(hello)
	require.False(t, ok)
}

func TestLocateSNI_NoServerName(t *testing.T) {
	hello := wikipediaHello(t)
	loc, ok := LocateSNI(hello)
	require.True(t, ok)
	// Rename the server_name extension type; the extension header sits 9 bytes
	// before the name: type(2) len(2) listlen(2) nametype(1) namelen(2).
	hello[loc.Start-9] = 0xff
	hello[loc.Start-8] = 0xfe
	_, ok = LocateSNI(hello)
	require.False(t, ok)
}

func BenchmarkLocateSNI(b *testing.B) {
	hello := wikipediaHello(b)
	for i := 0; i < b.N; i++ {
		LocateSNI(hello)
	}
}
