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
	"golang.org/x/crypto/cryptobyte"
)

// TLS record and handshake layout from [RFC 8446]:
//
//	+-------------+ 0
//	| RecordType  |
//	+-------------+ 1
//	|  Protocol   |
//	|  Version    |
//	+-------------+ 3
//	|   Record    |
//	|   Length    |
//	+-------------+ 5
//	|  HandshakeT |  client_hello(1)
//	+-------------+ 6
//	|   Length    |
//	+-------------+ 9
//	|  Version,   |
//	|  Random, .. |
//
// [RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
const (
	recordTypeHandshake byte = 22
	typeClientHello     byte = 1

	versionTLS10 uint16 = 0x0301
	versionTLS11 uint16 = 0x0302
	versionTLS12 uint16 = 0x0303
	versionTLS13 uint16 = 0x0304

	extensionServerName uint16 = 0
	nameTypeHostName    uint8  = 0
)

// Location is the half-open byte range [Start, End) of the host name inside
// a ClientHello buffer.
type Location struct {
	Start int
	End   int
}

// Len returns the length of the host name.
func (l Location) Len() int {
	return l.End - l.Start
}

// LocateSNI finds the plaintext server name inside the first bytes of a TLS
// connection. It returns false if hello does not start with a ClientHello
// record, or if the server_name extension is missing or not entirely
// contained in hello.
//
// hello may be a truncated record: the record, handshake and extension
// lengths are honoured only as far as the bytes go, so a ClientHello that
// was cut by a short read is still searched.
// Derived from GetSNI, which follows unmarshal() in crypto/tls.
func LocateSNI(hello []byte) (Location, bool) {
	s := cryptobyte.String(hello)

	var recordType uint8
	var version, recordLen uint16
	if !s.ReadUint8(&recordType) || recordType != recordTypeHandshake ||
		!s.ReadUint16(&version) || !isRecordVersion(version) ||
		!s.ReadUint16(&recordLen) {
		return Location{}, false
	}
	s = truncate(s, int(recordLen))

	// uint8 message type, skip uint24 length, uint16 version and 32 byte random.
	var msgType uint8
	if !s.ReadUint8(&msgType) || msgType != typeClientHello || !s.Skip(3+2+32) {
		return Location{}, false
	}

	var sessionID, cipherSuites, compressionMethods cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&cipherSuites) ||
		!s.ReadUint8LengthPrefixed(&compressionMethods) {
		return Location{}, false
	}

	var extensionsLen uint16
	if !s.ReadUint16(&extensionsLen) {
		return Location{}, false
	}
	extensions := truncate(s, int(extensionsLen))

	for !extensions.Empty() {
		var extension uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extension) ||
			!extensions.ReadUint16LengthPrefixed(&extData) {
			return Location{}, false
		}
		if extension != extensionServerName {
			continue
		}
		// RFC 6066, Section 3
		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) {
			return Location{}, false
		}
		for !nameList.Empty() {
			var nameType uint8
			var serverName cryptobyte.String
			if !nameList.ReadUint8(&nameType) ||
				!nameList.ReadUint16LengthPrefixed(&serverName) {
				return Location{}, false
			}
			if nameType != nameTypeHostName || serverName.Empty() {
				continue
			}
			// serverName shares the backing array of hello, so the
			// difference in capacity is its offset.
			start := cap(hello) - cap(serverName)
			return Location{Start: start, End: start + len(serverName)}, true
		}
		return Location{}, false
	}
	return Location{}, false
}

func isRecordVersion(v uint16) bool {
	return v == versionTLS10 || v == versionTLS11 || v == versionTLS12 || v == versionTLS13
}

// truncate limits s to n bytes without requiring them to be present.
func truncate(s cryptobyte.String, n int) cryptobyte.String {
	if n < len(s) {
		return s[:n]
	}
	return s
}
