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

/*
Package httpproxy implements the local HTTP CONNECT proxy.

Each accepted client is served by a [Handler] that parses the CONNECT request line,
resolves the target through the resolution worker, connects to it, replies with the
success line and hands the client's first record to the fragmentation engine before
relaying bytes in both directions.

# Important Security Considerations

The proxy is meant to listen on a local address for the applications of a single user.
It is not suitable for public-facing use:

  - Authentication: there is none. Anyone that can reach the listener can use it.
  - Probing Resistance: every session ends with the same plaintext notice, but the
    success line still identifies the service as a proxy.
  - Protection of Local Resources: targets that resolve to loopback addresses are
    refused before any connection is attempted. Other private ranges are not filtered.
*/
package httpproxy
