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
Package dns resolves the domain names requested by proxy clients without leaking them
to the local network.

The [Domain Name System] (DNS) is predominantly queried in plaintext, which makes it
[commonly used for network-level filtering]. Resolving over an encrypted transport keeps
the on-path observer from learning or tampering with the names being looked up:

  - [DNS-over-HTTPS] (DoH): HTTP exchanges over TLS on port 443. That makes the traffic
    undistinguishable from web traffic. This is the default.
  - [DNS-over-TLS] (DoT): length-prefixed DNS over a TLS connection on port 853.

# Resolution Worker

All lookups issued by the proxy are serialized through a single [Worker]. Connection
handlers submit a [Request] carrying a one-shot reply channel and wait for the answer.
The worker owns the resolver, answers requests in FIFO order and keeps a [CacheSize]
entry cache of responses.

[Domain Name System]: https://datatracker.ietf.org/doc/html/rfc1034
[commonly used for network-level filtering]: https://datatracker.ietf.org/doc/html/rfc9505#section-5.1.1
[DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
[DNS-over-HTTPS]: https://datatracker.ietf.org/doc/html/rfc8484
*/
package dns
