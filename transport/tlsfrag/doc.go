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
Package tlsfrag finds the server name inside the first bytes of a [TLS Client Hello message].

The server name travels in plaintext in the [server_name extension], which is what
middleboxes match against. [LocateSNI] returns the byte range of the host name so the
disorder engine can split the hello right at it. Only the first read of a client is
inspected, so a record cut short by the read size is still searched.

[TLS Client Hello message]: https://datatracker.ietf.org/doc/html/rfc8446#section-4.1.2
[server_name extension]: https://datatracker.ietf.org/doc/html/rfc6066#section-3
*/
package tlsfrag
