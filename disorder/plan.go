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

package disorder

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fdpi-proxy/fdpi/transport/split"
	"github.com/fdpi-proxy/fdpi/transport/tlsfrag"
)

// Plan says how to cut a handshake. A Plan is never modified once built and
// is shared by every connection.
type Plan struct {
	// Body lists the lengths carved off the front of the hello, in order,
	// before the server name is considered.
	Body []int
	// SNI lists the lengths carved after the cut at the start of the server
	// name, so they fall inside the name.
	SNI []int
	// FakeTTL is the hop limit of the fragments meant to die before reaching
	// the server.
	FakeTTL int
	// EditSNI upper-cases three letters of the server name.
	EditSNI bool
	// FakeFirst makes the first fragment carry FakeTTL. When false the
	// second one does, and the alternation starts from the original TTL.
	FakeFirst bool
}

// NewPlan copies the lengths into a new Plan.
func NewPlan(body, sni []int, fakeTTL int, editSNI, fakeFirst bool) (*Plan, error) {
	if fakeTTL < 1 || fakeTTL > 255 {
		return nil, fmt.Errorf("fake TTL %d out of range 1..255", fakeTTL)
	}
	for _, n := range slices.Concat(body, sni) {
		if n < 0 {
			return nil, errors.New("split lengths must not be negative")
		}
	}
	return &Plan{
		Body:      slices.Clone(body),
		SNI:       slices.Clone(sni),
		FakeTTL:   fakeTTL,
		EditSNI:   editSNI,
		FakeFirst: fakeFirst,
	}, nil
}

// Fragments cuts hello into the ordered fragments to send, followed by the
// remainder. Concatenating the fragments and the remainder gives back hello.
// If sni is nil, no cut is made at a server name.
func (p *Plan) Fragments(hello []byte, sni *tlsfrag.Location) (fragments [][]byte, rest []byte) {
	fragments = make([][]byte, 0, len(p.Body)+len(p.SNI)+1)
	rest, fragments = split.Carve(hello, p.Body, fragments)
	if sni == nil {
		return fragments, rest
	}
	consumed := len(hello) - len(rest)
	var piece []byte
	rest, piece = split.Reverse(rest, sni.Start-consumed)
	fragments = append(fragments, piece)
	rest, fragments = split.Carve(rest, p.SNI, fragments)
	return fragments, rest
}

// IsFake reports whether the i-th fragment (from 0) carries the fake TTL.
func (p *Plan) IsFake(i int) bool {
	return (i%2 == 0) == p.FakeFirst
}

// EditServerName upper-cases the lowercase ASCII letters at the first,
// fifth and last byte of the name at loc. Names shorter than 5 bytes and
// locations outside hello are left alone. It returns the number of bytes
// changed.
func EditServerName(hello []byte, loc tlsfrag.Location) int {
	if loc.Start < 0 || loc.End > len(hello) || loc.Len() < 5 {
		return 0
	}
	changed := 0
	for _, i := range [...]int{loc.Start, loc.End - 1, loc.Start + 4} {
		if c := hello[i]; 'a' <= c && c <= 'z' {
			hello[i] = c - 32
			changed++
		}
	}
	return changed
}
