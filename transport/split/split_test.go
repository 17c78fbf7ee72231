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

package split

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReverse(t *testing.T) {
	rest, piece := Reverse([]byte("Request"), 3)
	require.Equal(t, []byte("Req"), piece)
	require.Equal(t, []byte("uest"), rest)
}

func TestReverse_Oversized(t *testing.T) {
	rest, piece := Reverse([]byte("Request"), 100)
	require.Equal(t, []byte("Request"), piece)
	require.Empty(t, rest)
}

func TestReverse_ZeroAndNegative(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		rest, piece := Reverse([]byte("Request"), n)
		require.Empty(t, piece)
		require.Equal(t, []byte("Request"), rest)
	}
}

func TestReverse_Empty(t *testing.T) {
	rest, piece := Reverse(nil, 5)
	require.Empty(t, piece)
	require.Empty(t, rest)
}

func TestReverse_Lengths(t *testing.T) {
	buf := []byte("0123456789abcdef")
	for n := -2; n <= len(buf)+2; n++ {
		rest, piece := Reverse(buf, n)
		require.Equal(t, len(buf)-min(max(n, 0), len(buf)), len(rest), "n=%d", n)
		require.Equal(t, buf, append(append([]byte{}, piece...), rest...), "n=%d", n)
	}
}

func TestCarve(t *testing.T) {
	buf := []byte("0123456789abcdef")
	rest, pieces := Carve(buf, []int{4, 2}, nil)
	require.Equal(t, [][]byte{[]byte("0123"), []byte("45")}, pieces)
	require.Equal(t, []byte("6789abcdef"), rest)

	rest, pieces = Carve(rest, []int{20, 1}, pieces)
	require.Len(t, pieces, 4)
	require.Equal(t, []byte("6789abcdef"), pieces[2])
	require.Empty(t, pieces[3])
	require.Empty(t, rest)
	require.Equal(t, buf, bytes.Join(pieces, nil))
}
