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

// Package split carves byte sequences into the pieces the disorder engine
// puts on the wire.
package split

// Reverse cuts the first n bytes off buf and returns them after the
// remainder, in the order a caller shrinking a working slice consumes them:
//
//	rest, piece := split.Reverse(rest, n)
//
// len(rest) is always len(buf) - min(n, len(buf)), and piece followed by rest
// is buf. A negative n carves nothing. Both results alias buf.
func Reverse(buf []byte, n int) (rest, piece []byte) {
	n = clamp(n, len(buf))
	return buf[n:], buf[:n]
}

// Carve applies Reverse for each length in order and appends the carved
// pieces to pieces. It returns what is left of buf and the extended list.
func Carve(buf []byte, lengths []int, pieces [][]byte) (rest []byte, out [][]byte) {
	rest, out = buf, pieces
	for _, n := range lengths {
		var piece []byte
		rest, piece = Reverse(rest, n)
		out = append(out, piece)
	}
	return rest, out
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
