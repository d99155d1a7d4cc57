// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source owns source text and the position -> (line, col) mapping
// used by every later pipeline stage.
package source

import "strings"

// Buffer holds one compile unit's source text plus an index of line-start
// byte offsets, built once so position lookups during lexing/diagnostics are
// O(log n) instead of O(n).
type Buffer struct {
	Name       string
	Text       string
	lineStarts []int
}

// New builds a Buffer for text, indexing line starts up front.
func New(name, text string) *Buffer {
	b := &Buffer{Name: name, Text: text, lineStarts: []int{0}}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			b.lineStarts = append(b.lineStarts, i+1)
		}
	}
	return b
}

// LineCol converts a byte offset into a 1-based (line, col) pair. Col is a
// byte offset within the line, not a rune count.
func (b *Buffer) LineCol(pos int) (line, col int) {
	lo, hi := 0, len(b.lineStarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if b.lineStarts[mid] <= pos {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1, pos - b.lineStarts[lo] + 1
}

// Excerpt returns the single source line containing pos, for caret-style
// diagnostics.
func (b *Buffer) Excerpt(pos int) string {
	line, _ := b.LineCol(pos)
	start := b.lineStarts[line-1]
	end := len(b.Text)
	if line < len(b.lineStarts) {
		end = b.lineStarts[line] - 1
	}
	if end < start {
		end = start
	}
	return strings.TrimRight(b.Text[start:end], "\r")
}

// Len returns the length of the underlying text in bytes.
func (b *Buffer) Len() int { return len(b.Text) }
