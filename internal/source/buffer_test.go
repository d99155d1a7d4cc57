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

package source

import "testing"

func TestLineColMapping(t *testing.T) {
	b := New("t.ouro", "ab\ncd\n\nxyz")
	for _, tc := range []struct {
		pos, line, col int
	}{
		{0, 1, 1},
		{1, 1, 2},
		{3, 2, 1},
		{4, 2, 2},
		{6, 3, 1},
		{7, 4, 1},
		{9, 4, 3},
	} {
		line, col := b.LineCol(tc.pos)
		if line != tc.line || col != tc.col {
			t.Fatalf("LineCol(%d) = %d:%d, want %d:%d", tc.pos, line, col, tc.line, tc.col)
		}
	}
}

func TestExcerpt(t *testing.T) {
	b := New("t.ouro", "first\nsecond line\r\nthird")
	if got := b.Excerpt(8); got != "second line" {
		t.Fatalf("Excerpt = %q", got)
	}
}

func TestLen(t *testing.T) {
	if New("t", "abc").Len() != 3 {
		t.Fatal("Len mismatch")
	}
}
