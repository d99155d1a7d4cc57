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

package diag

import (
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticFormat(t *testing.T) {
	d := New(KindParse, "main.ouro", 3, 7, "unexpected %q", "}")
	require.Equal(t, `main.ouro:3:7: ParseError: unexpected "}"`, d.Error())
}

func TestRuntimeSubkindFormat(t *testing.T) {
	d := Runtime(RuntimeDivideByZero, "main.ouro", 9, 1, "division by zero")
	require.Contains(t, d.Error(), "RuntimeError/DivideByZero")
}

func TestExcerptCaret(t *testing.T) {
	d := New(KindLex, "m.ouro", 1, 5, "stray character")
	d.Excerpt = "var € = 1;"
	out := d.Error()
	require.Contains(t, out, "var €")
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "    "+strings.Repeat(" ", 4)+"^", lines[2])
}

func TestWrapPreservesCause(t *testing.T) {
	_, osErr := os.Open("/no/such/file/at/all")
	require.Error(t, osErr)
	d := Wrap(osErr, KindIO, "x.ouro", 0, 0, "cannot read module")
	require.ErrorIs(t, d, os.ErrNotExist)
	require.NotNil(t, errors.Cause(d))
}

func TestListBudget(t *testing.T) {
	l := NewList(3)
	require.NoError(t, l.Err())
	for k := 0; k < 3; k++ {
		require.False(t, l.Abort())
		l.Add(New(KindLex, "f", k+1, 1, "e%d", k))
	}
	require.True(t, l.Abort())
	require.Error(t, l.Err())
	require.Equal(t, 3, strings.Count(l.Error(), "LexError"))
}

func TestInternalMarksBug(t *testing.T) {
	d := Internal("verifier: impossible state")
	require.True(t, d.Internal)
	require.Equal(t, KindCompile, d.Kind)
}
