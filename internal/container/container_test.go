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

package container

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/vm"
)

func compile(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	toks, err := lexer.Lex(source.New("test.ouro", src))
	require.NoError(t, err)
	tree, err := parser.Parse("test.ouro", toks)
	require.NoError(t, err)
	prog, err := bytecode.Emit("test.ouro", tree)
	require.NoError(t, err)
	return prog
}

const sample = `
enum Color { Red, Green, Blue }
struct Point { x: int; y: int; }
func area(w, h) { return w * h; }
var a = area(6, 7);
try {
    var z = a / 1;
} catch (DivideByZero e) {
    a = 0;
}
`

func TestContainerRoundTrip(t *testing.T) {
	prog := compile(t, sample)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog, Options{}))

	got, err := Read(&buf)
	require.NoError(t, err)

	require.Equal(t, prog.Bytecode, got.Bytecode)
	require.Equal(t, prog.Constants, got.Constants)
	require.Equal(t, prog.Functions, got.Functions)
	require.Equal(t, prog.Handlers, got.Handlers)
	require.Equal(t, prog.Structs, got.Structs)
	require.Equal(t, prog.Enums, got.Enums)
	require.Equal(t, prog.LineTable, got.LineTable)
	require.Equal(t, prog.SourceFile, got.SourceFile)
}

func TestContainerMagicRejected(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("NOPE....")))
	require.Error(t, err)
}

func TestContainerVersionRejected(t *testing.T) {
	prog := compile(t, "var x = 1;")
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog, Options{}))
	raw := buf.Bytes()
	raw[4] = 0xFF // clobber the format version
	_, err := Read(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestContainerShrinkDropsLineTable(t *testing.T) {
	prog := compile(t, "var x = 1;\nvar y = 2;")
	var full, shrunk bytes.Buffer
	require.NoError(t, Write(&full, prog, Options{}))
	require.NoError(t, Write(&shrunk, prog, Options{Shrink: true}))
	require.Less(t, shrunk.Len(), full.Len())

	got, err := Read(&shrunk)
	require.NoError(t, err)
	require.Empty(t, got.LineTable)
}

func TestContainerShrinkKeepsFragments(t *testing.T) {
	prog := compile(t, "@asm {\nmov eax, 9\nhalt\n}")
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog, Options{Shrink: true}))
	got, err := Read(&buf)
	require.NoError(t, err)
	found := false
	for k := range got.Metadata {
		if len(k) > 8 && k[:8] == "asmfrag:" {
			found = true
		}
	}
	require.True(t, found, "shrunk container lost assembled fragments")
}

// A persisted program must still verify and run identically after a
// round trip.
func TestContainerRoundTripExecutes(t *testing.T) {
	prog := compile(t, "func mul(a, b) { return a * b; }\nreturn mul(6, 7);")
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog, Options{}))
	got, err := Read(&buf)
	require.NoError(t, err)

	var out bytes.Buffer
	i, err := vm.New(got, vm.WithOutput(&out))
	require.NoError(t, err)
	res, err := i.Run()
	require.NoError(t, err)
	require.Equal(t, value.IntValue(42), res)
}
