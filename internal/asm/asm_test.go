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

package asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembleMovHalt(t *testing.T) {
	frag, err := Assemble("mov eax, 42\nhalt", 10)
	require.NoError(t, err)
	require.NotEmpty(t, frag.Code)
	require.Equal(t, 10, frag.OriginLine)
}

func TestAssembleLabelsForwardAndBackward(t *testing.T) {
	src := `
	jmp done
loop:
	push 1
	jmp loop
done:
	halt
`
	_, err := Assemble(src, 1)
	require.NoError(t, err)
}

func TestAssembleUndefinedLabel(t *testing.T) {
	_, err := Assemble("jmp nowhere\nhalt", 1)
	require.Error(t, err)
	var list ErrList
	require.ErrorAs(t, err, &list)
}

func TestAssembleDuplicateLabel(t *testing.T) {
	src := "foo:\nnop\nfoo:\nnop\n"
	_, err := Assemble(src, 1)
	require.Error(t, err)
}

func TestAssembleUnknownMnemonic(t *testing.T) {
	_, err := Assemble("frobnicate r0", 1)
	require.Error(t, err)
}

func TestAssembleInvalidScale(t *testing.T) {
	_, err := Assemble("loadq [rax+rbx*3]", 1)
	require.Error(t, err)
}

func TestAssembleMemoryOperand(t *testing.T) {
	frag, err := Assemble("loadq r0, [rax+rbx*4+8]", 1)
	require.NoError(t, err)
	require.NotEmpty(t, frag.Code)
}

func TestAssembleStringDirective(t *testing.T) {
	src := "data:\n.string \"hi\"\nhalt\n"
	_, err := Assemble(src, 1)
	require.NoError(t, err)
}

func TestAssembleEquConstant(t *testing.T) {
	src := ".equ LIMIT 10\npush LIMIT\nhalt\n"
	_, err := Assemble(src, 1)
	require.NoError(t, err)
}
