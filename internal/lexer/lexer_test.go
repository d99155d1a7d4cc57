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

package lexer

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/token"
)

func lexAll(t *testing.T, src string) []token.Token {
	t.Helper()
	toks, err := Lex(source.New("test.ouro", src))
	require.NoError(t, err)
	return toks
}

func kinds(toks []token.Token) []token.Kind {
	out := make([]token.Kind, len(toks))
	for i, tk := range toks {
		out[i] = tk.Kind
	}
	return out
}

func TestLexDeterminism(t *testing.T) {
	src := `@high
iterate i from 1 through 5
    print "hi"
end iterate
var x = 0x1F + 0b1010 + 1_000_000;
`
	a, errA := Lex(source.New("d.ouro", src))
	b, errB := Lex(source.New("d.ouro", src))
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.True(t, reflect.DeepEqual(a, b), "token streams differ between runs")
}

func TestLexPositionsMonotonic(t *testing.T) {
	toks := lexAll(t, "var x = 1 + 2;\nvar y = x * 3;\n")
	last := -1
	for _, tk := range toks {
		require.GreaterOrEqual(t, tk.Pos, last, "token %v regressed", tk)
		last = tk.Pos
	}
}

func TestLexNumericForms(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want interface{}
	}{
		{"42", int64(42)},
		{"0x2A", int64(42)},
		{"0o52", int64(42)},
		{"0b101010", int64(42)},
		{"1_000", int64(1000)},
		{"3.25", 3.25},
		{"1e3", 1000.0},
		{"2.5e-1", 0.25},
	} {
		toks := lexAll(t, tc.src)
		require.Equal(t, tc.want, toks[0].Value, "literal %q", tc.src)
	}
}

func TestLexNumericSuffixes(t *testing.T) {
	toks := lexAll(t, "10i32 20u64 1.5f32")
	require.Equal(t, token.Int, toks[0].Kind)
	require.Equal(t, token.Int, toks[1].Kind)
	require.Equal(t, token.Float, toks[2].Kind)
}

func TestLexImaginary(t *testing.T) {
	toks := lexAll(t, "3i")
	require.Equal(t, token.Imaginary, toks[0].Kind)
	require.Equal(t, complex(0, 3), toks[0].Value)
}

func TestLexUnitNumber(t *testing.T) {
	toks := lexAll(t, "3.5m/s")
	require.Equal(t, token.UnitNumber, toks[0].Kind)
	uv, ok := toks[0].Value.(token.UnitVal)
	require.True(t, ok)
	require.Equal(t, 3.5, uv.Num)
	require.Equal(t, "m/s", uv.Unit)
}

func TestLexInfinity(t *testing.T) {
	toks := lexAll(t, "∞")
	require.Equal(t, token.Float, toks[0].Kind)
	require.True(t, toks[0].Value.(float64) > 1e308)
}

func TestLexGreekIdentifiers(t *testing.T) {
	toks := lexAll(t, "var α = 1; var βγ = 2;")
	require.Equal(t, token.GreekSymbol, toks[1].Kind)
	require.Equal(t, "α", toks[1].Lexeme)
	// multi-letter Greek stays an ordinary identifier
	require.Equal(t, token.Ident, toks[6].Kind)
	require.Equal(t, "βγ", toks[6].Lexeme)
}

func TestLexMathSymbols(t *testing.T) {
	toks := lexAll(t, "a ≤ b ∧ c ≠ d")
	require.Equal(t, []token.Kind{
		token.Ident, token.MathSymbol, token.Ident, token.MathSymbol,
		token.Ident, token.MathSymbol, token.Ident, token.EOF,
	}, kinds(toks))
}

func TestLexHighRegisterPhrases(t *testing.T) {
	toks := lexAll(t, "@high\nx is greater than y")
	var natural []string
	for _, tk := range toks {
		if tk.Kind == token.KeyNatural {
			natural = append(natural, tk.Lexeme)
		}
	}
	require.Equal(t, []string{"is greater than"}, natural)
}

func TestLexPhrasesOnlyInHighRegister(t *testing.T) {
	toks := lexAll(t, "x is greater than y")
	for _, tk := range toks {
		require.NotEqual(t, token.KeyNatural, tk.Kind, "medium register fused %q", tk.Lexeme)
	}
}

func TestLexRegisterScopeClosesWithBlock(t *testing.T) {
	src := "{ @low a -> b } c -> d"
	toks := lexAll(t, src)
	require.Equal(t, token.Low, toks[2].Register) // `a` inside the block
	last := toks[len(toks)-2]                     // `d` outside
	require.Equal(t, token.Medium, last.Register)
}

func TestLexAsmBlockCapture(t *testing.T) {
	toks := lexAll(t, "@asm {\n  mov eax, 42\n  halt\n}")
	require.Equal(t, token.AsmBlock, toks[0].Kind)
	require.Contains(t, toks[0].Lexeme, "mov eax, 42")
	require.Equal(t, 1, toks[0].OriginLine)
}

func TestLexStringsAndEscapes(t *testing.T) {
	toks := lexAll(t, `"a\nb" 'c' `+"`raw\\n`")
	require.Equal(t, "a\nb", toks[0].Value)
	require.Equal(t, "c", toks[1].Value)
	require.Equal(t, `raw\n`, toks[2].Value)
}

func TestLexCommentsDiscardedButAdvancePositions(t *testing.T) {
	toks := lexAll(t, "1 // comment\n/* block */ 2")
	require.Equal(t, token.Int, toks[0].Kind)
	require.Equal(t, token.Int, toks[1].Kind)
	require.Equal(t, 2, toks[1].Line)
}

func TestLexErrorRecovery(t *testing.T) {
	toks, err := Lex(source.New("bad.ouro", "var x = \"unterminated\nvar y = 2;"))
	require.Error(t, err)
	// recovery continues: the second statement still lexes
	var idents []string
	for _, tk := range toks {
		if tk.Kind == token.Ident {
			idents = append(idents, tk.Lexeme)
		}
	}
	require.Contains(t, idents, "y")
}

func TestLexEOFSentinel(t *testing.T) {
	toks := lexAll(t, "")
	require.Len(t, toks, 1)
	require.Equal(t, token.EOF, toks[0].Kind)
}
