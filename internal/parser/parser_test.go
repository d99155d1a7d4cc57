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

package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/ast"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
)

func parseSrc(t *testing.T, src string) *ast.Program {
	t.Helper()
	toks, err := lexer.Lex(source.New("test.ouro", src))
	require.NoError(t, err)
	prog, err := Parse("test.ouro", toks)
	require.NoError(t, err)
	return prog
}

func firstExpr(t *testing.T, src string) ast.Expr {
	t.Helper()
	prog := parseSrc(t, src)
	require.NotEmpty(t, prog.Statements)
	es, ok := prog.Statements[0].(*ast.ExprStmt)
	require.True(t, ok, "statement is %T, want ExprStmt", prog.Statements[0])
	return es.X
}

func TestPrecedenceMulOverAdd(t *testing.T) {
	e := firstExpr(t, "a + b * c;")
	add, ok := e.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, "+", add.Op)
	mul, ok := add.Right.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, "*", mul.Op)
}

func TestPrecedenceShiftBelowAdditive(t *testing.T) {
	e := firstExpr(t, "a + b << c;")
	sh, ok := e.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, "<<", sh.Op)
	_, ok = sh.Left.(*ast.Binary)
	require.True(t, ok, "additive should bind tighter than shift")
}

func TestAssignmentRightAssociative(t *testing.T) {
	e := firstExpr(t, "a = b = c;")
	outer, ok := e.(*ast.Assignment)
	require.True(t, ok)
	_, ok = outer.Rhs.(*ast.Assignment)
	require.True(t, ok)
}

func TestPowerRightAssociativeAndUnary(t *testing.T) {
	// -2 ** 2 parses as -(2 ** 2); 2 ** -2 takes the unary on the right.
	e := firstExpr(t, "-2 ** 2;")
	neg, ok := e.(*ast.Unary)
	require.True(t, ok)
	pow, ok := neg.Operand.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, "**", pow.Op)

	e = firstExpr(t, "2 ** -2;")
	pow, ok = e.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, "**", pow.Op)
	_, ok = pow.Right.(*ast.Unary)
	require.True(t, ok)
}

func TestTernary(t *testing.T) {
	e := firstExpr(t, "a ? b : c;")
	_, ok := e.(*ast.Ternary)
	require.True(t, ok)
}

func TestHighRegisterIterate(t *testing.T) {
	prog := parseSrc(t, "@high\niterate i from 1 through 5 step 2\nprint i\nend iterate")
	var fr *ast.ForRange
	for _, s := range prog.Statements {
		if f, ok := s.(*ast.ForRange); ok {
			fr = f
		}
	}
	require.NotNil(t, fr)
	require.Equal(t, "i", fr.Var)
	require.NotNil(t, fr.Step)
	require.Len(t, fr.Body.Statements, 1)
}

func TestHighRegisterForEach(t *testing.T) {
	prog := parseSrc(t, "@high\nfor each x in [1, 2, 3]\nprint x\nend for")
	var fe *ast.ForEach
	for _, s := range prog.Statements {
		if f, ok := s.(*ast.ForEach); ok {
			fe = f
		}
	}
	require.NotNil(t, fe)
	require.Equal(t, "x", fe.Var)
}

func TestHighRegisterRepeatTimes(t *testing.T) {
	prog := parseSrc(t, "@high\nrepeat 3 times\nprint \"x\"\nend repeat")
	var rt *ast.RepeatTimes
	for _, s := range prog.Statements {
		if r, ok := s.(*ast.RepeatTimes); ok {
			rt = r
		}
	}
	require.NotNil(t, rt)
}

func TestHighRegisterComparisonPhrase(t *testing.T) {
	prog := parseSrc(t, "@high\nvar r = x is greater than y;")
	ds := findVarDecl(t, prog, "r")
	bin, ok := ds.Init.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, ">", bin.Op)
}

func TestAggregateExpression(t *testing.T) {
	prog := parseSrc(t, "@high\nvar s = sum of all [1, 2, 3];")
	ds := findVarDecl(t, prog, "s")
	agg, ok := ds.Init.(*ast.Aggregate)
	require.True(t, ok)
	require.Equal(t, "sum", agg.Op)
}

func findVarDecl(t *testing.T, prog *ast.Program, name string) *ast.VarDecl {
	t.Helper()
	for _, s := range prog.Statements {
		if ds, ok := s.(*ast.DeclStmt); ok {
			if vd, ok := ds.D.(*ast.VarDecl); ok && vd.Name == name {
				return vd
			}
		}
	}
	t.Fatalf("no var %q in program", name)
	return nil
}

func TestInlineAsmNode(t *testing.T) {
	prog := parseSrc(t, "@asm {\nmov eax, 1\nhalt\n}")
	ia, ok := prog.Statements[0].(*ast.InlineAsm)
	require.True(t, ok)
	require.Contains(t, ia.Raw, "mov eax, 1")
	require.Equal(t, 1, ia.OriginLine)
}

func TestTryCatchFinally(t *testing.T) {
	src := `try { risky(); } catch (TypeMismatch e) { handle(); } catch { fallback(); } finally { done(); }`
	prog := parseSrc(t, src)
	tc, ok := prog.Statements[0].(*ast.TryCatch)
	require.True(t, ok)
	require.Len(t, tc.Catches, 2)
	require.Equal(t, "TypeMismatch", tc.Catches[0].ExceptionType)
	require.Equal(t, "e", tc.Catches[0].Binding)
	require.Equal(t, "", tc.Catches[1].ExceptionType)
	require.NotNil(t, tc.Finally)
}

func TestLowRegisterStructAndUnion(t *testing.T) {
	src := "@low\nstruct Point { x: int; y: int; }\nunion Cell { i: int; f: float; }\nvar p = Point{x: 1, y: 2};"
	prog := parseSrc(t, src)
	var sd, ud *ast.StructDecl
	for _, s := range prog.Statements {
		if ds, ok := s.(*ast.DeclStmt); ok {
			if d, ok := ds.D.(*ast.StructDecl); ok {
				if d.IsUnion {
					ud = d
				} else {
					sd = d
				}
			}
		}
	}
	require.NotNil(t, sd)
	require.NotNil(t, ud)
	lit, ok := findVarDecl(t, prog, "p").Init.(*ast.StructLit)
	require.True(t, ok)
	require.Equal(t, "Point", lit.TypeName)
	require.Len(t, lit.Fields, 2)
}

func TestImportExportForms(t *testing.T) {
	prog := parseSrc(t, `import { a, b } from "./mod.ouro";
export var c = 1;
export default func d() { return 1; }`)
	imp, ok := prog.Statements[0].(*ast.DeclStmt).D.(*ast.ImportDecl)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, imp.Names)
	require.Equal(t, "./mod.ouro", imp.Path)
	ex1, ok := prog.Statements[1].(*ast.DeclStmt).D.(*ast.ExportDecl)
	require.True(t, ok)
	require.False(t, ex1.IsDefault)
	ex2, ok := prog.Statements[2].(*ast.DeclStmt).D.(*ast.ExportDecl)
	require.True(t, ok)
	require.True(t, ex2.IsDefault)
}

func TestParseErrorRecovery(t *testing.T) {
	toks, err := lexer.Lex(source.New("bad.ouro", "var = ;\nvar ok = 1;"))
	require.NoError(t, err)
	prog, err := Parse("bad.ouro", toks)
	require.Error(t, err)
	// panic-mode sync still recovers the healthy second declaration
	found := false
	for _, s := range prog.Statements {
		if ds, ok := s.(*ast.DeclStmt); ok {
			if vd, ok := ds.D.(*ast.VarDecl); ok && vd.Name == "ok" {
				found = true
			}
		}
	}
	require.True(t, found)
}

// TestPrintRoundTrip checks the documented canonical-form subset: printing a
// parse tree and re-parsing the result reaches a fixed point.
func TestPrintRoundTrip(t *testing.T) {
	sources := []string{
		"var x = 1 + 2 * 3;",
		"x = y = -4;",
		"f(a, b[1], c.d);",
		"if x < 10 { x = x + 1; } else { x = 0; }",
		"while x > 0 { x = x - 1; }",
		"func inc(n) { return n + 1; }",
		`var s = "he\"llo";`,
		"var f = 1.5;",
		"const b = true ? 1 : 2;",
	}
	for _, src := range sources {
		first := ast.Print(parseSrc(t, src))
		second := ast.Print(parseSrc(t, first))
		require.Equal(t, first, second, "round trip unstable for %q", src)
	}
}
