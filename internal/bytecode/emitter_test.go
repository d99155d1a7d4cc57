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

package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
)

func compile(t *testing.T, src string) *Program {
	t.Helper()
	toks, err := lexer.Lex(source.New("test.ouro", src))
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	tree, err := parser.Parse("test.ouro", toks)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	prog, err := Emit("test.ouro", tree)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return prog
}

func compileErr(t *testing.T, src string) error {
	t.Helper()
	toks, err := lexer.Lex(source.New("test.ouro", src))
	if err != nil {
		return err
	}
	tree, err := parser.Parse("test.ouro", toks)
	if err != nil {
		return err
	}
	_, err = Emit("test.ouro", tree)
	return err
}

// Register independence: the same comparison written
// in medium and high register emits identical bytecode modulo the line
// table.
func TestRegisterIndependence(t *testing.T) {
	medium := compile(t, "var a = 1;\nvar b = 2;\nvar c = a > b;")
	high := compile(t, "@high\nvar a = 1;\nvar b = 2;\nvar c = a is greater than b;")
	if !bytes.Equal(medium.Bytecode, high.Bytecode) {
		t.Fatalf("register forms emitted different bytecode:\nmedium %v\nhigh   %v",
			medium.Bytecode, high.Bytecode)
	}
}

func TestHandlersEmittedInnermostFirst(t *testing.T) {
	prog := compile(t, `
try {
    try {
        var x = 1;
    } catch (TypeMismatch e) { var y = 1; }
} catch { var z = 1; }
`)
	if len(prog.Handlers) != 2 {
		t.Fatalf("want 2 handler entries, got %d", len(prog.Handlers))
	}
	inner, outer := prog.Handlers[0], prog.Handlers[1]
	if !(inner.TryStart >= outer.TryStart && inner.TryEnd <= outer.TryEnd) {
		t.Fatalf("first handler entry is not the innermost: inner %+v outer %+v", inner, outer)
	}
	if inner.TryStart >= inner.TryEnd {
		t.Fatalf("invalid try range %+v", inner)
	}
}

func TestUnresolvedIdentifierIsCompileError(t *testing.T) {
	err := compileErr(t, "var x = nope;")
	if err == nil || !strings.Contains(err.Error(), "unresolved identifier") {
		t.Fatalf("want unresolved identifier error, got %v", err)
	}
}

func TestAssignToConstIsCompileError(t *testing.T) {
	err := compileErr(t, "const k = 1;\nk = 2;")
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("want immutable-binding error, got %v", err)
	}
}

func TestDuplicateGlobalIsCompileError(t *testing.T) {
	err := compileErr(t, "var a = 1;\nvar a = 2;")
	if err == nil || !strings.Contains(err.Error(), "duplicate symbol") {
		t.Fatalf("want duplicate symbol error, got %v", err)
	}
}

func TestBreakOutsideLoopIsCompileError(t *testing.T) {
	err := compileErr(t, "break;")
	if err == nil || !strings.Contains(err.Error(), "break outside of loop") {
		t.Fatalf("want break-outside-loop error, got %v", err)
	}
}

func TestFunctionBodiesCompiled(t *testing.T) {
	prog := compile(t, "func add(a, b) { return a + b; }\nvar r = add(1, 2);")
	if len(prog.Functions) != 2 {
		t.Fatalf("want main + add in function table, got %d", len(prog.Functions))
	}
	addFn := prog.Functions[1]
	if addFn.Name != "add" || addFn.ParameterCount != 2 {
		t.Fatalf("bad function info %+v", addFn)
	}
	if addFn.EntryOffset == 0 {
		t.Fatalf("add body was never emitted")
	}
}

func TestAsyncFunctionSuspendPoints(t *testing.T) {
	prog := compile(t, `
async func work() { return 1; }
async func driver() {
    var a = await work();
    var b = await work();
    return a + b;
}
`)
	var driver *FunctionInfo
	for k := range prog.Functions {
		if prog.Functions[k].Name == "driver" {
			driver = &prog.Functions[k]
		}
	}
	if driver == nil || !driver.IsAsync {
		t.Fatalf("driver not declared async: %+v", driver)
	}
	if len(driver.SuspendPoints) != 2 {
		t.Fatalf("want 2 suspension points, got %d", len(driver.SuspendPoints))
	}
}

func TestInlineAsmSplicedAsFragment(t *testing.T) {
	prog := compile(t, "@asm {\nmov eax, 42\nhalt\n}")
	found := false
	for key := range prog.Metadata {
		if strings.HasPrefix(key, "asmfrag:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no assembled fragment stored for @asm block")
	}
}

func TestBadInlineAsmBecomesCompileError(t *testing.T) {
	err := compileErr(t, "@asm {\nfrobnicate r0\n}")
	if err == nil || !strings.Contains(err.Error(), "inline assembly") {
		t.Fatalf("want inline assembly error, got %v", err)
	}
}

func TestEnumVariantsLowerToConstants(t *testing.T) {
	prog := compile(t, "enum Color { Red, Green = 5, Blue }\nvar c = Color.Blue;")
	ei := prog.Enums["Color"]
	if ei == nil {
		t.Fatalf("enum table missing Color")
	}
	if got := ei.Values[2].Int(); got != 6 {
		t.Fatalf("Blue = %d, want 6", got)
	}
}

func TestDisassembleListsOpcodes(t *testing.T) {
	prog := compile(t, "var x = 1 + 2;")
	var sb strings.Builder
	if err := Disassemble(prog, &sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{"PUSH", "ADD", "STORE_GLOBAL", "HALT"} {
		if !strings.Contains(out, want) {
			t.Fatalf("disassembly missing %s:\n%s", want, out)
		}
	}
}
