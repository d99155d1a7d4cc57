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

package vm_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/vm"
)

func compile(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	toks, err := lexer.Lex(source.New("test.ouro", src))
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	tree, err := parser.Parse("test.ouro", toks)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	prog, err := bytecode.Emit("test.ouro", tree)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return prog
}

// run executes src and returns (stdout, final instance, run error).
func run(t *testing.T, src string, opts ...vm.Option) (string, *vm.Instance, error) {
	t.Helper()
	prog := compile(t, src)
	var out bytes.Buffer
	i, err := vm.New(prog, append([]vm.Option{vm.WithOutput(&out)}, opts...)...)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	_, err = i.Run()
	return out.String(), i, err
}

func mustRun(t *testing.T, src string, opts ...vm.Option) (string, *vm.Instance) {
	t.Helper()
	out, i, err := run(t, src, opts...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return out, i
}

func globalInt(t *testing.T, i *vm.Instance, name string) int64 {
	t.Helper()
	v, ok := i.Global(name)
	if !ok {
		t.Fatalf("global %q not set", name)
	}
	if v.Tag() != value.Int {
		t.Fatalf("global %q is %s, want int", name, v.TypeName())
	}
	return v.Int()
}

// Hello world in the high register.
func TestScenarioHelloHigh(t *testing.T) {
	out, _ := mustRun(t, "@high\nprint \"Hello World from OUROBOROS Natural Language!\"")
	if out != "Hello World from OUROBOROS Natural Language!\n" {
		t.Fatalf("stdout = %q", out)
	}
}

// Natural-language loop plus aggregation.
func TestScenarioNaturalLoopAndSum(t *testing.T) {
	src := `@high
iterate counter from 1 through 5
print "Iteration " + counter + ": Hello!"
end iterate
print "Sum of " + [1, 2, 3, 4, 5] + " = " + sum of all [1, 2, 3, 4, 5]
`
	out, _ := mustRun(t, src)
	for n := 1; n <= 5; n++ {
		want := "Iteration " + string(rune('0'+n)) + ": Hello!"
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "Sum of [1, 2, 3, 4, 5] = 15") {
		t.Fatalf("missing sum line in:\n%s", out)
	}
}

// Low-register bit manipulation.
func TestScenarioBitOps(t *testing.T) {
	src := `@low
var flags = 0b10101010;
flags |= 1 << 3;
flags &= ~(1 << 5);
flags ^= 1 << 7;
`
	_, i := mustRun(t, src)
	want := int64((0b10101010|1<<3)&^(1<<5)) ^ 1<<7
	if got := globalInt(t, i, "flags"); got != want {
		t.Fatalf("flags = %#b, want %#b", got, want)
	}
}

// An exception thrown three frames deep reaches the innermost matching
// handler; the outer catch-all never runs.
func TestScenarioUnwindInnermostWins(t *testing.T) {
	src := `
var result = 0;
func f3() { var z = 1 - "x"; }
func f2() { f3(); }
func f1() { f2(); }
try {
    try {
        f1();
    } catch (TypeMismatch e) {
        result = 1;
    }
} catch {
    result = 2;
}
`
	_, i := mustRun(t, src)
	if got := globalInt(t, i, "result"); got != 1 {
		t.Fatalf("result = %d, want 1 (inner handler)", got)
	}
}

// An @asm block leaves 42 in R0, observable through the reserved
// intrinsic.
func TestScenarioInlineAsmRegister(t *testing.T) {
	src := `@asm {
    mov eax, 42
    halt
}
var r = asm_reg(0);
`
	_, i := mustRun(t, src)
	if got := globalInt(t, i, "r"); got != 42 {
		t.Fatalf("asm_reg(0) = %d, want 42", got)
	}
	if i.Register(0) != 42 {
		t.Fatalf("register slot R0 = %d, want 42", i.Register(0))
	}
}

// Integer wraparound and IEEE-754 float semantics.
func TestIntegerWrapAndFloats(t *testing.T) {
	src := `
var w = 9223372036854775807 + 1;
var f = 0.1 + 0.2;
`
	_, i := mustRun(t, src)
	if got := globalInt(t, i, "w"); got != math.MinInt64 {
		t.Fatalf("wrap = %d, want %d", got, int64(math.MinInt64))
	}
	f, _ := i.Global("f")
	if f.Float() != 0.30000000000000004 {
		t.Fatalf("0.1+0.2 = %v", f.Float())
	}
}

func TestDivideByZeroRaises(t *testing.T) {
	_, _, err := run(t, "var x = 1 / 0;")
	if err == nil {
		t.Fatal("want DivideByZero")
	}
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Sub != diag.RuntimeDivideByZero {
		t.Fatalf("got %v", err)
	}
}

func TestNullReferenceRaises(t *testing.T) {
	_, _, err := run(t, "var x = null;\nvar y = x + 1;")
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Sub != diag.RuntimeNullReference {
		t.Fatalf("got %v", err)
	}
}

func TestUnitMismatchRaises(t *testing.T) {
	_, _, err := run(t, "var v = 3.0m/s;\nvar m = 2.0kg;\nvar x = v + m;")
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Sub != diag.RuntimeUnitMismatch {
		t.Fatalf("got %v", err)
	}
}

func TestUnitArithmeticCompatible(t *testing.T) {
	out, _ := mustRun(t, "print 3.0m/s + 1.5m/s;")
	if !strings.Contains(out, "4.5 m/s") {
		t.Fatalf("got %q", out)
	}
}

func TestStackOverflowOnRunawayRecursion(t *testing.T) {
	_, _, err := run(t, "func f(n) { return f(n); }\nvar x = f(1);")
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Sub != diag.RuntimeStackOverflow {
		t.Fatalf("got %v", err)
	}
}

// A finally block runs exactly once on both normal and exceptional
// exits.
func TestFinallyRunsOnceOnBothPaths(t *testing.T) {
	src := `
var flog = "";
try {
    flog = flog + "T";
} finally {
    flog = flog + "F";
}
try {
    try {
        var z = 1 - "x";
    } finally {
        flog = flog + "f";
    }
} catch (TypeMismatch e) {
    flog = flog + "c";
}
`
	_, i := mustRun(t, src)
	v, _ := i.Global("flog")
	if v.Str() != "TFfc" {
		t.Fatalf("flog = %q, want \"TFfc\"", v.Str())
	}
}

func TestRethrowAfterNoMatchingClause(t *testing.T) {
	src := `
var got = "";
try {
    try {
        var z = 1 - "x";
    } catch (DivideByZero e) {
        got = "wrong";
    }
} catch (TypeMismatch e) {
    got = "right";
}
`
	_, i := mustRun(t, src)
	v, _ := i.Global("got")
	if v.Str() != "right" {
		t.Fatalf("got = %q", v.Str())
	}
}

// A resource acquired in a frame is released before the enclosing catch
// observes the exception.
func TestResourceScopedToFrame(t *testing.T) {
	var log []string
	acquire := func(i *vm.Instance, _ []value.Value) (value.Value, error) {
		log = append(log, "acquire")
		i.PushFinalizer(func() error {
			log = append(log, "release")
			return nil
		})
		return value.NullValue(), nil
	}
	mark := func(i *vm.Instance, _ []value.Value) (value.Value, error) {
		log = append(log, "catch")
		return value.NullValue(), nil
	}
	src := `
func body() {
    syscall(0);
    var z = 1 - "x";
}
try {
    body();
} catch {
    syscall(1);
}
`
	mustRun(t, src,
		vm.BindHostCall(bytecode.HostUserBase+0, 0, acquire),
		vm.BindHostCall(bytecode.HostUserBase+1, 0, mark))
	want := []string{"acquire", "release", "catch"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestAsyncAwaitDeliversResult(t *testing.T) {
	src := `
async func work(n) { return n * 2; }
var task = work(21);
var r = await task;
`
	_, i := mustRun(t, src)
	if got := globalInt(t, i, "r"); got != 42 {
		t.Fatalf("r = %d", got)
	}
}

// The cooperative scheduler is deterministic: two runs interleave
// coroutines identically.
func TestAsyncDeterministicInterleaving(t *testing.T) {
	src := `
async func worker(tag) {
    print "start " + tag;
    var x = await tag;
    print "end " + tag;
    return x;
}
var a = worker("a");
var b = worker("b");
var ra = await a;
var rb = await b;
print "done " + ra + rb;
`
	first, _ := mustRun(t, src)
	second, _ := mustRun(t, src)
	if first != second {
		t.Fatalf("nondeterministic interleaving:\n%q\n%q", first, second)
	}
	if !strings.Contains(first, "done ab") {
		t.Fatalf("unexpected output:\n%s", first)
	}
}

// Cancellation is delivered at the next suspension point; a completed
// task ignores it.
func TestCancellationAtSuspensionPoint(t *testing.T) {
	src := `
var got = "";
async func worker() {
    var x = await 1;
    return x;
}
var task = worker();
cancel(task);
try {
    var r = await task;
    got = "ran";
} catch (Cancelled e) {
    got = "cancelled";
}
`
	_, i := mustRun(t, src)
	v, _ := i.Global("got")
	if v.Str() != "cancelled" {
		t.Fatalf("got = %q, want cancelled", v.Str())
	}
}

func TestCancelCompletedTaskIsNoop(t *testing.T) {
	src := `
async func worker() { return 7; }
var task = worker();
var first = await task;
cancel(task);
var second = await task;
`
	_, i := mustRun(t, src)
	if globalInt(t, i, "first") != 7 || globalInt(t, i, "second") != 7 {
		t.Fatal("completed task affected by cancellation")
	}
}

// The verifier accepts every emitted program and rejects corrupted jump
// targets and constant indices.
func TestVerifierSoundness(t *testing.T) {
	prog := compile(t, `
var i = 0;
while i < 3 {
    i = i + 1;
}
`)
	if err := vm.Verify(prog); err != nil {
		t.Fatalf("valid program rejected: %v", err)
	}

	// corrupt the first jump target
	corrupt := *prog
	corrupt.Bytecode = append([]byte(nil), prog.Bytecode...)
	off := 0
	patched := false
	for off < len(corrupt.Bytecode) {
		op, _, next, ok := bytecode.ReadInstr(corrupt.Bytecode, off)
		if !ok {
			break
		}
		if bytecode.IsJump(op) {
			corrupt.Bytecode[next-4] = 0xF3
			corrupt.Bytecode[next-3] = 0xFF
			corrupt.Bytecode[next-2] = 0x00
			corrupt.Bytecode[next-1] = 0x00
			patched = true
			break
		}
		off = next
	}
	if !patched {
		t.Fatal("no jump found to corrupt")
	}
	if err := vm.Verify(&corrupt); err == nil {
		t.Fatal("corrupted jump accepted")
	}

	// corrupt a constant index
	corrupt2 := *prog
	corrupt2.Bytecode = append([]byte(nil), prog.Bytecode...)
	off = 0
	patched = false
	for off < len(corrupt2.Bytecode) {
		op, _, next, ok := bytecode.ReadInstr(corrupt2.Bytecode, off)
		if !ok {
			break
		}
		if op == bytecode.PUSH && next-off == 3 {
			corrupt2.Bytecode[off+2] = 0x7F // far beyond the pool
			patched = true
			break
		}
		off = next
	}
	if !patched {
		t.Fatal("no PUSH found to corrupt")
	}
	if err := vm.Verify(&corrupt2); err == nil {
		t.Fatal("corrupted constant index accepted")
	}
}

func TestRecursionAndCalls(t *testing.T) {
	src := `
func fib(n) {
    if n < 2 { return n; }
    return fib(n - 1) + fib(n - 2);
}
var r = fib(10);
`
	_, i := mustRun(t, src)
	if got := globalInt(t, i, "r"); got != 55 {
		t.Fatalf("fib(10) = %d", got)
	}
}

func TestForEachAndListIndexing(t *testing.T) {
	src := `@high
var total = 0;
for each x in [10, 20, 30]
total = total + x
end for
var first = [4, 5, 6][0];
`
	_, i := mustRun(t, src)
	if globalInt(t, i, "total") != 60 {
		t.Fatalf("total = %d", globalInt(t, i, "total"))
	}
	if globalInt(t, i, "first") != 4 {
		t.Fatalf("first = %d", globalInt(t, i, "first"))
	}
}

func TestRepeatTimes(t *testing.T) {
	src := "@high\nvar n = 0;\nrepeat 4 times\nn = n + 1\nend repeat"
	_, i := mustRun(t, src)
	if globalInt(t, i, "n") != 4 {
		t.Fatalf("n = %d", globalInt(t, i, "n"))
	}
}

func TestMatchStatement(t *testing.T) {
	src := `
var got = "";
var x = 2;
match x {
    1 -> { got = "one"; }
    2 -> { got = "two"; }
    _ -> { got = "other"; }
}
`
	_, i := mustRun(t, src)
	v, _ := i.Global("got")
	if v.Str() != "two" {
		t.Fatalf("got = %q", v.Str())
	}
}

func TestClassInstantiationAndMethods(t *testing.T) {
	src := `
class Counter {
    count: int;
    func bump(by) { this.count = this.count + by; return this.count; }
}
var c = Counter{count: 10};
var r = c.bump(5);
`
	_, i := mustRun(t, src)
	if globalInt(t, i, "r") != 15 {
		t.Fatalf("r = %d", globalInt(t, i, "r"))
	}
}

func TestExceptionSubtypeMatching(t *testing.T) {
	src := `
class AppError { msg: string; }
class DbError : AppError { }
var got = "";
try {
    throw DbError{};
} catch (AppError e) {
    got = "caught";
}
`
	_, i := mustRun(t, src)
	v, _ := i.Global("got")
	if v.Str() != "caught" {
		t.Fatalf("subtype not matched: %q", v.Str())
	}
}

func TestIntegerWrapOnMultiply(t *testing.T) {
	_, i := mustRun(t, "var x = 4611686018427387904 * 2;")
	if got := globalInt(t, i, "x"); got != math.MinInt64 {
		t.Fatalf("x = %d", got)
	}
}

func TestStringEqualityByContent(t *testing.T) {
	src := `
var a = "door";
var b = "do" + "or";
var eq = a == b;
`
	_, i := mustRun(t, src)
	v, _ := i.Global("eq")
	if !v.Bool() {
		t.Fatal("content-equal strings compared unequal")
	}
}

func TestPowerOperator(t *testing.T) {
	_, i := mustRun(t, "var x = 2 ** 10;\nvar y = 2 ** 0.5;")
	if globalInt(t, i, "x") != 1024 {
		t.Fatalf("2**10 = %d", globalInt(t, i, "x"))
	}
	y, _ := i.Global("y")
	if math.Abs(y.Float()-math.Sqrt2) > 1e-12 {
		t.Fatalf("2**0.5 = %v", y.Float())
	}
}

func TestLambdaClosureCapture(t *testing.T) {
	src := `
func makeAdder(n) {
    return func(x) { return x + n; };
}
var add5 = makeAdder(5);
var r = add5(37);
`
	_, i := mustRun(t, src)
	if globalInt(t, i, "r") != 42 {
		t.Fatalf("closure result = %d", globalInt(t, i, "r"))
	}
}

func TestAsmRegisterLoop(t *testing.T) {
	src := `@asm {
    mov r1, 0
    mov r2, 5
again:
    add r1, r2
    sub r2, 1
    cmp r2, 0
    jne again
    halt
}
var sum = asm_reg(1);
`
	_, i := mustRun(t, src)
	if globalInt(t, i, "sum") != 15 {
		t.Fatalf("asm loop sum = %d", globalInt(t, i, "sum"))
	}
}

func TestExitStatusValue(t *testing.T) {
	prog := compile(t, "var x = 3;\nreturn x;")
	var out bytes.Buffer
	i, err := vm.New(prog, vm.WithOutput(&out))
	if err != nil {
		t.Fatal(err)
	}
	res, err := i.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Tag() != value.Int || res.Int() != 3 {
		t.Fatalf("top-level result = %v", res)
	}
}
