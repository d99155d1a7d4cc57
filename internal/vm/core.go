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

package vm

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// Run executes the program's entry function to completion and returns its
// top-level result. The scheduler keeps draining ready coroutines until the
// main task finishes; remaining tasks are abandoned at that point, after
// their frames' finalisers run.
//
// If an error occurs the returned diagnostics carry the source line mapped
// from the faulting pc via the program's line table.
func (i *Instance) Run() (res value.Value, err error) {
	defer func() {
		if e := recover(); e != nil {
			switch e := e.(type) {
			case error:
				err = errors.Wrapf(e, "recovered @pc=%d ins=%d", i.pcOfCurrent(), i.insCount)
			default:
				panic(e)
			}
		}
	}()

	if len(i.prog.Functions) == 0 {
		return value.NullValue(), diag.Internal("program has no entry function")
	}
	i.seedFunctionGlobals()
	entry := i.prog.Functions[0]
	main := i.sched.newTask(entry.EntryOffset, &frame{
		fnIdx:  0,
		locals: make([]value.Value, entry.LocalCount),
	})
	i.sched.enqueue(main)

	for {
		t := i.sched.dequeue()
		if t == nil {
			break
		}
		i.runTask(t)
		if main.done {
			break
		}
	}
	if !main.done {
		i.teardown(main)
		return value.NullValue(), diag.Runtime(diag.RuntimeUnhandled, i.prog.SourceFile, 0, 0,
			"deadlock: every coroutine is suspended")
	}
	for _, t := range i.sched.tasks {
		i.teardown(t)
	}
	if main.fail != nil {
		i.out.Flush()
		return value.NullValue(), main.fail
	}
	return main.result, i.out.Flush()
}

// seedFunctionGlobals publishes every declared function as a callable global
// so first-class references (`var f = add`) resolve at run time.
func (i *Instance) seedFunctionGlobals() {
	for name, sym := range i.prog.Symbols {
		if sym.Kind != "fn" {
			continue
		}
		if _, exists := i.globals[name]; !exists {
			i.globals[name] = i.heap.NewFunc(int(sym.Value.Int()))
		}
	}
}

// teardown releases every scoped resource still held by t's frames.
func (i *Instance) teardown(t *task) {
	for len(t.frames) > 0 {
		i.popFrameFinalize(t)
	}
}

func (i *Instance) pcOfCurrent() int {
	if t := i.sched.current; t != nil {
		return t.pc
	}
	return 0
}

// lineFor maps a bytecode offset to the nearest emitted source line at or
// before it.
func (i *Instance) lineFor(pc int) int {
	if line, ok := i.prog.LineTable[pc]; ok {
		return line
	}
	best, bestOff := 0, -1
	for off, line := range i.prog.LineTable {
		if off <= pc && off > bestOff {
			best, bestOff = line, off
		}
	}
	return best
}

// ---- task stack primitives ----

func (t *task) push(v value.Value) { t.stack = append(t.stack, v) }

func (t *task) pop() value.Value {
	if len(t.stack) == 0 {
		panic(errors.New("value stack underflow"))
	}
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v
}

func (t *task) peek() value.Value {
	if len(t.stack) == 0 {
		panic(errors.New("value stack underflow"))
	}
	return t.stack[len(t.stack)-1]
}

func (t *task) top() *frame { return t.frames[len(t.frames)-1] }

// popFrameFinalize pops the top frame, running its finalisers LIFO and
// pruning protected regions opened inside it.
func (i *Instance) popFrameFinalize(t *task) {
	fr := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	for k := len(fr.finalizers) - 1; k >= 0; k-- {
		if err := fr.finalizers[k](); err != nil {
			fmt.Fprintf(i.traceOrStderr(), "finaliser error: %v\n", err)
		}
	}
	for len(t.regions) > 0 && t.regions[len(t.regions)-1].depth > len(t.frames) {
		t.regions = t.regions[:len(t.regions)-1]
	}
}

func (i *Instance) traceOrStderr() io.Writer {
	if i.trace != nil {
		return i.trace
	}
	return os.Stderr
}

// ---- exceptions ----

// raise constructs a runtime exception value of the given subkind and
// unwinds; guest code observes it as a struct with kind/message/line fields
// so catch-type matching can dispatch on the subkind name.
func (i *Instance) raise(t *task, sub, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := i.lineFor(t.pc)
	exc := i.heap.NewStruct(map[string]value.Value{
		"kind":    value.StrValue(sub),
		"message": value.StrValue(msg),
		"line":    value.IntValue(int64(line)),
	})
	i.throwValue(t, exc)
}

// throwValue walks the active protected regions innermost-first; on a type match restore the region's stack
// depth, push the exception and continue at the handler. Frames crossed by
// the unwind run their finalisers. With no matching region the task dies
// with an Unhandled diagnostic.
func (i *Instance) throwValue(t *task, exc value.Value) {
	for len(t.regions) > 0 {
		r := t.regions[len(t.regions)-1]
		t.regions = t.regions[:len(t.regions)-1]
		entry := i.handlerEntry(r.handler)
		if entry != nil && entry.ExceptionType != "" && !i.excMatches(exc, entry.ExceptionType) {
			continue
		}
		for len(t.frames) > r.depth {
			i.popFrameFinalize(t)
		}
		t.stack = t.stack[:r.savedSP]
		t.push(exc)
		t.pc = r.handler
		return
	}
	line := i.lineFor(t.pc)
	i.teardown(t)
	d := diag.Runtime(i.excTypeName(exc), i.prog.SourceFile, line, 0,
		"unhandled exception: %s", i.excMessage(exc))
	d.Sub = i.excTypeName(exc)
	i.sched.fail(t, exc, d)
}

func (i *Instance) handlerEntry(offset int) *bytecode.HandlerEntry {
	for k := range i.prog.Handlers {
		if i.prog.Handlers[k].HandlerOffset == offset {
			return &i.prog.Handlers[k]
		}
	}
	return nil
}

// excTypeName names an exception value for catch-type matching: runtime
// error structs use their kind field, class instances their class name
// (subtype matching walks the Extends chain in excMatches), anything else
// its value tag.
func (i *Instance) excTypeName(exc value.Value) string {
	switch exc.Tag() {
	case value.Struct:
		if kind, ok := i.heap.FieldGet(exc, "kind"); ok && kind.Tag() == value.String {
			return kind.Str()
		}
	case value.Instance:
		if name := i.instanceClassName(exc); name != "" {
			return name
		}
	}
	return exc.TypeName()
}

func (i *Instance) excMessage(exc value.Value) string {
	if exc.Tag() == value.Struct {
		if msg, ok := i.heap.FieldGet(exc, "message"); ok && msg.Tag() == value.String {
			return msg.Str()
		}
	}
	return value.Format(exc, i.heap.Describe)
}

// excMatches applies the catch rule: an empty declared type matches
// anything, a declared type matches that type or any subtype per
// the class hierarchy.
func (i *Instance) excMatches(exc value.Value, declared string) bool {
	if declared == "" {
		return true
	}
	name := i.excTypeName(exc)
	for name != "" {
		if name == declared {
			return true
		}
		ci, ok := i.prog.Classes[name]
		if !ok {
			return false
		}
		name = ci.Extends
	}
	return false
}

func (i *Instance) instanceClassName(v value.Value) string {
	return i.className(i.heap.InstanceClass(v))
}

// ---- the dispatch loop ----

// runTask executes t until it suspends, completes or fails. This is the
// fetch-decode-execute loop; operands were validated by Verify at load
// time so decoding here is unchecked.
func (i *Instance) runTask(t *task) {
	i.sched.current = t

	// deliver the result of the await this task suspended on, or re-raise
	// the awaited task's failure at the await site.
	if at := t.awaited; at != nil {
		t.awaited = nil
		if at.hasExc {
			i.throwValue(t, at.excValue)
			if t.done {
				return
			}
		} else {
			t.push(at.result)
		}
	}

	code := i.prog.Bytecode
	for !t.done {
		if i.stepLimit > 0 && i.insCount >= i.stepLimit {
			i.raise(t, diag.RuntimeStackOverflow, "instruction budget of %d exhausted", i.stepLimit)
			continue
		}
		pc := t.pc
		op, operand, next, ok := bytecode.ReadInstr(code, pc)
		if !ok {
			panic(errors.Errorf("instruction decode failed at pc=%d", pc))
		}
		t.pc = next
		i.insCount++
		if i.trace != nil {
			fmt.Fprintf(i.trace, "%6d\t%-14s%d\tsp=%d fp=%d\n", pc, op.String(), operand, len(t.stack), len(t.frames))
		}

		switch op {
		case bytecode.NOP, bytecode.LEAVE, bytecode.END_TRY:
			if op == bytecode.END_TRY && len(t.regions) > 0 {
				t.regions = t.regions[:len(t.regions)-1]
			}

		case bytecode.PUSH:
			t.push(i.prog.Constants[operand])
		case bytecode.POP:
			t.pop()
		case bytecode.DUP:
			t.push(t.peek())
		case bytecode.SWAP:
			n := len(t.stack)
			t.stack[n-1], t.stack[n-2] = t.stack[n-2], t.stack[n-1]

		case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV, bytecode.MOD,
			bytecode.IMUL, bytecode.IDIV:
			b, a := t.pop(), t.pop()
			i.binaryArith(t, op, a, b)
		case bytecode.NEG:
			a := t.pop()
			switch a.Tag() {
			case value.Int:
				t.push(value.IntValue(int64(-uint64(a.Int()))))
			case value.Float:
				t.push(value.FloatValue(-a.Float()))
			default:
				i.raise(t, diag.RuntimeTypeMismatch, "cannot negate %s", a.TypeName())
			}
		case bytecode.NOT:
			a := t.pop()
			switch a.Tag() {
			case value.Int:
				t.push(value.IntValue(^a.Int()))
			case value.Bool:
				t.push(value.BoolValue(!a.Bool()))
			default:
				i.raise(t, diag.RuntimeTypeMismatch, "cannot complement %s", a.TypeName())
			}

		case bytecode.AND, bytecode.OR, bytecode.XOR,
			bytecode.SHL, bytecode.SHR, bytecode.SAR, bytecode.ROL, bytecode.ROR:
			b, a := t.pop(), t.pop()
			i.binaryBits(t, op, a, b)

		case bytecode.EQ, bytecode.NE, bytecode.LT, bytecode.GT, bytecode.LE, bytecode.GE:
			b, a := t.pop(), t.pop()
			i.binaryCompare(t, op, a, b)

		case bytecode.CMP:
			b, a := t.pop(), t.pop()
			i.setFlags(t, a, b)
		case bytecode.TEST:
			b, a := t.pop(), t.pop()
			r := a.Int() & b.Int()
			i.flags = condFlags{zf: r == 0, sf: r < 0}

		case bytecode.JMP:
			t.pc = operand
		case bytecode.JZ:
			if !i.truthy(t.pop()) {
				t.pc = operand
			}
		case bytecode.JNZ:
			if i.truthy(t.pop()) {
				t.pc = operand
			}
		case bytecode.JE:
			if i.flags.zf {
				t.pc = operand
			}
		case bytecode.JNE:
			if !i.flags.zf {
				t.pc = operand
			}
		case bytecode.JL:
			if i.flags.sf != i.flags.of {
				t.pc = operand
			}
		case bytecode.JG:
			if !i.flags.zf && i.flags.sf == i.flags.of {
				t.pc = operand
			}
		case bytecode.JB:
			if i.flags.cf {
				t.pc = operand
			}
		case bytecode.JBE:
			if i.flags.cf || i.flags.zf {
				t.pc = operand
			}
		case bytecode.JA:
			if !i.flags.cf && !i.flags.zf {
				t.pc = operand
			}
		case bytecode.JAE:
			if !i.flags.cf {
				t.pc = operand
			}
		case bytecode.JO:
			if i.flags.of {
				t.pc = operand
			}
		case bytecode.JNO:
			if !i.flags.of {
				t.pc = operand
			}
		case bytecode.JS:
			if i.flags.sf {
				t.pc = operand
			}
		case bytecode.JNS:
			if !i.flags.sf {
				t.pc = operand
			}

		case bytecode.CALL:
			i.callFunction(t, operand, nil, nil)
		case bytecode.RET:
			i.returnFromFrame(t)

		case bytecode.LOAD_LOCAL:
			fr := t.top()
			if operand >= len(fr.locals) {
				grown := make([]value.Value, operand+1)
				copy(grown, fr.locals)
				fr.locals = grown
			}
			t.push(fr.locals[operand])
		case bytecode.STORE_LOCAL:
			fr := t.top()
			if operand >= len(fr.locals) {
				grown := make([]value.Value, operand+1)
				copy(grown, fr.locals)
				fr.locals = grown
			}
			fr.locals[operand] = t.peek()
		case bytecode.LOAD_GLOBAL:
			name := i.prog.Constants[operand].Str()
			v, ok := i.globals[name]
			if !ok {
				// declared but not yet initialised, which is how a
				// partially-initialised module cycle surfaces at run time.
				i.raise(t, diag.RuntimePartiallyInitialised,
					"%q read before its initialiser ran", name)
				continue
			}
			t.push(v)
		case bytecode.STORE_GLOBAL:
			i.globals[i.prog.Constants[operand].Str()] = t.peek()
		case bytecode.LOAD_UPVALUE:
			fr := t.top()
			if operand >= len(fr.upvals) {
				i.raise(t, diag.RuntimeTypeMismatch, "no captured variable at %d", operand)
				continue
			}
			t.push(*fr.upvals[operand])
		case bytecode.STORE_UPVALUE:
			fr := t.top()
			if operand >= len(fr.upvals) {
				i.raise(t, diag.RuntimeTypeMismatch, "no captured variable at %d", operand)
				continue
			}
			*fr.upvals[operand] = t.peek()

		case bytecode.LOAD_BYTE, bytecode.LOAD_WORD, bytecode.LOAD_DWORD, bytecode.LOAD_QWORD:
			addr := t.pop()
			v, err := i.memLoad(i.addrOf(addr), memWidth(op))
			if err != nil {
				i.raise(t, diag.RuntimeIndexOutOfRange, "%v", err)
				continue
			}
			t.push(value.IntValue(v))
		case bytecode.STORE_BYTE, bytecode.STORE_WORD, bytecode.STORE_DWORD, bytecode.STORE_QWORD:
			val := t.pop()
			addr := t.pop()
			if err := i.memStore(i.addrOf(addr), memWidth(op), val.Int()); err != nil {
				i.raise(t, diag.RuntimeIndexOutOfRange, "%v", err)
				continue
			}
			t.push(val)
		case bytecode.ALLOC:
			size := t.pop()
			addr, err := i.memAlloc(size.Int())
			if err != nil {
				i.raise(t, diag.RuntimeIndexOutOfRange, "%v", err)
				continue
			}
			t.push(i.heap.NewPointer(addr))
		case bytecode.FREE:
			t.pop() // arena allocation: FREE reclaims nothing individually
			t.push(value.NullValue())

		case bytecode.NEW_LIST:
			elems := make([]value.Value, operand)
			for k := operand - 1; k >= 0; k-- {
				elems[k] = t.pop()
			}
			t.push(i.heap.NewList(elems))
		case bytecode.NEW_MAP:
			t.push(i.heap.NewMap())
		case bytecode.NEW_INSTANCE:
			i.newInstance(t, i.prog.Constants[operand].Str())
		case bytecode.GET_FIELD:
			i.getField(t, i.prog.Constants[operand].Str())
		case bytecode.SET_FIELD:
			i.setField(t, i.prog.Constants[operand].Str())
		case bytecode.GET_INDEX:
			i.getIndex(t)
		case bytecode.SET_INDEX:
			i.setIndex(t)

		case bytecode.ITER_NEW:
			i.iterNew(t)
		case bytecode.ITER_NEXT:
			i.iterNext(t)
		case bytecode.ITER_DONE:
			t.pop()
			t.push(value.NullValue())

		case bytecode.NEW_ACC:
			i.accs = append(i.accs, accumulator{op: bytecode.AggOp(operand)})
		case bytecode.ACC_FOLD:
			i.accFold(t, t.pop())
		case bytecode.PUSH_ACC:
			t.push(i.accResult(t))

		case bytecode.THROW:
			i.throwValue(t, t.pop())
		case bytecode.BEGIN_TRY:
			t.regions = append(t.regions, region{
				depth:   len(t.frames),
				handler: operand,
				savedSP: len(t.stack),
			})

		case bytecode.AWAIT:
			i.await(t)
		case bytecode.YIELD:
			if t.cancelled {
				t.cancelled = false
				i.raise(t, diag.RuntimeCancelled, "task cancelled")
				continue
			}
			i.sched.enqueue(t)
			return

		case bytecode.HALT:
			var res value.Value
			if len(t.stack) > 0 {
				res = t.pop()
			} else {
				res = value.NullValue()
			}
			t.halted = true
			i.teardown(t)
			i.sched.complete(t, res)

		case bytecode.INT:
			if i.trace != nil {
				fmt.Fprintf(i.trace, "INT %d @pc=%d\n", operand, pc)
			}
		case bytecode.SYSCALL:
			i.callHost(t, bytecode.HostUserBase+operand)
		case bytecode.CALL_HOST:
			i.callHost(t, operand)
		case bytecode.ASM_EXEC:
			i.execFragment(t, operand)

		default:
			panic(errors.Errorf("unimplemented opcode %s at pc=%d", op, pc))
		}

		if t.waitingOn != nil {
			return // suspended at an await
		}
	}
}

// callFunction pushes a frame for function fnIdx, or spawns a coroutine
// when the callee is async.
// receiver is non-nil for bound-method invocation; env carries a closure's
// captured cells.
func (i *Instance) callFunction(t *task, fnIdx int, receiver *value.Value, env []*value.Value) {
	if fnIdx < 0 || fnIdx >= len(i.prog.Functions) {
		i.raise(t, diag.RuntimeTypeMismatch, "call of unknown function index %d", fnIdx)
		return
	}
	fn := &i.prog.Functions[fnIdx]
	if fn.IsMethod && receiver == nil {
		i.raise(t, diag.RuntimeTypeMismatch, "method %s requires a receiver", fn.Name)
		return
	}
	if len(t.frames) >= i.maxDepth {
		i.raise(t, diag.RuntimeStackOverflow, "call depth exceeds %d frames", i.maxDepth)
		return
	}
	argc := fn.ParameterCount
	if len(t.stack) < argc {
		panic(errors.Errorf("call of %s with stack depth %d < %d args", fn.Name, len(t.stack), argc))
	}
	base := len(t.stack) - argc
	nlocals := fn.LocalCount
	slot := 0
	if fn.IsMethod {
		slot = 1
	}
	if nlocals < argc+slot {
		nlocals = argc + slot
	}
	locals := make([]value.Value, nlocals)
	if fn.IsMethod {
		locals[0] = *receiver
	}
	copy(locals[slot:], t.stack[base:])
	t.stack = t.stack[:base]

	fr := &frame{
		fnIdx:      fnIdx,
		returnAddr: t.pc,
		base:       len(t.stack),
		locals:     locals,
		upvals:     env,
	}
	if fn.IsAsync {
		spawned := i.sched.newTask(fn.EntryOffset, fr)
		fr.returnAddr = -1
		i.sched.enqueue(spawned)
		t.push(i.heap.NewForeign(spawned))
		return
	}
	t.frames = append(t.frames, fr)
	t.pc = fn.EntryOffset
}

// returnFromFrame implements RET: the return
// value is top-of-stack unless the stack is back at the frame base, in
// which case it is null.
func (i *Instance) returnFromFrame(t *task) {
	fr := t.top()
	var rv value.Value
	if len(t.stack) > fr.base {
		rv = t.pop()
	} else {
		rv = value.NullValue()
	}
	t.stack = t.stack[:fr.base]
	ret := fr.returnAddr
	i.popFrameFinalize(t)
	if len(t.frames) == 0 || ret < 0 {
		i.teardown(t)
		i.sched.complete(t, rv)
		return
	}
	t.push(rv)
	t.pc = ret
}

// await implements the AWAIT opcode: cancellation is delivered at this
// suspension point; awaiting a completed task consumes its value
// synchronously, a pending one suspends this coroutine.
func (i *Instance) await(t *task) {
	if t.cancelled {
		t.pop()
		t.cancelled = false
		i.raise(t, diag.RuntimeCancelled, "task cancelled")
		return
	}
	v := t.pop()
	at, ok := i.taskOf(v)
	if !ok {
		// awaiting a plain value completes immediately with that value.
		t.push(v)
		return
	}
	if at.done {
		if at.hasExc {
			i.throwValue(t, at.excValue)
			return
		}
		t.push(at.result)
		return
	}
	t.awaited = at
	t.waitingOn = at
	at.waiters = append(at.waiters, t)
}

func (i *Instance) truthy(v value.Value) bool {
	switch v.Tag() {
	case value.Null:
		return false
	case value.Bool:
		return v.Bool()
	case value.Int:
		return v.Int() != 0
	case value.Float:
		return v.Float() != 0
	case value.String:
		return v.Str() != ""
	default:
		return true
	}
}

// binaryArith dispatches the polymorphic arithmetic opcodes on operand
// tags: numbers promote, strings and lists concatenate under ADD,
// everything else is a TypeMismatch.
func (i *Instance) binaryArith(t *task, op bytecode.Op, a, b value.Value) {
	if a.IsNull() || b.IsNull() {
		i.raise(t, diag.RuntimeNullReference, "arithmetic on null")
		return
	}
	if op == bytecode.ADD {
		if a.Tag() == value.String || b.Tag() == value.String {
			t.push(value.StrValue(value.Format(a, i.heap.Describe) + value.Format(b, i.heap.Describe)))
			return
		}
		if a.Tag() == value.List && b.Tag() == value.List {
			joined := append(append([]value.Value{}, i.heap.List(a)...), i.heap.List(b)...)
			t.push(i.heap.NewList(joined))
			return
		}
	}
	if op == bytecode.MOD && (a.Tag() == value.Float || b.Tag() == value.Float) {
		t.push(value.FloatValue(math.Mod(a.AsFloat(), b.AsFloat())))
		return
	}
	if !isNumber(a) || !isNumber(b) {
		i.raise(t, diag.RuntimeTypeMismatch, "cannot apply %s to %s and %s", op, a.TypeName(), b.TypeName())
		return
	}
	var sym string
	switch op {
	case bytecode.ADD:
		sym = "+"
	case bytecode.SUB:
		sym = "-"
	case bytecode.MUL, bytecode.IMUL:
		sym = "*"
	case bytecode.DIV, bytecode.IDIV:
		sym = "/"
	case bytecode.MOD:
		sym = "%"
	}
	v, err := value.Promote(sym, a, b)
	if err != nil {
		msg := err.Error()
		switch {
		case msg == "divide by zero":
			i.raise(t, diag.RuntimeDivideByZero, "division by zero")
		case len(msg) >= 13 && msg[:13] == "unit mismatch":
			i.raise(t, diag.RuntimeUnitMismatch, "%s", msg)
		default:
			i.raise(t, diag.RuntimeTypeMismatch, "%s", msg)
		}
		return
	}
	t.push(v)
}

func isNumber(v value.Value) bool {
	return v.Tag() == value.Int || v.Tag() == value.Float
}

func (i *Instance) binaryBits(t *task, op bytecode.Op, a, b value.Value) {
	if a.Tag() == value.Bool && b.Tag() == value.Bool {
		x, y := a.Bool(), b.Bool()
		switch op {
		case bytecode.AND:
			t.push(value.BoolValue(x && y))
		case bytecode.OR:
			t.push(value.BoolValue(x || y))
		case bytecode.XOR:
			t.push(value.BoolValue(x != y))
		default:
			i.raise(t, diag.RuntimeTypeMismatch, "cannot shift booleans")
		}
		return
	}
	if a.Tag() != value.Int || b.Tag() != value.Int {
		i.raise(t, diag.RuntimeTypeMismatch, "bitwise %s needs integers, got %s and %s", op, a.TypeName(), b.TypeName())
		return
	}
	x, y := a.Int(), b.Int()
	sh := uint64(y) & 63
	switch op {
	case bytecode.AND:
		t.push(value.IntValue(x & y))
	case bytecode.OR:
		t.push(value.IntValue(x | y))
	case bytecode.XOR:
		t.push(value.IntValue(x ^ y))
	case bytecode.SHL:
		t.push(value.IntValue(int64(uint64(x) << sh)))
	case bytecode.SHR:
		t.push(value.IntValue(int64(uint64(x) >> sh)))
	case bytecode.SAR:
		t.push(value.IntValue(x >> sh))
	case bytecode.ROL:
		t.push(value.IntValue(int64(uint64(x)<<sh | uint64(x)>>(64-sh))))
	case bytecode.ROR:
		t.push(value.IntValue(int64(uint64(x)>>sh | uint64(x)<<(64-sh))))
	}
}

func (i *Instance) binaryCompare(t *task, op bytecode.Op, a, b value.Value) {
	switch op {
	case bytecode.EQ:
		t.push(value.BoolValue(i.deepEqual(a, b)))
		return
	case bytecode.NE:
		t.push(value.BoolValue(!i.deepEqual(a, b)))
		return
	}
	var lt, eq bool
	switch {
	case isNumber(a) && isNumber(b):
		x, y := a.AsFloat(), b.AsFloat()
		lt, eq = x < y, x == y
	case a.Tag() == value.String && b.Tag() == value.String:
		lt, eq = a.Str() < b.Str(), a.Str() == b.Str()
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "cannot order %s and %s", a.TypeName(), b.TypeName())
		return
	}
	switch op {
	case bytecode.LT:
		t.push(value.BoolValue(lt))
	case bytecode.GT:
		t.push(value.BoolValue(!lt && !eq))
	case bytecode.LE:
		t.push(value.BoolValue(lt || eq))
	case bytecode.GE:
		t.push(value.BoolValue(!lt))
	}
}

// deepEqual compares strings by content, lists and maps structurally and
// scalars by value; instances and other heap values compare by handle.
func (i *Instance) deepEqual(a, b value.Value) bool {
	if a.Tag() == value.List && b.Tag() == value.List {
		la, lb := i.heap.List(a), i.heap.List(b)
		if len(la) != len(lb) {
			return false
		}
		for k := range la {
			if !i.deepEqual(la[k], lb[k]) {
				return false
			}
		}
		return true
	}
	if a.Tag() == value.Map && b.Tag() == value.Map {
		ka, kb := i.heap.MapKeys(a), i.heap.MapKeys(b)
		if len(ka) != len(kb) {
			return false
		}
		for _, k := range ka {
			va, _ := i.heap.MapGet(a, k)
			vb, ok := i.heap.MapGet(b, k)
			if !ok || !i.deepEqual(va, vb) {
				return false
			}
		}
		return true
	}
	return a.Equal(b)
}

func (i *Instance) setFlags(t *task, a, b value.Value) {
	if isNumber(a) && isNumber(b) && (a.Tag() == value.Float || b.Tag() == value.Float) {
		x, y := a.AsFloat(), b.AsFloat()
		i.flags = condFlags{zf: x == y, sf: x < y, cf: x < y}
		return
	}
	x, y := a.Int(), b.Int()
	diff := int64(uint64(x) - uint64(y))
	i.flags = condFlags{
		zf: x == y,
		sf: diff < 0,
		cf: uint64(x) < uint64(y),
		of: (x >= 0 && y < 0 && diff < 0) || (x < 0 && y >= 0 && diff >= 0),
	}
}

// ---- heap opcodes ----

func (i *Instance) newInstance(t *task, typeName string) {
	var fieldNames []string
	if ci, ok := i.prog.Classes[typeName]; ok {
		fieldNames = ci.FieldNames
	} else if si, ok := i.prog.Structs[typeName]; ok {
		fieldNames = si.FieldNames
	} else {
		i.raise(t, diag.RuntimeTypeMismatch, "unknown type %q", typeName)
		return
	}
	fields := make(map[string]value.Value, len(fieldNames))
	for k := len(fieldNames) - 1; k >= 0; k-- {
		fields[fieldNames[k]] = t.pop()
	}
	t.push(i.heap.NewInstance(i.classIDs[typeName], fields))
}

func (i *Instance) getField(t *task, name string) {
	base := t.pop()
	switch base.Tag() {
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "member access %q on null", name)
	case value.Instance:
		if v, ok := i.heap.FieldGet(base, name); ok {
			t.push(v)
			return
		}
		if ci := i.classOf(i.heap.InstanceClass(base)); ci != nil {
			for cur := ci; cur != nil; {
				if fnIdx, ok := cur.Methods[name]; ok {
					t.push(i.heap.NewBoundMethod(base, fnIdx))
					return
				}
				cur = i.prog.Classes[cur.Extends]
			}
		}
		i.raise(t, diag.RuntimeTypeMismatch, "%s has no field %q", i.instanceClassName(base), name)
	case value.Struct:
		if v, ok := i.heap.FieldGet(base, name); ok {
			t.push(v)
			return
		}
		i.raise(t, diag.RuntimeTypeMismatch, "struct has no field %q", name)
	case value.Map:
		if v, ok := i.heap.MapGet(base, value.StrValue(name)); ok {
			t.push(v)
			return
		}
		t.push(value.NullValue())
	case value.String:
		if name == "length" {
			t.push(value.IntValue(int64(len(base.Str()))))
			return
		}
		i.raise(t, diag.RuntimeTypeMismatch, "string has no field %q", name)
	case value.List:
		if name == "length" {
			t.push(value.IntValue(int64(len(i.heap.List(base)))))
			return
		}
		i.raise(t, diag.RuntimeTypeMismatch, "list has no field %q", name)
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "member access %q on %s", name, base.TypeName())
	}
}

func (i *Instance) setField(t *task, name string) {
	val := t.pop()
	base := t.pop()
	switch base.Tag() {
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "member assignment %q on null", name)
		return
	case value.Instance, value.Struct:
		i.heap.FieldSet(base, name, val)
	case value.Map:
		i.heap.MapSet(base, value.StrValue(name), val)
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "member assignment %q on %s", name, base.TypeName())
		return
	}
	t.push(val)
}

func (i *Instance) getIndex(t *task) {
	idx := t.pop()
	base := t.pop()
	switch base.Tag() {
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "index access on null")
	case value.List:
		v, ok := i.heap.ListGet(base, int(idx.Int()))
		if !ok {
			i.raise(t, diag.RuntimeIndexOutOfRange, "list index %d out of range [0,%d)", idx.Int(), len(i.heap.List(base)))
			return
		}
		t.push(v)
	case value.Map:
		if v, ok := i.heap.MapGet(base, idx); ok {
			t.push(v)
			return
		}
		t.push(value.NullValue())
	case value.String:
		s := base.Str()
		k := int(idx.Int())
		if k < 0 || k >= len(s) {
			i.raise(t, diag.RuntimeIndexOutOfRange, "string index %d out of range [0,%d)", k, len(s))
			return
		}
		t.push(value.StrValue(s[k : k+1]))
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "cannot index %s", base.TypeName())
	}
}

func (i *Instance) setIndex(t *task) {
	val := t.pop()
	idx := t.pop()
	base := t.pop()
	switch base.Tag() {
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "index assignment on null")
		return
	case value.List:
		if !i.heap.ListSet(base, int(idx.Int()), val) {
			i.raise(t, diag.RuntimeIndexOutOfRange, "list index %d out of range [0,%d)", idx.Int(), len(i.heap.List(base)))
			return
		}
	case value.Map:
		i.heap.MapSet(base, idx, val)
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "cannot index-assign %s", base.TypeName())
		return
	}
	t.push(val)
}

// ---- iteration ----

type iterState struct {
	items []value.Value
	pos   int
}

func (i *Instance) iterNew(t *task) {
	coll := t.pop()
	var items []value.Value
	switch coll.Tag() {
	case value.List:
		items = append(items, i.heap.List(coll)...)
	case value.Map:
		items = append(items, i.heap.MapKeys(coll)...)
	case value.String:
		for _, r := range coll.Str() {
			items = append(items, value.StrValue(string(r)))
		}
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "iteration over null")
		return
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "cannot iterate %s", coll.TypeName())
		return
	}
	t.push(i.heap.NewForeign(&iterState{items: items}))
}

// iterNext pushes the next element plus done=false, or only done=true once
// the iterator is exhausted, so both loop paths leave the stack balanced.
func (i *Instance) iterNext(t *task) {
	it := t.pop()
	st, ok := i.heap.Foreign(it).(*iterState)
	if !ok {
		i.raise(t, diag.RuntimeTypeMismatch, "ITER_NEXT on non-iterator")
		return
	}
	if st.pos >= len(st.items) {
		t.push(value.BoolValue(true))
		return
	}
	t.push(st.items[st.pos])
	st.pos++
	t.push(value.BoolValue(false))
}

// ---- aggregation ----

type accumulator struct {
	op    bytecode.AggOp
	count int
	total value.Value
	set   bool
}

func (i *Instance) accFold(t *task, v value.Value) {
	if len(i.accs) == 0 {
		panic(errors.New("ACC_FOLD without accumulator"))
	}
	acc := &i.accs[len(i.accs)-1]
	acc.count++
	if !acc.set {
		acc.total, acc.set = v, true
		return
	}
	var err error
	switch acc.op {
	case bytecode.AggSum, bytecode.AggAverage:
		acc.total, err = value.Promote("+", acc.total, v)
	case bytecode.AggProduct:
		acc.total, err = value.Promote("*", acc.total, v)
	case bytecode.AggMin:
		if v.AsFloat() < acc.total.AsFloat() {
			acc.total = v
		}
	case bytecode.AggMax:
		if v.AsFloat() > acc.total.AsFloat() {
			acc.total = v
		}
	}
	if err != nil {
		i.raise(t, diag.RuntimeTypeMismatch, "aggregate: %v", err)
	}
}

func (i *Instance) accResult(t *task) value.Value {
	acc := i.accs[len(i.accs)-1]
	i.accs = i.accs[:len(i.accs)-1]
	if !acc.set {
		switch acc.op {
		case bytecode.AggSum:
			return value.IntValue(0)
		case bytecode.AggProduct:
			return value.IntValue(1)
		default:
			return value.NullValue()
		}
	}
	if acc.op == bytecode.AggAverage {
		return value.FloatValue(acc.total.AsFloat() / float64(acc.count))
	}
	return acc.total
}

func memWidth(op bytecode.Op) int {
	switch op {
	case bytecode.LOAD_BYTE, bytecode.STORE_BYTE:
		return 1
	case bytecode.LOAD_WORD, bytecode.STORE_WORD:
		return 2
	case bytecode.LOAD_DWORD, bytecode.STORE_DWORD:
		return 4
	default:
		return 8
	}
}

func (i *Instance) addrOf(v value.Value) int64 {
	if v.Tag() == value.Pointer {
		return i.heap.PointerAddr(v)
	}
	return v.Int()
}
