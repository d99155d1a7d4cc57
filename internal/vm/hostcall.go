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
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/asm"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// hostError wraps a runtime subkind so a HostFn can raise a specific guest
// exception instead of a generic IOError.
type hostError struct {
	sub string
	msg string
}

func (e *hostError) Error() string { return e.msg }

// HostRaise builds an error that surfaces inside the guest as a runtime
// exception of the given subkind.
func HostRaise(sub, format string, args ...interface{}) error {
	return &hostError{sub: sub, msg: errors.Errorf(format, args...).Error()}
}

// callHost dispatches a CALL_HOST (or SYSCALL) slot. The invoke and
// make-function slots need frame internals and are handled inline; the rest
// run through the pluggable numbered-handler registry.
func (i *Instance) callHost(t *task, slot int) {
	switch slot {
	case bytecode.HostInvoke:
		i.invokeCallable(t)
		return
	case bytecode.HostMakeFunc:
		i.makeClosure(t)
		return
	}
	entry, ok := i.hosts[slot]
	if !ok {
		i.raise(t, diag.RuntimeTypeMismatch, "no host intrinsic bound to slot %d", slot)
		return
	}
	if len(t.stack) < entry.arity {
		panic(errors.Errorf("host slot %d needs %d args, stack has %d", slot, entry.arity, len(t.stack)))
	}
	args := make([]value.Value, entry.arity)
	for k := entry.arity - 1; k >= 0; k-- {
		args[k] = t.pop()
	}
	res, err := entry.fn(i, args)
	if err != nil {
		if he, isHost := err.(*hostError); isHost {
			i.raise(t, he.sub, "%s", he.msg)
			return
		}
		i.raise(t, diag.RuntimeTypeMismatch, "host intrinsic %d: %v", slot, err)
		return
	}
	t.push(res)
}

// invokeCallable implements host slot 0: pop the callable value and call it
// over the arguments beneath it.
func (i *Instance) invokeCallable(t *task) {
	callee := t.pop()
	switch callee.Tag() {
	case value.Func:
		fnIdx := i.heap.FuncIndex(callee)
		env := i.closureEnv[callee.Handle()]
		i.callFunction(t, fnIdx, nil, env)
	case value.BoundMethod:
		receiver := i.heap.Receiver(callee)
		i.callFunction(t, i.heap.FuncIndex(callee), &receiver, nil)
	case value.Foreign:
		ff, ok := i.heap.Foreign(callee).(*ForeignFn)
		if !ok {
			i.raise(t, diag.RuntimeTypeMismatch, "foreign value is not callable")
			return
		}
		if len(t.stack) < ff.Arity {
			panic(errors.Errorf("callable %s needs %d args, stack has %d", ff.Name, ff.Arity, len(t.stack)))
		}
		args := make([]value.Value, ff.Arity)
		for k := ff.Arity - 1; k >= 0; k-- {
			args[k] = t.pop()
		}
		res, err := ff.Fn(i, args)
		if err != nil {
			i.raise(t, diag.RuntimeTypeMismatch, "call of %s: %v", ff.Name, err)
			return
		}
		t.push(res)
	case value.Null:
		i.raise(t, diag.RuntimeNullReference, "call of null")
	default:
		i.raise(t, diag.RuntimeTypeMismatch, "%s is not callable", callee.TypeName())
	}
}

// makeClosure implements host slot 1: pop a function-table index and push a
// Func value whose upvalue cells are captured from the current frame per
// the function's upvalue map.
func (i *Instance) makeClosure(t *task) {
	idxVal := t.pop()
	fnIdx := int(idxVal.Int())
	if fnIdx < 0 || fnIdx >= len(i.prog.Functions) {
		i.raise(t, diag.RuntimeTypeMismatch, "no function at index %d", fnIdx)
		return
	}
	fn := i.heap.NewFunc(fnIdx)
	refs := i.prog.Functions[fnIdx].UpvalueMap
	if len(refs) > 0 && len(t.frames) > 0 {
		fr := t.top()
		env := make([]*value.Value, len(refs))
		for k, ref := range refs {
			if ref.FromParentLocal {
				if ref.Index < len(fr.locals) {
					env[k] = &fr.locals[ref.Index]
				} else {
					cell := value.NullValue()
					env[k] = &cell
				}
			} else if ref.Index < len(fr.upvals) {
				env[k] = fr.upvals[ref.Index]
			} else {
				cell := value.NullValue()
				env[k] = &cell
			}
		}
		i.closureEnv[fn.Handle()] = env
	}
	t.push(fn)
}

// bindDefaultHosts installs the reserved intrinsic slots of
// bytecode/encoding.go.
func (i *Instance) bindDefaultHosts() {
	i.hosts[bytecode.HostPrint] = hostEntry{arity: 1, fn: hostPrint}
	i.hosts[bytecode.HostPow] = hostEntry{arity: 2, fn: hostPow}
	i.hosts[bytecode.HostReadLine] = hostEntry{arity: 0, fn: hostReadLine}
	i.hosts[bytecode.HostAsmReg] = hostEntry{arity: 1, fn: hostAsmReg}
	i.hosts[bytecode.HostLen] = hostEntry{arity: 1, fn: hostLen}
	i.hosts[bytecode.HostExcMatch] = hostEntry{arity: 1, fn: hostExcMatch}
	i.hosts[bytecode.HostSqrt] = hostEntry{arity: 1, fn: hostSqrt}
	i.hosts[bytecode.HostCancel] = hostEntry{arity: 1, fn: hostCancel}
}

func hostCancel(i *Instance, args []value.Value) (value.Value, error) {
	i.Cancel(args[0])
	return value.NullValue(), nil
}

// hostPrint receives the argument list the emitter wrapped with NEW_LIST,
// joins the rendered elements with spaces and appends a newline.
func hostPrint(i *Instance, args []value.Value) (value.Value, error) {
	var parts []string
	if args[0].Tag() == value.List {
		for _, v := range i.heap.List(args[0]) {
			parts = append(parts, value.Format(v, i.heap.Describe))
		}
	} else {
		parts = append(parts, value.Format(args[0], i.heap.Describe))
	}
	i.out.WriteString(strings.Join(parts, " "))
	i.out.WriteString("\n")
	return value.NullValue(), nil
}

func hostPow(i *Instance, args []value.Value) (value.Value, error) {
	base, exp := args[0], args[1]
	if base.Tag() == value.Int && exp.Tag() == value.Int && exp.Int() >= 0 {
		// integer exponentiation wraps like repeated MUL.
		r := uint64(1)
		b := uint64(base.Int())
		for n := exp.Int(); n > 0; n-- {
			r *= b
		}
		return value.IntValue(int64(r)), nil
	}
	if !isNumber(base) || !isNumber(exp) {
		return value.Value{}, HostRaise(diag.RuntimeTypeMismatch,
			"cannot exponentiate %s by %s", base.TypeName(), exp.TypeName())
	}
	return value.FloatValue(math.Pow(base.AsFloat(), exp.AsFloat())), nil
}

func hostReadLine(i *Instance, _ []value.Value) (value.Value, error) {
	line, err := i.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return value.Value{}, errors.Wrap(err, "read_line")
	}
	return value.StrValue(strings.TrimRight(line, "\r\n")), nil
}

// hostAsmReg is the reserved register-inspection intrinsic: it reads one
// of the 12 architectural registers left behind by an @asm block.
func hostAsmReg(i *Instance, args []value.Value) (value.Value, error) {
	n := int(args[0].Int())
	if n < 0 || n >= asm.RegisterCount {
		return value.Value{}, HostRaise(diag.RuntimeIndexOutOfRange,
			"register index %d out of range [0,%d)", n, asm.RegisterCount)
	}
	return value.IntValue(i.regs[n]), nil
}

func hostLen(i *Instance, args []value.Value) (value.Value, error) {
	v := args[0]
	switch v.Tag() {
	case value.String:
		return value.IntValue(int64(len(v.Str()))), nil
	case value.List:
		return value.IntValue(int64(len(i.heap.List(v)))), nil
	case value.Map:
		return value.IntValue(int64(len(i.heap.MapKeys(v)))), nil
	default:
		return value.Value{}, HostRaise(diag.RuntimeTypeMismatch, "len of %s", v.TypeName())
	}
}

// hostExcMatch drives the emitter's catch-clause dispatch: the exception
// stays beneath the popped type name and a match verdict is pushed.
func hostExcMatch(i *Instance, args []value.Value) (value.Value, error) {
	t := i.sched.current
	name := args[0].Str()
	exc := t.peek()
	return value.BoolValue(i.excMatches(exc, name)), nil
}

func hostSqrt(i *Instance, args []value.Value) (value.Value, error) {
	v := args[0]
	if !isNumber(v) {
		return value.Value{}, HostRaise(diag.RuntimeTypeMismatch, "sqrt of %s", v.TypeName())
	}
	return value.FloatValue(math.Sqrt(v.AsFloat())), nil
}
