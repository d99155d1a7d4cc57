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
	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// ForeignFn is a host-side callable wrapped in a Foreign value. The module
// loader uses it to export a module's functions across VM instances: the
// exported value, when invoked by an importer, runs the function inside the
// exporting module's own instance so function-table indices never cross
// program boundaries.
type ForeignFn struct {
	Name  string
	Arity int
	Fn    HostFn
}

// Invoke runs function fnIdx to completion with the given arguments and
// returns its result. It drives the same scheduler as Run, so async callees
// and their awaiters still interleave deterministically; it must not be
// called while Run is executing.
func (i *Instance) Invoke(fnIdx int, args []value.Value) (value.Value, error) {
	if fnIdx < 0 || fnIdx >= len(i.prog.Functions) {
		return value.NullValue(), errors.Errorf("no function at index %d", fnIdx)
	}
	fn := i.prog.Functions[fnIdx]
	nlocals := fn.LocalCount
	if nlocals < len(args) {
		nlocals = len(args)
	}
	locals := make([]value.Value, nlocals)
	copy(locals, args)
	t := i.sched.newTask(fn.EntryOffset, &frame{fnIdx: fnIdx, returnAddr: -1, locals: locals})
	i.sched.enqueue(t)
	for !t.done {
		next := i.sched.dequeue()
		if next == nil {
			return value.NullValue(), errors.New("deadlock: every coroutine is suspended")
		}
		i.runTask(next)
	}
	if t.fail != nil {
		return value.NullValue(), t.fail
	}
	return t.result, i.out.Flush()
}

// ExportCallable wraps function fnIdx of this instance as a value an
// importing VM can call directly.
func (i *Instance) ExportCallable(fnIdx int) value.Value {
	fn := i.prog.Functions[fnIdx]
	ff := &ForeignFn{
		Name:  fn.Name,
		Arity: fn.ParameterCount,
		Fn: func(_ *Instance, args []value.Value) (value.Value, error) {
			return i.Invoke(fnIdx, args)
		},
	}
	return i.heap.NewForeign(ff)
}
