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
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// frame is one call-frame record: return address, base pointer
// into the value stack, local slots, plus the captured upvalue cells of the
// callee and the scoped-resource finalisers 
type frame struct {
	fnIdx      int
	returnAddr int
	base       int
	locals     []value.Value
	upvals     []*value.Value
	finalizers []func() error
}

// region is one active protected region, pushed by BEGIN_TRY and popped by
// END_TRY or by the unwinder. savedSP restores the value stack to its depth
// at region entry before the handler runs.
type region struct {
	depth   int // frame-stack depth at BEGIN_TRY
	handler int
	savedSP int
}

// task is a coroutine: a continuation realised as a private value stack
// and frame stack plus a saved pc. The main program is task 0.
type task struct {
	id        int
	pc        int
	stack     []value.Value
	frames    []*frame
	regions   []region
	done      bool
	result    value.Value
	fail      *diag.Diagnostic // unhandled exception that killed the task
	excValue  value.Value      // the guest value that was thrown, for awaiters
	hasExc    bool
	cancelled bool // flag checked at the next suspension point
	waiters   []*task
	waitingOn *task
	awaited   *task // set while suspended; its result is delivered on resume
	halted    bool // main hit HALT
}

// scheduler round-robins ready tasks; it is single-threaded and runs a task
// until that task suspends, completes or fails.
type scheduler struct {
	i       *Instance
	ready   []*task
	current *task
	nextID  int
	tasks   map[int]*task
}

func newScheduler(i *Instance) *scheduler {
	return &scheduler{i: i, tasks: make(map[int]*task)}
}

func (s *scheduler) newTask(pc int, fr *frame) *task {
	t := &task{id: s.nextID, pc: pc}
	s.nextID++
	if fr != nil {
		t.frames = append(t.frames, fr)
	}
	s.tasks[t.id] = t
	return t
}

func (s *scheduler) enqueue(t *task) { s.ready = append(s.ready, t) }

func (s *scheduler) dequeue() *task {
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t
}

// complete marks t finished and wakes its waiters in FIFO order.
func (s *scheduler) complete(t *task, result value.Value) {
	t.done = true
	t.result = result
	for _, w := range t.waiters {
		w.waitingOn = nil
		s.enqueue(w)
	}
	t.waiters = nil
}

// fail marks t dead with an unhandled exception; awaiters re-raise it at
// their await site.
func (s *scheduler) fail(t *task, exc value.Value, d *diag.Diagnostic) {
	t.done = true
	t.fail = d
	t.excValue = exc
	t.hasExc = true
	for _, w := range t.waiters {
		w.waitingOn = nil
		s.enqueue(w)
	}
	t.waiters = nil
}

// Cancel sets the cancellation flag on the task behind v (a task value as
// returned by calling an async function). Already-completed tasks ignore
// cancellation.
func (i *Instance) Cancel(v value.Value) {
	if t, ok := i.taskOf(v); ok && !t.done {
		t.cancelled = true
	}
}

func (i *Instance) taskOf(v value.Value) (*task, bool) {
	if v.Tag() != value.Foreign {
		return nil, false
	}
	t, ok := i.heap.Foreign(v).(*task)
	return t, ok
}
