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

package value

import "fmt"

// object is the payload behind a heap Handle. Exactly one of the typed
// fields is meaningful, selected by Tag.
type object struct {
	tag      Tag
	refs     int
	list     []Value
	keys     []Value // Map: insertion-ordered keys
	vals     []Value // Map: values parallel to keys
	fields   map[string]Value
	classID  int    // Instance
	funcIdx  int    // Func
	receiver Value  // BoundMethod
	target   Handle // Pointer: handle of pointee, or the raw address for low-register typed-pointers
	addr     int64  // Pointer: a raw memory address when not pointing at a heap object
	foreign  interface{}
}

// Heap owns every heap-allocated Value payload for one VM instance. It uses
// reference counting with an explicit cycle sweep "reference
// counts with explicit cycle detection, or mark-sweep" choice.
type Heap struct {
	objs []*object // index 0 unused so Handle zero stays invalid
}

func NewHeap() *Heap {
	return &Heap{objs: []*object{nil}}
}

func (h *Heap) alloc(o *object) Handle {
	o.refs = 1
	h.objs = append(h.objs, o)
	return Handle(len(h.objs) - 1)
}

func (h *Heap) obj(handle Handle) *object {
	return h.objs[handle]
}

// NewList allocates a growable list.
func (h *Heap) NewList(elems []Value) Value {
	return HandleValue(List, h.alloc(&object{tag: List, list: append([]Value(nil), elems...)}))
}

// NewMap allocates an insertion-ordered map.
func (h *Heap) NewMap() Value {
	return HandleValue(Map, h.alloc(&object{tag: Map}))
}

// NewStruct allocates a fixed-shape record.
func (h *Heap) NewStruct(fields map[string]Value) Value {
	return HandleValue(Struct, h.alloc(&object{tag: Struct, fields: fields}))
}

// NewInstance allocates a class instance.
func (h *Heap) NewInstance(classID int, fields map[string]Value) Value {
	return HandleValue(Instance, h.alloc(&object{tag: Instance, classID: classID, fields: fields}))
}

// NewFunc allocates a function-reference value pointing at function table
// index fnIdx.
func (h *Heap) NewFunc(fnIdx int) Value {
	return HandleValue(Func, h.alloc(&object{tag: Func, funcIdx: fnIdx}))
}

// NewBoundMethod binds receiver to function fnIdx.
func (h *Heap) NewBoundMethod(receiver Value, fnIdx int) Value {
	return HandleValue(BoundMethod, h.alloc(&object{tag: BoundMethod, funcIdx: fnIdx, receiver: receiver}))
}

// NewForeign wraps an opaque host value.
func (h *Heap) NewForeign(v interface{}) Value {
	return HandleValue(Foreign, h.alloc(&object{tag: Foreign, foreign: v}))
}

// NewPointer allocates a low-register typed pointer at a raw address.
func (h *Heap) NewPointer(addr int64) Value {
	return HandleValue(Pointer, h.alloc(&object{tag: Pointer, addr: addr}))
}

func (h *Heap) List(v Value) []Value {
	return h.obj(v.handle).list
}

func (h *Heap) ListAppend(v Value, elem Value) {
	o := h.obj(v.handle)
	o.list = append(o.list, elem)
}

func (h *Heap) ListGet(v Value, idx int) (Value, bool) {
	o := h.obj(v.handle)
	if idx < 0 || idx >= len(o.list) {
		return Value{}, false
	}
	return o.list[idx], true
}

func (h *Heap) ListSet(v Value, idx int, elem Value) bool {
	o := h.obj(v.handle)
	if idx < 0 || idx >= len(o.list) {
		return false
	}
	o.list[idx] = elem
	return true
}

func (h *Heap) MapGet(v Value, key Value) (Value, bool) {
	o := h.obj(v.handle)
	for i, k := range o.keys {
		if k.Equal(key) {
			return o.vals[i], true
		}
	}
	return Value{}, false
}

func (h *Heap) MapSet(v Value, key, val Value) {
	o := h.obj(v.handle)
	for i, k := range o.keys {
		if k.Equal(key) {
			o.vals[i] = val
			return
		}
	}
	o.keys = append(o.keys, key)
	o.vals = append(o.vals, val)
}

func (h *Heap) MapKeys(v Value) []Value { return h.obj(v.handle).keys }

func (h *Heap) FieldGet(v Value, name string) (Value, bool) {
	o := h.obj(v.handle)
	val, ok := o.fields[name]
	return val, ok
}

func (h *Heap) FieldSet(v Value, name string, val Value) {
	o := h.obj(v.handle)
	if o.fields == nil {
		o.fields = make(map[string]Value)
	}
	o.fields[name] = val
}

func (h *Heap) FuncIndex(v Value) int  { return h.obj(v.handle).funcIdx }

// InstanceClass returns the class id an Instance was allocated with, or -1
// for non-instance handles.
func (h *Heap) InstanceClass(v Value) int {
	if v.tag != Instance {
		return -1
	}
	return h.obj(v.handle).classID
}

func (h *Heap) Receiver(v Value) Value { return h.obj(v.handle).receiver }
func (h *Heap) Foreign(v Value) interface{} { return h.obj(v.handle).foreign }
func (h *Heap) PointerAddr(v Value) int64   { return h.obj(v.handle).addr }

// Retain/Release implement the refcount half of heap ownership
// model. Release returning true means the object's count reached zero and it
// is eligible for reclamation by CollectCycles.
func (h *Heap) Retain(v Value) {
	if o := h.handleObj(v); o != nil {
		o.refs++
	}
}

func (h *Heap) Release(v Value) bool {
	o := h.handleObj(v)
	if o == nil {
		return false
	}
	o.refs--
	return o.refs <= 0
}

func (h *Heap) handleObj(v Value) *object {
	switch v.tag {
	case List, Map, Struct, Instance, Func, BoundMethod, Foreign, Pointer:
		if int(v.handle) < len(h.objs) {
			return h.objs[v.handle]
		}
	}
	return nil
}

// CollectCycles walks every live handle reachable from roots and drops
// objects with refs<=0 that are not reachable, breaking reference cycles
// that plain refcounting cannot free. It is intentionally a simple
// stop-the-world mark phase.
func (h *Heap) CollectCycles(roots []Value) {
	reachable := make(map[Handle]bool)
	var mark func(Value)
	mark = func(v Value) {
		o := h.handleObj(v)
		if o == nil {
			return
		}
		var handle Handle
		for hh, obj := range h.objs {
			if obj == o {
				handle = Handle(hh)
				break
			}
		}
		if reachable[handle] {
			return
		}
		reachable[handle] = true
		for _, e := range o.list {
			mark(e)
		}
		for _, e := range o.vals {
			mark(e)
		}
		for _, e := range o.fields {
			mark(e)
		}
		if o.tag == BoundMethod {
			mark(o.receiver)
		}
	}
	for _, r := range roots {
		mark(r)
	}
	for i, o := range h.objs {
		if o == nil {
			continue
		}
		if o.refs <= 0 && !reachable[Handle(i)] {
			h.objs[i] = nil
		}
	}
}

func (h *Heap) Describe(handle Handle) string {
	if int(handle) >= len(h.objs) || h.objs[handle] == nil {
		return "<freed>"
	}
	o := h.objs[handle]
	switch o.tag {
	case List:
		parts := make([]string, len(o.list))
		for i, e := range o.list {
			parts[i] = Format(e, h.Describe)
		}
		return JoinList(parts)
	case Map:
		return fmt.Sprintf("<map#%d len=%d>", handle, len(o.keys))
	case Instance:
		return fmt.Sprintf("<instance#%d class=%d>", handle, o.classID)
	case Func:
		return fmt.Sprintf("<fn#%d>", o.funcIdx)
	default:
		return fmt.Sprintf("<%s#%d>", o.tag, handle)
	}
}
