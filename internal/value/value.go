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

// Package value implements the tagged Value union shared by the bytecode
// emitter, module loader and virtual machine. Scalars are copied by value;
// heap-allocated variants (string payloads aside, which are immutable) are
// handles into a VM-owned arena so that observable object identity survives
// across copies.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tag identifies the active variant of a Value.
type Tag uint8

const (
	Null Tag = iota
	Bool
	Int
	Float
	String
	Bytes
	List
	Map
	Struct
	Instance
	Func
	BoundMethod
	Foreign
	Pointer
)

var tagNames = [...]string{
	Null: "null", Bool: "bool", Int: "int", Float: "float", String: "string",
	Bytes: "bytes", List: "list", Map: "map", Struct: "struct",
	Instance: "instance", Func: "function", BoundMethod: "bound-method",
	Foreign: "foreign", Pointer: "pointer",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", t)
}

// Unit is the dimensional tag attached to a unit-numeric Value.
// The empty Unit{} means "dimensionless".
type Unit struct {
	Symbol string // e.g. "m/s", "kg"
}

func (u Unit) IsZero() bool { return u.Symbol == "" }

// Value is the VM's universal runtime representation. Scalars live directly
// in num (or str for strings); heap variants store a Handle into a *Heap.
type Value struct {
	tag    Tag
	num    int64   // Int, Bool (0/1), and the bit pattern of Float (math.Float64bits)
	str    string  // String payload, interned by *Interner
	handle Handle  // List/Map/Struct/Instance/Func/BoundMethod/Foreign/Pointer
	unit   Unit
}

// Handle indexes into a Heap-owned arena. Zero is never a valid live handle.
type Handle uint32

func (v Value) Tag() Tag    { return v.tag }
func (v Value) Unit() Unit  { return v.unit }
func (v Value) IsNull() bool { return v.tag == Null }

func NullValue() Value { return Value{tag: Null} }

func BoolValue(b bool) Value {
	n := int64(0)
	if b {
		n = 1
	}
	return Value{tag: Bool, num: n}
}

func IntValue(n int64) Value { return Value{tag: Int, num: n} }

func FloatValue(f float64) Value { return Value{tag: Float, num: int64(math.Float64bits(f))} }

// FloatRaw rebuilds a Float from its IEEE-754 bit pattern, used by the
// container codec so persisted floats round-trip bit-exactly (NaN payloads
// included).
func FloatRaw(bits uint64) Value { return Value{tag: Float, num: int64(bits)} }

// UnitValue attaches a dimensional tag to an int or float Value.
func UnitValue(v Value, u Unit) Value { v.unit = u; return v }

// StrValue builds a String Value. Interning is performed by *Interner.Intern, not here;
// content equality is what Equal below implements regardless.
func StrValue(s string) Value { return Value{tag: String, str: s} }

func HandleValue(tag Tag, h Handle) Value { return Value{tag: tag, handle: h} }

func (v Value) Bool() bool     { return v.num != 0 }
func (v Value) Int() int64     { return v.num }
func (v Value) Float() float64 { return math.Float64frombits(uint64(v.num)) }
func (v Value) Str() string    { return v.str }
func (v Value) Handle() Handle { return v.handle }

// AsFloat widens an Int value to float64; Float values pass through.
func (v Value) AsFloat() float64 {
	if v.tag == Float {
		return v.Float()
	}
	return float64(v.num)
}

func (v Value) TypeName() string { return v.tag.String() }

// Equal implements equality rules: strings and numbers by content, heap
// variants (lists, maps, instances, ...) by handle, since Value alone cannot
// walk heap payloads; the VM's EQ/NE walk lists and maps structurally.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		// Int/Float cross-tag equality, per the number-promotion rule.
		if (v.tag == Int || v.tag == Float) && (o.tag == Int || o.tag == Float) {
			return v.AsFloat() == o.AsFloat()
		}
		return false
	}
	switch v.tag {
	case Null:
		return true
	case Bool, Int:
		return v.num == o.num
	case Float:
		return v.Float() == o.Float()
	case String:
		return v.str == o.str
	default:
		return v.handle == o.handle
	}
}

// Promote implements integer/float promotion and wraparound
// rules for the four basic arithmetic operators. Division and modulo raise
// DivideByZero via the returned error; callers translate that into a
// diag.Diagnostic at the call site (internal/vm owns source position).
func Promote(op string, a, b Value) (Value, error) {
	if a.IsNull() || b.IsNull() {
		return Value{}, errors.New("null operand")
	}
	if !a.unit.IsZero() || !b.unit.IsZero() {
		if a.unit != b.unit {
			return Value{}, errors.Errorf("unit mismatch: %s vs %s", a.unit.Symbol, b.unit.Symbol)
		}
	}
	useFloat := a.tag == Float || b.tag == Float
	if useFloat {
		x, y := a.AsFloat(), b.AsFloat()
		var r float64
		switch op {
		case "+":
			r = x + y
		case "-":
			r = x - y
		case "*":
			r = x * y
		case "/":
			if y == 0 {
				return Value{}, errors.New("divide by zero")
			}
			r = x / y
		default:
			return Value{}, errors.Errorf("unsupported float op %q", op)
		}
		out := FloatValue(r)
		out.unit = a.unit
		return out, nil
	}
	x, y := a.num, b.num
	var r int64
	switch op {
	case "+":
		r = int64(uint64(x) + uint64(y)) // wraps modulo 2^64
	case "-":
		r = int64(uint64(x) - uint64(y))
	case "*":
		r = int64(uint64(x) * uint64(y))
	case "/":
		if y == 0 {
			return Value{}, errors.New("divide by zero")
		}
		r = x / y
	case "%":
		if y == 0 {
			return Value{}, errors.New("divide by zero")
		}
		r = x % y
	default:
		return Value{}, errors.Errorf("unsupported int op %q", op)
	}
	out := IntValue(r)
	out.unit = a.unit
	return out, nil
}

// Interner deduplicates string payloads, matching "interned only
// as an optimisation" note: identity is never observable from guest code.
type Interner struct {
	seen map[string]string
}

func NewInterner() *Interner { return &Interner{seen: make(map[string]string)} }

func (in *Interner) Intern(s string) Value {
	if existing, ok := in.seen[s]; ok {
		return StrValue(existing)
	}
	in.seen[s] = s
	return StrValue(s)
}

// Format renders a Value for guest-visible string conversion (print, string
// interpolation) and diagnostic dumps.
func Format(v Value, derefHeap func(Handle) string) string {
	switch v.tag {
	case Null:
		return "null"
	case Bool:
		return strconv.FormatBool(v.Bool())
	case Int:
		s := strconv.FormatInt(v.Int(), 10)
		if !v.unit.IsZero() {
			return s + " " + v.unit.Symbol
		}
		return s
	case Float:
		s := strconv.FormatFloat(v.Float(), 'g', -1, 64)
		if !v.unit.IsZero() {
			return s + " " + v.unit.Symbol
		}
		return s
	case String:
		return v.str
	default:
		if derefHeap != nil {
			return derefHeap(v.handle)
		}
		return fmt.Sprintf("<%s#%d>", v.tag, v.handle)
	}
}

// JoinList is a small helper used by the heap's List formatter.
func JoinList(parts []string) string {
	return "[" + strings.Join(parts, ", ") + "]"
}
