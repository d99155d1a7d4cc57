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

import (
	"math"
	"testing"
)

func TestPromoteIntStaysInt(t *testing.T) {
	v, err := Promote("+", IntValue(2), IntValue(3))
	if err != nil || v.Tag() != Int || v.Int() != 5 {
		t.Fatalf("2+3 = %v (%v)", v, err)
	}
}

func TestPromoteIntWithFloatWidens(t *testing.T) {
	v, err := Promote("*", IntValue(2), FloatValue(1.5))
	if err != nil || v.Tag() != Float || v.Float() != 3.0 {
		t.Fatalf("2*1.5 = %v (%v)", v, err)
	}
}

func TestPromoteAdditionWraps(t *testing.T) {
	v, err := Promote("+", IntValue(math.MaxInt64), IntValue(1))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != math.MinInt64 {
		t.Fatalf("wrap = %d", v.Int())
	}
}

func TestPromoteMultiplicationWraps(t *testing.T) {
	v, err := Promote("*", IntValue(1<<62), IntValue(2))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != math.MinInt64 {
		t.Fatalf("wrap = %d", v.Int())
	}
}

func TestPromoteDivideByZero(t *testing.T) {
	if _, err := Promote("/", IntValue(1), IntValue(0)); err == nil {
		t.Fatal("int division by zero must error")
	}
	if _, err := Promote("%", IntValue(1), IntValue(0)); err == nil {
		t.Fatal("modulo by zero must error")
	}
}

func TestPromoteUnitRules(t *testing.T) {
	ms := Unit{Symbol: "m/s"}
	kg := Unit{Symbol: "kg"}
	v, err := Promote("+", UnitValue(FloatValue(1), ms), UnitValue(FloatValue(2), ms))
	if err != nil {
		t.Fatal(err)
	}
	if v.Unit() != ms {
		t.Fatalf("unit lost: %v", v.Unit())
	}
	if _, err := Promote("+", UnitValue(FloatValue(1), ms), UnitValue(FloatValue(2), kg)); err == nil {
		t.Fatal("mismatched units must error")
	}
}

func TestEqualCrossNumeric(t *testing.T) {
	if !IntValue(3).Equal(FloatValue(3.0)) {
		t.Fatal("3 != 3.0")
	}
	if IntValue(3).Equal(FloatValue(3.5)) {
		t.Fatal("3 == 3.5")
	}
}

func TestStringEqualityByContentRegardlessOfInterning(t *testing.T) {
	in := NewInterner()
	a := in.Intern("door")
	b := StrValue("do" + "or")
	if !a.Equal(b) {
		t.Fatal("content equality must not depend on interning")
	}
}

func TestHeapListIdentityAndMutation(t *testing.T) {
	h := NewHeap()
	l := h.NewList([]Value{IntValue(1)})
	alias := l // handles copy by value, identity preserved
	h.ListAppend(l, IntValue(2))
	if len(h.List(alias)) != 2 {
		t.Fatal("aliasing handle lost mutation")
	}
}

func TestHeapMapInsertionOrder(t *testing.T) {
	h := NewHeap()
	m := h.NewMap()
	h.MapSet(m, StrValue("b"), IntValue(1))
	h.MapSet(m, StrValue("a"), IntValue(2))
	h.MapSet(m, StrValue("b"), IntValue(3)) // update keeps original position
	keys := h.MapKeys(m)
	if len(keys) != 2 || keys[0].Str() != "b" || keys[1].Str() != "a" {
		t.Fatalf("key order = %v", keys)
	}
	v, _ := h.MapGet(m, StrValue("b"))
	if v.Int() != 3 {
		t.Fatalf("update lost: %v", v)
	}
}

func TestHeapCycleCollection(t *testing.T) {
	h := NewHeap()
	a := h.NewList(nil)
	b := h.NewList(nil)
	h.ListAppend(a, b)
	h.ListAppend(b, a) // cycle
	h.Release(a)
	h.Release(b)
	h.CollectCycles(nil)
	if h.Describe(a.Handle()) != "<freed>" {
		t.Fatal("unreachable cycle not collected")
	}

	keep := h.NewList(nil)
	other := h.NewList(nil)
	h.ListAppend(keep, other)
	h.Release(other)
	h.CollectCycles([]Value{keep})
	if h.Describe(other.Handle()) == "<freed>" {
		t.Fatal("reachable object collected")
	}
}

func TestFormatScalars(t *testing.T) {
	for _, tc := range []struct {
		v    Value
		want string
	}{
		{NullValue(), "null"},
		{BoolValue(true), "true"},
		{IntValue(-7), "-7"},
		{FloatValue(2.5), "2.5"},
		{StrValue("hi"), "hi"},
		{UnitValue(FloatValue(4.5), Unit{Symbol: "m/s"}), "4.5 m/s"},
	} {
		if got := Format(tc.v, nil); got != tc.want {
			t.Fatalf("Format(%v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

func TestFloatRawRoundTrip(t *testing.T) {
	orig := FloatValue(math.Pi)
	bits := uint64(orig.Int())
	if FloatRaw(bits).Float() != math.Pi {
		t.Fatal("bit pattern round trip failed")
	}
}
