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
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// Verify checks the load-time bytecode invariants once, so the
// dispatch loop never re-validates: every instruction decodes, every jump
// lands on an instruction boundary, every constant and function index is in
// range, and the exception handler table is well-formed. Violations are
// reported as internal diagnostics since a verifier trip means a compiler
// bug or a corrupted container, not a user error.
func Verify(p *bytecode.Program) error {
	code := p.Bytecode
	boundaries := make(map[int]bool, len(code)/3)

	type jumpSite struct{ at, target int }
	var jumps []jumpSite

	off := 0
	for off < len(code) {
		boundaries[off] = true
		op, operand, next, ok := bytecode.ReadInstr(code, off)
		if !ok {
			return diag.Internal("verifier: undecodable instruction at offset %d", off)
		}
		switch op {
		case bytecode.PUSH:
			if operand >= len(p.Constants) {
				return diag.Internal("verifier: constant index %d out of range at offset %d", operand, off)
			}
		case bytecode.LOAD_GLOBAL, bytecode.STORE_GLOBAL,
			bytecode.GET_FIELD, bytecode.SET_FIELD, bytecode.NEW_INSTANCE:
			if operand >= len(p.Constants) {
				return diag.Internal("verifier: name index %d out of range at offset %d", operand, off)
			}
			if p.Constants[operand].Tag() != value.String {
				return diag.Internal("verifier: %s operand %d is not a string constant", op, operand)
			}
		case bytecode.CALL:
			if operand >= len(p.Functions) {
				return diag.Internal("verifier: function index %d out of range at offset %d", operand, off)
			}
		case bytecode.ASM_EXEC:
			if operand >= len(p.Constants) {
				return diag.Internal("verifier: fragment constant %d out of range at offset %d", operand, off)
			}
		}
		if bytecode.IsJump(op) {
			jumps = append(jumps, jumpSite{at: off, target: operand})
		}
		off = next
	}

	for _, j := range jumps {
		if j.target < 0 || j.target >= len(code) || !boundaries[j.target] {
			return diag.Internal("verifier: jump at offset %d targets %d, not an instruction boundary", j.at, j.target)
		}
	}
	for idx, fn := range p.Functions {
		if fn.EntryOffset < 0 || (fn.EntryOffset >= len(code) && len(code) > 0) || !boundaries[fn.EntryOffset] {
			return diag.Internal("verifier: function %d (%s) entry %d is not an instruction boundary", idx, fn.Name, fn.EntryOffset)
		}
	}
	for k, h := range p.Handlers {
		if h.TryStart >= h.TryEnd {
			return diag.Internal("verifier: handler %d has try_start %d >= try_end %d", k, h.TryStart, h.TryEnd)
		}
		if !boundaries[h.HandlerOffset] {
			return diag.Internal("verifier: handler %d offset %d is not an instruction boundary", k, h.HandlerOffset)
		}
		if h.FunctionIndex < 0 || h.FunctionIndex >= len(p.Functions) {
			return diag.Internal("verifier: handler %d names function %d out of range", k, h.FunctionIndex)
		}
	}
	return nil
}
