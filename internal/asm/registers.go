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

// Package asm implements the embedded two-pass assembler
// that turns the raw text of an `@asm { ... }` block into a bytecode
// fragment internal/bytecode splices into the surrounding function.
//
// A two-pass design: the first pass sizes instructions and collects label
// addresses (forward references reserve patch sites), the second resolves
// every reference. Operands are tag-prefixed so the fragment stream is
// self-describing.
package asm

// RegisterCount is the size of the VM's architectural register file.
const RegisterCount = 12

// Canonical register indices. This table is the single source of truth
// consumed by both the assembler (mnemonic aliasing) and internal/vm's
// register accessors "Inline assembly <-> VM register mapping".
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	SP
	FP
	PC
	ACC
)

var RegisterNames = [RegisterCount]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "sp", "fp", "pc", "acc",
}

// x86Aliases maps common x86 register mnemonics onto the 12-register file.
// Multiple x86 names (32/64-bit, high/low byte forms) alias the same VM
// register since the VM register file has no sub-register width.
var x86Aliases = map[string]int{
	"eax": R0, "rax": R0, "ax": R0, "al": R0, "ah": R0,
	"ebx": R1, "rbx": R1, "bx": R1, "bl": R1, "bh": R1,
	"ecx": R2, "rcx": R2, "cx": R2, "cl": R2, "ch": R2,
	"edx": R3, "rdx": R3, "dx": R3, "dl": R3, "dh": R3,
	"esi": R4, "rsi": R4, "si": R4,
	"edi": R5, "rdi": R5, "di": R5,
	"r8": R6, "r8d": R6, "r9": R7, "r9d": R7,
	"esp": SP, "rsp": SP, "sp": SP,
	"ebp": FP, "rbp": FP, "fp": FP,
	"eip": PC, "rip": PC, "pc": PC,
	"acc": ACC,
}

// registerIndex resolves a register mnemonic (native r0..acc spelling or an
// x86 alias) to its VM register index. ok is false if name is not a register.
func registerIndex(name string) (int, bool) {
	if idx, ok := x86Aliases[name]; ok {
		return idx, true
	}
	for i, n := range RegisterNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}
