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

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/asm"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
)

// execFragment runs the assembled fragment stored behind constant constIdx
// (spliced by the emitter's ASM_EXEC lowering of an @asm block).
//
// Fragments execute against the shared 12-register file and the
// low-register arena; their effects persist in the Instance after the
// fragment halts, which is what lets the asm_reg intrinsic observe them.
// The fragment has its own small integer stack and its own program
// counter; `ret` with an empty call stack or `halt` ends it.
func (i *Instance) execFragment(t *task, constIdx int) {
	code := []byte(i.prog.Metadata[fragmentKey(constIdx)])
	if len(code) == 0 {
		i.raise(t, diag.RuntimeTypeMismatch, "no assembled fragment behind constant %d", constIdx)
		return
	}

	var stack [fragmentStackCap]int64
	sp := 0
	var calls []int
	push := func(v int64) {
		if sp >= len(stack) {
			panic(fmt.Errorf("fragment stack overflow"))
		}
		stack[sp] = v
		sp++
	}
	pop := func() int64 {
		if sp == 0 {
			return 0
		}
		sp--
		return stack[sp]
	}

	// operand accessors over the self-describing tag encoding of
	// internal/asm.
	rd := func(op asm.Operand) int64 {
		switch op.Tag {
		case asm.TagReg:
			return i.regs[op.Reg]
		case asm.TagImm, asm.TagLabelAbs, asm.TagLabelRel:
			return op.Imm
		case asm.TagMem:
			v, err := i.memLoad(i.effAddr(op), 8)
			if err != nil {
				panic(err)
			}
			return v
		}
		return 0
	}
	wr := func(op asm.Operand, v int64) {
		switch op.Tag {
		case asm.TagReg:
			i.regs[op.Reg] = v
		case asm.TagMem:
			if err := i.memStore(i.effAddr(op), 8, v); err != nil {
				panic(err)
			}
		}
	}
	target := func(ins asm.Instr, op asm.Operand) int {
		if op.Tag == asm.TagLabelRel {
			return ins.Offset + int(op.Imm)
		}
		return int(op.Imm)
	}

	pc := 0
	for pc < len(code) {
		ins, next := asm.Decode(code, pc)
		i.insCount++
		ops := ins.Operands
		jump := -1

		switch ins.Opcode {
		case asm.OpNop:
		case asm.OpHalt:
			return
		case asm.OpInt, asm.OpSyscall:
			if i.trace != nil && len(ops) > 0 {
				fmt.Fprintf(i.trace, "asm int/syscall %d\n", rd(ops[0]))
			}
		case asm.OpPush:
			push(rd(ops[0]))
		case asm.OpPop:
			wr(ops[0], pop())
		case asm.OpAdd:
			wr(ops[0], int64(uint64(rd(ops[0]))+uint64(rd(ops[1]))))
		case asm.OpSub:
			wr(ops[0], int64(uint64(rd(ops[0]))-uint64(rd(ops[1]))))
		case asm.OpMul, asm.OpIMul:
			wr(ops[0], int64(uint64(rd(ops[0]))*uint64(rd(ops[1]))))
		case asm.OpDiv, asm.OpIDiv:
			d := rd(ops[1])
			if d == 0 {
				i.raise(t, diag.RuntimeDivideByZero, "division by zero in @asm block")
				return
			}
			if ins.Opcode == asm.OpDiv {
				wr(ops[0], int64(uint64(rd(ops[0]))/uint64(d)))
			} else {
				wr(ops[0], rd(ops[0])/d)
			}
		case asm.OpAnd:
			wr(ops[0], rd(ops[0])&rd(ops[1]))
		case asm.OpOr:
			wr(ops[0], rd(ops[0])|rd(ops[1]))
		case asm.OpXor:
			wr(ops[0], rd(ops[0])^rd(ops[1]))
		case asm.OpNot:
			wr(ops[0], ^rd(ops[0]))
		case asm.OpNeg:
			wr(ops[0], int64(-uint64(rd(ops[0]))))
		case asm.OpShl:
			wr(ops[0], int64(uint64(rd(ops[0]))<<(uint64(rd(ops[1]))&63)))
		case asm.OpShr:
			wr(ops[0], int64(uint64(rd(ops[0]))>>(uint64(rd(ops[1]))&63)))
		case asm.OpSar:
			wr(ops[0], rd(ops[0])>>(uint64(rd(ops[1]))&63))
		case asm.OpRol:
			sh := uint64(rd(ops[1])) & 63
			v := uint64(rd(ops[0]))
			wr(ops[0], int64(v<<sh|v>>(64-sh)))
		case asm.OpRor:
			sh := uint64(rd(ops[1])) & 63
			v := uint64(rd(ops[0]))
			wr(ops[0], int64(v>>sh|v<<(64-sh)))
		case asm.OpCmp:
			x, y := rd(ops[0]), rd(ops[1])
			diff := int64(uint64(x) - uint64(y))
			i.flags = condFlags{
				zf: x == y,
				sf: diff < 0,
				cf: uint64(x) < uint64(y),
				of: (x >= 0 && y < 0 && diff < 0) || (x < 0 && y >= 0 && diff >= 0),
			}
		case asm.OpTest:
			r := rd(ops[0]) & rd(ops[1])
			i.flags = condFlags{zf: r == 0, sf: r < 0}
		case asm.OpJmp:
			jump = target(ins, ops[0])
		case asm.OpCall:
			calls = append(calls, next)
			jump = target(ins, ops[0])
		case asm.OpRet:
			if len(calls) == 0 {
				return
			}
			jump = calls[len(calls)-1]
			calls = calls[:len(calls)-1]
		case asm.OpJe:
			if i.flags.zf {
				jump = target(ins, ops[0])
			}
		case asm.OpJne:
			if !i.flags.zf {
				jump = target(ins, ops[0])
			}
		case asm.OpJl:
			if i.flags.sf != i.flags.of {
				jump = target(ins, ops[0])
			}
		case asm.OpJg:
			if !i.flags.zf && i.flags.sf == i.flags.of {
				jump = target(ins, ops[0])
			}
		case asm.OpJa:
			if !i.flags.cf && !i.flags.zf {
				jump = target(ins, ops[0])
			}
		case asm.OpJae:
			if !i.flags.cf {
				jump = target(ins, ops[0])
			}
		case asm.OpJb:
			if i.flags.cf {
				jump = target(ins, ops[0])
			}
		case asm.OpJbe:
			if i.flags.cf || i.flags.zf {
				jump = target(ins, ops[0])
			}
		case asm.OpJo:
			if i.flags.of {
				jump = target(ins, ops[0])
			}
		case asm.OpJno:
			if !i.flags.of {
				jump = target(ins, ops[0])
			}
		case asm.OpJs:
			if i.flags.sf {
				jump = target(ins, ops[0])
			}
		case asm.OpJns:
			if !i.flags.sf {
				jump = target(ins, ops[0])
			}
		case asm.OpMovB, asm.OpMovW, asm.OpMovD, asm.OpMovQ:
			wr(ops[0], rd(ops[1]))
		case asm.OpLoadB, asm.OpLoadW, asm.OpLoadD, asm.OpLoadQ:
			v, err := i.memLoad(rd(ops[1]), fragWidth(ins.Opcode))
			if err != nil {
				i.raise(t, diag.RuntimeIndexOutOfRange, "@asm load: %v", err)
				return
			}
			wr(ops[0], v)
		case asm.OpStoreB, asm.OpStoreW, asm.OpStoreD, asm.OpStoreQ:
			if err := i.memStore(rd(ops[0]), fragWidth(ins.Opcode), rd(ops[1])); err != nil {
				i.raise(t, diag.RuntimeIndexOutOfRange, "@asm store: %v", err)
				return
			}
		case asm.OpMovs:
			// copy R2 bytes from [R4] to [R5], the string-op register triple
			// x86's movs/rep idiom maps onto.
			n := i.regs[asm.R2]
			for k := int64(0); k < n; k++ {
				v, err := i.memLoad(i.regs[asm.R4]+k, 1)
				if err != nil {
					i.raise(t, diag.RuntimeIndexOutOfRange, "@asm movs: %v", err)
					return
				}
				if err := i.memStore(i.regs[asm.R5]+k, 1, v); err != nil {
					i.raise(t, diag.RuntimeIndexOutOfRange, "@asm movs: %v", err)
					return
				}
			}
		case asm.OpStos:
			// fill R2 bytes at [R5] with the low byte of R0.
			n := i.regs[asm.R2]
			for k := int64(0); k < n; k++ {
				if err := i.memStore(i.regs[asm.R5]+k, 1, i.regs[asm.R0]); err != nil {
					i.raise(t, diag.RuntimeIndexOutOfRange, "@asm stos: %v", err)
					return
				}
			}
		case asm.OpEnter:
			push(i.regs[asm.FP])
			i.regs[asm.FP] = int64(sp)
		case asm.OpLeave:
			sp = int(i.regs[asm.FP])
			i.regs[asm.FP] = pop()
		default:
			i.raise(t, diag.RuntimeTypeMismatch, "@asm: unimplemented opcode %d", ins.Opcode)
			return
		}

		if jump >= 0 {
			pc = jump
		} else {
			pc = next
		}
		i.regs[asm.PC] = int64(pc)
		i.regs[asm.SP] = int64(sp)
	}
}

func fragWidth(op uint16) int {
	switch op {
	case asm.OpLoadB, asm.OpStoreB:
		return 1
	case asm.OpLoadW, asm.OpStoreW:
		return 2
	case asm.OpLoadD, asm.OpStoreD:
		return 4
	default:
		return 8
	}
}

// effAddr computes an x86-style effective address [base + index*scale +
// disp] over the register file.
func (i *Instance) effAddr(op asm.Operand) int64 {
	addr := op.Disp
	if op.MemBase >= 0 {
		addr += i.regs[op.MemBase]
	}
	if op.MemIndex >= 0 {
		addr += i.regs[op.MemIndex] * int64(op.Scale)
	}
	return addr
}

func fragmentKey(idx int) string { return fmt.Sprintf("asmfrag:%d", idx) }
