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

package bytecode

import (
	"fmt"
	"io"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// Disassemble writes a human-readable listing of p's instruction stream to w,
// one instruction per line, annotated with function entry points and constant
// values where the operand names one.
func Disassemble(p *Program, w io.Writer) error {
	entries := make(map[int]string, len(p.Functions))
	for _, fn := range p.Functions {
		entries[fn.EntryOffset] = fn.Name
	}
	off := 0
	for off < len(p.Bytecode) {
		if name, isEntry := entries[off]; isEntry {
			if _, err := fmt.Fprintf(w, "\n%s:\n", name); err != nil {
				return err
			}
		}
		op, operand, next, ok := ReadInstr(p.Bytecode, off)
		if !ok {
			_, err := fmt.Fprintf(w, "%6d\t???\n", off)
			return err
		}
		var err error
		switch {
		case op == PUSH && operand < len(p.Constants):
			_, err = fmt.Fprintf(w, "%6d\t%s\t%d\t; %s\n", off, op, operand, value.Format(p.Constants[operand], nil))
		case op == CALL && operand < len(p.Functions):
			_, err = fmt.Fprintf(w, "%6d\t%s\t%d\t; %s\n", off, op, operand, p.Functions[operand].Name)
		case (op == LOAD_GLOBAL || op == STORE_GLOBAL || op == GET_FIELD || op == SET_FIELD || op == NEW_INSTANCE) && operand < len(p.Constants):
			_, err = fmt.Fprintf(w, "%6d\t%s\t%d\t; %q\n", off, op, operand, p.Constants[operand].Str())
		case OperandOf(op) == OperNone:
			_, err = fmt.Fprintf(w, "%6d\t%s\n", off, op)
		default:
			_, err = fmt.Fprintf(w, "%6d\t%s\t%d\n", off, op, operand)
		}
		if err != nil {
			return err
		}
		off = next
	}
	return nil
}
