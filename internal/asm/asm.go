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

package asm

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// AsmError is one diagnostic raised by the assembler, carrying the
// assembly-local line number plus the origin line of the enclosing @asm
// block.
type AsmError struct {
	Line       int
	OriginLine int
	Message    string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("asm:%d (block @ line %d): %s", e.Line, e.OriginLine, e.Message)
}

// ErrList collects assembler errors.
type ErrList []*AsmError

func (l ErrList) Error() string {
	parts := make([]string, len(l))
	for i, e := range l {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "\n")
}

const maxErrors = 10

// operand kind tags, written as the first byte of each encoded operand so
// internal/vm's fragment interpreter can self-describe its instruction
// stream without a side table.
const (
	tagReg byte = iota + 1
	tagImm
	tagLabelRel
	tagLabelAbs
	tagMem
)

// mnemonics recognised by the assembler.
var mnemonics = map[string]uint16{
	"nop": 0, "halt": 1, "int": 2, "syscall": 3,
	"push": 4, "pop": 5,
	"add": 6, "sub": 7, "mul": 8, "div": 9, "imul": 10, "idiv": 11,
	"and": 12, "or": 13, "xor": 14, "not": 15, "neg": 16,
	"shl": 17, "shr": 18, "sar": 19, "rol": 20, "ror": 21,
	"cmp": 22, "test": 23,
	"jmp": 24, "call": 25, "ret": 26,
	"je": 27, "jne": 28, "jl": 29, "jg": 30, "ja": 31, "jae": 32, "jb": 33, "jbe": 34,
	"jo": 35, "jno": 36, "js": 37, "jns": 38,
	"movb": 39, "movw": 40, "movd": 41, "movq": 42, "mov": 42,
	"loadb": 43, "loadw": 44, "loadd": 45, "loadq": 46,
	"storeb": 47, "storew": 48, "stored": 49, "storeq": 50,
	"movs": 51, "stos": 52,
	"enter": 53, "leave": 54,
}

// jumpMnemonics are label-taking control-flow instructions whose label
// operand is encoded PC-relative; every other label reference is
// absolute.
var jumpMnemonics = map[string]bool{
	"jmp": true, "call": true,
	"je": true, "jne": true, "jl": true, "jg": true, "ja": true, "jae": true,
	"jb": true, "jbe": true, "jo": true, "jno": true, "js": true, "jns": true,
}

type labelSite struct {
	line    int
	address int // -1 until defined
}

type label struct {
	labelSite
	uses []labelUse
}

// labelUse records where a label is referenced: offset is the byte offset
// of the operand's 8-byte address field, insnStart is where the enclosing
// instruction's opcode begins (needed to compute a PC-relative offset).
type labelUse struct {
	offset    int
	insnStart int
	rel       bool
}

type memOperand struct {
	base, index int // register index, -1 if absent
	scale       int
	disp        int64
}

// Fragment is the assembled output of one @asm block: a self-describing
// byte stream (tag-prefixed operands) plus the source line the block opened
// on. Label addresses are resolved into the code and not kept.
type Fragment struct {
	Code       []byte
	OriginLine int
}

type assembler struct {
	out        []byte
	labels     map[string]*label
	consts     map[string]int64
	originLine int
	errs       ErrList
}

func newAssembler(originLine int) *assembler {
	return &assembler{
		labels:     make(map[string]*label),
		consts:     make(map[string]int64),
		originLine: originLine,
	}
}

func (a *assembler) errorf(line int, format string, args ...interface{}) {
	a.errs = append(a.errs, &AsmError{Line: line, OriginLine: a.originLine, Message: fmt.Sprintf(format, args...)})
}

func (a *assembler) abort() bool { return len(a.errs) >= maxErrors }

// Assemble runs the two-pass assembler over raw (the verbatim text captured
// by the lexer's AsmBlock token) and returns the encoded fragment.
func Assemble(raw string, originLine int) (*Fragment, error) {
	a := newAssembler(originLine)
	lines := splitLines(raw)

	// Pass 1: strip comments, classify lines, resolve .equ constants inline
	// (single pass suffices since .equ has no forward references by
	// convention), and encode instructions straight into the output,
	// leaving zeroed slots for label references that the loop below patches.
	for lineNo, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if a.abort() {
			break
		}
		a.processLine(lineNo+1, line)
	}

	// Resolve label references now that every label's address is known.
	for name, l := range a.labels {
		if l.address == -1 {
			a.errorf(l.line, "undefined label %q", name)
			continue
		}
		for _, use := range l.uses {
			a.patchLabel(use, l.address)
		}
	}

	if len(a.errs) > 0 {
		return nil, a.errs
	}
	return &Fragment{Code: a.out, OriginLine: originLine}, nil
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func stripComment(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return s[:i]
	}
	return s
}

func (a *assembler) write(b ...byte) { a.out = append(a.out, b...) }

func (a *assembler) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	a.write(b[:]...)
}

func (a *assembler) writeI64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	a.write(b[:]...)
}

func (a *assembler) patchLabel(use labelUse, address int) {
	v := int64(address)
	if use.rel {
		v = int64(address - use.insnStart)
	}
	binary.LittleEndian.PutUint64(a.out[use.offset:use.offset+8], uint64(v))
}

func (a *assembler) defineLabel(name string, line int) {
	if l, ok := a.labels[name]; ok {
		if l.address != -1 {
			a.errorf(line, "duplicate label %q (first defined at line %d)", name, l.line)
			return
		}
		l.address = len(a.out)
		l.line = line
		return
	}
	a.labels[name] = &label{labelSite: labelSite{line: line, address: len(a.out)}}
}

func (a *assembler) useLabel(name string, line, insnStart int, rel bool) {
	l, ok := a.labels[name]
	if !ok {
		l = &label{labelSite: labelSite{line: line, address: -1}}
		a.labels[name] = l
	}
	l.uses = append(l.uses, labelUse{offset: len(a.out), insnStart: insnStart, rel: rel})
	// reserve 8 bytes now; patched once every label is resolved.
	a.writeI64(0)
}

func (a *assembler) processLine(lineNo int, line string) {
	// label definition: "name:"
	if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
		name := strings.TrimSuffix(line, ":")
		if name == "" {
			a.errorf(lineNo, "empty label name")
			return
		}
		a.defineLabel(name, lineNo)
		return
	}

	// directive
	if strings.HasPrefix(line, ".") {
		a.processDirective(lineNo, line)
		return
	}

	// instruction: mnemonic [operands separated by commas]
	fields := strings.SplitN(line, " ", 2)
	mnemonic := strings.ToLower(strings.TrimSpace(fields[0]))
	opcode, ok := mnemonics[mnemonic]
	if !ok {
		a.errorf(lineNo, "unknown mnemonic %q", mnemonic)
		return
	}
	var operandsText string
	if len(fields) > 1 {
		operandsText = fields[1]
	}
	operands := splitOperands(operandsText)

	insnStart := len(a.out)
	a.writeU16(opcode)
	a.write(byte(len(operands)))
	isJump := jumpMnemonics[mnemonic]
	for i, op := range operands {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		a.encodeOperand(lineNo, op, isJump && i == len(operands)-1, insnStart)
	}
}

func splitOperands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	// commas inside [ ] must not split the memory operand.
	var parts []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

func (a *assembler) encodeOperand(lineNo int, op string, asLabel bool, insnStart int) {
	switch {
	case strings.HasPrefix(op, "["):
		a.encodeMemOperand(lineNo, op)
	case op != "" && (op[0] == '-' || (op[0] >= '0' && op[0] <= '9')):
		n, err := strconv.ParseInt(op, 0, 64)
		if err != nil {
			a.errorf(lineNo, "invalid immediate %q: %v", op, err)
			return
		}
		a.write(tagImm)
		a.writeI64(n)
	default:
		if reg, ok := registerIndex(strings.ToLower(op)); ok {
			a.write(tagReg)
			a.write(byte(reg))
			return
		}
		if v, ok := a.consts[op]; ok {
			a.write(tagImm)
			a.writeI64(v)
			return
		}
		// label reference
		if asLabel {
			a.write(tagLabelRel)
		} else {
			a.write(tagLabelAbs)
		}
		a.useLabel(op, lineNo, insnStart, asLabel)
	}
}

// encodeMemOperand parses a full x86-style effective address
// "[base + index*scale + disp]"; scale must be 1, 2, 4 or 8.
func (a *assembler) encodeMemOperand(lineNo int, op string) {
	inner := strings.TrimSuffix(strings.TrimPrefix(op, "["), "]")
	mem := memOperand{base: -1, index: -1, scale: 1}
	terms := strings.Split(inner, "+")
	tooMany := 0
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.Contains(term, "*") {
			sub := strings.SplitN(term, "*", 2)
			regName := strings.TrimSpace(sub[0])
			scaleStr := strings.TrimSpace(sub[1])
			reg, ok := registerIndex(strings.ToLower(regName))
			if !ok {
				a.errorf(lineNo, "invalid index register %q", regName)
				return
			}
			scale, err := strconv.Atoi(scaleStr)
			if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
				a.errorf(lineNo, "invalid scale factor %q (must be 1, 2, 4 or 8)", scaleStr)
				return
			}
			mem.index = reg
			mem.scale = scale
			tooMany++
			continue
		}
		if reg, ok := registerIndex(strings.ToLower(term)); ok {
			if mem.base != -1 {
				tooMany++
			}
			mem.base = reg
			continue
		}
		n, err := strconv.ParseInt(term, 0, 64)
		if err != nil {
			a.errorf(lineNo, "invalid memory operand term %q", term)
			return
		}
		mem.disp = n
	}
	if tooMany > 2 {
		a.errorf(lineNo, "too many registers in memory operand %q", op)
		return
	}
	a.write(tagMem)
	a.write(byte(int8(mem.base)))
	a.write(byte(int8(mem.index)))
	a.write(byte(mem.scale))
	a.writeI64(mem.disp)
}

func (a *assembler) processDirective(lineNo int, line string) {
	fields := strings.SplitN(line, " ", 2)
	dir := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}
	switch dir {
	case ".byte":
		n, err := strconv.ParseInt(arg, 0, 16)
		if err != nil {
			a.errorf(lineNo, "invalid .byte operand %q", arg)
			return
		}
		a.write(byte(n))
	case ".word":
		n, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			a.errorf(lineNo, "invalid .word operand %q", arg)
			return
		}
		a.writeU16(uint16(n))
	case ".dword":
		n, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			a.errorf(lineNo, "invalid .dword operand %q", arg)
			return
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		a.write(b[:]...)
	case ".string":
		if len(arg) < 2 || arg[0] != '"' || arg[len(arg)-1] != '"' {
			a.errorf(lineNo, "unterminated string literal in .string")
			return
		}
		s, err := strconv.Unquote(arg)
		if err != nil {
			a.errorf(lineNo, "unterminated string literal in .string: %v", err)
			return
		}
		a.write([]byte(s)...)
		a.write(0)
	case ".align":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			a.errorf(lineNo, "invalid .align operand %q", arg)
			return
		}
		for len(a.out)%n != 0 {
			a.write(0)
		}
	case ".equ":
		parts := strings.SplitN(arg, " ", 2)
		if len(parts) != 2 {
			a.errorf(lineNo, "malformed .equ directive")
			return
		}
		name := strings.TrimSpace(parts[0])
		n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 0, 64)
		if err != nil {
			a.errorf(lineNo, "invalid .equ value for %q", name)
			return
		}
		a.consts[name] = n
	default:
		a.errorf(lineNo, "unknown directive %q", dir)
	}
}
