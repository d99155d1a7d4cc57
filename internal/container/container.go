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

// Package container reads and writes the persisted bytecode form: magic,
// header, constant pool, function/class/struct/enum/interface tables,
// exception handler table and the raw instruction stream. Everything is
// little-endian; variable-length fields use uvarint prefixes.
package container

import (
	"bufio"
	"encoding/binary"
	"io"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

var magic = [4]byte{'O', 'U', 'R', 'O'}

// FormatVersion is bumped whenever the layout below changes shape.
const FormatVersion uint16 = 1

// constant pool entry tags. Only pool-representable variants appear: heap
// values other than the emitter's fragment markers never land in a pool.
const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagUnitInt
	tagUnitFloat
	tagFragment // a Bytes handle marker whose payload lives in metadata
)

type writer struct {
	w   *bufio.Writer
	err error
}

func (w *writer) bytes(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}
func (w *writer) u8(v byte)    { w.bytes([]byte{v}) }
func (w *writer) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.bytes(b[:]) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.bytes(b[:]) }
func (w *writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.bytes(b[:]) }
func (w *writer) uvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.bytes(b[:n])
}
func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.bytes([]byte(s))
}

type reader struct {
	r   *bufio.Reader
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil
	}
	return b
}
func (r *reader) u8() byte    { b := r.bytes(1); if b == nil { return 0 }; return b[0] }
func (r *reader) u16() uint16 { b := r.bytes(2); if b == nil { return 0 }; return binary.LittleEndian.Uint16(b) }
func (r *reader) u32() uint32 { b := r.bytes(4); if b == nil { return 0 }; return binary.LittleEndian.Uint32(b) }
func (r *reader) u64() uint64 { b := r.bytes(8); if b == nil { return 0 }; return binary.LittleEndian.Uint64(b) }
func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		r.err = err
	}
	return v
}
func (r *reader) str() string {
	n := r.uvarint()
	return string(r.bytes(int(n)))
}

// Options controls header fields and the shrink behaviour of Write.
type Options struct {
	OptLevel uint8
	Platform string // defaults to GOOS/GOARCH
	// Shrink drops the line table and all metadata except assembled
	// fragments, keeping the container runnable but minimal.
	Shrink bool
}

// Write persists p to w in the container layout 
func Write(out io.Writer, p *bytecode.Program, opts Options) error {
	platform := opts.Platform
	if platform == "" {
		platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	w := &writer{w: bufio.NewWriter(out)}
	w.bytes(magic[:])
	w.u16(FormatVersion)
	w.u8(opts.OptLevel)
	w.str(platform)
	w.u64(uint64(time.Now().UnixMilli()))
	w.str(p.SourceFile)

	// constant pool
	w.uvarint(uint64(len(p.Constants)))
	for idx, c := range p.Constants {
		if err := writeConstant(w, c); err != nil {
			return errors.Wrapf(err, "constant %d", idx)
		}
	}

	// function table
	w.uvarint(uint64(len(p.Functions)))
	for _, fn := range p.Functions {
		w.str(fn.Name)
		w.uvarint(uint64(fn.EntryOffset))
		w.uvarint(uint64(fn.ParameterCount))
		w.uvarint(uint64(fn.LocalCount))
		w.u8(boolByte(fn.IsAsync))
		w.u8(boolByte(fn.IsMethod))
		w.uvarint(uint64(len(fn.UpvalueMap)))
		for _, uv := range fn.UpvalueMap {
			w.u8(boolByte(uv.FromParentLocal))
			w.uvarint(uint64(uv.Index))
		}
		w.uvarint(uint64(len(fn.SuspendPoints)))
		for _, sp := range fn.SuspendPoints {
			w.uvarint(uint64(sp))
		}
	}

	writeClassTable(w, p.Classes)
	writeStructTable(w, p.Structs)
	writeEnumTable(w, p.Enums)
	writeInterfaceTable(w, p.Interfaces)

	// exception handler table
	w.uvarint(uint64(len(p.Handlers)))
	for _, h := range p.Handlers {
		w.uvarint(uint64(h.TryStart))
		w.uvarint(uint64(h.TryEnd))
		w.uvarint(uint64(h.HandlerOffset))
		w.str(h.ExceptionType)
		w.uvarint(uint64(h.FunctionIndex))
	}

	// symbols
	names := sortedKeys(p.Symbols)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		s := p.Symbols[name]
		w.str(s.Name)
		w.str(s.Kind)
		w.u8(boolByte(s.Exported))
		w.u8(boolByte(s.IsDefault))
		if err := writeConstant(w, s.Value); err != nil {
			return errors.Wrapf(err, "symbol %q", name)
		}
	}

	// metadata + line table
	meta := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		if opts.Shrink && !strings.HasPrefix(k, "asmfrag:") {
			continue
		}
		meta = append(meta, k)
	}
	sort.Strings(meta)
	w.uvarint(uint64(len(meta)))
	for _, k := range meta {
		w.str(k)
		w.str(p.Metadata[k])
	}
	if opts.Shrink {
		w.uvarint(0)
	} else {
		offs := make([]int, 0, len(p.LineTable))
		for off := range p.LineTable {
			offs = append(offs, off)
		}
		sort.Ints(offs)
		w.uvarint(uint64(len(offs)))
		for _, off := range offs {
			w.uvarint(uint64(off))
			w.uvarint(uint64(p.LineTable[off]))
		}
	}

	// instruction stream
	w.u32(uint32(len(p.Bytecode)))
	w.bytes(p.Bytecode)
	if w.err != nil {
		return errors.Wrap(w.err, "container write")
	}
	return errors.Wrap(w.w.Flush(), "container write")
}

// Read parses a container produced by Write.
func Read(in io.Reader) (*bytecode.Program, error) {
	r := &reader{r: bufio.NewReader(in)}
	var m [4]byte
	copy(m[:], r.bytes(4))
	if r.err != nil || m != magic {
		return nil, errors.New("not an OURO container: bad magic")
	}
	if v := r.u16(); v != FormatVersion {
		return nil, errors.Errorf("unsupported container version %d (want %d)", v, FormatVersion)
	}
	_ = r.u8()  // optimisation level
	_ = r.str() // platform tag
	_ = r.u64() // compile timestamp

	p := bytecode.NewProgram(r.str())

	nconst := int(r.uvarint())
	for k := 0; k < nconst; k++ {
		c, err := readConstant(r)
		if err != nil {
			return nil, errors.Wrapf(err, "constant %d", k)
		}
		p.Constants = append(p.Constants, c)
	}

	nfn := int(r.uvarint())
	for k := 0; k < nfn; k++ {
		fn := bytecode.FunctionInfo{
			Name:           r.str(),
			EntryOffset:    int(r.uvarint()),
			ParameterCount: int(r.uvarint()),
			LocalCount:     int(r.uvarint()),
			IsAsync:        r.u8() != 0,
			IsMethod:       r.u8() != 0,
		}
		nup := int(r.uvarint())
		for j := 0; j < nup; j++ {
			fn.UpvalueMap = append(fn.UpvalueMap, bytecode.UpvalueRef{
				FromParentLocal: r.u8() != 0,
				Index:           int(r.uvarint()),
			})
		}
		nsp := int(r.uvarint())
		for j := 0; j < nsp; j++ {
			fn.SuspendPoints = append(fn.SuspendPoints, int(r.uvarint()))
		}
		p.Functions = append(p.Functions, fn)
	}

	readClassTable(r, p)
	readStructTable(r, p)
	readEnumTable(r, p)
	readInterfaceTable(r, p)

	nh := int(r.uvarint())
	for k := 0; k < nh; k++ {
		p.Handlers = append(p.Handlers, bytecode.HandlerEntry{
			TryStart:      int(r.uvarint()),
			TryEnd:        int(r.uvarint()),
			HandlerOffset: int(r.uvarint()),
			ExceptionType: r.str(),
			FunctionIndex: int(r.uvarint()),
		})
	}

	nsym := int(r.uvarint())
	for k := 0; k < nsym; k++ {
		s := &bytecode.Symbol{
			Name:      r.str(),
			Kind:      r.str(),
			Exported:  r.u8() != 0,
			IsDefault: r.u8() != 0,
		}
		v, err := readConstant(r)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol %q", s.Name)
		}
		s.Value = v
		p.Symbols[s.Name] = s
	}

	nmeta := int(r.uvarint())
	for k := 0; k < nmeta; k++ {
		key := r.str()
		p.Metadata[key] = r.str()
	}
	nline := int(r.uvarint())
	for k := 0; k < nline; k++ {
		off := int(r.uvarint())
		p.LineTable[off] = int(r.uvarint())
	}

	codeLen := int(r.u32())
	p.Bytecode = r.bytes(codeLen)
	if r.err != nil {
		return nil, errors.Wrap(r.err, "container read")
	}
	return p, nil
}

func writeConstant(w *writer, c value.Value) error {
	switch c.Tag() {
	case value.Null:
		w.u8(tagNull)
	case value.Bool:
		w.u8(tagBool)
		w.u8(boolByte(c.Bool()))
	case value.Int:
		if !c.Unit().IsZero() {
			w.u8(tagUnitInt)
			w.str(c.Unit().Symbol)
		} else {
			w.u8(tagInt)
		}
		w.u64(uint64(c.Int()))
	case value.Float:
		if !c.Unit().IsZero() {
			w.u8(tagUnitFloat)
			w.str(c.Unit().Symbol)
		} else {
			w.u8(tagFloat)
		}
		w.u64(uint64(c.Int())) // raw IEEE-754 bit pattern
	case value.String:
		w.u8(tagString)
		w.str(c.Str())
	case value.Bytes:
		w.u8(tagFragment)
		w.u32(uint32(c.Handle()))
	default:
		return errors.Errorf("unsupported pool value of type %s", c.TypeName())
	}
	return nil
}

func readConstant(r *reader) (value.Value, error) {
	switch tag := r.u8(); tag {
	case tagNull:
		return value.NullValue(), nil
	case tagBool:
		return value.BoolValue(r.u8() != 0), nil
	case tagInt:
		return value.IntValue(int64(r.u64())), nil
	case tagUnitInt:
		u := value.Unit{Symbol: r.str()}
		return value.UnitValue(value.IntValue(int64(r.u64())), u), nil
	case tagFloat:
		return value.FloatRaw(r.u64()), nil
	case tagUnitFloat:
		u := value.Unit{Symbol: r.str()}
		return value.UnitValue(value.FloatRaw(r.u64()), u), nil
	case tagString:
		return value.StrValue(r.str()), nil
	case tagFragment:
		return value.HandleValue(value.Bytes, value.Handle(r.u32())), nil
	default:
		return value.Value{}, errors.Errorf("unknown pool tag %d", tag)
	}
}

func writeClassTable(w *writer, classes map[string]*bytecode.ClassInfo) {
	names := sortedKeys(classes)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		ci := classes[name]
		w.str(ci.Name)
		w.str(ci.Extends)
		w.uvarint(uint64(len(ci.FieldNames)))
		for _, f := range ci.FieldNames {
			w.str(f)
		}
		methods := sortedKeys(ci.Methods)
		w.uvarint(uint64(len(methods)))
		for _, m := range methods {
			w.str(m)
			w.uvarint(uint64(ci.Methods[m]))
		}
	}
}

func readClassTable(r *reader, p *bytecode.Program) {
	n := int(r.uvarint())
	for k := 0; k < n; k++ {
		ci := &bytecode.ClassInfo{Name: r.str(), Extends: r.str(), Methods: make(map[string]int)}
		nf := int(r.uvarint())
		for j := 0; j < nf; j++ {
			ci.FieldNames = append(ci.FieldNames, r.str())
		}
		nm := int(r.uvarint())
		for j := 0; j < nm; j++ {
			name := r.str()
			ci.Methods[name] = int(r.uvarint())
		}
		p.Classes[ci.Name] = ci
	}
}

func writeStructTable(w *writer, structs map[string]*bytecode.StructInfo) {
	names := sortedKeys(structs)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		si := structs[name]
		w.str(si.Name)
		w.u8(boolByte(si.IsUnion))
		w.uvarint(uint64(len(si.FieldNames)))
		for _, f := range si.FieldNames {
			w.str(f)
		}
	}
}

func readStructTable(r *reader, p *bytecode.Program) {
	n := int(r.uvarint())
	for k := 0; k < n; k++ {
		si := &bytecode.StructInfo{Name: r.str(), IsUnion: r.u8() != 0}
		nf := int(r.uvarint())
		for j := 0; j < nf; j++ {
			si.FieldNames = append(si.FieldNames, r.str())
		}
		p.Structs[si.Name] = si
	}
}

func writeEnumTable(w *writer, enums map[string]*bytecode.EnumInfo) {
	names := sortedKeys(enums)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		ei := enums[name]
		w.str(ei.Name)
		w.uvarint(uint64(len(ei.Variants)))
		for j, v := range ei.Variants {
			w.str(v)
			w.u64(uint64(ei.Values[j].Int()))
		}
	}
}

func readEnumTable(r *reader, p *bytecode.Program) {
	n := int(r.uvarint())
	for k := 0; k < n; k++ {
		ei := &bytecode.EnumInfo{Name: r.str()}
		nv := int(r.uvarint())
		for j := 0; j < nv; j++ {
			ei.Variants = append(ei.Variants, r.str())
			ei.Values = append(ei.Values, value.IntValue(int64(r.u64())))
		}
		p.Enums[ei.Name] = ei
	}
}

func writeInterfaceTable(w *writer, ifaces map[string]*bytecode.InterfaceInfo) {
	names := sortedKeys(ifaces)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		ii := ifaces[name]
		w.str(ii.Name)
		w.uvarint(uint64(len(ii.Methods)))
		for _, m := range ii.Methods {
			w.str(m)
		}
	}
}

func readInterfaceTable(r *reader, p *bytecode.Program) {
	n := int(r.uvarint())
	for k := 0; k < n; k++ {
		ii := &bytecode.InterfaceInfo{Name: r.str()}
		nm := int(r.uvarint())
		for j := 0; j < nm; j++ {
			ii.Methods = append(ii.Methods, r.str())
		}
		p.Interfaces[ii.Name] = ii
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
