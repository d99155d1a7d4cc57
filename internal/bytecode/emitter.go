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
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/asm"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/ast"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/token"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
)

// localVar is one entry in a function compiler's lexical scope stack.
type localVar struct {
	name  string
	slot  int
	depth int
	isConst bool
}

// loopCtx tracks the backpatch sites a break/continue inside the current
// loop body needs.
type loopCtx struct {
	continueTarget   int // -1 until resolveLoopContinues fixes it (for-range/for-each/repeat)
	breakPatches     []int
	continuePatches  []int // continue jumps emitted before continueTarget was known
	isContinueFwd    bool  // true if continueTarget is itself a patch site, not a known offset
}

// funcCompiler holds per-function emission state: Program.Bytecode is a
// single shared byte slice (every function's code lives at its own
// EntryOffset within it), but locals/loop-context/upvalues are scoped to one
// function at a time, mirroring a typical recursive-descent bytecode
// compiler's call stack.
type funcCompiler struct {
	e   *Emitter
	idx int // index into e.prog.Functions; never hold a *FunctionInfo across an
	// append, since growing the Functions slice can reallocate its backing array
	parent     *funcCompiler
	locals     []localVar
	scopeDepth int
	loops      []*loopCtx
	isAsync    bool
	awaitCount int
}

// fn returns the live FunctionInfo for this compiler, re-indexing the
// Program's Functions slice on every call so a concurrent append (a nested
// lambda declared mid-body) never leaves fc pointing at a stale backing array.
func (fc *funcCompiler) fn() *FunctionInfo { return &fc.e.prog.Functions[fc.idx] }

// Emitter walks an *ast.Program and produces a *Program.
type Emitter struct {
	prog      *Program
	diags     *diag.List
	constIdx  map[string]int // dedups string constants by content
	globals   map[string]bool
	immutable map[string]bool // immutable (const) global bindings

	// funcIndexOf and compiledFuncs track, respectively, the function-table
	// slot a hoisted *ast.FuncDecl was assigned (declareFunction runs before
	// any body is compiled) and which of those slots already got their body
	// emitted, so a function referenced from two DeclStmt sites (shouldn't
	// normally happen, but a method shared across a hoisted re-declaration
	// could) is never compiled twice.
	funcIndexOf   map[*ast.FuncDecl]int
	compiledFuncs map[int]bool

	// aliasOf maps an import alias to the export names it covers, so
	// `alias.name` member access resolves to the plain global.
	aliasOf map[string][]string

	// Loader resolves `import` declarations to already-compiled Programs
	// (internal/loader implements this; kept as an interface here so
	// internal/bytecode never imports internal/loader, which itself depends
	// on internal/bytecode to recompile each imported unit).
	Loader Loader
}

// Loader is the emitter's view of the module system:
// resolving an import path relative to the importing source file and
// returning that unit's compiled Program so its exported Symbols can be
// copied into the importer's global scope.
type Loader interface {
	Load(importerFile, path string) (*Program, error)
}

// NewEmitter creates an Emitter targeting the given source file name, used
// only for diagnostic positions.
func NewEmitter(sourceFile string) *Emitter {
	return &Emitter{
		prog:          NewProgram(sourceFile),
		diags:         diag.NewList(10),
		constIdx:      make(map[string]int),
		globals:       make(map[string]bool),
		immutable:     make(map[string]bool),
		funcIndexOf:   make(map[*ast.FuncDecl]int),
		compiledFuncs: make(map[int]bool),
		aliasOf:       make(map[string][]string),
	}
}

// NewEmitterWithLoader is NewEmitter plus a Loader, used by internal/loader
// itself when recompiling an imported unit so transitive imports resolve.
func NewEmitterWithLoader(sourceFile string, l Loader) *Emitter {
	e := NewEmitter(sourceFile)
	e.Loader = l
	return e
}

func (e *Emitter) Diagnostics() *diag.List { return e.diags }

func (e *Emitter) errorf(pos ast.Pos, format string, args ...interface{}) {
	e.diags.Add(diag.New(diag.KindCompile, pos.File, pos.Line, pos.Col, format, args...))
}

// Emit compiles prog into a bytecode Program. Per propagation
// policy, no bytecode is produced if any diagnostic was reported.
func Emit(sourceFile string, prog *ast.Program) (*Program, error) {
	return NewEmitter(sourceFile).EmitProgram(prog)
}

// EmitProgram compiles prog with this emitter's configuration (notably its
// attached Loader, so imports resolve).
func (e *Emitter) EmitProgram(prog *ast.Program) (*Program, error) {
	e.compileProgram(prog)
	if len(e.diags.Items) > 0 {
		return nil, e.diags
	}
	return e.prog, nil
}

func (e *Emitter) constIndex(v value.Value, key string) int {
	if idx, ok := e.constIdx[key]; ok {
		return idx
	}
	idx := len(e.prog.Constants)
	e.prog.Constants = append(e.prog.Constants, v)
	e.constIdx[key] = idx
	return idx
}

func (e *Emitter) internString(s string) int {
	return e.constIndex(value.StrValue(s), "s:"+s)
}

// compileProgram hoists declarations (so forward references typecheck),
// then emits a synthetic "main" function from the remaining top-level
// statements, so top-level code is just function-table slot zero.
func (e *Emitter) compileProgram(prog *ast.Program) {
	main := &FunctionInfo{Name: "main", ParameterCount: 0, IsAsync: false}
	e.prog.Functions = append(e.prog.Functions, *main)
	fc := &funcCompiler{e: e, idx: 0}

	// Pass 1: hoist named declarations so mutual/forward references resolve.
	for _, s := range prog.Statements {
		e.hoistDecl(s)
	}

	fc.fn().EntryOffset = len(e.prog.Bytecode)
	for _, s := range prog.Statements {
		fc.emitStmt(s)
	}
	fc.emit(HALT)

	// Pass 3: compile hoisted function and method bodies after main's
	// contiguous bytecode.
	for _, s := range prog.Statements {
		e.compileDeclBodies(s)
	}
}

// compileDeclBodies emits the body of every hoisted function reachable from
// s: plain FuncDecls, class methods, exported declarations and namespace
// members.
func (e *Emitter) compileDeclBodies(s ast.Stmt) {
	ds, ok := s.(*ast.DeclStmt)
	if !ok {
		return
	}
	e.compileDecl(ds.D)
}

func (e *Emitter) compileDecl(d ast.Decl) {
	switch d := d.(type) {
	case *ast.FuncDecl:
		e.compileFunction(d, false)
	case *ast.ClassDecl:
		for _, m := range d.Methods {
			e.compileFunction(m, true)
		}
	case *ast.ExportDecl:
		if d.D != nil {
			e.compileDecl(d.D)
		}
	case *ast.NamespaceDecl:
		for _, inner := range d.Decls {
			e.compileDecl(inner)
		}
	}
}

// compileFunction emits the body of a previously declared function into its
// function-table slot. Methods get their receiver bound to local slot 0
// under the name "this", ahead of the declared parameters.
func (e *Emitter) compileFunction(d *ast.FuncDecl, isMethod bool) {
	idx, ok := e.funcIndexOf[d]
	if !ok {
		return
	}
	if e.compiledFuncs[idx] {
		return
	}
	e.compiledFuncs[idx] = true

	fc := &funcCompiler{e: e, idx: idx, isAsync: d.IsAsync}
	fc.fn().EntryOffset = fc.here()
	fc.fn().IsMethod = isMethod
	fc.beginScope()
	if isMethod {
		fc.declareLocal("this", true, d.Pos)
	}
	for _, p := range d.Params {
		fc.declareLocal(p.Name, false, d.Pos)
	}
	if d.Body != nil {
		for _, s := range d.Body.Statements {
			fc.emitStmt(s)
		}
	}
	fc.emitPushNull()
	fc.emit(RET)
	fc.endScope()
}

func (e *Emitter) hoistDecl(s ast.Stmt) {
	ds, ok := s.(*ast.DeclStmt)
	if !ok {
		return
	}
	switch d := ds.D.(type) {
	case *ast.FuncDecl:
		e.declareFunction(d)
	case *ast.ClassDecl:
		e.declareClass(d)
	case *ast.StructDecl:
		e.declareStruct(d)
	case *ast.EnumDecl:
		e.declareEnum(d)
	case *ast.InterfaceDecl:
		e.declareInterface(d)
	case *ast.VarDecl:
		if e.globals[d.Name] {
			e.errorf(d.Pos, "duplicate symbol %q in global scope", d.Name)
		}
		e.globals[d.Name] = true
		if d.Const {
			e.immutable[d.Name] = true
		}
	case *ast.NamespaceDecl:
		for _, inner := range d.Decls {
			e.hoistInnerDecl(inner)
		}
	case *ast.ImportDecl:
		e.hoistImport(d)
	case *ast.ExportDecl:
		e.hoistExport(d)
	}
}

func (e *Emitter) hoistInnerDecl(d ast.Decl) {
	e.hoistDecl(&ast.DeclStmt{D: d})
}

// hoistImport resolves an import through the attached Loader and merges the
// imported unit's exported symbols into this unit's global scope, so strict
// scope resolution sees them at compile time. The evaluated export values
// are injected at run time by internal/loader.
func (e *Emitter) hoistImport(d *ast.ImportDecl) {
	if e.Loader == nil {
		e.errorf(d.Pos, "import %q: no module loader attached", d.Path)
		return
	}
	imported, err := e.Loader.Load(e.prog.SourceFile, d.Path)
	if err != nil {
		// ModuleError bubbles up as CompileError with the import site
		// annotated.
		e.diags.Add(diag.Wrap(err, diag.KindCompile, d.Pos.File, d.Pos.Line, d.Pos.Col,
			"import %q: %v", d.Path, err))
		return
	}
	e.prog.Imports = append(e.prog.Imports, ImportRecord{Path: d.Path, Alias: d.Alias, Names: d.Names})
	wanted := func(name string) bool {
		if len(d.Names) == 0 {
			return true
		}
		for _, n := range d.Names {
			if n == name {
				return true
			}
		}
		return false
	}
	for name, sym := range imported.Symbols {
		if !sym.Exported || !wanted(name) {
			continue
		}
		e.globals[name] = true
		if _, taken := e.prog.Symbols[name]; !taken {
			s := *sym
			s.Exported = false
			s.DeclarationOrigin = imported.SourceFile
			if s.Kind == "fn" {
				// an imported function's table index belongs to the
				// exporting unit; calls must go through the injected global
				// callable, never a direct CALL into this unit's table.
				s.Kind = "var"
			}
			e.prog.Symbols[name] = &s
		}
		if d.Alias != "" {
			e.aliasOf[d.Alias] = append(e.aliasOf[d.Alias], name)
		}
	}
	for name, ci := range imported.Classes {
		if _, taken := e.prog.Classes[name]; !taken && wanted(name) {
			e.prog.Classes[name] = ci
		}
	}
	for name, si := range imported.Structs {
		if _, taken := e.prog.Structs[name]; !taken && wanted(name) {
			e.prog.Structs[name] = si
		}
	}
	for name, ei := range imported.Enums {
		if _, taken := e.prog.Enums[name]; !taken && wanted(name) {
			e.prog.Enums[name] = ei
		}
	}
}

func (e *Emitter) hoistExport(d *ast.ExportDecl) {
	if d.D == nil {
		return
	}
	e.hoistInnerDecl(d.D)
	name := declName(d.D)
	if name == "" {
		return
	}
	sym, ok := e.prog.Symbols[name]
	if !ok {
		kind := "var"
		if vd, isVar := d.D.(*ast.VarDecl); isVar && vd.Const {
			kind = "const"
		}
		sym = &Symbol{Name: name, Kind: kind}
		e.prog.Symbols[name] = sym
	}
	if sym.Exported {
		e.errorf(d.Pos, "duplicate export %q", name)
	}
	sym.Exported = true
	sym.IsDefault = d.IsDefault
}

func declName(d ast.Decl) string {
	switch d := d.(type) {
	case *ast.VarDecl:
		return d.Name
	case *ast.FuncDecl:
		return d.Name
	case *ast.ClassDecl:
		return d.Name
	case *ast.StructDecl:
		return d.Name
	case *ast.EnumDecl:
		return d.Name
	case *ast.InterfaceDecl:
		return d.Name
	case *ast.NamespaceDecl:
		return d.Name
	}
	return ""
}

func (e *Emitter) declareFunction(d *ast.FuncDecl) int {
	idx := len(e.prog.Functions)
	e.prog.Functions = append(e.prog.Functions, FunctionInfo{
		Name:           d.Name,
		ParameterCount: len(d.Params),
		IsAsync:        d.IsAsync,
	})
	e.globals[d.Name] = true
	e.immutable[d.Name] = true
	e.prog.Symbols[d.Name] = &Symbol{Name: d.Name, Kind: "fn", Value: value.IntValue(int64(idx))}
	e.funcIndexOf[d] = idx
	return idx
}

func (e *Emitter) declareClass(d *ast.ClassDecl) {
	ci := &ClassInfo{Name: d.Name, Extends: d.Extends, Methods: make(map[string]int)}
	for _, f := range d.Fields {
		ci.FieldNames = append(ci.FieldNames, f.Name)
	}
	e.prog.Classes[d.Name] = ci
	e.globals[d.Name] = true
	for _, m := range d.Methods {
		ci.Methods[m.Name] = e.declareFunction(m)
	}
	e.prog.Symbols[d.Name] = &Symbol{Name: d.Name, Kind: "class"}
}

func (e *Emitter) declareStruct(d *ast.StructDecl) {
	si := &StructInfo{Name: d.Name, IsUnion: d.IsUnion}
	for _, f := range d.Fields {
		si.FieldNames = append(si.FieldNames, f.Name)
	}
	e.prog.Structs[d.Name] = si
	e.globals[d.Name] = true
	e.prog.Symbols[d.Name] = &Symbol{Name: d.Name, Kind: "class"}
}

func (e *Emitter) declareEnum(d *ast.EnumDecl) {
	ei := &EnumInfo{Name: d.Name}
	next := int64(0)
	for _, v := range d.Variants {
		if v.Value != nil {
			if lit, ok := v.Value.(*ast.Literal); ok {
				if n, ok := lit.Value.(int64); ok {
					next = n
				}
			}
		}
		ei.Variants = append(ei.Variants, v.Name)
		ei.Values = append(ei.Values, value.IntValue(next))
		next++
	}
	e.prog.Enums[d.Name] = ei
	e.globals[d.Name] = true
	e.prog.Symbols[d.Name] = &Symbol{Name: d.Name, Kind: "enum"}
}

func (e *Emitter) declareInterface(d *ast.InterfaceDecl) {
	ii := &InterfaceInfo{Name: d.Name}
	for _, m := range d.Methods {
		ii.Methods = append(ii.Methods, m.Name)
	}
	e.prog.Interfaces[d.Name] = ii
	e.globals[d.Name] = true
	e.prog.Symbols[d.Name] = &Symbol{Name: d.Name, Kind: "interface"}
}

// ---- bytecode writer primitives ----

func (fc *funcCompiler) emit(op Op) int {
	pos := len(fc.e.prog.Bytecode)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(op))
	fc.e.prog.Bytecode = append(fc.e.prog.Bytecode, b[:]...)
	return pos
}

func (fc *funcCompiler) emitVarint(n int) {
	var buf [10]byte
	w := 0
	u := uint64(n)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf[w] = b
		w++
		if u == 0 {
			break
		}
	}
	fc.e.prog.Bytecode = append(fc.e.prog.Bytecode, buf[:w]...)
}

func (fc *funcCompiler) emitOpVarint(op Op, n int) int {
	pos := fc.emit(op)
	fc.emitVarint(n)
	return pos
}

// emitRel32Placeholder emits a 4-byte placeholder for a forward jump target
// and returns its byte offset so patchJump can backfill it once the target
// is known.
func (fc *funcCompiler) emitRel32Placeholder() int {
	pos := len(fc.e.prog.Bytecode)
	fc.e.prog.Bytecode = append(fc.e.prog.Bytecode, 0, 0, 0, 0)
	return pos
}

func (fc *funcCompiler) patchJump(placeholder int) {
	target := len(fc.e.prog.Bytecode)
	binary.LittleEndian.PutUint32(fc.e.prog.Bytecode[placeholder:placeholder+4], uint32(int32(target)))
}

func (fc *funcCompiler) patchJumpTo(placeholder, target int) {
	binary.LittleEndian.PutUint32(fc.e.prog.Bytecode[placeholder:placeholder+4], uint32(int32(target)))
}

func (fc *funcCompiler) here() int { return len(fc.e.prog.Bytecode) }

func (fc *funcCompiler) markLine(pos ast.Pos) {
	fc.e.prog.LineTable[fc.here()] = pos.Line
}

// ---- scope management ----

func (fc *funcCompiler) beginScope() { fc.scopeDepth++ }

func (fc *funcCompiler) endScope() {
	fc.scopeDepth--
	for len(fc.locals) > 0 && fc.locals[len(fc.locals)-1].depth > fc.scopeDepth {
		fc.locals = fc.locals[:len(fc.locals)-1]
	}
}

func (fc *funcCompiler) declareLocal(name string, isConst bool, pos ast.Pos) int {
	for _, l := range fc.locals {
		if l.depth == fc.scopeDepth && l.name == name {
			fc.e.errorf(pos, "duplicate symbol %q in same scope", name)
			return l.slot
		}
	}
	slot := fc.fn().LocalCount
	fc.fn().LocalCount++
	fc.locals = append(fc.locals, localVar{name: name, slot: slot, depth: fc.scopeDepth, isConst: isConst})
	return slot
}

func (fc *funcCompiler) resolveLocal(name string) (int, bool, bool) {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			return fc.locals[i].slot, true, fc.locals[i].isConst
		}
	}
	return 0, false, false
}

// resolveUpvalue walks enclosing funcCompilers, registering an UpvalueRef
// chain so a nested lambda/async body can reach an outer local.
func (fc *funcCompiler) resolveUpvalue(name string) (int, bool) {
	if fc.parent == nil {
		return 0, false
	}
	if slot, ok, _ := fc.parent.resolveLocal(name); ok {
		idx := len(fc.fn().UpvalueMap)
		fc.fn().UpvalueMap = append(fc.fn().UpvalueMap, UpvalueRef{FromParentLocal: true, Index: slot})
		return idx, true
	}
	if outerIdx, ok := fc.parent.resolveUpvalue(name); ok {
		idx := len(fc.fn().UpvalueMap)
		fc.fn().UpvalueMap = append(fc.fn().UpvalueMap, UpvalueRef{FromParentLocal: false, Index: outerIdx})
		return idx, true
	}
	return 0, false
}

// ---- statements ----

func (fc *funcCompiler) emitStmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.ExprStmt:
		fc.markLine(st.Pos)
		fc.emitExpr(st.X)
		fc.emit(POP)
	case *ast.Block:
		fc.beginScope()
		for _, inner := range st.Statements {
			fc.emitStmt(inner)
		}
		fc.endScope()
	case *ast.If:
		fc.emitIf(st)
	case *ast.While:
		fc.emitWhile(st)
	case *ast.ForRange:
		fc.emitForRange(st)
	case *ast.ForEach:
		fc.emitForEach(st)
	case *ast.RepeatTimes:
		fc.emitRepeatTimes(st)
	case *ast.Match:
		fc.emitMatch(st)
	case *ast.Return:
		fc.markLine(st.Pos)
		if st.Value != nil {
			fc.emitExpr(st.Value)
		} else {
			fc.emitPushNull()
		}
		fc.emit(RET)
	case *ast.Break:
		fc.emitBreak(st.Pos)
	case *ast.Continue:
		fc.emitContinue(st.Pos)
	case *ast.Throw:
		fc.markLine(st.Pos)
		fc.emitExpr(st.Value)
		fc.emit(THROW)
	case *ast.TryCatch:
		fc.emitTryCatch(st)
	case *ast.InlineAsm:
		fc.emitInlineAsm(st)
	case *ast.DeclStmt:
		fc.emitDeclStmt(st)
	default:
		fc.e.errorf(s.Position(), "emitter: unsupported statement node %T", s)
	}
}

func (fc *funcCompiler) emitPushNull() {
	idx := fc.e.constIndex(value.NullValue(), "null")
	fc.emitOpVarint(PUSH, idx)
}

func (fc *funcCompiler) emitDeclStmt(ds *ast.DeclStmt) {
	switch d := ds.D.(type) {
	case *ast.VarDecl:
		fc.markLine(d.Pos)
		if d.Init != nil {
			fc.emitExpr(d.Init)
		} else {
			fc.emitPushNull()
		}
		if fc.fn().Name == "main" && fc.scopeDepth == 0 {
			// top-level bindings in the entry function are module globals.
			name := fc.e.internString(d.Name)
			fc.emitOpVarint(STORE_GLOBAL, name)
			fc.emit(POP)
		} else {
			slot := fc.declareLocal(d.Name, d.Const, d.Pos)
			fc.emitOpVarint(STORE_LOCAL, slot)
			fc.emit(POP)
		}
	case *ast.FuncDecl:
		// already hoisted into the function table; its body is emitted by
		// the compileDeclBodies pass so main's bytecode stays contiguous.
	case *ast.ExportDecl:
		// exported declarations still run their initialiser here; the
		// export marking itself happened during hoisting.
		if d.D != nil {
			fc.emitDeclStmt(&ast.DeclStmt{StmtBase: ds.StmtBase, D: d.D})
		}
	case *ast.NamespaceDecl:
		for _, inner := range d.Decls {
			fc.emitDeclStmt(&ast.DeclStmt{StmtBase: ds.StmtBase, D: inner})
		}
	case *ast.ClassDecl, *ast.StructDecl, *ast.EnumDecl, *ast.InterfaceDecl,
		*ast.ImportDecl:
		// type/module declarations carry no executable code of their own.
	default:
		fc.e.errorf(ds.Pos, "emitter: unsupported declaration %T", d)
	}
}

func (fc *funcCompiler) emitIf(st *ast.If) {
	fc.markLine(st.Pos)
	fc.emitExpr(st.Cond)
	fc.emit(JZ)
	elseJump := fc.emitRel32Placeholder()
	fc.emitStmt(st.Then)
	if st.Else != nil {
		fc.emit(JMP)
		endJump := fc.emitRel32Placeholder()
		fc.patchJump(elseJump)
		fc.emitStmt(st.Else)
		fc.patchJump(endJump)
	} else {
		fc.patchJump(elseJump)
	}
}

func (fc *funcCompiler) emitWhile(st *ast.While) {
	loopStart := fc.here()
	fc.markLine(st.Pos)
	fc.emitExpr(st.Cond)
	fc.emit(JZ)
	exitJump := fc.emitRel32Placeholder()
	lc := &loopCtx{continueTarget: loopStart}
	fc.loops = append(fc.loops, lc)
	fc.emitStmt(st.Body)
	fc.emit(JMP)
	back := fc.emitRel32Placeholder()
	fc.patchJumpTo(back, loopStart)
	fc.patchJump(exitJump)
	fc.popLoop(lc)
}

// emitForRange lowers `iterate i from A through B [step K]`: evaluate the
// bounds once, init i, test i<=B, run the body, i+=step, branch back.
func (fc *funcCompiler) emitForRange(st *ast.ForRange) {
	fc.beginScope()
	fc.markLine(st.Pos)
	fc.emitExpr(st.From)
	slot := fc.declareLocal(st.Var, false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, slot)
	fc.emit(POP)

	// bounds and step are evaluated exactly once, before the first test.
	fc.emitExpr(st.To)
	limitSlot := fc.declareLocal(" limit", false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, limitSlot)
	fc.emit(POP)
	stepSlot := -1
	if st.Step != nil {
		fc.emitExpr(st.Step)
		stepSlot = fc.declareLocal(" step", false, st.Pos)
		fc.emitOpVarint(STORE_LOCAL, stepSlot)
		fc.emit(POP)
	}

	loopStart := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, slot)
	fc.emitOpVarint(LOAD_LOCAL, limitSlot)
	fc.emit(LE)
	fc.emit(JZ)
	exitJump := fc.emitRel32Placeholder()

	lc := &loopCtx{continueTarget: -1}
	fc.loops = append(fc.loops, lc)
	fc.emitStmt(st.Body)

	continueTarget := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, slot)
	if stepSlot >= 0 {
		fc.emitOpVarint(LOAD_LOCAL, stepSlot)
	} else {
		idx := fc.e.constIndex(value.IntValue(1), "i:1")
		fc.emitOpVarint(PUSH, idx)
	}
	fc.emit(ADD)
	fc.emitOpVarint(STORE_LOCAL, slot)
	fc.emit(POP)
	fc.emit(JMP)
	back := fc.emitRel32Placeholder()
	fc.patchJumpTo(back, loopStart)
	fc.patchJump(exitJump)
	fc.resolveLoopContinues(lc, continueTarget)
	fc.popLoop(lc)
	fc.endScope()
}

// emitForEach desugars `for each x in C` into ITER_NEW/ITER_NEXT with a
// hidden local holding the iterator.
func (fc *funcCompiler) emitForEach(st *ast.ForEach) {
	fc.beginScope()
	fc.markLine(st.Pos)
	fc.emitExpr(st.Coll)
	fc.emit(ITER_NEW)
	iterSlot := fc.declareLocal(" iter", false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, iterSlot)
	fc.emit(POP)

	loopStart := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, iterSlot)
	fc.emit(ITER_NEXT) // pushes value, then done-flag on top
	fc.emit(JNZ)
	exitJump := fc.emitRel32Placeholder()
	varSlot := fc.declareLocal(st.Var, false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, varSlot)
	fc.emit(POP)

	lc := &loopCtx{continueTarget: -1}
	fc.loops = append(fc.loops, lc)
	fc.emitStmt(st.Body)
	continueTarget := fc.here()
	fc.emit(JMP)
	back := fc.emitRel32Placeholder()
	fc.patchJumpTo(back, loopStart)
	fc.patchJump(exitJump)
	fc.emitOpVarint(LOAD_LOCAL, iterSlot)
	fc.emit(ITER_DONE)
	fc.emit(POP)
	fc.resolveLoopContinues(lc, continueTarget)
	fc.popLoop(lc)
	fc.endScope()
}

func (fc *funcCompiler) emitRepeatTimes(st *ast.RepeatTimes) {
	fc.beginScope()
	fc.markLine(st.Pos)
	fc.emitExpr(st.Count)
	countSlot := fc.declareLocal(" count", false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, countSlot)
	fc.emit(POP)

	loopStart := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, countSlot)
	zero := fc.e.constIndex(value.IntValue(0), "i:0")
	fc.emitOpVarint(PUSH, zero)
	fc.emit(GT)
	fc.emit(JZ)
	exitJump := fc.emitRel32Placeholder()

	lc := &loopCtx{continueTarget: -1}
	fc.loops = append(fc.loops, lc)
	fc.emitStmt(st.Body)
	continueTarget := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, countSlot)
	one := fc.e.constIndex(value.IntValue(1), "i:1")
	fc.emitOpVarint(PUSH, one)
	fc.emit(SUB)
	fc.emitOpVarint(STORE_LOCAL, countSlot)
	fc.emit(POP)
	fc.emit(JMP)
	back := fc.emitRel32Placeholder()
	fc.patchJumpTo(back, loopStart)
	fc.patchJump(exitJump)
	fc.resolveLoopContinues(lc, continueTarget)
	fc.popLoop(lc)
	fc.endScope()
}

// popLoop patches every break jump to land here (the loop's exit point,
// already emitted by the caller before popLoop runs).
func (fc *funcCompiler) popLoop(lc *loopCtx) {
	fc.loops = fc.loops[:len(fc.loops)-1]
	for _, p := range lc.breakPatches {
		fc.patchJump(p)
	}
}

// resolveLoopContinues patches continue jumps for loop forms (for-range,
// for-each, repeat-times) whose continue target - the increment/advance step
// - is only known after the body has been emitted. While-loops know their
// continue target (the condition re-check) upfront and never populate
// continuePatches.
func (fc *funcCompiler) resolveLoopContinues(lc *loopCtx, continueTarget int) {
	lc.continueTarget = continueTarget
	for _, p := range lc.continuePatches {
		fc.patchJumpTo(p, continueTarget)
	}
}

func (fc *funcCompiler) emitBreak(pos ast.Pos) {
	if len(fc.loops) == 0 {
		fc.e.errorf(pos, "break outside of loop")
		return
	}
	fc.emit(JMP)
	p := fc.emitRel32Placeholder()
	lc := fc.loops[len(fc.loops)-1]
	lc.breakPatches = append(lc.breakPatches, p)
}

func (fc *funcCompiler) emitContinue(pos ast.Pos) {
	if len(fc.loops) == 0 {
		fc.e.errorf(pos, "continue outside of loop")
		return
	}
	lc := fc.loops[len(fc.loops)-1]
	fc.emit(JMP)
	if lc.continueTarget >= 0 {
		back := fc.emitRel32Placeholder()
		fc.patchJumpTo(back, lc.continueTarget)
		return
	}
	p := fc.emitRel32Placeholder()
	lc.continuePatches = append(lc.continuePatches, p)
}

// emitMatch lowers pattern matching to a cascade of equality tests.
// Exhaustiveness is not checked: a match without a default arm compiles
// without any warning.
func (fc *funcCompiler) emitMatch(st *ast.Match) {
	fc.markLine(st.Pos)
	fc.beginScope()
	fc.emitExpr(st.Subject)
	subjectSlot := fc.declareLocal(" match", false, st.Pos)
	fc.emitOpVarint(STORE_LOCAL, subjectSlot)
	fc.emit(POP)

	var endJumps []int
	hasDefault := false
	for _, arm := range st.Arms {
		if arm.Pattern == nil {
			hasDefault = true
			fc.emitStmt(arm.Body)
			fc.emit(JMP)
			endJumps = append(endJumps, fc.emitRel32Placeholder())
			continue
		}
		fc.emitOpVarint(LOAD_LOCAL, subjectSlot)
		fc.emitExpr(arm.Pattern)
		fc.emit(EQ)
		fc.emit(JZ)
		nextArm := fc.emitRel32Placeholder()
		fc.emitStmt(arm.Body)
		fc.emit(JMP)
		endJumps = append(endJumps, fc.emitRel32Placeholder())
		fc.patchJump(nextArm)
	}
	_ = hasDefault // exhaustiveness is not checked; no warning is emitted
	for _, j := range endJumps {
		fc.patchJump(j)
	}
	fc.endScope()
}

// emitTryCatch lowers try/catch/finally. Handler entries are appended in
// source order, so nested regions (whose bodies finish emitting first)
// precede enclosing ones and the VM's linear scan finds the innermost match
// first. The handler receives the exception value on the stack; clauses are
// dispatched with type tests, and an unmatched exception re-raises after the
// finally block so finally runs exactly once on every exit path.
func (fc *funcCompiler) emitTryCatch(st *ast.TryCatch) {
	fc.markLine(st.Pos)
	tryStart := fc.here()
	fc.emit(BEGIN_TRY)
	handlerPatch := fc.emitRel32Placeholder()
	fc.emitStmt(st.Try)
	tryEnd := fc.here()
	fc.emit(END_TRY)
	fc.emit(JMP)
	afterHandlers := fc.emitRel32Placeholder()

	handlerStart := fc.here()
	fc.patchJumpTo(handlerPatch, handlerStart)
	entryType := ""
	if len(st.Catches) == 1 && st.Finally == nil {
		// a lone typed clause can be filtered entirely by the handler
		// table; every other shape needs the handler code to run so the
		// dispatch chain (and finally) can decide.
		entryType = st.Catches[0].ExceptionType
	}
	fc.e.prog.Handlers = append(fc.e.prog.Handlers, HandlerEntry{
		TryStart:      tryStart,
		TryEnd:        tryEnd,
		HandlerOffset: handlerStart,
		ExceptionType: entryType,
		FunctionIndex: fc.funcIndex(),
	})

	var doneJumps []int
	for _, c := range st.Catches {
		var next int
		if c.ExceptionType != "" {
			fc.emitOpVarint(PUSH, fc.e.internString(c.ExceptionType))
			fc.emitOpVarint(CALL_HOST, HostExcMatch)
			fc.emit(JZ)
			next = fc.emitRel32Placeholder()
		}
		fc.beginScope()
		if c.Binding != "" {
			slot := fc.declareLocal(c.Binding, false, st.Pos)
			fc.emitOpVarint(STORE_LOCAL, slot)
		}
		fc.emit(POP)
		fc.emitStmt(c.Body)
		fc.endScope()
		fc.emit(LEAVE)
		fc.emit(JMP)
		doneJumps = append(doneJumps, fc.emitRel32Placeholder())
		if c.ExceptionType != "" {
			fc.patchJump(next)
		} else {
			break // an untyped clause matches anything; later clauses are dead
		}
	}
	// no clause matched: run finally with the exception still on the
	// stack, then re-raise it so an outer region gets its turn.
	if st.Finally != nil {
		fc.emitStmt(st.Finally)
	}
	fc.emit(THROW)

	fc.patchJump(afterHandlers)
	for _, j := range doneJumps {
		fc.patchJump(j)
	}
	if st.Finally != nil {
		fc.emitStmt(st.Finally)
	}
}

func (fc *funcCompiler) funcIndex() int { return fc.idx }

// emitInlineAsm assembles the raw @asm block and splices it as
// an ASM_EXEC over a Bytes constant.
func (fc *funcCompiler) emitInlineAsm(st *ast.InlineAsm) {
	frag, err := asm.Assemble(st.Raw, st.OriginLine)
	if err != nil {
		fc.e.errorf(st.Pos, "inline assembly: %v", errors.Cause(err))
		return
	}
	idx := len(fc.e.prog.Constants)
	fc.e.prog.Constants = append(fc.e.prog.Constants, value.HandleValue(value.Bytes, value.Handle(idx)))
	fc.e.prog.Metadata[bytesKey(idx)] = string(frag.Code)
	fc.emitOpVarint(ASM_EXEC, idx)
}

func bytesKey(idx int) string { return "asmfrag:" + itoa(idx) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// ---- expressions ----

func (fc *funcCompiler) emitExpr(x ast.Expr) {
	switch e := x.(type) {
	case *ast.Literal:
		fc.emitLiteral(e)
	case *ast.Ident:
		fc.emitLoadIdent(e)
	case *ast.Unary:
		fc.emitUnary(e)
	case *ast.Binary:
		fc.emitBinary(e)
	case *ast.Ternary:
		fc.emitTernary(e)
	case *ast.Index:
		fc.emitExpr(e.Base)
		fc.emitExpr(e.Index)
		fc.emit(GET_INDEX)
	case *ast.Member:
		if fc.emitStaticMember(e) {
			return
		}
		fc.emitExpr(e.Base)
		name := fc.e.internString(e.Name)
		fc.emitOpVarint(GET_FIELD, name)
	case *ast.Call:
		fc.emitCall(e)
	case *ast.Assignment:
		fc.emitAssignment(e)
	case *ast.AwaitExpr:
		fc.emitExpr(e.Operand)
		resume := len(fc.fn().SuspendPoints)
		fc.emitOpVarint(AWAIT, resume)
		// the resumption point is the instruction after AWAIT.
		fc.fn().SuspendPoints = append(fc.fn().SuspendPoints, fc.here())
	case *ast.Aggregate:
		fc.emitAggregate(e)
	case *ast.StructLit:
		fc.emitStructLit(e)
	case *ast.Lambda:
		fc.emitLambda(e)
	default:
		fc.e.errorf(x.Position(), "emitter: unsupported expression node %T", x)
	}
}

func (fc *funcCompiler) emitLiteral(l *ast.Literal) {
	var v value.Value
	switch val := l.Value.(type) {
	case int64:
		v = value.IntValue(val)
	case float64:
		v = value.FloatValue(val)
	case string:
		v = value.StrValue(val)
	case bool:
		v = value.BoolValue(val)
	case token.UnitVal:
		u := value.Unit{Symbol: val.Unit}
		switch n := val.Num.(type) {
		case int64:
			v = value.UnitValue(value.IntValue(n), u)
		case float64:
			v = value.UnitValue(value.FloatValue(n), u)
		}
	case nil:
		v = value.NullValue()
	default:
		v = value.NullValue()
	}
	key := "lit:" + fmtKey(l)
	idx := fc.e.constIndex(v, key)
	fc.emitOpVarint(PUSH, idx)
}

func fmtKey(l *ast.Literal) string {
	return l.Kind.String() + ":" + value.Format(valueOfLiteral(l), nil)
}

func valueOfLiteral(l *ast.Literal) value.Value {
	switch val := l.Value.(type) {
	case int64:
		return value.IntValue(val)
	case float64:
		return value.FloatValue(val)
	case string:
		return value.StrValue(val)
	case bool:
		return value.BoolValue(val)
	case token.UnitVal:
		u := value.Unit{Symbol: val.Unit}
		switch n := val.Num.(type) {
		case int64:
			return value.UnitValue(value.IntValue(n), u)
		case float64:
			return value.UnitValue(value.FloatValue(n), u)
		}
		return value.NullValue()
	default:
		return value.NullValue()
	}
}

func (fc *funcCompiler) emitLoadIdent(id *ast.Ident) {
	if slot, ok, _ := fc.resolveLocal(id.Name); ok {
		fc.emitOpVarint(LOAD_LOCAL, slot)
		return
	}
	if idx, ok := fc.resolveUpvalue(id.Name); ok {
		fc.emitOpVarint(LOAD_UPVALUE, idx)
		return
	}
	if !fc.e.globals[id.Name] {
		fc.e.errorf(id.Pos, "unresolved identifier %q in strict scope", id.Name)
	}
	name := fc.e.internString(id.Name)
	fc.emitOpVarint(LOAD_GLOBAL, name)
}

func (fc *funcCompiler) emitUnary(u *ast.Unary) {
	switch u.Op {
	case "∑":
		fc.emitAggregate(&ast.Aggregate{ExprBase: u.ExprBase, Op: "sum", Coll: u.Operand})
		return
	case "∏":
		fc.emitAggregate(&ast.Aggregate{ExprBase: u.ExprBase, Op: "product", Coll: u.Operand})
		return
	}
	fc.emitExpr(u.Operand)
	switch u.Op {
	case "-":
		fc.emit(NEG)
	case "!", "¬":
		idx := fc.e.constIndex(value.BoolValue(true), "b:true")
		fc.emitOpVarint(PUSH, idx)
		fc.emit(XOR)
	case "~":
		fc.emit(NOT)
	case "√":
		fc.emitOpVarint(CALL_HOST, HostSqrt)
	case "*":
		// low-register pointer dereference reads a full cell.
		fc.emit(LOAD_QWORD)
	case "&":
		// address-of: typed-pointer values already carry their address, so
		// taking the address of a pointer expression is the value itself.
	default:
		fc.e.errorf(u.Pos, "emitter: unsupported unary operator %q", u.Op)
	}
}

func (fc *funcCompiler) emitBinary(b *ast.Binary) {
	// logical operators short-circuit: the right operand is evaluated only
	// when the left one does not already decide the result.
	if b.Op == "&&" || b.Op == "||" {
		fc.emitExpr(b.Left)
		fc.emit(DUP)
		if b.Op == "&&" {
			fc.emit(JZ)
		} else {
			fc.emit(JNZ)
		}
		end := fc.emitRel32Placeholder()
		fc.emit(POP)
		fc.emitExpr(b.Right)
		fc.patchJump(end)
		return
	}
	fc.emitExpr(b.Left)
	fc.emitExpr(b.Right)
	switch b.Op {
	case "+":
		fc.emit(ADD)
	case "-":
		fc.emit(SUB)
	case "*":
		fc.emit(MUL)
	case "/":
		fc.emit(DIV)
	case "%":
		fc.emit(MOD)
	case "**":
		fc.emitOpVarint(CALL_HOST, HostPow)
	case "==":
		fc.emit(EQ)
	case "!=":
		fc.emit(NE)
	case "<":
		fc.emit(LT)
	case ">":
		fc.emit(GT)
	case "<=":
		fc.emit(LE)
	case ">=":
		fc.emit(GE)
	case "&":
		fc.emit(AND)
	case "|":
		fc.emit(OR)
	case "^":
		fc.emit(XOR)
	case "<<":
		fc.emit(SHL)
	case ">>":
		fc.emit(SHR)
	default:
		fc.e.errorf(b.Pos, "emitter: unsupported binary operator %q", b.Op)
	}
}

func (fc *funcCompiler) emitTernary(t *ast.Ternary) {
	fc.emitExpr(t.Cond)
	fc.emit(JZ)
	elseJump := fc.emitRel32Placeholder()
	fc.emitExpr(t.Then)
	fc.emit(JMP)
	endJump := fc.emitRel32Placeholder()
	fc.patchJump(elseJump)
	fc.emitExpr(t.Else)
	fc.patchJump(endJump)
}

func (fc *funcCompiler) emitCall(c *ast.Call) {
	if id, ok := c.Callee.(*ast.Ident); ok {
		if fc.emitBuiltinCall(id.Name, c) {
			return
		}
	}
	for _, a := range c.Args {
		fc.emitExpr(a)
	}
	if id, ok := c.Callee.(*ast.Ident); ok {
		if sym, ok := fc.e.prog.Symbols[id.Name]; ok && sym.Kind == "fn" {
			if _, shadowed, _ := fc.resolveLocal(id.Name); !shadowed {
				fc.emitOpVarint(CALL, int(sym.Value.Int()))
				return
			}
		}
	}
	// dynamic call: callee value already resolved to a Func/BoundMethod
	// handle; evaluate it after the arguments per the stack's calling
	// convention.
	fc.emitExpr(c.Callee)
	fc.emitOpVarint(CALL_HOST, HostInvoke)
}

// emitBuiltinCall lowers the synthetic and intrinsic callees the parser
// produces: list literals, print, the asm-register intrinsic and the small
// host function set of encoding.go. Returns false when name is an ordinary
// call target.
func (fc *funcCompiler) emitBuiltinCall(name string, c *ast.Call) bool {
	switch name {
	case "__list__":
		for _, a := range c.Args {
			fc.emitExpr(a)
		}
		fc.emitOpVarint(NEW_LIST, len(c.Args))
		return true
	case "print":
		for _, a := range c.Args {
			fc.emitExpr(a)
		}
		fc.emitOpVarint(NEW_LIST, len(c.Args))
		fc.emitOpVarint(CALL_HOST, HostPrint)
		return true
	case "read_line":
		fc.emitOpVarint(CALL_HOST, HostReadLine)
		return true
	case "asm_reg":
		if len(c.Args) != 1 {
			fc.e.errorf(c.Pos, "asm_reg expects one register index")
			return true
		}
		fc.emitExpr(c.Args[0])
		fc.emitOpVarint(CALL_HOST, HostAsmReg)
		return true
	case "len":
		if len(c.Args) != 1 {
			fc.e.errorf(c.Pos, "len expects one argument")
			return true
		}
		fc.emitExpr(c.Args[0])
		fc.emitOpVarint(CALL_HOST, HostLen)
		return true
	case "alloc":
		if len(c.Args) != 1 {
			fc.e.errorf(c.Pos, "alloc expects a byte size")
			return true
		}
		fc.emitExpr(c.Args[0])
		fc.emit(ALLOC)
		return true
	case "free":
		if len(c.Args) != 1 {
			fc.e.errorf(c.Pos, "free expects a pointer")
			return true
		}
		fc.emitExpr(c.Args[0])
		fc.emit(FREE)
		return true
	case "syscall":
		// syscall(N, args...) reaches embedder-registered intrinsics; N must
		// be a literal so it can be encoded as the SYSCALL operand byte.
		if len(c.Args) == 0 {
			fc.e.errorf(c.Pos, "syscall expects a literal slot number")
			return true
		}
		lit, ok := c.Args[0].(*ast.Literal)
		if !ok {
			fc.e.errorf(c.Args[0].Position(), "syscall slot must be a literal integer")
			return true
		}
		n, ok := lit.Value.(int64)
		if !ok || n < 0 || n > 255 {
			fc.e.errorf(lit.Pos, "syscall slot must be an integer in [0,255]")
			return true
		}
		for _, a := range c.Args[1:] {
			fc.emitExpr(a)
		}
		fc.emit(SYSCALL)
		fc.e.prog.Bytecode = append(fc.e.prog.Bytecode, byte(n))
		return true
	case "cancel":
		if len(c.Args) != 1 {
			fc.e.errorf(c.Pos, "cancel expects a task")
			return true
		}
		fc.emitExpr(c.Args[0])
		fc.emitOpVarint(CALL_HOST, HostCancel)
		return true
	}
	return false
}

func (fc *funcCompiler) emitAssignment(a *ast.Assignment) {
	switch lhs := a.Lhs.(type) {
	case *ast.Ident:
		if _, ok, isConst := fc.resolveLocal(lhs.Name); ok && isConst {
			fc.e.errorf(a.Pos, "assignment to immutable binding %q", lhs.Name)
		}
		if fc.e.immutable[lhs.Name] {
			fc.e.errorf(a.Pos, "assignment to immutable binding %q", lhs.Name)
		}
		fc.emitCompoundRHS(a)
		if slot, ok, _ := fc.resolveLocal(lhs.Name); ok {
			fc.emitOpVarint(STORE_LOCAL, slot)
			return
		}
		if idx, ok := fc.resolveUpvalue(lhs.Name); ok {
			fc.emitOpVarint(STORE_UPVALUE, idx)
			return
		}
		name := fc.e.internString(lhs.Name)
		fc.emitOpVarint(STORE_GLOBAL, name)
	case *ast.Index:
		fc.emitExpr(lhs.Base)
		fc.emitExpr(lhs.Index)
		fc.emitCompoundRHS(a)
		fc.emit(SET_INDEX)
	case *ast.Member:
		fc.emitExpr(lhs.Base)
		fc.emitCompoundRHS(a)
		name := fc.e.internString(lhs.Name)
		fc.emitOpVarint(SET_FIELD, name)
	default:
		fc.e.errorf(a.Pos, "emitter: unsupported assignment target %T", lhs)
	}
}

func (fc *funcCompiler) emitCompoundRHS(a *ast.Assignment) {
	if a.Op == "=" {
		fc.emitExpr(a.Rhs)
		return
	}
	fc.emitExpr(a.Lhs)
	fc.emitExpr(a.Rhs)
	switch a.Op {
	case "+=":
		fc.emit(ADD)
	case "-=":
		fc.emit(SUB)
	case "*=":
		fc.emit(MUL)
	case "/=":
		fc.emit(DIV)
	case "%=":
		fc.emit(MOD)
	case "&=":
		fc.emit(AND)
	case "|=":
		fc.emit(OR)
	case "^=":
		fc.emit(XOR)
	case "<<=":
		fc.emit(SHL)
	case ">>=":
		fc.emit(SHR)
	default:
		fc.e.errorf(a.Pos, "emitter: unsupported compound assignment %q", a.Op)
	}
}

// emitAggregate lowers `sum|product|min|max|average of all E`: NEW_ACC, fold the collection with ACC_FOLD, then PUSH_ACC.
func (fc *funcCompiler) emitAggregate(a *ast.Aggregate) {
	var aggOp AggOp
	switch a.Op {
	case "sum":
		aggOp = AggSum
	case "product":
		aggOp = AggProduct
	case "min":
		aggOp = AggMin
	case "max":
		aggOp = AggMax
	case "average":
		aggOp = AggAverage
	default:
		fc.e.errorf(a.Pos, "emitter: unsupported aggregate operator %q", a.Op)
	}
	fc.beginScope()
	fc.emit(NEW_ACC)
	fc.e.prog.Bytecode = append(fc.e.prog.Bytecode, byte(aggOp))
	fc.emitExpr(a.Coll)
	fc.emit(ITER_NEW)
	iterSlot := fc.declareLocal(" aggiter", false, a.Pos)
	fc.emitOpVarint(STORE_LOCAL, iterSlot)
	fc.emit(POP)
	loopStart := fc.here()
	fc.emitOpVarint(LOAD_LOCAL, iterSlot)
	fc.emit(ITER_NEXT)
	fc.emit(JNZ)
	exitJump := fc.emitRel32Placeholder()
	fc.emit(ACC_FOLD)
	fc.emit(JMP)
	back := fc.emitRel32Placeholder()
	fc.patchJumpTo(back, loopStart)
	fc.patchJump(exitJump)
	fc.emit(PUSH_ACC)
	fc.endScope()
}

// emitStaticMember handles member access whose base names an enum (variant
// constants), or an import alias (which resolves to a plain global). Returns
// false for ordinary instance/struct field access.
func (fc *funcCompiler) emitStaticMember(m *ast.Member) bool {
	id, ok := m.Base.(*ast.Ident)
	if !ok {
		return false
	}
	if _, local, _ := fc.resolveLocal(id.Name); local {
		return false
	}
	if ei, ok := fc.e.prog.Enums[id.Name]; ok {
		for i, variant := range ei.Variants {
			if variant == m.Name {
				idx := fc.e.constIndex(ei.Values[i], "enum:"+id.Name+"."+variant)
				fc.emitOpVarint(PUSH, idx)
				return true
			}
		}
		fc.e.errorf(m.Pos, "enum %s has no variant %q", id.Name, m.Name)
		return true
	}
	if names, ok := fc.e.aliasOf[id.Name]; ok {
		for _, n := range names {
			if n == m.Name {
				fc.emitOpVarint(LOAD_GLOBAL, fc.e.internString(n))
				return true
			}
		}
		fc.e.errorf(m.Pos, "module alias %s exports no %q", id.Name, m.Name)
		return true
	}
	return false
}

// emitStructLit pushes field values in declared-field order (missing fields
// get null) and instantiates via NEW_INSTANCE, whose operand names the
// type's interned name; the VM pops one value per declared field.
func (fc *funcCompiler) emitStructLit(s *ast.StructLit) {
	var declared []string
	if si, ok := fc.e.prog.Structs[s.TypeName]; ok {
		declared = si.FieldNames
	} else if ci, ok := fc.e.prog.Classes[s.TypeName]; ok {
		declared = ci.FieldNames
	} else {
		fc.e.errorf(s.Pos, "unknown struct or class type %q", s.TypeName)
		return
	}
	byName := make(map[string]ast.Expr, len(s.Fields))
	for _, f := range s.Fields {
		v := f.Value
		if v == nil {
			v = &ast.Ident{ExprBase: ast.ExprBase{Pos: s.Pos}, Name: f.Name} // field shorthand
		}
		if _, dup := byName[f.Name]; dup {
			fc.e.errorf(s.Pos, "duplicate field %q in %s literal", f.Name, s.TypeName)
		}
		byName[f.Name] = v
	}
	for name := range byName {
		known := false
		for _, d := range declared {
			if d == name {
				known = true
				break
			}
		}
		if !known {
			fc.e.errorf(s.Pos, "type %s has no field %q", s.TypeName, name)
		}
	}
	for _, name := range declared {
		if v, ok := byName[name]; ok {
			fc.emitExpr(v)
		} else {
			fc.emitPushNull()
		}
	}
	fc.emitOpVarint(NEW_INSTANCE, fc.e.internString(s.TypeName))
}

// emitLambda compiles an anonymous function into a fresh function-table
// slot and pushes a Func value referencing it.
func (fc *funcCompiler) emitLambda(l *ast.Lambda) {
	idx := len(fc.e.prog.Functions)
	fc.e.prog.Functions = append(fc.e.prog.Functions, FunctionInfo{
		Name:           "<lambda>",
		ParameterCount: len(l.Params),
		IsAsync:        l.IsAsync,
	})
	child := &funcCompiler{e: fc.e, idx: idx, parent: fc}
	for _, p := range l.Params {
		child.declareLocal(p.Name, false, l.Pos)
	}
	// the lambda body is emitted inline; the enclosing function jumps over
	// it, then materialises the closure from the function-table index.
	fc.emit(JMP)
	skip := fc.emitRel32Placeholder()
	fc.e.prog.Functions[idx].EntryOffset = fc.here()
	for _, s := range l.Body.Statements {
		child.emitStmt(s)
	}
	child.emitPushNull()
	child.emit(RET)
	fc.patchJump(skip)
	idxConst := fc.e.constIndex(value.IntValue(int64(idx)), "fnref:"+itoa(idx))
	fc.emitOpVarint(PUSH, idxConst)
	fc.emitOpVarint(CALL_HOST, HostMakeFunc)
}
