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

// Package loader implements the module system: import path resolution,
// canonical-path memoisation and cyclic-import handling, plus the
// evaluate-once semantics that make a module's exports identical across
// every importer.
package loader

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/ast"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/vm"
)

// extensions tried, in order, when a path does not resolve literally.
var extensions = []string{".ouro", ".ou"}

// indexNames tried inside a directory import.
var indexNames = []string{"index.ouro", "index.ou"}

// Module is one loaded compilation unit. A record stays
// in the cache until an explicit Clear, so a second import of the same
// canonical path observes referential equality of the exports table.
type Module struct {
	Name          string
	CanonicalPath string
	AST           *ast.Program
	Program       *bytecode.Program
	Exports       map[string]*bytecode.Symbol
	DefaultExport string
	LoadTime      time.Time

	deps      []*Module
	inst      *vm.Instance
	evaluated bool
	partial   bool // created while its own load was still in progress (cycle)
}

// Loader resolves, compiles, caches and evaluates modules. It implements
// bytecode.Loader so the emitter can pull in imports mid-compilation.
type Loader struct {
	SearchPaths []string
	Warnings    []string

	heap    *value.Heap
	out     io.Writer
	cache   map[string]*Module
	loading map[string]*Module
	order   []*Module
}

// New creates a Loader whose modules share heap (so export values flow
// between VMs) and write guest output to out. Search paths start with the
// working directory and the installed standard library, then any extra
// paths (driver -I flags and OURO_PATH entries).
func New(heap *value.Heap, out io.Writer, extraPaths ...string) *Loader {
	paths := []string{"."}
	if lib := defaultLibDir(); lib != "" {
		paths = append(paths, lib)
	}
	paths = append(paths, extraPaths...)
	return &Loader{
		SearchPaths: paths,
		heap:        heap,
		out:         out,
		cache:       make(map[string]*Module),
		loading:     make(map[string]*Module),
	}
}

func defaultLibDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "lib")
}

// Clear drops every cached module record.
func (l *Loader) Clear() {
	l.cache = make(map[string]*Module)
	l.loading = make(map[string]*Module)
	l.order = nil
	l.Warnings = nil
}

// Resolve maps an import path to a canonical absolute file path, trying in
// order: absolute, relative to the importer, then each search path with
// extension and index-file fallbacks.
func (l *Loader) Resolve(importerFile, path string) (string, error) {
	try := func(p string) (string, bool) {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			abs, err := filepath.Abs(p)
			if err != nil {
				return "", false
			}
			return abs, true
		}
		return "", false
	}
	tryBase := func(base string) (string, bool) {
		if c, ok := try(base); ok {
			return c, true
		}
		for _, ext := range extensions {
			if c, ok := try(base + ext); ok {
				return c, true
			}
		}
		for _, idx := range indexNames {
			if c, ok := try(filepath.Join(base, idx)); ok {
				return c, true
			}
		}
		return "", false
	}

	if filepath.IsAbs(path) {
		if c, ok := tryBase(path); ok {
			return c, nil
		}
		return "", errors.Errorf("unresolved absolute import %q", path)
	}
	if len(path) > 1 && (path[:2] == "./" || (len(path) > 2 && path[:3] == "../")) {
		base := filepath.Join(filepath.Dir(importerFile), path)
		if c, ok := tryBase(base); ok {
			return c, nil
		}
		return "", errors.Errorf("unresolved relative import %q (from %s)", path, importerFile)
	}
	for _, dir := range l.SearchPaths {
		if c, ok := tryBase(filepath.Join(dir, path)); ok {
			return c, nil
		}
	}
	return "", errors.Errorf("unresolved import %q in search path %v", path, l.SearchPaths)
}

// Load implements bytecode.Loader: it resolves path, compiles the unit once
// and returns its compiled program. Re-entering a path that is still
// loading returns the partially-initialised module's program and records a
// warning.
func (l *Loader) Load(importerFile, path string) (*bytecode.Program, error) {
	mod, err := l.LoadModule(importerFile, path)
	if err != nil {
		return nil, err
	}
	return mod.Program, nil
}

// LoadModule is Load returning the full module record.
func (l *Loader) LoadModule(importerFile, path string) (*Module, error) {
	canonical, err := l.Resolve(importerFile, path)
	if err != nil {
		return nil, &diag.Diagnostic{Kind: diag.KindModule, Message: err.Error()}
	}
	if mod, ok := l.cache[canonical]; ok {
		return mod, nil
	}
	if mod, ok := l.loading[canonical]; ok {
		l.Warnings = append(l.Warnings,
			errors.Errorf("cyclic import of %s (from %s): partially-initialised module returned", canonical, importerFile).Error())
		return mod, nil
	}

	text, err := os.ReadFile(canonical)
	if err != nil {
		return nil, diag.Wrap(err, diag.KindModule, canonical, 0, 0, "cannot read module")
	}

	buf := source.New(canonical, string(text))
	toks, err := lexer.Lex(buf)
	if err != nil {
		return nil, err
	}
	tree, err := parser.Parse(canonical, toks)
	if err != nil {
		return nil, err
	}

	// Publish the partial record before emission so a cycle re-entering
	// this path still sees the export names; reads of their values before
	// the initialiser ran raise PartiallyInitialised at run time.
	mod := &Module{
		Name:          moduleName(canonical),
		CanonicalPath: canonical,
		AST:           tree,
		Program:       stubProgram(canonical, tree),
		Exports:       make(map[string]*bytecode.Symbol),
		LoadTime:      time.Now(),
		partial:       true,
	}
	l.loading[canonical] = mod
	defer delete(l.loading, canonical)

	em := bytecode.NewEmitterWithLoader(canonical, l)
	prog, err := em.EmitProgram(tree)
	if err != nil {
		return nil, err
	}
	mod.Program = prog
	mod.partial = false
	for _, rec := range prog.Imports {
		if dep, ok := l.cacheByImport(canonical, rec.Path); ok {
			mod.deps = append(mod.deps, dep)
		}
	}
	seenDefault := ""
	for name, sym := range prog.Symbols {
		if !sym.Exported {
			continue
		}
		mod.Exports[name] = sym
		if sym.IsDefault {
			if seenDefault != "" {
				return nil, &diag.Diagnostic{Kind: diag.KindModule, File: canonical,
					Message: "duplicate default export"}
			}
			seenDefault = name
		}
	}
	mod.DefaultExport = seenDefault
	l.cache[canonical] = mod
	l.order = append(l.order, mod)
	return mod, nil
}

func (l *Loader) cacheByImport(importerFile, path string) (*Module, bool) {
	canonical, err := l.Resolve(importerFile, path)
	if err != nil {
		return nil, false
	}
	mod, ok := l.cache[canonical]
	if !ok {
		mod, ok = l.loading[canonical]
	}
	return mod, ok
}

// Evaluate runs mod's top-level code exactly once per loader lifetime,
// dependencies first, and snapshots its exported values. Exported functions
// are wrapped as cross-instance callables so importers never index a
// foreign function table.
func (l *Loader) Evaluate(mod *Module) error {
	if mod.evaluated || mod.partial {
		return nil
	}
	mod.evaluated = true // set before recursing so a cycle terminates
	for _, dep := range mod.deps {
		if err := l.Evaluate(dep); err != nil {
			return err
		}
	}
	inst, err := vm.New(mod.Program, vm.WithHeap(l.heap), vm.WithOutput(l.out),
		vm.WithGlobals(l.exportGlobals(mod.deps)))
	if err != nil {
		return err
	}
	mod.inst = inst
	if _, err := inst.Run(); err != nil {
		return errors.Wrapf(err, "evaluating module %s", mod.CanonicalPath)
	}
	for name, sym := range mod.Exports {
		if sym.Kind == "fn" {
			sym.Value = inst.ExportCallable(int(sym.Value.Int()))
			continue
		}
		if v, ok := inst.Global(name); ok {
			sym.Value = v
		}
	}
	return nil
}

// exportGlobals flattens the evaluated exports of deps into a globals seed
// map for a VM about to run their importer.
func (l *Loader) exportGlobals(deps []*Module) map[string]value.Value {
	g := make(map[string]value.Value)
	for _, dep := range deps {
		for name, sym := range dep.Exports {
			g[name] = sym.Value
		}
	}
	return g
}

// InstanceGlobals evaluates every module prog imported (transitively) and
// returns the globals seed for running prog itself. The driver calls this
// between compilation and vm.New.
func (l *Loader) InstanceGlobals(prog *bytecode.Program) (map[string]value.Value, error) {
	var deps []*Module
	for _, rec := range prog.Imports {
		if dep, ok := l.cacheByImport(prog.SourceFile, rec.Path); ok {
			deps = append(deps, dep)
		}
	}
	for _, dep := range deps {
		if err := l.Evaluate(dep); err != nil {
			return nil, err
		}
	}
	return l.exportGlobals(deps), nil
}

func moduleName(canonical string) string {
	base := filepath.Base(canonical)
	for _, ext := range extensions {
		if len(base) > len(ext) && base[len(base)-len(ext):] == ext {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// stubProgram builds the export-names-only program a cyclic importer
// compiles against: symbols exist so strict scope resolution passes, but no
// values exist until the real program finishes evaluating.
func stubProgram(canonical string, tree *ast.Program) *bytecode.Program {
	p := bytecode.NewProgram(canonical)
	for _, s := range tree.Statements {
		ds, ok := s.(*ast.DeclStmt)
		if !ok {
			continue
		}
		ex, ok := ds.D.(*ast.ExportDecl)
		if !ok || ex.D == nil {
			continue
		}
		name := exportedName(ex.D)
		if name == "" {
			continue
		}
		p.Symbols[name] = &bytecode.Symbol{Name: name, Kind: "var", Exported: true, IsDefault: ex.IsDefault}
	}
	return p
}

func exportedName(d ast.Decl) string {
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
	}
	return ""
}
