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

package loader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/vm"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestLoader(extra ...string) (*Loader, *value.Heap, *bytes.Buffer) {
	heap := value.NewHeap()
	var out bytes.Buffer
	return New(heap, &out, extra...), heap, &out
}

// runImporter compiles and runs src (written to dir/name) against ld.
func runImporter(t *testing.T, ld *Loader, heap *value.Heap, out *bytes.Buffer, path, src string) *vm.Instance {
	t.Helper()
	toks, err := lexer.Lex(source.New(path, src))
	require.NoError(t, err)
	tree, err := parser.Parse(path, toks)
	require.NoError(t, err)
	em := bytecode.NewEmitterWithLoader(path, ld)
	prog, err := em.EmitProgram(tree)
	require.NoError(t, err)
	globals, err := ld.InstanceGlobals(prog)
	require.NoError(t, err)
	i, err := vm.New(prog, vm.WithHeap(heap), vm.WithGlobals(globals), vm.WithOutput(out))
	require.NoError(t, err)
	_, err = i.Run()
	require.NoError(t, err)
	return i
}

func TestResolveExtensionOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mod.ou", "var a = 1;")
	ld, _, _ := newTestLoader(dir)
	got, err := ld.Resolve("", "mod")
	require.NoError(t, err)
	require.Equal(t, "mod.ou", filepath.Base(got))

	writeFile(t, dir, "mod.ouro", "var a = 1;")
	got, err = ld.Resolve("", "mod")
	require.NoError(t, err)
	require.Equal(t, "mod.ouro", filepath.Base(got), ".ouro should win over .ou")
}

func TestResolveDirectoryIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pkg"), 0o755))
	writeFile(t, filepath.Join(dir, "pkg"), "index.ouro", "var a = 1;")
	ld, _, _ := newTestLoader(dir)
	got, err := ld.Resolve("", "pkg")
	require.NoError(t, err)
	require.Equal(t, "index.ouro", filepath.Base(got))
}

func TestResolveRelativeToImporter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dep.ouro", "var a = 1;")
	importer := filepath.Join(dir, "main.ouro")
	ld, _, _ := newTestLoader()
	got, err := ld.Resolve(importer, "./dep.ouro")
	require.NoError(t, err)
	require.Equal(t, "dep.ouro", filepath.Base(got))
}

func TestResolveUnknownFails(t *testing.T) {
	ld, _, _ := newTestLoader(t.TempDir())
	_, err := ld.Resolve("", "no-such-module")
	require.Error(t, err)
}

// Importing the same canonical path twice yields the identical module
// record, and top-level code runs exactly once.
func TestMemoisationAndSingleEvaluation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state.ouro", "export var counter = 0;\ncounter = counter + 1;\n")
	ld, heap, out := newTestLoader(dir)

	m1, err := ld.LoadModule("", "state")
	require.NoError(t, err)
	m2, err := ld.LoadModule("", "state")
	require.NoError(t, err)
	require.Same(t, m1, m2, "module records must be memoised by canonical path")

	a := runImporter(t, ld, heap, out, filepath.Join(dir, "a.ouro"), `import "./state.ouro";
print counter;`)
	b := runImporter(t, ld, heap, out, filepath.Join(dir, "b.ouro"), `import "./state.ouro";
print counter;`)
	_ = a
	_ = b
	require.Equal(t, "1\n1\n", out.String(), "top-level increment must run exactly once")
}

func TestCyclicImportReturnsPartialWithWarning(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ouro", "import \"./b.ouro\";\nexport var fromA = 1;\n")
	writeFile(t, dir, "b.ouro", "import \"./a.ouro\";\nexport var fromB = 2;\n")
	ld, _, _ := newTestLoader(dir)
	_, err := ld.LoadModule("", filepath.Join(dir, "a.ouro"))
	require.NoError(t, err)
	require.NotEmpty(t, ld.Warnings, "a cycle must record a warning")
}

func TestImportedFunctionCallableAcrossModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mathmod.ouro", "export func double(n) { return n * 2; }\n")
	ld, heap, out := newTestLoader(dir)
	runImporter(t, ld, heap, out, filepath.Join(dir, "main.ouro"),
		"import \"./mathmod.ouro\";\nprint double(21);")
	require.Equal(t, "42\n", out.String())
}

func TestNamedImportFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "many.ouro", "export var one = 1;\nexport var two = 2;\n")
	ld, heap, out := newTestLoader(dir)
	runImporter(t, ld, heap, out, filepath.Join(dir, "main.ouro"),
		"import { two } from \"./many.ouro\";\nprint two;")
	require.Equal(t, "2\n", out.String())
}

func TestClearDropsCache(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state.ouro", "export var counter = 0;\n")
	ld, _, _ := newTestLoader(dir)
	m1, err := ld.LoadModule("", "state")
	require.NoError(t, err)
	ld.Clear()
	m2, err := ld.LoadModule("", "state")
	require.NoError(t, err)
	require.NotSame(t, m1, m2)
}

func TestModuleErrorOnUnresolvedImport(t *testing.T) {
	dir := t.TempDir()
	ld, _, _ := newTestLoader(dir)
	_, err := ld.LoadModule("", "missing-module")
	require.Error(t, err)
}
