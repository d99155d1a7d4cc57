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

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/bytecode"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/container"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/lexer"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/loader"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/parser"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/value"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/vm"
)

const version = "0.1.0"

// fileList is a repeatable flag value, used for -I search paths.
type fileList []string

func (f *fileList) String() string     { return "" }
func (f *fileList) Set(s string) error { *f = append(*f, s); return nil }
func (f *fileList) Get() interface{}   { return *f }

var (
	showVersion bool
	debug       bool
	noRaw       bool
	execStats   bool
	disasm      bool
	outFileName string
	incPaths    fileList
)

// atExit reports err and terminates. Internal diagnostics (verifier trips,
// assertion failures) are labelled so users know to file a bug rather than
// fix their source.
func atExit(i *vm.Instance, err error) {
	if err == nil {
		os.Exit(0)
	}
	if d, ok := err.(*diag.Diagnostic); ok && d.Internal {
		fmt.Fprintf(os.Stderr, "internal error (this is a bug, please report it):\n%v\n", d)
		os.Exit(1)
	}
	if debug {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	if debug && i != nil {
		fmt.Fprintf(os.Stderr, "executed %d instructions\n", i.InstructionCount())
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ouro [flags] [file.ouro]\n\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.BoolVar(&showVersion, "v", false, "print version and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&debug, "debug", false, "enable trace logging (the AST is not retained)")
	flag.BoolVar(&noRaw, "noraw", false, "disable raw terminal input")
	flag.BoolVar(&execStats, "stats", false, "print performance statistics upon exit")
	flag.BoolVar(&disasm, "d", false, "disassemble the compiled program instead of running it")
	flag.StringVar(&outFileName, "o", "", "`filename` to save the compiled bytecode container to")
	flag.Var(&incPaths, "I", "add `path` to the module search path (can be specified multiple times)")
	flag.Parse()

	if showVersion {
		fmt.Printf("ouro version %s\n", version)
		return
	}
	if os.Getenv("OURO_DEBUG") == "1" {
		debug = true
	}

	searchPaths := append([]string{}, incPaths...)
	if env := os.Getenv("OURO_PATH"); env != "" {
		searchPaths = append(searchPaths, filepath.SplitList(env)...)
	}

	heap := value.NewHeap()
	ld := loader.New(heap, os.Stdout, searchPaths...)

	if flag.NArg() == 0 {
		repl(ld, heap)
		return
	}

	fileName := flag.Arg(0)
	prog, err := compile(ld, fileName)
	if err != nil {
		atExit(nil, err)
	}
	for _, w := range ld.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	if outFileName != "" {
		if err := saveContainer(outFileName, prog); err != nil {
			atExit(nil, err)
		}
	}
	if disasm {
		if err := bytecode.Disassemble(prog, os.Stdout); err != nil {
			atExit(nil, err)
		}
		return
	}

	globals, err := ld.InstanceGlobals(prog)
	if err != nil {
		atExit(nil, err)
	}

	opts := []vm.Option{vm.WithHeap(heap), vm.WithGlobals(globals), vm.WithOutput(os.Stdout)}
	if debug {
		opts = append(opts, vm.WithTrace(os.Stderr))
	}
	if tearDown := setupRawInput(&opts); tearDown != nil {
		defer tearDown()
	}

	i, err := vm.New(prog, opts...)
	if err != nil {
		atExit(nil, err)
	}
	start := time.Now()
	res, err := i.Run()
	if execStats {
		delta := time.Since(start)
		fmt.Fprintf(os.Stderr, "Executed %d instructions in %v (%.3f MHz).\n",
			i.InstructionCount(), delta,
			float64(i.InstructionCount())/float64(delta)*float64(time.Second)/1e6)
	}
	if err != nil {
		atExit(i, err)
	}
	// the process exit code mirrors an integer top-level result in [0,255]
	//; anything else is a plain success.
	if res.Tag() == value.Int && res.Int() >= 0 && res.Int() <= 255 {
		os.Exit(int(res.Int()))
	}
}

// compile runs the front half of the pipeline: source -> tokens -> AST ->
// bytecode, or reads a persisted container when the file starts with the
// OURO magic.
func compile(ld *loader.Loader, fileName string) (*bytecode.Program, error) {
	text, err := os.ReadFile(fileName)
	if err != nil {
		return nil, diag.Wrap(err, diag.KindIO, fileName, 0, 0, "cannot read %s", fileName)
	}
	if bytes.HasPrefix(text, []byte("OURO")) {
		return container.Read(bytes.NewReader(text))
	}
	return compileSource(ld, fileName, string(text))
}

func compileSource(ld *loader.Loader, fileName, text string) (*bytecode.Program, error) {
	buf := source.New(fileName, text)
	toks, err := lexer.Lex(buf)
	if err != nil {
		return nil, err
	}
	tree, err := parser.Parse(fileName, toks)
	if err != nil {
		return nil, err
	}
	em := bytecode.NewEmitterWithLoader(fileName, ld)
	prog, err := em.EmitProgram(tree)
	if err != nil {
		return nil, err
	}
	prog.KeepAST = debug
	return prog, nil
}

func saveContainer(name string, prog *bytecode.Program) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrapf(err, "cannot create %s", name)
	}
	defer f.Close()
	return container.Write(f, prog, container.Options{Shrink: !debug})
}

// setupRawInput switches stdin to raw mode when it is a terminal and
// rebinds the guest read_line intrinsic to an echoing raw-mode reader.
func setupRawInput(opts *[]vm.Option) func() {
	if noRaw {
		return nil
	}
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	term, err := openRawTerminal()
	if err != nil {
		return nil
	}
	*opts = append(*opts, vm.BindHostCall(bytecode.HostReadLine, 0, readLineRaw))
	return term.Restore
}

// readLineRaw reads one line byte-at-a-time from the raw terminal, echoing
// input and handling backspace and CTRL-D itself.
func readLineRaw(i *vm.Instance, _ []value.Value) (value.Value, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := os.Stdin.Read(b[:]); err != nil {
			return value.StrValue(string(line)), nil
		}
		switch b[0] {
		case '\r', '\n':
			os.Stdout.WriteString("\n")
			return value.StrValue(string(line)), nil
		case 4: // CTRL-D
			return value.StrValue(string(line)), nil
		case 8, 127: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				os.Stdout.WriteString("\b \b")
			}
		default:
			line = append(line, b[0])
			os.Stdout.Write(b[:])
		}
	}
}

// repl compiles and runs one input line at a time against a persistent
// loader and heap, carrying globals across lines.
func repl(ld *loader.Loader, heap *value.Heap) {
	fmt.Printf("ouro %s interactive (CTRL-D to exit)\n", version)
	globals := make(map[string]value.Value)
	lineNo := 0
	in := os.Stdin
	rd := make([]byte, 0, 256)
	var b [1]byte
	for {
		fmt.Print("> ")
		rd = rd[:0]
		for {
			if _, err := in.Read(b[:]); err != nil {
				fmt.Println()
				return
			}
			if b[0] == '\n' {
				break
			}
			rd = append(rd, b[0])
		}
		src := string(rd)
		if src == "" {
			continue
		}
		lineNo++
		prog, err := compileSource(ld, fmt.Sprintf("<repl:%d>", lineNo), src)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		imported, err := ld.InstanceGlobals(prog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		for k, v := range imported {
			globals[k] = v
		}
		opts := []vm.Option{vm.WithHeap(heap), vm.WithGlobals(globals), vm.WithOutput(os.Stdout)}
		if debug {
			opts = append(opts, vm.WithTrace(os.Stderr))
		}
		i, err := vm.New(prog, opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		res, err := i.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		for name, v := range i.Globals() {
			globals[name] = v
		}
		if !res.IsNull() {
			fmt.Println(value.Format(res, heap.Describe))
		}
	}
}
