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

// Package diag defines the diagnostic taxonomy shared by every pipeline
// stage: lexer, parser, assembler, emitter, loader and VM all report errors
// through the same Diagnostic shape so the driver can format them uniformly.
package diag

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies which stage raised a Diagnostic and, for runtime errors,
// which exception subkind was involved.
type Kind string

// Diagnostic kinds, one per pipeline stage that can report.
const (
	KindLex    Kind = "LexError"
	KindParse  Kind = "ParseError"
	KindAsm    Kind = "AsmError"
	KindModule Kind = "ModuleError"
	KindIO     Kind = "IOError"

	// CompileError is the only kind the bytecode emitter raises directly;
	// AsmError and ModuleError are re-wrapped as CompileError at the
	// enclosing block or import site before they reach the driver.
	KindCompile Kind = "CompileError"

	// Runtime errors are all reported with Kind = KindRuntime and a
	// non-empty Sub field naming the subkind.
	KindRuntime Kind = "RuntimeError"
)

// Runtime error subkinds.
const (
	RuntimeNullReference        = "NullReference"
	RuntimeTypeMismatch         = "TypeMismatch"
	RuntimeIndexOutOfRange      = "IndexOutOfRange"
	RuntimeDivideByZero         = "DivideByZero"
	RuntimeStackOverflow        = "StackOverflow"
	RuntimeUnitMismatch         = "UnitMismatch"
	RuntimeCancelled            = "Cancelled"
	RuntimeUnhandled            = "Unhandled"
	RuntimePartiallyInitialised = "PartiallyInitialised"
)

// Diagnostic carries a single user-visible error: kind, source position and
// a human message, with an optional one-line source excerpt and caret.
type Diagnostic struct {
	Kind       Kind
	Sub        string // runtime subkind, empty for non-runtime diagnostics
	File       string
	Line, Col  int
	Message    string
	Excerpt    string // single source line, empty if unavailable
	Internal   bool   // true for assertion/verifier failures, not user errors
	underlying error
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	kind := string(d.Kind)
	if d.Sub != "" {
		kind = kind + "/" + d.Sub
	}
	if d.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: %s: %s", d.File, d.Line, d.Col, kind, d.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s", kind, d.Message)
	}
	if d.Excerpt != "" {
		col := d.Col
		if col < 1 {
			col = 1
		}
		fmt.Fprintf(&b, "\n    %s\n    %s^", d.Excerpt, strings.Repeat(" ", col-1))
	}
	return b.String()
}

// Unwrap allows errors.Cause / errors.Is / errors.As to reach the wrapped
// underlying error, so the driver can distinguish I/O causes at its exit
// boundary.
func (d *Diagnostic) Unwrap() error { return d.underlying }

// New builds a user-facing Diagnostic.
func New(kind Kind, file string, line, col int, format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{
		Kind:    kind,
		File:    file,
		Line:    line,
		Col:     col,
		Message: fmt.Sprintf(format, args...),
	}
}

// Runtime builds a RuntimeError diagnostic of the given subkind.
func Runtime(sub, file string, line, col int, format string, args ...interface{}) *Diagnostic {
	d := New(KindRuntime, file, line, col, format, args...)
	d.Sub = sub
	return d
}

// Wrap attaches an underlying error (e.g. an os.PathError) to a Diagnostic
// so errors.Cause(d) can still reach it.
func Wrap(err error, kind Kind, file string, line, col int, format string, args ...interface{}) *Diagnostic {
	d := New(kind, file, line, col, format, args...)
	d.underlying = errors.WithStack(err)
	return d
}

// Internal marks a diagnostic as an internal assertion/verifier failure so
// the driver can tell the user to file a bug instead of fixing their
// source.
func Internal(format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{
		Kind:     KindCompile,
		Message:  fmt.Sprintf(format, args...),
		Internal: true,
	}
}

// List accumulates diagnostics up to a budget, after which further errors
// are still recorded but Abort() starts returning true. The lexer and
// parser share it so a single bad source file yields a bounded number of
// diagnostics rather than a cascade.
type List struct {
	Items []*Diagnostic
	Max   int
}

// NewList creates a List with the given error budget.
func NewList(max int) *List {
	if max <= 0 {
		max = 10
	}
	return &List{Max: max}
}

// Add appends a diagnostic to the list.
func (l *List) Add(d *Diagnostic) { l.Items = append(l.Items, d) }

// Abort reports whether the error budget has been exhausted.
func (l *List) Abort() bool { return len(l.Items) >= l.Max }

// Err returns the list as an error (nil if empty), so callers can treat
// *List as a normal Go error value the way asm.ErrList is used.
func (l *List) Err() error {
	if len(l.Items) == 0 {
		return nil
	}
	return l
}

func (l *List) Error() string {
	parts := make([]string, len(l.Items))
	for i, d := range l.Items {
		parts[i] = d.Error()
	}
	return strings.Join(parts, "\n")
}
