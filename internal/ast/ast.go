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

// Package ast defines the tree produced by internal/parser: a sum type of
// declarations, statements and expressions, uniform across all three
// syntactic registers.
package ast

import "github.com/FyreFly-TM/Ouroboros-sub008/internal/token"

// Pos is the source position every node carries.
type Pos struct {
	File      string
	Line, Col int
}

// Type is a minimal static-type marker attached to every expression. A
// parser that cannot infer a concrete type leaves Inferred=false; the
// emitter treats that as "needs-inference", never as "any".
type Type struct {
	Name      string // "int", "float", "string", "bool", a class/struct name, or "" if unresolved
	Inferred  bool
	IsPointer bool
	ElemType  *Type // for list<T>, map<K,V> (Elem2) and pointer types
	Elem2     *Type
	Unit      string // unit tag for unit-numbers, e.g. "m/s"
}

// Node is implemented by every AST node.
type Node interface {
	Position() Pos
}

// Decl is a top-level or nested declaration.
type Decl interface {
	Node
	declNode()
}

// Stmt is a statement.
type Stmt interface {
	Node
	stmtNode()
}

// Expr is an expression; every expression carries a (possibly unresolved) Type.
type Expr interface {
	Node
	exprNode()
	GetType() *Type
	SetType(*Type)
}

// ExprBase, StmtBase and DeclBase are embedded (and exported, so that
// internal/parser can build literals keyed on them directly) in every
// concrete node type below.
type ExprBase struct {
	Pos  Pos
	Type *Type
}

func (e *ExprBase) Position() Pos   { return e.Pos }
func (e *ExprBase) exprNode()       {}
func (e *ExprBase) GetType() *Type  { return e.Type }
func (e *ExprBase) SetType(t *Type) { e.Type = t }

type StmtBase struct{ Pos Pos }

func (s *StmtBase) Position() Pos { return s.Pos }
func (s *StmtBase) stmtNode()     {}

type DeclBase struct{ Pos Pos }

func (d *DeclBase) Position() Pos { return d.Pos }
func (d *DeclBase) declNode()     {}

// Program is the root of the AST.
type Program struct {
	Statements []Stmt
}

// ---- Expressions ----

// Literal is any literal value (int/float/string/char/bool/null/unit-number).
type Literal struct {
	ExprBase
	Kind  token.Kind
	Value interface{}
}

// Ident is a bare identifier reference, including GreekSymbol idents.
type Ident struct {
	ExprBase
	Name string
}

// Unary is a prefix unary operator expression (`-x`, `!x`, `~x`, `&x`, `*x`).
type Unary struct {
	ExprBase
	Op      string
	Operand Expr
}

// Binary is a binary operator expression, built by the precedence-climbing
// parser.
type Binary struct {
	ExprBase
	Op          string
	Left, Right Expr
}

// Ternary is `cond ? then : else`.
type Ternary struct {
	ExprBase
	Cond, Then, Else Expr
}

// Index is `base[index]`.
type Index struct {
	ExprBase
	Base, Index Expr
}

// Member is `base.name`.
type Member struct {
	ExprBase
	Base Expr
	Name string
}

// Call is `callee(args...)`.
type Call struct {
	ExprBase
	Callee Expr
	Args   []Expr
}

// Lambda is an anonymous function expression.
type Lambda struct {
	ExprBase
	Params  []Param
	Body    *Block
	IsAsync bool
}

// Param is a function/lambda parameter.
type Param struct {
	Name string
	Type *Type
}

// Assignment is `lhs op= rhs`.
type Assignment struct {
	ExprBase
	Op       string
	Lhs, Rhs Expr
}

// AwaitExpr marks a suspension point inside an async function body.
type AwaitExpr struct {
	ExprBase
	Operand Expr
}

// Aggregate is the dynamic-typed natural-language form `sum|product|min|max|
// average of all EXPR`.
type Aggregate struct {
	ExprBase
	Op   string // "sum", "product", "min", "max", "average"
	Coll Expr
}

// StructLit is a low-register struct literal with field shorthand.
type StructLit struct {
	ExprBase
	TypeName string
	Fields   []StructLitField
}

// StructLitField is one `name: value` (or shorthand `name`) entry.
type StructLitField struct {
	Name  string
	Value Expr
}

// ---- Statements ----

// Block is `{ stmt* }`.
type Block struct {
	StmtBase
	Statements []Stmt
}

// ExprStmt wraps an expression used as a statement.
type ExprStmt struct {
	StmtBase
	X Expr
}

// If is `if cond then? block (else block)? end if?`.
type If struct {
	StmtBase
	Cond       Expr
	Then, Else *Block
}

// While is a conditional loop.
type While struct {
	StmtBase
	Cond Expr
	Body *Block
}

// ForRange is the desugared counted loop shared by medium C-style `for` and
// high-register `iterate i from A through B [step K]`.
type ForRange struct {
	StmtBase
	Var              string
	From, To, Step   Expr // Step may be nil (defaults to literal 1)
	Body             *Block
}

// ForEach is `for each x in collection`.
type ForEach struct {
	StmtBase
	Var  string
	Coll Expr
	Body *Block
}

// RepeatTimes is `repeat N times ... end repeat`.
type RepeatTimes struct {
	StmtBase
	Count Expr
	Body  *Block
}

// MatchArm is one `pattern -> body` arm of a Match statement.
type MatchArm struct {
	Pattern Expr // nil represents the wildcard/default arm
	Body    *Block
}

// Match implements pattern-matching statement.
type Match struct {
	StmtBase
	Subject Expr
	Arms    []MatchArm
}

// Return, Break, Continue, Throw are the usual control transfers.
type Return struct {
	StmtBase
	Value Expr // nil for bare `return`
}
type Break struct{ StmtBase }
type Continue struct{ StmtBase }
type Throw struct {
	StmtBase
	Value Expr
}

// TryCatch is try/catch/finally.
type CatchClause struct {
	ExceptionType string // "" matches any exception
	Binding       string
	Body          *Block
}
type TryCatch struct {
	StmtBase
	Try     *Block
	Catches []CatchClause
	Finally *Block
}

// InlineAsm captures an `@asm { ... }` block unparsed; the
// raw text is handed to internal/asm at emission time.
type InlineAsm struct {
	StmtBase
	Raw        string
	OriginLine int
}

// ---- Declarations (also usable as statements via DeclStmt) ----

// DeclStmt lets a Decl appear wherever a Stmt is expected (local declarations).
type DeclStmt struct {
	StmtBase
	D Decl
}

// VarDecl is `var name: Type = init` (mutable) — ConstDecl is the same shape
// with Const=true used for `const`.
type VarDecl struct {
	DeclBase
	Name  string
	Type  *Type
	Init  Expr
	Const bool
}

// FuncDecl is a named function/method declaration.
type FuncDecl struct {
	DeclBase
	Name       string
	Params     []Param
	ReturnType *Type
	Body       *Block
	IsAsync    bool
	Register   token.Register // the register this body's statements parse under
}

// Field is a struct/class field declaration.
type Field struct {
	Name string
	Type *Type
}

// ClassDecl/StructDecl both use Field + FuncDecl lists; StructDecl additionally
// allows IsUnion for low-register `union` blocks.
type ClassDecl struct {
	DeclBase
	Name    string
	Extends string
	Fields  []Field
	Methods []*FuncDecl
}

type StructDecl struct {
	DeclBase
	Name    string
	Fields  []Field
	IsUnion bool
}

// EnumDecl is `enum Name { Variant, Variant = value, ... }`.
type EnumVariant struct {
	Name  string
	Value Expr // nil if implicit (previous + 1)
}
type EnumDecl struct {
	DeclBase
	Name     string
	Variants []EnumVariant
}

// InterfaceDecl declares method signatures only.
type InterfaceMethod struct {
	Name       string
	Params     []Param
	ReturnType *Type
}
type InterfaceDecl struct {
	DeclBase
	Name    string
	Methods []InterfaceMethod
}

// NamespaceDecl groups declarations under a dotted name.
type NamespaceDecl struct {
	DeclBase
	Name  string
	Decls []Decl
}

// ImportDecl / ExportDecl drive internal/loader.
type ImportDecl struct {
	DeclBase
	Path    string
	Alias   string   // "" if not aliased
	Names   []string // specific names imported, empty = import all exports
}
type ExportDecl struct {
	DeclBase
	D         Decl
	IsDefault bool
}
