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

// Package token defines the lexical token kinds produced by internal/lexer
// and consumed by internal/parser.
package token

import "fmt"

// Kind identifies the disjoint category a Token belongs to.
type Kind int

// Token kinds. Kinds are disjoint: the lexer never emits an ambiguous token.
const (
	EOF Kind = iota
	Error

	// Literals
	Int
	Float
	Imaginary
	String
	InterpChunk // literal chunk inside an interpolated string
	InterpOpen  // `${` / `{` opening an interpolation hole
	InterpClose // closing `}` of an interpolation hole
	Char
	Boolean
	Null
	UnitNumber // numeric literal with a unit tag written directly after it, e.g. `3.0m/s`; with a space between, the unit lexes as separate tokens

	Ident
	GreekSymbol // single Greek-letter identifier

	// Keywords
	KeyControl    // if/while/for/return/break/continue/throw/try/catch/finally...
	KeyDecl       // var/const/func/class/struct/enum/interface/namespace/import/export
	KeyModifier   // async/await/static/public/private...
	KeyType       // int/float/string/bool/byte/list/map...
	KeyNatural    // multi-word high-register forms: "is greater than", "for each ... in", ...

	// Operators
	OpArithmetic
	OpComparison
	OpLogical
	OpBitwise
	OpAssignment

	Punct // punctuation: ( ) { } [ ] , ; : . ->

	RegisterMarker // @high | @medium | @low | @asm
	AsmBlock       // raw verbatim text of an @asm { ... } block

	MathSymbol // ∑ ∏ ∫ ∂ ∇ √ ∈ ∉ ⊆ ⊇ ∪ ∩ ≤ ≥ ≠ ∧ ∨ ¬ ∞
)

var kindNames = [...]string{
	EOF: "EOF", Error: "Error", Int: "Int", Float: "Float",
	Imaginary: "Imaginary", String: "String", InterpChunk: "InterpChunk",
	InterpOpen: "InterpOpen", InterpClose: "InterpClose", Char: "Char",
	Boolean: "Boolean", Null: "Null", UnitNumber: "UnitNumber", Ident: "Ident",
	GreekSymbol: "GreekSymbol", KeyControl: "KeyControl", KeyDecl: "KeyDecl",
	KeyModifier: "KeyModifier", KeyType: "KeyType", KeyNatural: "KeyNatural",
	OpArithmetic: "OpArithmetic", OpComparison: "OpComparison",
	OpLogical: "OpLogical", OpBitwise: "OpBitwise", OpAssignment: "OpAssignment",
	Punct: "Punct", RegisterMarker: "RegisterMarker", AsmBlock: "AsmBlock",
	MathSymbol: "MathSymbol",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Register names the lexer's current syntactic register.
type Register int

const (
	Medium Register = iota // default register when no marker is active
	High
	Low
	Asm
)

func (r Register) String() string {
	switch r {
	case High:
		return "high"
	case Low:
		return "low"
	case Asm:
		return "asm"
	default:
		return "medium"
	}
}

// Token is the lexer's unit of output.
//
// Value holds the decoded literal payload for literal kinds (int64, float64,
// string, bool, rune) and nil otherwise. For AsmBlock, Value holds the raw
// text and OriginLine the line the enclosing `@asm {` opened on.
type Token struct {
	Kind       Kind
	Lexeme     string
	Line, Col  int
	Pos        int // byte offset into the source buffer
	Value      interface{}
	Register   Register
	OriginLine int // for AsmBlock: the line `@asm {` opened on
}

// UnitVal is the decoded payload of a UnitNumber token: the numeric value
// (int64 or float64) plus its unit descriptor, e.g. "m/s".
type UnitVal struct {
	Num  interface{}
	Unit string
}

func (t Token) String() string {
	return fmt.Sprintf("%s:%d:%d: %s %q", t.Kind, t.Line, t.Col, t.Kind, t.Lexeme)
}

// IsKeyword reports whether t is the keyword kw, regardless of which keyword
// sub-kind it was classified under.
func (t Token) IsKeyword(kw string) bool {
	switch t.Kind {
	case KeyControl, KeyDecl, KeyModifier, KeyType, KeyNatural:
		return t.Lexeme == kw
	default:
		return false
	}
}

// IsPunct reports whether t is the punctuation mark p.
func (t Token) IsPunct(p string) bool {
	return t.Kind == Punct && t.Lexeme == p
}
