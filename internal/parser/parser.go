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

// Package parser implements a predictive recursive-descent parser that
// produces an AST uniform across all three syntactic registers: a token
// cursor over the pre-lexed stream, a diagnostics list capped at an error
// budget, and panic-mode synchronisation on statement terminators.
package parser

import (
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/ast"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/token"
)

const maxErrors = 25

// Parser holds parse state over a pre-lexed token slice.
type Parser struct {
	file  string
	toks  []token.Token
	pos   int
	diags *diag.List
}

// New creates a Parser over toks (as produced by internal/lexer.Lex).
func New(file string, toks []token.Token) *Parser {
	return &Parser{file: file, toks: toks, diags: diag.NewList(maxErrors)}
}

// Parse parses the whole token stream into a Program. Parse errors are
// collected (not fatal); Parse returns every statement it could recover,
// matching the panic-mode-synchronise contract 
func Parse(file string, toks []token.Token) (*ast.Program, error) {
	p := New(file, toks)
	prog := &ast.Program{}
	for !p.atEnd() && !p.diags.Abort() {
		if s := p.parseStmt(); s != nil {
			prog.Statements = append(prog.Statements, s)
		}
	}
	return prog, p.diags.Err()
}

// ---- token cursor helpers ----

func (p *Parser) cur() token.Token { return p.toks[p.pos] }
func (p *Parser) atEnd() bool      { return p.cur().Kind == token.EOF }

func (p *Parser) peekN(n int) token.Token {
	i := p.pos + n
	if i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[i]
}

func (p *Parser) advance() token.Token {
	t := p.cur()
	if !p.atEnd() {
		p.pos++
	}
	return t
}

func (p *Parser) matchPunct(s string) bool {
	if p.cur().IsPunct(s) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) matchKeyword(s string) bool {
	if p.cur().IsKeyword(s) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expectPunct(s string) bool {
	if p.matchPunct(s) {
		return true
	}
	p.errorf("expected %q, got %q", s, p.cur().Lexeme)
	return false
}

func (p *Parser) here() ast.Pos {
	t := p.cur()
	return ast.Pos{File: p.file, Line: t.Line, Col: t.Col}
}

func (p *Parser) errorf(format string, args ...interface{}) {
	t := p.cur()
	p.diags.Add(diag.New(diag.KindParse, p.file, t.Line, t.Col, format, args...))
}

// synchronize implements panic-mode recovery: skip tokens until a statement
// terminator (`;`, a block-end keyword, or `}`) so one malformed statement
// doesn't cascade into unrelated errors for the rest of the file.
func (p *Parser) synchronize() {
	for !p.atEnd() {
		t := p.cur()
		if t.IsPunct(";") {
			p.advance()
			return
		}
		if t.IsPunct("}") {
			return
		}
		switch t.Lexeme {
		case "end if", "end for", "end iterate", "end repeat":
			p.advance()
			return
		}
		if t.Kind == token.KeyDecl || t.Kind == token.KeyControl {
			return
		}
		p.advance()
	}
}

// ---- statements ----

func (p *Parser) parseStmt() ast.Stmt {
	start := p.pos
	s := p.parseStmtInner()
	if s == nil && p.pos == start {
		// guarantee forward progress even on totally unrecognised input
		p.advance()
	}
	return s
}

func (p *Parser) parseStmtInner() ast.Stmt {
	t := p.cur()

	if t.Kind == token.AsmBlock {
		p.advance()
		return &ast.InlineAsm{StmtBase: ast.StmtBase{Pos: p.here()}, Raw: t.Lexeme, OriginLine: t.OriginLine}
	}
	if t.IsPunct("{") {
		return p.parseBlock()
	}

	switch {
	case t.IsKeyword("var"), t.IsKeyword("const"):
		d := p.parseVarDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("func"), t.IsKeyword("async") && p.peekN(1).Lexeme == "func":
		d := p.parseFuncDecl(token.Medium)
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("class"):
		d := p.parseClassDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("struct"):
		d := p.parseStructDecl(false)
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("union"):
		d := p.parseStructDecl(true)
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("enum"):
		d := p.parseEnumDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("interface"):
		d := p.parseInterfaceDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("namespace"):
		d := p.parseNamespaceDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("import"):
		d := p.parseImportDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("export"):
		d := p.parseExportDecl()
		return &ast.DeclStmt{StmtBase: ast.StmtBase{Pos: d.Position()}, D: d}
	case t.IsKeyword("if"):
		return p.parseIf()
	case t.IsKeyword("while"):
		return p.parseWhile()
	case t.IsKeyword("for") && t.Kind != token.KeyNatural:
		return p.parseFor()
	case t.Kind == token.KeyNatural && t.Lexeme == "iterate":
		return p.parseIterate()
	case t.Kind == token.KeyNatural && t.Lexeme == "for each":
		return p.parseForEachHigh()
	case t.Kind == token.KeyNatural && t.Lexeme == "repeat":
		return p.parseRepeatTimes()
	case t.IsKeyword("match"):
		return p.parseMatch()
	case t.IsKeyword("return"):
		return p.parseReturn()
	case t.IsKeyword("break"):
		p.advance()
		p.matchPunct(";")
		return &ast.Break{StmtBase: ast.StmtBase{Pos: p.here()}}
	case t.IsKeyword("continue"):
		p.advance()
		p.matchPunct(";")
		return &ast.Continue{StmtBase: ast.StmtBase{Pos: p.here()}}
	case t.IsKeyword("throw"):
		return p.parseThrow()
	case t.IsKeyword("try"):
		return p.parseTryCatch()
	case t.Kind == token.RegisterMarker:
		p.advance() // register markers only toggle lexer state; nothing to build
		return nil
	}

	if t.Kind == token.Ident && t.Lexeme == "print" && !p.peekN(1).IsPunct("(") {
		return p.parsePrintStmt()
	}

	pos := p.here()
	e := p.parseExpr()
	if e == nil {
		p.errorf("expected statement, got %q", t.Lexeme)
		p.synchronize()
		return nil
	}
	p.matchPunct(";")
	return &ast.ExprStmt{StmtBase: ast.StmtBase{Pos: pos}, X: e}
}

// parsePrintStmt handles the paren-less `print expr[, expr...]` statement
// form every register admits (the parenthesised call form goes through the
// ordinary expression grammar instead).
func (p *Parser) parsePrintStmt() ast.Stmt {
	pos := p.here()
	p.advance() // 'print'
	callee := &ast.Ident{ExprBase: ast.ExprBase{Pos: pos}, Name: "print"}
	call := &ast.Call{ExprBase: ast.ExprBase{Pos: pos}, Callee: callee}
	if !p.cur().IsPunct(";") && !p.cur().IsPunct("}") && p.cur().Kind != token.EOF {
		call.Args = append(call.Args, p.parseExpr())
		for p.matchPunct(",") {
			call.Args = append(call.Args, p.parseExpr())
		}
	}
	p.matchPunct(";")
	return &ast.ExprStmt{StmtBase: ast.StmtBase{Pos: pos}, X: call}
}

func (p *Parser) parseBlock() *ast.Block {
	pos := p.here()
	p.expectPunct("{")
	b := &ast.Block{StmtBase: ast.StmtBase{Pos: pos}}
	for !p.atEnd() && !p.cur().IsPunct("}") && !p.diags.Abort() {
		if s := p.parseStmt(); s != nil {
			b.Statements = append(b.Statements, s)
		}
	}
	p.expectPunct("}")
	return b
}

// blockUntil parses statements until an `end <word>` high-register
// terminator (consumed) or EOF, used by iterate/for-each/repeat forms.
func (p *Parser) blockUntil(terminator string) *ast.Block {
	b := &ast.Block{StmtBase: ast.StmtBase{Pos: p.here()}}
	for !p.atEnd() && !p.diags.Abort() {
		if p.cur().Lexeme == terminator {
			p.advance()
			return b
		}
		if p.cur().IsPunct("}") {
			break
		}
		if s := p.parseStmt(); s != nil {
			b.Statements = append(b.Statements, s)
		}
	}
	return b
}

// blockUntilAny parses statements until one of several terminator words is
// seen; the terminator itself is consumed and left inspectable by the caller
// via p.toks[p.pos-1].
func (p *Parser) blockUntilAny(terms ...string) *ast.Block {
	b := &ast.Block{StmtBase: ast.StmtBase{Pos: p.here()}}
	for !p.atEnd() && !p.diags.Abort() {
		lex := p.cur().Lexeme
		for _, term := range terms {
			if lex == term {
				p.advance()
				return b
			}
		}
		if p.cur().IsPunct("}") {
			break
		}
		if s := p.parseStmt(); s != nil {
			b.Statements = append(b.Statements, s)
		}
	}
	return b
}

func (p *Parser) parseType() *ast.Type {
	if !p.matchPunct(":") {
		return nil
	}
	return p.parseTypeExpr()
}

func (p *Parser) parseTypeExpr() *ast.Type {
	t := &ast.Type{Inferred: true}
	if p.cur().Kind == token.KeyType || p.cur().Kind == token.Ident {
		t.Name = p.cur().Lexeme
		t.Inferred = false
		p.advance()
	}
	for p.matchPunct("*") {
		t = &ast.Type{Name: "pointer", IsPointer: true, ElemType: t}
	}
	if p.matchPunct("[") {
		p.matchPunct("]")
		t = &ast.Type{Name: "list", ElemType: t}
	}
	return t
}

func (p *Parser) parseVarDecl() ast.Decl {
	pos := p.here()
	isConst := p.cur().Lexeme == "const"
	p.advance()
	name := p.expectIdent()
	typ := p.parseType()
	var init ast.Expr
	if p.matchLexemeOp("=") {
		init = p.parseExpr()
	}
	p.matchPunct(";")
	return &ast.VarDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name, Type: typ, Init: init, Const: isConst}
}

func (p *Parser) matchLexemeOp(s string) bool {
	t := p.cur()
	if t.Kind == token.OpAssignment && t.Lexeme == s {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expectIdent() string {
	t := p.cur()
	if t.Kind == token.Ident || t.Kind == token.GreekSymbol {
		p.advance()
		return t.Lexeme
	}
	p.errorf("expected identifier, got %q", t.Lexeme)
	return ""
}

func (p *Parser) parseParams() []ast.Param {
	p.expectPunct("(")
	var params []ast.Param
	for !p.cur().IsPunct(")") && !p.atEnd() {
		name := p.expectIdent()
		typ := p.parseType()
		params = append(params, ast.Param{Name: name, Type: typ})
		if !p.matchPunct(",") {
			break
		}
	}
	p.expectPunct(")")
	return params
}

func (p *Parser) parseFuncDecl(reg token.Register) *ast.FuncDecl {
	pos := p.here()
	isAsync := p.matchKeyword("async")
	p.matchKeyword("func")
	name := p.expectIdent()
	params := p.parseParams()
	var ret *ast.Type
	if p.matchLexemeArrow() {
		ret = p.parseTypeExpr()
	}
	body := p.parseBlock()
	return &ast.FuncDecl{
		DeclBase: ast.DeclBase{Pos: pos}, Name: name, Params: params,
		ReturnType: ret, Body: body, IsAsync: isAsync, Register: reg,
	}
}

func (p *Parser) matchLexemeArrow() bool {
	if p.cur().Lexeme == "->" {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) parseClassDecl() *ast.ClassDecl {
	pos := p.here()
	p.advance() // 'class'
	name := p.expectIdent()
	extends := ""
	if p.matchPunct(":") {
		extends = p.expectIdent()
	}
	p.expectPunct("{")
	c := &ast.ClassDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name, Extends: extends}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		p.matchKeyword("public")
		p.matchKeyword("private")
		if p.cur().IsKeyword("func") || p.cur().IsKeyword("async") {
			c.Methods = append(c.Methods, p.parseFuncDecl(token.Medium))
			continue
		}
		fname := p.expectIdent()
		ftyp := p.parseType()
		c.Fields = append(c.Fields, ast.Field{Name: fname, Type: ftyp})
		p.matchPunct(";")
	}
	p.expectPunct("}")
	return c
}

func (p *Parser) parseStructDecl(isUnion bool) *ast.StructDecl {
	pos := p.here()
	p.advance() // 'struct' or 'union'
	name := p.expectIdent()
	p.expectPunct("{")
	s := &ast.StructDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name, IsUnion: isUnion}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		fname := p.expectIdent()
		ftyp := p.parseType()
		s.Fields = append(s.Fields, ast.Field{Name: fname, Type: ftyp})
		p.matchPunct(";")
	}
	p.expectPunct("}")
	return s
}

func (p *Parser) parseEnumDecl() *ast.EnumDecl {
	pos := p.here()
	p.advance()
	name := p.expectIdent()
	p.expectPunct("{")
	e := &ast.EnumDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		vname := p.expectIdent()
		var val ast.Expr
		if p.matchLexemeOp("=") {
			val = p.parseExpr()
		}
		e.Variants = append(e.Variants, ast.EnumVariant{Name: vname, Value: val})
		if !p.matchPunct(",") {
			break
		}
	}
	p.expectPunct("}")
	return e
}

func (p *Parser) parseInterfaceDecl() *ast.InterfaceDecl {
	pos := p.here()
	p.advance()
	name := p.expectIdent()
	p.expectPunct("{")
	itf := &ast.InterfaceDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		mname := p.expectIdent()
		params := p.parseParams()
		var ret *ast.Type
		if p.matchLexemeArrow() {
			ret = p.parseTypeExpr()
		}
		itf.Methods = append(itf.Methods, ast.InterfaceMethod{Name: mname, Params: params, ReturnType: ret})
		p.matchPunct(";")
	}
	p.expectPunct("}")
	return itf
}

func (p *Parser) parseNamespaceDecl() *ast.NamespaceDecl {
	pos := p.here()
	p.advance()
	name := p.expectIdent()
	for p.matchPunct(".") {
		name += "." + p.expectIdent()
	}
	p.expectPunct("{")
	ns := &ast.NamespaceDecl{DeclBase: ast.DeclBase{Pos: pos}, Name: name}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		if s := p.parseStmt(); s != nil {
			if ds, ok := s.(*ast.DeclStmt); ok {
				ns.Decls = append(ns.Decls, ds.D)
			}
		}
	}
	p.expectPunct("}")
	return ns
}

func (p *Parser) parseImportDecl() *ast.ImportDecl {
	pos := p.here()
	p.advance()
	imp := &ast.ImportDecl{DeclBase: ast.DeclBase{Pos: pos}}
	if p.matchPunct("{") {
		for !p.cur().IsPunct("}") && !p.atEnd() {
			imp.Names = append(imp.Names, p.expectIdent())
			if !p.matchPunct(",") {
				break
			}
		}
		p.expectPunct("}")
		p.matchLexeme("from")
	}
	if p.cur().Kind == token.String {
		imp.Path = p.cur().Lexeme
		p.advance()
	} else {
		imp.Path = p.expectIdent()
	}
	if p.matchLexeme("as") {
		imp.Alias = p.expectIdent()
	}
	p.matchPunct(";")
	return imp
}

func (p *Parser) parseExportDecl() *ast.ExportDecl {
	pos := p.here()
	p.advance()
	isDefault := p.matchLexeme("default")
	inner := p.parseStmtInner()
	var d ast.Decl
	if ds, ok := inner.(*ast.DeclStmt); ok {
		d = ds.D
	}
	return &ast.ExportDecl{DeclBase: ast.DeclBase{Pos: pos}, D: d, IsDefault: isDefault}
}

func (p *Parser) parseIf() ast.Stmt {
	pos := p.here()
	p.advance()
	cond := p.parseExpr()
	p.matchKeyword("then")
	var then, els *ast.Block
	if p.cur().IsPunct("{") {
		then = p.parseBlock()
		if p.matchKeyword("else") {
			if p.cur().IsPunct("{") {
				els = p.parseBlock()
			} else if p.cur().IsKeyword("if") {
				inner := p.parseIf()
				els = &ast.Block{StmtBase: ast.StmtBase{Pos: pos}, Statements: []ast.Stmt{inner}}
			}
		}
	} else {
		then = p.blockUntilAny("else", "end if")
		if p.toks[p.pos-1].Lexeme == "else" {
			els = p.blockUntil("end if")
		}
	}
	return &ast.If{StmtBase: ast.StmtBase{Pos: pos}, Cond: cond, Then: then, Else: els}
}

func (p *Parser) parseWhile() ast.Stmt {
	pos := p.here()
	p.advance()
	cond := p.parseExpr()
	body := p.parseBlock()
	return &ast.While{StmtBase: ast.StmtBase{Pos: pos}, Cond: cond, Body: body}
}

// parseFor handles the medium/C-family `for (init; cond; post)` form by
// desugaring its post-expression into the loop body, and wrapping any
// init-statement in a preceding Block so a fresh loop variable stays scoped
// to the loop, matching how the high-register ForRange is later lowered.
func (p *Parser) parseFor() ast.Stmt {
	pos := p.here()
	p.advance()
	p.expectPunct("(")
	var init ast.Stmt
	if !p.cur().IsPunct(";") {
		init = p.parseStmtInner()
	} else {
		p.advance()
	}
	var cond ast.Expr
	if !p.cur().IsPunct(";") {
		cond = p.parseExpr()
	}
	p.expectPunct(";")
	var post ast.Expr
	if !p.cur().IsPunct(")") {
		post = p.parseExpr()
	}
	p.expectPunct(")")
	body := p.parseBlock()
	if post != nil {
		body.Statements = append(body.Statements, &ast.ExprStmt{StmtBase: ast.StmtBase{Pos: pos}, X: post})
	}
	w := ast.Stmt(&ast.While{StmtBase: ast.StmtBase{Pos: pos}, Cond: cond, Body: body})
	if init == nil {
		return w
	}
	return &ast.Block{StmtBase: ast.StmtBase{Pos: pos}, Statements: []ast.Stmt{init, w}}
}

// parseIterate: `iterate i from A through B [step K] ... end iterate`.
func (p *Parser) parseIterate() ast.Stmt {
	pos := p.here()
	p.advance() // 'iterate'
	v := p.expectIdent()
	p.matchLexeme("from")
	from := p.parseExpr()
	p.matchLexeme("through")
	to := p.parseExpr()
	var step ast.Expr
	if p.matchLexeme("step") {
		step = p.parseExpr()
	}
	body := p.blockUntil("end iterate")
	return &ast.ForRange{StmtBase: ast.StmtBase{Pos: pos}, Var: v, From: from, To: to, Step: step, Body: body}
}

func (p *Parser) matchLexeme(s string) bool {
	if p.cur().Lexeme == s {
		p.advance()
		return true
	}
	return false
}

// parseForEachHigh: `for each x in C ... end for`.
func (p *Parser) parseForEachHigh() ast.Stmt {
	pos := p.here()
	p.advance() // 'for each'
	v := p.expectIdent()
	p.matchLexeme("in")
	coll := p.parseExpr()
	body := p.blockUntil("end for")
	return &ast.ForEach{StmtBase: ast.StmtBase{Pos: pos}, Var: v, Coll: coll, Body: body}
}

// parseRepeatTimes: `repeat N times ... end repeat`.
func (p *Parser) parseRepeatTimes() ast.Stmt {
	pos := p.here()
	p.advance() // 'repeat'
	count := p.parseExpr()
	p.matchLexeme("times")
	body := p.blockUntil("end repeat")
	return &ast.RepeatTimes{StmtBase: ast.StmtBase{Pos: pos}, Count: count, Body: body}
}

func (p *Parser) parseMatch() ast.Stmt {
	pos := p.here()
	p.advance()
	subj := p.parseExpr()
	p.expectPunct("{")
	m := &ast.Match{StmtBase: ast.StmtBase{Pos: pos}, Subject: subj}
	for !p.cur().IsPunct("}") && !p.atEnd() && !p.diags.Abort() {
		var pat ast.Expr
		if !p.matchLexeme("_") {
			pat = p.parseExpr()
		}
		p.matchLexemeArrow()
		var body *ast.Block
		if p.cur().IsPunct("{") {
			body = p.parseBlock()
		} else {
			e := p.parseExpr()
			body = &ast.Block{StmtBase: ast.StmtBase{Pos: pos}, Statements: []ast.Stmt{&ast.ExprStmt{StmtBase: ast.StmtBase{Pos: pos}, X: e}}}
		}
		m.Arms = append(m.Arms, ast.MatchArm{Pattern: pat, Body: body})
		p.matchPunct(",")
	}
	p.expectPunct("}")
	return m
}

func (p *Parser) parseReturn() ast.Stmt {
	pos := p.here()
	p.advance()
	var v ast.Expr
	if !p.cur().IsPunct(";") && !p.cur().IsPunct("}") && p.cur().Kind != token.EOF {
		v = p.parseExpr()
	}
	p.matchPunct(";")
	return &ast.Return{StmtBase: ast.StmtBase{Pos: pos}, Value: v}
}

func (p *Parser) parseThrow() ast.Stmt {
	pos := p.here()
	p.advance()
	v := p.parseExpr()
	p.matchPunct(";")
	return &ast.Throw{StmtBase: ast.StmtBase{Pos: pos}, Value: v}
}

func (p *Parser) parseTryCatch() ast.Stmt {
	pos := p.here()
	p.advance()
	tryBlock := p.parseBlock()
	tc := &ast.TryCatch{StmtBase: ast.StmtBase{Pos: pos}, Try: tryBlock}
	for p.matchKeyword("catch") {
		cc := ast.CatchClause{}
		if p.matchPunct("(") {
			cc.ExceptionType = p.expectIdent()
			if p.cur().Kind == token.Ident {
				cc.Binding = p.advance().Lexeme
			}
			p.expectPunct(")")
		}
		cc.Body = p.parseBlock()
		tc.Catches = append(tc.Catches, cc)
	}
	if p.matchKeyword("finally") {
		tc.Finally = p.parseBlock()
	}
	return tc
}

// ---- expressions: precedence table
//
//   unary > multiplicative > additive > shift > relational > equality >
//   bitwise-and > bitwise-xor > bitwise-or > logical-and > logical-or >
//   ternary > assignment (right-assoc)
//
// `**` is handled as its own level between unary and postfix, and is
// right-associative: a unary operator written before it applies to the
// whole power, so `-2 ** 2` parses as `-(2 ** 2)`, while `2 ** -2` parses
// with the unary minus as the right operand of `**`.

func (p *Parser) parseExpr() ast.Expr { return p.parseAssignment() }

func (p *Parser) parseAssignment() ast.Expr {
	lhs := p.parseTernary()
	if lhs == nil {
		return nil
	}
	t := p.cur()
	if t.Kind == token.OpAssignment {
		p.advance()
		rhs := p.parseAssignment() // right-associative
		return &ast.Assignment{ExprBase: ast.ExprBase{Pos: lhs.Position()}, Op: t.Lexeme, Lhs: lhs, Rhs: rhs}
	}
	return lhs
}

func (p *Parser) parseTernary() ast.Expr {
	cond := p.parseLogicalOr()
	if cond == nil {
		return nil
	}
	if p.matchPunct("?") {
		then := p.parseAssignment()
		p.expectPunct(":")
		els := p.parseAssignment()
		return &ast.Ternary{ExprBase: ast.ExprBase{Pos: cond.Position()}, Cond: cond, Then: then, Else: els}
	}
	return cond
}

func (p *Parser) parseLogicalOr() ast.Expr {
	left := p.parseLogicalAnd()
	for p.checkOp(token.OpLogical, "||") || p.checkOp(token.MathSymbol, "∨") {
		p.advance()
		right := p.parseLogicalAnd()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: "||", Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseLogicalAnd() ast.Expr {
	left := p.parseBitwiseOr()
	for p.checkOp(token.OpLogical, "&&") || p.checkOp(token.MathSymbol, "∧") {
		p.advance()
		right := p.parseBitwiseOr()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: "&&", Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseBitwiseOr() ast.Expr {
	left := p.parseBitwiseXor()
	for p.checkOp(token.OpBitwise, "|") {
		op := p.advance().Lexeme
		right := p.parseBitwiseXor()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseBitwiseXor() ast.Expr {
	left := p.parseBitwiseAnd()
	for p.checkOp(token.OpBitwise, "^") {
		op := p.advance().Lexeme
		right := p.parseBitwiseAnd()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseBitwiseAnd() ast.Expr {
	left := p.parseEquality()
	for p.checkOp(token.OpBitwise, "&") {
		op := p.advance().Lexeme
		right := p.parseEquality()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseEquality() ast.Expr {
	left := p.parseRelational()
	for {
		var op string
		switch {
		case p.checkOp(token.OpComparison, "==") || p.checkOp(token.OpComparison, "==="):
			op = "=="
		case p.checkOp(token.OpComparison, "!=") || p.checkOp(token.MathSymbol, "≠"):
			op = "!="
		default:
			return left
		}
		p.advance()
		right := p.parseRelational()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
}

var relationalOps = map[string]string{
	"is greater than or equal to": ">=",
	"is less than or equal to":    "<=",
	"is greater than":             ">",
	"is less than":                "<",
	"is equal to":                 "==",
	"is not equal to":             "!=",
}

func (p *Parser) parseRelational() ast.Expr {
	left := p.parseShift()
	for {
		t := p.cur()
		if t.Kind == token.OpComparison && (t.Lexeme == "<" || t.Lexeme == ">" || t.Lexeme == "<=" || t.Lexeme == ">=") {
			p.advance()
			right := p.parseShift()
			left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: t.Lexeme, Left: left, Right: right}
			continue
		}
		if t.Kind == token.MathSymbol && (t.Lexeme == "≤" || t.Lexeme == "≥") {
			op := "<="
			if t.Lexeme == "≥" {
				op = ">="
			}
			p.advance()
			right := p.parseShift()
			left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
			continue
		}
		if t.Kind == token.KeyNatural {
			if op, ok := relationalOps[t.Lexeme]; ok {
				p.advance()
				right := p.parseShift()
				left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
				continue
			}
		}
		break
	}
	return left
}

func (p *Parser) parseShift() ast.Expr {
	left := p.parseAdditive()
	for p.checkOp(token.OpBitwise, "<<") || p.checkOp(token.OpBitwise, ">>") {
		op := p.advance().Lexeme
		right := p.parseAdditive()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseAdditive() ast.Expr {
	left := p.parseMultiplicative()
	for p.checkOp(token.OpArithmetic, "+") || p.checkOp(token.OpArithmetic, "-") {
		op := p.advance().Lexeme
		right := p.parseMultiplicative()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseMultiplicative() ast.Expr {
	left := p.parseUnary()
	for p.checkOp(token.OpArithmetic, "*") || p.checkOp(token.OpArithmetic, "/") || p.checkOp(token.OpArithmetic, "%") {
		op := p.advance().Lexeme
		right := p.parseUnary()
		left = &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: op, Left: left, Right: right}
	}
	return left
}

// parsePower handles right-associative `**`: its left operand is a postfix
// expression, and its right operand may itself start with a unary operator.
func (p *Parser) parsePower() ast.Expr {
	left := p.parsePostfix()
	if left != nil && p.checkOp(token.OpArithmetic, "**") {
		p.advance()
		right := p.parseUnary() // right-assoc via parseUnary -> parsePower
		return &ast.Binary{ExprBase: ast.ExprBase{Pos: left.Position()}, Op: "**", Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseUnary() ast.Expr {
	t := p.cur()
	pos := p.here()
	if (t.Kind == token.OpArithmetic && (t.Lexeme == "-" || t.Lexeme == "*")) ||
		(t.Kind == token.OpLogical && t.Lexeme == "!") ||
		(t.Kind == token.OpBitwise && (t.Lexeme == "~" || t.Lexeme == "&" || t.Lexeme == "*")) ||
		(t.Kind == token.MathSymbol && t.Lexeme == "¬") {
		p.advance()
		operand := p.parseUnary()
		return &ast.Unary{ExprBase: ast.ExprBase{Pos: pos}, Op: t.Lexeme, Operand: operand}
	}
	if t.Kind == token.KeyModifier && t.Lexeme == "await" {
		p.advance()
		operand := p.parseUnary()
		return &ast.AwaitExpr{ExprBase: ast.ExprBase{Pos: pos}, Operand: operand}
	}
	if t.Kind == token.KeyNatural {
		switch t.Lexeme {
		case "sum of all", "product of all", "min of all", "max of all", "average of all":
			p.advance()
			op := firstWord(t.Lexeme)
			coll := p.parseUnary()
			return &ast.Aggregate{ExprBase: ast.ExprBase{Pos: pos}, Op: op, Coll: coll}
		}
	}
	return p.parsePower()
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

func (p *Parser) checkOp(k token.Kind, lexeme string) bool {
	t := p.cur()
	return t.Kind == k && t.Lexeme == lexeme
}

func (p *Parser) parsePostfix() ast.Expr {
	e := p.parsePrimary()
	if e == nil {
		return nil
	}
	for {
		switch {
		case p.matchPunct("("):
			var args []ast.Expr
			for !p.cur().IsPunct(")") && !p.atEnd() {
				args = append(args, p.parseAssignment())
				if !p.matchPunct(",") {
					break
				}
			}
			p.expectPunct(")")
			e = &ast.Call{ExprBase: ast.ExprBase{Pos: e.Position()}, Callee: e, Args: args}
		case p.matchPunct("["):
			idx := p.parseExpr()
			p.expectPunct("]")
			e = &ast.Index{ExprBase: ast.ExprBase{Pos: e.Position()}, Base: e, Index: idx}
		case p.matchPunct("."):
			name := p.expectIdent()
			e = &ast.Member{ExprBase: ast.ExprBase{Pos: e.Position()}, Base: e, Name: name}
		case p.cur().Lexeme == "->" && p.peekN(1).Kind == token.Ident:
			p.advance()
			name := p.expectIdent()
			deref := &ast.Unary{ExprBase: ast.ExprBase{Pos: e.Position()}, Op: "*", Operand: e}
			e = &ast.Member{ExprBase: ast.ExprBase{Pos: e.Position()}, Base: deref, Name: name}
		default:
			return e
		}
	}
}

func (p *Parser) parsePrimary() ast.Expr {
	t := p.cur()
	pos := p.here()

	switch t.Kind {
	case token.Int, token.Float, token.Imaginary, token.String, token.Char, token.Boolean, token.Null, token.UnitNumber:
		p.advance()
		return &ast.Literal{ExprBase: ast.ExprBase{Pos: pos}, Kind: t.Kind, Value: t.Value}
	case token.Ident, token.GreekSymbol:
		p.advance()
		if p.cur().IsPunct("{") && isStructLitContext(t.Lexeme) {
			return p.parseStructLit(t.Lexeme, pos)
		}
		return &ast.Ident{ExprBase: ast.ExprBase{Pos: pos}, Name: t.Lexeme}
	case token.MathSymbol:
		p.advance()
		operand := p.parseUnary()
		return &ast.Unary{ExprBase: ast.ExprBase{Pos: pos}, Op: t.Lexeme, Operand: operand}
	}

	if t.IsPunct("(") {
		p.advance()
		e := p.parseExpr()
		p.expectPunct(")")
		return e
	}
	if t.IsKeyword("async") && p.peekN(1).Lexeme == "func" {
		p.advance()
		return p.parseLambda(true)
	}
	if t.IsKeyword("func") {
		return p.parseLambda(false)
	}
	if t.IsPunct("[") {
		return p.parseListLit(pos)
	}

	p.errorf("unexpected token %q", t.Lexeme)
	p.advance()
	return nil
}

// isStructLitContext is a deliberately conservative heuristic: only an
// uppercase-leading identifier immediately followed by `{` is treated as a
// struct literal, so an ordinary block statement after a bare identifier
// expression is never misparsed as one.
func isStructLitContext(name string) bool {
	return len(name) > 0 && name[0] >= 'A' && name[0] <= 'Z'
}

func (p *Parser) parseStructLit(typeName string, pos ast.Pos) ast.Expr {
	p.expectPunct("{")
	lit := &ast.StructLit{ExprBase: ast.ExprBase{Pos: pos}, TypeName: typeName}
	for !p.cur().IsPunct("}") && !p.atEnd() {
		name := p.expectIdent()
		var val ast.Expr
		if p.matchPunct(":") {
			val = p.parseAssignment()
		} else {
			val = &ast.Ident{ExprBase: ast.ExprBase{Pos: pos}, Name: name} // field shorthand
		}
		lit.Fields = append(lit.Fields, ast.StructLitField{Name: name, Value: val})
		if !p.matchPunct(",") {
			break
		}
	}
	p.expectPunct("}")
	return lit
}

// parseListLit desugars `[a, b, c]` into a call of the synthetic builtin
// __list__, which internal/bytecode recognises and emits as a sequence of
// NewList/ListAppend operations rather than a real function call.
func (p *Parser) parseListLit(pos ast.Pos) ast.Expr {
	p.expectPunct("[")
	var elems []ast.Expr
	for !p.cur().IsPunct("]") && !p.atEnd() {
		elems = append(elems, p.parseAssignment())
		if !p.matchPunct(",") {
			break
		}
	}
	p.expectPunct("]")
	callee := &ast.Ident{ExprBase: ast.ExprBase{Pos: pos}, Name: "__list__"}
	return &ast.Call{ExprBase: ast.ExprBase{Pos: pos}, Callee: callee, Args: elems}
}

func (p *Parser) parseLambda(isAsync bool) ast.Expr {
	pos := p.here()
	p.matchKeyword("func")
	params := p.parseParams()
	body := p.parseBlock()
	return &ast.Lambda{ExprBase: ast.ExprBase{Pos: pos}, Params: params, Body: body, IsAsync: isAsync}
}
