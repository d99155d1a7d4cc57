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

// Package lexer implements multi-register lexical analysis: a low-level
// rune cursor (peek/peekAt/advance) feeds a sequence of specialized scan*
// methods, and a bounded diag.List collects errors so one bad file yields a
// limited number of diagnostics instead of a single fatal one.
package lexer

import (
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/FyreFly-TM/Ouroboros-sub008/internal/diag"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/source"
	"github.com/FyreFly-TM/Ouroboros-sub008/internal/token"
)

// naturalPhrases are the multi-word high-register forms recognised as a
// single token. Longer phrases are tried first so "for each" does
// not shadow "for each ... in" prematurely; the lexer instead matches the
// leading keyword and lets the parser consume the rest as ordinary tokens
// (e.g. the identifier and "in"), except for purely fixed idioms below which
// have no variable part and are safe to fuse into one token.
var naturalPhrases = []string{
	"is greater than or equal to",
	"is less than or equal to",
	"is greater than",
	"is less than",
	"is equal to",
	"is not equal to",
	"for each",
	"sum of all",
	"product of all",
	"min of all",
	"max of all",
	"average of all",
	"repeat",
	"iterate",
	"end iterate",
	"end for",
	"end if",
	"end repeat",
	"then",
	"through",
	"step",
	"times",
}

var naturalByFirstWord = map[string][]string{}

func init() {
	for _, p := range naturalPhrases {
		w := strings.SplitN(p, " ", 2)[0]
		naturalByFirstWord[w] = append(naturalByFirstWord[w], p)
	}
}

// greekLow, greekHigh bound the Greek & Coptic Unicode block.
const greekLow, greekHigh = 0x0370, 0x03FF

// mathSymbols maps the recognised standalone mathematical operators/literals
// to their lexemes; ∞ is special-cased as a floating literal below.
var mathSymbols = map[rune]bool{
	'∑': true, '∏': true, '∫': true, '∂': true, '∇': true, '√': true,
	'∈': true, '∉': true, '⊆': true, '⊇': true, '∪': true, '∩': true,
	'≤': true, '≥': true, '≠': true, '∧': true, '∨': true, '¬': true,
}

// Lexer scans a source.Buffer into a finite ordered token sequence.
type Lexer struct {
	buf      *source.Buffer
	pos      int // byte offset of the next unread rune
	line     int
	lineBase int // byte offset of the start of the current line

	// register is a stack of (register, braceDepthAtEntry) so a marker's
	// scope ends when the enclosing block (brace depth) it was declared in
	// closes
	regStack   []regFrame
	braceDepth int

	diags *diag.List
}

type regFrame struct {
	reg   token.Register
	depth int
}

// New creates a Lexer over buf.
func New(buf *source.Buffer) *Lexer {
	return &Lexer{
		buf:      buf,
		line:     1,
		regStack: []regFrame{{reg: token.Medium, depth: 0}},
		diags:    diag.NewList(0),
	}
}

// Diagnostics returns the errors accumulated so far.
func (l *Lexer) Diagnostics() *diag.List { return l.diags }

func (l *Lexer) register() token.Register { return l.regStack[len(l.regStack)-1].reg }

func (l *Lexer) pushRegister(r token.Register) {
	l.regStack = append(l.regStack, regFrame{reg: r, depth: l.braceDepth})
}

// popRegistersAt pops any register frames whose scope ended at the brace
// depth we just closed down to.
func (l *Lexer) popRegistersAt(depth int) {
	for len(l.regStack) > 1 && l.regStack[len(l.regStack)-1].depth >= depth+1 {
		l.regStack = l.regStack[:len(l.regStack)-1]
	}
}

func (l *Lexer) eof() bool { return l.pos >= len(l.buf.Text) }

func (l *Lexer) peekRune() (rune, int) {
	if l.eof() {
		return 0, 0
	}
	r, size := utf8.DecodeRuneInString(l.buf.Text[l.pos:])
	return r, size
}

func (l *Lexer) peekAt(offset int) (rune, int) {
	p := l.pos
	var r rune
	var size int
	for i := 0; i <= offset; i++ {
		if p >= len(l.buf.Text) {
			return 0, 0
		}
		r, size = utf8.DecodeRuneInString(l.buf.Text[p:])
		if i < offset {
			p += size
		}
	}
	return r, size
}

func (l *Lexer) advance() rune {
	r, size := l.peekRune()
	if size == 0 {
		return 0
	}
	l.pos += size
	if r == '\n' {
		l.line++
		l.lineBase = l.pos
	}
	return r
}

func (l *Lexer) col() int { return l.pos - l.lineBase + 1 }

func (l *Lexer) errorf(format string, args ...interface{}) {
	line, col := l.line, l.col()
	d := diag.New(diag.KindLex, l.buf.Name, line, col, format, args...)
	d.Excerpt = l.buf.Excerpt(l.pos)
	l.diags.Add(d)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || (r >= greekLow && r <= greekHigh)
}

func isIdentCont(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

func isGreek(r rune) bool { return r >= greekLow && r <= greekHigh }

// Lex scans the entire buffer and returns the token sequence, terminated by
// a sentinel EOF token, plus any accumulated diagnostics.
func Lex(buf *source.Buffer) ([]token.Token, error) {
	l := New(buf)
	var toks []token.Token
	for {
		t := l.Next()
		toks = append(toks, t)
		if t.Kind == token.EOF {
			break
		}
		if l.diags.Abort() {
			toks = append(toks, token.Token{Kind: token.EOF, Line: l.line, Col: l.col(), Pos: l.pos})
			break
		}
	}
	return toks, l.diags.Err()
}

// Next scans and returns the next token.
func (l *Lexer) Next() token.Token {
	l.skipTrivia()
	startLine, startCol, startPos := l.line, l.col(), l.pos
	if l.eof() {
		return token.Token{Kind: token.EOF, Line: startLine, Col: startCol, Pos: startPos}
	}

	r, _ := l.peekRune()

	switch {
	case r == '@':
		return l.scanRegisterOrMarker(startLine, startCol, startPos)
	case r == '"' || r == '\'':
		return l.scanString(r, startLine, startCol, startPos, false)
	case r == '`':
		return l.scanRawString(startLine, startCol, startPos)
	case r == '$' && peekIs(l, 1, '"'):
		l.advance() // consume '$'
		return l.scanString('"', startLine, startCol, startPos, true)
	case unicode.IsDigit(r):
		return l.scanNumber(startLine, startCol, startPos)
	case r == '∞':
		l.advance()
		return token.Token{Kind: token.Float, Lexeme: "∞", Value: mathInf(), Line: startLine, Col: startCol, Pos: startPos, Register: l.register()}
	case mathSymbols[r]:
		l.advance()
		return token.Token{Kind: token.MathSymbol, Lexeme: string(r), Line: startLine, Col: startCol, Pos: startPos, Register: l.register()}
	case isIdentStart(r):
		return l.scanIdentOrKeyword(startLine, startCol, startPos)
	default:
		return l.scanOperatorOrPunct(startLine, startCol, startPos)
	}
}

func peekIs(l *Lexer, offset int, want rune) bool {
	r, size := l.peekAt(offset)
	return size > 0 && r == want
}

func (l *Lexer) skipTrivia() {
	for !l.eof() {
		r, _ := l.peekRune()
		switch {
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			l.advance()
		case r == '/' && peekIs(l, 1, '/'):
			for !l.eof() {
				r, _ := l.peekRune()
				if r == '\n' {
					break
				}
				l.advance()
			}
		case r == '/' && peekIs(l, 1, '*'):
			l.advance()
			l.advance()
			closed := false
			for !l.eof() {
				r, _ := l.peekRune()
				if r == '*' && peekIs(l, 1, '/') {
					l.advance()
					l.advance()
					closed = true
					break
				}
				l.advance()
			}
			if !closed {
				l.errorf("unterminated block comment")
			}
		default:
			return
		}
	}
}

// scanRegisterOrMarker handles `@high`, `@medium`, `@low`, `@asm { ... }`,
// and low-register punctuation that legitimately starts with `@` is not a
// thing in this language, so any other `@word` is an error token.
func (l *Lexer) scanRegisterOrMarker(line, col, pos int) token.Token {
	l.advance() // '@'
	start := l.pos
	for !l.eof() {
		r, _ := l.peekRune()
		if !unicode.IsLetter(r) {
			break
		}
		l.advance()
	}
	name := l.buf.Text[start:l.pos]
	switch name {
	case "high":
		l.pushRegister(token.High)
	case "medium":
		l.pushRegister(token.Medium)
	case "low":
		l.pushRegister(token.Low)
	case "asm":
		return l.scanAsmBlock(line, col, pos)
	default:
		l.errorf("unknown register marker @%s", name)
		return token.Token{Kind: token.Error, Lexeme: "@" + name, Line: line, Col: col, Pos: pos}
	}
	return token.Token{Kind: token.RegisterMarker, Lexeme: "@" + name, Line: line, Col: col, Pos: pos, Register: l.register()}
}

// scanAsmBlock captures the raw text of an `@asm { ... }` block verbatim,
// tracking brace nesting so an inner `{`/`}` pair inside the assembly text
// (e.g. a memory operand bracket is `[`, never `{`, but defensive nonetheless)
// does not truncate the block early.
func (l *Lexer) scanAsmBlock(line, col, pos int) token.Token {
	origin := l.line
	l.skipTrivia()
	if !peekIs(l, 0, '{') {
		l.errorf("expected '{' after @asm")
		return token.Token{Kind: token.Error, Lexeme: "@asm", Line: line, Col: col, Pos: pos}
	}
	l.advance() // '{'
	depth := 1
	start := l.pos
	for !l.eof() && depth > 0 {
		r, _ := l.peekRune()
		switch r {
		case '{':
			depth++
			l.advance()
		case '}':
			depth--
			if depth == 0 {
				break
			}
			l.advance()
		case '"', '\'':
			quote := r
			l.advance()
			for !l.eof() {
				c, _ := l.peekRune()
				if c == '\\' {
					l.advance()
					if !l.eof() {
						l.advance()
					}
					continue
				}
				l.advance()
				if c == quote {
					break
				}
			}
		default:
			l.advance()
		}
	}
	raw := l.buf.Text[start:l.pos]
	if depth != 0 {
		l.errorf("unterminated @asm block")
	} else {
		l.advance() // closing '}'
	}
	return token.Token{
		Kind: token.AsmBlock, Lexeme: raw, Line: line, Col: col, Pos: pos,
		Value: raw, OriginLine: origin, Register: token.Asm,
	}
}

var keywordClass = map[string]token.Kind{
	"if": token.KeyControl, "else": token.KeyControl, "while": token.KeyControl,
	"for": token.KeyControl, "return": token.KeyControl, "break": token.KeyControl,
	"continue": token.KeyControl, "throw": token.KeyControl, "try": token.KeyControl,
	"catch": token.KeyControl, "finally": token.KeyControl, "match": token.KeyControl,
	"match_case_default": token.KeyControl,

	"var": token.KeyDecl, "const": token.KeyDecl, "func": token.KeyDecl,
	"class": token.KeyDecl, "struct": token.KeyDecl, "enum": token.KeyDecl,
	"interface": token.KeyDecl, "namespace": token.KeyDecl, "import": token.KeyDecl,
	"export": token.KeyDecl, "union": token.KeyDecl,

	"async": token.KeyModifier, "await": token.KeyModifier, "static": token.KeyModifier,
	"public": token.KeyModifier, "private": token.KeyModifier, "override": token.KeyModifier,

	"int": token.KeyType, "float": token.KeyType, "string": token.KeyType,
	"bool": token.KeyType, "byte": token.KeyType, "list": token.KeyType,
	"map": token.KeyType, "void": token.KeyType,

	"true": token.Boolean, "false": token.Boolean, "null": token.Null,
}

// scanIdentOrKeyword scans identifiers, keywords and (in @high) multi-word
// natural-language forms.
func (l *Lexer) scanIdentOrKeyword(line, col, pos int) token.Token {
	start := l.pos
	firstIsGreek := false
	if r, _ := l.peekRune(); isGreek(r) {
		firstIsGreek = true
	}
	l.advance()
	for !l.eof() {
		r, _ := l.peekRune()
		if !isIdentCont(r) {
			break
		}
		if isGreek(r) != firstIsGreek {
			break // a Greek letter never continues a Latin identifier or vice versa
		}
		l.advance()
	}
	name := l.buf.Text[start:l.pos]

	if firstIsGreek && utf8.RuneCountInString(name) == 1 {
		return token.Token{Kind: token.GreekSymbol, Lexeme: name, Line: line, Col: col, Pos: pos, Register: l.register()}
	}

	if l.register() == token.High {
		if tok, ok := l.tryNaturalPhrase(name, line, col, pos); ok {
			return tok
		}
	}

	if k, ok := keywordClass[name]; ok {
		switch k {
		case token.Boolean:
			return token.Token{Kind: token.Boolean, Lexeme: name, Value: name == "true", Line: line, Col: col, Pos: pos, Register: l.register()}
		case token.Null:
			return token.Token{Kind: token.Null, Lexeme: name, Line: line, Col: col, Pos: pos, Register: l.register()}
		default:
			return token.Token{Kind: k, Lexeme: name, Line: line, Col: col, Pos: pos, Register: l.register()}
		}
	}
	return token.Token{Kind: token.Ident, Lexeme: name, Line: line, Col: col, Pos: pos, Register: l.register()}
}

// tryNaturalPhrase attempts to extend the just-scanned word `first` into one
// of the fixed high-register idioms, by peeking ahead word by
// word without consuming anything until a full match (or no match) is known.
func (l *Lexer) tryNaturalPhrase(first string, line, col, pos int) (token.Token, bool) {
	candidates := naturalByFirstWord[first]
	if len(candidates) == 0 {
		return token.Token{}, false
	}
	// Try longest candidate first.
	best := ""
	for _, c := range candidates {
		if len(c) > len(best) && l.matchesAhead(c) {
			best = c
		}
	}
	if best == "" {
		return token.Token{}, false
	}
	// Consume the remaining words of best (the first word is already
	// consumed by the caller).
	rest := strings.TrimPrefix(best, first)
	l.consumeLiteralAhead(rest)
	return token.Token{Kind: token.KeyNatural, Lexeme: best, Line: line, Col: col, Pos: pos, Register: l.register()}, true
}

// matchesAhead reports whether, starting at the already-consumed first word,
// the rest of phrase matches upcoming source text modulo whitespace.
func (l *Lexer) matchesAhead(phrase string) bool {
	firstLen := len(strings.SplitN(phrase, " ", 2)[0])
	rest := strings.TrimSpace(phrase[firstLen:])
	if rest == "" {
		return true
	}
	words := strings.Split(rest, " ")
	save := l.pos
	saveLine, saveBase := l.line, l.lineBase
	ok := true
	for _, w := range words {
		l.skipSpacesOnlyNoNewline()
		if !l.consumeWord(w) {
			ok = false
			break
		}
	}
	l.pos, l.line, l.lineBase = save, saveLine, saveBase
	return ok
}

func (l *Lexer) consumeLiteralAhead(rest string) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return
	}
	for _, w := range strings.Split(rest, " ") {
		l.skipSpacesOnlyNoNewline()
		l.consumeWord(w)
	}
}

func (l *Lexer) skipSpacesOnlyNoNewline() {
	for !l.eof() {
		r, _ := l.peekRune()
		if r == ' ' || r == '\t' {
			l.advance()
			continue
		}
		return
	}
}

func (l *Lexer) consumeWord(w string) bool {
	if l.pos+len(w) > len(l.buf.Text) {
		return false
	}
	if l.buf.Text[l.pos:l.pos+len(w)] != w {
		return false
	}
	for i := 0; i < len(w); i++ {
		l.advance()
	}
	return true
}

// scanString scans "..."/'...' and, when interp is true, an interpolated
// $"...{expr}..." literal. Interpolation holes are kept verbatim in the
// String token's value: they are neither lexed nor evaluated, and no
// InterpChunk/InterpOpen/InterpClose tokens are produced.
func (l *Lexer) scanString(quote rune, line, col, pos int, interp bool) token.Token {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.eof() {
			l.errorf("unterminated string literal")
			return token.Token{Kind: token.Error, Lexeme: sb.String(), Line: line, Col: col, Pos: pos}
		}
		r, _ := l.peekRune()
		if r == quote {
			l.advance()
			break
		}
		if r == '\n' {
			l.errorf("unterminated string literal")
			break
		}
		if r == '\\' {
			l.advance()
			esc, ok := l.scanEscape()
			if !ok {
				l.errorf("invalid escape sequence")
			}
			sb.WriteRune(esc)
			continue
		}
		if interp && r == '{' {
			// The hole is not split out: `{`, the hole text and `}` stay
			// in the literal unchanged.
			sb.WriteRune(r)
			l.advance()
			continue
		}
		sb.WriteRune(r)
		l.advance()
	}
	return token.Token{Kind: token.String, Lexeme: sb.String(), Value: sb.String(), Line: line, Col: col, Pos: pos, Register: l.register()}
}

func (l *Lexer) scanEscape() (rune, bool) {
	if l.eof() {
		return 0, false
	}
	r := l.advance()
	switch r {
	case 'n':
		return '\n', true
	case 't':
		return '\t', true
	case 'r':
		return '\r', true
	case '\\':
		return '\\', true
	case '\'':
		return '\'', true
	case '"':
		return '"', true
	case '0':
		return 0, true
	case 'u':
		start := l.pos
		for i := 0; i < 4 && !l.eof(); i++ {
			l.advance()
		}
		v, err := strconv.ParseInt(l.buf.Text[start:l.pos], 16, 32)
		if err != nil {
			return 0, false
		}
		return rune(v), true
	default:
		return r, false
	}
}

// scanRawString scans a backtick string: no escape processing at all.
func (l *Lexer) scanRawString(line, col, pos int) token.Token {
	l.advance() // '`'
	start := l.pos
	for {
		if l.eof() {
			l.errorf("unterminated raw string literal")
			break
		}
		r, _ := l.peekRune()
		if r == '`' {
			break
		}
		l.advance()
	}
	text := l.buf.Text[start:l.pos]
	if !l.eof() {
		l.advance() // closing '`'
	}
	return token.Token{Kind: token.String, Lexeme: text, Value: text, Line: line, Col: col, Pos: pos, Register: l.register()}
}

// scanNumber scans every numeric literal form decimal, hex,
// octal, binary, underscore digit separators, type suffixes, scientific
// notation and the imaginary suffix.
func (l *Lexer) scanNumber(line, col, pos int) token.Token {
	start := l.pos
	isFloat := false

	if peekIs(l, 0, '0') {
		r2, _ := l.peekAt(1)
		switch r2 {
		case 'x', 'X':
			l.advance()
			l.advance()
			l.consumeDigits(isHexDigit)
			return l.finishNumber(start, line, col, pos, false)
		case 'o', 'O':
			l.advance()
			l.advance()
			l.consumeDigits(isOctalDigit)
			return l.finishNumber(start, line, col, pos, false)
		case 'b', 'B':
			l.advance()
			l.advance()
			l.consumeDigits(isBinaryDigit)
			return l.finishNumber(start, line, col, pos, false)
		}
	}

	l.consumeDigits(unicode.IsDigit)
	if peekIs(l, 0, '.') {
		if r2, _ := l.peekAt(1); unicode.IsDigit(r2) {
			isFloat = true
			l.advance()
			l.consumeDigits(unicode.IsDigit)
		}
	}
	if r, _ := l.peekRune(); r == 'e' || r == 'E' {
		save := l.pos
		l.advance()
		if r2, _ := l.peekRune(); r2 == '+' || r2 == '-' {
			l.advance()
		}
		if r2, _ := l.peekRune(); unicode.IsDigit(r2) {
			isFloat = true
			l.consumeDigits(unicode.IsDigit)
		} else {
			l.pos = save
		}
	}
	return l.finishNumber(start, line, col, pos, isFloat)
}

func isHexDigit(r rune) bool {
	return unicode.IsDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
func isOctalDigit(r rune) bool  { return r >= '0' && r <= '7' }
func isBinaryDigit(r rune) bool { return r == '0' || r == '1' }

func (l *Lexer) consumeDigits(pred func(rune) bool) {
	for !l.eof() {
		r, _ := l.peekRune()
		if pred(r) || r == '_' {
			l.advance()
			continue
		}
		break
	}
}

var numericSuffixes = []string{"i32", "u64", "f32", "f64", "UL", "L"}

func (l *Lexer) finishNumber(start, line, col, pos int, isFloat bool) token.Token {
	text := l.buf.Text[start:l.pos]
	suffix := ""
	for _, s := range numericSuffixes {
		if l.pos+len(s) <= len(l.buf.Text) && l.buf.Text[l.pos:l.pos+len(s)] == s {
			suffix = s
			for range s {
				l.advance()
			}
			break
		}
	}
	imaginary := false
	if r, _ := l.peekRune(); suffix == "" && (r == 'i' || r == 'j') {
		if r2, _ := l.peekAt(1); !isIdentCont(r2) {
			imaginary = true
			l.advance()
		}
	}
	switch suffix {
	case "f32", "f64":
		isFloat = true
	}
	clean := strings.ReplaceAll(text, "_", "")

	if imaginary {
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			l.errorf("invalid imaginary literal %q", text+"i")
		}
		return token.Token{Kind: token.Imaginary, Lexeme: text + "i", Value: complex(0, f), Line: line, Col: col, Pos: pos, Register: l.register()}
	}
	// a unit descriptor attached directly to the literal (`3.0m/s`, `12kg`)
	// makes a unit-tagged number. Adjacency is what keeps
	// this unambiguous against a following identifier expression.
	unit := ""
	if suffix == "" && !imaginary {
		unit = l.scanUnitSuffix()
	}

	if isFloat {
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			l.errorf("invalid floating point literal %q", text)
		}
		if unit != "" {
			return token.Token{Kind: token.UnitNumber, Lexeme: text + unit,
				Value: token.UnitVal{Num: f, Unit: unit}, Line: line, Col: col, Pos: pos, Register: l.register()}
		}
		return token.Token{Kind: token.Float, Lexeme: text + suffix, Value: f, Line: line, Col: col, Pos: pos, Register: l.register()}
	}
	base := 10
	digits := clean
	switch {
	case strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X"):
		base, digits = 16, clean[2:]
	case strings.HasPrefix(clean, "0o") || strings.HasPrefix(clean, "0O"):
		base, digits = 8, clean[2:]
	case strings.HasPrefix(clean, "0b") || strings.HasPrefix(clean, "0B"):
		base, digits = 2, clean[2:]
	}
	n, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		l.errorf("invalid integer literal %q: %s", text, errors.Cause(err))
	}
	if unit != "" {
		return token.Token{Kind: token.UnitNumber, Lexeme: text + unit,
			Value: token.UnitVal{Num: int64(n), Unit: unit}, Line: line, Col: col, Pos: pos, Register: l.register()}
	}
	return token.Token{Kind: token.Int, Lexeme: text + suffix, Value: int64(n), Line: line, Col: col, Pos: pos, Register: l.register()}
}

// scanUnitSuffix consumes a unit descriptor (`m`, `kg`, `m/s`) attached
// directly after a numeric literal, or nothing.
func (l *Lexer) scanUnitSuffix() string {
	r, _ := l.peekRune()
	if !unicode.IsLetter(r) || isGreek(r) {
		return ""
	}
	start := l.pos
	for !l.eof() {
		r, _ := l.peekRune()
		if !unicode.IsLetter(r) {
			break
		}
		l.advance()
	}
	if peekIs(l, 0, '/') {
		if r2, _ := l.peekAt(1); unicode.IsLetter(r2) {
			l.advance() // '/'
			for !l.eof() {
				r, _ := l.peekRune()
				if !unicode.IsLetter(r) {
					break
				}
				l.advance()
			}
		}
	}
	return l.buf.Text[start:l.pos]
}

var multiCharOps = []string{
	"**", "&&", "||", "==", "!=", "<=", ">=", "<<", ">>", "->", "+=", "-=",
	"*=", "/=", "%=", "&=", "|=", "^=",
}

var opClass = map[string]token.Kind{
	"+": token.OpArithmetic, "-": token.OpArithmetic, "*": token.OpArithmetic,
	"/": token.OpArithmetic, "%": token.OpArithmetic, "**": token.OpArithmetic,
	"==": token.OpComparison, "!=": token.OpComparison, "<": token.OpComparison,
	">": token.OpComparison, "<=": token.OpComparison, ">=": token.OpComparison,
	"&&": token.OpLogical, "||": token.OpLogical, "!": token.OpLogical,
	"&": token.OpBitwise, "|": token.OpBitwise, "^": token.OpBitwise,
	"~": token.OpBitwise, "<<": token.OpBitwise, ">>": token.OpBitwise,
	"=": token.OpAssignment, "+=": token.OpAssignment, "-=": token.OpAssignment,
	"*=": token.OpAssignment, "/=": token.OpAssignment, "%=": token.OpAssignment,
	"&=": token.OpAssignment, "|=": token.OpAssignment, "^=": token.OpAssignment,
	"->": token.Punct,
}

var punctSet = map[rune]bool{
	'(': true, ')': true, '[': true, ']': true, '{': true, '}': true,
	';': true, ':': true, ',': true, '.': true, '@': true, '?': true,
}

// scanOperatorOrPunct scans operators and punctuation; brace depth is
// tracked here so register-marker scopes (pushRegister/popRegistersAt) close
// at the right `}`. `&`, `*` and `->` lex to the same kinds in every
// register; the parser reads a prefix `&`/`*` and a postfix `->` as
// pointer forms.
func (l *Lexer) scanOperatorOrPunct(line, col, pos int) token.Token {
	r, _ := l.peekRune()

	for _, op := range multiCharOps {
		if l.matchesLiteral(op) {
			for range op {
				l.advance()
			}
			return token.Token{Kind: opClass[op], Lexeme: op, Line: line, Col: col, Pos: pos, Register: l.register()}
		}
	}

	l.advance()
	switch r {
	case '{':
		l.braceDepth++
		return token.Token{Kind: token.Punct, Lexeme: "{", Line: line, Col: col, Pos: pos, Register: l.register()}
	case '}':
		depth := l.braceDepth
		l.braceDepth--
		l.popRegistersAt(depth - 1)
		return token.Token{Kind: token.Punct, Lexeme: "}", Line: line, Col: col, Pos: pos, Register: l.register()}
	}

	if k, ok := opClass[string(r)]; ok {
		return token.Token{Kind: k, Lexeme: string(r), Line: line, Col: col, Pos: pos, Register: l.register()}
	}
	if punctSet[r] {
		return token.Token{Kind: token.Punct, Lexeme: string(r), Line: line, Col: col, Pos: pos, Register: l.register()}
	}
	l.errorf("stray character %q", r)
	return token.Token{Kind: token.Error, Lexeme: string(r), Line: line, Col: col, Pos: pos, Register: l.register()}
}

func (l *Lexer) matchesLiteral(s string) bool {
	if l.pos+len(s) > len(l.buf.Text) {
		return false
	}
	return l.buf.Text[l.pos:l.pos+len(s)] == s
}

func mathInf() float64 { return math.Inf(1) }
