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

package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// Print renders the canonical medium-register form of a program for the
// documented round-trip subset: literals, identifiers, unary/binary/ternary
// operators, calls, index and member access, var/const declarations,
// assignments, blocks, if and while. Re-parsing the output yields a tree
// equal to the input up to position data.
func Print(p *Program) string {
	var b strings.Builder
	for _, s := range p.Statements {
		printStmt(&b, s, 0)
	}
	return b.String()
}

func indent(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("    ", depth))
}

func printStmt(b *strings.Builder, s Stmt, depth int) {
	switch st := s.(type) {
	case *ExprStmt:
		indent(b, depth)
		b.WriteString(printExpr(st.X))
		b.WriteString(";\n")
	case *Block:
		indent(b, depth)
		b.WriteString("{\n")
		for _, inner := range st.Statements {
			printStmt(b, inner, depth+1)
		}
		indent(b, depth)
		b.WriteString("}\n")
	case *If:
		indent(b, depth)
		fmt.Fprintf(b, "if %s ", printExpr(st.Cond))
		printBlockInline(b, st.Then, depth)
		if st.Else != nil {
			indent(b, depth)
			b.WriteString("else ")
			printBlockInline(b, st.Else, depth)
		}
	case *While:
		indent(b, depth)
		fmt.Fprintf(b, "while %s ", printExpr(st.Cond))
		printBlockInline(b, st.Body, depth)
	case *Return:
		indent(b, depth)
		if st.Value != nil {
			fmt.Fprintf(b, "return %s;\n", printExpr(st.Value))
		} else {
			b.WriteString("return;\n")
		}
	case *DeclStmt:
		printDecl(b, st.D, depth)
	default:
		indent(b, depth)
		fmt.Fprintf(b, "/* unprintable %T */;\n", s)
	}
}

func printBlockInline(b *strings.Builder, blk *Block, depth int) {
	b.WriteString("{\n")
	for _, inner := range blk.Statements {
		printStmt(b, inner, depth+1)
	}
	indent(b, depth)
	b.WriteString("}\n")
}

func printDecl(b *strings.Builder, d Decl, depth int) {
	switch dd := d.(type) {
	case *VarDecl:
		indent(b, depth)
		kw := "var"
		if dd.Const {
			kw = "const"
		}
		if dd.Init != nil {
			fmt.Fprintf(b, "%s %s = %s;\n", kw, dd.Name, printExpr(dd.Init))
		} else {
			fmt.Fprintf(b, "%s %s;\n", kw, dd.Name)
		}
	case *FuncDecl:
		indent(b, depth)
		names := make([]string, len(dd.Params))
		for i, p := range dd.Params {
			names[i] = p.Name
		}
		fmt.Fprintf(b, "func %s(%s) ", dd.Name, strings.Join(names, ", "))
		printBlockInline(b, dd.Body, depth)
	default:
		indent(b, depth)
		fmt.Fprintf(b, "/* unprintable %T */;\n", d)
	}
}

func printExpr(x Expr) string {
	switch e := x.(type) {
	case *Literal:
		return printLiteral(e)
	case *Ident:
		return e.Name
	case *Unary:
		return e.Op + printExpr(e.Operand)
	case *Binary:
		return "(" + printExpr(e.Left) + " " + e.Op + " " + printExpr(e.Right) + ")"
	case *Ternary:
		return "(" + printExpr(e.Cond) + " ? " + printExpr(e.Then) + " : " + printExpr(e.Else) + ")"
	case *Index:
		return printExpr(e.Base) + "[" + printExpr(e.Index) + "]"
	case *Member:
		return printExpr(e.Base) + "." + e.Name
	case *Call:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = printExpr(a)
		}
		return printExpr(e.Callee) + "(" + strings.Join(args, ", ") + ")"
	case *Assignment:
		return printExpr(e.Lhs) + " " + e.Op + " " + printExpr(e.Rhs)
	default:
		return fmt.Sprintf("/* unprintable %T */", x)
	}
}

func printLiteral(l *Literal) string {
	switch v := l.Value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case string:
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
