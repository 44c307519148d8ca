// Package trigger implements the boolean precondition language evaluated
// just-in-time before a firing, together with the live snapshot the
// environmental monitors write into.
//
// Grammar (all tokens space-separated):
//
//	expr    := conj ( 'or'  conj )*
//	conj    := atom ( 'and' atom )*
//	atom    := ident cmp literal | '(' expr ')'
//	cmp     := '>' | '<' | '>=' | '<=' | '==' | '!='
//	literal := number | quoted-string
//
// Evaluation fails closed: unresolved identifiers and mixed-type
// comparisons evaluate to false.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax = errors.New("trigger syntax error")
)

// Expr is a parsed trigger expression. Eval never errors; anything it
// cannot resolve evaluates to false.
type Expr interface {
	Eval(view map[string]interface{}) bool
	String() string
}

// Parse compiles the expression. Used at admission to verify syntax and
// on the node just before each firing.
func Parse(input string) (Expr, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, p.peek())
	}
	return e, nil
}

// Verify parses the expression and discards the result. The admission
// path only needs the syntax check.
func Verify(input string) error {
	_, err := Parse(input)
	return err
}

type token struct {
	text string
}

func tokenize(input string) ([]token, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	var toks []token
	for _, f := range fields {
		// Parentheses may arrive glued to their neighbours.
		for strings.HasPrefix(f, "(") {
			toks = append(toks, token{"("})
			f = f[1:]
		}
		var trailing int
		for strings.HasSuffix(f, ")") {
			trailing++
			f = f[:len(f)-1]
		}
		if f != "" {
			toks = append(toks, token{f})
		}
		for ; trailing > 0; trailing-- {
			toks = append(toks, token{")"})
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.eof() {
		return ""
	}
	return p.toks[p.pos].text
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseConj()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for !p.eof() && strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseConj()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return orExpr(terms), nil
}

func (p *parser) parseConj() (Expr, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for !p.eof() && strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return andExpr(terms), nil
}

var cmpOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true}

func (p *parser) parseAtom() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	if p.peek() == "(" {
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrSyntax)
		}
		return groupExpr{e}, nil
	}

	ident := p.next()
	if !validIdent(ident) {
		return nil, fmt.Errorf("%w: bad identifier %q", ErrSyntax, ident)
	}
	op := p.next()
	if !cmpOps[op] {
		return nil, fmt.Errorf("%w: bad comparison operator %q", ErrSyntax, op)
	}
	litTok := p.next()
	lit, err := parseLiteral(litTok)
	if err != nil {
		return nil, err
	}
	return cmpExpr{ident: ident, op: op, lit: lit}, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9', r == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type literal struct {
	num   float64
	str   string
	isStr bool
}

func parseLiteral(s string) (literal, error) {
	if s == "" {
		return literal{}, fmt.Errorf("%w: missing literal", ErrSyntax)
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return literal{str: s[1 : len(s)-1], isStr: true}, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return literal{}, fmt.Errorf("%w: bad literal %q", ErrSyntax, s)
	}
	return literal{num: n}, nil
}

func (l literal) String() string {
	if l.isStr {
		return "'" + l.str + "'"
	}
	return strconv.FormatFloat(l.num, 'g', -1, 64)
}

type orExpr []Expr

func (e orExpr) Eval(view map[string]interface{}) bool {
	for _, t := range e {
		if t.Eval(view) {
			return true
		}
	}
	return false
}

func (e orExpr) String() string {
	parts := make([]string, len(e))
	for i, t := range e {
		parts[i] = t.String()
	}
	return strings.Join(parts, " or ")
}

type andExpr []Expr

func (e andExpr) Eval(view map[string]interface{}) bool {
	for _, t := range e {
		if !t.Eval(view) {
			return false
		}
	}
	return true
}

func (e andExpr) String() string {
	parts := make([]string, len(e))
	for i, t := range e {
		parts[i] = t.String()
	}
	return strings.Join(parts, " and ")
}

type groupExpr struct {
	inner Expr
}

func (e groupExpr) Eval(view map[string]interface{}) bool {
	return e.inner.Eval(view)
}

func (e groupExpr) String() string {
	return "( " + e.inner.String() + " )"
}

type cmpExpr struct {
	ident string
	op    string
	lit   literal
}

func (e cmpExpr) Eval(view map[string]interface{}) bool {
	val, ok := view[e.ident]
	if !ok {
		return false
	}
	if e.lit.isStr {
		s, ok := val.(string)
		if !ok {
			return false
		}
		return compareStrings(s, e.op, e.lit.str)
	}
	n, ok := toFloat(val)
	if !ok {
		return false
	}
	return compareFloats(n, e.op, e.lit.num)
}

func (e cmpExpr) String() string {
	return e.ident + " " + e.op + " " + e.lit.String()
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareFloats(a float64, op string, b float64) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

func compareStrings(a, op, b string) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}
