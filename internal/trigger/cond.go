// Package trigger evaluates event→condition→action workflow rules. The
// condition language is a closed, side-effect-free predicate grammar:
//
//	expr    := or
//	or      := and ("or" and)*
//	and     := term ("and" term)*
//	term    := "(" expr ")" | comparison
//	compare := field OP literal
//	OP      := == != > >= < <= contains in
//	field   := ident ("." ident)*        e.g. payload.kind, client.round
//	literal := 'string' | "string" | number | true | false | [lit, lit, ...]
//
// Evaluation is total: a parse error, an unknown field, or a type mismatch
// fails the match instead of erroring, and the engine bounds wall time.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed, reusable condition.
type Expr struct {
	root node
}

// ParseCondition compiles a condition string. An empty condition always
// matches.
func ParseCondition(s string) (*Expr, error) {
	if strings.TrimSpace(s) == "" {
		return &Expr{root: boolNode(true)}, nil
	}
	p := &parser{toks: lex(s)}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at end of condition", p.peek().val)
	}
	return &Expr{root: root}, nil
}

// Eval evaluates against a flattened scope (field path → value). Missing
// fields and type mismatches yield false.
func (e *Expr) Eval(scope map[string]interface{}) bool {
	return e.root.eval(scope)
}

// ============================================================================
// LEXER
// ============================================================================

type tokKind int

const (
	tokIdent tokKind = iota
	tokOp
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEOF
	tokBad
)

type token struct {
	kind tokKind
	val  string
}

func lex(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			quote := byte(c)
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return append(toks, token{tokBad, s[i:]})
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>", c):
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			toks = append(toks, token{tokOp, s[i:j]})
			i = j
		case c == '-' || unicode.IsDigit(c):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return append(toks, token{tokBad, string(c)})
		}
	}
	return append(toks, token{tokEOF, ""})
}

// ============================================================================
// PARSER
// ============================================================================

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) eof() bool   { return p.peek().kind == tokEOF }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().val == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().val == "and" {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"contains": true, "in": true,
}

func (p *parser) parseComparison() (node, error) {
	f := p.next()
	if f.kind != tokIdent {
		return nil, fmt.Errorf("expected field, got %q", f.val)
	}

	op := p.next()
	opName := op.val
	if op.kind == tokIdent && compareOps[op.val] {
		// contains / in
	} else if op.kind != tokOp || !compareOps[op.val] {
		return nil, fmt.Errorf("expected operator after %q, got %q", f.val, op.val)
	}

	lit, err := p.parseLiteral(opName == "in")
	if err != nil {
		return nil, err
	}
	if opName == "in" {
		if _, ok := lit.([]interface{}); !ok {
			return nil, fmt.Errorf("'in' requires a list literal")
		}
	}
	return &cmpNode{field: f.val, op: opName, lit: lit}, nil
}

func (p *parser) parseLiteral(allowList bool) (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.val, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.val)
		}
		return n, nil
	case tokIdent:
		switch t.val {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("bare identifier %q is not a literal", t.val)
	case tokLBracket:
		if !allowList {
			return nil, fmt.Errorf("list literal only allowed with 'in'")
		}
		var items []interface{}
		for {
			if p.peek().kind == tokRBracket {
				p.next()
				return items, nil
			}
			item, err := p.parseLiteral(false)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
			}
		}
	}
	return nil, fmt.Errorf("expected literal, got %q", t.val)
}

// ============================================================================
// EVALUATION
// ============================================================================

type node interface {
	eval(scope map[string]interface{}) bool
}

type boolNode bool

func (b boolNode) eval(map[string]interface{}) bool { return bool(b) }

type binNode struct {
	op          string
	left, right node
}

func (n *binNode) eval(scope map[string]interface{}) bool {
	if n.op == "and" {
		return n.left.eval(scope) && n.right.eval(scope)
	}
	return n.left.eval(scope) || n.right.eval(scope)
}

type cmpNode struct {
	field string
	op    string
	lit   interface{}
}

func (n *cmpNode) eval(scope map[string]interface{}) bool {
	val, ok := scope[n.field]
	if !ok {
		return false
	}

	switch n.op {
	case "==":
		return equal(val, n.lit)
	case "!=":
		return !equal(val, n.lit)
	case ">", ">=", "<", "<=":
		a, okA := asNumber(val)
		b, okB := asNumber(n.lit)
		if !okA || !okB {
			return false
		}
		switch n.op {
		case ">":
			return a > b
		case ">=":
			return a >= b
		case "<":
			return a < b
		default:
			return a <= b
		}
	case "contains":
		s, okS := val.(string)
		sub, okSub := n.lit.(string)
		return okS && okSub && strings.Contains(s, sub)
	case "in":
		items, okL := n.lit.([]interface{})
		if !okL {
			return false
		}
		for _, item := range items {
			if equal(val, item) {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b interface{}) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
		return false
	}
	if sa, ok := asString(a); ok {
		if sb, ok := asString(b); ok {
			return sa == sb
		}
		return false
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}
