package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"unicode"

	"github.com/pkg/errors"
)

const CalculateToolName = "calculate"

type CalculateInput struct {
	Expression string `json:"expression" jsonschema:"required,description=Arithmetic expression using + - * / ** and parentheses, e.g. 85 * 0.15"`
}

// InvalidExpressionError reports an expression the calculator refuses to evaluate.
type InvalidExpressionError struct {
	Expression string
	Cause      string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid expression '%s': %s", e.Expression, e.Cause)
}

func NewCalculateTool() Tool {
	return NewTool(
		CalculateToolName,
		"Evaluate an arithmetic expression. Supports +, -, *, /, ** (power) and parentheses.",
		func(ctx context.Context, in CalculateInput) (float64, error) {
			return Calculate(in.Expression)
		},
	)
}

// Calculate evaluates expression over the grammar
//
//	expr    = term { ("+" | "-") term }
//	term    = factor { ("*" | "/") factor }
//	factor  = ("+" | "-") factor | power
//	power   = primary [ "**" factor ]
//	primary = number | "(" expr ")"
//
// Anything else, including names and calls, is an *InvalidExpressionError.
func Calculate(expression string) (float64, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return 0, &InvalidExpressionError{Expression: expression, Cause: err.Error()}
	}

	p := &parser{tokens: tokens}
	tree, err := p.parseExpr()
	if err == nil && p.peek().kind != tokenEOF {
		err = errors.Errorf("unexpected %s", p.peek())
	}
	if err != nil {
		return 0, &InvalidExpressionError{Expression: expression, Cause: err.Error()}
	}

	result, err := tree.eval()
	if err != nil {
		return 0, &InvalidExpressionError{Expression: expression, Cause: err.Error()}
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, &InvalidExpressionError{Expression: expression, Cause: "result is not a finite number"}
	}
	return result, nil
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind  tokenKind
	text  string
	value float64
	pos   int
}

func (t token) String() string {
	if t.kind == tokenEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at position %d", t.text, t.pos)
}

func tokenize(s string) ([]token, error) {
	var tokens []token
	r := []rune(s)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++
		case c == '*' && i+1 < len(r) && r[i+1] == '*':
			tokens = append(tokens, token{kind: tokenOp, text: "**", pos: i})
			i += 2
		case c == '+' || c == '-' || c == '*' || c == '/':
			if c == '/' && i+1 < len(r) && r[i+1] == '/' {
				return nil, errors.Errorf("unsupported operator \"//\" at position %d", i)
			}
			tokens = append(tokens, token{kind: tokenOp, text: string(c), pos: i})
			i++
		case unicode.IsDigit(c) || c == '.':
			start := i
			i = scanNumber(r, i)
			text := string(r[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, errors.Errorf("malformed number %q at position %d", text, start)
			}
			tokens = append(tokens, token{kind: tokenNumber, text: text, value: v, pos: start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(r) && (unicode.IsLetter(r[i]) || unicode.IsDigit(r[i]) || r[i] == '_') {
				i++
			}
			return nil, errors.Errorf("unsupported name %q at position %d", string(r[start:i]), start)
		default:
			return nil, errors.Errorf("unsupported character %q at position %d", c, i)
		}
	}
	return append(tokens, token{kind: tokenEOF, pos: len(r)}), nil
}

// scanNumber returns the index just past the numeric literal starting at i:
// digits, an optional fraction and an optional exponent.
func scanNumber(r []rune, i int) int {
	for i < len(r) && (unicode.IsDigit(r[i]) || r[i] == '.') {
		i++
	}
	if i < len(r) && (r[i] == 'e' || r[i] == 'E') {
		j := i + 1
		if j < len(r) && (r[j] == '+' || r[j] == '-') {
			j++
		}
		if j < len(r) && unicode.IsDigit(r[j]) {
			for j < len(r) && unicode.IsDigit(r[j]) {
				j++
			}
			return j
		}
	}
	return i
}

type node interface {
	eval() (float64, error)
}

type numberNode float64

func (n numberNode) eval() (float64, error) { return float64(n), nil }

type unaryNode struct {
	op      string
	operand node
}

func (n unaryNode) eval() (float64, error) {
	v, err := n.operand.eval()
	if err != nil {
		return 0, err
	}
	if n.op == "-" {
		return -v, nil
	}
	return v, nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval() (float64, error) {
	l, err := n.left.eval()
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval()
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errors.Errorf("division by zero")
		}
		return l / r, nil
	case "**":
		return math.Pow(l, r), nil
	}
	return 0, errors.Errorf("unsupported operator %q", n.op)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokenOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/") {
		op := p.next().text
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (node, error) {
	if p.isOp("+", "-") {
		op := p.next().text
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePower()
}

// parsePower is right associative: 2 ** 3 ** 2 is 2 ** 9.
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.isOp("**") {
		p.next()
		exp, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "**", left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		return numberNode(t.value), nil
	case tokenLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, errors.Errorf("expected \")\", got %s", closing)
		}
		return inner, nil
	}
	return nil, errors.Errorf("unexpected %s", t)
}
