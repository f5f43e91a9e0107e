package lite

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type node interface {
	eval(x []float64) []float64
}

type numNode float64

func (n numNode) eval(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = float64(n)
	}
	return out
}

type compNode struct{ c *component }

func (n compNode) eval(x []float64) []float64 { return n.c.eval(x) }

type negNode struct{ arg node }

func (n negNode) eval(x []float64) []float64 {
	out := n.arg.eval(x)
	for i := range out {
		out[i] = -out[i]
	}
	return out
}

type binNode struct {
	op          byte
	left, right node
}

func (n binNode) eval(x []float64) []float64 {
	l, r := n.left.eval(x), n.right.eval(x)
	for i := range l {
		switch n.op {
		case '+':
			l[i] += r[i]
		case '-':
			l[i] -= r[i]
		case '*':
			l[i] *= r[i]
		case '/':
			l[i] /= r[i]
		}
	}
	return l
}

type token struct {
	kind byte // 'n' number, 'i' identifier, or the operator itself
	text string
}

func tokenize(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("+-*/()", r):
			out = append(out, token{kind: byte(r), text: string(r)})
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E' ||
				((rs[j] == '+' || rs[j] == '-') && j > i && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			out = append(out, token{kind: 'n', text: string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			out = append(out, token{kind: 'i', text: string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in model expression", r)
		}
	}
	return out, nil
}

// parser builds an expression tree. Identifiers of the form type.name
// create (or reuse) a component; bare names must already exist.
type parser struct {
	toks    []token
	pos     int
	resolve func(ident string) (*component, error)
}

func parseExpression(src string, resolve func(string) (*component, error)) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("model expression not found")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, resolve: resolve}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in model expression", p.toks[p.pos].text)
	}
	return n, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.kind != '+' && t.kind != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) term() (node, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.kind != '*' && t.kind != '/') {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = binNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) factor() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("model expression ended unexpectedly")
	}
	p.pos++
	switch t.kind {
	case 'n':
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q in model expression", t.text)
		}
		return numNode(v), nil
	case 'i':
		c, err := p.resolve(t.text)
		if err != nil {
			return nil, err
		}
		return compNode{c: c}, nil
	case '-':
		arg, err := p.factor()
		if err != nil {
			return nil, err
		}
		return negNode{arg: arg}, nil
	case '(':
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if c, ok := p.peek(); !ok || c.kind != ')' {
			return nil, fmt.Errorf("missing closing parenthesis in model expression")
		}
		p.pos++
		return n, nil
	default:
		return nil, fmt.Errorf("unexpected %q in model expression", t.text)
	}
}
