// Package query implements the filter/sort/page subsystem: basic queries
// (dotted-path structural matching), RQL expression trees, downgrade
// visibility and cursor paging over a resource container.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// ErrUnsupported marks RQL operators this engine does not implement; the
// API surfaces it as 501.
var ErrUnsupported = errors.New("unsupported rql operator")

// Node is one parsed RQL expression: either a call (Op, Args) or a value
// leaf. Regexes for matches() are compiled at parse time.
type Node struct {
	Op    string
	Args  []*Node
	Value any
	re    *regexp.Regexp
}

var rqlArity = map[string]struct{ min, max int }{
	"and":      {1, -1},
	"or":       {1, -1},
	"not":      {1, 1},
	"eq":       {2, 2},
	"ne":       {2, 2},
	"gt":       {2, 2},
	"ge":       {2, 2},
	"lt":       {2, 2},
	"le":       {2, 2},
	"in":       {2, -1},
	"contains": {2, 2},
	"matches":  {2, 2},
}

// ParseRQL parses an RQL expression such as
// eq(transport,urn:x-nmos:transport:rtp.mcast). Tokens are percent-decoded
// after tokenization, so values containing the reserved characters ,()
// must arrive double-encoded.
func ParseRQL(s string) (*Node, error) {
	p := &rqlParser{s: s}
	n, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("rql: trailing input at %d", p.pos)
	}
	if n.Op == "" {
		return nil, errors.New("rql: expression must be a call")
	}
	return n, nil
}

type rqlParser struct {
	s   string
	pos int
}

func (p *rqlParser) parse() (*Node, error) {
	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune(",()", rune(p.s[p.pos])) {
		p.pos++
	}
	tok := p.s[start:p.pos]
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		return p.parseCall(tok)
	}
	if tok == "" {
		return nil, fmt.Errorf("rql: empty token at %d", start)
	}
	return valueLeaf(tok)
}

func (p *rqlParser) parseCall(name string) (*Node, error) {
	var args []*Node
	if p.pos < len(p.s) && p.s[p.pos] == ')' {
		p.pos++
	} else {
		for {
			arg, err := p.parse()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.pos >= len(p.s) {
				return nil, errors.New("rql: unterminated call")
			}
			switch p.s[p.pos] {
			case ',':
				p.pos++
			case ')':
				p.pos++
			default:
				return nil, fmt.Errorf("rql: unexpected %q at %d", p.s[p.pos], p.pos)
			}
			if p.s[p.pos-1] == ')' {
				break
			}
		}
	}
	return newCall(name, args)
}

func newCall(name string, args []*Node) (*Node, error) {
	arity, ok := rqlArity[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	if len(args) < arity.min || (arity.max >= 0 && len(args) > arity.max) {
		return nil, fmt.Errorf("rql: %s takes %d arguments, got %d", name, arity.min, len(args))
	}
	n := &Node{Op: name, Args: args}
	if name == "matches" {
		pattern, ok := args[1].Value.(string)
		if !ok {
			return nil, errors.New("rql: matches pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rql: matches pattern: %v", err)
		}
		n.re = re
	}
	return n, nil
}

// valueLeaf decodes a token into a typed value. api_version: and version:
// prefixes yield the custom ordered types; bare numbers, booleans and null
// are recognized; everything else is a string.
func valueLeaf(tok string) (*Node, error) {
	if dec, err := url.QueryUnescape(tok); err == nil {
		tok = dec
	}
	switch {
	case tok == "null":
		return &Node{Value: nil}, nil
	case tok == "true":
		return &Node{Value: true}, nil
	case tok == "false":
		return &Node{Value: false}, nil
	case strings.HasPrefix(tok, "api_version:"):
		v, err := nmos.ParseAPIVersion(strings.TrimPrefix(tok, "api_version:"))
		if err != nil {
			return nil, fmt.Errorf("rql: %v", err)
		}
		return &Node{Value: v}, nil
	case strings.HasPrefix(tok, "version:"):
		ts, err := nmos.ParseTAI(strings.TrimPrefix(tok, "version:"))
		if err != nil {
			return nil, fmt.Errorf("rql: %v", err)
		}
		return &Node{Value: ts}, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return &Node{Value: f}, nil
	}
	return &Node{Value: tok}, nil
}

// Eval evaluates the expression against a resource document. Comparisons
// against missing fields are false; not() inverts whatever its argument
// yields.
func (n *Node) Eval(data map[string]any) bool {
	switch n.Op {
	case "and":
		for _, a := range n.Args {
			if !a.Eval(data) {
				return false
			}
		}
		return true
	case "or":
		for _, a := range n.Args {
			if a.Eval(data) {
				return true
			}
		}
		return false
	case "not":
		return !n.Args[0].Eval(data)
	case "eq", "ne", "gt", "ge", "lt", "le":
		field, ok := n.fieldValue(data)
		if !ok {
			return false
		}
		c, ok := compareTyped(field, n.Args[1].Value)
		if !ok {
			return false
		}
		switch n.Op {
		case "eq":
			return c == 0
		case "ne":
			return c != 0
		case "gt":
			return c > 0
		case "ge":
			return c >= 0
		case "lt":
			return c < 0
		default:
			return c <= 0
		}
	case "in":
		field, ok := n.fieldValue(data)
		if !ok {
			return false
		}
		for _, a := range n.Args[1:] {
			if c, ok := compareTyped(field, a.Value); ok && c == 0 {
				return true
			}
		}
		return false
	case "contains":
		field, ok := n.fieldValue(data)
		if !ok {
			return false
		}
		switch fv := field.(type) {
		case []any:
			for _, elem := range fv {
				if c, ok := compareTyped(elem, n.Args[1].Value); ok && c == 0 {
					return true
				}
			}
			return false
		case string:
			want, ok := n.Args[1].Value.(string)
			return ok && strings.Contains(fv, want)
		default:
			return false
		}
	case "matches":
		field, ok := n.fieldValue(data)
		if !ok {
			return false
		}
		s, ok := field.(string)
		return ok && n.re.MatchString(s)
	default:
		return false
	}
}

// fieldValue extracts the value addressed by the call's first argument, a
// dotted path into the document.
func (n *Node) fieldValue(data map[string]any) (any, bool) {
	path, ok := n.Args[0].Value.(string)
	if !ok || data == nil {
		return nil, false
	}
	v, err := jsonpath.Get("$."+path, any(data))
	if err != nil {
		return nil, false
	}
	return v, true
}

// compareTyped orders a document field against a query value, coercing the
// field to the query value's type. api_version and version values compare
// lexicographically by component.
func compareTyped(field, q any) (int, bool) {
	switch want := q.(type) {
	case nmos.APIVersion:
		s, ok := field.(string)
		if !ok {
			return 0, false
		}
		v, err := nmos.ParseAPIVersion(s)
		if err != nil {
			return 0, false
		}
		return v.Cmp(want), true
	case nmos.TAI:
		s, ok := field.(string)
		if !ok {
			return 0, false
		}
		ts, err := nmos.ParseTAI(s)
		if err != nil {
			return 0, false
		}
		return ts.Cmp(want), true
	case float64:
		f, ok := toFloat(field)
		if !ok {
			return 0, false
		}
		switch {
		case f < want:
			return -1, true
		case f > want:
			return 1, true
		default:
			return 0, true
		}
	case string:
		s, ok := field.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(s, want), true
	case bool:
		b, ok := field.(bool)
		if !ok {
			return 0, false
		}
		if b == want {
			return 0, true
		}
		return 1, true
	case nil:
		if field == nil {
			return 0, true
		}
		return 1, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
