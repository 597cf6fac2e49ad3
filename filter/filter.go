// Package filter implements parsing, serialization, and advisory validation
// of LDAP search filters according to RFC 4515.
//
// Parse builds an Expression tree; Expression.String renders it back to
// filter text such that re-parsing yields a structurally equal tree. Parse
// errors carry a 1-based position into the input so callers can point at the
// offending character.
package filter

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Kind identifies the node type of an Expression.
type Kind int

const (
	And Kind = iota
	Or
	Not
	Equality
	Substring
	GreaterOrEqual
	LessOrEqual
	ApproxMatch
	Present
)

// String returns the RFC 4515 operator spelling of the kind.
func (k Kind) String() string {
	switch k {
	case And:
		return "&"
	case Or:
		return "|"
	case Not:
		return "!"
	case Equality:
		return "="
	case Substring:
		return "=*"
	case GreaterOrEqual:
		return ">="
	case LessOrEqual:
		return "<="
	case ApproxMatch:
		return "~="
	case Present:
		return "=*"
	default:
		return "?"
	}
}

// SubstringPattern is the value shape of a Substring node. A leading '*' in
// the source text leaves Initial empty, a trailing '*' leaves Final empty,
// and interior segments appear in Any in source order.
type SubstringPattern struct {
	Initial string
	Any     []string
	Final   string
}

// Expression is one node of a parsed filter tree. And/Or nodes hold at least
// one child, Not exactly one. Item nodes (Equality, Substring, GreaterOrEqual,
// LessOrEqual, ApproxMatch, Present) carry Attribute; Equality and the
// ordering/approx kinds carry Value (unescaped); Substring carries Substr.
// Trees are built only by Parse and never mutated afterwards.
type Expression struct {
	Kind      Kind
	Attribute string
	Value     string
	Substr    *SubstringPattern
	Children  []*Expression
}

// ParseError reports a malformed filter with the 1-based byte position of
// the problem.
type ParseError struct {
	Position int
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Message, e.Position)
}

// Parse parses RFC 4515 filter text into an Expression tree. Input is
// trimmed first; empty input is invalid. The outermost parentheses are
// required: "cn=x" is rejected, "(cn=x)" is accepted.
func Parse(text string) (*Expression, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &ParseError{Position: 1, Message: "filter cannot be empty"}
	}

	p := &parser{input: trimmed}
	expr, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.input) {
		return nil, &ParseError{Position: p.pos + 1, Message: "unexpected characters after filter"}
	}
	return expr, nil
}

// MustParse is Parse that panics on error, for tests and static filters.
func MustParse(text string) *Expression {
	expr, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return expr
}

// String renders the expression as RFC 4515 text, escaping value characters
// that are significant to the filter grammar.
func (e *Expression) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Expression) write(b *strings.Builder) {
	b.WriteByte('(')
	switch e.Kind {
	case And, Or:
		b.WriteString(e.Kind.String())
		for _, c := range e.Children {
			c.write(b)
		}
	case Not:
		b.WriteByte('!')
		e.Children[0].write(b)
	case Present:
		b.WriteString(e.Attribute)
		b.WriteString("=*")
	case Substring:
		b.WriteString(e.Attribute)
		b.WriteByte('=')
		b.WriteString(ldap.EscapeFilter(e.Substr.Initial))
		for _, any := range e.Substr.Any {
			b.WriteByte('*')
			b.WriteString(ldap.EscapeFilter(any))
		}
		b.WriteByte('*')
		b.WriteString(ldap.EscapeFilter(e.Substr.Final))
	default:
		b.WriteString(e.Attribute)
		b.WriteString(e.Kind.String())
		b.WriteString(ldap.EscapeFilter(e.Value))
	}
	b.WriteByte(')')
}

// Warning is an advisory finding from Validate. Warnings never block a
// search; arbitrary server-side attributes may be unknown to the local
// schema cache.
type Warning struct {
	Attribute string
	Message   string
}

// AttributeLookup answers whether an attribute type is known. The schema
// cache of a session implements it.
type AttributeLookup interface {
	HasAttribute(name string) bool
}

// Validate walks the tree and reports attributes unknown to the given
// schema. A nil schema yields no warnings. Each unknown attribute is
// reported once.
func Validate(expr *Expression, schema AttributeLookup) []Warning {
	if expr == nil || schema == nil {
		return nil
	}

	var warnings []Warning
	seen := make(map[string]bool)

	var walk func(*Expression)
	walk = func(e *Expression) {
		switch e.Kind {
		case And, Or, Not:
			for _, c := range e.Children {
				walk(c)
			}
		default:
			key := strings.ToLower(e.Attribute)
			if seen[key] {
				return
			}
			if !schema.HasAttribute(e.Attribute) {
				seen[key] = true
				warnings = append(warnings, Warning{
					Attribute: e.Attribute,
					Message:   "attribute not found in schema",
				})
			}
		}
	}
	walk(expr)
	return warnings
}

// DetectAttributeContext reports whether the cursor at the end of a
// partially-typed filter sits in attribute-name position, returning the
// partial attribute text if so. It returns ok=false when the cursor is in
// value position or no filter group is open. Interactive front ends use this
// to drive attribute-name completion.
func DetectAttributeContext(input string) (partial string, ok bool) {
	var stack []int
	for i, ch := range input {
		switch ch {
		case '(':
			stack = append(stack, i)
		case ')':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return "", false
	}

	after := input[stack[len(stack)-1]+1:]
	if strings.ContainsAny(after, "=") {
		return "", false
	}
	return strings.TrimLeft(after, "&|!"), true
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseFilter() (*Expression, error) {
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, &ParseError{Position: p.pos + 1, Message: "expected '('"}
	}
	p.pos++
	if p.pos >= len(p.input) {
		return nil, &ParseError{Position: p.pos, Message: "unexpected end of filter after '('"}
	}

	var expr *Expression
	var err error
	switch p.input[p.pos] {
	case '&':
		p.pos++
		expr, err = p.parseList(And, '&')
	case '|':
		p.pos++
		expr, err = p.parseList(Or, '|')
	case '!':
		p.pos++
		var child *Expression
		child, err = p.parseFilter()
		if err == nil {
			expr = &Expression{Kind: Not, Children: []*Expression{child}}
		}
	default:
		expr, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}

	if p.pos >= len(p.input) || p.input[p.pos] != ')' {
		return nil, &ParseError{Position: p.pos + 1, Message: "expected ')'"}
	}
	p.pos++
	return expr, nil
}

func (p *parser) parseList(kind Kind, op byte) (*Expression, error) {
	start := p.pos
	var children []*Expression
	for p.pos < len(p.input) && p.input[p.pos] == '(' {
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, &ParseError{
			Position: start + 1,
			Message:  fmt.Sprintf("empty filter list in '%c' operator", op),
		}
	}
	return &Expression{Kind: kind, Children: children}, nil
}

func (p *parser) parseItem() (*Expression, error) {
	start := p.pos
	for p.pos < len(p.input) && isAttributeChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, &ParseError{Position: start + 1, Message: "expected attribute name after '('"}
	}
	attr := p.input[start:p.pos]

	var kind Kind
	switch {
	case p.pos < len(p.input) && p.input[p.pos] == '=':
		kind = Equality
		p.pos++
	case p.pos+1 < len(p.input) && p.input[p.pos+1] == '=':
		switch p.input[p.pos] {
		case '~':
			kind = ApproxMatch
		case '>':
			kind = GreaterOrEqual
		case '<':
			kind = LessOrEqual
		default:
			return nil, p.operatorError()
		}
		p.pos += 2
	default:
		return nil, p.operatorError()
	}

	valueStart := p.pos
	segStart := p.pos
	var segments []string
	starred := false
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		switch p.input[p.pos] {
		case '\\':
			if p.pos+2 >= len(p.input) || !isHexDigit(p.input[p.pos+1]) || !isHexDigit(p.input[p.pos+2]) {
				return nil, &ParseError{Position: p.pos + 1, Message: "invalid escape sequence in value"}
			}
			p.pos += 3
		case '*':
			if kind == Equality {
				starred = true
				segments = append(segments, p.input[segStart:p.pos])
				segStart = p.pos + 1
			}
			p.pos++
		default:
			p.pos++
		}
	}
	raw := p.input[valueStart:p.pos]

	if kind == Equality && raw == "*" {
		return &Expression{Kind: Present, Attribute: attr}, nil
	}
	if kind == Equality && starred {
		segments = append(segments, p.input[segStart:p.pos])
		for _, seg := range segments[1 : len(segments)-1] {
			if seg == "" {
				return nil, &ParseError{Position: valueStart + 1, Message: "empty substring segment in value"}
			}
		}
		pattern := &SubstringPattern{
			Initial: unescapeValue(segments[0]),
			Final:   unescapeValue(segments[len(segments)-1]),
		}
		for _, seg := range segments[1 : len(segments)-1] {
			pattern.Any = append(pattern.Any, unescapeValue(seg))
		}
		return &Expression{Kind: Substring, Attribute: attr, Substr: pattern}, nil
	}
	return &Expression{Kind: kind, Attribute: attr, Value: unescapeValue(raw)}, nil
}

func (p *parser) operatorError() *ParseError {
	return &ParseError{
		Position: p.pos + 1,
		Message:  "expected comparison operator (=, ~=, >=, <=) after attribute name",
	}
}

// Attribute descriptions per RFC 4512: descr or OID, plus options after ';'
// (e.g. "cn;lang-en").
func isAttributeChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '-' || c == '.' || c == ';'
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// unescapeValue decodes RFC 4515 hex escapes ("\2a"). The scanner has
// already verified every escape, so malformed pairs cannot occur here.
func unescapeValue(raw string) string {
	if !strings.Contains(raw, "\\") {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+2 < len(raw) {
			b.WriteByte(hexValue(raw[i+1])<<4 | hexValue(raw[i+2]))
			i += 2
			continue
		}
		b.WriteByte(raw[i])
	}
	return b.String()
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
