// Package dn implements parsing, normalization, and comparison of LDAP
// distinguished names according to RFC 4514.
//
// A DN is an ordered sequence of relative distinguished names (RDNs), most
// specific first. Each RDN holds one or more attribute type/value pairs;
// multi-valued RDNs ("cn=X+sn=Y") are supported. Values are stored unescaped
// and Unicode-normalized (NFC); String re-escapes reserved characters so that
// Parse(d.String()) always yields a DN equal to d.
//
// DN values are immutable: all methods return new values and never modify the
// receiver.
package dn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrMalformed is returned by Parse when the input is not a valid RFC 4514
// distinguished name. Use errors.Is to test for it.
var ErrMalformed = errors.New("malformed distinguished name")

// AttributeValue is a single type/value pair within an RDN. Value holds the
// unescaped, NFC-normalized text.
type AttributeValue struct {
	Type  string
	Value string
}

// RDN is one relative distinguished name: a non-empty set of attribute
// type/value pairs. Multi-valued RDNs carry more than one pair.
type RDN struct {
	Attributes []AttributeValue
}

// DN is a parsed distinguished name. The zero value is the empty DN (the
// root DSE). DNs are compared with Equal, never with ==.
type DN struct {
	RDNs []RDN
}

// Parse parses RFC 4514 DN text into a DN. It accepts multi-valued RDNs and
// hex-escaped byte sequences ("\C3\A9"). The empty string parses to the zero
// DN. Failures wrap ErrMalformed.
func Parse(text string) (DN, error) {
	if strings.TrimSpace(text) == "" {
		return DN{}, nil
	}

	parsed, err := ldap.ParseDN(text)
	if err != nil {
		return DN{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rdns := make([]RDN, 0, len(parsed.RDNs))
	for _, rel := range parsed.RDNs {
		if len(rel.Attributes) == 0 {
			return DN{}, fmt.Errorf("%w: empty RDN component", ErrMalformed)
		}
		attrs := make([]AttributeValue, 0, len(rel.Attributes))
		for _, attr := range rel.Attributes {
			if attr.Type == "" {
				return DN{}, fmt.Errorf("%w: empty attribute type in %q", ErrMalformed, text)
			}
			attrs = append(attrs, AttributeValue{
				Type:  attr.Type,
				Value: norm.NFC.String(attr.Value),
			})
		}
		rdns = append(rdns, RDN{Attributes: attrs})
	}
	return DN{RDNs: rdns}, nil
}

// MustParse is Parse that panics on error, for tests and static DNs.
func MustParse(text string) DN {
	d, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the empty DN.
func (d DN) IsZero() bool {
	return len(d.RDNs) == 0
}

// Depth returns the number of RDN components.
func (d DN) Depth() int {
	return len(d.RDNs)
}

// String renders the DN as RFC 4514 text, re-escaping reserved characters
// and control bytes. Attribute type and value casing is preserved as parsed.
func (d DN) String() string {
	if d.IsZero() {
		return ""
	}
	parts := make([]string, 0, len(d.RDNs))
	for _, r := range d.RDNs {
		parts = append(parts, r.label())
	}
	return strings.Join(parts, ",")
}

// Canonical returns the case-folded canonical form used for equality and map
// keys: attribute types and values folded, multi-valued RDN pairs sorted.
func (d DN) Canonical() string {
	if d.IsZero() {
		return ""
	}
	parts := make([]string, 0, len(d.RDNs))
	for _, r := range d.RDNs {
		parts = append(parts, canonicalRDN(r))
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two DNs name the same entry: attribute types compared
// case-insensitively, values compared case-folded after unescaping, pair
// order within a multi-valued RDN ignored.
func (d DN) Equal(other DN) bool {
	if len(d.RDNs) != len(other.RDNs) {
		return false
	}
	return d.Canonical() == other.Canonical()
}

// Parent returns the DN with the leading RDN removed; the parent of a
// single-component DN (and of the zero DN) is the zero DN.
func (d DN) Parent() DN {
	if len(d.RDNs) <= 1 {
		return DN{}
	}
	return DN{RDNs: d.RDNs[1:]}
}

// Child returns a new DN one level below d with the given leading RDN.
func (d DN) Child(attrType, value string) DN {
	rdns := make([]RDN, 0, len(d.RDNs)+1)
	rdns = append(rdns, RDN{Attributes: []AttributeValue{{
		Type:  attrType,
		Value: norm.NFC.String(value),
	}}})
	rdns = append(rdns, d.RDNs...)
	return DN{RDNs: rdns}
}

// IsDescendantOf reports whether ancestor's RDN sequence is a strict suffix
// of d's. The zero DN is an ancestor of every non-zero DN.
func (d DN) IsDescendantOf(ancestor DN) bool {
	if len(ancestor.RDNs) >= len(d.RDNs) {
		return false
	}
	offset := len(d.RDNs) - len(ancestor.RDNs)
	for i, r := range ancestor.RDNs {
		if canonicalRDN(d.RDNs[offset+i]) != canonicalRDN(r) {
			return false
		}
	}
	return true
}

// IsChildOf reports whether ancestor is the direct parent of d.
func (d DN) IsChildOf(ancestor DN) bool {
	return len(d.RDNs) == len(ancestor.RDNs)+1 && d.IsDescendantOf(ancestor)
}

// RDNLabel returns the escaped text of the leading RDN ("cn=admin"), used as
// the display label of a tree node. The zero DN has an empty label.
func (d DN) RDNLabel() string {
	if d.IsZero() {
		return ""
	}
	return d.RDNs[0].label()
}

// RDNValue returns the value of the leading RDN's first attribute, unescaped.
func (d DN) RDNValue() string {
	if d.IsZero() || len(d.RDNs[0].Attributes) == 0 {
		return ""
	}
	return d.RDNs[0].Attributes[0].Value
}

func (r RDN) label() string {
	pairs := make([]string, 0, len(r.Attributes))
	for _, attr := range r.Attributes {
		pairs = append(pairs, attr.Type+"="+EscapeValue(attr.Value))
	}
	return strings.Join(pairs, "+")
}

func canonicalRDN(r RDN) string {
	pairs := make([]string, 0, len(r.Attributes))
	for _, attr := range r.Attributes {
		pairs = append(pairs, fold(attr.Type)+"="+EscapeValue(fold(attr.Value)))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "+")
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// EscapeValue escapes a DN attribute value per RFC 4514: the reserved
// characters , + " \ < > ; = are backslash-escaped, a leading # and leading
// or trailing spaces are escaped, and control bytes are emitted as hex pairs.
func EscapeValue(value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == ',' || c == '+' || c == '"' || c == '\\' ||
			c == '<' || c == '>' || c == ';' || c == '=':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '#' && i == 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == ' ' && (i == 0 || i == len(value)-1):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, "\\%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
