package ldapnav

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netresearch/ldapnav/dn"
)

// ClassKind is the structural role of an object class.
type ClassKind int

const (
	ClassStructural ClassKind = iota
	ClassAbstract
	ClassAuxiliary
)

func (k ClassKind) String() string {
	switch k {
	case ClassAbstract:
		return "abstract"
	case ClassAuxiliary:
		return "auxiliary"
	default:
		return "structural"
	}
}

// ObjectClass is one parsed objectClasses definition.
type ObjectClass struct {
	OID         string
	Names       []string
	Description string
	Kind        ClassKind
	Superior    string
	Must        []string
	May         []string
}

// Name returns the primary name of the class, falling back to its OID.
func (c *ObjectClass) Name() string {
	if len(c.Names) > 0 {
		return c.Names[0]
	}
	return c.OID
}

// AttributeType is one parsed attributeTypes definition. Syntax keeps the
// server's token verbatim, including any {length} bound; interpretation is
// best-effort via SyntaxName.
type AttributeType struct {
	OID                string
	Names              []string
	Description        string
	Superior           string
	Syntax             string
	SingleValue        bool
	NoUserModification bool
}

// Name returns the primary name of the attribute type, falling back to its
// OID.
func (a *AttributeType) Name() string {
	if len(a.Names) > 0 {
		return a.Names[0]
	}
	return a.OID
}

// EffectiveClass is an object class with its superior chain flattened:
// the unions of all MUST and MAY attribute names declared along the chain.
type EffectiveClass struct {
	Name  string
	Chain []string
	Must  []string
	May   []string
}

// Schema holds the parsed directory schema of one session. It is replaced
// wholesale on refresh, never mutated attribute-by-attribute, and is safe
// for concurrent readers.
type Schema struct {
	classes    map[string]*ObjectClass
	attributes map[string]*AttributeType

	mu        sync.Mutex
	effective map[string]*EffectiveClass
}

// ParseSchema parses raw objectClasses and attributeTypes definition values
// into a Schema. Individual malformed definitions are skipped rather than
// failing the whole load.
func ParseSchema(objectClasses, attributeTypes []string) *Schema {
	s := &Schema{
		classes:    make(map[string]*ObjectClass, len(objectClasses)),
		attributes: make(map[string]*AttributeType, len(attributeTypes)),
		effective:  make(map[string]*EffectiveClass),
	}
	for _, def := range objectClasses {
		oc, err := parseObjectClass(def)
		if err != nil {
			continue
		}
		s.classes[strings.ToLower(oc.OID)] = oc
		for _, name := range oc.Names {
			s.classes[strings.ToLower(name)] = oc
		}
	}
	for _, def := range attributeTypes {
		at, err := parseAttributeType(def)
		if err != nil {
			continue
		}
		s.attributes[strings.ToLower(at.OID)] = at
		for _, name := range at.Names {
			s.attributes[strings.ToLower(name)] = at
		}
	}
	return s
}

// Class looks up an object class by any of its names or its OID.
func (s *Schema) Class(name string) (*ObjectClass, bool) {
	oc, ok := s.classes[strings.ToLower(name)]
	return oc, ok
}

// Attribute looks up an attribute type by any of its names or its OID.
func (s *Schema) Attribute(name string) (*AttributeType, bool) {
	at, ok := s.attributes[strings.ToLower(name)]
	return at, ok
}

// HasAttribute reports whether the schema declares the attribute. It
// satisfies the lookup interface of filter.Validate.
func (s *Schema) HasAttribute(name string) bool {
	_, ok := s.attributes[strings.ToLower(name)]
	return ok
}

// ClassNames returns the primary names of all object classes, sorted.
func (s *Schema) ClassNames() []string {
	seen := make(map[*ObjectClass]bool, len(s.classes))
	names := make([]string, 0, len(s.classes))
	for _, oc := range s.classes {
		if !seen[oc] {
			seen[oc] = true
			names = append(names, oc.Name())
		}
	}
	sort.Strings(names)
	return names
}

// AttributeNames returns the primary names of all attribute types, sorted.
func (s *Schema) AttributeNames() []string {
	seen := make(map[*AttributeType]bool, len(s.attributes))
	names := make([]string, 0, len(s.attributes))
	for _, at := range s.attributes {
		if !seen[at] {
			seen[at] = true
			names = append(names, at.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Resolve flattens className's superior chain into an EffectiveClass,
// unioning MUST and MAY sets from the class up through its ancestors (child
// declarations augment ancestors, duplicates collapse case-insensitively).
// The chain terminates at a class with no superior; a superior of top walks
// into top's own declarations when the schema defines it. A revisited class
// fails with a cyclic-superior-chain error instead of looping. Results are
// cached until the Schema is replaced.
func (s *Schema) Resolve(className string) (*EffectiveClass, error) {
	key := strings.ToLower(className)

	s.mu.Lock()
	defer s.mu.Unlock()
	if eff, ok := s.effective[key]; ok {
		return eff, nil
	}

	eff := &EffectiveClass{}
	visited := make(map[string]bool)
	name := className
	for {
		lower := strings.ToLower(name)
		if visited[lower] {
			return nil, fmt.Errorf("%w: %s via %s", ErrCyclicSuperiorChain, className, name)
		}
		visited[lower] = true

		oc, ok := s.classes[lower]
		if !ok {
			if strings.EqualFold(name, "top") {
				break
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
		}
		if eff.Name == "" {
			eff.Name = oc.Name()
		}
		eff.Chain = append(eff.Chain, oc.Name())
		eff.Must = appendUniqueFold(eff.Must, oc.Must)
		eff.May = appendUniqueFold(eff.May, oc.May)

		if oc.Superior == "" {
			break
		}
		name = oc.Superior
	}
	if eff.Name == "" {
		eff.Name = className
	}

	s.effective[key] = eff
	return eff, nil
}

func appendUniqueFold(dst, add []string) []string {
	for _, v := range add {
		found := false
		for _, existing := range dst {
			if strings.EqualFold(existing, v) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// syntaxNames maps common attribute syntax OIDs to presentation names.
var syntaxNames = map[string]string{
	"1.3.6.1.4.1.1466.115.121.1.5":  "Binary",
	"1.3.6.1.4.1.1466.115.121.1.6":  "Bit String",
	"1.3.6.1.4.1.1466.115.121.1.7":  "Boolean",
	"1.3.6.1.4.1.1466.115.121.1.12": "DN",
	"1.3.6.1.4.1.1466.115.121.1.15": "Directory String",
	"1.3.6.1.4.1.1466.115.121.1.24": "Generalized Time",
	"1.3.6.1.4.1.1466.115.121.1.26": "IA5 String",
	"1.3.6.1.4.1.1466.115.121.1.27": "Integer",
	"1.3.6.1.4.1.1466.115.121.1.28": "JPEG",
	"1.3.6.1.4.1.1466.115.121.1.36": "Numeric String",
	"1.3.6.1.4.1.1466.115.121.1.38": "OID",
	"1.3.6.1.4.1.1466.115.121.1.40": "Octet String",
	"1.3.6.1.4.1.1466.115.121.1.41": "Postal Address",
	"1.3.6.1.4.1.1466.115.121.1.50": "Telephone Number",
	"1.2.840.113556.1.4.906":        "Large Integer",
	"1.2.840.113556.1.4.907":        "Security Descriptor",
}

// SyntaxName renders a syntax token as a friendly type name; unknown OIDs
// render as themselves.
func SyntaxName(syntax string) string {
	oid := syntax
	if i := strings.IndexByte(oid, '{'); i >= 0 {
		oid = oid[:i]
	}
	if name, ok := syntaxNames[oid]; ok {
		return name
	}
	return syntax
}

// RefreshSchema locates the subschema subentry via the root DSE, falling
// back to cn=Subschema, reads its objectClasses and attributeTypes, and
// installs a fresh Schema on the session.
func (s *Session) RefreshSchema(ctx context.Context) (*Schema, error) {
	start := time.Now()

	subschemaDN := ""
	if info := s.info.Load(); info != nil {
		subschemaDN = info.SubschemaSubentry
	}
	if subschemaDN == "" {
		if info, err := s.ReadRootDSE(ctx); err == nil {
			subschemaDN = info.SubschemaSubentry
		}
	}

	entry, err := s.readSubschema(ctx, subschemaDN)
	if err != nil && subschemaDN != "" && subschemaDN != "cn=Subschema" {
		entry, err = s.readSubschema(ctx, "cn=Subschema")
	}
	if err != nil {
		return nil, err
	}

	schema := ParseSchema(entry.Get("objectClasses"), entry.Get("attributeTypes"))
	s.schema.Store(schema)
	s.logger.Info("schema_refreshed",
		slog.String("subschema_dn", entry.DN.String()),
		slog.Int("object_classes", len(schema.ClassNames())),
		slog.Int("attribute_types", len(schema.AttributeNames())),
		slog.Duration("duration", time.Since(start)))
	return schema, nil
}

func (s *Session) readSubschema(ctx context.Context, subschemaDN string) (*Entry, error) {
	if subschemaDN == "" {
		subschemaDN = "cn=Subschema"
	}
	target, err := dn.Parse(subschemaDN)
	if err != nil {
		return nil, err
	}
	entries, err := s.SearchAll(ctx, SearchRequest{
		BaseDN:     target,
		Scope:      ScopeBase,
		Filter:     "(objectClass=subschema)",
		Attributes: []string{"objectClasses", "attributeTypes"},
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, wrapKind("schema", s.Address(), subschemaDN, ErrNoSuchEntry, ErrNoSuchEntry)
	}
	return entries[0], nil
}

// definition string parsing

func parseObjectClass(def string) (*ObjectClass, error) {
	toks := tokenizeDefinition(def)
	if len(toks) < 2 || toks[0] != "(" {
		return nil, fmt.Errorf("malformed object class definition: %q", def)
	}
	oc := &ObjectClass{OID: toks[1]}
	i := 2
	for i < len(toks) {
		switch strings.ToUpper(toks[i]) {
		case "NAME":
			names, n := parseNameList(toks, i+1)
			oc.Names = names
			i += 1 + n
		case "DESC":
			if i+1 < len(toks) {
				oc.Description = toks[i+1]
			}
			i += 2
		case "SUP":
			sups, n := parseNameList(toks, i+1)
			if len(sups) > 0 {
				oc.Superior = sups[0]
			}
			i += 1 + n
		case "ABSTRACT":
			oc.Kind = ClassAbstract
			i++
		case "STRUCTURAL":
			oc.Kind = ClassStructural
			i++
		case "AUXILIARY":
			oc.Kind = ClassAuxiliary
			i++
		case "MUST":
			attrs, n := parseNameList(toks, i+1)
			oc.Must = attrs
			i += 1 + n
		case "MAY":
			attrs, n := parseNameList(toks, i+1)
			oc.May = attrs
			i += 1 + n
		default:
			i++
		}
	}
	if oc.OID == "" || oc.OID == "(" || oc.OID == ")" {
		return nil, fmt.Errorf("object class definition without OID: %q", def)
	}
	return oc, nil
}

func parseAttributeType(def string) (*AttributeType, error) {
	toks := tokenizeDefinition(def)
	if len(toks) < 2 || toks[0] != "(" {
		return nil, fmt.Errorf("malformed attribute type definition: %q", def)
	}
	at := &AttributeType{OID: toks[1]}
	i := 2
	for i < len(toks) {
		switch strings.ToUpper(toks[i]) {
		case "NAME":
			names, n := parseNameList(toks, i+1)
			at.Names = names
			i += 1 + n
		case "DESC":
			if i+1 < len(toks) {
				at.Description = toks[i+1]
			}
			i += 2
		case "SUP":
			sups, n := parseNameList(toks, i+1)
			if len(sups) > 0 {
				at.Superior = sups[0]
			}
			i += 1 + n
		case "SYNTAX":
			if i+1 < len(toks) {
				at.Syntax = toks[i+1]
			}
			i += 2
		case "EQUALITY", "ORDERING", "SUBSTR", "USAGE":
			i += 2
		case "SINGLE-VALUE":
			at.SingleValue = true
			i++
		case "NO-USER-MODIFICATION":
			at.NoUserModification = true
			i++
		default:
			i++
		}
	}
	if at.OID == "" || at.OID == "(" || at.OID == ")" {
		return nil, fmt.Errorf("attribute type definition without OID: %q", def)
	}
	return at, nil
}

// parseNameList consumes either a single token or a parenthesized group
// (`( 'a' 'b' )` for names, `( a $ b )` for attribute lists), returning the
// collected values and the number of tokens consumed.
func parseNameList(toks []string, i int) ([]string, int) {
	if i >= len(toks) {
		return nil, 0
	}
	if toks[i] != "(" {
		return []string{toks[i]}, 1
	}
	var out []string
	n := 1
	for i+n < len(toks) && toks[i+n] != ")" {
		if toks[i+n] != "$" {
			out = append(out, toks[i+n])
		}
		n++
	}
	if i+n < len(toks) {
		n++
	}
	return out, n
}

// tokenizeDefinition splits a schema definition into parens, dollar signs,
// quoted strings (quotes stripped), and bare words.
func tokenizeDefinition(def string) []string {
	var toks []string
	i := 0
	for i < len(def) {
		c := def[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == '$':
			toks = append(toks, string(c))
			i++
		case c == '\'':
			j := i + 1
			for j < len(def) && def[j] != '\'' {
				j++
			}
			toks = append(toks, def[i+1:j])
			if j < len(def) {
				j++
			}
			i = j
		default:
			j := i
			for j < len(def) {
				c := def[j]
				if c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
					c == '(' || c == ')' || c == '$' || c == '\'' {
					break
				}
				j++
			}
			toks = append(toks, def[i:j])
			i = j
		}
	}
	return toks
}
