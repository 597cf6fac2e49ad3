package ldapnav

import (
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapnav/dn"
)

// Attribute is one named attribute with its values in server order. Values
// are byte-preserving strings, so binary attribute values survive untouched
// until an encoder decides how to render them.
type Attribute struct {
	Name   string
	Values []string
}

// ChangeKind enumerates the kinds of staged edits in an Entry change-set.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeDelete
	ChangeReplace
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Change is one staged, uncommitted edit against a single attribute. A
// ChangeDelete with no values removes the attribute entirely.
type Change struct {
	Kind      ChangeKind
	Attribute string
	Values    []string
}

// Entry is one directory entry: a DN plus its attributes in server order,
// with case-insensitive name lookup, and a change-set of local edits not
// yet committed. An Entry belongs to one session and is not safe for
// concurrent mutation.
type Entry struct {
	DN         dn.DN
	Attributes []Attribute

	changes []Change
}

// NewEntry returns an empty draft entry for d, used when composing a new
// directory object locally before AddEntry.
func NewEntry(d dn.DN) *Entry {
	return &Entry{DN: d}
}

// newEntryFromResult converts a wire-level search entry, preserving
// attribute order as returned by the server.
func newEntryFromResult(raw *ldap.Entry) (*Entry, error) {
	parsed, err := dn.Parse(raw.DN)
	if err != nil {
		return nil, err
	}
	e := &Entry{DN: parsed, Attributes: make([]Attribute, 0, len(raw.Attributes))}
	for _, a := range raw.Attributes {
		e.Attributes = append(e.Attributes, Attribute{
			Name:   a.Name,
			Values: append([]string(nil), a.Values...),
		})
	}
	return e, nil
}

func (e *Entry) lookup(name string) *Attribute {
	for i := range e.Attributes {
		if strings.EqualFold(e.Attributes[i].Name, name) {
			return &e.Attributes[i]
		}
	}
	return nil
}

// Get returns the values of the named attribute, or nil when absent.
// Lookup is case-insensitive.
func (e *Entry) Get(name string) []string {
	if a := e.lookup(name); a != nil {
		return a.Values
	}
	return nil
}

// First returns the first value of the named attribute, or "" when absent.
func (e *Entry) First(name string) string {
	if vs := e.Get(name); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the entry carries the named attribute.
func (e *Entry) Has(name string) bool {
	return e.lookup(name) != nil
}

// AttributeNames returns the attribute names in server order.
func (e *Entry) AttributeNames() []string {
	names := make([]string, len(e.Attributes))
	for i, a := range e.Attributes {
		names[i] = a.Name
	}
	return names
}

// ObjectClasses returns the entry's objectClass values.
func (e *Entry) ObjectClasses() []string {
	return e.Get("objectClass")
}

// SetAttribute replaces the values of name, appending the attribute when
// absent. The stored name keeps its first-seen spelling.
func (e *Entry) SetAttribute(name string, values ...string) {
	if a := e.lookup(name); a != nil {
		a.Values = append([]string(nil), values...)
		return
	}
	e.Attributes = append(e.Attributes, Attribute{Name: name, Values: append([]string(nil), values...)})
}

// AddValue appends values to name, creating the attribute when absent.
func (e *Entry) AddValue(name string, values ...string) {
	if a := e.lookup(name); a != nil {
		a.Values = append(a.Values, values...)
		return
	}
	e.Attributes = append(e.Attributes, Attribute{Name: name, Values: append([]string(nil), values...)})
}

// StageAdd stages new values for attr. Nothing reaches the server until
// Session.Commit.
func (e *Entry) StageAdd(attr string, values ...string) {
	e.changes = append(e.changes, Change{Kind: ChangeAdd, Attribute: attr, Values: append([]string(nil), values...)})
}

// StageDelete stages removal of the given values of attr. With no values
// the whole attribute is removed.
func (e *Entry) StageDelete(attr string, values ...string) {
	e.changes = append(e.changes, Change{Kind: ChangeDelete, Attribute: attr, Values: append([]string(nil), values...)})
}

// StageReplace stages replacement of all values of attr.
func (e *Entry) StageReplace(attr string, values ...string) {
	e.changes = append(e.changes, Change{Kind: ChangeReplace, Attribute: attr, Values: append([]string(nil), values...)})
}

// StageReplaceValue stages replacement of a single value, expressed as a
// delete of the old value plus an add of the new one so sibling values of
// attr survive the commit.
func (e *Entry) StageReplaceValue(attr, oldValue, newValue string) {
	e.changes = append(e.changes,
		Change{Kind: ChangeDelete, Attribute: attr, Values: []string{oldValue}},
		Change{Kind: ChangeAdd, Attribute: attr, Values: []string{newValue}},
	)
}

// Changes returns a copy of the staged change-set in staging order.
func (e *Entry) Changes() []Change {
	out := make([]Change, len(e.changes))
	copy(out, e.changes)
	return out
}

// HasChanges reports whether uncommitted edits are staged.
func (e *Entry) HasChanges() bool {
	return len(e.changes) > 0
}

// DiscardChanges drops all staged edits without committing them.
func (e *Entry) DiscardChanges() {
	e.changes = nil
}
