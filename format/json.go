package format

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/netresearch/ldapnav"
	"github.com/netresearch/ldapnav/dn"
)

type jsonEntry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

// WriteJSON writes entries as an indented JSON array of {dn, attributes}
// objects. Attribute keys serialize in sorted order, so output is
// deterministic.
func WriteJSON(w io.Writer, entries []*ldapnav.Entry) error {
	out := make([]jsonEntry, 0, len(entries))
	for _, entry := range entries {
		attrs := make(map[string][]string, len(entry.Attributes))
		for _, attr := range entry.Attributes {
			attrs[attr.Name] = append([]string(nil), attr.Values...)
		}
		out = append(out, jsonEntry{DN: entry.DN.String(), Attributes: attrs})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("format: write json: %w", err)
	}
	return nil
}

// ReadJSON reads an array of {dn, attributes} objects.
func ReadJSON(r io.Reader) ([]*ldapnav.Entry, error) {
	var raw []jsonEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("format: read json: %w", err)
	}

	entries := make([]*ldapnav.Entry, 0, len(raw))
	for _, je := range raw {
		parsed, err := dn.Parse(je.DN)
		if err != nil {
			return nil, fmt.Errorf("format: json entry %q: %w", je.DN, err)
		}
		entry := ldapnav.NewEntry(parsed)

		names := make([]string, 0, len(je.Attributes))
		for name := range je.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entry.SetAttribute(name, je.Attributes[name]...)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
