package format

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/netresearch/ldapnav"
	"github.com/netresearch/ldapnav/dn"
)

// multiValueSeparator joins multiple values of one attribute into a single
// cell of the tabular formats.
const multiValueSeparator = "|"

// WriteCSV writes entries as a table: a dn column followed by the union of
// attribute names, multi-valued attributes joined by the pipe separator.
func WriteCSV(w io.Writer, entries []*ldapnav.Entry) error {
	header, rows := tabulate(entries)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("format: write csv: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("format: write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("format: write csv: %w", err)
	}
	return nil
}

// ReadCSV reads a table produced by WriteCSV or a compatible spreadsheet
// export. The first column must be dn.
func ReadCSV(r io.Reader) ([]*ldapnav.Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("format: read csv: %w", err)
	}
	return detabulate(rows)
}

// tabulate flattens entries into a header row and data rows. The header is
// dn plus attribute names sorted case-insensitively, keeping the spelling
// of the first occurrence.
func tabulate(entries []*ldapnav.Entry) ([]string, [][]string) {
	spelling := make(map[string]string)
	for _, entry := range entries {
		for _, attr := range entry.Attributes {
			key := strings.ToLower(attr.Name)
			if _, ok := spelling[key]; !ok {
				spelling[key] = attr.Name
			}
		}
	}
	keys := make([]string, 0, len(spelling))
	for key := range spelling {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	header := make([]string, 0, len(keys)+1)
	header = append(header, "dn")
	for _, key := range keys {
		header = append(header, spelling[key])
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		row := make([]string, len(header))
		row[0] = entry.DN.String()
		for i, name := range header[1:] {
			row[i+1] = strings.Join(entry.Get(name), multiValueSeparator)
		}
		rows = append(rows, row)
	}
	return header, rows
}

func detabulate(rows [][]string) ([]*ldapnav.Entry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	if len(header) == 0 || !strings.EqualFold(header[0], "dn") {
		return nil, fmt.Errorf("format: first column must be dn")
	}

	entries := make([]*ldapnav.Entry, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		parsed, err := dn.Parse(row[0])
		if err != nil {
			return nil, fmt.Errorf("format: row %d: %w", i+2, err)
		}
		entry := ldapnav.NewEntry(parsed)
		for col := 1; col < len(row) && col < len(header); col++ {
			if row[col] == "" {
				continue
			}
			entry.SetAttribute(header[col], strings.Split(row[col], multiValueSeparator)...)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
