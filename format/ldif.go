package format

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/netresearch/ldapnav"
	"github.com/netresearch/ldapnav/dn"
)

// ldifLineWidth is the wrap column from RFC 2849; continuation lines carry
// a single leading space.
const ldifLineWidth = 76

// WriteLDIF writes entries as LDIF content records separated by blank
// lines. Values that are not safe strings are base64-encoded with the
// double-colon form.
func WriteLDIF(w io.Writer, entries []*ldapnav.Entry) error {
	bw := bufio.NewWriter(w)
	for i, entry := range entries {
		if i > 0 {
			bw.WriteByte('\n')
		}
		writeLDIFLine(bw, "dn", entry.DN.String())
		for _, attr := range entry.Attributes {
			for _, value := range attr.Values {
				writeLDIFLine(bw, attr.Name, value)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("format: write ldif: %w", err)
	}
	return nil
}

func writeLDIFLine(bw *bufio.Writer, name, value string) {
	var line string
	if needsBase64(value) {
		line = name + ":: " + base64.StdEncoding.EncodeToString([]byte(value))
	} else {
		line = name + ": " + value
	}
	foldLDIF(bw, line)
}

// needsBase64 reports whether value falls outside RFC 2849's safe-string
// grammar: a leading space, colon or less-than, or any control or
// non-ASCII byte anywhere.
func needsBase64(value string) bool {
	if value == "" {
		return false
	}
	switch value[0] {
	case ' ', ':', '<':
		return true
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 32 || value[i] > 127 {
			return true
		}
	}
	return false
}

func foldLDIF(bw *bufio.Writer, line string) {
	if len(line) <= ldifLineWidth {
		bw.WriteString(line)
		bw.WriteByte('\n')
		return
	}
	bw.WriteString(line[:ldifLineWidth])
	bw.WriteByte('\n')
	rest := line[ldifLineWidth:]
	for len(rest) > ldifLineWidth-1 {
		bw.WriteByte(' ')
		bw.WriteString(rest[:ldifLineWidth-1])
		bw.WriteByte('\n')
		rest = rest[ldifLineWidth-1:]
	}
	bw.WriteByte(' ')
	bw.WriteString(rest)
	bw.WriteByte('\n')
}

// ReadLDIF parses LDIF content records. Folded lines are joined, comments
// and a leading version line are skipped. Change records and URL values
// are rejected.
func ReadLDIF(r io.Reader) ([]*ldapnav.Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var physical []string
	for scanner.Scan() {
		physical = append(physical, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("format: read ldif: %w", err)
	}

	var lines []string
	for _, line := range physical {
		if strings.HasPrefix(line, " ") && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}

	var entries []*ldapnav.Entry
	var current *ldapnav.Entry
	flush := func() {
		if current != nil {
			entries = append(entries, current)
			current = nil
		}
	}

	for _, line := range lines {
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, value, err := parseLDIFLine(line)
		if err != nil {
			return nil, err
		}

		if current == nil {
			if strings.EqualFold(name, "version") {
				continue
			}
			if !strings.EqualFold(name, "dn") {
				return nil, fmt.Errorf("format: ldif: expected dn line, got %q", name)
			}
			parsed, err := dn.Parse(value)
			if err != nil {
				return nil, fmt.Errorf("format: ldif: %w", err)
			}
			current = ldapnav.NewEntry(parsed)
			continue
		}

		switch {
		case strings.EqualFold(name, "dn"):
			return nil, fmt.Errorf("format: ldif: dn line inside a record, records must be separated by a blank line")
		case strings.EqualFold(name, "changetype"):
			return nil, fmt.Errorf("format: ldif change records are not supported")
		}
		current.AddValue(name, value)
	}
	flush()
	return entries, nil
}

func parseLDIFLine(line string) (string, string, error) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", fmt.Errorf("format: ldif: malformed line %q", line)
	}
	name := line[:idx]
	rest := line[idx+1:]

	switch {
	case strings.HasPrefix(rest, ":"):
		encoded := strings.TrimLeft(rest[1:], " ")
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", "", fmt.Errorf("format: ldif: base64 value for %q: %w", name, err)
		}
		return name, string(decoded), nil
	case strings.HasPrefix(rest, "<"):
		return "", "", fmt.Errorf("format: ldif URL values are not supported")
	default:
		return name, strings.TrimLeft(rest, " "), nil
	}
}
