// Package format reads and writes directory entries in a closed set of
// interchange formats: LDIF per RFC 2849, JSON, CSV and XLSX. The format
// is usually inferred from a file extension; every codec is also usable
// over plain readers and writers.
package format

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/netresearch/ldapnav"
)

// Format identifies one supported interchange format.
type Format int

const (
	LDIF Format = iota
	JSON
	CSV
	XLSX
)

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case CSV:
		return "csv"
	case XLSX:
		return "xlsx"
	default:
		return "ldif"
	}
}

// ErrUnknownExtension is returned by DetectFormat for extensions outside
// the supported set.
var ErrUnknownExtension = errors.New("format: unknown file extension")

// ParseFormat maps a format name to its Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "ldif":
		return LDIF, nil
	case "json":
		return JSON, nil
	case "csv":
		return CSV, nil
	case "xlsx":
		return XLSX, nil
	default:
		return 0, fmt.Errorf("format: unknown format %q", name)
	}
}

// DetectFormat infers the format from path's extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ldif", ".ldf":
		return LDIF, nil
	case ".json":
		return JSON, nil
	case ".csv":
		return CSV, nil
	case ".xlsx":
		return XLSX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownExtension, filepath.Ext(path))
	}
}

// Export writes entries to w in the given format.
func Export(w io.Writer, f Format, entries []*ldapnav.Entry) error {
	switch f {
	case LDIF:
		return WriteLDIF(w, entries)
	case JSON:
		return WriteJSON(w, entries)
	case CSV:
		return WriteCSV(w, entries)
	case XLSX:
		return WriteXLSX(w, entries)
	default:
		return fmt.Errorf("format: unsupported format %d", f)
	}
}

// Import reads entries from r in the given format.
func Import(r io.Reader, f Format) ([]*ldapnav.Entry, error) {
	switch f {
	case LDIF:
		return ReadLDIF(r)
	case JSON:
		return ReadJSON(r)
	case CSV:
		return ReadCSV(r)
	case XLSX:
		return ReadXLSX(r)
	default:
		return nil, fmt.Errorf("format: unsupported format %d", f)
	}
}

// ExportFile writes entries to path in the format its extension names.
func ExportFile(path string, entries []*ldapnav.Entry) error {
	f, err := DetectFormat(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("format: create %s: %w", path, err)
	}
	if err := Export(file, f, entries); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ImportFile reads entries from path in the format its extension names.
func ImportFile(path string) ([]*ldapnav.Entry, error) {
	f, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("format: open %s: %w", path, err)
	}
	defer file.Close()
	return Import(file, f)
}
