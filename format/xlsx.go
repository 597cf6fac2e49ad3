package format

import (
	"fmt"
	"io"

	"github.com/netresearch/ldapnav"
	"github.com/xuri/excelize/v2"
)

// WriteXLSX writes entries as a single worksheet with the same tabular
// shape as the CSV codec.
func WriteXLSX(w io.Writer, entries []*ldapnav.Entry) error {
	header, rows := tabulate(entries)

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	if err := setSheetRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range rows {
		if err := setSheetRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("format: write xlsx: %w", err)
	}
	return nil
}

func setSheetRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("format: write xlsx: %w", err)
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("format: write xlsx: %w", err)
	}
	return nil
}

// ReadXLSX reads the first worksheet of an XLSX workbook in the tabular
// shape WriteXLSX produces.
func ReadXLSX(r io.Reader) ([]*ldapnav.Entry, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("format: read xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("format: xlsx workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("format: read xlsx: %w", err)
	}
	return detabulate(rows)
}
