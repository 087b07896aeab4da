// Package report renders run history entries for auditing.
package report

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/xuri/excelize/v2"
)

const sheetName = "History"

// Columns is the column order of every rendering.
var Columns = []string{"Run", "Time", "City", "District", "Artifact", "Records", "Status", "Message"}

func row(e ledger.Entry) []string {
	return []string{
		e.RunID.String(),
		e.Timestamp.Format(time.RFC3339),
		e.Unit.City,
		e.Unit.District,
		e.ArtifactName,
		strconv.Itoa(e.RecordCount),
		string(e.Status),
		e.Message,
	}
}

// WriteTable writes entries as an aligned text table.
func WriteTable(w io.Writer, entries []ledger.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeLine := func(cells []string) error {
		for i, c := range cells {
			sep := "\t"
			if i == len(cells)-1 {
				sep = "\n"
			}
			if _, err := io.WriteString(tw, c+sep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeLine(Columns); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeLine(row(e)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteXLSX writes entries as a single-sheet workbook.
func WriteXLSX(w io.Writer, entries []ledger.Entry) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("could not name sheet: %v", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("could not create header style: %v", err)
	}

	if err := setRow(f, 1, Columns); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetName, "A1", last, bold); err != nil {
		return fmt.Errorf("could not style header: %v", err)
	}

	for i, e := range entries {
		cells := row(e)
		values := make([]any, len(cells))
		for j, c := range cells {
			values[j] = c
		}
		// Keep the record count numeric so it can be summed.
		values[5] = e.RecordCount
		if err := setRowValues(f, i+2, values); err != nil {
			return err
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("could not freeze header: %v", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("could not write workbook: %v", err)
	}
	return nil
}

func setRow(f *excelize.File, n int, cells []string) error {
	values := make([]any, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return setRowValues(f, n, values)
}

func setRowValues(f *excelize.File, n int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
		return fmt.Errorf("could not write row %d: %v", n, err)
	}
	return nil
}
