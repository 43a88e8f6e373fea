package export

import (
	"fmt"
	"io"

	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/xuri/excelize/v2"
)

const workbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteWorkbook writes an XLSX file with one sheet per kind, using the same
// columns as the CSV export. Amounts are written as numbers.
func WriteWorkbook(w io.Writer, records []domain.Record, kinds []Kind, cols Columns) error {
	if cols.IsZero() {
		cols = AllColumns()
	}
	layout := cols.layout()

	f := excelize.NewFile()
	defer f.Close()

	for i, kind := range kinds {
		sheet := string(kind)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("add sheet %s: %w", sheet, err)
		}

		header := make([]any, len(layout))
		for c, col := range layout {
			header[c] = col.header
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}

		for r, rec := range Select(kind, records) {
			row := make([]any, len(layout))
			for c, col := range layout {
				if col.header == "Amount" && rec.Amount.Valid {
					row[c] = rec.Amount.Decimal.InexactFloat64()
					continue
				}
				row[c] = col.value(rec)
			}
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return fmt.Errorf("write row %d: %w", r+2, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
