package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/logger"
)

// Kind is one export partition.
type Kind string

const (
	KindAll      Kind = "all_transactions"
	KindIncome   Kind = "income"
	KindExpenses Kind = "expenses"
)

// Kinds selects which partitions are written.
type Kinds struct {
	AllTransactions bool `json:"allTransactions" yaml:"all_transactions"`
	Income          bool `json:"income" yaml:"income"`
	Expenses        bool `json:"expenses" yaml:"expenses"`
}

// Selected lists the enabled kinds in a fixed order.
func (k Kinds) Selected() []Kind {
	var out []Kind
	if k.AllTransactions {
		out = append(out, KindAll)
	}
	if k.Income {
		out = append(out, KindIncome)
	}
	if k.Expenses {
		out = append(out, KindExpenses)
	}
	return out
}

// Select returns the records belonging to kind: income is credits,
// expenses is debits.
func Select(kind Kind, records []domain.Record) []domain.Record {
	switch kind {
	case KindIncome:
		return domain.FilterByType(records, domain.Credit)
	case KindExpenses:
		return domain.FilterByType(records, domain.Debit)
	default:
		return records
	}
}

// FileName builds "<kind>_<start>_to_<end>.<ext>" with slashes in the
// dates replaced by dashes.
func FileName(kind Kind, start, end, ext string) string {
	clean := func(s string) string { return strings.ReplaceAll(s, "/", "-") }
	return fmt.Sprintf("%s_%s_to_%s.%s", kind, clean(start), clean(end), ext)
}

// Request describes one export. StartDate and EndDate are the dates as the
// user entered them; they only feed file names.
type Request struct {
	StartDate string
	EndDate   string
	Kinds     Kinds
	Columns   Columns
	Workbook  bool
}

// File is one stored export.
type File struct {
	Kind     Kind
	Name     string
	Location string
	Rows     int
}

// Exporter writes the requested files into a sink.
type Exporter struct {
	sink Sink
}

func NewExporter(sink Sink) *Exporter {
	return &Exporter{sink: sink}
}

// Export writes one CSV per selected kind, plus a workbook with one sheet
// per kind when requested. It returns domain.ErrEmptyResult when records
// is empty, before anything is written.
func (e *Exporter) Export(ctx context.Context, records []domain.Record, req Request) ([]File, error) {
	if len(records) == 0 {
		return nil, domain.ErrEmptyResult
	}
	log := logger.Component(ctx, "export")

	kinds := req.Kinds.Selected()
	var files []File
	for _, kind := range kinds {
		rows := Select(kind, records)

		var buf bytes.Buffer
		if err := WriteCSV(&buf, rows, req.Columns); err != nil {
			return files, fmt.Errorf("render %s: %w", kind, err)
		}

		name := FileName(kind, req.StartDate, req.EndDate, "csv")
		loc, err := e.sink.Put(ctx, name, "text/csv", buf.Bytes())
		if err != nil {
			return files, fmt.Errorf("store %s: %w", name, err)
		}

		log.Info().Str("file", loc).Int("rows", len(rows)).Msg("Export written")
		files = append(files, File{Kind: kind, Name: name, Location: loc, Rows: len(rows)})
	}

	if req.Workbook && len(kinds) > 0 {
		var buf bytes.Buffer
		if err := WriteWorkbook(&buf, records, kinds, req.Columns); err != nil {
			return files, fmt.Errorf("render workbook: %w", err)
		}
		name := FileName("transactions", req.StartDate, req.EndDate, "xlsx")
		loc, err := e.sink.Put(ctx, name, workbookContentType, buf.Bytes())
		if err != nil {
			return files, fmt.Errorf("store %s: %w", name, err)
		}
		log.Info().Str("file", loc).Int("sheets", len(kinds)).Msg("Workbook written")
		files = append(files, File{Kind: "workbook", Name: name, Location: loc, Rows: len(records)})
	}

	return files, nil
}
