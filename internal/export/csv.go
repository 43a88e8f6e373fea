// Package export renders captured transactions as CSV (and optionally an
// XLSX workbook) and stores the files in a sink.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/ckexport/internal/domain"
)

// Columns selects the CSV columns. Account expands to three columns.
type Columns struct {
	Date        bool `json:"date" yaml:"date"`
	Description bool `json:"description" yaml:"description"`
	Amount      bool `json:"amount" yaml:"amount"`
	Category    bool `json:"category" yaml:"category"`
	Type        bool `json:"type" yaml:"type"`
	Account     bool `json:"account" yaml:"account"`
	Notes       bool `json:"notes" yaml:"notes"`
	Labels      bool `json:"labels" yaml:"labels"`
}

// AllColumns enables every column.
func AllColumns() Columns {
	return Columns{Date: true, Description: true, Amount: true, Category: true, Type: true, Account: true, Notes: true, Labels: true}
}

// ParseColumns reads a comma-separated list such as "date,amount,account".
// "all" or an empty list selects every column.
func ParseColumns(list string) (Columns, error) {
	list = strings.TrimSpace(list)
	if list == "" || strings.EqualFold(list, "all") {
		return AllColumns(), nil
	}

	var c Columns
	for _, name := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date":
			c.Date = true
		case "description":
			c.Description = true
		case "amount":
			c.Amount = true
		case "category":
			c.Category = true
		case "type":
			c.Type = true
		case "account":
			c.Account = true
		case "labels":
			c.Labels = true
		case "notes":
			c.Notes = true
		case "":
		default:
			return Columns{}, fmt.Errorf("unknown column %q", name)
		}
	}
	return c, nil
}

// IsZero reports whether no column is selected.
func (c Columns) IsZero() bool {
	return c == Columns{}
}

type column struct {
	header string
	value  func(domain.Record) string
}

// layout lists the selected columns in output order. Labels and Notes are
// placeholders and always empty.
func (c Columns) layout() []column {
	var cols []column
	if c.Date {
		cols = append(cols, column{"Date", func(r domain.Record) string {
			if r.HasDate() {
				return domain.FormatDate(r.Date)
			}
			return domain.NormalizeDate(r.RawDate)
		}})
	}
	if c.Description {
		cols = append(cols, column{"Description", func(r domain.Record) string { return r.Description }})
	}
	if c.Amount {
		cols = append(cols, column{"Amount", func(r domain.Record) string {
			if !r.Amount.Valid {
				return ""
			}
			return r.Amount.Decimal.String()
		}})
	}
	if c.Category {
		cols = append(cols, column{"Category", func(r domain.Record) string { return r.Category }})
	}
	if c.Type {
		cols = append(cols, column{"Transaction Type", func(r domain.Record) string { return string(r.Type) }})
	}
	if c.Account {
		cols = append(cols,
			column{"Account Name", func(r domain.Record) string { return r.AccountName }},
			column{"Account Type", func(r domain.Record) string { return r.AccountType }},
			column{"Provider", func(r domain.Record) string { return r.Provider }},
		)
	}
	if c.Labels {
		cols = append(cols, column{"Labels", func(domain.Record) string { return "" }})
	}
	if c.Notes {
		cols = append(cols, column{"Notes", func(domain.Record) string { return "" }})
	}
	return cols
}

// Headers returns the header names of the selected columns.
func (c Columns) Headers() []string {
	layout := c.layout()
	out := make([]string, len(layout))
	for i, col := range layout {
		out[i] = col.header
	}
	return out
}

// WriteCSV writes a header line and one line per record. Header names are
// bare; every data field is double-quoted with embedded quotes doubled.
// A zero Columns selects every column.
func WriteCSV(w io.Writer, records []domain.Record, cols Columns) error {
	if cols.IsZero() {
		cols = AllColumns()
	}
	layout := cols.layout()

	bw := bufio.NewWriter(w)
	for i, col := range layout {
		if i > 0 {
			bw.WriteByte(',')
		}
		bw.WriteString(col.header)
	}
	bw.WriteByte('\n')

	for _, r := range records {
		for i, col := range layout {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteByte('"')
			bw.WriteString(strings.ReplaceAll(col.value(r), `"`, `""`))
			bw.WriteByte('"')
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
