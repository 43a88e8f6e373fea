package domain

import (
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement for a record.
type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

// Record is one normalized transaction, regardless of whether it came from
// the GraphQL API or from the rendered transaction list.
type Record struct {
	ID  string // server-issued id, empty for DOM rows
	URN string // address used by the detail query

	Description string
	Category    string

	// Amount is the absolute value of the signed source amount.
	// Invalid when the source amount could not be parsed.
	Amount decimal.NullDecimal
	Type   TransactionType

	Date    civil.Date // zero value when RawDate is unparseable
	RawDate string     // source text, preserved until output formatting

	AccountName string
	AccountType string
	Provider    string
}

// CompositeKey joins description, amount, date and category. Row indices are
// recycled by the virtualized list, so this is the only stable key for DOM rows.
func (r Record) CompositeKey() string {
	amount := "NaN"
	if r.Amount.Valid {
		amount = r.Amount.Decimal.String()
	}
	return strings.Join([]string{r.Description, amount, r.RawDate, r.Category}, "_")
}

// Identity is the best-effort stable identifier used for deduplication.
func (r Record) Identity() string {
	if r.ID != "" {
		return "id:" + r.ID
	}
	return "key:" + r.CompositeKey()
}

// HasDate reports whether the record carries a parseable date.
func (r Record) HasDate() bool {
	return r.Date.IsValid()
}

// Complete reports whether the record has both an amount and a date.
// Incomplete records never reach the exporter.
func (r Record) Complete() bool {
	return r.Amount.Valid && r.HasDate()
}

// WithAccount returns a copy of r carrying the given account details.
func (r Record) WithAccount(name, accountType, provider string) Record {
	r.AccountName = name
	r.AccountType = accountType
	r.Provider = provider
	return r
}

// SortByDateDesc orders records newest first. Records without a date sink to the end.
func SortByDateDesc(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.HasDate() || !b.HasDate() {
			return a.HasDate() && !b.HasDate()
		}
		return a.Date.After(b.Date)
	})
}

// Oldest returns the earliest dated record and false when none has a date.
func Oldest(records []Record) (civil.Date, bool) {
	var oldest civil.Date
	found := false
	for _, r := range records {
		if !r.HasDate() {
			continue
		}
		if !found || r.Date.Before(oldest) {
			oldest = r.Date
			found = true
		}
	}
	return oldest, found
}

// FilterByType keeps records of the given type.
func FilterByType(records []Record, t TransactionType) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}
