// Package normalize maps the raw transaction shapes seen by the extractors
// (GraphQL JSON and rendered list rows) onto domain.Record.
package normalize

import (
	"regexp"
	"strings"

	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/shopspring/decimal"
)

// IncomeCategoryType marks income categories in API responses.
const IncomeCategoryType = "INCOME"

// APITransaction is a transaction as returned by the GraphQL list and page queries.
type APITransaction struct {
	ID          string `json:"id"`
	URN         string `json:"urn"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Amount      *struct {
		Value decimal.Decimal `json:"value"`
	} `json:"amount"`
	Category *struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"category"`
	Merchant *struct {
		Name string `json:"name"`
	} `json:"merchant"`
	Account *struct {
		Name         string `json:"name"`
		Type         string `json:"type"`
		ProviderName string `json:"providerName"`
	} `json:"account"`
}

// RawRow is the text read from one rendered row of the transaction list.
type RawRow struct {
	Index       string
	Description string
	Category    string
	AmountText  string
	DateText    string
}

// AccountDetail is the account section of the transaction detail query.
type AccountDetail struct {
	Name     string
	Type     string
	Provider string
}

// FromAPI converts an API transaction. A missing amount counts as zero.
// The record is a credit when the signed amount is positive or the category
// is an income category.
func FromAPI(t APITransaction) domain.Record {
	signed := decimal.Zero
	if t.Amount != nil {
		signed = t.Amount.Value
	}

	var categoryName, categoryType string
	if t.Category != nil {
		categoryName = t.Category.Name
		categoryType = t.Category.Type
	}

	description := t.Description
	if description == "" && t.Merchant != nil {
		description = t.Merchant.Name
	}

	txType := domain.Debit
	if signed.IsPositive() || categoryType == IncomeCategoryType {
		txType = domain.Credit
	}

	urn := t.URN
	if urn == "" {
		urn = t.ID
	}

	r := domain.Record{
		ID:          t.ID,
		URN:         urn,
		Description: description,
		Category:    categoryName,
		Amount:      decimal.NewNullDecimal(signed.Abs()),
		Type:        txType,
		RawDate:     t.Date,
	}
	r.Date, _ = domain.ParseDate(t.Date)

	if t.Account != nil {
		r = r.WithAccount(t.Account.Name, t.Account.Type, t.Account.ProviderName)
	}
	return r
}

// FromRow converts a rendered row. Rows with neither a description nor an
// amount are placeholders that have not finished loading; ok is false for them.
func FromRow(row RawRow) (domain.Record, bool) {
	signed, hasAmount := ParseAmount(row.AmountText)
	if row.Description == "" && !hasAmount {
		return domain.Record{}, false
	}

	r := domain.Record{
		Description: row.Description,
		Category:    row.Category,
		RawDate:     row.DateText,
		Type:        domain.Debit,
	}
	if hasAmount {
		r.Amount = decimal.NewNullDecimal(signed.Abs())
		if !signed.IsNegative() {
			r.Type = domain.Credit
		}
	}
	r.Date, _ = domain.ParseDate(row.DateText)
	return r, true
}

var amountPattern = regexp.MustCompile(`^-?\$?(\d{1,3}(,\d{3})*(\.\d+)?|\.\d+)$`)

// ParseAmount parses list amounts such as "-$1,234.56", "$12" or ".5".
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	if strings.HasPrefix(s, "-") {
		d = d.Neg()
	}
	return d, true
}
