package harvest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dvloznov/ckexport/internal/normalize"
)

// Selectors for the parts of one rendered transaction row. The amount has a
// second layout used for credits.
const (
	IndexAttr           = "data-index"
	descriptionSelector = ".row-title div:nth-child(1)"
	categorySelector    = ".row-title div:nth-child(2)"
	amountSelector      = ".row-value div:nth-child(1)"
	creditAmountSel     = ".f4.fw5.kpl-color-palette-green-50 div:nth-child(1)"
	dateSelector        = ".row-value div:nth-child(2), .f4.fw5.kpl-color-palette-green-50 div:nth-child(2)"
)

// ParseRows reads every element matching rowSelector out of an HTML snapshot.
func ParseRows(html, rowSelector string) ([]normalize.RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rows: %w", err)
	}

	var rows []normalize.RawRow
	doc.Find(rowSelector).Each(func(_ int, s *goquery.Selection) {
		index, _ := s.Attr(IndexAttr)
		row := normalize.RawRow{
			Index:       index,
			Description: firstText(s, descriptionSelector),
			Category:    firstText(s, categorySelector),
			DateText:    firstText(s, dateSelector),
		}
		if amount := s.Find(amountSelector); amount.Length() > 0 {
			row.AmountText = strings.TrimSpace(amount.First().Text())
		} else {
			row.AmountText = firstText(s, creditAmountSel)
		}
		rows = append(rows, row)
	})
	return rows, nil
}

func firstText(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}
