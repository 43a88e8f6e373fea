package domain

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// OutputDateLayout is the date format used in exported files.
const OutputDateLayout = "01/02/2006"

var (
	slashLayouts  = []string{"1/2/2006"}
	longLayouts   = []string{"January 2, 2006", "Jan 2, 2006", "January 2 2006", "Jan 2 2006"}
	noYearLayouts = []string{"January 2", "Jan 2"}
)

// ParseDate parses the date shapes produced by the API and the transaction list.
// Inputs without a year are placed in the current year.
func ParseDate(s string) (civil.Date, bool) {
	return ParseDateAt(s, time.Now())
}

// ParseDateAt is ParseDate with an explicit reference time for year-less inputs.
func ParseDateAt(s string, now time.Time) (civil.Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, false
	}

	switch {
	case strings.Contains(s, "/"):
		return parseWith(s, slashLayouts)
	case len(s) >= 10 && s[4] == '-' && s[7] == '-':
		// ISO date, possibly followed by a time component
		return parseWith(s[:10], []string{"2006-01-02"})
	}

	if d, ok := parseWith(s, longLayouts); ok {
		return d, true
	}
	for _, layout := range noYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return civil.Date{Year: now.Year(), Month: t.Month(), Day: t.Day()}, true
		}
	}
	return civil.Date{}, false
}

func parseWith(s string, layouts []string) (civil.Date, bool) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return civil.DateOf(t), true
		}
	}
	return civil.Date{}, false
}

// NormalizeDate renders any supported input as MM/DD/YYYY. Unparseable input
// yields the empty string.
func NormalizeDate(s string) string {
	d, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return FormatDate(d)
}

// FormatDate renders d as MM/DD/YYYY.
func FormatDate(d civil.Date) string {
	return d.In(time.UTC).Format(OutputDateLayout)
}
