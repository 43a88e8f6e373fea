package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// DateWindow is an inclusive calendar date range. Start <= End is assumed.
type DateWindow struct {
	Start civil.Date
	End   civil.Date
}

// NewDateWindow builds a window from two calendar dates.
func NewDateWindow(start, end civil.Date) DateWindow {
	return DateWindow{Start: start, End: end}
}

// ParseDateWindow parses start and end using ParseDate.
func ParseDateWindow(start, end string) (DateWindow, error) {
	s, ok := ParseDate(start)
	if !ok {
		return DateWindow{}, fmt.Errorf("invalid start date %q", start)
	}
	e, ok := ParseDate(end)
	if !ok {
		return DateWindow{}, fmt.Errorf("invalid end date %q", end)
	}
	return NewDateWindow(s, e), nil
}

// Contains reports whether Start <= d <= End.
func (w DateWindow) Contains(d civil.Date) bool {
	return d.IsValid() && !d.Before(w.Start) && !d.After(w.End)
}

// GapDays is the number of days between Start and oldest. Positive when
// oldest is later than Start, i.e. when part of the window is still uncovered.
func (w DateWindow) GapDays(oldest civil.Date) int {
	return oldest.DaysSince(w.Start)
}

// Filter keeps complete records dated inside the window.
func (w DateWindow) Filter(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Complete() && w.Contains(r.Date) {
			out = append(out, r)
		}
	}
	return out
}

func (w DateWindow) String() string {
	return w.Start.String() + ".." + w.End.String()
}

// Preset names accepted by Preset.
const (
	PresetYearToDate = "ytd"
	PresetLastMonth  = "last-month"
	PresetLastYear   = "last-year"
)

// Preset resolves one of the quick ranges relative to now.
func Preset(name string, now time.Time) (DateWindow, error) {
	today := civil.DateOf(now)
	switch name {
	case PresetYearToDate:
		return NewDateWindow(civil.Date{Year: today.Year, Month: time.January, Day: 1}, today), nil
	case PresetLastMonth:
		firstOfThisMonth := civil.Date{Year: today.Year, Month: today.Month, Day: 1}
		end := firstOfThisMonth.AddDays(-1)
		return NewDateWindow(civil.Date{Year: end.Year, Month: end.Month, Day: 1}, end), nil
	case PresetLastYear:
		y := today.Year - 1
		return NewDateWindow(
			civil.Date{Year: y, Month: time.January, Day: 1},
			civil.Date{Year: y, Month: time.December, Day: 31},
		), nil
	default:
		return DateWindow{}, fmt.Errorf("unknown date preset %q", name)
	}
}
