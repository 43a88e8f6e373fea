package domain

import "fmt"

// Progress receives human-readable status lines while a capture runs.
type Progress func(message string)

// Report formats and forwards a status line. A nil Progress discards it.
func (p Progress) Report(format string, args ...any) {
	if p == nil {
		return
	}
	p(fmt.Sprintf(format, args...))
}
