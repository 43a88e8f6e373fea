package capture

import (
	"errors"
	"fmt"

	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/export"
)

// ActionCaptureTransactions is the only action a Command may carry.
const ActionCaptureTransactions = "captureTransactions"

const (
	StatusStarted = "started"
	StatusError   = "error"
)

// Command is the inbound request to capture and export a date range.
type Command struct {
	Action            string          `json:"action"`
	StartDate         string          `json:"startDate"`
	EndDate           string          `json:"endDate"`
	UseAPI            *bool           `json:"useApi,omitempty"`
	FetchAccountNames bool            `json:"fetchAccountNames"`
	CSVTypes          export.Kinds    `json:"csvTypes"`
	Columns           *export.Columns `json:"columns,omitempty"`
}

// Ack is the immediate answer to a Command.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

// Validate checks the action and both dates. The order of the dates is not
// checked; a reversed window simply matches nothing.
func (c Command) Validate() error {
	if c.Action != ActionCaptureTransactions {
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.StartDate == "" || c.EndDate == "" {
		return errors.New("please select both start and end dates")
	}
	if _, err := c.Window(); err != nil {
		return err
	}
	if len(c.CSVTypes.Selected()) == 0 {
		return errors.New("select at least one export file")
	}
	return nil
}

func (c Command) Window() (domain.DateWindow, error) {
	return domain.ParseDateWindow(c.StartDate, c.EndDate)
}

// Options defaults UseAPI to true when the command leaves it out.
func (c Command) Options() Options {
	useAPI := true
	if c.UseAPI != nil {
		useAPI = *c.UseAPI
	}
	return Options{UseAPI: useAPI, FetchAccountNames: c.FetchAccountNames}
}

// ExportRequest maps the command's file and column choices. Missing
// columns select every column.
func (c Command) ExportRequest() export.Request {
	cols := export.AllColumns()
	if c.Columns != nil {
		cols = *c.Columns
	}
	return export.Request{
		StartDate: c.StartDate,
		EndDate:   c.EndDate,
		Kinds:     c.CSVTypes,
		Columns:   cols,
	}
}
