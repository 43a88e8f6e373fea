package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func record(desc string, amount string, typ domain.TransactionType, d civil.Date) domain.Record {
	return domain.Record{
		Description: desc,
		Category:    "Shopping",
		Amount:      decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Type:        typ,
		Date:        d,
		RawDate:     d.String(),
	}
}

var (
	jan15 = civil.Date{Year: 2024, Month: time.January, Day: 15}
	jan20 = civil.Date{Year: 2024, Month: time.January, Day: 20}
)

func sample() []domain.Record {
	return []domain.Record{
		record(`Joe's "Best" Diner`, "12.5", domain.Debit, jan20),
		record("Payroll", "1200", domain.Credit, jan15).WithAccount("Checking", "DEPOSITORY", "Big Bank"),
	}
}

func TestWriteCSV_AllColumns(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sample(), AllColumns()); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	want := strings.Join([]string{
		"Date,Description,Amount,Category,Transaction Type,Account Name,Account Type,Provider,Labels,Notes",
		`"01/20/2024","Joe's ""Best"" Diner","12.5","Shopping","debit","","","","",""`,
		`"01/15/2024","Payroll","1200","Shopping","credit","Checking","DEPOSITORY","Big Bank","",""`,
		"",
	}, "\n")
	if buf.String() != want {
		t.Errorf("WriteCSV() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteCSV_SelectedColumns(t *testing.T) {
	var buf bytes.Buffer
	cols := Columns{Date: true, Amount: true, Notes: true}
	if err := WriteCSV(&buf, sample()[:1], cols); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	want := "Date,Amount,Notes\n\"01/20/2024\",\"12.5\",\"\"\n"
	if buf.String() != want {
		t.Errorf("WriteCSV() = %q, want %q", buf.String(), want)
	}
}

func TestWriteCSV_ZeroColumnsMeansAll(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil, Columns{}); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != strings.Join(AllColumns().Headers(), ",") {
		t.Errorf("header = %q", got)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		kind  Kind
		start string
		end   string
		want  string
	}{
		{KindAll, "2024-01-01", "2024-01-31", "all_transactions_2024-01-01_to_2024-01-31.csv"},
		{KindIncome, "01/01/2024", "01/31/2024", "income_01-01-2024_to_01-31-2024.csv"},
		{KindExpenses, "2024-01-01", "2024-01-31", "expenses_2024-01-01_to_2024-01-31.csv"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := FileName(tt.kind, tt.start, tt.end, "csv"); got != tt.want {
				t.Errorf("FileName() = %q, want %q", got, tt.want)
			}
		})
	}
}

type memorySink struct {
	files map[string][]byte
	types map[string]string
}

func (m *memorySink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if m.files == nil {
		m.files = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.files[name] = append([]byte(nil), data...)
	m.types[name] = contentType
	return "mem://" + name, nil
}

func TestExporter_SplitsByType(t *testing.T) {
	sink := &memorySink{}
	e := NewExporter(sink)

	files, err := e.Export(context.Background(), sample(), Request{
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		Kinds:     Kinds{AllTransactions: true, Income: true, Expenses: true},
		Columns:   Columns{Description: true},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("len(files) = %d, want 3", len(files))
	}

	wantRows := map[Kind]int{KindAll: 2, KindIncome: 1, KindExpenses: 1}
	for _, f := range files {
		if f.Rows != wantRows[f.Kind] {
			t.Errorf("%s rows = %d, want %d", f.Kind, f.Rows, wantRows[f.Kind])
		}
	}

	income := string(sink.files["income_2024-01-01_to_2024-01-31.csv"])
	if income != "Description\n\"Payroll\"\n" {
		t.Errorf("income file = %q", income)
	}
	if sink.types["expenses_2024-01-01_to_2024-01-31.csv"] != "text/csv" {
		t.Errorf("content type = %q", sink.types["expenses_2024-01-01_to_2024-01-31.csv"])
	}
}

func TestExporter_EmptyResult(t *testing.T) {
	sink := &memorySink{}
	_, err := NewExporter(sink).Export(context.Background(), nil, Request{Kinds: Kinds{AllTransactions: true}})
	if !errors.Is(err, domain.ErrEmptyResult) {
		t.Errorf("Export() error = %v, want ErrEmptyResult", err)
	}
	if len(sink.files) != 0 {
		t.Errorf("files written for empty result: %v", sink.files)
	}
}

func TestExporter_Workbook(t *testing.T) {
	sink := &memorySink{}
	_, err := NewExporter(sink).Export(context.Background(), sample(), Request{
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		Kinds:     Kinds{AllTransactions: true, Expenses: true},
		Columns:   Columns{Description: true, Amount: true},
		Workbook:  true,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	data, ok := sink.files["transactions_2024-01-01_to_2024-01-31.xlsx"]
	if !ok {
		t.Fatalf("workbook not written, have %v", sink.files)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "all_transactions" || sheets[1] != "expenses" {
		t.Fatalf("sheets = %v", sheets)
	}

	rows, err := f.GetRows("expenses")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "Description" || rows[1][0] != `Joe's "Best" Diner` || rows[1][1] != "12.5" {
		t.Errorf("expenses rows = %v", rows)
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	loc, err := FileSink{Dir: dir}.Put(context.Background(), "a.csv", "text/csv", []byte("x"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, err := os.ReadFile(loc)
	if err != nil || string(data) != "x" {
		t.Errorf("file content = %q, %v", data, err)
	}
}

func TestNewSink_LocalOnly(t *testing.T) {
	dir := t.TempDir()
	sink, closeFn, err := NewSink(context.Background(), config.ExportConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	defer closeFn()

	fs, ok := sink.(FileSink)
	if !ok || fs.Dir != dir {
		t.Fatalf("NewSink() = %#v, want FileSink in %s", sink, dir)
	}
}

func TestParseColumns(t *testing.T) {
	tests := []struct {
		in      string
		want    Columns
		wantErr bool
	}{
		{in: "", want: AllColumns()},
		{in: "all", want: AllColumns()},
		{in: "date, Amount,account", want: Columns{Date: true, Amount: true, Account: true}},
		{in: "date,,notes", want: Columns{Date: true, Notes: true}},
		{in: "date,balance", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColumns(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseColumns() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseColumns() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
