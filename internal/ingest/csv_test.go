package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	input := "name, email ,salary\n" +
		"John,john@example.com,90000\n" +
		"\"Doe, Jane\",jane@example.com,95000\n" +
		",,\n" +
		"Ada,ada@example.com\n"

	file, err := ParseCSV(strings.NewReader(input), int64(len(input)))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}

	wantColumns := []string{"name", "email", "salary"}
	if len(file.Columns) != len(wantColumns) {
		t.Fatalf("columns = %v, want %v", file.Columns, wantColumns)
	}
	for i, c := range wantColumns {
		if file.Columns[i] != c {
			t.Errorf("columns[%d] = %q, want %q", i, file.Columns[i], c)
		}
	}

	// The all-empty row is dropped.
	if len(file.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(file.Records))
	}
	if got := file.Records[1]["name"]; got != "Doe, Jane" {
		t.Errorf("quoted field = %v", got)
	}
	// Short rows pad missing trailing fields with the empty string.
	if got := file.Records[2]["salary"]; got != "" {
		t.Errorf("missing field = %v, want empty string", got)
	}
}

func TestParseCSVWithBOM(t *testing.T) {
	input := "\xEF\xBB\xBFname\nJohn\n"
	file, err := ParseCSV(strings.NewReader(input), int64(len(input)))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if file.Columns[0] != "name" {
		t.Errorf("BOM leaked into header: %q", file.Columns[0])
	}
}

func TestParseCSVEmptyAndBlankHeaders(t *testing.T) {
	input := "name,,name\nJohn,x,Johnny\n"
	file, err := ParseCSV(strings.NewReader(input), int64(len(input)))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}

	if file.Columns[1] != "column_2" {
		t.Errorf("empty header = %q, want positional name", file.Columns[1])
	}
	// First occurrence wins for duplicate headers.
	if got := file.Records[0]["name"]; got != "John" {
		t.Errorf("duplicate header value = %v, want first occurrence", got)
	}
}

func TestParseCSVNoHeader(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader(""), 0); !errors.Is(err, ErrNoHeader) {
		t.Errorf("err = %v, want ErrNoHeader", err)
	}
}

func TestParseDispatch(t *testing.T) {
	file, err := Parse("upload.CSV", strings.NewReader("name\nJohn\n"), 0)
	if err != nil {
		t.Fatalf("Parse csv: %v", err)
	}
	if len(file.Records) != 1 {
		t.Errorf("records = %d, want 1", len(file.Records))
	}

	if _, err := Parse("upload.pdf", strings.NewReader(""), 0); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}
