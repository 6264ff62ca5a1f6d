package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// File is the parsed content of one upload: the header names in file
// order and one record per data row, keyed by header name. Duplicate
// header names keep the first occurrence's values.
type File struct {
	Columns []string
	Records []map[string]any
}

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoHeader          = errors.New("file has no header row")
)

// Parse dispatches on the uploaded filename's extension.
func Parse(filename string, r io.Reader, size int64) (*File, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".csv", ".txt":
		return ParseCSV(r, size)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path.Ext(filename))
	}
}

// ParseCSV reads an entire CSV stream. The first row is the header;
// ragged data rows are tolerated, with missing trailing fields treated as
// empty. Rows that are entirely empty are dropped.
func ParseCSV(r io.Reader, size int64) (*File, error) {
	cr := csv.NewReader(NewReader(r, size))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := headerNames(header)
	file := &File{Columns: columns}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if blankRecord(record) {
			continue
		}
		file.Records = append(file.Records, recordFields(columns, record))
	}
	return file, nil
}

// headerNames trims header cells and names empty ones by position so
// every column has a usable key.
func headerNames(header []string) []string {
	names := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		names[i] = h
	}
	return names
}

// recordFields projects one data row onto the header. The first
// occurrence wins for duplicate header names; fields beyond the header
// are dropped.
func recordFields(columns []string, record []string) map[string]any {
	fields := make(map[string]any, len(columns))
	for i, col := range columns {
		if _, ok := fields[col]; ok {
			continue
		}
		if i < len(record) {
			fields[col] = record[i]
		} else {
			fields[col] = ""
		}
	}
	return fields
}

func blankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
