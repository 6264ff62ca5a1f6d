package ingest

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ParseXLSX reads the first worksheet of an XLSX stream. XLSX is a zip
// container, so the raw reader is consumed directly without the text
// sanitization applied to CSV.
func ParseXLSX(r io.Reader) (*File, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, ErrNoHeader
	}

	columns := headerNames(rows[0])
	file := &File{Columns: columns}
	for _, record := range rows[1:] {
		if blankRecord(record) {
			continue
		}
		file.Records = append(file.Records, recordFields(columns, record))
	}
	return file, nil
}
