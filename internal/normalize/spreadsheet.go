package normalize

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/veridata-io/veridata/internal/schema"
)

// normalizeSpreadsheet reads the first sheet of an xlsx workbook. Rows
// are mapped positionally onto declared fields like delimited files;
// short rows are padded with empty cells before zero-fill so trailing
// blank columns do not fail the column count check.
func (n *Normalizer) normalizeSpreadsheet(r io.Reader, fileName string, cat *schema.Catalog) (*TableView, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{File: fileName, Reason: fmt.Sprintf("not a readable workbook: %v", err)}
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, &FormatError{File: fileName, Reason: "workbook has no sheets"}
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, &FormatError{File: fileName, Reason: fmt.Sprintf("read sheet %q: %v", sheets[0], err)}
	}

	view := &TableView{CatalogID: cat.ID, FileName: fileName}

	for i, record := range rows {
		line := i + 1

		if line == 1 && cat.FileFormat.HasHeader() {
			view.HeaderNames = record
			continue
		}

		if isEmptyRecord(record) {
			continue
		}

		if len(record) > len(cat.Fields) {
			return nil, &FormatError{
				File: fileName,
				Line: line,
				Reason: fmt.Sprintf("expected %d columns, got %d; remove the extra columns or extend the schema",
					len(cat.Fields), len(record)),
			}
		}
		for len(record) < len(cat.Fields) {
			record = append(record, "")
		}

		view.Rows = append(view.Rows, Row{Line: line, Values: normalizeCells(record, cat)})
	}

	n.logger.Debug("spreadsheet normalized",
		"catalog", cat.ID,
		"file", fileName,
		"sheet", sheets[0],
		"rows", len(view.Rows),
	)

	return view, nil
}

func isEmptyRecord(record []string) bool {
	for _, cell := range record {
		if trimCell(cell) != "" {
			return false
		}
	}
	return true
}
