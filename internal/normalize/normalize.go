// Package normalize turns raw input files into a uniform tabular view per
// catalog. It detects byte-order markers, applies the declared delimiter
// and header flag, and coerces every cell to a string; type coercion is
// deferred to rule evaluation so malformed values surface as findings,
// never ingestion crashes.
package normalize

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/veridata-io/veridata/internal/metrics"
	"github.com/veridata-io/veridata/internal/schema"
)

// TableView is the normalized, in-memory tabular view of one input file.
type TableView struct {
	// CatalogID is the catalog this view was normalized against.
	CatalogID string

	// FileName is the originating file name, for diagnostics.
	FileName string

	// HeaderNames holds the first-row names when the catalog declares a
	// header. Diagnostic display only; field identity is declared order.
	HeaderNames []string

	// Rows holds the normalized data rows.
	Rows []Row
}

// Row is one normalized record.
type Row struct {
	// Line is the 1-based line number in the original file.
	Line int

	// Values holds one string cell per declared field.
	Values []string
}

// FormatError reports an input file that does not match the declared
// structure. It aborts that catalog's processing and is reported as a
// finding; sibling catalogs continue.
type FormatError struct {
	// File is the offending file name.
	File string

	// Line is the 1-based offending line, 0 when file-level.
	Line int

	// Reason describes the mismatch and how to fix it.
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("format: %s line %d: %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("format: %s: %s", e.File, e.Reason)
}

// Normalizer normalizes raw input files against catalog declarations.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Normalize produces a TableView for one raw input stream. fileName is
// used for diagnostics only. The original input is never mutated.
func (n *Normalizer) Normalize(r io.Reader, fileName string, cat *schema.Catalog) (*TableView, error) {
	var view *TableView
	var err error

	switch cat.FileFormat.Type {
	case schema.FormatDelimited:
		view, err = n.normalizeDelimited(r, fileName, cat)
	case schema.FormatFixed:
		view, err = n.normalizeFixed(r, fileName, cat)
	case schema.FormatSpreadsheet:
		view, err = n.normalizeSpreadsheet(r, fileName, cat)
	default:
		return nil, &FormatError{File: fileName, Reason: fmt.Sprintf("unsupported format %q", cat.FileFormat.Type)}
	}
	if err != nil {
		return nil, err
	}

	metrics.NormalizeFilesTotal.WithLabelValues(string(cat.FileFormat.Type)).Inc()
	return view, nil
}

// NormalizeFile normalizes a file from disk.
func (n *Normalizer) NormalizeFile(path string, cat *schema.Catalog) (*TableView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()
	return n.Normalize(f, filepath.Base(path), cat)
}

// decodeReader wraps r so that a leading byte-order marker selects the
// decoding and is consumed transparently, never treated as data.
func decodeReader(r io.Reader) io.Reader {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	return transform.NewReader(r, dec)
}

func (n *Normalizer) normalizeDelimited(r io.Reader, fileName string, cat *schema.Catalog) (*TableView, error) {
	delim := []rune(cat.FileFormat.Delimiter)
	if len(delim) == 0 {
		return nil, &FormatError{File: fileName, Reason: "catalog declares no delimiter; fix the schema's file_format.delimiter"}
	}

	reader := csv.NewReader(decodeReader(r))
	reader.Comma = delim[0]
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	view := &TableView{CatalogID: cat.ID, FileName: fileName}
	line := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &FormatError{File: fileName, Line: line + 1, Reason: fmt.Sprintf("unreadable row: %v", err)}
		}
		line++

		if line == 1 && cat.FileFormat.HasHeader() {
			view.HeaderNames = record
			continue
		}

		if len(record) == 1 && record[0] == "" {
			continue // blank line
		}

		if len(record) != len(cat.Fields) {
			// The declared delimiter is trusted verbatim; a column count
			// mismatch is a format error, not a silent fallback.
			return nil, &FormatError{
				File: fileName,
				Line: line,
				Reason: fmt.Sprintf("expected %d columns with delimiter %q, got %d; check the file's delimiter against the schema",
					len(cat.Fields), cat.FileFormat.Delimiter, len(record)),
			}
		}

		view.Rows = append(view.Rows, Row{Line: line, Values: normalizeCells(record, cat)})
	}

	n.logger.Debug("file normalized",
		"catalog", cat.ID,
		"file", fileName,
		"rows", len(view.Rows),
	)

	return view, nil
}

func (n *Normalizer) normalizeFixed(r io.Reader, fileName string, cat *schema.Catalog) (*TableView, error) {
	view := &TableView{CatalogID: cat.ID, FileName: fileName}

	total := 0
	for _, f := range cat.Fields {
		total += f.Width
	}

	scanner := bufio.NewScanner(decodeReader(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0

	for scanner.Scan() {
		line++
		text := scanner.Text()

		if line == 1 && cat.FileFormat.HasHeader() {
			view.HeaderNames = []string{text}
			continue
		}
		if text == "" {
			continue
		}

		runes := []rune(text)
		if len(runes) < total {
			return nil, &FormatError{
				File: fileName,
				Line: line,
				Reason: fmt.Sprintf("fixed-width row has %d characters, schema declares %d; pad the row or fix the declared widths",
					len(runes), total),
			}
		}

		values := make([]string, len(cat.Fields))
		offset := 0
		for i, f := range cat.Fields {
			values[i] = trimCell(string(runes[offset : offset+f.Width]))
			offset += f.Width
		}

		view.Rows = append(view.Rows, Row{Line: line, Values: normalizeCells(values, cat)})
	}
	if err := scanner.Err(); err != nil {
		return nil, &FormatError{File: fileName, Line: line, Reason: fmt.Sprintf("unreadable row: %v", err)}
	}

	return view, nil
}

// normalizeCells applies the cell-level normalization policy: everything
// stays a string, and empty cells of non-text fields become a literal
// zero so downstream numeric coercion sees a value, not a blank.
func normalizeCells(record []string, cat *schema.Catalog) []string {
	values := make([]string, len(record))
	for i, cell := range record {
		cell = trimCell(cell)
		if cell == "" && cat.Fields[i].Type != schema.TypeText {
			cell = "0"
		}
		values[i] = cell
	}
	return values
}

func trimCell(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
