// Package rules evaluates field, row and catalog level validation rules
// against normalized table views, producing typed findings and the
// validated row sets that feed materialization.
package rules

import (
	"fmt"
	"time"

	"github.com/veridata-io/veridata/internal/schema"
)

// Finding is one validation event tied to a location in an input file.
// Rule violations are expected outcomes: they are always captured as
// findings, never raised as errors.
type Finding struct {
	// Time is when the finding was recorded.
	Time time.Time `json:"time"`

	// Severity is message, warning or error.
	Severity schema.Severity `json:"severity"`

	// Catalog is the owning catalog id. Findings are attributed to
	// catalogs by this id, never by file name.
	Catalog string `json:"catalog,omitempty"`

	// File is the originating file name.
	File string `json:"file,omitempty"`

	// Line is the 1-based line number, 0 when file- or catalog-level.
	Line int `json:"line,omitempty"`

	// Column is the field name, empty when row- or catalog-level.
	Column string `json:"column,omitempty"`

	// Rule identifies the violated rule.
	Rule string `json:"rule"`

	// Value is the offending value.
	Value string `json:"value,omitempty"`

	// Message is the self-contained remediation message: it states the
	// rule, the offending value and a suggested fix.
	Message string `json:"message"`
}

// CatalogStatus is the judged outcome of one catalog's validation.
type CatalogStatus string

const (
	// StatusSuccess means zero errors.
	StatusSuccess CatalogStatus = "Success"
	// StatusPartial means errors exist but stay under the configured
	// ratio of total rows.
	StatusPartial CatalogStatus = "Partial"
	// StatusFailed means errors at or above the configured ratio.
	StatusFailed CatalogStatus = "Failed"
)

// MissingDependencyError reports a catalog rule that references another
// catalog not present in the same execution. It is reported as a finding
// and a skipped rule, never aborts the execution.
type MissingDependencyError struct {
	// CatalogID is the catalog declaring the rule.
	CatalogID string

	// RefCatalog is the referenced catalog that is not available.
	RefCatalog string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("catalog %s references %s which is not present in this execution", e.CatalogID, e.RefCatalog)
}

// FieldMeta is the per-field outcome metadata exposed in the report.
type FieldMeta struct {
	// Name is the field name.
	Name string `json:"name"`

	// DeclaredType is the schema-declared type.
	DeclaredType schema.FieldType `json:"declared_type"`

	// InferredType is the type inferred from the observed sample. Any
	// non-conforming value downgrades the inference to text.
	InferredType schema.FieldType `json:"inferred_type"`

	// UniqueDeclared is the schema-declared uniqueness flag.
	UniqueDeclared bool `json:"unique_declared"`

	// Unique is the post-scan uniqueness: false when duplicates were
	// observed, regardless of declaration.
	Unique bool `json:"unique"`
}

// CatalogResult is the validation outcome of one catalog.
type CatalogResult struct {
	// CatalogID is the catalog id.
	CatalogID string `json:"catalog_id"`

	// FileName is the originating file.
	FileName string `json:"file_name"`

	// TotalRows is the number of data rows observed.
	TotalRows int `json:"total_rows"`

	// ErrorRows is the number of rows with at least one error finding.
	ErrorRows int `json:"error_rows"`

	// Errors and Warnings count findings by severity.
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`

	// Status is the judged outcome.
	Status CatalogStatus `json:"status"`

	// Fields is the per-field outcome metadata.
	Fields []FieldMeta `json:"fields"`
}

// Row is one validated record with typed values keyed by field name.
type Row map[string]any

// Result is the full evaluation outcome across catalogs.
type Result struct {
	// ValidatedRows maps catalog id to its rows that passed every
	// error-severity rule.
	ValidatedRows map[string][]Row

	// Catalogs maps catalog id to its result summary.
	Catalogs map[string]*CatalogResult

	// Findings is the ordered list of all findings.
	Findings []Finding

	// SkippedRules lists catalog rules that could not be evaluated,
	// e.g. due to a missing sibling catalog.
	SkippedRules []string
}

// ErrorCount returns the number of error-severity findings.
func (r *Result) ErrorCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == schema.SeverityError {
			n++
		}
	}
	return n
}

// WarningCount returns the number of warning-severity findings.
func (r *Result) WarningCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == schema.SeverityWarning {
			n++
		}
	}
	return n
}
