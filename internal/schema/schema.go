// Package schema provides the declarative schema model for Veridata.
// A schema document describes one or more catalogs (logical record types)
// grouped into packages (delivery units), together with the validation
// rules applied to submitted files.
package schema

import (
	"fmt"
)

// FormatType identifies the physical layout of a catalog's input files.
type FormatType string

const (
	// FormatDelimited is character-delimited text (CSV-like).
	FormatDelimited FormatType = "delimited"
	// FormatSpreadsheet is an xlsx workbook; the first sheet is read.
	FormatSpreadsheet FormatType = "spreadsheet"
	// FormatFixed is fixed-width text; every field declares a width.
	FormatFixed FormatType = "fixed"
)

// FieldType is the declared type of a catalog field.
type FieldType string

const (
	// TypeText accepts any string value.
	TypeText FieldType = "text"
	// TypeDecimal accepts decimal numbers.
	TypeDecimal FieldType = "decimal"
	// TypeInteger accepts whole numbers.
	TypeInteger FieldType = "integer"
	// TypeDate accepts dates in YYYY-MM-DD or DD/MM/YYYY form.
	TypeDate FieldType = "date"
	// TypeBoolean accepts true/false style values.
	TypeBoolean FieldType = "boolean"
)

// ContainerType identifies how a package bundles its member files.
type ContainerType string

const (
	// ContainerNone means each catalog arrives as a standalone file.
	ContainerNone ContainerType = "none"
	// ContainerZip bundles member files in a zip archive.
	ContainerZip ContainerType = "zip"
	// ContainerGzip delivers a single gzip-compressed member.
	ContainerGzip ContainerType = "gzip"
)

// RuleKind identifies the kind of validation rule.
type RuleKind string

const (
	// RuleRequired rejects empty values.
	RuleRequired RuleKind = "required"
	// RuleRange bounds a numeric value between Min and Max.
	RuleRange RuleKind = "range"
	// RuleLength bounds the character length of a value.
	RuleLength RuleKind = "length"
	// RulePattern matches a value against a regular expression.
	RulePattern RuleKind = "pattern"
	// RuleIn restricts a value to an enumerated set.
	RuleIn RuleKind = "in"
	// RuleExpression evaluates a boolean expression over the whole row.
	RuleExpression RuleKind = "expression"
	// RuleUnique asserts no duplicate values across the full column.
	RuleUnique RuleKind = "unique"
	// RuleReference asserts the value exists in a sibling catalog's field.
	RuleReference RuleKind = "reference"
)

// Severity is the severity a rule violation is reported with.
type Severity string

const (
	// SeverityMessage is informational.
	SeverityMessage Severity = "message"
	// SeverityWarning is advisory and never fails a catalog.
	SeverityWarning Severity = "warning"
	// SeverityError counts toward the catalog's error total.
	SeverityError Severity = "error"
)

// Document is the top-level schema document. Exactly three sections are
// required: metadata, catalogs and packages.
type Document struct {
	// Metadata describes the schema itself.
	Metadata Metadata `yaml:"metadata"`

	// Catalogs maps catalog id to its definition.
	Catalogs map[string]*Catalog `yaml:"catalogs"`

	// Packages lists the delivery units grouping catalogs.
	Packages []Package `yaml:"packages"`
}

// Metadata describes the schema document.
type Metadata struct {
	// Name is the schema name.
	Name string `yaml:"name"`

	// Description is a human-readable description.
	Description string `yaml:"description"`

	// Version is the schema version string.
	Version string `yaml:"version"`

	// Author is the schema author.
	Author string `yaml:"author"`
}

// Catalog is one declared logical record type.
type Catalog struct {
	// ID is the catalog identifier, assigned from the catalogs map key.
	ID string `yaml:"-"`

	// Name is the display name.
	Name string `yaml:"name"`

	// FileFormat describes the physical file layout. The header flag
	// always lives here, never at catalog top level.
	FileFormat FileFormat `yaml:"file_format"`

	// Fields is the ordered list of field definitions.
	Fields []Field `yaml:"fields"`

	// Rules holds catalog-level rules (cross-record).
	Rules []Rule `yaml:"rules"`
}

// FileFormat describes the physical layout of a catalog's files.
type FileFormat struct {
	// Type is the format type (delimited, spreadsheet, fixed).
	Type FormatType `yaml:"type"`

	// Delimiter is the column delimiter for delimited files.
	Delimiter string `yaml:"delimiter"`

	// Header indicates whether the first row carries column names.
	// Header names are diagnostic only; field identity is positional.
	Header *bool `yaml:"header"`
}

// HasHeader reports the header flag. Load rejects documents where the
// flag is absent, so a nil pointer never survives validation.
func (f FileFormat) HasHeader() bool {
	return f.Header != nil && *f.Header
}

// Field is one declared field of a catalog.
type Field struct {
	// Name is the field name. Never a placeholder: when the document
	// leaves it empty the loader assigns COLUMN_<n>.
	Name string `yaml:"name"`

	// Type is the declared field type.
	Type FieldType `yaml:"type"`

	// Unique asserts column-wide uniqueness when true.
	Unique bool `yaml:"unique"`

	// Width is the column width for fixed-format catalogs.
	Width int `yaml:"width"`

	// Rules holds field-level rules.
	Rules []Rule `yaml:"rules"`
}

// Rule is one validation rule. Kind selects the variant; the remaining
// fields are interpreted per kind.
type Rule struct {
	// Kind selects the rule variant.
	Kind RuleKind `yaml:"kind"`

	// Field names the subject field for catalog-level rules.
	Field string `yaml:"field"`

	// Min and Max bound range and length rules.
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	// Pattern is the regular expression for pattern rules.
	Pattern string `yaml:"pattern"`

	// Values enumerates the allowed set for in rules.
	Values []string `yaml:"values"`

	// Expression is the boolean expression for expression rules.
	// Field values are available by name in the environment.
	Expression string `yaml:"expression"`

	// RefCatalog and RefField name the referenced sibling catalog and
	// field for reference rules.
	RefCatalog string `yaml:"ref_catalog"`
	RefField   string `yaml:"ref_field"`

	// Severity overrides the default error severity. Advisory rules
	// declare warning here.
	Severity Severity `yaml:"severity"`

	// Message is the remediation-oriented message reported on violation.
	Message string `yaml:"message"`
}

// Package groups one or more catalogs expected to arrive together.
type Package struct {
	// Name is the package name.
	Name string `yaml:"name"`

	// Container is the bundle format (none, zip, gzip).
	Container ContainerType `yaml:"container"`

	// Catalogs lists the member catalog ids.
	Catalogs []string `yaml:"catalogs"`
}

// SchemaError reports a malformed or incomplete schema document with a
// precise path to the offending node.
type SchemaError struct {
	// Path is the document path, e.g. "catalogs.ventas.file_format.header".
	Path string

	// Reason describes what is wrong at Path.
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s %s", e.Path, e.Reason)
}

// FieldByName returns the field with the given name, or nil.
func (c *Catalog) FieldByName(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the declared field names in order.
func (c *Catalog) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// PackageFor returns the package containing the given catalog id, or nil.
func (d *Document) PackageFor(catalogID string) *Package {
	for i := range d.Packages {
		for _, id := range d.Packages[i].Catalogs {
			if id == catalogID {
				return &d.Packages[i]
			}
		}
	}
	return nil
}
