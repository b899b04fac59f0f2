package schema

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Load parses and validates a schema document. The document is validated
// before any input file is touched; a failure carries the exact path of
// the offending node rather than a generic parse error.
func Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read schema document: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Path: "document", Reason: fmt.Sprintf("not parseable: %v", err)}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// LoadFile loads a schema document from a file path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema document: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the document's structural invariants and normalizes it:
// catalog ids are copied onto the catalogs, unnamed fields get COLUMN_<n>
// names, and every rule is checked for a known kind and a usable shape.
func (d *Document) Validate() error {
	if d.Metadata.Name == "" {
		return &SchemaError{Path: "metadata.name", Reason: "missing"}
	}
	if len(d.Catalogs) == 0 {
		return &SchemaError{Path: "catalogs", Reason: "missing or empty"}
	}
	if len(d.Packages) == 0 {
		return &SchemaError{Path: "packages", Reason: "missing or empty"}
	}

	for id, cat := range d.Catalogs {
		if cat == nil {
			return &SchemaError{Path: "catalogs." + id, Reason: "empty definition"}
		}
		cat.ID = id
		if err := cat.validate("catalogs." + id); err != nil {
			return err
		}
	}

	referenced := make(map[string]bool, len(d.Catalogs))
	for i, pkg := range d.Packages {
		path := fmt.Sprintf("packages[%d]", i)
		if pkg.Name == "" {
			return &SchemaError{Path: path + ".name", Reason: "missing"}
		}
		if len(pkg.Catalogs) == 0 {
			return &SchemaError{Path: path + ".catalogs", Reason: "missing or empty"}
		}
		switch pkg.Container {
		case ContainerNone, ContainerZip, ContainerGzip:
		case "":
			d.Packages[i].Container = ContainerNone
		default:
			return &SchemaError{Path: path + ".container", Reason: fmt.Sprintf("unknown container %q", pkg.Container)}
		}
		for _, cid := range pkg.Catalogs {
			if _, ok := d.Catalogs[cid]; !ok {
				return &SchemaError{Path: path + ".catalogs", Reason: fmt.Sprintf("references undeclared catalog %q", cid)}
			}
			referenced[cid] = true
		}
	}

	for id := range d.Catalogs {
		if !referenced[id] {
			return &SchemaError{Path: "catalogs." + id, Reason: "not referenced by any package"}
		}
	}

	return nil
}

func (c *Catalog) validate(path string) error {
	switch c.FileFormat.Type {
	case FormatDelimited, FormatSpreadsheet, FormatFixed:
	case "":
		return &SchemaError{Path: path + ".file_format.type", Reason: "missing"}
	default:
		return &SchemaError{Path: path + ".file_format.type", Reason: fmt.Sprintf("unknown format %q", c.FileFormat.Type)}
	}

	if c.FileFormat.Header == nil {
		return &SchemaError{Path: path + ".file_format.header", Reason: "missing"}
	}

	if c.FileFormat.Type == FormatDelimited && c.FileFormat.Delimiter == "" {
		return &SchemaError{Path: path + ".file_format.delimiter", Reason: "missing for delimited format"}
	}

	if len(c.Fields) == 0 {
		return &SchemaError{Path: path + ".fields", Reason: "missing or empty"}
	}

	seen := make(map[string]bool, len(c.Fields))
	for i := range c.Fields {
		f := &c.Fields[i]
		fieldPath := fmt.Sprintf("%s.fields[%d]", path, i)

		if f.Name == "" {
			f.Name = fmt.Sprintf("COLUMN_%d", i+1)
		}
		if seen[f.Name] {
			return &SchemaError{Path: fieldPath + ".name", Reason: fmt.Sprintf("duplicate field name %q", f.Name)}
		}
		seen[f.Name] = true

		switch f.Type {
		case TypeText, TypeDecimal, TypeInteger, TypeDate, TypeBoolean:
		case "":
			return &SchemaError{Path: fieldPath + ".type", Reason: "missing"}
		default:
			return &SchemaError{Path: fieldPath + ".type", Reason: fmt.Sprintf("unknown type %q", f.Type)}
		}

		if c.FileFormat.Type == FormatFixed && f.Width <= 0 {
			return &SchemaError{Path: fieldPath + ".width", Reason: "missing for fixed format"}
		}

		for j := range f.Rules {
			rulePath := fmt.Sprintf("%s.rules[%d]", fieldPath, j)
			if err := validateRule(&f.Rules[j], rulePath, false); err != nil {
				return err
			}
		}
	}

	for j := range c.Rules {
		rulePath := fmt.Sprintf("%s.rules[%d]", path, j)
		r := &c.Rules[j]
		if err := validateRule(r, rulePath, true); err != nil {
			return err
		}
		if r.Field != "" && c.FieldByName(r.Field) == nil {
			return &SchemaError{Path: rulePath + ".field", Reason: fmt.Sprintf("references undeclared field %q", r.Field)}
		}
	}

	return nil
}

func validateRule(r *Rule, path string, catalogLevel bool) error {
	if r.Severity == "" {
		r.Severity = SeverityError
	}
	switch r.Severity {
	case SeverityMessage, SeverityWarning, SeverityError:
	default:
		return &SchemaError{Path: path + ".severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}

	switch r.Kind {
	case RuleRequired:
	case RuleRange, RuleLength:
		if r.Min == nil && r.Max == nil {
			return &SchemaError{Path: path, Reason: "range/length rule needs min or max"}
		}
	case RulePattern:
		if r.Pattern == "" {
			return &SchemaError{Path: path + ".pattern", Reason: "missing"}
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return &SchemaError{Path: path + ".pattern", Reason: fmt.Sprintf("invalid: %v", err)}
		}
	case RuleIn:
		if len(r.Values) == 0 {
			return &SchemaError{Path: path + ".values", Reason: "missing or empty"}
		}
	case RuleExpression:
		if r.Expression == "" {
			return &SchemaError{Path: path + ".expression", Reason: "missing"}
		}
	case RuleUnique:
		if !catalogLevel {
			return &SchemaError{Path: path, Reason: "unique rule is catalog-level, declare unique: true on the field or a catalog rule"}
		}
		if r.Field == "" {
			return &SchemaError{Path: path + ".field", Reason: "missing for unique rule"}
		}
	case RuleReference:
		if !catalogLevel {
			return &SchemaError{Path: path, Reason: "reference rule is catalog-level"}
		}
		if r.Field == "" || r.RefCatalog == "" || r.RefField == "" {
			return &SchemaError{Path: path, Reason: "reference rule needs field, ref_catalog and ref_field"}
		}
	case "":
		return &SchemaError{Path: path + ".kind", Reason: "missing"}
	default:
		return &SchemaError{Path: path + ".kind", Reason: fmt.Sprintf("unknown rule kind %q", r.Kind)}
	}

	return nil
}
