package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veridata-io/veridata/internal/schema"
)

// specialTokens are placeholder values real-world files use for "no
// value". Their presence downgrades type inference to text.
var specialTokens = map[string]bool{
	"null": true,
	"n/a":  true,
	"na":   true,
	"none": true,
	"-":    true,
	"--":   true,
	"#n/d": true,
	"s/d":  true,
}

func isSpecialToken(v string) bool {
	return specialTokens[strings.ToLower(v)]
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
}

// coerce converts a string cell to the declared type. The returned error
// message is remediation-oriented and becomes the finding message.
func coerce(value string, typ schema.FieldType) (any, error) {
	switch typ {
	case schema.TypeText:
		return value, nil

	case schema.TypeInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a whole number; supply digits only, e.g. 42", value)
		}
		return n, nil

	case schema.TypeDecimal:
		f, err := parseDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a decimal number; use a dot or comma separator, e.g. 12.50", value)
		}
		return f, nil

	case schema.TypeDate:
		t, err := parseDate(value)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a date; use YYYY-MM-DD or DD/MM/YYYY", value)
		}
		return t, nil

	case schema.TypeBoolean:
		b, err := parseBool(value)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean; use true/false, yes/no or 1/0", value)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown declared type %q", typ)
	}
}

func parseDecimal(value string) (float64, error) {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f, nil
	}
	// Comma decimal separator, common in Latin locales.
	if strings.Count(value, ",") == 1 && !strings.Contains(value, ".") {
		return strconv.ParseFloat(strings.Replace(value, ",", ".", 1), 64)
	}
	return 0, fmt.Errorf("not a decimal: %q", value)
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a date: %q", value)
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "t", "yes", "y", "si", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", value)
}

// conformsTo reports whether a value parses as the given type.
func conformsTo(value string, typ schema.FieldType) bool {
	_, err := coerce(value, typ)
	return err == nil
}

// inferType infers a column type from its observed sample. Numeric, date
// and boolean typing require 100% conformance; any missing value or
// special token forces text.
func inferType(values []string) schema.FieldType {
	if len(values) == 0 {
		return schema.TypeText
	}

	candidates := []schema.FieldType{
		schema.TypeInteger,
		schema.TypeDecimal,
		schema.TypeBoolean,
		schema.TypeDate,
	}

	for _, v := range values {
		if v == "" || isSpecialToken(v) {
			return schema.TypeText
		}
	}

	for _, candidate := range candidates {
		all := true
		for _, v := range values {
			if !conformsTo(v, candidate) {
				all = false
				break
			}
		}
		if all {
			return candidate
		}
	}

	return schema.TypeText
}
