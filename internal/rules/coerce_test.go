package rules

import (
	"testing"

	"github.com/veridata-io/veridata/internal/schema"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		typ     schema.FieldType
		wantErr bool
	}{
		{"integer ok", "42", schema.TypeInteger, false},
		{"integer negative", "-7", schema.TypeInteger, false},
		{"integer bad", "abc", schema.TypeInteger, true},
		{"integer decimal point", "1.5", schema.TypeInteger, true},
		{"decimal dot", "12.50", schema.TypeDecimal, false},
		{"decimal comma", "12,50", schema.TypeDecimal, false},
		{"decimal bad", "12,50,1", schema.TypeDecimal, true},
		{"date iso", "2026-08-25", schema.TypeDate, false},
		{"date latin", "25/08/2026", schema.TypeDate, false},
		{"date bad", "yesterday", schema.TypeDate, true},
		{"bool true", "true", schema.TypeBoolean, false},
		{"bool si", "SI", schema.TypeBoolean, false},
		{"bool numeric", "0", schema.TypeBoolean, false},
		{"bool bad", "maybe", schema.TypeBoolean, true},
		{"text anything", "whatever", schema.TypeText, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coerce(tt.value, tt.typ)
			if (err != nil) != tt.wantErr {
				t.Errorf("coerce(%q, %s) error = %v, wantErr %v", tt.value, tt.typ, err, tt.wantErr)
			}
		})
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   schema.FieldType
	}{
		{"all integers", []string{"1", "2", "3"}, schema.TypeInteger},
		{"all decimals", []string{"1.5", "2.0"}, schema.TypeDecimal},
		{"all dates", []string{"2026-01-01", "2026-02-02"}, schema.TypeDate},
		{"one non-numeric forces text", []string{"1", "2", "x"}, schema.TypeText},
		{"missing value forces text", []string{"1", "", "3"}, schema.TypeText},
		{"special token forces text", []string{"1", "N/A", "3"}, schema.TypeText},
		{"empty sample", nil, schema.TypeText},
		{"mixed numeric stays text", []string{"1", "2026-01-01"}, schema.TypeText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferType(tt.values); got != tt.want {
				t.Errorf("inferType(%v) = %q, want %q", tt.values, got, tt.want)
			}
		})
	}
}

func TestInferType_NonNumericNeverNumeric(t *testing.T) {
	// Any non-numeric sample value must force text inference.
	samples := [][]string{
		{"abc"},
		{"1", "abc"},
		{"abc", "1", "2", "3", "4"},
	}
	for _, values := range samples {
		got := inferType(values)
		if got == schema.TypeInteger || got == schema.TypeDecimal {
			t.Errorf("inferType(%v) = %q, numeric inference requires 100%% conformance", values, got)
		}
	}
}
