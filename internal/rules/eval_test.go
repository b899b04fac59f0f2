package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/veridata-io/veridata/internal/normalize"
	"github.com/veridata-io/veridata/internal/schema"
)

func testDoc(t *testing.T, fields []schema.Field, catalogRules []schema.Rule) *schema.Document {
	t.Helper()
	header := false
	doc := &schema.Document{
		Metadata: schema.Metadata{Name: "test"},
		Catalogs: map[string]*schema.Catalog{
			"ventas": {
				ID: "ventas",
				FileFormat: schema.FileFormat{
					Type:      schema.FormatDelimited,
					Delimiter: "|",
					Header:    &header,
				},
				Fields: fields,
				Rules:  catalogRules,
			},
		},
		Packages: []schema.Package{{Name: "p", Catalogs: []string{"ventas"}}},
	}
	return doc
}

func normalizeInput(t *testing.T, doc *schema.Document, catalogID, input string) *normalize.TableView {
	t.Helper()
	view, err := normalize.NewNormalizer(nil).Normalize(strings.NewReader(input), catalogID+".csv", doc.Catalogs[catalogID])
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return view
}

// Clean rows validate with zero findings and typed values.
func TestEvaluate_CleanRows(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "name", Type: schema.TypeText},
	}, nil)

	view := normalizeInput(t, doc, "ventas", "1|Ana\n2|Beto\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if len(result.Findings) != 0 {
		t.Errorf("findings = %v, want none", result.Findings)
	}
	if len(result.ValidatedRows["ventas"]) != 2 {
		t.Errorf("validated rows = %d, want 2", len(result.ValidatedRows["ventas"]))
	}
	if got := result.Catalogs["ventas"].Status; got != StatusSuccess {
		t.Errorf("status = %q, want %q", got, StatusSuccess)
	}
	if result.ValidatedRows["ventas"][0]["id"] != int64(1) {
		t.Errorf("typed id = %v (%T), want int64(1)", result.ValidatedRows["ventas"][0]["id"], result.ValidatedRows["ventas"][0]["id"])
	}
}

// A non-integer value yields an error finding on the field, excludes
// the row and leaves the catalog Partial.
func TestEvaluate_TypeViolation(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "name", Type: schema.TypeText},
	}, nil)

	view := normalizeInput(t, doc, "ventas", "1|Ana\nabc|Beto\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if got := result.ErrorCount(); got != 1 {
		t.Fatalf("error findings = %d, want 1", got)
	}

	f := result.Findings[0]
	if f.Column != "id" || f.Value != "abc" || f.Line != 2 {
		t.Errorf("finding = %+v, want column id, value abc, line 2", f)
	}
	if f.Message == "" || !strings.Contains(f.Message, "abc") {
		t.Errorf("finding message %q should name the offending value", f.Message)
	}

	if len(result.ValidatedRows["ventas"]) != 1 {
		t.Errorf("validated rows = %d, want 1", len(result.ValidatedRows["ventas"]))
	}
	if got := result.Catalogs["ventas"].Status; got != StatusPartial {
		t.Errorf("status = %q, want %q", got, StatusPartial)
	}
}

// Duplicates on a unique field downgrade to a warning and flag the
// field non-unique; the run never aborts.
func TestEvaluate_UniqueDowngrade(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "id", Type: schema.TypeInteger, Unique: true},
		{Name: "name", Type: schema.TypeText},
	}, nil)

	view := normalizeInput(t, doc, "ventas", "1|Ana\n1|Beto\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if got := result.WarningCount(); got != 1 {
		t.Fatalf("warning findings = %d, want 1", got)
	}
	if got := result.ErrorCount(); got != 0 {
		t.Fatalf("error findings = %d, want 0", got)
	}

	meta := result.Catalogs["ventas"].Fields
	if !meta[0].UniqueDeclared {
		t.Error("id should be declared unique")
	}
	if meta[0].Unique {
		t.Error("id uniqueness should be downgraded to false after duplicate scan")
	}
	if got := result.Catalogs["ventas"].Status; got != StatusSuccess {
		t.Errorf("status = %q, want %q (warnings never fail a catalog)", got, StatusSuccess)
	}
}

func TestEvaluate_FieldRules(t *testing.T) {
	minV, maxV := 1.0, 100.0
	doc := testDoc(t, []schema.Field{
		{Name: "id", Type: schema.TypeInteger, Rules: []schema.Rule{
			{Kind: schema.RuleRange, Min: &minV, Max: &maxV},
		}},
		{Name: "code", Type: schema.TypeText, Rules: []schema.Rule{
			{Kind: schema.RulePattern, Pattern: `^[A-Z]{3}$`, Severity: schema.SeverityError},
		}},
	}, nil)

	view := normalizeInput(t, doc, "ventas", "5|ABC\n500|xy\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if got := result.ErrorCount(); got != 2 {
		t.Fatalf("error findings = %d, want 2 (range + pattern)", got)
	}
	if len(result.ValidatedRows["ventas"]) != 1 {
		t.Errorf("validated rows = %d, want 1", len(result.ValidatedRows["ventas"]))
	}
}

func TestEvaluate_AdvisoryRule(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "name", Type: schema.TypeText, Rules: []schema.Rule{
			{Kind: schema.RuleRequired, Severity: schema.SeverityWarning},
		}},
	}, nil)

	view := normalizeInput(t, doc, "ventas", "1|\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if got := result.WarningCount(); got != 1 {
		t.Fatalf("warning findings = %d, want 1", got)
	}
	// Advisory rules never exclude rows.
	if len(result.ValidatedRows["ventas"]) != 1 {
		t.Errorf("validated rows = %d, want 1", len(result.ValidatedRows["ventas"]))
	}
}

func TestEvaluate_RowExpressionRule(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "qty", Type: schema.TypeInteger},
		{Name: "total", Type: schema.TypeDecimal},
	}, []schema.Rule{
		{Kind: schema.RuleExpression, Expression: "total >= qty", Message: "total must cover at least one unit per item"},
	})

	view := normalizeInput(t, doc, "ventas", "2|10.5\n5|1.0\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	if got := result.ErrorCount(); got != 1 {
		t.Fatalf("error findings = %d, want 1", got)
	}
	f := result.Findings[0]
	if f.Line != 2 {
		t.Errorf("finding line = %d, want 2", f.Line)
	}
	if !strings.Contains(f.Message, "total must cover") {
		t.Errorf("finding message %q should carry the declared message", f.Message)
	}
}

func TestEvaluate_ReferenceRule(t *testing.T) {
	header := false
	doc := &schema.Document{
		Metadata: schema.Metadata{Name: "test"},
		Catalogs: map[string]*schema.Catalog{
			"ventas": {
				ID:         "ventas",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields: []schema.Field{
					{Name: "client_id", Type: schema.TypeInteger},
					{Name: "amount", Type: schema.TypeDecimal},
				},
				Rules: []schema.Rule{
					{Kind: schema.RuleReference, Field: "client_id", RefCatalog: "clientes", RefField: "id"},
				},
			},
			"clientes": {
				ID:         "clientes",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeInteger},
				},
			},
		},
		Packages: []schema.Package{{Name: "p", Catalogs: []string{"ventas", "clientes"}}},
	}

	views := map[string]*normalize.TableView{
		"ventas":   normalizeInput(t, doc, "ventas", "1|10.0\n99|5.0\n"),
		"clientes": normalizeInput(t, doc, "clientes", "1\n2\n"),
	}

	result := NewEvaluator(0, nil).Evaluate(context.Background(), views, doc)

	if got := result.ErrorCount(); got != 1 {
		t.Fatalf("error findings = %d, want 1", got)
	}
	f := result.Findings[0]
	if f.Column != "client_id" || f.Value != "99" {
		t.Errorf("finding = %+v, want client_id / 99", f)
	}
}

// A referencing value written differently from the referenced one
// ("01" vs 1) still matches: comparison happens in the referenced
// field's type domain.
func TestEvaluate_ReferenceMatchesTypedValues(t *testing.T) {
	header := false
	doc := &schema.Document{
		Metadata: schema.Metadata{Name: "test"},
		Catalogs: map[string]*schema.Catalog{
			"ventas": {
				ID:         "ventas",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields: []schema.Field{
					{Name: "client_id", Type: schema.TypeInteger},
				},
				Rules: []schema.Rule{
					{Kind: schema.RuleReference, Field: "client_id", RefCatalog: "clientes", RefField: "id"},
				},
			},
			"clientes": {
				ID:         "clientes",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeInteger},
				},
			},
		},
		Packages: []schema.Package{{Name: "p", Catalogs: []string{"ventas", "clientes"}}},
	}

	views := map[string]*normalize.TableView{
		"ventas":   normalizeInput(t, doc, "ventas", "01\n"),
		"clientes": normalizeInput(t, doc, "clientes", "1\n"),
	}

	result := NewEvaluator(0, nil).Evaluate(context.Background(), views, doc)

	if got := result.ErrorCount(); got != 0 {
		t.Errorf("error findings = %d, want 0: %+v", got, result.Findings)
	}
	if len(result.ValidatedRows["ventas"]) != 1 {
		t.Errorf("validated rows = %d, want 1", len(result.ValidatedRows["ventas"]))
	}
}

// Reference checks must see the same filtered sibling sets no matter
// how catalog ids sort: a referenced row excluded by its own errors is
// an invalid target in both directions.
func TestEvaluate_ReferenceSeesFilteredSiblings(t *testing.T) {
	build := func(t *testing.T, orders, customers string) (*schema.Document, map[string]*normalize.TableView) {
		t.Helper()
		header := false
		doc := &schema.Document{
			Metadata: schema.Metadata{Name: "test"},
			Catalogs: map[string]*schema.Catalog{
				orders: {
					ID:         orders,
					FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
					Fields: []schema.Field{
						{Name: "customer_id", Type: schema.TypeInteger},
					},
					Rules: []schema.Rule{
						{Kind: schema.RuleReference, Field: "customer_id", RefCatalog: customers, RefField: "id"},
					},
				},
				customers: {
					ID:         customers,
					FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
					Fields: []schema.Field{
						{Name: "id", Type: schema.TypeInteger},
						{Name: "email", Type: schema.TypeText, Rules: []schema.Rule{
							{Kind: schema.RuleRequired},
						}},
					},
				},
			},
			Packages: []schema.Package{{Name: "p", Catalogs: []string{orders, customers}}},
		}
		// The only customer row fails its required rule, so order 7 has
		// no valid target.
		views := map[string]*normalize.TableView{
			orders:    normalizeInput(t, doc, orders, "7\n"),
			customers: normalizeInput(t, doc, customers, "7|\n"),
		}
		return doc, views
	}

	tests := []struct {
		name      string
		orders    string
		customers string
	}{
		{"referencing catalog sorts first", "a_orders", "z_customers"},
		{"referenced catalog sorts first", "z_orders", "a_customers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, views := build(t, tt.orders, tt.customers)
			result := NewEvaluator(0, nil).Evaluate(context.Background(), views, doc)

			dangling := 0
			for _, f := range result.Findings {
				if f.Rule == string(schema.RuleReference) {
					dangling++
				}
			}
			if dangling != 1 {
				t.Errorf("reference findings = %d, want 1 (excluded sibling rows are not valid targets)", dangling)
			}
			if got := len(result.ValidatedRows[tt.orders]); got != 0 {
				t.Errorf("validated order rows = %d, want 0", got)
			}
		})
	}
}

// Findings attribute to their owning catalog, not to whatever catalog
// shares the file name.
func TestEvaluate_FindingsAttributedByCatalog(t *testing.T) {
	header := false
	doc := &schema.Document{
		Metadata: schema.Metadata{Name: "test"},
		Catalogs: map[string]*schema.Catalog{
			"ventas": {
				ID:         "ventas",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields:     []schema.Field{{Name: "id", Type: schema.TypeInteger}},
			},
			"clientes": {
				ID:         "clientes",
				FileFormat: schema.FileFormat{Type: schema.FormatDelimited, Delimiter: "|", Header: &header},
				Fields:     []schema.Field{{Name: "id", Type: schema.TypeInteger}},
			},
		},
		Packages: []schema.Package{{Name: "p", Catalogs: []string{"ventas", "clientes"}}},
	}

	// Both members carry the same file name; only ventas has a bad row.
	n := normalize.NewNormalizer(nil)
	ventas, err := n.Normalize(strings.NewReader("abc\n"), "data.csv", doc.Catalogs["ventas"])
	if err != nil {
		t.Fatalf("normalize ventas: %v", err)
	}
	clientes, err := n.Normalize(strings.NewReader("1\n"), "data.csv", doc.Catalogs["clientes"])
	if err != nil {
		t.Fatalf("normalize clientes: %v", err)
	}

	result := NewEvaluator(0, nil).Evaluate(context.Background(),
		map[string]*normalize.TableView{"ventas": ventas, "clientes": clientes}, doc)

	if got := result.Catalogs["ventas"].Errors; got != 1 {
		t.Errorf("ventas errors = %d, want 1", got)
	}
	if got := result.Catalogs["clientes"].Errors; got != 0 {
		t.Errorf("clientes errors = %d, want 0", got)
	}
	if got := result.Catalogs["clientes"].Status; got != StatusSuccess {
		t.Errorf("clientes status = %q, want %q", got, StatusSuccess)
	}
}

func TestEvaluate_MissingDependency(t *testing.T) {
	doc := testDoc(t, []schema.Field{
		{Name: "client_id", Type: schema.TypeInteger},
	}, []schema.Rule{
		{Kind: schema.RuleReference, Field: "client_id", RefCatalog: "clientes", RefField: "id"},
	})

	view := normalizeInput(t, doc, "ventas", "1\n")
	result := NewEvaluator(0, nil).Evaluate(context.Background(), map[string]*normalize.TableView{"ventas": view}, doc)

	// Missing sibling is reported, never fatal.
	if len(result.SkippedRules) != 1 {
		t.Fatalf("skipped rules = %v, want 1 entry", result.SkippedRules)
	}
	if got := result.WarningCount(); got != 1 {
		t.Errorf("warning findings = %d, want 1", got)
	}
	if got := result.Catalogs["ventas"].Status; got != StatusSuccess {
		t.Errorf("status = %q, want %q", got, StatusSuccess)
	}
}

func TestJudgeStatus(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		errorRows int
		errors    int
		ratio     float64
		want      CatalogStatus
	}{
		{"no errors", 10, 0, 0, 0.5, StatusSuccess},
		{"under ratio", 10, 2, 2, 0.5, StatusPartial},
		{"at ratio", 10, 5, 5, 0.5, StatusPartial},
		{"over ratio", 10, 8, 8, 0.5, StatusFailed},
		{"zero rows with errors", 0, 0, 1, 0.5, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := judgeStatus(tt.total, tt.errorRows, tt.errors, tt.ratio); got != tt.want {
				t.Errorf("judgeStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
