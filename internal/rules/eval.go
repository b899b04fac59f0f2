package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/veridata-io/veridata/internal/metrics"
	"github.com/veridata-io/veridata/internal/normalize"
	"github.com/veridata-io/veridata/internal/schema"
)

// DefaultPartialRatio is the error-row ratio at which a catalog flips
// from Partial to Failed. Policy, not mechanism: override it through
// configuration.
const DefaultPartialRatio = 0.5

// Evaluator applies schema rules to normalized table views.
type Evaluator struct {
	partialRatio float64
	logger       *slog.Logger
	programs     *exprCache
}

// NewEvaluator creates an Evaluator. partialRatio <= 0 selects
// DefaultPartialRatio.
func NewEvaluator(partialRatio float64, logger *slog.Logger) *Evaluator {
	if partialRatio <= 0 {
		partialRatio = DefaultPartialRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		partialRatio: partialRatio,
		logger:       logger.With("component", "evaluator"),
		programs:     newExprCache(),
	}
}

// Evaluate runs field, row and catalog rules over the given views.
// Per-row stages run first for every catalog and rows with errors are
// excluded from every validated set; only then do catalog rules
// (uniqueness, referential checks) run — this is the ordering barrier
// that makes cross-catalog references deterministic: a reference check
// sees the same filtered sibling sets no matter how catalog ids sort.
func (e *Evaluator) Evaluate(ctx context.Context, views map[string]*normalize.TableView, doc *schema.Document) *Result {
	result := &Result{
		ValidatedRows: make(map[string][]Row, len(views)),
		Catalogs:      make(map[string]*CatalogResult, len(views)),
	}

	ids := make([]string, 0, len(views))
	for id := range views {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Row-level stage for every catalog.
	rowErrs := make(map[string][]bool, len(views))
	for _, id := range ids {
		if ctx.Err() != nil {
			return result
		}
		rowErrs[id] = e.evaluateRows(views[id], doc.Catalogs[id], result)
	}

	// Barrier: drop row-stage error rows from every validated set before
	// any catalog rule reads a sibling's rows.
	kept := make(map[string][]int, len(views))
	for _, id := range ids {
		kept[id] = excludeErrorRows(id, rowErrs[id], result)
	}

	// Catalog-level stage.
	for _, id := range ids {
		if ctx.Err() != nil {
			return result
		}
		e.evaluateCatalogRules(views[id], doc.Catalogs[id], doc, result)
	}
	for _, id := range ids {
		e.finishCatalog(views[id], doc.Catalogs[id], kept[id], result)
	}

	return result
}

// excludeErrorRows removes rows flagged by the row-level stage from the
// catalog's validated set. It returns the view indices of the surviving
// rows so later stages can map validated rows back to source lines.
func excludeErrorRows(catalogID string, hasError []bool, result *Result) []int {
	all := result.ValidatedRows[catalogID]
	kept := make([]int, 0, len(all))
	validated := make([]Row, 0, len(all))
	for i, row := range all {
		if hasError[i] {
			continue
		}
		kept = append(kept, i)
		validated = append(validated, row)
	}
	result.ValidatedRows[catalogID] = validated
	return kept
}

// evaluateRows runs coercion, field rules and row rules for one catalog.
// It returns a per-row error flag slice used later to exclude rows with
// errors from the validated set.
func (e *Evaluator) evaluateRows(view *normalize.TableView, cat *schema.Catalog, result *Result) []bool {
	hasError := make([]bool, len(view.Rows))

	cr := &CatalogResult{
		CatalogID: cat.ID,
		FileName:  view.FileName,
		TotalRows: len(view.Rows),
	}
	result.Catalogs[cat.ID] = cr

	rows := make([]Row, 0, len(view.Rows))

	for ri, raw := range view.Rows {
		typed := make(Row, len(cat.Fields))
		rowFailed := false

		for fi, field := range cat.Fields {
			value := raw.Values[fi]

			coerced, err := coerce(value, field.Type)
			if err != nil {
				result.Findings = append(result.Findings, Finding{
					Time:     time.Now().UTC(),
					Severity: schema.SeverityError,
					Catalog:  cat.ID,
					File:     view.FileName,
					Line:     raw.Line,
					Column:   field.Name,
					Rule:     fmt.Sprintf("type:%s", field.Type),
					Value:    value,
					Message:  fmt.Sprintf("field %s expects %s: %v", field.Name, field.Type, err),
				})
				rowFailed = true
				typed[field.Name] = value
				continue
			}
			typed[field.Name] = coerced

			for _, rule := range field.Rules {
				if f, violated := e.checkFieldRule(&rule, field.Name, value, coerced); violated {
					f.Catalog = cat.ID
					f.File = view.FileName
					f.Line = raw.Line
					f.Column = field.Name
					result.Findings = append(result.Findings, f)
					if f.Severity == schema.SeverityError {
						rowFailed = true
					}
				}
			}
		}

		// Row rules: expression rules declared at catalog level see the
		// whole record by field name.
		for _, rule := range cat.Rules {
			if rule.Kind != schema.RuleExpression {
				continue
			}
			if f, violated := e.checkExpressionRule(&rule, cat.ID, typed, result); violated {
				f.Catalog = cat.ID
				f.File = view.FileName
				f.Line = raw.Line
				result.Findings = append(result.Findings, f)
				if f.Severity == schema.SeverityError {
					rowFailed = true
				}
			}
		}

		hasError[ri] = rowFailed
		rows = append(rows, typed)
		metrics.EngineRowsTotal.WithLabelValues(cat.ID).Inc()
	}

	result.ValidatedRows[cat.ID] = rows
	return hasError
}

// checkFieldRule evaluates one field-level rule. Violations come back as
// findings with self-contained messages; the caller attaches location.
func (e *Evaluator) checkFieldRule(rule *schema.Rule, fieldName, raw string, typed any) (Finding, bool) {
	finding := Finding{
		Time:     time.Now().UTC(),
		Severity: ruleSeverity(rule),
		Rule:     string(rule.Kind),
		Value:    raw,
	}

	fail := func(msg string) (Finding, bool) {
		if rule.Message != "" {
			msg = msg + "; " + rule.Message
		}
		finding.Message = msg
		return finding, true
	}

	switch rule.Kind {
	case schema.RuleRequired:
		if raw == "" {
			return fail(fmt.Sprintf("field %s is required but empty; supply a value", fieldName))
		}

	case schema.RuleRange:
		n, ok := numericValue(typed)
		if !ok {
			return Finding{}, false // type finding already covers it
		}
		if rule.Min != nil && n < *rule.Min {
			return fail(fmt.Sprintf("field %s value %s is below the minimum %v; supply a value >= %v", fieldName, raw, *rule.Min, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			return fail(fmt.Sprintf("field %s value %s is above the maximum %v; supply a value <= %v", fieldName, raw, *rule.Max, *rule.Max))
		}

	case schema.RuleLength:
		l := float64(len([]rune(raw)))
		if rule.Min != nil && l < *rule.Min {
			return fail(fmt.Sprintf("field %s value %q is shorter than %v characters; lengthen it", fieldName, raw, *rule.Min))
		}
		if rule.Max != nil && l > *rule.Max {
			return fail(fmt.Sprintf("field %s value %q is longer than %v characters; shorten it", fieldName, raw, *rule.Max))
		}

	case schema.RulePattern:
		if !e.programs.matchPattern(rule.Pattern, raw) {
			return fail(fmt.Sprintf("field %s value %q does not match pattern %s; adjust the value to the expected format", fieldName, raw, rule.Pattern))
		}

	case schema.RuleIn:
		for _, v := range rule.Values {
			if raw == v {
				return Finding{}, false
			}
		}
		return fail(fmt.Sprintf("field %s value %q is not one of the allowed values %v; use one of them", fieldName, raw, rule.Values))

	case schema.RuleExpression:
		env := Row{fieldName: typed, "value": typed}
		return e.checkExpressionRuleEnv(rule, env)
	}

	return Finding{}, false
}

// checkExpressionRule evaluates a row-level expression rule over typed
// field values. Compilation failures skip the rule once per execution.
func (e *Evaluator) checkExpressionRule(rule *schema.Rule, catalogID string, row Row, result *Result) (Finding, bool) {
	ok, err := e.programs.run(rule.Expression, map[string]any(row))
	if err != nil {
		skipped := fmt.Sprintf("expression %q: %v", rule.Expression, err)
		if !containsString(result.SkippedRules, skipped) {
			result.SkippedRules = append(result.SkippedRules, skipped)
			result.Findings = append(result.Findings, Finding{
				Time:     time.Now().UTC(),
				Severity: schema.SeverityWarning,
				Catalog:  catalogID,
				Rule:     string(schema.RuleExpression),
				Message:  fmt.Sprintf("rule expression %q could not be evaluated and was skipped: %v; fix the expression in the schema", rule.Expression, err),
			})
		}
		return Finding{}, false
	}
	if ok {
		return Finding{}, false
	}

	msg := fmt.Sprintf("row does not satisfy %q; correct the offending fields", rule.Expression)
	if rule.Message != "" {
		msg = msg + "; " + rule.Message
	}
	return Finding{
		Time:     time.Now().UTC(),
		Severity: ruleSeverity(rule),
		Rule:     string(schema.RuleExpression),
		Message:  msg,
	}, true
}

func (e *Evaluator) checkExpressionRuleEnv(rule *schema.Rule, env Row) (Finding, bool) {
	ok, err := e.programs.run(rule.Expression, map[string]any(env))
	if err != nil || ok {
		return Finding{}, false
	}
	msg := fmt.Sprintf("value does not satisfy %q; correct it", rule.Expression)
	if rule.Message != "" {
		msg = msg + "; " + rule.Message
	}
	return Finding{
		Time:     time.Now().UTC(),
		Severity: ruleSeverity(rule),
		Rule:     string(schema.RuleExpression),
		Message:  msg,
	}, true
}

// evaluateCatalogRules runs uniqueness scans and referential checks.
func (e *Evaluator) evaluateCatalogRules(view *normalize.TableView, cat *schema.Catalog, doc *schema.Document, result *Result) {
	// Uniqueness: declared on fields or as explicit catalog rules.
	uniqueFields := make(map[string]schema.Severity)
	for _, f := range cat.Fields {
		if f.Unique {
			uniqueFields[f.Name] = schema.SeverityWarning
		}
	}
	for _, rule := range cat.Rules {
		if rule.Kind == schema.RuleUnique {
			uniqueFields[rule.Field] = schema.SeverityWarning
		}
	}

	duplicates := make(map[string]bool)
	for name := range uniqueFields {
		if e.scanDuplicates(view, cat, name, result) {
			duplicates[name] = true
		}
	}
	result.Catalogs[cat.ID].Fields = buildFieldMeta(view, cat, duplicates)

	// Referential checks against sibling catalogs of the same execution.
	for _, rule := range cat.Rules {
		if rule.Kind != schema.RuleReference {
			continue
		}
		e.checkReference(&rule, view, cat, doc.Catalogs[rule.RefCatalog], result)
	}
}

// scanDuplicates performs the explicit duplicate scan for one field.
// Any duplicate downgrades uniqueness to a warning-level finding; the
// run never aborts.
func (e *Evaluator) scanDuplicates(view *normalize.TableView, cat *schema.Catalog, fieldName string, result *Result) bool {
	idx := fieldIndex(cat, fieldName)
	if idx < 0 {
		return false
	}

	firstLine := make(map[string]int, len(view.Rows))
	found := false
	for _, row := range view.Rows {
		v := row.Values[idx]
		if prev, seen := firstLine[v]; seen {
			found = true
			result.Findings = append(result.Findings, Finding{
				Time:     time.Now().UTC(),
				Severity: schema.SeverityWarning,
				Catalog:  cat.ID,
				File:     view.FileName,
				Line:     row.Line,
				Column:   fieldName,
				Rule:     string(schema.RuleUnique),
				Value:    v,
				Message: fmt.Sprintf("field %s is declared unique but value %q repeats (first seen on line %d); deduplicate the file or drop the uniqueness declaration",
					fieldName, v, prev),
			})
		} else {
			firstLine[v] = row.Line
		}
	}
	return found
}

// checkReference verifies every value of rule.Field exists in the
// referenced sibling catalog's validated rows.
func (e *Evaluator) checkReference(rule *schema.Rule, view *normalize.TableView, cat *schema.Catalog, refCat *schema.Catalog, result *Result) {
	refRows, ok := result.ValidatedRows[rule.RefCatalog]
	if !ok {
		err := &MissingDependencyError{CatalogID: cat.ID, RefCatalog: rule.RefCatalog}
		skipped := fmt.Sprintf("reference %s.%s -> %s.%s: %v", cat.ID, rule.Field, rule.RefCatalog, rule.RefField, err)
		result.SkippedRules = append(result.SkippedRules, skipped)
		result.Findings = append(result.Findings, Finding{
			Time:     time.Now().UTC(),
			Severity: schema.SeverityWarning,
			Catalog:  cat.ID,
			File:     view.FileName,
			Column:   rule.Field,
			Rule:     string(schema.RuleReference),
			Message: fmt.Sprintf("%v; include catalog %s in the same package delivery to enable this check",
				err, rule.RefCatalog),
		})
		return
	}

	refValues := make(map[string]bool, len(refRows))
	for _, row := range refRows {
		refValues[fmt.Sprint(row[rule.RefField])] = true
	}

	// Compare in the referenced field's type domain so different
	// renderings of the same value ("01" vs 1) still match.
	refType := schema.TypeText
	if refCat != nil {
		if rf := refCat.FieldByName(rule.RefField); rf != nil {
			refType = rf.Type
		}
	}

	idx := fieldIndex(cat, rule.Field)
	if idx < 0 {
		return
	}

	for _, row := range view.Rows {
		v := row.Values[idx]
		cmp := v
		if coerced, err := coerce(v, refType); err == nil {
			cmp = fmt.Sprint(coerced)
		}
		if refValues[cmp] {
			continue
		}
		msg := fmt.Sprintf("field %s value %q has no match in %s.%s; add the missing record to %s or fix the value",
			rule.Field, v, rule.RefCatalog, rule.RefField, rule.RefCatalog)
		if rule.Message != "" {
			msg = msg + "; " + rule.Message
		}
		result.Findings = append(result.Findings, Finding{
			Time:     time.Now().UTC(),
			Severity: ruleSeverity(rule),
			Catalog:  cat.ID,
			File:     view.FileName,
			Line:     row.Line,
			Column:   rule.Field,
			Rule:     string(schema.RuleReference),
			Value:    v,
			Message:  msg,
		})
	}
}

// finishCatalog excludes rows failed by catalog rules from the validated
// set, counts findings and judges the catalog status. Row-stage error
// rows were already dropped at the barrier; kept maps the surviving
// validated rows back to their view indices.
func (e *Evaluator) finishCatalog(view *normalize.TableView, cat *schema.Catalog, kept []int, result *Result) {
	cr := result.Catalogs[cat.ID]

	// Reference rule errors mark rows after the row stage; fold them in
	// by line number.
	errorLines := make(map[int]bool)
	for _, f := range result.Findings {
		if f.Catalog == cat.ID && f.Severity == schema.SeverityError && f.Line > 0 {
			errorLines[f.Line] = true
		}
	}

	all := result.ValidatedRows[cat.ID]
	validated := make([]Row, 0, len(all))
	errorRows := len(view.Rows) - len(all)
	for j, row := range all {
		if errorLines[view.Rows[kept[j]].Line] {
			errorRows++
			continue
		}
		validated = append(validated, row)
	}
	result.ValidatedRows[cat.ID] = validated

	for _, f := range result.Findings {
		if f.Catalog != cat.ID {
			continue
		}
		switch f.Severity {
		case schema.SeverityError:
			cr.Errors++
		case schema.SeverityWarning:
			cr.Warnings++
		}
		metrics.EngineFindingsTotal.WithLabelValues(cat.ID, string(f.Severity)).Inc()
	}

	cr.ErrorRows = errorRows
	cr.Status = judgeStatus(cr.TotalRows, errorRows, cr.Errors, e.partialRatio)

	e.logger.Info("catalog evaluated",
		"catalog", cat.ID,
		"rows", cr.TotalRows,
		"error_rows", errorRows,
		"errors", cr.Errors,
		"warnings", cr.Warnings,
		"status", cr.Status,
	)
}

// judgeStatus applies the Success/Partial/Failed policy.
func judgeStatus(totalRows, errorRows, errors int, partialRatio float64) CatalogStatus {
	if errors == 0 {
		return StatusSuccess
	}
	if totalRows == 0 {
		return StatusFailed
	}
	if float64(errorRows)/float64(totalRows) <= partialRatio {
		return StatusPartial
	}
	return StatusFailed
}

// buildFieldMeta computes per-field metadata: inferred types and the
// post-scan uniqueness flags.
func buildFieldMeta(view *normalize.TableView, cat *schema.Catalog, duplicates map[string]bool) []FieldMeta {
	meta := make([]FieldMeta, len(cat.Fields))
	for i, f := range cat.Fields {
		values := make([]string, len(view.Rows))
		for ri, row := range view.Rows {
			values[ri] = row.Values[i]
		}

		declared := f.Unique
		meta[i] = FieldMeta{
			Name:           f.Name,
			DeclaredType:   f.Type,
			InferredType:   inferType(values),
			UniqueDeclared: declared,
			Unique:         declared && !duplicates[f.Name],
		}
	}
	return meta
}

// ruleSeverity defaults to error so documents built programmatically,
// without passing through Validate, judge like loaded ones.
func ruleSeverity(r *schema.Rule) schema.Severity {
	if r.Severity == "" {
		return schema.SeverityError
	}
	return r.Severity
}

func fieldIndex(cat *schema.Catalog, name string) int {
	for i, f := range cat.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
